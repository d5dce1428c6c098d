// Package rpc exposes the coordinator over JSON-RPC 2.0, on POST /jsonrpc and
// on a websocket at /websocket.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/geo/r3"
	"github.com/gorilla/websocket"

	"github.com/gwillem/armctl/pkg/coordinator"
	"github.com/gwillem/armctl/pkg/robot"
	"github.com/gwillem/armctl/pkg/task"
)

// JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
)

// DefaultDanceSeconds is used when dance is called without a duration.
const DefaultDanceSeconds = 5.0

// MaxDanceSeconds bounds the requested dance duration.
const MaxDanceSeconds = 3600.0

// Coordinator is the task and query surface served over RPC.
type Coordinator interface {
	PickObject(ctx context.Context, objectID string) task.Result
	CarryTo(ctx context.Context, target r3.Vector) task.Result
	PlaceObject(ctx context.Context, target *r3.Vector) task.Result
	Dance(ctx context.Context, d time.Duration) task.Result
	ResetToBase(ctx context.Context) task.Result
	DiscoverObjects() []robot.TrackedObject
	EnvironmentInfo() coordinator.Environment
}

// Config holds configuration for the server.
type Config struct {
	Addr        string
	Coordinator Coordinator
	Actuator    http.Handler             // mounted at /actuator when set
	States      <-chan coordinator.State // broadcast to websocket clients when set
}

// Server serves the coordinator.
type Server struct {
	coord    Coordinator
	actuator http.Handler
	states   <-chan coordinator.State

	httpServer *http.Server
	addr       string

	wsUpgrader websocket.Upgrader
	wsClients  map[int64]*WSClient
	wsClientMu sync.RWMutex
	nextWSID   int64

	running atomic.Bool
}

// New creates a server. Nothing listens until Start.
func New(cfg Config) *Server {
	return &Server{
		coord:     cfg.Coordinator,
		actuator:  cfg.Actuator,
		states:    cfg.States,
		addr:      cfg.Addr,
		wsClients: make(map[int64]*WSClient),
		wsUpgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the routes without starting a listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/jsonrpc", s.handleJSONRPC)
	mux.HandleFunc("/websocket", s.handleWebSocket)
	if s.actuator != nil {
		mux.Handle("/actuator", s.actuator)
	}
	return mux
}

// Start listens on the configured address until Stop.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:    s.addr,
		Handler: s.Handler(),
	}
	s.running.Store(true)
	log.Printf("rpc: listening on %s", s.addr)

	if s.states != nil {
		go s.broadcastLoop()
	}

	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop closes all websocket clients and the listener.
func (s *Server) Stop(ctx context.Context) error {
	s.running.Store(false)

	s.wsClientMu.Lock()
	for _, client := range s.wsClients {
		client.Close()
	}
	s.wsClients = make(map[int64]*WSClient)
	s.wsClientMu.Unlock()

	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

type jsonRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      any             `json:"id,omitempty"`
}

type jsonRPCResponse struct {
	JSONRPC string        `json:"jsonrpc"`
	Result  any           `json:"result,omitempty"`
	Error   *jsonRPCError `json:"error,omitempty"`
	ID      any           `json:"id,omitempty"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *jsonRPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

func (s *Server) handleJSONRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req jsonRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, errorResponse(nil, CodeParseError, "Parse error"))
		return
	}
	writeJSON(w, s.call(r.Context(), req))
}

func (s *Server) call(ctx context.Context, req jsonRPCRequest) jsonRPCResponse {
	if req.Method == "" {
		return errorResponse(req.ID, CodeInvalidRequest, "Invalid request: missing method")
	}
	result, err := s.dispatch(ctx, req.Method, req.Params)
	if err != nil {
		var rpcErr *jsonRPCError
		if errors.As(err, &rpcErr) {
			return errorResponse(req.ID, rpcErr.Code, rpcErr.Message)
		}
		return errorResponse(req.ID, -32000, err.Error())
	}
	return jsonRPCResponse{JSONRPC: "2.0", Result: result, ID: req.ID}
}

func errorResponse(id any, code int, message string) jsonRPCResponse {
	return jsonRPCResponse{
		JSONRPC: "2.0",
		Error:   &jsonRPCError{Code: code, Message: message},
		ID:      id,
	}
}

func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

// WSClient is one websocket caller.
type WSClient struct {
	id     int64
	conn   *websocket.Conn
	server *Server
	sendCh chan any
	done   chan struct{}
	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

func (s *Server) newWSClient(conn *websocket.Conn) *WSClient {
	ctx, cancel := context.WithCancel(context.Background())
	return &WSClient{
		id:     atomic.AddInt64(&s.nextWSID, 1),
		conn:   conn,
		server: s,
		sendCh: make(chan any, 64),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Send queues a message for the client.
func (c *WSClient) Send(msg any) {
	select {
	case c.sendCh <- msg:
	case <-c.done:
	default:
		log.Printf("rpc: dropping message to client %d (channel full)", c.id)
	}
}

// Close closes the client connection and cancels its running calls.
func (c *WSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.done:
		return
	default:
		close(c.done)
	}
	c.cancel()
	c.conn.Close()
}

func (c *WSClient) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.Close()
	}()

	c.conn.SetReadLimit(64 * 1024)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("rpc: websocket read error: %v", err)
			}
			return
		}
		// Tasks block for seconds; keep reading so a concurrent call is
		// answered with TASK_IN_PROGRESS instead of queueing.
		go c.handleMessage(message)
	}
}

func (c *WSClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case msg := <-c.sendCh:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteJSON(msg); err != nil {
				log.Printf("rpc: websocket write error: %v", err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *WSClient) handleMessage(data []byte) {
	var req jsonRPCRequest
	if err := json.Unmarshal(data, &req); err != nil {
		c.Send(errorResponse(nil, CodeParseError, "Parse error"))
		return
	}
	c.Send(c.server.call(c.ctx, req))
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("rpc: websocket upgrade error: %v", err)
		return
	}

	client := s.newWSClient(conn)
	s.wsClientMu.Lock()
	s.wsClients[client.id] = client
	s.wsClientMu.Unlock()

	go client.writePump()
	client.readPump()
}

func (s *Server) removeClient(client *WSClient) {
	s.wsClientMu.Lock()
	delete(s.wsClients, client.id)
	s.wsClientMu.Unlock()
}

// broadcastLoop forwards arm state updates to every websocket client.
func (s *Server) broadcastLoop() {
	for st := range s.states {
		if !s.running.Load() {
			return
		}
		note := map[string]any{
			"jsonrpc": "2.0",
			"method":  "notify_arm_state",
			"params": []any{map[string]any{
				"arm":         st.Arm,
				"observed":    st.Observed,
				"task_status": st.Task,
				"timestamp":   st.Timestamp,
			}},
		}
		s.wsClientMu.RLock()
		for _, client := range s.wsClients {
			client.Send(note)
		}
		s.wsClientMu.RUnlock()
	}
}
