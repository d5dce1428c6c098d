// Package wslink carries actuator commands and reports over a websocket.
//
// Link is the coordinator side: an http.Handler that accepts one actuator
// connection at a time. Bridge is the actuator side: it dials a Link and
// relays traffic to a local transport such as the simulator.
package wslink

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/gwillem/armctl/pkg/command"
)

// ErrNotConnected is returned by Send while no actuator is attached.
var ErrNotConnected = errors.New("actuator not connected")

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	maxMessage = 512 * 1024
)

// Link implements command.Transport for a remote actuator.
type Link struct {
	upgrader websocket.Upgrader

	mu      sync.Mutex // guards conn and serialises writes
	conn    *websocket.Conn
	closed  bool
	reports chan command.Report
	done    chan struct{}
}

// NewLink returns a link waiting for an actuator to connect.
func NewLink() *Link {
	return &Link{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		reports: make(chan command.Report, 256),
		done:    make(chan struct{}),
	}
}

// Connected reports whether an actuator is attached.
func (l *Link) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn != nil
}

// ServeHTTP upgrades the request and reads reports until the connection
// drops. A new connection replaces the previous one.
func (l *Link) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("wslink: upgrade error: %v", err)
		return
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		conn.Close()
		return
	}
	if l.conn != nil {
		l.conn.Close()
	}
	l.conn = conn
	l.mu.Unlock()

	log.Printf("wslink: actuator connected from %s", r.RemoteAddr)
	stop := make(chan struct{})
	go l.pingLoop(conn, stop)
	l.readPump(conn)
	close(stop)

	l.mu.Lock()
	if l.conn == conn {
		l.conn = nil
	}
	l.mu.Unlock()
	conn.Close()
	log.Printf("wslink: actuator disconnected")
}

func (l *Link) readPump(conn *websocket.Conn) {
	conn.SetReadLimit(maxMessage)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("wslink: read error: %v", err)
			}
			return
		}
		var r command.Report
		if err := json.Unmarshal(data, &r); err != nil {
			log.Printf("wslink: dropping malformed report: %v", err)
			continue
		}
		select {
		case l.reports <- r:
		case <-l.done:
			return
		}
	}
}

func (l *Link) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.mu.Lock()
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			l.mu.Unlock()
			if err != nil {
				return
			}
		case <-stop:
			return
		}
	}
}

// Send implements command.Transport.
func (l *Link) Send(ctx context.Context, cmd command.Command) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return ErrNotConnected
	}

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	l.conn.SetWriteDeadline(deadline)
	if err := l.conn.WriteJSON(cmd); err != nil {
		return errors.Wrapf(err, "write %s command", cmd.Kind)
	}
	return nil
}

// Reports implements command.Transport.
func (l *Link) Reports() <-chan command.Report {
	return l.reports
}

// Close drops the actuator connection and refuses new ones.
func (l *Link) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	close(l.done)
	if l.conn != nil {
		l.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err := l.conn.Close()
		l.conn = nil
		return errors.Wrap(err, "close actuator connection")
	}
	return nil
}
