package command

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gwillem/armctl/pkg/robot"
)

// fakeTransport records sent commands and never answers on its own.
type fakeTransport struct {
	mu      sync.Mutex
	sent    []Command
	sendErr error
	reports chan Report
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{reports: make(chan Report, 8)}
}

func (f *fakeTransport) Send(ctx context.Context, cmd Command) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, cmd)
	return nil
}

func (f *fakeTransport) Reports() <-chan Report { return f.reports }
func (f *fakeTransport) Close() error           { return nil }

func TestChannel_IssueAndDeliver(t *testing.T) {
	ft := newFakeTransport()
	c := NewChannel(ft)
	ctx := context.Background()

	id, err := c.Issue(ctx, Pose(robot.JointVector{1, 2, 3, 4, 5, 6}))
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if id == "" || ft.sent[0].CorrelationID != id {
		t.Fatalf("sent command has id %q, Issue returned %q", ft.sent[0].CorrelationID, id)
	}
	if ft.sent[0].IssuedAt.IsZero() {
		t.Error("IssuedAt not stamped")
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		c.Deliver(Result{CorrelationID: id, OK: true})
	}()

	res, err := c.AwaitResult(ctx, id, time.Second)
	if err != nil {
		t.Fatalf("AwaitResult: %v", err)
	}
	if !res.OK {
		t.Errorf("result = %+v, want ok", res)
	}
	if c.Pending() != 0 {
		t.Errorf("Pending = %d after result, want 0", c.Pending())
	}
}

func TestChannel_InFlightLimit(t *testing.T) {
	c := NewChannel(newFakeTransport())
	ctx := context.Background()

	if _, err := c.Issue(ctx, Engage(true)); err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := c.Issue(ctx, Engage(false)); !errors.Is(err, ErrInFlight) {
		t.Errorf("second Issue error = %v, want ErrInFlight", err)
	}
}

func TestChannel_TimeoutDiscardsLateResult(t *testing.T) {
	c := NewChannel(newFakeTransport())
	ctx := context.Background()

	id, err := c.Issue(ctx, Engage(true))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.AwaitResult(ctx, id, 20*time.Millisecond); !errors.Is(err, ErrTimeout) {
		t.Fatalf("AwaitResult error = %v, want ErrTimeout", err)
	}

	if c.Deliver(Result{CorrelationID: id, OK: true}) {
		t.Error("late result should be discarded")
	}
	// The slot is free again.
	if _, err := c.Issue(ctx, Engage(false)); err != nil {
		t.Errorf("Issue after timeout: %v", err)
	}
}

func TestChannel_DiscardsUnknownAndDuplicate(t *testing.T) {
	c := NewChannel(newFakeTransport())
	ctx := context.Background()

	if c.Deliver(Result{CorrelationID: "nope", OK: true}) {
		t.Error("unknown id should be discarded")
	}

	id, _ := c.Issue(ctx, Engage(true))
	if !c.Deliver(Result{CorrelationID: id, OK: true}) {
		t.Fatal("first delivery should be accepted")
	}
	if c.Deliver(Result{CorrelationID: id, OK: false}) {
		t.Error("duplicate delivery should be discarded")
	}
	res, err := c.AwaitResult(ctx, id, time.Second)
	if err != nil || !res.OK {
		t.Errorf("AwaitResult = %+v, %v; want the first result", res, err)
	}
}

func TestChannel_Expiry(t *testing.T) {
	c := NewChannel(newFakeTransport(), WithTTL(time.Minute))
	now := time.Now()
	c.now = func() time.Time { return now }

	id, err := c.Issue(context.Background(), Engage(true))
	if err != nil {
		t.Fatal(err)
	}

	now = now.Add(2 * time.Minute)
	if c.Deliver(Result{CorrelationID: id, OK: true}) {
		t.Error("expired request should not accept a result")
	}
	if c.Pending() != 0 {
		t.Errorf("Pending = %d, want 0 after expiry", c.Pending())
	}
}

func TestChannel_SendFailureFreesSlot(t *testing.T) {
	ft := newFakeTransport()
	ft.sendErr = errors.New("not connected")
	c := NewChannel(ft)

	if _, err := c.Issue(context.Background(), Engage(true)); err == nil {
		t.Fatal("expected send error")
	}
	if c.Pending() != 0 {
		t.Errorf("Pending = %d after failed send, want 0", c.Pending())
	}
}

func TestReport_JSON(t *testing.T) {
	tests := []struct {
		name string
		json string
		want string
	}{
		{"result", `{"type":"result","correlation_id":"abc","ok":true}`, TypeResult},
		{"motion", `{"type":"motion_status","complete":true,"joint_angles":[1,2,3,4,5,6]}`, TypeMotionStatus},
		{"attachment", `{"type":"attachment_status","object_id":"cube1","attached":true}`, TypeAttachmentStatus},
		{"positions", `{"type":"object_positions","objects":[{"id":"cube1","position":[0.1,0.2,0.3]}]}`, TypeObjectPositions},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var r Report
			if err := json.Unmarshal([]byte(tt.json), &r); err != nil {
				t.Fatalf("Unmarshal: %v", err)
			}
			if r.Type != tt.want {
				t.Errorf("Type = %q, want %q", r.Type, tt.want)
			}
			data, err := json.Marshal(r)
			if err != nil {
				t.Fatalf("Marshal: %v", err)
			}
			var again Report
			if err := json.Unmarshal(data, &again); err != nil {
				t.Fatalf("re-Unmarshal %s: %v", data, err)
			}
			if again.Type != r.Type {
				t.Errorf("re-decoded type %q, want %q", again.Type, r.Type)
			}
		})
	}

	var r Report
	if err := json.Unmarshal([]byte(`{"type":"bogus"}`), &r); err == nil {
		t.Error("unknown type should fail to decode")
	}
}

func TestJointCount_JSON(t *testing.T) {
	tests := []struct {
		name string
		json string
		into any
	}{
		{"short motion", `{"type":"motion_status","complete":true,"joint_angles":[1,2,3]}`, &Report{}},
		{"long motion", `{"type":"motion_status","complete":true,"joint_angles":[1,2,3,4,5,6,7,8]}`, &Report{}},
		{"short command", `{"type":"command","kind":"set_pose","joints":[10,20]}`, &Command{}},
		{"long command", `{"type":"command","kind":"set_pose","joints":[1,2,3,4,5,6,7]}`, &Command{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := json.Unmarshal([]byte(tt.json), tt.into); err == nil {
				t.Errorf("Unmarshal(%s) accepted the wrong joint count: %+v", tt.json, tt.into)
			}
		})
	}

	var cmd Command
	if err := json.Unmarshal([]byte(`{"type":"command","kind":"set_pose","joints":[1,2,3,4,5,6]}`), &cmd); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if cmd.Joints != (robot.JointVector{1, 2, 3, 4, 5, 6}) {
		t.Errorf("Joints = %v", cmd.Joints)
	}
}
