package wslink

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/gwillem/armctl/pkg/command"
)

// Bridge connects a local actuator to a remote Link.
type Bridge struct {
	URL      string
	Actuator command.Transport
	Dialer   *websocket.Dialer // websocket.DefaultDialer when nil
}

// Run dials the link and relays until ctx ends or the connection drops.
func (b *Bridge) Run(ctx context.Context) error {
	dialer := b.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, b.URL, nil)
	if err != nil {
		return errors.Wrapf(err, "dial %s", b.URL)
	}
	defer conn.Close()

	readErr := make(chan error, 1)
	go func() { readErr <- b.readCommands(ctx, conn) }()

	reports := b.Actuator.Reports()
	for {
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return ctx.Err()
		case err := <-readErr:
			return err
		case r := <-reports:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(r); err != nil {
				return errors.Wrapf(err, "forward %s report", r.Type)
			}
		}
	}
}

func (b *Bridge) readCommands(ctx context.Context, conn *websocket.Conn) error {
	conn.SetReadLimit(maxMessage)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return errors.Wrap(err, "read command")
		}
		var cmd command.Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			log.Printf("wslink: dropping malformed command: %v", err)
			continue
		}
		if err := b.Actuator.Send(ctx, cmd); err != nil {
			return errors.Wrapf(err, "apply %s", cmd.Kind)
		}
	}
}
