package websocket

import (
	"encoding/json"
	"time"

	"github.com/aetherdock/backend/internal/fleet"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 64 * 1024
	writeBatch     = 64
)

// backlog is always ready; WritePump selects on it while events remain after
// a full batch so pings still interleave with a busy session.
var backlog = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// Commander applies inbound viewer commands to a session.
type Commander interface {
	Handle(s *fleet.Session, cmd fleet.Command) error
}

// Client couples one WebSocket connection to one engine session. ReadPump
// feeds commands in, WritePump drains the session's outbound queue.
type Client struct {
	Conn    *websocket.Conn
	Session *fleet.Session

	commands Commander
	log      zerolog.Logger
}

func NewClient(conn *websocket.Conn, session *fleet.Session, commands Commander, log zerolog.Logger) *Client {
	return &Client{
		Conn:     conn,
		Session:  session,
		commands: commands,
		log:      log.With().Str("component", "websocket").Str("session", session.ID()).Logger(),
	}
}

// WritePump runs until the session closes or a write fails. It owns all
// writes to the connection and drains the session in queue order.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	ready := c.Session.Ready()
	for {
		select {
		case <-c.Session.Done():
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.Conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case <-ready:
			ready = c.Session.Ready()
			for i := 0; i < writeBatch; i++ {
				ev, ok := c.Session.TryNext()
				if !ok {
					break
				}
				if !c.write(ev) {
					return
				}
				if i == writeBatch-1 {
					ready = backlog
				}
			}
		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) write(ev fleet.Event) bool {
	msg, err := json.Marshal(NewMessage(ev))
	if err != nil {
		c.log.Error().Err(err).Str("type", string(ev.Type)).Msg("failed to marshal message")
		return true
	}

	c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.Conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		c.log.Debug().Err(err).Msg("write failed")
		return false
	}
	return true
}

// ReadPump decodes commands until the connection fails or closes. Malformed
// frames are answered with an error message and otherwise skipped.
func (c *Client) ReadPump() {
	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				c.log.Debug().Err(err).Msg("connection closed unexpectedly")
			}
			return
		}

		var cmd fleet.Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			c.Session.Notify("malformed command: " + err.Error())
			continue
		}
		if err := c.commands.Handle(c.Session, cmd); err != nil {
			c.log.Debug().Err(err).Str("command", string(cmd.Type)).Msg("command failed")
		}
	}
}
