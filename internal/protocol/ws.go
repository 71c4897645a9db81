package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
)

// ServeWS upgrades the request and serves protocol messages over the socket.
// Each inbound text frame is one Message; call kinds are answered with one
// Reply frame carrying the same id.
func ServeWS(srv *Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			slog.Warn("WebSocket upgrade failed", "remote", r.RemoteAddr, "error", err)
			return
		}
		defer conn.Close()

		slog.Info("WebSocket client connected", "remote", r.RemoteAddr)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		var (
			writeMu sync.Mutex
			wg      sync.WaitGroup
		)
		for {
			data, op, err := wsutil.ReadClientData(conn)
			if err != nil {
				slog.Debug("WebSocket read loop exited", "remote", r.RemoteAddr, "error", err)
				break
			}
			if op != ws.OpText {
				continue
			}

			var msg Message
			if err := json.Unmarshal(data, &msg); err != nil {
				slog.Warn("Invalid WebSocket frame", "remote", r.RemoteAddr, "error", err)
				continue
			}

			wg.Add(1)
			go func(msg Message) {
				defer wg.Done()
				reply, ok, _ := srv.Dispatch(ctx, msg)
				if !ok {
					return
				}
				out, err := json.Marshal(reply)
				if err != nil {
					return
				}
				writeMu.Lock()
				defer writeMu.Unlock()
				if err := wsutil.WriteServerText(conn, out); err != nil {
					slog.Debug("WebSocket reply dropped", "kind", reply.Kind, "error", err)
				}
			}(msg)
		}

		cancel()
		wg.Wait()
		slog.Info("WebSocket client disconnected", "remote", r.RemoteAddr)
	}
}

// WSConn is the caller side of the WebSocket transport.
type WSConn struct {
	conn    net.Conn
	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan Reply

	closeOnce sync.Once
	done      chan struct{}
}

// DialWS connects to a ServeWS endpoint such as ws://127.0.0.1:8190/ws.
func DialWS(ctx context.Context, url string) (*WSConn, error) {
	conn, _, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("protocol: dial %s: %w", url, err)
	}
	c := &WSConn{
		conn:    conn,
		pending: make(map[string]chan Reply),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *WSConn) readLoop() {
	defer c.shutdown()
	for {
		data, err := wsutil.ReadServerText(c.conn)
		if err != nil {
			slog.Debug("WebSocket client read loop exited", "error", err)
			return
		}

		var reply Reply
		if json.Unmarshal(data, &reply) != nil || reply.ID == "" {
			continue
		}

		c.pendingMu.Lock()
		ch, ok := c.pending[reply.ID]
		if ok {
			delete(c.pending, reply.ID)
		}
		c.pendingMu.Unlock()
		if ok {
			ch <- reply
		}
	}
}

func (c *WSConn) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})

	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

func (c *WSConn) write(msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("protocol: marshal: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := wsutil.WriteClientText(c.conn, data); err != nil {
		return fmt.Errorf("protocol: send: %w", err)
	}
	return nil
}

// Fire sends msg without expecting a reply.
func (c *WSConn) Fire(ctx context.Context, msg Message) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	msg.ID = ""
	return c.write(msg)
}

// Call sends msg and waits for the reply with the same id.
func (c *WSConn) Call(ctx context.Context, msg Message) (Reply, error) {
	msg.ID = uuid.NewString()
	ch := make(chan Reply, 1)

	c.pendingMu.Lock()
	select {
	case <-c.done:
		c.pendingMu.Unlock()
		return Reply{}, ErrClosed
	default:
	}
	c.pending[msg.ID] = ch
	c.pendingMu.Unlock()

	if err := c.write(msg); err != nil {
		c.deletePending(msg.ID)
		return Reply{}, err
	}

	select {
	case reply, ok := <-ch:
		if !ok {
			return Reply{}, ErrClosed
		}
		return reply, nil
	case <-ctx.Done():
		c.deletePending(msg.ID)
		return Reply{}, ctx.Err()
	}
}

func (c *WSConn) deletePending(id string) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

// Close shuts the socket down; pending calls fail with ErrClosed.
func (c *WSConn) Close() error {
	c.shutdown()
	return nil
}
