package signal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/duocall/internal/proto"
	"github.com/petervdpas/duocall/internal/util"
)

var log = logging.Logger("signal")

const (
	writeWait      = 10 * time.Second
	pongWait       = 70 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 1 << 20
	sendBuffer     = 256
)

// ErrClosed is returned by Send after the connection has gone away.
var ErrClosed = errors.New("signaling connection closed")

// Client is a single persistent connection to the signaling server.
type Client struct {
	url  string
	conn *websocket.Conn
	bus  *Bus

	send chan []byte

	closing     chan struct{}
	closingOnce sync.Once

	done      chan struct{}
	closeOnce sync.Once

	errMu sync.Mutex
	err   error
}

// Dial opens the signaling websocket. token, when non-empty, is sent as a
// bearer credential on the upgrade request.
func Dial(ctx context.Context, rawURL, token string) (*Client, error) {
	hdr := http.Header{}
	if token != "" {
		hdr.Set("Authorization", "Bearer "+token)
	}
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: util.DefaultConnectTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, rawURL, hdr)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", rawURL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", rawURL, err)
	}

	c := &Client{
		url:     rawURL,
		conn:    conn,
		bus:     NewBus(),
		send:    make(chan []byte, sendBuffer),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
	go c.readPump()
	go c.writePump()
	log.Infof("connected to %s", rawURL)
	return c, nil
}

// Send encodes payload under event and queues it for the write pump.
func (c *Client) Send(event string, payload any) error {
	b, err := proto.EncodeFrame(event, payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.send <- b:
		log.Debugf("-> %s", event)
		return nil
	case <-c.done:
		return ErrClosed
	}
}

// Subscribe registers for the named inbound events.
func (c *Client) Subscribe(events ...string) (<-chan proto.Event, func()) {
	return c.bus.Subscribe(events...)
}

// Done is closed when the connection ends for any reason.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err reports why the connection ended, nil after a local Close.
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Close flushes queued frames, sends a close frame and tears the
// connection down.
func (c *Client) Close() error {
	c.closingOnce.Do(func() { close(c.closing) })
	select {
	case <-c.done:
	case <-time.After(writeWait):
		c.shutdown(nil)
	}
	return nil
}

func (c *Client) shutdown(cause error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.err = cause
		c.errMu.Unlock()
		close(c.done)
		c.bus.Close()
		_ = c.conn.Close()
		if cause != nil {
			log.Warnf("connection to %s lost: %v", c.url, cause)
		}
	})
}

func (c *Client) readPump() {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				return
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.shutdown(ErrClosed)
			} else {
				c.shutdown(err)
			}
			return
		}

		ev, err := proto.Decode(raw)
		if err != nil {
			log.Warnf("dropping frame: %v", err)
			continue
		}
		log.Debugf("<- %s", ev.Name())
		c.bus.Publish(ev)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.shutdown(err)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.shutdown(err)
				return
			}
		case <-c.closing:
			c.flush()
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			c.shutdown(nil)
			return
		}
	}
}

// flush writes whatever is still queued. Only called from the write pump.
func (c *Client) flush() {
	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		default:
			return
		}
	}
}
