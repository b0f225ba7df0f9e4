package signaling

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("signaling")

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultWriteTimeout     = 5 * time.Second
	defaultMaxMessageBytes  = 64 << 10
)

// Options configure a Channel.
type Options struct {
	// UserID is the local party; it signs the relay token.
	UserID string

	// TokenSecret enables HS256 relay tokens when set.
	TokenSecret string
	TokenTTL    time.Duration

	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration

	// PingInterval of zero disables keepalive and read deadlines.
	PingInterval    time.Duration
	MaxMessageBytes int64
}

func (o *Options) setDefaults() {
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = defaultHandshakeTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = defaultWriteTimeout
	}
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = defaultMaxMessageBytes
	}
	if o.TokenTTL <= 0 {
		o.TokenTTL = time.Minute
	}
}

// Channel is one open websocket to the relay. Incoming messages are
// delivered in arrival order on Messages; there is exactly one consumer.
type Channel struct {
	conn *websocket.Conn
	opts Options

	msgs chan Message
	done chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once

	mu  sync.Mutex
	err error
}

// Dial connects to endpoint and returns once the channel is open. It fails
// with ErrConnectFailed, or with ctx.Err() when ctx ends first.
func Dial(ctx context.Context, endpoint string, opts Options) (*Channel, error) {
	opts.setDefaults()

	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}
	if opts.TokenSecret != "" {
		token, err := NewToken(opts.TokenSecret, opts.UserID, opts.TokenTTL, time.Now())
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrConnectFailed, err)
		}
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: opts.HandshakeTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if resp != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrConnectFailed, resp.Status, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}

	c := &Channel{
		conn: conn,
		opts: opts,
		msgs: make(chan Message),
		done: make(chan struct{}),
	}

	conn.SetReadLimit(opts.MaxMessageBytes)
	if opts.PingInterval > 0 {
		pongWait := 2 * opts.PingInterval
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		go c.pingLoop()
	}
	go c.readLoop()

	log.Debugf("SIGNALING: connected to %s as %s", u.Host, opts.UserID)
	return c, nil
}

// Messages returns the inbound stream. It is closed when the channel ends.
func (c *Channel) Messages() <-chan Message { return c.msgs }

// Done is closed when the channel has terminated for any reason.
func (c *Channel) Done() <-chan struct{} { return c.done }

// Err returns nil after a local Close and ErrDisconnected (wrapped) when the
// relay side went away.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Send encodes and writes one message.
func (c *Channel) Send(m Message) error {
	select {
	case <-c.done:
		return ErrNotConnected
	default:
	}

	b, err := Encode(m)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
		select {
		case <-c.done:
			return ErrNotConnected
		default:
		}
		c.shutdown(fmt.Errorf("%w: write: %v", ErrDisconnected, err))
		return fmt.Errorf("%w: %v", ErrDisconnected, err)
	}
	return nil
}

// Close sends a normal close frame and tears the connection down. Safe to
// call more than once.
func (c *Channel) Close() error {
	select {
	case <-c.done:
		return nil
	default:
	}

	c.writeMu.Lock()
	_ = c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(c.opts.WriteTimeout),
	)
	c.writeMu.Unlock()

	c.shutdown(nil)
	return nil
}

func (c *Channel) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *Channel) readLoop() {
	defer close(c.msgs)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.Warnf("SIGNALING: unexpected close: %v", err)
				}
				c.shutdown(fmt.Errorf("%w: %v", ErrDisconnected, err))
			}
			return
		}

		m, err := Decode(data)
		if err != nil {
			log.Warnf("SIGNALING: dropping frame: %v", err)
			continue
		}

		select {
		case c.msgs <- m:
		case <-c.done:
			return
		}
	}
}

func (c *Channel) pingLoop() {
	t := time.NewTicker(c.opts.PingInterval)
	defer t.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-t.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteTimeout))
			c.writeMu.Unlock()
			if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
				log.Debugf("SIGNALING: ping failed: %v", err)
				c.shutdown(fmt.Errorf("%w: ping: %v", ErrDisconnected, err))
				return
			}
		}
	}
}
