package rtrelay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	nanoid "github.com/matoous/go-nanoid/v2"
	"nhooyr.io/websocket"
)

const (
	sendTimeout  = 15 * time.Second
	pingInterval = 20 * time.Second
	eventBuffer  = 256
)

// Transport carries JSON event messages to and from the realtime API.
// Read returns one complete text message per call.
type Transport interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close() error
}

// pinger is implemented by transports that need keepalives.
type pinger interface {
	Ping(ctx context.Context) error
}

// Client is a connection to the Azure OpenAI Realtime API. Server events are
// decoded on a background goroutine and delivered, in order, on Events. It is
// safe for concurrent use.
type Client struct {
	cfg Config
	log *Logger

	transport Transport
	writeMu   sync.Mutex
	closed    bool

	events     chan ServerEvent
	done       chan struct{}
	readCancel context.CancelFunc
	closeOnce  sync.Once

	errMu   sync.Mutex
	readErr error
}

// Dial opens a websocket to {ResourceEndpoint}/openai/realtime and starts the
// read and keepalive loops. Call Close when finished.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}

	u, err := url.Parse(cfg.ResourceEndpoint)
	if err != nil {
		return nil, NewConfigError("ResourceEndpoint", cfg.ResourceEndpoint, "invalid URL format")
	}
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws" // plain http endpoints are only used against local mocks
	}
	u.Path = "/openai/realtime"
	q := u.Query()
	q.Set("api-version", cfg.APIVersion)
	q.Set("deployment", cfg.Deployment)
	u.RawQuery = q.Encode()

	h := http.Header{}
	for k, vals := range cfg.HandshakeHeaders {
		for _, v := range vals {
			h.Add(k, v)
		}
	}
	cfg.Credential.apply(h)

	dialCtx := ctx
	if cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, cfg.DialTimeout)
		defer cancel()
	}

	conn, _, err := websocket.Dial(dialCtx, u.String(), &websocket.DialOptions{HTTPHeader: h})
	if err != nil {
		return nil, NewConnectionError(u.String(), "dial", err)
	}
	// Audio deltas regularly exceed the 32KiB default.
	conn.SetReadLimit(16 << 20)

	c := NewClient(&wsTransport{conn: conn}, cfg)
	c.log.Info("ws_connected", map[string]any{"url": u.String(), "deployment": cfg.Deployment})
	return c, nil
}

// NewClient runs a Client over an already established transport.
func NewClient(t Transport, cfg Config) *Client {
	c := &Client{
		cfg:       cfg,
		log:       cfg.Logger,
		transport: t,
		events:    make(chan ServerEvent, eventBuffer),
		done:      make(chan struct{}),
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.readCancel = cancel
	go c.readLoop(ctx)
	if p, ok := t.(pinger); ok {
		go c.pingLoop(p)
	}
	return c
}

// Events returns the ordered stream of decoded server events. The channel
// is closed when the connection ends.
func (c *Client) Events() <-chan ServerEvent { return c.events }

// Done is closed once the read loop has exited.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns the error that ended the read loop, if any. It is nil for a
// locally requested Close.
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.readErr
}

// Close shuts the connection down. It is safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		c.closed = true
		c.writeMu.Unlock()
		err = c.transport.Close()
		c.readCancel()
		c.log.Debug("client_closed", nil)
	})
	return err
}

func (c *Client) readLoop(ctx context.Context) {
	defer func() {
		close(c.events)
		close(c.done)
	}()

	for {
		data, err := c.transport.Read(ctx)
		if err != nil {
			if ctx.Err() == nil && !c.isClosed() {
				c.setErr(err)
				c.log.Warn("read_failed", map[string]any{"err": err})
			}
			return
		}

		ev, err := DecodeServerEvent(data)
		if err != nil {
			c.log.Error("bad_event_json", map[string]any{"err": err, "raw_data": string(data)})
			continue
		}
		if ue, ok := ev.(*UnknownEvent); ok {
			c.log.Debug("unknown_event", map[string]any{"type": ue.Type})
		}

		select {
		case c.events <- ev:
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) pingLoop(p pinger) {
	t := time.NewTicker(pingInterval)
	defer t.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), pingInterval/2)
			if err := p.Ping(ctx); err != nil && !c.isClosed() {
				c.log.Warn("ping_failed", map[string]any{"err": err})
			}
			cancel()
		}
	}
}

func (c *Client) isClosed() bool {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.closed
}

func (c *Client) setErr(err error) {
	c.errMu.Lock()
	c.readErr = err
	c.errMu.Unlock()
}

// send writes one client event and returns the event_id it was tagged with.
func (c *Client) send(ctx context.Context, eventType string, payload map[string]any) (string, error) {
	id := nextEventID()
	payload["type"] = eventType
	payload["event_id"] = id

	b, err := json.Marshal(payload)
	if err != nil {
		return id, NewSendError(eventType, id, fmt.Errorf("marshal payload: %w", err))
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return id, NewSendError(eventType, id, ErrClosed)
	}

	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	if err := c.transport.Write(ctx, b); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return id, NewSendError(eventType, id, ErrSendTimeout)
		}
		return id, NewSendError(eventType, id, err)
	}
	return id, nil
}

func nextEventID() string {
	id, err := nanoid.New()
	if err != nil {
		return fmt.Sprintf("evt_%d", time.Now().UnixNano())
	}
	return "evt_" + id
}

type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) Read(ctx context.Context) ([]byte, error) {
	for {
		typ, data, err := t.conn.Read(ctx)
		if err != nil {
			return nil, err
		}
		if typ == websocket.MessageText {
			return data, nil
		}
	}
}

func (t *wsTransport) Write(ctx context.Context, data []byte) error {
	return t.conn.Write(ctx, websocket.MessageText, data)
}

func (t *wsTransport) Ping(ctx context.Context) error { return t.conn.Ping(ctx) }

func (t *wsTransport) Close() error {
	return t.conn.Close(websocket.StatusNormalClosure, "closing")
}
