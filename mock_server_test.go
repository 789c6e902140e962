package rtrelay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

// MockServer simulates the realtime websocket endpoint. It sends the queued
// messages after the handshake and records every client event it reads.
type MockServer struct {
	server   *httptest.Server
	messages []any
	t        *testing.T

	mu       sync.Mutex
	received []map[string]any
	query    map[string]string
	gotAuth  string
}

func NewMockServer(t *testing.T) *MockServer {
	ms := &MockServer{t: t}
	ms.server = httptest.NewServer(http.HandlerFunc(ms.handleWebSocket))
	t.Cleanup(ms.server.Close)
	return ms
}

// Endpoint is the plain http base URL to use as ResourceEndpoint.
func (ms *MockServer) Endpoint() string { return ms.server.URL }

// AddMessage queues a server event.
func (ms *MockServer) AddMessage(msg any) {
	ms.messages = append(ms.messages, msg)
}

// Received returns the client events read so far.
func (ms *MockServer) Received() []map[string]any {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return append([]map[string]any(nil), ms.received...)
}

func (ms *MockServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/openai/realtime" {
		http.NotFound(w, r)
		return
	}
	auth := r.Header.Get("api-key")
	if auth == "" {
		auth = r.Header.Get("Authorization")
	}
	if auth == "" {
		http.Error(w, "Missing authentication", http.StatusUnauthorized)
		return
	}
	ms.mu.Lock()
	ms.gotAuth = auth
	ms.query = map[string]string{
		"api-version": r.URL.Query().Get("api-version"),
		"deployment":  r.URL.Query().Get("deployment"),
	}
	ms.mu.Unlock()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		ms.t.Errorf("failed to upgrade to websocket: %v", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx := r.Context()
	for _, msg := range ms.messages {
		b, _ := json.Marshal(msg)
		if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
			return
		}
	}
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var ev map[string]any
		if json.Unmarshal(data, &ev) == nil {
			ms.mu.Lock()
			ms.received = append(ms.received, ev)
			ms.mu.Unlock()
		}
	}
}

var errPipeClosed = errors.New("fake transport closed")

// fakeTransport is an in-memory Transport. Tests feed server events with
// serve and end the connection from the remote side with hangup.
type fakeTransport struct {
	in     chan []byte
	closed chan struct{}
	once   sync.Once

	mu      sync.Mutex
	written []map[string]any
	failW   error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{in: make(chan []byte, 1024), closed: make(chan struct{})}
}

func (f *fakeTransport) Read(ctx context.Context) ([]byte, error) {
	select {
	case b, ok := <-f.in:
		if !ok {
			return nil, io.EOF
		}
		return b, nil
	case <-f.closed:
		return nil, errPipeClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeTransport) Write(ctx context.Context, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failW != nil {
		return f.failW
	}
	var ev map[string]any
	if err := json.Unmarshal(data, &ev); err != nil {
		return err
	}
	f.written = append(f.written, ev)
	return nil
}

func (f *fakeTransport) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeTransport) serve(t *testing.T, events ...any) {
	t.Helper()
	for _, ev := range events {
		var b []byte
		switch v := ev.(type) {
		case string:
			b = []byte(v)
		default:
			var err error
			if b, err = json.Marshal(v); err != nil {
				t.Fatalf("marshal event: %v", err)
			}
		}
		f.in <- b
	}
}

// hangup ends the connection as if the service went away.
func (f *fakeTransport) hangup() { close(f.in) }

func (f *fakeTransport) sent() []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]map[string]any(nil), f.written...)
}

func (f *fakeTransport) sentTypes() []string {
	var out []string
	for _, ev := range f.sent() {
		s, _ := ev["type"].(string)
		out = append(out, s)
	}
	return out
}

func testConfig(endpoint string) Config {
	return Config{
		ResourceEndpoint: endpoint,
		Deployment:       "gpt-4o-realtime-preview",
		APIVersion:       DefaultAPIVersion,
		Credential:       APIKey("test-key"),
		DialTimeout:      5 * time.Second,
	}
}

func waitClosed(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("%s not closed in time", what)
	}
}

func eventually(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
