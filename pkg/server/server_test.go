package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"testing/fstest"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/chatrelay/pkg/bus"
	"github.com/go-go-golems/chatrelay/pkg/gateway"
	"github.com/go-go-golems/chatrelay/pkg/history"
	"github.com/go-go-golems/chatrelay/pkg/relay"
)

var testStatic = fstest.MapFS{"index.html": {Data: []byte("<html>chat</html>")}}

type fixture struct {
	bus    *bus.MemoryBus
	hub    *relay.Hub
	store  *history.Store
	server *Server
	http   *httptest.Server
}

func newFixture(t *testing.T, origins []string) *fixture {
	t.Helper()
	b := bus.NewMemoryBus(nil)
	require.NoError(t, b.Connect(context.Background()))
	t.Cleanup(func() { _ = b.Close() })

	store := history.NewStore(history.DefaultMaxTurns)
	completer := gateway.CompleterFunc(func(_ context.Context, msg string, _ []history.Turn) (string, error) {
		return "echo: " + msg, nil
	})
	hub, err := relay.NewHub(relay.Deps{Bus: b, Completer: completer, History: store}, relay.DefaultOptions())
	require.NoError(t, err)

	s, err := New(context.Background(), b, hub, Options{Addr: "127.0.0.1:0", AllowedOrigins: origins, Static: testStatic})
	require.NoError(t, err)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		_ = hub.CloseAll(context.Background())
		ts.Close()
	})
	return &fixture{bus: b, hub: hub, store: store, server: s, http: ts}
}

func (f *fixture) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(f.http.URL, "http") + path
}

func readEnvelope(t *testing.T, conn *websocket.Conn) relay.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var env relay.Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	return env
}

func TestRootServesPage(t *testing.T) {
	f := newFixture(t, nil)
	resp, err := http.Get(f.http.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "<html>chat</html>", string(body))

	resp2, err := http.Get(f.http.URL + "/missing")
	require.NoError(t, err)
	resp2.Body.Close()
	require.Equal(t, http.StatusNotFound, resp2.StatusCode)
}

func TestWebsocketEndToEnd(t *testing.T) {
	for _, path := range []string{"/", "/ws"} {
		t.Run(path, func(t *testing.T) {
			f := newFixture(t, nil)
			conn, _, err := websocket.DefaultDialer.Dial(f.wsURL(path), nil)
			require.NoError(t, err)
			defer conn.Close()

			require.Eventually(t, func() bool { return f.hub.Count() == 1 }, 2*time.Second, 5*time.Millisecond)
			require.Eventually(t, func() bool {
				ids := f.hub.IDs()
				if len(ids) != 1 {
					return false
				}
				s, ok := f.hub.Get(ids[0])
				return ok && s.State() == relay.StateActive
			}, 2*time.Second, 5*time.Millisecond)

			payload := `{"action":"sendMessage","user":"me","message":"hello"}`
			require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(payload)))

			require.Equal(t, "hello", readEnvelope(t, conn).Message)
			notice := readEnvelope(t, conn)
			require.Equal(t, "안내", notice.User)
			reply := readEnvelope(t, conn)
			require.Equal(t, relay.NewMessage("Bedrock Claude", "echo: hello"), reply)

			require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
			require.Eventually(t, func() bool { return f.hub.Count() == 0 }, 2*time.Second, 5*time.Millisecond)
			require.Equal(t, 0, f.store.Len())
		})
	}
}

func TestWebsocketPeersOnlyReceiveTextFrames(t *testing.T) {
	f := newFixture(t, nil)
	a, _, err := websocket.DefaultDialer.Dial(f.wsURL("/ws"), nil)
	require.NoError(t, err)
	defer a.Close()
	b, _, err := websocket.DefaultDialer.Dial(f.wsURL("/ws"), nil)
	require.NoError(t, err)
	defer b.Close()

	require.Eventually(t, func() bool {
		ids := f.hub.IDs()
		if len(ids) != 2 {
			return false
		}
		for _, id := range ids {
			if s, ok := f.hub.Get(id); !ok || s.State() != relay.StateActive {
				return false
			}
		}
		return true
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, a.WriteMessage(websocket.BinaryMessage, []byte{0xff, 0xfe, 0x00}))
	payload := `{"message":"after binary"}`
	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte(payload)))

	require.NoError(t, b.SetReadDeadline(time.Now().Add(2*time.Second)))
	typ, data, err := b.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, typ)
	require.Equal(t, payload, string(data))
	require.Equal(t, 2, f.hub.Count())
}

func TestWebsocketRejectsUnknownOrigin(t *testing.T) {
	f := newFixture(t, []string{"http://localhost:8000"})

	h := http.Header{}
	h.Set("Origin", "http://evil.example")
	_, resp, err := websocket.DefaultDialer.Dial(f.wsURL("/ws"), h)
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	h.Set("Origin", "http://localhost:8000")
	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL("/ws"), h)
	require.NoError(t, err)
	conn.Close()
}

func TestCORSHeaders(t *testing.T) {
	f := newFixture(t, []string{"https://www.fromisus.store"})

	req, err := http.NewRequest(http.MethodOptions, f.http.URL+"/", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://www.fromisus.store")
	req.Header.Set("Access-Control-Request-Method", "GET")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Equal(t, "https://www.fromisus.store", resp.Header.Get("Access-Control-Allow-Origin"))

	req, err = http.NewRequest(http.MethodGet, f.http.URL+"/healthz", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://other.example")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, nil)
	resp, err := http.Get(f.http.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	var h healthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&h))
	require.Equal(t, healthResponse{Status: "ok", Sessions: 0, Bus: bus.BackendMemory, HistoryTurns: history.DefaultMaxTurns}, h)
}

func TestOriginPolicy(t *testing.T) {
	p := newOriginPolicy([]string{"http://localhost/", " HTTPS://Example.com "})
	require.True(t, p.allows("http://localhost"))
	require.True(t, p.allows("https://example.com"))
	require.False(t, p.allows("http://localhost:9999"))

	require.True(t, newOriginPolicy([]string{"*"}).allows("http://anything"))
	require.False(t, newOriginPolicy(nil).allows("http://localhost"))
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) lines() []map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(b.buf.String()), "\n") {
		var m map[string]any
		if json.Unmarshal([]byte(line), &m) == nil {
			out = append(out, m)
		}
	}
	return out
}

func captureLogs(t *testing.T) *lockedBuffer {
	t.Helper()
	buf := &lockedBuffer{}
	prev := log.Logger
	log.Logger = zerolog.New(buf)
	t.Cleanup(func() { log.Logger = prev })
	return buf
}

func TestRunShutsDownOnContextCancel(t *testing.T) {
	logs := captureLogs(t)
	b := bus.NewMemoryBus(nil)
	store := history.NewStore(0)
	hub, err := relay.NewHub(relay.Deps{
		Bus:       b,
		Completer: gateway.CompleterFunc(func(context.Context, string, []history.Turn) (string, error) { return "x", nil }),
		History:   store,
	}, relay.DefaultOptions())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	s, err := New(ctx, b, hub, Options{Addr: "127.0.0.1:0", ShutdownTimeout: time.Second})
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx) }()
	require.Eventually(t, func() bool {
		return b.Publish(context.Background(), "demo", []byte("{}")) == nil
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not stop")
	}
	require.ErrorIs(t, b.Publish(context.Background(), "demo", []byte("{}")), bus.ErrBusUnavailable)

	seen := map[string]bool{}
	for _, line := range logs.lines() {
		msg, _ := line["message"].(string)
		switch msg {
		case "starting chatrelay server", "bus closed", "server shutdown complete":
			require.Equal(t, "server", line["component"], msg)
			seen[msg] = true
		}
	}
	require.Len(t, seen, 3)
}

func TestRunFailsWhenBusCannotConnect(t *testing.T) {
	settings := bus.DefaultSettings().Redis
	settings.Addr = "127.0.0.1:1"
	rb, err := bus.NewRedisBus(settings, []string{"demo"}, nil)
	require.NoError(t, err)
	hub, err := relay.NewHub(relay.Deps{
		Bus:       rb,
		Completer: gateway.CompleterFunc(func(context.Context, string, []history.Turn) (string, error) { return "x", nil }),
		History:   history.NewStore(0),
	}, relay.DefaultOptions())
	require.NoError(t, err)

	s, err := New(context.Background(), rb, hub, Options{Addr: "127.0.0.1:0"})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = s.Run(ctx)
	require.Error(t, err)
	require.ErrorIs(t, err, bus.ErrBusUnavailable)
}

func TestNewValidates(t *testing.T) {
	f := newFixture(t, nil)
	_, err := New(context.Background(), nil, f.hub, Options{Addr: ":0"})
	require.Error(t, err)
	_, err = New(context.Background(), f.bus, nil, Options{Addr: ":0"})
	require.Error(t, err)
	_, err = New(context.Background(), f.bus, f.hub, Options{})
	require.Error(t, err)
}
