package heartbeat

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	ws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/screenmcp/relay/internal/transport"
)

// harness upgrades one server-side session wired to a Monitor under test,
// and returns a client conn plus a channel reporting the close code.
func harness(t *testing.T, policy Policy) (*ws.Conn, *Monitor, chan string) {
	t.Helper()
	closed := make(chan string, 1)
	var mon *Monitor

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s, err := transport.Upgrade(w, r, transport.DefaultConfig(),
			func(_ *transport.Session, raw []byte) { mon.OnPong() },
			func(_ *transport.Session, code string) { closed <- code },
			func(_ *transport.Session) { mon.OnPong() },
		)
		require.NoError(t, err)
		mon = NewMonitor(s, policy)
		go mon.Run()
		go s.Run()
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := ws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	// Give the server goroutine a moment to assign mon.
	time.Sleep(20 * time.Millisecond)
	return conn, mon, closed
}

func TestIdleConnectionClosedAfterTwoMissedPongs(t *testing.T) {
	policy := Policy{PingInterval: 30 * time.Millisecond, PongTimeout: 30 * time.Millisecond}
	conn, _, closed := harness(t, policy)
	// Never reply to pings.
	conn.SetPongHandler(func(string) error { return nil })
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	select {
	case code := <-closed:
		assert.Equal(t, "idle_timeout", code)
	case <-time.After(2 * time.Second):
		t.Fatal("expected idle timeout close")
	}
}

func TestRespondingPongsKeepSessionAlive(t *testing.T) {
	policy := Policy{PingInterval: 20 * time.Millisecond, PongTimeout: 50 * time.Millisecond}
	conn, mon, closed := harness(t, policy)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if strings.Contains(string(raw), `"ping"`) {
				_ = conn.WriteMessage(ws.TextMessage, []byte(`{"type":"pong"}`))
			}
		}
	}()

	select {
	case code := <-closed:
		t.Fatalf("session should not have closed, got %q", code)
	case <-time.After(300 * time.Millisecond):
	}
	assert.GreaterOrEqual(t, mon.Latency(), time.Duration(0))
	conn.Close()
	<-done
}
