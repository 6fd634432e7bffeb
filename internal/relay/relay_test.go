package relay

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	ws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/screenmcp/relay/internal/blocklist"
	"github.com/screenmcp/relay/internal/delivery"
	"github.com/screenmcp/relay/internal/heartbeat"
	"github.com/screenmcp/relay/internal/registry"
	"github.com/screenmcp/relay/internal/transport"
	"github.com/screenmcp/relay/internal/verifier"
	"github.com/screenmcp/relay/internal/wire"
)

// fakeOracle resolves "good-token" to "user-1" and rejects everything else,
// standing in for the external Token Verifier oracle.
func fakeOracle(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Token string `json:"token"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Token != "good-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"user_id": "user-1"})
	}))
}

func newTestRelay(t *testing.T, hb heartbeat.Policy) (*Server, string) {
	t.Helper()
	oracle := fakeOracle(t)
	t.Cleanup(oracle.Close)

	reg := registry.New()
	eng := delivery.New(reg, 256)
	v := verifier.New(oracle.URL, time.Minute, 1024)
	bl := blocklist.New(3, time.Minute)

	srv := NewServer(reg, eng, v, bl, hb, transport.DefaultConfig())
	srv.AuthWindow = time.Second

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/ws", srv.ServeWS)
	httpSrv := httptest.NewServer(router)
	t.Cleanup(httpSrv.Close)

	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/ws"
	return srv, wsURL
}

type rawPeer struct {
	conn *ws.Conn
}

func dialRaw(t *testing.T, url string) *rawPeer {
	t.Helper()
	conn, _, err := ws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return &rawPeer{conn: conn}
}

func (p *rawPeer) send(t *testing.T, frame any) {
	t.Helper()
	raw, err := wire.JSON.Marshal(frame)
	require.NoError(t, err)
	require.NoError(t, p.conn.WriteMessage(ws.TextMessage, raw))
}

func (p *rawPeer) read(t *testing.T) map[string]any {
	t.Helper()
	p.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := p.conn.ReadMessage()
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, wire.JSON.Unmarshal(raw, &m))
	return m
}

func TestHappyPathCommandRoundTripOverTheWire(t *testing.T) {
	_, url := newTestRelay(t, heartbeat.DefaultPolicy())

	device := dialRaw(t, url)
	defer device.conn.Close()
	device.send(t, wire.AuthFrame{Type: "auth", Token: "good-token", Role: wire.RoleDevice, DeviceID: "dev-1"})
	authOK := device.read(t)
	assert.Equal(t, "auth_ok", authOK["type"])

	controller := dialRaw(t, url)
	defer controller.conn.Close()
	controller.send(t, wire.AuthFrame{Type: "auth", Token: "good-token", Role: wire.RoleController, TargetDeviceID: "dev-1"})
	ctrlAuthOK := controller.read(t)
	assert.Equal(t, "auth_ok", ctrlAuthOK["type"])
	assert.Equal(t, true, ctrlAuthOK["phone_connected"])

	controller.send(t, wire.CommandFrame{Cmd: "screenshot"})
	accepted := controller.read(t)
	assert.Equal(t, "cmd_accepted", accepted["type"])
	assert.Equal(t, float64(1), accepted["id"])

	onDevice := device.read(t)
	assert.Equal(t, "screenshot", onDevice["cmd"])
	assert.Equal(t, float64(1), onDevice["id"])

	device.send(t, wire.ResponseFrame{ID: 1, Status: "ok"})
	resp := controller.read(t)
	assert.Equal(t, float64(1), resp["id"])
	assert.Equal(t, "ok", resp["status"])
}

func TestControllerAuthWithDeviceOfflineReportsNotConnected(t *testing.T) {
	_, url := newTestRelay(t, heartbeat.DefaultPolicy())

	controller := dialRaw(t, url)
	defer controller.conn.Close()
	controller.send(t, wire.AuthFrame{Type: "auth", Token: "good-token", Role: wire.RoleController, TargetDeviceID: "dev-1"})
	authOK := controller.read(t)
	assert.Equal(t, "auth_ok", authOK["type"])
	assert.Equal(t, false, authOK["phone_connected"])

	controller.send(t, wire.CommandFrame{Cmd: "click"})
	errFrame := controller.read(t)
	assert.Equal(t, "error", errFrame["type"])
	assert.Equal(t, "device_not_connected", errFrame["error"])
}

func TestControllerReconnectResumesBufferedResponses(t *testing.T) {
	_, url := newTestRelay(t, heartbeat.DefaultPolicy())

	device := dialRaw(t, url)
	defer device.conn.Close()
	device.send(t, wire.AuthFrame{Type: "auth", Token: "good-token", Role: wire.RoleDevice, DeviceID: "dev-1"})
	device.read(t) // auth_ok

	controller := dialRaw(t, url)
	controller.send(t, wire.AuthFrame{Type: "auth", Token: "good-token", Role: wire.RoleController, TargetDeviceID: "dev-1"})
	controller.read(t) // auth_ok

	controller.send(t, wire.CommandFrame{Cmd: "screenshot"})
	controller.read(t) // cmd_accepted
	device.read(t)      // the forwarded command

	device.send(t, wire.ResponseFrame{ID: 1, Status: "ok"})
	controller.read(t) // live response
	controller.conn.Close()

	reconnected := dialRaw(t, url)
	defer reconnected.conn.Close()
	reconnected.send(t, wire.AuthFrame{Type: "auth", Token: "good-token", Role: wire.RoleController, TargetDeviceID: "dev-1", LastAck: 0})
	authOK := reconnected.read(t)
	assert.Equal(t, "auth_ok", authOK["type"])
	assert.Equal(t, false, authOK["gap"])

	replayed := reconnected.read(t)
	assert.Equal(t, float64(1), replayed["id"])
	assert.Equal(t, "ok", replayed["status"])
	assert.Equal(t, float64(1), replayed["seq"])
}

func TestDeviceSupersessionClosesPriorConnection(t *testing.T) {
	_, url := newTestRelay(t, heartbeat.DefaultPolicy())

	firstDevice := dialRaw(t, url)
	defer firstDevice.conn.Close()
	firstDevice.send(t, wire.AuthFrame{Type: "auth", Token: "good-token", Role: wire.RoleDevice, DeviceID: "dev-1"})
	firstDevice.read(t) // auth_ok

	controller := dialRaw(t, url)
	defer controller.conn.Close()
	controller.send(t, wire.AuthFrame{Type: "auth", Token: "good-token", Role: wire.RoleController, TargetDeviceID: "dev-1"})
	controller.read(t) // auth_ok, phone_connected true

	secondDevice := dialRaw(t, url)
	defer secondDevice.conn.Close()
	secondDevice.send(t, wire.AuthFrame{Type: "auth", Token: "good-token", Role: wire.RoleDevice, DeviceID: "dev-1"})
	secondDevice.read(t) // auth_ok

	// The controller should NOT see a spurious phone_status:false for the
	// superseded generation; the only status update it should observe here
	// (if any arrives before the test ends) would be a fresh connected:true,
	// which it already received via phone_connected in its own auth_ok.
	firstDevice.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := firstDevice.conn.ReadMessage()
	assert.Error(t, err, "the superseded device connection should be closed by the relay")
}

func TestAuthFailureClosesConnection(t *testing.T) {
	_, url := newTestRelay(t, heartbeat.DefaultPolicy())

	peer := dialRaw(t, url)
	defer peer.conn.Close()
	peer.send(t, wire.AuthFrame{Type: "auth", Token: "bad-token", Role: wire.RoleDevice, DeviceID: "dev-1"})

	failFrame := peer.read(t)
	assert.Equal(t, "auth_fail", failFrame["type"])

	peer.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := peer.conn.ReadMessage()
	assert.Error(t, err, "connection should be closed after auth_fail")
}

func TestHeartbeatIdleTimeoutClosesSession(t *testing.T) {
	fastPolicy := heartbeat.Policy{PingInterval: 50 * time.Millisecond, PongTimeout: 50 * time.Millisecond}
	_, url := newTestRelay(t, fastPolicy)

	device := dialRaw(t, url)
	defer device.conn.Close()
	device.send(t, wire.AuthFrame{Type: "auth", Token: "good-token", Role: wire.RoleDevice, DeviceID: "dev-1"})
	device.read(t) // auth_ok

	// Never answer the relay's {"type":"ping"} text frames with a pong;
	// after two missed pongs the relay closes the connection with
	// idle_timeout. Drain (and ignore) the pings the relay sends in the
	// meantime until the socket itself closes.
	device.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var err error
	for {
		_, _, err = device.conn.ReadMessage()
		if err != nil {
			break
		}
	}
	assert.Error(t, err, "idle connection should eventually be closed")
}
