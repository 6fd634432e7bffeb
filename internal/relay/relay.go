// Package relay ties the session registry, delivery engine, replay buffer,
// heartbeat monitor, and WebSocket transport into the per-connection state
// machine: INIT -> AUTH_WAIT -> AUTHENTICATED -> CLOSED. The two roles
// share the connection shape; the reader dispatches on role once at auth.
package relay

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/screenmcp/relay/internal/blocklist"
	"github.com/screenmcp/relay/internal/delivery"
	"github.com/screenmcp/relay/internal/heartbeat"
	"github.com/screenmcp/relay/internal/logx"
	"github.com/screenmcp/relay/internal/registry"
	"github.com/screenmcp/relay/internal/transport"
	"github.com/screenmcp/relay/internal/verifier"
	"github.com/screenmcp/relay/internal/wire"
)

// Server holds the shared state every connection's handshake and dispatch
// logic reaches into: the registry, the delivery engine built on top of it,
// the token verifier, the heartbeat policy, and the transport's buffering
// config.
type Server struct {
	Registry   *registry.Registry
	Engine     *delivery.Engine
	Verifier   *verifier.Verifier
	Blocklist  *blocklist.List
	Heartbeat  heartbeat.Policy
	Transport  transport.Config
	AuthWindow time.Duration // auth must complete within this window of connection open
	VerifyWait time.Duration // bound on the outbound token verifier call during a handshake

	gen atomic.Uint64
}

// NewServer builds a Server with the default auth window (10s) and verify
// timeout (5s).
func NewServer(reg *registry.Registry, eng *delivery.Engine, v *verifier.Verifier, bl *blocklist.List, hb heartbeat.Policy, tcfg transport.Config) *Server {
	return &Server{
		Registry:   reg,
		Engine:     eng,
		Verifier:   v,
		Blocklist:  bl,
		Heartbeat:  hb,
		Transport:  tcfg,
		AuthWindow: 10 * time.Second,
		VerifyWait: 5 * time.Second,
	}
}

// conn is the per-connection handshake/dispatch state. Everything here is
// touched only from the session's reader goroutine; all session state
// mutation happens there.
type conn struct {
	srv  *Server
	sess *transport.Session
	mon  *heartbeat.Monitor

	authTimer *time.Timer
	authed    atomic.Bool
}

// ServeWS upgrades an HTTP request to a WebSocket and drives it through the
// handshake/dispatch state machine. Intended to be wired as a Gin route
// handler for the relay's single WebSocket endpoint.
func (s *Server) ServeWS(c *gin.Context) {
	ip := c.ClientIP()
	if s.Blocklist != nil && s.Blocklist.IsBlocked(ip) {
		c.AbortWithStatus(http.StatusTooManyRequests)
		return
	}

	cn := &conn{srv: s}
	sess, err := transport.Upgrade(c.Writer, c.Request, s.Transport, cn.onMessage, cn.onClose, cn.onPong)
	if err != nil {
		logx.Warn(c, "WS_UPGRADE", "fail", err.Error(), nil)
		return
	}
	cn.sess = sess
	cn.mon = heartbeat.NewMonitor(sess, s.Heartbeat)
	cn.authTimer = time.AfterFunc(s.AuthWindow, func() {
		if !cn.authed.Load() {
			sess.CloseWithCode(wire.CloseAuthFail)
		}
	})

	go cn.mon.Run()
	go sess.Run()
}

func sendFrame(sess *transport.Session, frame any) {
	raw, err := wire.JSON.Marshal(frame)
	if err != nil {
		logx.Warn(sess, "FRAME_MARSHAL", "fail", err.Error(), nil)
		return
	}
	_ = sess.Send(raw)
}

// onMessage is the single reader-task dispatch point: before auth only an
// auth frame is accepted; after auth, frames are routed by role.
func (cn *conn) onMessage(sess *transport.Session, raw []byte) {
	kind, _ := wire.Sniff(raw)

	if !cn.authed.Load() {
		if kind != wire.KindAuth {
			sess.CloseWithCode(wire.CloseProtocolError)
			return
		}
		cn.handleAuth(raw)
		return
	}

	cn.mon.Touch()
	switch sess.Role() {
	case wire.RoleDevice:
		cn.dispatchDevice(kind, raw)
	case wire.RoleController:
		cn.dispatchController(kind, raw)
	}
}

func (cn *conn) dispatchDevice(kind wire.Kind, raw []byte) {
	switch kind {
	case wire.KindResponse:
		var resp wire.ResponseFrame
		if err := wire.JSON.Unmarshal(raw, &resp); err != nil {
			cn.sess.CloseWithCode(wire.CloseProtocolError)
			return
		}
		cn.srv.Engine.HandleDeviceResponse(cn.sess, resp)
	case wire.KindPong:
		cn.mon.OnPong()
	default:
		logx.Debug(cn.sess, "FRAME_UNKNOWN", "drop", "", nil)
	}
}

func (cn *conn) dispatchController(kind wire.Kind, raw []byte) {
	switch kind {
	case wire.KindCommand:
		var cmd wire.CommandFrame
		if err := wire.JSON.Unmarshal(raw, &cmd); err != nil {
			cn.sess.CloseWithCode(wire.CloseProtocolError)
			return
		}
		cn.srv.Engine.HandleControllerCommand(cn.sess, cmd)
	case wire.KindPong:
		cn.mon.OnPong()
	default:
		logx.Debug(cn.sess, "FRAME_UNKNOWN", "drop", "", nil)
	}
}

// handleAuth implements the AUTH_WAIT -> AUTHENTICATED / CLOSED transition.
func (cn *conn) handleAuth(raw []byte) {
	var frame wire.AuthFrame
	if err := wire.JSON.Unmarshal(raw, &frame); err != nil {
		cn.sess.CloseWithCode(wire.CloseProtocolError)
		return
	}

	token := frame.BearerToken()
	ctx, cancel := context.WithTimeout(context.Background(), cn.srv.VerifyWait)
	userID, err := cn.srv.Verifier.Verify(ctx, token)
	cancel()
	if err != nil {
		cn.recordAuthFailure()
		cn.failAuth("invalid token")
		return
	}

	switch frame.Role {
	case wire.RoleDevice:
		cn.authDevice(frame, userID)
	case wire.RoleController:
		cn.authController(frame, userID)
	default:
		cn.recordAuthFailure()
		cn.failAuth("unknown role")
	}
}

func (cn *conn) authDevice(frame wire.AuthFrame, userID string) {
	deviceID := wire.NormalizeDeviceID(frame.DeviceID)
	if deviceID == "" {
		cn.recordAuthFailure()
		cn.failAuth("missing device_id")
		return
	}

	cn.authTimer.Stop()
	cn.authed.Store(true)
	cn.sess.SetIdentity(wire.RoleDevice, userID, deviceID, cn.srv.gen.Add(1))
	cn.srv.Engine.RegisterDevice(userID, deviceID, cn.sess)
	if cn.srv.Blocklist != nil {
		cn.srv.Blocklist.RecordSuccess(cn.sess.RemoteIP())
	}

	sendFrame(cn.sess, wire.AuthOKFrame{Type: wire.FrameTypeAuthOK})
}

func (cn *conn) authController(frame wire.AuthFrame, userID string) {
	targetDeviceID := wire.NormalizeDeviceID(frame.TargetDeviceID)
	if targetDeviceID == "" {
		cn.recordAuthFailure()
		cn.failAuth("missing target_device_id")
		return
	}

	cn.authTimer.Stop()
	cn.authed.Store(true)
	cn.sess.SetIdentity(wire.RoleController, userID, targetDeviceID, cn.srv.gen.Add(1))
	cn.sess.SetLastAck(frame.LastAck)
	cn.srv.Engine.RegisterController(userID, targetDeviceID, cn.sess)
	if cn.srv.Blocklist != nil {
		cn.srv.Blocklist.RecordSuccess(cn.sess.RemoteIP())
	}

	frames, gap, resumeFrom := cn.srv.Engine.ResumeFor(userID, targetDeviceID, frame.LastAck)
	_, deviceConnected := cn.srv.Registry.LookupDevice(userID, targetDeviceID)

	sendFrame(cn.sess, wire.AuthOKFrame{
		Type:           wire.FrameTypeAuthOK,
		ResumeFrom:     resumeFrom,
		Gap:            gap,
		PhoneConnected: deviceConnected,
	})
	// Replay precedes any new live frame: the writer queue is FIFO and
	// nothing else has had a chance to enqueue yet on this fresh session.
	for _, f := range frames {
		_ = cn.sess.Send(f.Raw)
	}
}

func (cn *conn) recordAuthFailure() {
	if cn.srv.Blocklist != nil {
		cn.srv.Blocklist.RecordFailure(cn.sess.RemoteIP())
	}
}

func (cn *conn) failAuth(reason string) {
	sendFrame(cn.sess, wire.AuthFailFrame{Type: wire.FrameTypeAuthFail, Error: reason})
	cn.sess.CloseWithCode(wire.CloseAuthFail)
}

func (cn *conn) onPong(sess *transport.Session) {
	if cn.mon != nil {
		cn.mon.OnPong()
	}
}

// onClose unregisters the session from the registry (idempotent, a no-op
// if this session had already been superseded) and notifies the paired
// side of a device's departure.
func (cn *conn) onClose(sess *transport.Session, code string) {
	if cn.authTimer != nil {
		cn.authTimer.Stop()
	}
	if cn.mon != nil {
		cn.mon.Stop()
	}
	if !cn.authed.Load() {
		return
	}

	switch sess.Role() {
	case wire.RoleDevice:
		cn.srv.Engine.UnregisterDevice(sess.UserID(), sess.DeviceID(), sess)
	case wire.RoleController:
		cn.srv.Engine.UnregisterController(sess.UserID(), sess.DeviceID(), sess)
	}
	logx.Info(sess, "SESSION_CLOSE", code, "", nil)
}

// Shutdown sends a shutdown frame to every live session (device and
// controller) and closes them, for a clean drain on SIGTERM.
func (s *Server) Shutdown() {
	s.Registry.Drain(func(sess *transport.Session) {
		sendFrame(sess, wire.ErrorFrame{Type: wire.FrameTypeError, Error: wire.CloseShutdown})
		sess.CloseWithCode(wire.CloseShutdown)
	})
}
