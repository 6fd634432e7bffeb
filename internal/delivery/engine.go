// Package delivery is the pairing engine: it forwards controller commands
// to the paired device with relay-assigned monotonic IDs, routes device
// responses back to the originating controller, and drives the
// supersession/resume bookkeeping that ties the session registry and the
// replay buffer together.
package delivery

import (
	"strconv"
	"sync/atomic"

	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/screenmcp/relay/internal/logx"
	"github.com/screenmcp/relay/internal/registry"
	"github.com/screenmcp/relay/internal/resume"
	"github.com/screenmcp/relay/internal/transport"
	"github.com/screenmcp/relay/internal/wire"
)

// pendingEntry records which controller session is waiting on a command ID
// so the device's eventual response can be routed back without a registry
// lookup (the controller may have since been superseded).
type pendingEntry struct {
	controller *transport.Session
}

// DeviceState is the per-device-session-generation bookkeeping: the command
// ID counter, the pending-response map, and the replay buffer. It is
// discarded wholesale on supersession, which is how pending responses from
// a replaced device are dropped; the controller observes them as its own
// command timeouts.
type DeviceState struct {
	nextID  uint64
	pending cmap.ConcurrentMap[string, pendingEntry]
	Resume  *resume.Buffer
}

func newDeviceState(resumeCap int) *DeviceState {
	return &DeviceState{
		pending: cmap.New[pendingEntry](),
		Resume:  resume.New(resumeCap),
	}
}

func (d *DeviceState) nextCommandID() uint64 {
	return atomic.AddUint64(&d.nextID, 1)
}

// Engine composes the session registry and per-device replay buffers into
// the relay's command/response forwarding behavior.
type Engine struct {
	registry  *registry.Registry
	resumeCap int

	states cmap.ConcurrentMap[string, *DeviceState] // keyed by device session ID

	// OnDeviceRegistered/OnDeviceUnregistered are optional hooks the
	// discovery package wires up to mirror registry membership changes
	// onto its SSE stream, without this package importing that one.
	OnDeviceRegistered   func(userID, deviceID string)
	OnDeviceUnregistered func(userID, deviceID string)
}

// New builds an Engine. resumeCap bounds each device's replay buffer
// (defaults to 256 if <= 0).
func New(reg *registry.Registry, resumeCap int) *Engine {
	return &Engine{
		registry:  reg,
		resumeCap: resumeCap,
		states:    cmap.New[*DeviceState](),
	}
}

func send(sess *transport.Session, frame any) {
	raw, err := wire.JSON.Marshal(frame)
	if err != nil {
		logx.Warn(sess, "FRAME_MARSHAL", "fail", err.Error(), nil)
		return
	}
	_ = sess.Send(raw)
}

// RegisterDevice installs sess as the live device for (userID, deviceID),
// superseding any prior device session (closed with code "superseded" and
// its DeviceState discarded). Returns the fresh DeviceState the caller
// should associate with sess for its lifetime.
func (e *Engine) RegisterDevice(userID, deviceID string, sess *transport.Session) *DeviceState {
	prior := e.registry.RegisterDevice(userID, deviceID, sess)
	if prior != nil {
		e.states.Remove(prior.ID)
		prior.CloseWithCode(wire.CloseSuperseded)
	}
	state := newDeviceState(e.resumeCap)
	e.states.Set(sess.ID, state)

	if ctrl, ok := e.registry.LookupController(userID, deviceID); ok {
		send(ctrl, wire.PhoneStatusFrame{Type: wire.FrameTypePhoneStatus, Connected: true})
	}
	if e.OnDeviceRegistered != nil {
		e.OnDeviceRegistered(userID, deviceID)
	}
	return state
}

// RegisterController installs sess as the live controller for
// (userID, deviceID), superseding any prior controller session.
func (e *Engine) RegisterController(userID, deviceID string, sess *transport.Session) {
	prior := e.registry.RegisterController(userID, deviceID, sess)
	if prior != nil {
		prior.CloseWithCode(wire.CloseSuperseded)
	}
}

// UnregisterDevice removes sess as the live device, but only if it is still
// the currently registered session, and discards its DeviceState.
func (e *Engine) UnregisterDevice(userID, deviceID string, sess *transport.Session) {
	e.states.Remove(sess.ID)
	if !e.registry.UnregisterDevice(userID, deviceID, sess) {
		// sess had already been superseded; the session that replaced it
		// owns the registry slot now, so no departure side effects fire.
		return
	}
	if ctrl, ok := e.registry.LookupController(userID, deviceID); ok {
		send(ctrl, wire.PhoneStatusFrame{Type: wire.FrameTypePhoneStatus, Connected: false})
	}
	if e.OnDeviceUnregistered != nil {
		e.OnDeviceUnregistered(userID, deviceID)
	}
}

// UnregisterController removes sess as the live controller, idempotently.
func (e *Engine) UnregisterController(userID, deviceID string, sess *transport.Session) {
	e.registry.UnregisterController(userID, deviceID, sess)
}

// DeviceStateFor returns the bookkeeping for an already-registered device
// session, used by the auth handshake to answer with phone_connected/
// resume_from before any command has flowed.
func (e *Engine) DeviceStateFor(sess *transport.Session) (*DeviceState, bool) {
	return e.states.Get(sess.ID)
}

// HandleControllerCommand forwards one controller command to the paired
// device: assign the next ID, confirm acceptance to the controller, record
// the pending entry, deliver.
func (e *Engine) HandleControllerCommand(ctrl *transport.Session, cmd wire.CommandFrame) {
	deviceSess, ok := e.registry.LookupDevice(ctrl.UserID(), ctrl.DeviceID())
	if !ok {
		send(ctrl, wire.ErrorFrame{Type: wire.FrameTypeError, Error: wire.ErrDeviceNotConnected})
		return
	}
	state, ok := e.states.Get(deviceSess.ID)
	if !ok {
		send(ctrl, wire.ErrorFrame{Type: wire.FrameTypeError, Error: wire.ErrDeviceNotConnected})
		return
	}

	id := state.nextCommandID()
	state.pending.Set(strconv.FormatUint(id, 10), pendingEntry{controller: ctrl})
	send(ctrl, wire.CmdAcceptedFrame{Type: wire.FrameTypeCmdAccepted, ID: id})

	cmd.ID = id
	send(deviceSess, cmd)
}

// HandleDeviceResponse routes one device response back: it always lands in
// the replay buffer, and is additionally delivered live to the controller
// session recorded at command time, if that session is still open. A
// controller that has since reconnected receives it through replay instead.
func (e *Engine) HandleDeviceResponse(deviceSess *transport.Session, resp wire.ResponseFrame) {
	state, ok := e.states.Get(deviceSess.ID)
	if !ok {
		return
	}

	// The payload carries its own seq so the controller can ack it; values
	// decoded from inbound JSON always re-marshal cleanly, so the encode
	// inside PushWith cannot fail.
	_, raw := state.Resume.PushWith(func(seq uint64) []byte {
		resp.Seq = seq
		out, _ := wire.JSON.Marshal(resp)
		return out
	})

	key := strconv.FormatUint(resp.ID, 10)
	if entry, existed := state.pending.Pop(key); existed && entry.controller != nil && !entry.controller.IsClosed() {
		_ = entry.controller.Send(raw)
	}
}

// ResumeFor builds the auth_ok parameters for a (re)connecting controller:
// the frames to replay (already JSON, sent verbatim and in order), and
// whether a gap was detected against the device's current replay buffer.
func (e *Engine) ResumeFor(userID, deviceID string, lastAck uint64) (frames []resume.Frame, gap bool, resumeFrom uint64) {
	deviceSess, ok := e.registry.LookupDevice(userID, deviceID)
	if !ok {
		return nil, false, lastAck
	}
	state, ok := e.states.Get(deviceSess.ID)
	if !ok {
		return nil, false, lastAck
	}
	// A last_ack beyond anything ever emitted cannot be real (e.g. the
	// controller's own state got corrupted); treat it as a fresh resume
	// rather than replaying nothing.
	if lastAck > state.Resume.LatestSeq() {
		lastAck = 0
	}
	frames, gap = state.Resume.Replay(lastAck)
	if gap {
		resumeFrom = state.Resume.OldestSeq() - 1
	} else {
		resumeFrom = lastAck
	}
	return frames, gap, resumeFrom
}
