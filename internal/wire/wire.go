// Package wire defines the JSON frame vocabulary spoken over the relay's
// WebSocket connections and the codec used to (de)serialize it.
package wire

import (
	"strings"

	jsoniter "github.com/json-iterator/go"
)

// JSON is the frame codec: no HTML escaping (frames are never rendered
// into HTML) and sorted map keys for deterministic log output and test
// fixtures.
var JSON = jsoniter.Config{
	EscapeHTML:             false,
	SortMapKeys:            true,
	ValidateJsonRawMessage: true,
}.Froze()

// Role distinguishes the two asymmetric ends of a session.
type Role string

const (
	RoleDevice     Role = "phone"
	RoleController Role = "controller"
)

// Close reasons and frame type discriminants.
const (
	CloseAuthFail            = "auth_fail"
	CloseSuperseded          = "superseded"
	CloseIdleTimeout         = "idle_timeout"
	CloseBackpressure        = "backpressure_exceeded"
	CloseShutdown            = "shutdown"
	CloseProtocolError       = "protocol_error"
	ErrDeviceNotConnected    = "device_not_connected"
	FrameTypeAuth            = "auth"
	FrameTypeAuthOK          = "auth_ok"
	FrameTypeAuthFail        = "auth_fail"
	FrameTypeCmdAccepted     = "cmd_accepted"
	FrameTypePhoneStatus     = "phone_status"
	FrameTypePing            = "ping"
	FrameTypePong            = "pong"
	FrameTypeError           = "error"
)

// AuthFrame is sent by both roles immediately after connecting.
//
// Key accepts the legacy "key" spelling some clients still send; every
// frame the relay itself emits uses "token".
//
// DeviceID is the device's own identity, supplied by a device-role auth
// frame; a device session cannot be slotted into the registry's
// (UserID, DeviceID) keyspace without one. TargetDeviceID is the symmetric
// field for a controller naming the device it wants to drive.
type AuthFrame struct {
	Type           string `json:"type"`
	Token          string `json:"token"`
	Key            string `json:"key,omitempty"`
	Role           Role   `json:"role"`
	DeviceID       string `json:"device_id,omitempty"`
	TargetDeviceID string `json:"target_device_id,omitempty"`
	LastAck        uint64 `json:"last_ack"`
}

// BearerToken returns Token, falling back to the legacy Key field.
func (f AuthFrame) BearerToken() string {
	if f.Token != "" {
		return f.Token
	}
	return f.Key
}

// AuthOKFrame confirms a successful handshake and carries resume state.
type AuthOKFrame struct {
	Type           string `json:"type"`
	ResumeFrom     uint64 `json:"resume_from"`
	Gap            bool   `json:"gap"`
	PhoneConnected bool   `json:"phone_connected"`
}

// AuthFailFrame reports a failed handshake; the connection is closed after
// this frame is flushed.
type AuthFailFrame struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// CmdAcceptedFrame confirms ID assignment only, never delivery.
type CmdAcceptedFrame struct {
	Type string `json:"type"`
	ID   uint64 `json:"id"`
}

// PhoneStatusFrame informs a controller of its paired device's connectivity.
type PhoneStatusFrame struct {
	Type      string `json:"type"`
	Connected bool   `json:"connected"`
}

// PingFrame / PongFrame are the heartbeat's wire shape.
type PingFrame struct {
	Type string `json:"type"`
}

type PongFrame struct {
	Type string `json:"type"`
}

// ErrorFrame is a synthesized, non-fatal error (e.g. device_not_connected).
type ErrorFrame struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// CommandFrame is submitted by a controller. ID is always zero on the wire
// in; the relay stamps it before forwarding to the device.
type CommandFrame struct {
	ID     uint64                 `json:"id,omitempty"`
	Cmd    string                 `json:"cmd"`
	Params map[string]interface{} `json:"params,omitempty"`
}

// ResponseFrame is submitted by a device and relayed to the originating
// controller. Seq is absent on the device side; the relay stamps the
// per-device outbound sequence number before buffering and forwarding, so
// the controller has something to ack with last_ack.
type ResponseFrame struct {
	ID     uint64                 `json:"id"`
	Seq    uint64                 `json:"seq,omitempty"`
	Status string                 `json:"status"`
	Result map[string]interface{} `json:"result,omitempty"`
	Error  string                 `json:"error,omitempty"`
}

// typeProbe is used to sniff a frame's discriminant before picking a
// concrete struct to unmarshal into.
type typeProbe struct {
	Type string `json:"type"`
	ID   uint64 `json:"id"`
	Cmd  string `json:"cmd"`
}

// Kind enumerates the frame shapes a reader loop must dispatch on.
type Kind int

const (
	KindUnknown Kind = iota
	KindAuth
	KindPong
	KindCommand
	KindResponse
)

// Sniff classifies a raw inbound frame without fully decoding it, so a
// reader loop can branch on a lightweight probe before unmarshalling into
// the final type.
func Sniff(raw []byte) (Kind, typeProbe) {
	var p typeProbe
	if err := JSON.Unmarshal(raw, &p); err != nil {
		return KindUnknown, p
	}
	switch p.Type {
	case FrameTypeAuth:
		return KindAuth, p
	case FrameTypePong:
		return KindPong, p
	case "":
		if p.Cmd != "" {
			return KindCommand, p
		}
		if p.ID != 0 {
			return KindResponse, p
		}
	}
	return KindUnknown, p
}

// NormalizeDeviceID strips dashes before any comparison, storage, or
// logging; device IDs arrive with or without them depending on the client
// platform.
func NormalizeDeviceID(id string) string {
	return strings.ReplaceAll(id, "-", "")
}
