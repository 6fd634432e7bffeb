// Package registry is the one process-wide shared structure: a mapping
// from (UserID, DeviceID) to live device and controller sessions, with
// atomic register-and-supersede semantics.
package registry

import (
	"fmt"

	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/screenmcp/relay/internal/transport"
	"github.com/screenmcp/relay/internal/wire"
)

func key(userID, deviceID string) string {
	return userID + "\x00" + wire.NormalizeDeviceID(deviceID)
}

// Registry holds the live device and controller sessions.
type Registry struct {
	devices     cmap.ConcurrentMap[string, *transport.Session]
	controllers cmap.ConcurrentMap[string, *transport.Session]
}

// New builds an empty Registry; no teardown is required beyond draining
// sessions on shutdown.
func New() *Registry {
	return &Registry{
		devices:     cmap.New[*transport.Session](),
		controllers: cmap.New[*transport.Session](),
	}
}

// RegisterDevice installs sess as the live device session for
// (userID, deviceID), returning any session it superseded. The swap is
// atomic (a single Upsert under the map's shard lock), so two racing
// registrations cannot both miss the other.
func (r *Registry) RegisterDevice(userID, deviceID string, sess *transport.Session) (prior *transport.Session) {
	r.devices.Upsert(key(userID, deviceID), sess, func(exist bool, old, nu *transport.Session) *transport.Session {
		if exist {
			prior = old
		}
		return nu
	})
	return prior
}

// RegisterController installs sess as the live controller session for
// (userID, deviceID), returning any session it superseded.
func (r *Registry) RegisterController(userID, deviceID string, sess *transport.Session) (prior *transport.Session) {
	r.controllers.Upsert(key(userID, deviceID), sess, func(exist bool, old, nu *transport.Session) *transport.Session {
		if exist {
			prior = old
		}
		return nu
	})
	return prior
}

// LookupDevice finds the live device session for (userID, deviceID), if any.
func (r *Registry) LookupDevice(userID, deviceID string) (*transport.Session, bool) {
	return r.devices.Get(key(userID, deviceID))
}

// LookupController finds the live controller session for (userID, deviceID).
func (r *Registry) LookupController(userID, deviceID string) (*transport.Session, bool) {
	return r.controllers.Get(key(userID, deviceID))
}

// UnregisterDevice removes sess from the registry, but only if it is still
// the currently registered session (idempotent against a stale unregister
// racing a supersession). Reports whether it actually removed anything, so
// callers don't fire departure side effects for a session that had already
// been superseded.
func (r *Registry) UnregisterDevice(userID, deviceID string, sess *transport.Session) (removed bool) {
	k := key(userID, deviceID)
	return r.devices.RemoveCb(k, func(_ string, v *transport.Session, exists bool) bool {
		return exists && v == sess
	})
}

// UnregisterController mirrors UnregisterDevice for the controller side.
func (r *Registry) UnregisterController(userID, deviceID string, sess *transport.Session) (removed bool) {
	k := key(userID, deviceID)
	return r.controllers.RemoveCb(k, func(_ string, v *transport.Session, exists bool) bool {
		return exists && v == sess
	})
}

// DeviceCount and ControllerCount support diagnostics/health checks.
func (r *Registry) DeviceCount() int     { return r.devices.Count() }
func (r *Registry) ControllerCount() int { return r.controllers.Count() }

// Drain calls fn once for every currently registered session (device and
// controller), for a graceful-shutdown sweep. No teardown of the registry
// itself is required beyond this; per the design notes, the maps are simply
// left empty as the process exits.
func (r *Registry) Drain(fn func(*transport.Session)) {
	for tuple := range r.devices.IterBuffered() {
		fn(tuple.Val)
	}
	for tuple := range r.controllers.IterBuffered() {
		fn(tuple.Val)
	}
}

// PairLabel formats a (user, device) pair compactly, with the device ID
// normalized.
func PairLabel(userID, deviceID string) string {
	return fmt.Sprintf("%s/%s", userID, wire.NormalizeDeviceID(deviceID))
}
