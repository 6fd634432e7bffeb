// Package discovery serves the relay's HTTP surface: the endpoint a
// controller calls to learn the worker's WebSocket URL, the best-effort
// SSE side channel that nudges an offline device app to connect, and the
// internal notify endpoint other services use to publish onto that
// channel.
package discovery

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/screenmcp/relay/internal/blocklist"
	"github.com/screenmcp/relay/internal/httperror"
	"github.com/screenmcp/relay/internal/logx"
	"github.com/screenmcp/relay/internal/verifier"
	"github.com/screenmcp/relay/internal/wire"
)

// heartbeatInterval paces the SSE keep-alive comment.
const heartbeatInterval = 30 * time.Second

// clientBufSize bounds a single SSE subscriber's event backlog; a slow
// browser/device drops events rather than stalling the fan-out, matching
// the notify channel's best-effort guarantee.
const clientBufSize = 32

type client struct {
	id       string
	deviceID string
	ch       chan []byte
}

// Hub fans registration and notify events out to SSE subscribers, keyed by
// normalized DeviceID.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*client]struct{} // deviceID -> set of clients
}

// NewHub builds an empty Hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[string]map[*client]struct{})}
}

func (h *Hub) subscribe(deviceID string) *client {
	c := &client{id: uuid.NewString(), deviceID: deviceID, ch: make(chan []byte, clientBufSize)}
	h.mu.Lock()
	if h.clients[deviceID] == nil {
		h.clients[deviceID] = make(map[*client]struct{})
	}
	h.clients[deviceID][c] = struct{}{}
	h.mu.Unlock()
	return c
}

func (h *Hub) unsubscribe(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.clients[c.deviceID]
	delete(set, c)
	if len(set) == 0 {
		delete(h.clients, c.deviceID)
	}
}

// Publish fans an event onto every subscriber of deviceID, non-blocking: a
// full client buffer drops the event rather than stalling the publisher,
// matching the notify channel's best-effort delivery guarantee.
func (h *Hub) Publish(deviceID string, raw []byte) {
	deviceID = wire.NormalizeDeviceID(deviceID)
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients[deviceID] {
		select {
		case c.ch <- raw:
		default:
		}
	}
}

// ClientCount reports how many SSE subscribers a device currently has, for
// diagnostics/tests.
func (h *Hub) ClientCount(deviceID string) int {
	deviceID = wire.NormalizeDeviceID(deviceID)
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[deviceID])
}

func encode(eventType string, payload any) []byte {
	raw, _ := wire.JSON.Marshal(payload)
	return []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", eventType, raw))
}

// Handlers wires the Hub to Gin routes.
type Handlers struct {
	WSUrl        string
	NotifySecret string

	Verifier  *verifier.Verifier
	Blocklist *blocklist.List
	Hub       *Hub
}

type discoverRequest struct {
	DeviceID string `json:"device_id"`
}

type discoverResponse struct {
	WSUrl string `json:"wsUrl"`
}

func bearerToken(c *gin.Context) string {
	auth := c.GetHeader("Authorization")
	const prefix = "Bearer "
	if len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
		return auth[len(prefix):]
	}
	return ""
}

// Discover implements POST /discover: resolves the caller's token, returns
// the static worker wsUrl, and publishes a best-effort "connect" event so an
// offline device app can wake up and dial in.
func (h *Handlers) Discover(c *gin.Context) {
	ip := c.ClientIP()
	if h.Blocklist != nil && h.Blocklist.IsBlocked(ip) {
		httperror.Formatf(c, http.StatusTooManyRequests, "too many failed attempts")
		return
	}

	token := bearerToken(c)
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()
	_, err := h.Verifier.Verify(ctx, token)
	if err != nil {
		if h.Blocklist != nil {
			h.Blocklist.RecordFailure(ip)
		}
		httperror.Formatf(c, http.StatusUnauthorized, "invalid token")
		return
	}
	if h.Blocklist != nil {
		h.Blocklist.RecordSuccess(ip)
	}

	var req discoverRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.DeviceID == "" {
		httperror.Formatf(c, http.StatusBadRequest, "device_id is required")
		return
	}
	deviceID := wire.NormalizeDeviceID(req.DeviceID)

	h.Hub.Publish(deviceID, encode("connect", gin.H{"type": "connect", "device_id": deviceID}))

	c.JSON(http.StatusOK, discoverResponse{WSUrl: h.WSUrl})
}

// Events implements GET /events: a device-role SSE subscription. The device
// names itself via the device_id query parameter, mirroring the device_id
// field of the WebSocket auth frame.
func (h *Handlers) Events(c *gin.Context) {
	token := bearerToken(c)
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	_, err := h.Verifier.Verify(ctx, token)
	cancel()
	if err != nil {
		httperror.Formatf(c, http.StatusUnauthorized, "invalid token")
		return
	}

	deviceID := wire.NormalizeDeviceID(c.Query("device_id"))
	if deviceID == "" {
		httperror.Formatf(c, http.StatusBadRequest, "device_id is required")
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		httperror.Formatf(c, http.StatusInternalServerError, "streaming not supported")
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	client := h.Hub.subscribe(deviceID)
	defer h.Hub.unsubscribe(client)

	fmt.Fprint(c.Writer, string(encode("connected", gin.H{"type": "connected"})))
	flusher.Flush()

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	reqCtx := c.Request.Context()
	for {
		select {
		case <-reqCtx.Done():
			return
		case raw := <-client.ch:
			fmt.Fprint(c.Writer, string(raw))
			flusher.Flush()
		case <-ticker.C:
			fmt.Fprint(c.Writer, ": heartbeat\n\n")
			flusher.Flush()
		}
	}
}

type notifyRequest struct {
	Type     string `json:"type"`
	DeviceID string `json:"device_id"`
	WSUrl    string `json:"wsUrl"`
}

// Notify implements POST /notify: an internal endpoint other components use
// to publish onto a device's notification stream, guarded by a shared
// secret when one is configured.
func (h *Handlers) Notify(c *gin.Context) {
	if h.NotifySecret != "" && c.GetHeader("X-Notify-Secret") != h.NotifySecret {
		httperror.Formatf(c, http.StatusUnauthorized, "invalid notify secret")
		return
	}

	var req notifyRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.DeviceID == "" || req.Type == "" {
		httperror.Formatf(c, http.StatusBadRequest, "type and device_id are required")
		return
	}
	deviceID := wire.NormalizeDeviceID(req.DeviceID)

	h.Hub.Publish(deviceID, encode(req.Type, gin.H{
		"type":      req.Type,
		"device_id": deviceID,
		"wsUrl":     req.WSUrl,
	}))
	c.Status(http.StatusNoContent)
}

// DeviceRegisteredHook and DeviceUnregisteredHook are wired to
// delivery.Engine.OnDeviceRegistered/OnDeviceUnregistered so the SSE stream
// reflects registry membership changes alongside notify-driven events.
func (h *Handlers) DeviceRegisteredHook(userID, deviceID string) {
	h.Hub.Publish(deviceID, encode("device_registered", gin.H{"type": "device_registered", "device_id": deviceID}))
	logx.Debug(nil, "DEVICE_REGISTERED", "", "", map[string]any{"device": deviceID})
}

func (h *Handlers) DeviceUnregisteredHook(userID, deviceID string) {
	h.Hub.Publish(deviceID, encode("device_unregistered", gin.H{"type": "device_unregistered", "device_id": deviceID}))
	logx.Debug(nil, "DEVICE_UNREGISTERED", "", "", map[string]any{"device": deviceID})
}
