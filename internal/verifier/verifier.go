// Package verifier adapts an external auth oracle that resolves an opaque
// bearer token to a stable user identity, with a short TTL cache to keep
// hot paths off the network.
package verifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
)

// ErrAuthFailed is returned for any non-2xx oracle response or malformed
// body. There is no negative caching: every failed lookup re-queries.
var ErrAuthFailed = errors.New("verifier: auth failed")

type cacheEntry struct {
	userID    string
	expiresAt time.Time
}

// Verifier resolves bearer tokens to UserIDs against a remote HTTP oracle.
type Verifier struct {
	url        string
	httpClient *http.Client
	ttl        time.Duration
	limit      int

	cache cmap.ConcurrentMap[string, cacheEntry]
}

// New builds a Verifier pointed at the given oracle URL. ttl is the cache
// entry lifetime, capped at 60s; limit bounds the cache's size.
func New(url string, ttl time.Duration, limit int) *Verifier {
	if ttl <= 0 || ttl > 60*time.Second {
		ttl = 60 * time.Second
	}
	if limit <= 0 {
		limit = 1024
	}
	v := &Verifier{
		url:        url,
		httpClient: &http.Client{Timeout: 5 * time.Second},
		ttl:        ttl,
		limit:      limit,
		cache:      cmap.New[cacheEntry](),
	}
	go v.sweepLoop()
	return v
}

type oracleRequest struct {
	Token string `json:"token"`
}

type oracleResponse struct {
	UserID string `json:"user_id"`
}

// Verify resolves token to a UserID, consulting the cache first.
func (v *Verifier) Verify(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", ErrAuthFailed
	}
	if entry, ok := v.cache.Get(token); ok && time.Now().Before(entry.expiresAt) {
		return entry.userID, nil
	}

	body, err := json.Marshal(oracleRequest{Token: token})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return "", ErrAuthFailed
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		v.cache.Remove(token)
		return "", ErrAuthFailed
	}

	var out oracleResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil || out.UserID == "" {
		return "", ErrAuthFailed
	}

	if v.cache.Count() < v.limit {
		v.cache.Set(token, cacheEntry{userID: out.UserID, expiresAt: time.Now().Add(v.ttl)})
	}
	return out.UserID, nil
}

// sweepLoop periodically evicts expired cache entries.
func (v *Verifier) sweepLoop() {
	ticker := time.NewTicker(v.ttl)
	defer ticker.Stop()
	for range ticker.C {
		now := time.Now()
		for tuple := range v.cache.IterBuffered() {
			if now.After(tuple.Val.expiresAt) {
				v.cache.Remove(tuple.Key)
			}
		}
	}
}
