package enjambre

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// ============================================================================
// Online/offline signal
// ============================================================================

// Connectivity is the shared online/offline signal. Listeners are only called
// on transitions, never for a repeated value.
type Connectivity struct {
	mu      sync.Mutex
	online  bool
	changes emitter[bool]
}

// NewConnectivity creates the signal with an initial state.
func NewConnectivity(online bool) *Connectivity {
	return &Connectivity{online: online}
}

// IsOnline returns the current state.
func (c *Connectivity) IsOnline() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

// SetOnline records a new state and notifies listeners if it changed.
// Listeners run synchronously, in registration order.
func (c *Connectivity) SetOnline(online bool) {
	c.mu.Lock()
	if c.online == online {
		c.mu.Unlock()
		return
	}
	c.online = online
	c.mu.Unlock()
	c.changes.emit(online)
}

// OnChange registers h for transitions and returns its unsubscribe handle.
func (c *Connectivity) OnChange(h func(online bool)) Unsubscribe {
	return c.changes.on(h)
}

// ============================================================================
// Connection speed probe
// ============================================================================

// SlowConnectionKbps is the throughput under which a link is considered slow
// (typical 3G sits between 200 and 700 kbps).
const SlowConnectionKbps = 700.0

// ProbeSpeed downloads probeURL once and returns the observed throughput in
// kbps. A failed probe returns 0 and the error.
func ProbeSpeed(ctx context.Context, client *http.Client, probeURL string) (float64, error) {
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, probeURL, nil)
	if err != nil {
		return 0, fmt.Errorf("create probe request: %w", err)
	}
	req.Header.Set("Cache-Control", "no-store")

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return 0, ErrTransient("speed.probe", "probe request failed").WithCause(err)
	}
	defer resp.Body.Close()
	n, err := io.Copy(io.Discard, resp.Body)
	if err != nil {
		return 0, ErrTransient("speed.probe", "probe body read failed").WithCause(err)
	}
	elapsed := time.Since(start).Seconds()
	if elapsed <= 0 {
		elapsed = 1e-6
	}
	return float64(n*8) / elapsed / 1024, nil
}

// IsSlowConnection reports whether a measured speed indicates a slow link.
// Zero means the probe failed and is not treated as slow.
func IsSlowConnection(kbps float64) bool {
	return kbps > 0 && kbps < SlowConnectionKbps
}
