package enjambre

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// DefaultLocation is used when the device position cannot be obtained in time.
var DefaultLocation = LatLng{Lat: 51.505, Lng: -0.09}

// DefaultLocationTimeout bounds the wait for the first position fix.
const DefaultLocationTimeout = 5 * time.Second

// LocationProvider acquires the device position.
type LocationProvider interface {
	CurrentLocation(ctx context.Context) (LatLng, error)
}

// StaticLocation is a LocationProvider that always returns itself.
type StaticLocation LatLng

func (s StaticLocation) CurrentLocation(context.Context) (LatLng, error) {
	return LatLng(s), nil
}

// ResolveLocation asks p for a position, waiting at most timeout. On error or
// timeout it returns fallback and false.
func ResolveLocation(ctx context.Context, p LocationProvider, timeout time.Duration, fallback LatLng, logger *zap.Logger) (LatLng, bool) {
	logger = orNop(logger)
	if p == nil {
		return fallback, false
	}
	if timeout <= 0 {
		timeout = DefaultLocationTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type fix struct {
		loc LatLng
		err error
	}
	ch := make(chan fix, 1)
	go func() {
		loc, err := p.CurrentLocation(ctx)
		ch <- fix{loc, err}
	}()

	select {
	case f := <-ch:
		if f.err != nil {
			logger.Warn("location unavailable, using fallback", zap.Error(f.err))
			return fallback, false
		}
		return f.loc, true
	case <-ctx.Done():
		logger.Warn("location timed out, using fallback", zap.Duration("timeout", timeout))
		return fallback, false
	}
}
