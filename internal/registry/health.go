package registry

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"devicehub/internal/adapter"
)

// PerformHealthCheck probes an adapter and stores the result on its
// registration. A probe that panics or exceeds the probe timeout yields a
// critical report instead of an error; only an unknown id is an error.
func (r *Registry) PerformHealthCheck(ctx context.Context, id string) (adapter.Health, error) {
	e, err := r.entry(id)
	if err != nil {
		return adapter.Health{}, err
	}

	r.mu.RLock()
	inst := e.reg.Adapter
	r.mu.RUnlock()

	h := r.probe(ctx, inst)

	r.mu.Lock()
	e.reg.Health = h
	r.mu.Unlock()

	return h, nil
}

func (r *Registry) probe(ctx context.Context, inst adapter.Adapter) adapter.Health {
	ctx, cancel := context.WithTimeout(ctx, r.probeTimeout)
	defer cancel()

	result := make(chan adapter.Health, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				result <- adapter.CriticalHealth(adapter.IssueHealthCheckFailed,
					errors.Newf("health check panicked: %v", p), time.Now())
			}
		}()
		result <- inst.GetHealth(ctx)
	}()

	select {
	case h := <-result:
		if h.Status == "" {
			h.Status = adapter.HealthUnknown
		}
		if h.LastHealthCheck.IsZero() {
			h.LastHealthCheck = time.Now()
		}
		return h
	case <-ctx.Done():
		return adapter.CriticalHealth(adapter.IssueHealthCheckFailed,
			errors.Wrap(ctx.Err(), "health check did not complete"), time.Now())
	}
}
