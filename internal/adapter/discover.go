package adapter

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// ConfirmHosts runs confirm over hosts with at most concurrency calls in
// flight and returns the confirmed devices in host order, capped at limit.
// No new host is started once ctx is done or limit devices are confirmed;
// confirm is expected to honour ctx.
func ConfirmHosts[H any](ctx context.Context, hosts []H, limit, concurrency int, confirm func(context.Context, H) (DiscoveredDevice, bool)) []DiscoveredDevice {
	if concurrency <= 0 {
		concurrency = 1
	}
	results := make([]*DiscoveredDevice, len(hosts))
	var confirmed atomic.Int64

	var g errgroup.Group
	g.SetLimit(concurrency)
	for i, h := range hosts {
		if ctx.Err() != nil || (limit > 0 && confirmed.Load() >= int64(limit)) {
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil || (limit > 0 && confirmed.Load() >= int64(limit)) {
				return nil
			}
			if d, ok := confirm(ctx, h); ok {
				results[i] = &d
				confirmed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	found := make([]DiscoveredDevice, 0, confirmed.Load())
	for _, d := range results {
		if d == nil {
			continue
		}
		if limit > 0 && len(found) >= limit {
			break
		}
		found = append(found, *d)
	}
	return found
}
