package registry

import (
	"github.com/hashicorp/go-version"

	"devicehub/internal/adapter"
)

// FindBestAdapter picks the enabled adapter for a device type that satisfies
// the most requirements, breaking ties by the higher version. Equal
// candidates keep registration order.
func (r *Registry) FindBestAdapter(deviceType string, requirements []string) (adapter.Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var (
		best        *entry
		bestScore   int
		bestVersion *version.Version
	)

	for _, id := range r.byDeviceType[deviceType] {
		e, ok := r.entries[id]
		if !ok || !e.reg.Enabled {
			continue
		}

		score := satisfied(e.reg.Descriptor.Capabilities, requirements)
		v := e.reg.Descriptor.ParsedVersion()

		if best == nil || score > bestScore || (score == bestScore && v.GreaterThan(bestVersion)) {
			best, bestScore, bestVersion = e, score, v
		}
	}

	if best == nil {
		return nil, false
	}
	return best.reg.Adapter, true
}

// satisfied counts requirements present in the command vocabulary
func satisfied(caps adapter.Capabilities, requirements []string) int {
	n := 0
	for _, req := range requirements {
		if caps.SupportsCommand(req) {
			n++
		}
	}
	return n
}
