package registry

import "devicehub/internal/adapter"

// Stats summarises the registry for observability surfaces
type Stats struct {
	TotalAdapters    int                          `json:"totalAdapters"`
	EnabledAdapters  int                          `json:"enabledAdapters"`
	DisabledAdapters int                          `json:"disabledAdapters"`
	LoadedOrigins    int                          `json:"loadedOrigins"`
	DeviceTypes      map[string]int               `json:"deviceTypes"`
	HealthStatus     map[adapter.HealthStatus]int `json:"healthStatus"`
}

// GetRegistryStats counts registrations by state, device type and health
func (r *Registry) GetRegistryStats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := Stats{
		TotalAdapters: len(r.entries),
		LoadedOrigins: len(r.origins),
		DeviceTypes:   make(map[string]int, len(r.byDeviceType)),
		HealthStatus:  make(map[adapter.HealthStatus]int),
	}
	for t, ids := range r.byDeviceType {
		s.DeviceTypes[t] = len(ids)
	}
	for _, e := range r.entries {
		if e.reg.Enabled {
			s.EnabledAdapters++
		} else {
			s.DisabledAdapters++
		}
		s.HealthStatus[e.reg.Health.Status]++
	}
	return s
}
