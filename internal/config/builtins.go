package config

// BuiltinConfig toggles one compiled-in adapter
type BuiltinConfig struct {
	Enabled bool `yaml:"enabled"`
	// BinaryPath points at an external tool the adapter shells out to
	// (nmap for hikvision discovery)
	BinaryPath *string `yaml:"binary_path,omitempty"`
}

// BuiltinAdapters holds the compiled-in adapter toggles
type BuiltinAdapters struct {
	Hikvision BuiltinConfig `yaml:"hikvision"`
	ZKTeco    BuiltinConfig `yaml:"zkteco"`
	SSHGate   BuiltinConfig `yaml:"sshgate"`
}

// DefaultBuiltins enables the two reference adapters. The SSH gate
// adapter needs credentials in its documents and stays off by default.
func DefaultBuiltins() BuiltinAdapters {
	return BuiltinAdapters{
		Hikvision: BuiltinConfig{Enabled: true},
		ZKTeco:    BuiltinConfig{Enabled: true},
		SSHGate:   BuiltinConfig{Enabled: false},
	}
}

// BuiltinInfo describes a compiled-in adapter for listings
type BuiltinInfo struct {
	Name        string  `json:"name"`
	AdapterID   string  `json:"adapter_id"`
	Enabled     bool    `json:"enabled"`
	BinaryPath  *string `json:"binary_path,omitempty"`
	Description string  `json:"description"`
}

// List returns every compiled-in adapter with its toggle
func (b *BuiltinAdapters) List() []BuiltinInfo {
	return []BuiltinInfo{
		{
			Name:        "hikvision",
			AdapterID:   "hikvision-isapi",
			Enabled:     b.Hikvision.Enabled,
			BinaryPath:  b.Hikvision.BinaryPath,
			Description: "Hikvision ISAPI terminals, NVRs and ANPR cameras over digest HTTP",
		},
		{
			Name:        "zkteco",
			AdapterID:   "zkteco-tcp",
			Enabled:     b.ZKTeco.Enabled,
			Description: "ZKTeco attendance and access terminals over the binary TCP protocol",
		},
		{
			Name:        "sshgate",
			AdapterID:   "ssh-gate",
			Enabled:     b.SSHGate.Enabled,
			Description: "Linux door controllers and barrier gates driven over SSH",
		},
	}
}

// Enabled returns the names of enabled compiled-in adapters
func (b *BuiltinAdapters) Enabled() []string {
	var names []string
	for _, info := range b.List() {
		if info.Enabled {
			names = append(names, info.Name)
		}
	}
	return names
}
