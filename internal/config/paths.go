package config

import (
	"os"
	"path/filepath"
)

const (
	// EnvConfigPath names an explicit host config file
	EnvConfigPath = "DEVICEHUB_CONFIG"
	// ConfigFileName is looked up in the working directory
	ConfigFileName = "devicehub.yaml"
	// ConfigDirName is the directory under XDG and /etc
	ConfigDirName = "devicehub"
)

// SearchPaths lists host config candidates in priority order:
//  1. $DEVICEHUB_CONFIG
//  2. ./devicehub.yaml
//  3. $XDG_CONFIG_HOME/devicehub/config.yaml
//  4. ~/.config/devicehub/config.yaml
//  5. /etc/devicehub/config.yaml
func SearchPaths() []string {
	var paths []string
	if p := os.Getenv(EnvConfigPath); p != "" {
		paths = append(paths, p)
	}
	if abs, err := filepath.Abs(ConfigFileName); err == nil {
		paths = append(paths, abs)
	} else {
		paths = append(paths, ConfigFileName)
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		paths = append(paths, filepath.Join(xdg, ConfigDirName, "config.yaml"))
	}
	if home := os.Getenv("HOME"); home != "" {
		paths = append(paths, filepath.Join(home, ".config", ConfigDirName, "config.yaml"))
	}
	return append(paths, filepath.Join("/etc", ConfigDirName, "config.yaml"))
}

// FindConfigPath returns the first existing candidate from SearchPaths,
// or "" when there is none
func FindConfigPath() string {
	for _, p := range SearchPaths() {
		if fileExists(p) {
			return p
		}
	}
	return ""
}

// DefaultConfigPath is where a new host config is written:
// the XDG config home, falling back to the working directory
func DefaultConfigPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, ConfigDirName, "config.yaml")
	}
	if home := os.Getenv("HOME"); home != "" {
		return filepath.Join(home, ".config", ConfigDirName, "config.yaml")
	}
	return ConfigFileName
}

// EnsureConfigDir creates the directory holding configPath
func EnsureConfigDir(configPath string) error {
	return os.MkdirAll(filepath.Dir(configPath), 0o755)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
