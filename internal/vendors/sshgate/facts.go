package sshgate

import (
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// fact commands run on connect to identify the controller
const (
	factHostname  = "hostname -f 2>/dev/null || hostname"
	factOSRelease = "cat /etc/os-release 2>/dev/null"
	factUname     = "uname -a"
	factUptime    = "cat /proc/uptime"
)

// facts is what a controller reports about itself
type facts struct {
	Hostname      string
	OSName        string
	OSPrettyName  string
	OSVersionID   string
	KernelRelease string
	Architecture  string
}

// parseHostname extracts the hostname, short name and domain
func parseHostname(output string) (map[string]string, error) {
	hostname := strings.TrimSpace(output)
	if hostname == "" {
		return nil, errors.New("empty hostname")
	}
	out := map[string]string{"hostname": hostname}
	if short, domain, ok := strings.Cut(hostname, "."); ok && short != "" {
		out["hostname_short"] = short
		out["domain"] = domain
	}
	return out, nil
}

// parseOSRelease reads KEY=value and KEY="value" lines
func parseOSRelease(output string) (map[string]string, error) {
	if output == "" {
		return nil, errors.New("empty os-release output")
	}
	out := make(map[string]string)
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		out[strings.TrimSpace(key)] = strings.Trim(strings.TrimSpace(value), `"'`)
	}
	if len(out) == 0 {
		return nil, errors.New("no OS information found")
	}
	return out, nil
}

// parseUname reads `uname -a`, for example
// Linux gate-1 6.1.21-v8+ #1642 SMP PREEMPT Mon Apr 3 17:24:16 BST 2023 aarch64 GNU/Linux
func parseUname(output string) (map[string]string, error) {
	output = strings.TrimSpace(output)
	if output == "" {
		return nil, errors.New("empty uname output")
	}
	parts := strings.Fields(output)
	if len(parts) < 3 {
		return nil, errors.New("invalid uname output format")
	}
	out := map[string]string{
		"kernel_name":    parts[0],
		"kernel_release": parts[2],
		"uname":          output,
	}
	for i := len(parts) - 1; i >= 0; i-- {
		switch parts[i] {
		case "x86_64", "aarch64", "armv7l", "armv6l", "riscv64":
			out["architecture"] = parts[i]
			return out, nil
		}
	}
	return out, nil
}

// parseUptime reads the first field of /proc/uptime
func parseUptime(output string) (time.Duration, error) {
	fields := strings.Fields(output)
	if len(fields) == 0 {
		return 0, errors.New("empty uptime output")
	}
	secs, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, errors.Wrap(err, "parse uptime")
	}
	return time.Duration(secs * float64(time.Second)), nil
}

// collectFacts merges the parsed outputs. Individual parse failures leave
// fields empty; only a missing hostname is an error.
func collectFacts(hostname, osRelease, uname string) (facts, error) {
	var f facts
	h, err := parseHostname(hostname)
	if err != nil {
		return f, err
	}
	f.Hostname = h["hostname"]
	if osr, err := parseOSRelease(osRelease); err == nil {
		f.OSName = osr["NAME"]
		f.OSPrettyName = osr["PRETTY_NAME"]
		f.OSVersionID = osr["VERSION_ID"]
	}
	if u, err := parseUname(uname); err == nil {
		f.KernelRelease = u["kernel_release"]
		f.Architecture = u["architecture"]
	}
	return f, nil
}
