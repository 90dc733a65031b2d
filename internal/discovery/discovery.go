// Package discovery finds candidate hosts on a network for adapters to
// confirm. It offers an nmap backed scanner and a plain TCP connect sweep
// for hosts without nmap installed.
package discovery

import (
	"context"
	"encoding/binary"
	"net"
	"sort"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

// MaxSweepHosts bounds how many addresses one target may expand to
const MaxSweepHosts = 1024

// Host is a live address with the requested ports that answered
type Host struct {
	IP        string
	Hostname  string
	MAC       string
	MACVendor string
	OpenPorts []int
	// Services maps port to the detected service name, when known
	Services map[int]string
}

// HasPort reports whether port answered on the host
func (h Host) HasPort(port int) bool {
	for _, p := range h.OpenPorts {
		if p == port {
			return true
		}
	}
	return false
}

// Scanner finds hosts with any of ports open among targets. Targets are
// addresses, hostnames or IPv4 CIDR ranges.
type Scanner interface {
	Scan(ctx context.Context, targets []string, ports []int) ([]Host, error)
}

// Auto returns the nmap scanner when the binary is usable and the TCP
// sweep otherwise
func Auto(ctx context.Context, sweep SweepConfig, opts ...NmapOption) Scanner {
	n := NewNmapScanner(opts...)
	if n.Available(ctx) {
		return n
	}
	return NewSweeper(sweep)
}

// expandCIDR converts a CIDR or a single IPv4 address into addresses.
// Network and broadcast addresses are dropped for /24 and larger.
func expandCIDR(cidr string) ([]string, error) {
	_, ipNet, err := net.ParseCIDR(cidr)
	if err != nil {
		if ip := net.ParseIP(cidr); ip != nil {
			return []string{ip.String()}, nil
		}
		return nil, errors.Wrapf(err, "invalid target %q", cidr)
	}

	ip := ipNet.IP.To4()
	if ip == nil {
		return nil, errors.Newf("only IPv4 ranges are supported: %s", cidr)
	}

	mask := ipNet.Mask
	networkInt := binary.BigEndian.Uint32(ip)
	maskInt := binary.BigEndian.Uint32(mask)
	first := networkInt & maskInt
	last := first | ^maskInt

	ones, bits := mask.Size()
	if ones <= 24 && bits == 32 {
		first++
		last--
	}
	if last-first >= MaxSweepHosts {
		return nil, errors.Newf("range %s too large (max %d addresses)", cidr, MaxSweepHosts)
	}

	ips := make([]string, 0, last-first+1)
	for i := first; i <= last; i++ {
		b := make([]byte, 4)
		binary.BigEndian.PutUint32(b, i)
		ips = append(ips, net.IP(b).String())
	}
	return ips, nil
}

// expandTargets validates CIDR targets and keeps the rest as given
func expandTargets(targets []string) ([]string, error) {
	var out []string
	for _, t := range targets {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if strings.Contains(t, "/") {
			_, ipNet, err := net.ParseCIDR(t)
			if err != nil {
				return nil, errors.Wrapf(err, "invalid CIDR %s", t)
			}
			out = append(out, ipNet.String())
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// ParsePorts reads a list like "80,443,8000-8002"
func ParsePorts(spec string) ([]int, error) {
	seen := make(map[int]bool)
	var out []int
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		lo, hi := part, part
		if a, b, ok := strings.Cut(part, "-"); ok {
			lo, hi = strings.TrimSpace(a), strings.TrimSpace(b)
		}
		start, err := parsePort(lo)
		if err != nil {
			return nil, err
		}
		end, err := parsePort(hi)
		if err != nil {
			return nil, err
		}
		if end < start {
			return nil, errors.Newf("invalid port range %s", part)
		}
		for p := start; p <= end; p++ {
			if !seen[p] {
				seen[p] = true
				out = append(out, p)
			}
		}
	}
	if len(out) == 0 {
		return nil, errors.New("no ports given")
	}
	sort.Ints(out)
	return out, nil
}

func parsePort(s string) (int, error) {
	p, err := strconv.Atoi(s)
	if err != nil || p < 1 || p > 65535 {
		return 0, errors.Newf("invalid port number %q", s)
	}
	return p, nil
}

// formatPorts renders ports in the comma form nmap accepts
func formatPorts(ports []int) string {
	parts := make([]string, len(ports))
	for i, p := range ports {
		parts[i] = strconv.Itoa(p)
	}
	return strings.Join(parts, ",")
}

func sortHosts(hosts []Host) {
	sort.Slice(hosts, func(i, j int) bool {
		a, b := net.ParseIP(hosts[i].IP), net.ParseIP(hosts[j].IP)
		if a4, b4 := a.To4(), b.To4(); a4 != nil && b4 != nil {
			return binary.BigEndian.Uint32(a4) < binary.BigEndian.Uint32(b4)
		}
		return hosts[i].IP < hosts[j].IP
	})
}
