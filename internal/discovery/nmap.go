package discovery

import (
	"context"
	"sort"
	"strings"
	"time"

	nmap "github.com/Ullaakut/nmap/v3"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// NmapScanner drives the nmap binary
type NmapScanner struct {
	timeout           time.Duration
	serviceDetection  bool
	skipHostDiscovery bool
	binaryPath        string
	log               *zap.Logger
}

// NmapOption configures an NmapScanner
type NmapOption func(*NmapScanner)

// WithScanTimeout bounds one nmap run
func WithScanTimeout(d time.Duration) NmapOption {
	return func(n *NmapScanner) {
		n.timeout = d
	}
}

// WithServiceDetection enables service version detection (-sV)
func WithServiceDetection(enabled bool) NmapOption {
	return func(n *NmapScanner) {
		n.serviceDetection = enabled
	}
}

// WithSkipHostDiscovery treats every target as online (-Pn), for
// networks that drop ICMP
func WithSkipHostDiscovery(skip bool) NmapOption {
	return func(n *NmapScanner) {
		n.skipHostDiscovery = skip
	}
}

// WithBinaryPath runs nmap from path instead of $PATH
func WithBinaryPath(path string) NmapOption {
	return func(n *NmapScanner) {
		n.binaryPath = path
	}
}

// WithLogger sets the scanner logger
func WithLogger(log *zap.Logger) NmapOption {
	return func(n *NmapScanner) {
		n.log = log
	}
}

// NewNmapScanner creates an nmap scanner
func NewNmapScanner(opts ...NmapOption) *NmapScanner {
	n := &NmapScanner{
		timeout: 5 * time.Minute,
		log:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Available reports whether nmap can be run
func (n *NmapScanner) Available(ctx context.Context) bool {
	opts := []nmap.Option{nmap.WithTargets("localhost"), nmap.WithListScan()}
	if n.binaryPath != "" {
		opts = append(opts, nmap.WithBinaryPath(n.binaryPath))
	}
	scanner, err := nmap.NewScanner(ctx, opts...)
	if err != nil {
		return false
	}
	_, _, err = scanner.Run()
	return err == nil
}

// Scan implements Scanner
func (n *NmapScanner) Scan(ctx context.Context, targets []string, ports []int) ([]Host, error) {
	expanded, err := expandTargets(targets)
	if err != nil {
		return nil, err
	}
	if len(expanded) == 0 || len(ports) == 0 {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	opts := []nmap.Option{
		nmap.WithTargets(expanded...),
		nmap.WithPorts(formatPorts(ports)),
	}
	if n.serviceDetection {
		opts = append(opts, nmap.WithServiceInfo())
	}
	if n.skipHostDiscovery {
		opts = append(opts, nmap.WithSkipHostDiscovery())
	}
	if n.binaryPath != "" {
		opts = append(opts, nmap.WithBinaryPath(n.binaryPath))
	}

	scanner, err := nmap.NewScanner(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "create nmap scanner")
	}

	n.log.Debug("nmap scan started", zap.Strings("targets", expanded), zap.Ints("ports", ports))
	result, warnings, err := scanner.Run()
	if err != nil {
		return nil, errors.Wrap(err, "nmap scan")
	}
	if warnings != nil && len(*warnings) > 0 {
		n.log.Warn("nmap warnings", zap.Strings("warnings", *warnings))
	}

	hosts, err := hostsFromRun(result)
	if err != nil {
		return nil, err
	}
	n.log.Debug("nmap scan complete", zap.Int("live", len(hosts)))
	return hosts, nil
}

// hostsFromRun keeps hosts that are up with at least one open port
func hostsFromRun(result *nmap.Run) ([]Host, error) {
	if result == nil {
		return nil, errors.New("nil scan result")
	}

	var hosts []Host
	for _, h := range result.Hosts {
		if len(h.Addresses) == 0 || h.Status.State != "up" {
			continue
		}

		host := Host{Services: make(map[int]string)}
		for _, addr := range h.Addresses {
			switch addr.AddrType {
			case "ipv4":
				if host.IP == "" {
					host.IP = addr.Addr
				}
			case "mac":
				host.MAC = strings.ToUpper(addr.Addr)
				host.MACVendor = addr.Vendor
			}
		}
		if host.IP == "" {
			host.IP = h.Addresses[0].Addr
		}
		if len(h.Hostnames) > 0 {
			host.Hostname = h.Hostnames[0].Name
		}

		for _, p := range h.Ports {
			if p.State.State != "open" {
				continue
			}
			host.OpenPorts = append(host.OpenPorts, int(p.ID))
			if p.Service.Name != "" {
				host.Services[int(p.ID)] = serviceLabel(p.Service)
			}
		}
		if len(host.OpenPorts) == 0 {
			continue
		}
		sort.Ints(host.OpenPorts)
		hosts = append(hosts, host)
	}
	sortHosts(hosts)
	return hosts, nil
}

func serviceLabel(s nmap.Service) string {
	label := s.Name
	if s.Product != "" {
		label += " " + s.Product
		if s.Version != "" {
			label += " " + s.Version
		}
	}
	return label
}
