package discovery

import (
	"context"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// SweepConfig tunes the TCP connect sweep
type SweepConfig struct {
	// Timeout for one connection attempt
	Timeout time.Duration
	// MaxConcurrent limits parallel dials
	MaxConcurrent int
	Log           *zap.Logger
}

// DefaultSweepConfig suits a small site network
func DefaultSweepConfig() SweepConfig {
	return SweepConfig{
		Timeout:       time.Second,
		MaxConcurrent: 128,
	}
}

// Sweeper finds hosts by dialing every port on every address
type Sweeper struct {
	cfg  SweepConfig
	log  *zap.Logger
	dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

// NewSweeper creates a sweep scanner
func NewSweeper(cfg SweepConfig) *Sweeper {
	def := DefaultSweepConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}
	d := &net.Dialer{Timeout: cfg.Timeout}
	return &Sweeper{cfg: cfg, log: log, dial: d.DialContext}
}

// Scan implements Scanner
func (s *Sweeper) Scan(ctx context.Context, targets []string, ports []int) ([]Host, error) {
	var ips []string
	for _, t := range targets {
		if !strings.Contains(t, "/") && net.ParseIP(t) == nil {
			ips = append(ips, t)
			continue
		}
		expanded, err := expandCIDR(t)
		if err != nil {
			return nil, err
		}
		ips = append(ips, expanded...)
	}
	if len(ips) == 0 || len(ports) == 0 {
		return nil, nil
	}

	s.log.Debug("tcp sweep started", zap.Int("addresses", len(ips)), zap.Ints("ports", ports))

	type probeJob struct {
		ip   string
		port int
	}
	jobs := make(chan probeJob)
	open := make(map[string][]int)
	var mu sync.Mutex

	var wg sync.WaitGroup
	workers := min(s.cfg.MaxConcurrent, len(ips)*len(ports))
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				if ctx.Err() != nil {
					continue
				}
				if s.probe(ctx, job.ip, job.port) {
					mu.Lock()
					open[job.ip] = append(open[job.ip], job.port)
					mu.Unlock()
				}
			}
		}()
	}

queue:
	for _, ip := range ips {
		for _, port := range ports {
			select {
			case jobs <- probeJob{ip: ip, port: port}:
			case <-ctx.Done():
				break queue
			}
		}
	}
	close(jobs)
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	hosts := make([]Host, 0, len(open))
	for ip, p := range open {
		sort.Ints(p)
		hosts = append(hosts, Host{IP: ip, OpenPorts: p})
	}
	sortHosts(hosts)

	s.log.Debug("tcp sweep complete", zap.Int("live", len(hosts)))
	return hosts, nil
}

func (s *Sweeper) probe(ctx context.Context, ip string, port int) bool {
	dctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	conn, err := s.dial(dctx, "tcp", net.JoinHostPort(ip, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
