package discovery

import (
	"context"
	"net"
	"testing"

	nmap "github.com/Ullaakut/nmap/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandCIDR(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    int
		first   string
		wantErr bool
	}{
		{name: "single address", in: "10.0.0.7", want: 1, first: "10.0.0.7"},
		{name: "slash 24 drops network and broadcast", in: "192.168.1.0/24", want: 254, first: "192.168.1.1"},
		{name: "slash 30 keeps every address", in: "10.0.0.4/30", want: 4, first: "10.0.0.4"},
		{name: "too large", in: "10.0.0.0/16", wantErr: true},
		{name: "garbage", in: "not-an-ip/33", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ips, err := expandCIDR(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Len(t, ips, tt.want)
			assert.Equal(t, tt.first, ips[0])
		})
	}
}

func TestParsePorts(t *testing.T) {
	ports, err := ParsePorts("8000, 80,443,8000-8002")
	require.NoError(t, err)
	assert.Equal(t, []int{80, 443, 8000, 8001, 8002}, ports)

	for _, bad := range []string{"", "0", "70000", "90-80", "http"} {
		_, err := ParsePorts(bad)
		assert.Error(t, err, bad)
	}
}

func TestExpandTargets(t *testing.T) {
	out, err := expandTargets([]string{"10.1.2.3/24", " gate-1.local ", ""})
	require.NoError(t, err)
	assert.Equal(t, []string{"10.1.2.0/24", "gate-1.local"}, out)

	_, err = expandTargets([]string{"10.1.2.3/99"})
	assert.Error(t, err)
}

func TestHostsFromRun(t *testing.T) {
	run := &nmap.Run{
		Hosts: []nmap.Host{
			{
				Addresses: []nmap.Address{
					{Addr: "192.168.1.64", AddrType: "ipv4"},
					{Addr: "c0:56:e3:aa:bb:cc", AddrType: "mac", Vendor: "Hangzhou Hikvision"},
				},
				Hostnames: []nmap.Hostname{{Name: "door-1.site"}},
				Status:    nmap.Status{State: "up"},
				Ports: []nmap.Port{
					{ID: 8000, Protocol: "tcp", State: nmap.State{State: "open"}},
					{ID: 80, Protocol: "tcp", State: nmap.State{State: "open"}, Service: nmap.Service{Name: "http", Product: "App-webs"}},
					{ID: 443, Protocol: "tcp", State: nmap.State{State: "closed"}},
				},
			},
			{
				Addresses: []nmap.Address{{Addr: "192.168.1.9", AddrType: "ipv4"}},
				Status:    nmap.Status{State: "up"},
				Ports:     []nmap.Port{{ID: 80, State: nmap.State{State: "filtered"}}},
			},
			{
				Addresses: []nmap.Address{{Addr: "192.168.1.10", AddrType: "ipv4"}},
				Status:    nmap.Status{State: "down"},
			},
		},
	}

	hosts, err := hostsFromRun(run)
	require.NoError(t, err)
	require.Len(t, hosts, 1)

	h := hosts[0]
	assert.Equal(t, "192.168.1.64", h.IP)
	assert.Equal(t, "door-1.site", h.Hostname)
	assert.Equal(t, "C0:56:E3:AA:BB:CC", h.MAC)
	assert.Equal(t, "Hangzhou Hikvision", h.MACVendor)
	assert.Equal(t, []int{80, 8000}, h.OpenPorts)
	assert.Equal(t, "http App-webs", h.Services[80])
	assert.True(t, h.HasPort(8000))
	assert.False(t, h.HasPort(443))

	_, err = hostsFromRun(nil)
	assert.Error(t, err)
}

func TestSweeperFindsListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	open := ln.Addr().(*net.TCPAddr).Port
	closed := freePort(t)

	s := NewSweeper(SweepConfig{})
	hosts, err := s.Scan(context.Background(), []string{"127.0.0.1"}, []int{open, closed})
	require.NoError(t, err)
	require.Len(t, hosts, 1)
	assert.Equal(t, "127.0.0.1", hosts[0].IP)
	assert.Equal(t, []int{open}, hosts[0].OpenPorts)
}

func TestSweeperCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := NewSweeper(SweepConfig{})
	_, err := s.Scan(ctx, []string{"127.0.0.1"}, []int{1, 2, 3})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSweeperRejectsLargeRange(t *testing.T) {
	s := NewSweeper(SweepConfig{})
	_, err := s.Scan(context.Background(), []string{"10.0.0.0/8"}, []int{80})
	assert.Error(t, err)
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func TestFormatPorts(t *testing.T) {
	assert.Equal(t, "80,443,8000", formatPorts([]int{80, 443, 8000}))
}
