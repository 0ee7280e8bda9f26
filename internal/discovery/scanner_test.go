// internal/discovery/scanner_test.go
package discovery

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHostsInCIDR(t *testing.T) {
	hosts, err := hostsInCIDR("192.168.0.0/30")
	require.NoError(t, err)
	// /30 tem 4 endereços; tiramos network e broadcast
	assert.Equal(t, []string{"192.168.0.1", "192.168.0.2"}, hosts)

	hosts, err = hostsInCIDR("10.0.0.5/32")
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.5"}, hosts)

	hosts, err = hostsInCIDR("192.168.1.0/24")
	require.NoError(t, err)
	assert.Len(t, hosts, 254)

	_, err = hostsInCIDR("isso-nao-e-cidr")
	assert.Error(t, err)
}

func TestScanFindsListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	_, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	s := New(port, time.Second, 4)
	candidates, err := s.Scan(context.Background(), "127.0.0.1/32")
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, "127.0.0.1", candidates[0].Address)
	assert.Equal(t, port, candidates[0].Port)
	assert.True(t, candidates[0].Reachable)
}

func TestScanDeadSubnetReturnsEmpty(t *testing.T) {
	// TEST-NET-1 (RFC 5737): nada escuta lá; tem que voltar vazio, sem
	// erro, dentro do budget de timeout
	s := New(9, 200*time.Millisecond, 4)

	start := time.Now()
	candidates, err := s.Scan(context.Background(), "192.0.2.0/30")
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Empty(t, candidates)
	assert.Less(t, elapsed, 5*time.Second)
}

func TestScanRespectsContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := New(9, time.Second, 4)
	candidates, err := s.Scan(ctx, "192.0.2.0/24")
	require.NoError(t, err)
	assert.Empty(t, candidates)
}

func TestScanIsRestartable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	_, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)

	s := New(port, time.Second, 2)
	for i := 0; i < 2; i++ {
		candidates, err := s.Scan(context.Background(), "127.0.0.1/32")
		require.NoError(t, err)
		assert.Len(t, candidates, 1)
	}
}
