package ports_test

import (
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proxyfleet/proxyfleet/internal/domain"
	"github.com/proxyfleet/proxyfleet/internal/ports"
)

func TestAllocateAscending(t *testing.T) {
	a := ports.NewAllocator(42100, 42110)

	port, err := a.Allocate(nil)
	require.NoError(t, err)
	assert.Equal(t, 42100, port)
}

func TestAllocateSkipsExcluded(t *testing.T) {
	a := ports.NewAllocator(42100, 42110)

	port, err := a.Allocate(map[int]bool{42100: true, 42101: true})
	require.NoError(t, err)
	assert.Equal(t, 42102, port)
}

func TestAllocateSkipsBoundPorts(t *testing.T) {
	a := ports.NewAllocator(42120, 42125)

	// Occupy the lowest port with an unrelated listener.
	l, err := net.Listen("tcp", fmt.Sprintf(":%d", 42120))
	require.NoError(t, err)
	defer l.Close()

	port, err := a.Allocate(nil)
	require.NoError(t, err)
	assert.Equal(t, 42121, port)
}

func TestAllocateExhausted(t *testing.T) {
	a := ports.NewAllocator(42130, 42131)

	_, err := a.Allocate(map[int]bool{42130: true, 42131: true})
	require.Error(t, err)
	assert.Equal(t, domain.ErrPortsExhausted, domain.KindOf(err))
}

func TestContains(t *testing.T) {
	a := ports.NewAllocator(30000, 30999)
	assert.True(t, a.Contains(30000))
	assert.True(t, a.Contains(30999))
	assert.False(t, a.Contains(29999))
	assert.False(t, a.Contains(31000))
}
