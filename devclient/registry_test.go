package devclient

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-daq/controlhub/dummyhw"
)

func TestRegistryGetOrCreate(t *testing.T) {
	sc := newScripted(t)
	r := NewRegistry(testConfig(), nil)
	defer r.Stop()

	a, err := r.Client(sc.ip(), sc.port)
	require.NoError(t, err)
	b, err := r.Client(sc.ip(), sc.port)
	require.NoError(t, err)
	assert.Same(t, a, b, "one client per target")

	sc2 := newScripted(t)
	c, err := r.Client(sc2.ip(), sc2.port)
	require.NoError(t, err)
	assert.NotSame(t, a, c)
}

func TestRegistryRejectsNonIPv4(t *testing.T) {
	r := NewRegistry(testConfig(), nil)
	defer r.Stop()
	_, err := r.Client(net.ParseIP("::1"), 50001)
	assert.Error(t, err)
}

func TestRegistryEnqueue(t *testing.T) {
	hw, err := dummyhw.NewAny(nil)
	require.NoError(t, err)
	hw.Start()
	defer hw.Stop()
	hw.Poke(0x44, 0xcafe)

	r := NewRegistry(testConfig(), nil)
	defer r.Stop()

	resp := make(chan Response, 1)
	require.NoError(t, r.Enqueue(hw.IP(), uint16(hw.Port()), dummyhw.ReadRequest(0x44, 1), resp))
	got := waitResponse(t, resp)
	assert.Equal(t, CodeSuccess, got.Code)
}
