package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/metamcp/pkg/metamcp"
)

func TestRegistry_AddAndGet(t *testing.T) {
	r := NewRegistry()
	r.Add("sess-1", "ep-a", "ns-1", metamcp.TransportSSE)

	s, ok := r.Get("sess-1")
	require.True(t, ok)
	assert.Equal(t, "ep-a", s.EndpointName)
	assert.Equal(t, "ns-1", s.NamespaceUUID)
	assert.Equal(t, metamcp.TransportSSE, s.Transport)
}

func TestRegistry_AddIsIdempotent(t *testing.T) {
	r := NewRegistry()
	r.Add("sess-1", "ep-a", "ns-1", metamcp.TransportSSE)
	r.Add("sess-1", "ep-a", "ns-1", metamcp.TransportStreamableHTTP)

	stats := r.Stats()
	assert.Equal(t, 1, stats.Total)
	// The second add must not overwrite the transport of the first.
	assert.Equal(t, 1, stats.ByTransport[metamcp.TransportSSE])
}

func TestRegistry_RemoveIsIdempotent(t *testing.T) {
	r := NewRegistry()
	r.Add("sess-1", "ep-a", "ns-1", metamcp.TransportSSE)
	r.Remove("sess-1")
	assert.NotPanics(t, func() { r.Remove("sess-1") })
	assert.NotPanics(t, func() { r.Remove("never-existed") })

	_, ok := r.Get("sess-1")
	assert.False(t, ok)
}

func TestRegistry_EmptyEndpointIsDeleted(t *testing.T) {
	r := NewRegistry()
	r.Add("sess-1", "ep-a", "ns-1", metamcp.TransportSSE)
	r.Remove("sess-1")

	stats := r.Stats()
	assert.Empty(t, stats.ByEndpoint)
}

func TestRegistry_Stats(t *testing.T) {
	r := NewRegistry()
	r.Add("sess-1", "ep-a", "ns-1", metamcp.TransportSSE)
	r.Add("sess-2", "ep-a", "ns-1", metamcp.TransportStreamableHTTP)
	r.Add("sess-3", "ep-b", "ns-2", metamcp.TransportSSE)

	stats := r.Stats()

	require.Equal(t, 3, stats.Total)
	assert.Equal(t, 2, stats.ByTransport[metamcp.TransportSSE])
	assert.Equal(t, 1, stats.ByTransport[metamcp.TransportStreamableHTTP])

	// total = sum(byTransport) = sum(byEndpoint.count) (spec §8 invariant).
	sumByTransport := 0
	for _, n := range stats.ByTransport {
		sumByTransport += n
	}
	assert.Equal(t, stats.Total, sumByTransport)

	sumByEndpoint := 0
	for _, e := range stats.ByEndpoint {
		sumByEndpoint += e.Count
	}
	assert.Equal(t, stats.Total, sumByEndpoint)

	// sorted by count desc.
	require.Len(t, stats.ByEndpoint, 2)
	assert.Equal(t, "ep-a", stats.ByEndpoint[0].EndpointName)
	assert.Equal(t, 2, stats.ByEndpoint[0].Count)
}

func TestRegistry_CountsNeverNegative(t *testing.T) {
	r := NewRegistry()
	for i := 0; i < 5; i++ {
		r.Remove("nonexistent")
	}
	assert.Equal(t, 0, r.Stats().Total)
}
