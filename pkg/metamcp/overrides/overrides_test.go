package overrides

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/metamcp/pkg/metamcp"
)

func TestCache_BuildAndResolve(t *testing.T) {
	c := New()
	memberships := []metamcp.NamespaceToolMembership{
		{Override: &metamcp.ToolOverride{Name: "fs_read"}},
	}
	// fullNameOf needs stable identity; use index-based stub instead of uuids for clarity.
	stub := func(metamcp.NamespaceToolMembership) string { return "alpha__read" }
	c.Build("ns-1", memberships, stub)

	original, ok := c.ResolveOriginal("ns-1", "fs_read")
	require.True(t, ok)
	assert.Equal(t, "alpha__read", original)

	_, ok = c.ResolveOriginal("ns-1", "not_an_override")
	assert.False(t, ok)
}

func TestCache_ResolveOverrideByFullName(t *testing.T) {
	c := New()
	memberships := []metamcp.NamespaceToolMembership{
		{Override: &metamcp.ToolOverride{Name: "fs_read", Title: "Read a file"}},
	}
	stub := func(metamcp.NamespaceToolMembership) string { return "alpha__read" }
	c.Build("ns-1", memberships, stub)

	o, ok := c.ResolveOverride("ns-1", "alpha__read")
	require.True(t, ok)
	assert.Equal(t, "fs_read", o.Name)
	assert.Equal(t, "Read a file", o.Title)
}

func TestCache_Invalidate(t *testing.T) {
	c := New()
	memberships := []metamcp.NamespaceToolMembership{
		{Override: &metamcp.ToolOverride{Name: "fs_read"}},
	}
	stub := func(metamcp.NamespaceToolMembership) string { return "alpha__read" }
	c.Build("ns-1", memberships, stub)
	c.Invalidate("ns-1")

	_, ok := c.ResolveOriginal("ns-1", "fs_read")
	assert.False(t, ok)
}

func TestCache_MembershipsWithoutOverrideIgnored(t *testing.T) {
	c := New()
	memberships := []metamcp.NamespaceToolMembership{{}}
	stub := func(metamcp.NamespaceToolMembership) string { return "alpha__read" }
	c.Build("ns-1", memberships, stub)

	_, ok := c.ResolveOverride("ns-1", "alpha__read")
	assert.False(t, ok)
}
