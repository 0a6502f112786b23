package watch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lambdev/lambdev/internal/config"
)

func TestRouteTableLookup(t *testing.T) {
	table, err := NewRouteTable([]config.Route{
		{Path: "/users/{id}", Method: "GET", Function: "get-user"},
		{Path: "/users/{id}", Method: "POST", Function: "update-user"},
		{Path: "/files/{path+}", Function: "files"},
		{Path: "/health", Function: "health"},
	}, "")
	require.NoError(t, err)

	fn, params, ok := table.Lookup("/users/42", "GET")
	require.True(t, ok)
	assert.Equal(t, "get-user", fn)
	assert.Equal(t, "42", params["id"])

	fn, _, ok = table.Lookup("/users/42", "POST")
	require.True(t, ok)
	assert.Equal(t, "update-user", fn)

	fn, params, ok = table.Lookup("/files/a/b/c.txt", "GET")
	require.True(t, ok)
	assert.Equal(t, "files", fn)
	assert.Equal(t, "a/b/c.txt", params["path"])

	fn, _, ok = table.Lookup("/health", "DELETE")
	require.True(t, ok)
	assert.Equal(t, "health", fn)

	_, _, ok = table.Lookup("/users/42/posts", "GET")
	assert.False(t, ok)

	_, _, ok = table.Lookup("/users", "GET")
	assert.False(t, ok)
}

func TestRouteTableFirstMatchWins(t *testing.T) {
	table, err := NewRouteTable([]config.Route{
		{Path: "/api/{resource}", Function: "first"},
		{Path: "/api/users", Function: "second"},
	}, "")
	require.NoError(t, err)

	fn, _, ok := table.Lookup("/api/users", "GET")
	require.True(t, ok)
	assert.Equal(t, "first", fn)
}

func TestRouteTableDefaultFallback(t *testing.T) {
	table, err := NewRouteTable([]config.Route{
		{Path: "/api", Function: "api"},
	}, "fallback")
	require.NoError(t, err)

	fn, _, ok := table.Lookup("/anything/else", "GET")
	require.True(t, ok)
	assert.Equal(t, "fallback", fn)
}

func TestRouteTableNoDefault(t *testing.T) {
	table, err := NewRouteTable(nil, "")
	require.NoError(t, err)

	_, _, ok := table.Lookup("/anything", "GET")
	assert.False(t, ok)
	assert.False(t, table.HasRoutes())
}

func TestRouteTableRejectsGreedyInMiddle(t *testing.T) {
	_, err := NewRouteTable([]config.Route{
		{Path: "/files/{path+}/meta", Function: "files"},
	}, "")
	assert.Error(t, err)
}
