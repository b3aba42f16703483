package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ipd.db")
	s, err := NewBoltStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSAddReportsGrowth(t *testing.T) {
	s := newTestStore(t)

	grew, err := s.SAdd("projects", "demo")
	require.NoError(t, err)
	assert.True(t, grew)

	grew, err = s.SAdd("projects", "demo")
	require.NoError(t, err)
	assert.False(t, grew, "re-adding an existing member must not report growth")

	members, err := s.SMembers("projects")
	require.NoError(t, err)
	assert.Equal(t, []string{"demo"}, members)
}

func TestSRemIdempotent(t *testing.T) {
	s := newTestStore(t)

	_, err := s.SAdd("projects", "demo")
	require.NoError(t, err)

	require.NoError(t, s.SRem("projects", "demo"))
	require.NoError(t, s.SRem("projects", "demo")) // absent member, not an error

	members, err := s.SMembers("projects")
	require.NoError(t, err)
	assert.Empty(t, members)
}

func TestStringGetSetDel(t *testing.T) {
	s := newTestStore(t)

	_, ok, err := s.Get("project:demo")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Set("project:demo", "https://github.com/ex/demo.git"))

	value, ok, err := s.Get("project:demo")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "https://github.com/ex/demo.git", value)

	require.NoError(t, s.Del("project:demo"))
	_, ok, err = s.Get("project:demo")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestIncrMonotonic(t *testing.T) {
	s := newTestStore(t)

	first, err := s.Incr("builds")
	require.NoError(t, err)
	assert.Equal(t, int64(1), first)

	second, err := s.Incr("builds")
	require.NoError(t, err)
	assert.Equal(t, int64(2), second)
	assert.Greater(t, second, first)
}

func TestHMSetIsPartial(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.HMSet("instancedata:U", map[string]string{
		"hypervisor":  "hv1",
		"mac_address": "52:54:00:aa:bb:cc",
	}))

	require.NoError(t, s.HMSet("instancedata:U", map[string]string{
		"status":     "running",
		"ip_address": "10.0.0.5",
	}))

	fields, err := s.HGetAll("instancedata:U")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"hypervisor":  "hv1",
		"mac_address": "52:54:00:aa:bb:cc",
		"status":      "running",
		"ip_address":  "10.0.0.5",
	}, fields)

	value, ok, err := s.HGet("instancedata:U", "status")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "running", value)

	_, ok, err = s.HGet("instancedata:U", "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUnregisterProjectRemovesBothEntries(t *testing.T) {
	s := newTestStore(t)

	_, err := s.SAdd("projects", "demo")
	require.NoError(t, err)
	require.NoError(t, s.Set("project:demo", "https://github.com/ex/demo.git"))

	require.NoError(t, s.UnregisterProject("demo"))

	members, err := s.SMembers("projects")
	require.NoError(t, err)
	assert.NotContains(t, members, "demo")

	_, ok, err := s.Get("project:demo")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUnregisterProjectIdempotentOnMissingKey(t *testing.T) {
	s := newTestStore(t)
	err := s.UnregisterProject("ghost")
	assert.NoError(t, err)
}
