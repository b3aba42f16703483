package projects

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GaretJax/ipd/pkg/ipderrors"
	"github.com/GaretJax/ipd/pkg/storage"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	store, err := storage.NewBoltStore(filepath.Join(t.TempDir(), "ipd.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return NewRegistry(store, nil)
}

func TestRegisterGetUnregister(t *testing.T) {
	r := newTestRegistry(t)

	require.NoError(t, r.Register("demo", "https://github.com/ex/demo.git"))

	project, err := r.Get("demo")
	require.NoError(t, err)
	assert.Equal(t, "https://github.com/ex/demo.git", project.RepoURL)

	require.NoError(t, r.Unregister("demo"))

	_, err = r.Get("demo")
	assert.ErrorIs(t, err, ipderrors.NotFound)
}

func TestRegisterTwiceFailsWithoutOverwriting(t *testing.T) {
	r := newTestRegistry(t)

	require.NoError(t, r.Register("demo", "https://github.com/ex/demo.git"))

	err := r.Register("demo", "https://github.com/ex/other.git")
	assert.ErrorIs(t, err, ipderrors.AlreadyExists)

	project, err := r.Get("demo")
	require.NoError(t, err)
	assert.Equal(t, "https://github.com/ex/demo.git", project.RepoURL, "second register must not overwrite the repo URL")
}

func TestUnregisterIdempotentOnMissingKey(t *testing.T) {
	r := newTestRegistry(t)
	assert.NoError(t, r.Unregister("ghost"))
}

func TestListReturnsAllKeys(t *testing.T) {
	r := newTestRegistry(t)

	require.NoError(t, r.Register("demo", "https://github.com/ex/demo.git"))
	require.NoError(t, r.Register("other", "https://github.com/ex/other.git"))

	keys, err := r.List()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"demo", "other"}, keys)
}
