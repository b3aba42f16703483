// Package projects implements the project registry: CRUD over projects
// keyed by name, backed by the state store's "projects" set and
// "project:<key>" strings.
package projects

import (
	"github.com/rs/zerolog"

	"github.com/GaretJax/ipd/pkg/ipderrors"
	"github.com/GaretJax/ipd/pkg/log"
	"github.com/GaretJax/ipd/pkg/storage"
	"github.com/GaretJax/ipd/pkg/types"
)

// Poller watches a project's remote repository for new commits. The core
// consumes none of its events directly in this version; triggering a build
// is done through the admin HTTP POST path instead.
type Poller interface {
	// Start begins watching repoURL in the background, emitting events
	// until Stop is called. Crashes in the poller must be logged and must
	// not terminate the process.
	Start(key, repoURL string)
	// Stop ends the poller for key, if running.
	Stop(key string)
}

// NoopPoller satisfies Poller without doing anything; it is the default
// when no poller implementation is wired in.
type NoopPoller struct{}

func (NoopPoller) Start(key, repoURL string) {}
func (NoopPoller) Stop(key string)           {}

// Registry is the project registry (§4.D).
type Registry struct {
	store  storage.Store
	poller Poller
	logger zerolog.Logger
}

// NewRegistry builds a Registry over store. If poller is nil, a NoopPoller
// is used.
func NewRegistry(store storage.Store, poller Poller) *Registry {
	if poller == nil {
		poller = NoopPoller{}
	}
	return &Registry{
		store:  store,
		poller: poller,
		logger: log.WithComponent("projects"),
	}
}

// Register adds a new project. It fails with ipderrors.AlreadyExists if key
// is already registered.
func (r *Registry) Register(key, repoURL string) error {
	grew, err := r.store.SAdd(storage.ProjectsSet, key)
	if err != nil {
		return err
	}
	if !grew {
		return ipderrors.New(ipderrors.KindAlreadyExists, key)
	}
	if err := r.store.Set(storage.ProjectKey(key), repoURL); err != nil {
		return err
	}
	r.poller.Start(key, repoURL)
	r.logger.Info().Str("project", key).Str("repo", repoURL).Msg("project registered")
	return nil
}

// Get returns the project record for key, or ipderrors.NotFound.
func (r *Registry) Get(key string) (types.Project, error) {
	repoURL, ok, err := r.store.Get(storage.ProjectKey(key))
	if err != nil {
		return types.Project{}, err
	}
	if !ok {
		return types.Project{}, ipderrors.New(ipderrors.KindNotFound, key)
	}
	return types.Project{Key: key, RepoURL: repoURL}, nil
}

// List returns every registered project key.
func (r *Registry) List() ([]string, error) {
	return r.store.SMembers(storage.ProjectsSet)
}

// Unregister removes key's project record and stops its poller. Idempotent
// on a missing key.
func (r *Registry) Unregister(key string) error {
	if err := r.store.UnregisterProject(key); err != nil {
		return err
	}
	r.poller.Stop(key)
	r.logger.Info().Str("project", key).Msg("project unregistered")
	return nil
}
