// Package scheduler implements the Build Scheduler: admits build requests,
// fetches buildspecs, and pairs each build FIFO with a free hypervisor slot
// drawn from a bounded pool, with cooperative shutdown (spec §4.E).
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/GaretJax/ipd/pkg/buildspec"
	"github.com/GaretJax/ipd/pkg/log"
	"github.com/GaretJax/ipd/pkg/metrics"
	"github.com/GaretJax/ipd/pkg/projects"
	"github.com/GaretJax/ipd/pkg/storage"
	"github.com/GaretJax/ipd/pkg/types"
)

// sentinelHV and sentinelBuild are the shutdown markers enqueued onto H and
// B by Stop (§4.E "Shutdown"). No configured hypervisor key is ever empty
// and no build id is ever non-positive, so these never collide with real
// work.
const sentinelHV = ""
const sentinelBuild int64 = -1

// buildQueueDepth bounds the build queue B. The source's DeferredQueue is
// conceptually unbounded; a large fixed buffer is the idiomatic Go
// approximation and is documented as such rather than left implicit.
const buildQueueDepth = 4096

// Driver is the capability the pairing loop drives one build's lifecycle
// through; lifecycle.Driver satisfies it.
type Driver interface {
	Run(ctx context.Context, buildID int64, ep types.HypervisorEndpoint) error
}

// Scheduler owns the hypervisor slot pool and the build queue exclusively
// (§3 "Ownership").
type Scheduler struct {
	hvSlots chan string
	builds  chan int64

	endpoints map[string]types.HypervisorEndpoint
	registry  *projects.Registry
	fetcher   *buildspec.Fetcher
	store     storage.Store
	driver    Driver

	stopped  chan struct{}
	stopOnce sync.Once

	mu     sync.Mutex
	lastID int64

	logger zerolog.Logger
}

// New builds a Scheduler whose slot pool is pre-loaded with each endpoint's
// key exactly once (§3 "Hypervisor slot pool").
func New(endpoints []types.HypervisorEndpoint, registry *projects.Registry, fetcher *buildspec.Fetcher, store storage.Store, driver Driver) *Scheduler {
	byKey := make(map[string]types.HypervisorEndpoint, len(endpoints))
	hvSlots := make(chan string, len(endpoints)+1) // +1 headroom for the sentinel
	for _, ep := range endpoints {
		byKey[ep.Key] = ep
		hvSlots <- ep.Key
	}

	return &Scheduler{
		hvSlots:   hvSlots,
		builds:    make(chan int64, buildQueueDepth),
		endpoints: byKey,
		registry:  registry,
		fetcher:   fetcher,
		store:     store,
		driver:    driver,
		stopped:   make(chan struct{}),
		logger:    log.WithComponent("scheduler"),
	}
}

// Start launches the pairing loop. Call once.
func (s *Scheduler) Start() {
	go s.run()
}

// ScheduleBuild is the admission path (§4.E "schedule_build"): look up the
// project, fetch and parse its buildspec at commitID, allocate a build id,
// persist the waiting build record, and enqueue it. Returns
// "<project_key>-<id>".
func (s *Scheduler) ScheduleBuild(projectKey, commitID, rawURLOverride string) (string, error) {
	project, err := s.registry.Get(projectKey)
	if err != nil {
		return "", err
	}

	_, raw, err := s.fetcher.Fetch(buildspec.Request{
		RepoURL:  project.RepoURL,
		CommitID: commitID,
		RawURL:   rawURLOverride,
	})
	if err != nil {
		return "", err
	}

	id, err := s.store.Incr(storage.BuildCounter)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	if id > s.lastID {
		s.lastID = id
	}
	s.mu.Unlock()

	if err := s.store.HMSet(storage.BuildKey(id), map[string]string{
		"status":      string(types.BuildWaiting),
		"buildspec":   raw,
		"project_key": projectKey,
		"commit_id":   commitID,
	}); err != nil {
		return "", err
	}

	s.builds <- id
	metrics.BuildsQueued.Set(float64(len(s.builds)))

	return fmt.Sprintf("%s-%d", projectKey, id), nil
}

// Builds returns every build this process has scheduled, for the admin
// GET /builds/ endpoint. Builds scheduled by a prior process instance
// before a restart are not tracked here, since the counter itself lives in
// the store but the id range it spans does not.
func (s *Scheduler) Builds() ([]types.Build, error) {
	s.mu.Lock()
	lastID := s.lastID
	s.mu.Unlock()

	builds := make([]types.Build, 0, lastID)
	for id := int64(1); id <= lastID; id++ {
		fields, err := s.store.HGetAll(storage.BuildKey(id))
		if err != nil {
			return nil, err
		}
		if len(fields) == 0 {
			continue
		}
		builds = append(builds, types.Build{
			ID:         id,
			ProjectKey: fields["project_key"],
			CommitID:   fields["commit_id"],
			Status:     types.BuildStatus(fields["status"]),
			Buildspec:  fields["buildspec"],
		})
	}
	return builds, nil
}

// run is the pairing loop (§4.E "Pairing loop"): take a free hypervisor,
// take a queued build, spawn an independent lifecycle task whose completion
// handler unconditionally returns the hypervisor slot. Exits on either
// sentinel.
func (s *Scheduler) run() {
	defer close(s.stopped)
	for {
		hvKey := <-s.hvSlots
		if hvKey == sentinelHV {
			return
		}
		metrics.HypervisorSlotsFree.Set(float64(len(s.hvSlots)))

		buildID := <-s.builds
		if buildID == sentinelBuild {
			return
		}
		metrics.BuildsQueued.Set(float64(len(s.builds)))

		ep := s.endpoints[hvKey]
		go s.runBuild(ep, buildID, hvKey)
	}
}

func (s *Scheduler) runBuild(ep types.HypervisorEndpoint, buildID int64, hvKey string) {
	defer func() {
		s.hvSlots <- hvKey
		metrics.HypervisorSlotsFree.Set(float64(len(s.hvSlots)))
	}()

	logger := s.logger.With().Int64("build_id", buildID).Str("hypervisor", hvKey).Logger()
	// Per-build lifecycle errors are already recorded on the build record
	// and as metrics by lifecycle.Driver; a crash here must not take down
	// the pairing loop (§7 "Background task crashes").
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("lifecycle task panicked")
		}
	}()

	if err := s.driver.Run(context.Background(), buildID, ep); err != nil {
		logger.Error().Err(err).Msg("build failed")
	}
}

// Stop enqueues one sentinel on each queue and waits for the pairing loop
// to terminate. In-flight builds are not cancelled (§4.E "Shutdown").
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.hvSlots <- sentinelHV
		s.builds <- sentinelBuild
		<-s.stopped
	})
}

// StopTimeout is the bound the admin server applies when draining on
// process shutdown.
const StopTimeout = 30 * time.Second
