package scheduler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GaretJax/ipd/pkg/buildspec"
	"github.com/GaretJax/ipd/pkg/projects"
	"github.com/GaretJax/ipd/pkg/storage"
	"github.com/GaretJax/ipd/pkg/types"
)

type fakeDriver struct {
	mu       sync.Mutex
	running  int
	maxSeen  int
	order    []int64
	release  map[int64]chan struct{}
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{release: make(map[int64]chan struct{})}
}

// hold returns a channel the test can close to let buildID's Run return,
// used to assert builds don't overlap a single hypervisor slot.
func (f *fakeDriver) hold(buildID int64) chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan struct{})
	f.release[buildID] = ch
	return ch
}

func (f *fakeDriver) Run(ctx context.Context, buildID int64, ep types.HypervisorEndpoint) error {
	f.mu.Lock()
	f.running++
	if f.running > f.maxSeen {
		f.maxSeen = f.running
	}
	f.order = append(f.order, buildID)
	ch := f.release[buildID]
	f.mu.Unlock()

	if ch != nil {
		<-ch
	}

	f.mu.Lock()
	f.running--
	f.mu.Unlock()
	return nil
}

func newTestScheduler(t *testing.T, driver Driver, endpoints []types.HypervisorEndpoint) (*Scheduler, *projects.Registry) {
	t.Helper()
	store, err := storage.NewBoltStore(filepath.Join(t.TempDir(), "ipd.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	registry := projects.NewRegistry(store, nil)
	require.NoError(t, registry.Register("demo", "placeholder"))

	fetcherSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("base_domain: ubuntu\n"))
	}))
	t.Cleanup(fetcherSrv.Close)

	sched := New(endpoints, registry, buildspec.NewFetcher(time.Second), store, driver)
	return sched, registry
}

func scheduleWithRawURL(t *testing.T, sched *Scheduler, rawURL, projectKey, commitID string) string {
	t.Helper()
	ref, err := sched.ScheduleBuild(projectKey, commitID, rawURL)
	require.NoError(t, err)
	return ref
}

func TestTwoBuildsOneHypervisorDoNotOverlap(t *testing.T) {
	driver := newFakeDriver()
	sched, _ := newTestScheduler(t, driver, []types.HypervisorEndpoint{{Key: "hv1"}})
	sched.Start()
	defer sched.Stop()

	fetcherSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("base_domain: ubuntu\n"))
	}))
	defer fetcherSrv.Close()

	release1 := driver.hold(1)

	ref1 := scheduleWithRawURL(t, sched, fetcherSrv.URL, "demo", "abc")
	assert.Equal(t, "demo-1", ref1)

	ref2 := scheduleWithRawURL(t, sched, fetcherSrv.URL, "demo", "def")
	assert.Equal(t, "demo-2", ref2)

	// Give the pairing loop a moment to pick up build 1; build 2 must not
	// start running while build 1 holds the only hypervisor slot.
	time.Sleep(50 * time.Millisecond)
	driver.mu.Lock()
	maxSeen := driver.maxSeen
	driver.mu.Unlock()
	assert.Equal(t, 1, maxSeen, "only one build should run at a time against one hypervisor")

	close(release1)

	require.Eventually(t, func() bool {
		driver.mu.Lock()
		defer driver.mu.Unlock()
		return len(driver.order) == 2
	}, time.Second, 10*time.Millisecond)

	assert.Equal(t, []int64{1, 2}, driver.order, "builds must pair FIFO")
}

func TestShutdownDrainsCleanlyWithNoInFlightBuilds(t *testing.T) {
	driver := newFakeDriver()
	sched, _ := newTestScheduler(t, driver, []types.HypervisorEndpoint{{Key: "hv1"}})
	sched.Start()

	done := make(chan struct{})
	go func() {
		sched.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop() did not return")
	}
}

func TestScheduleBuildAgainstUnregisteredProjectFails(t *testing.T) {
	driver := newFakeDriver()
	sched, _ := newTestScheduler(t, driver, []types.HypervisorEndpoint{{Key: "hv1"}})

	_, err := sched.ScheduleBuild("ghost", "abc", "")
	assert.Error(t, err)

	builds, err := sched.Builds()
	require.NoError(t, err)
	assert.Empty(t, builds, "builds counter must not increment on ProjectNotFound")
}

func TestBuildIDsAreMonotonic(t *testing.T) {
	driver := newFakeDriver()
	sched, _ := newTestScheduler(t, driver, []types.HypervisorEndpoint{{Key: "hv1"}, {Key: "hv2"}})
	sched.Start()
	defer sched.Stop()

	fetcherSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("base_domain: ubuntu\n"))
	}))
	defer fetcherSrv.Close()

	var lastID int64
	for i := 0; i < 5; i++ {
		ref := scheduleWithRawURL(t, sched, fetcherSrv.URL, "demo", "abc")
		_ = ref
	}

	builds, err := sched.Builds()
	require.NoError(t, err)
	for _, b := range builds {
		assert.Greater(t, b.ID, lastID)
		lastID = b.ID
	}
}
