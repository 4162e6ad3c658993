package nodecache

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/ferric/internal/clock"
	"grimm.is/ferric/internal/ferr"
)

func newTestStore(t *testing.T) (*Store, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	store, err := New(Options{Path: ":memory:", Clock: mock})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store, mock
}

func TestStartCreatesWaitingRecord(t *testing.T) {
	store, _ := newTestStore(t)

	rec, err := store.Start("n1", map[string][]string{
		MACAttribute: {"AA:BB:CC:DD:EE:01", "aa:bb:cc:dd:ee:02"},
	})
	require.NoError(t, err)
	assert.Equal(t, StateWaiting, rec.State)
	assert.Equal(t, []string{"aa:bb:cc:dd:ee:01", "aa:bb:cc:dd:ee:02"}, rec.MACs)
	assert.True(t, rec.FinishedAt.IsZero())
}

func TestStartDuplicateIsConflict(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.Start("n1", nil)
	require.NoError(t, err)

	_, err = store.Start("n1", nil)
	assert.True(t, ferr.IsKind(err, ferr.KindConflict), "got %v", err)
}

func TestStartWhileProcessingIsConflict(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.Start("n1", nil)
	require.NoError(t, err)
	_, err = store.BeginProcessing("n1")
	require.NoError(t, err)

	_, err = store.Start("n1", nil)
	assert.True(t, ferr.IsKind(err, ferr.KindConflict), "got %v", err)
}

func TestRestartAfterTerminalStateCreatesFreshAttempt(t *testing.T) {
	store, mock := newTestStore(t)

	first, err := store.Start("n1", map[string][]string{MACAttribute: {"aa:bb:cc:dd:ee:01"}})
	require.NoError(t, err)
	_, err = store.BeginProcessing("n1")
	require.NoError(t, err)
	require.NoError(t, store.Finish("n1", map[string]any{"cpus": 8}))

	mock.Advance(time.Hour)
	second, err := store.Start("n1", map[string][]string{MACAttribute: {"aa:bb:cc:dd:ee:01"}})
	require.NoError(t, err)
	assert.Equal(t, StateWaiting, second.State)
	assert.True(t, second.StartedAt.After(first.StartedAt))

	rec, err := store.Get("n1")
	require.NoError(t, err)
	assert.Empty(t, rec.Result, "fresh attempt must not carry the old result")
}

func TestBeginProcessingRequiresWaiting(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.BeginProcessing("missing")
	assert.True(t, ferr.IsKind(err, ferr.KindNotFound), "got %v", err)
	assert.False(t, store.LockHeld("missing"), "lock must be released on the error path")

	_, err = store.Start("n1", nil)
	require.NoError(t, err)
	_, err = store.BeginProcessing("n1")
	require.NoError(t, err)
	require.NoError(t, store.Fail("n1", "validation_error", "bad payload"))

	_, err = store.BeginProcessing("n1")
	assert.True(t, ferr.IsKind(err, ferr.KindInvalidState), "got %v", err)
	assert.False(t, store.LockHeld("n1"))
}

func TestConcurrentBeginProcessingExactlyOneWins(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.Start("n1", nil)
	require.NoError(t, err)

	const passes = 32
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		won     int
		blocked int
	)
	for i := 0; i < passes; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.BeginProcessing("n1")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				won++
			case ferr.IsKind(err, ferr.KindAlreadyLocked) || ferr.IsKind(err, ferr.KindInvalidState):
				blocked++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, won, "exactly one pass must take the lock")
	assert.Equal(t, passes-1, blocked)
}

func TestFinishStoresResultAndReleasesLock(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.Start("n1", map[string][]string{MACAttribute: {"aa:bb:cc:dd:ee:01"}})
	require.NoError(t, err)
	_, err = store.BeginProcessing("n1")
	require.NoError(t, err)

	require.NoError(t, store.Finish("n1", map[string]any{"cpus": float64(16), "vendor": "Acme"}))

	rec, err := store.Get("n1")
	require.NoError(t, err)
	assert.Equal(t, StateFinished, rec.State)
	assert.False(t, rec.FinishedAt.IsZero())
	assert.Equal(t, "Acme", rec.Result["vendor"])
	assert.False(t, store.LockHeld("n1"))

	macs, err := store.ActiveMACs()
	require.NoError(t, err)
	assert.Empty(t, macs, "finished node must leave the whitelist")
}

func TestFailRecordsErrorDetail(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.Start("n1", nil)
	require.NoError(t, err)
	_, err = store.BeginProcessing("n1")
	require.NoError(t, err)

	require.NoError(t, store.Fail("n1", string(ferr.KindValidationError), "no interfaces"))

	rec, err := store.Get("n1")
	require.NoError(t, err)
	assert.Equal(t, StateError, rec.State)
	assert.Equal(t, "validation_error", rec.ErrorKind)
	assert.Equal(t, "no interfaces", rec.ErrorMessage)
}

func TestFinishFromWaitingIsInvalidState(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.Start("n1", nil)
	require.NoError(t, err)

	err = store.Finish("n1", nil)
	assert.True(t, ferr.IsKind(err, ferr.KindInvalidState), "got %v", err)
}

func TestActiveMACsTracksWaitingRecordsOnly(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.Start("n1", map[string][]string{MACAttribute: {"aa:bb:cc:dd:ee:01"}})
	require.NoError(t, err)
	_, err = store.Start("n2", map[string][]string{MACAttribute: {"aa:bb:cc:dd:ee:02"}})
	require.NoError(t, err)

	macs, err := store.ActiveMACs()
	require.NoError(t, err)
	assert.Equal(t, []string{"aa:bb:cc:dd:ee:01", "aa:bb:cc:dd:ee:02"}, macs)

	// n1 moves to processing: its MAC leaves the whitelist.
	_, err = store.BeginProcessing("n1")
	require.NoError(t, err)

	macs, err = store.ActiveMACs()
	require.NoError(t, err)
	assert.Equal(t, []string{"aa:bb:cc:dd:ee:02"}, macs)
}

func TestDuplicateMACAcrossNodesIsConflict(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.Start("n1", map[string][]string{MACAttribute: {"aa:bb:cc:dd:ee:01"}})
	require.NoError(t, err)

	_, err = store.Start("n2", map[string][]string{MACAttribute: {"aa:bb:cc:dd:ee:01"}})
	assert.True(t, ferr.IsKind(err, ferr.KindConflict), "got %v", err)
}

func TestFindByMAC(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.Start("n1", map[string][]string{MACAttribute: {"aa:bb:cc:dd:ee:01"}})
	require.NoError(t, err)
	_, err = store.Start("n2", map[string][]string{
		MACAttribute: {"aa:bb:cc:dd:ee:02"},
		BMCAttribute: {"10.0.0.5"},
	})
	require.NoError(t, err)

	rec, err := store.Find(map[string][]string{MACAttribute: {"AA:BB:CC:DD:EE:02"}})
	require.NoError(t, err)
	assert.Equal(t, "n2", rec.ID)

	rec, err = store.Find(map[string][]string{BMCAttribute: {"10.0.0.5"}})
	require.NoError(t, err)
	assert.Equal(t, "n2", rec.ID)

	_, err = store.Find(map[string][]string{MACAttribute: {"aa:bb:cc:dd:ee:99"}})
	assert.True(t, ferr.IsKind(err, ferr.KindNotFound), "got %v", err)

	_, err = store.Find(map[string][]string{
		MACAttribute: {"aa:bb:cc:dd:ee:01", "aa:bb:cc:dd:ee:02"},
	})
	assert.True(t, ferr.IsKind(err, ferr.KindConflict), "got %v", err)
}

func TestTimeoutSweepFailsStaleRecords(t *testing.T) {
	store, mock := newTestStore(t)

	_, err := store.Start("stuck", nil)
	require.NoError(t, err)
	_, err = store.BeginProcessing("stuck")
	require.NoError(t, err)

	mock.Advance(30 * time.Minute)
	_, err = store.Start("fresh", map[string][]string{MACAttribute: {"aa:bb:cc:dd:ee:03"}})
	require.NoError(t, err)

	timedOut, err := store.TimeoutSweep(20*time.Minute, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"stuck"}, timedOut)

	rec, err := store.Get("stuck")
	require.NoError(t, err)
	assert.Equal(t, StateError, rec.State)
	assert.Equal(t, string(ferr.KindTimeout), rec.ErrorKind)
	assert.False(t, store.LockHeld("stuck"), "sweep must release the abandoned lock")

	// The fresh record is untouched.
	rec, err = store.Get("fresh")
	require.NoError(t, err)
	assert.Equal(t, StateWaiting, rec.State)

	// A fresh start on the reaped node succeeds and can be processed.
	_, err = store.Start("stuck", nil)
	require.NoError(t, err)
	_, err = store.BeginProcessing("stuck")
	require.NoError(t, err)
}

func TestTimeoutSweepPrunesOldTerminalRecords(t *testing.T) {
	store, mock := newTestStore(t)

	_, err := store.Start("old", nil)
	require.NoError(t, err)
	_, err = store.BeginProcessing("old")
	require.NoError(t, err)
	require.NoError(t, store.Finish("old", nil))

	mock.Advance(48 * time.Hour)
	_, err = store.TimeoutSweep(time.Hour, 24*time.Hour)
	require.NoError(t, err)

	_, err = store.Get("old")
	assert.True(t, ferr.IsKind(err, ferr.KindNotFound), "pruned record should be gone, got %v", err)
}

func TestSetDiagnosticKeepsState(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.Start("n1", nil)
	require.NoError(t, err)
	_, err = store.BeginProcessing("n1")
	require.NoError(t, err)
	require.NoError(t, store.Finish("n1", map[string]any{"vendor": "Acme"}))

	require.NoError(t, store.SetDiagnostic("n1", "rule pass failed: boom"))

	rec, err := store.Get("n1")
	require.NoError(t, err)
	assert.Equal(t, StateFinished, rec.State)
	assert.Equal(t, "rule pass failed: boom", rec.Diagnostic)
}

func TestNormalizeMAC(t *testing.T) {
	assert.Equal(t, "aa:bb:cc:dd:ee:ff", NormalizeMAC("AA-BB-CC-DD-EE-FF"))
	assert.Equal(t, "aa:bb:cc:dd:ee:ff", NormalizeMAC(" aa:bb:cc:dd:ee:ff "))
	assert.Equal(t, "", NormalizeMAC("not-a-mac"))
	assert.Equal(t, "", NormalizeMAC(""))
}

func TestOptionsRoundTrip(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.Start("n1", nil)
	require.NoError(t, err)

	require.NoError(t, store.SetOption("n1", "pxe_retries", 3))
	require.NoError(t, store.SetOption("n1", "agent", map[string]any{"version": "1.2"}))

	opts, err := store.Options("n1")
	require.NoError(t, err)
	assert.Equal(t, float64(3), opts["pxe_retries"])
	assert.Equal(t, map[string]any{"version": "1.2"}, opts["agent"])

	// Setting an existing name replaces it.
	require.NoError(t, store.SetOption("n1", "pxe_retries", 5))
	opts, err = store.Options("n1")
	require.NoError(t, err)
	assert.Equal(t, float64(5), opts["pxe_retries"])
}

func TestOptionsRequireKnownNode(t *testing.T) {
	store, _ := newTestStore(t)

	err := store.SetOption("ghost", "k", "v")
	assert.True(t, ferr.IsKind(err, ferr.KindNotFound), "got %v", err)

	_, err = store.Options("ghost")
	assert.True(t, ferr.IsKind(err, ferr.KindNotFound), "got %v", err)
}

func TestOptionsSurviveFinishButNotRestart(t *testing.T) {
	store, mock := newTestStore(t)

	_, err := store.Start("n1", nil)
	require.NoError(t, err)
	require.NoError(t, store.SetOption("n1", "marker", "first"))
	_, err = store.BeginProcessing("n1")
	require.NoError(t, err)
	require.NoError(t, store.Finish("n1", nil))

	opts, err := store.Options("n1")
	require.NoError(t, err)
	assert.Equal(t, "first", opts["marker"])

	// A fresh attempt is a fresh record; old bookkeeping goes with it.
	mock.Advance(time.Minute)
	_, err = store.Start("n1", nil)
	require.NoError(t, err)
	opts, err = store.Options("n1")
	require.NoError(t, err)
	assert.Empty(t, opts)
}

func TestBeginProcessingAfterSweepIsInvalidState(t *testing.T) {
	store, mock := newTestStore(t)

	_, err := store.Start("n1", nil)
	require.NoError(t, err)

	mock.Advance(30 * time.Minute)
	timedOut, err := store.TimeoutSweep(20*time.Minute, 0)
	require.NoError(t, err)
	require.Equal(t, []string{"n1"}, timedOut)

	// The transition is conditional on the waiting state, so a pass racing
	// the sweep cannot resurrect the reaped record.
	_, err = store.BeginProcessing("n1")
	assert.True(t, ferr.IsKind(err, ferr.KindInvalidState), "got %v", err)

	rec, err := store.Get("n1")
	require.NoError(t, err)
	assert.Equal(t, StateError, rec.State)
	assert.False(t, store.LockHeld("n1"))
}

func TestStaleCompleteKeepsForeignLock(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.Start("n1", nil)
	require.NoError(t, err)

	// Another pass holds the lock while the record is not processing, as
	// after a timeout sweep plus re-start. A stale Finish must fail without
	// freeing the holder's lock.
	require.True(t, store.locks.TryAcquire("n1"))
	err = store.Finish("n1", nil)
	assert.True(t, ferr.IsKind(err, ferr.KindInvalidState), "got %v", err)
	assert.True(t, store.LockHeld("n1"), "failed completion must not release a lock it does not own")

	store.locks.Release("n1")

	err = store.Fail("ghost", "boom", "no such node")
	assert.True(t, ferr.IsKind(err, ferr.KindNotFound), "got %v", err)
	assert.False(t, store.LockHeld("ghost"))
}
