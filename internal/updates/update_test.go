package updates

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
)

func startBatch(m *Manager, ids ...string) chan error {
	done := make(chan error, 1)
	go func() { done <- m.UpdateApps(context.Background(), ids, UpdateOptions{}) }()
	return done
}

func (m *Manager) activeJobs() int {
	return m.Status().ActiveJobs
}

func TestUpdateInstallsComponentOnJobSuccess(t *testing.T) {
	f := newFakeService()
	f.addTarget("component", "web", "", "web@7")
	m := newTestManager(f)
	mustRefresh(t, m)

	done := startBatch(m, "sysupdate.web")
	jobPath := <-f.updateStarted
	waitUntil(t, func() bool { return m.activeJobs() == 1 }, "job registration")

	if info := appByID(t, m, "sysupdate.web"); info.State != "downloading" {
		t.Errorf("expected downloading while the job runs, got %s", info.State)
	}

	m.handleJobRemoved(jobPath, 0)
	if err := <-done; err != nil {
		t.Fatalf("batch failed: %v", err)
	}

	info := appByID(t, m, "sysupdate.web")
	if info.State != "installed" {
		t.Errorf("expected installed after job success, got %s", info.State)
	}
	if info.Progress != nil {
		t.Errorf("expected progress reset to unknown, got %d", *info.Progress)
	}

	f.mu.Lock()
	version := f.updateVersion[0]
	f.mu.Unlock()
	if version != "" {
		t.Errorf("the update request must leave the version empty, got %q", version)
	}
}

func TestHostUpgradeLifecycle(t *testing.T) {
	f := newFakeService()
	f.addTarget("host", "host", "host@t.0", "host@t.1")
	m := newTestManager(f)
	mustRefresh(t, m)

	upgrades := m.ListDistroUpgrades()
	if len(upgrades) != 1 || upgrades[0].State != "available" {
		t.Fatalf("expected an available upgrade, got %+v", upgrades)
	}
	id := upgrades[0].ID

	if err := m.DownloadUpgrade(id); err != nil {
		t.Fatalf("DownloadUpgrade failed: %v", err)
	}
	if info := appByID(t, m, id); info.State != "updatable" {
		t.Fatalf("expected updatable after download, got %s", info.State)
	}

	done := make(chan error, 1)
	go func() { done <- m.TriggerUpgrade(context.Background(), id) }()
	jobPath := <-f.updateStarted
	m.handleJobRemoved(jobPath, 0)
	if err := <-done; err != nil {
		t.Fatalf("TriggerUpgrade failed: %v", err)
	}

	if info := appByID(t, m, id); info.State != "pending-install" {
		t.Errorf("expected pending-install after a successful host job, got %s", info.State)
	}
}

func TestHostRevertsToAvailableOnJobFailure(t *testing.T) {
	f := newFakeService()
	f.addTarget("host", "host", "host@t.0", "host@t.1")
	m := newTestManager(f)
	mustRefresh(t, m)
	id := m.ListDistroUpgrades()[0].ID

	done := startBatch(m, id)
	jobPath := <-f.updateStarted
	m.handleJobRemoved(jobPath, -2)
	if err := <-done; err != nil {
		t.Fatalf("a single job failure must not fail the batch, got %v", err)
	}

	if info := appByID(t, m, id); info.State != "available" {
		t.Errorf("expected the host to revert to available explicitly, got %s", info.State)
	}
}

func TestBatchAbsorbsJobFailureAndAbandonsRemainder(t *testing.T) {
	f := newFakeService()
	f.addTarget("component", "one", "", "one@1")
	f.addTarget("component", "two", "two@1", "two@2")
	m := newTestManager(f)
	mustRefresh(t, m)

	done := startBatch(m, "sysupdate.one", "sysupdate.two")
	jobPath := <-f.updateStarted

	// Plain apps are pushed to the queue's head, so the last listed
	// app runs first.
	f.mu.Lock()
	first := f.updateCalls[0]
	f.mu.Unlock()
	if first != targetPath("two") {
		t.Fatalf("expected the last inserted app to run first, got %s", first)
	}

	m.handleJobRemoved(jobPath, -2)
	if err := <-done; err != nil {
		t.Fatalf("batch must absorb a single job failure, got %v", err)
	}

	if got := f.updateCount(); got != 1 {
		t.Fatalf("remaining jobs must not start after a failure, got %d update calls", got)
	}
	if info := appByID(t, m, "sysupdate.two"); info.State != "updatable" {
		t.Errorf("expected the failed app to recover its prior state, got %s", info.State)
	}
	if info := appByID(t, m, "sysupdate.one"); info.State != "available" {
		t.Errorf("expected the abandoned app to stay untouched, got %s", info.State)
	}
}

func TestRunLastPolicyPushesConfiguredTargetsToQueueTail(t *testing.T) {
	f := newFakeService()
	f.addTarget("component", "alpha", "", "alpha@1")
	f.addTarget("component", "devel", "", "devel@1")
	m := newTestManager(f)
	mustRefresh(t, m)

	done := startBatch(m, "sysupdate.devel", "sysupdate.alpha")
	for i := 0; i < 2; i++ {
		jobPath := <-f.updateStarted
		m.handleJobRemoved(jobPath, 0)
	}
	if err := <-done; err != nil {
		t.Fatalf("batch failed: %v", err)
	}

	f.mu.Lock()
	order := append([]dbus.ObjectPath(nil), f.updateCalls...)
	f.mu.Unlock()
	if len(order) != 2 || order[0] != targetPath("alpha") || order[1] != targetPath("devel") {
		t.Fatalf("expected the devel target to run last, got %v", order)
	}
}

func TestUpdateFlagsValidation(t *testing.T) {
	f := newFakeService()
	f.addTarget("component", "web", "", "web@7")
	m := newTestManager(f)
	mustRefresh(t, m)

	err := m.UpdateApps(context.Background(), []string{"sysupdate.web"}, UpdateOptions{NoDownload: true, NoApply: true})
	if err != nil {
		t.Fatalf("both flags set must be a no-op success, got %v", err)
	}
	if got := f.updateCount(); got != 0 {
		t.Fatalf("no-op batch must not start jobs, got %d", got)
	}

	err = m.UpdateApps(context.Background(), []string{"sysupdate.web"}, UpdateOptions{NoDownload: true})
	if err == nil {
		t.Fatal("apply without download must fail")
	}
	err = m.UpdateApps(context.Background(), []string{"sysupdate.web"}, UpdateOptions{NoApply: true})
	if err == nil {
		t.Fatal("download without apply must fail")
	}
}

func TestUpdateSkipsIneligibleApps(t *testing.T) {
	f := newFakeService()
	f.addTarget("component", "done", "done@3", "")
	m := newTestManager(f)
	mustRefresh(t, m)

	if err := m.UpdateApps(context.Background(), []string{"sysupdate.done"}, UpdateOptions{}); err != nil {
		t.Fatalf("batch with no eligible apps must succeed, got %v", err)
	}
	if got := f.updateCount(); got != 0 {
		t.Fatalf("ineligible apps must not start jobs, got %d", got)
	}
}

func TestUpdateUnknownAppFails(t *testing.T) {
	f := newFakeService()
	m := newTestManager(f)
	mustRefresh(t, m)

	err := m.UpdateApps(context.Background(), []string{"sysupdate.ghost"}, UpdateOptions{})
	if !errors.Is(err, ErrUnknownApp) {
		t.Fatalf("expected ErrUnknownApp, got %v", err)
	}
}

func TestUpdateFailsWhenRegistryDesynchronized(t *testing.T) {
	f := newFakeService()
	f.addTarget("component", "web", "", "web@7")
	m := newTestManager(f)
	mustRefresh(t, m)

	m.mu.Lock()
	delete(m.registry.targets, "web")
	m.mu.Unlock()

	err := m.UpdateApps(context.Background(), []string{"sysupdate.web"}, UpdateOptions{})
	if !errors.Is(err, ErrNoTarget) {
		t.Fatalf("expected ErrNoTarget, got %v", err)
	}
}

func TestSecondBatchRejectedWhileOneRuns(t *testing.T) {
	f := newFakeService()
	f.addTarget("component", "web", "", "web@7")
	f.addTarget("component", "db", "", "db@2")
	f.updateGate = make(chan struct{})
	m := newTestManager(f)
	mustRefresh(t, m)

	done := startBatch(m, "sysupdate.web")
	jobPath := <-f.updateStarted

	err := m.UpdateApps(context.Background(), []string{"sysupdate.db"}, UpdateOptions{})
	if !errors.Is(err, ErrUpdateInProgress) {
		t.Fatalf("expected ErrUpdateInProgress, got %v", err)
	}

	close(f.updateGate)
	waitUntil(t, func() bool { return m.activeJobs() == 1 }, "job registration")
	m.handleJobRemoved(jobPath, 0)
	if err := <-done; err != nil {
		t.Fatalf("first batch failed: %v", err)
	}
}

func TestProgressNotificationsDriveApp(t *testing.T) {
	f := newFakeService()
	f.addTarget("component", "web", "", "web@7")
	m := newTestManager(f)
	mustRefresh(t, m)

	done := startBatch(m, "sysupdate.web")
	jobPath := <-f.updateStarted
	waitUntil(t, func() bool { return m.activeJobs() == 1 }, "job registration")

	info := appByID(t, m, "sysupdate.web")
	if info.Progress == nil || *info.Progress != 0 {
		t.Fatalf("expected the initial progress read, got %v", info.Progress)
	}

	m.handleJobProgress(jobPath, 40)
	info = appByID(t, m, "sysupdate.web")
	if info.Progress == nil || *info.Progress != 40 {
		t.Fatalf("expected progress 40, got %v", info.Progress)
	}
	if info.State != "downloading" {
		t.Errorf("expected downloading, got %s", info.State)
	}

	m.handleJobRemoved(jobPath, 0)
	if err := <-done; err != nil {
		t.Fatalf("batch failed: %v", err)
	}
	if info := appByID(t, m, "sysupdate.web"); info.Progress != nil {
		t.Errorf("expected progress reset after the job, got %d", *info.Progress)
	}
}

func TestProgressForUnknownJobIsDropped(t *testing.T) {
	f := newFakeService()
	f.addTarget("component", "web", "web@1", "")
	m := newTestManager(f)
	mustRefresh(t, m)

	m.handleJobProgress("/org/freedesktop/sysupdate1/job/_77", 90)
	if info := appByID(t, m, "sysupdate.web"); info.Progress != nil {
		t.Errorf("stray progress must not touch any app, got %d", *info.Progress)
	}
}

func TestProjectionSkippedWhileJobRuns(t *testing.T) {
	f := newFakeService()
	path := f.addTarget("component", "web", "", "web@7")
	m := newTestManager(f)
	mustRefresh(t, m)

	done := startBatch(m, "sysupdate.web")
	jobPath := <-f.updateStarted
	waitUntil(t, func() bool { return m.activeJobs() == 1 }, "job registration")

	f.mu.Lock()
	f.current[path] = "web@7"
	f.latest[path] = ""
	f.mu.Unlock()
	mustRefresh(t, m)

	if info := appByID(t, m, "sysupdate.web"); info.State != "downloading" {
		t.Fatalf("a refresh must not clobber job-driven state, got %s", info.State)
	}

	m.handleJobRemoved(jobPath, 0)
	if err := <-done; err != nil {
		t.Fatalf("batch failed: %v", err)
	}
	if info := appByID(t, m, "sysupdate.web"); info.State != "installed" {
		t.Errorf("expected installed after the job, got %s", info.State)
	}
}

func TestCancelMidJobSurfacesCancellation(t *testing.T) {
	f := newFakeService()
	f.addTarget("component", "web", "web@1", "web@2")
	m := newTestManager(f)
	mustRefresh(t, m)

	done := startBatch(m, "sysupdate.web")
	jobPath := <-f.updateStarted
	waitUntil(t, func() bool { return m.activeJobs() == 1 }, "job registration")

	if err := m.CancelUpdate("sysupdate.web"); err != nil {
		t.Fatalf("CancelUpdate failed: %v", err)
	}
	waitUntil(t, func() bool { return f.cancelCount() == 1 }, "cancel round-trip")

	m.handleJobRemoved(jobPath, -1)
	err := <-done
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected a cancellation error, got %v", err)
	}

	if info := appByID(t, m, "sysupdate.web"); info.State != "updatable" {
		t.Errorf("expected the app to recover its prior state, got %s", info.State)
	}
	m.Close()
}

func TestCancelBeforeHandleKnownIsReplayedAtRegistration(t *testing.T) {
	f := newFakeService()
	f.addTarget("component", "web", "", "web@7")
	f.updateGate = make(chan struct{})
	m := newTestManager(f)
	mustRefresh(t, m)

	done := startBatch(m, "sysupdate.web")
	jobPath := <-f.updateStarted

	// The job path is not known to the manager yet; the cancellation
	// must be carried over the request round-trip.
	if err := m.CancelUpdate("sysupdate.web"); err != nil {
		t.Fatalf("CancelUpdate failed: %v", err)
	}
	if got := f.cancelCount(); got != 0 {
		t.Fatalf("no cancel can be issued before the handle is known, got %d", got)
	}

	close(f.updateGate)
	waitUntil(t, func() bool { return f.cancelCount() == 1 }, "replayed cancellation")

	f.mu.Lock()
	cancelled := f.cancelCalls[0]
	f.mu.Unlock()
	if cancelled != jobPath {
		t.Fatalf("expected the new job to be cancelled, got %s", cancelled)
	}

	m.handleJobRemoved(jobPath, -1)
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected a cancellation error, got %v", err)
	}
	if info := appByID(t, m, "sysupdate.web"); info.State != "available" {
		t.Errorf("expected the app to recover its prior state, got %s", info.State)
	}
	m.Close()
}

func TestRemovalBeforeRegistrationResolvesOnce(t *testing.T) {
	f := newFakeService()
	f.addTarget("component", "web", "", "web@7")
	f.updateGate = make(chan struct{})
	m := newTestManager(f)
	mustRefresh(t, m)

	done := startBatch(m, "sysupdate.web")
	jobPath := <-f.updateStarted

	// The terminal notification beats the update response. It must be
	// buffered and applied exactly once at registration; the duplicate
	// must be dropped.
	m.handleJobRemoved(jobPath, 0)
	m.handleJobRemoved(jobPath, -2)

	close(f.updateGate)
	if err := <-done; err != nil {
		t.Fatalf("batch failed: %v", err)
	}

	if info := appByID(t, m, "sysupdate.web"); info.State != "installed" {
		t.Errorf("expected the buffered success status to win, got %s", info.State)
	}
	if got := f.updateCount(); got != 1 {
		t.Errorf("expected a single update call, got %d", got)
	}
}

func TestRemovalRevokesInFlightCancellation(t *testing.T) {
	f := newFakeService()
	f.addTarget("component", "web", "web@1", "web@2")
	f.updateGate = make(chan struct{})
	f.cancelBlocks = true
	m := newTestManager(f)
	mustRefresh(t, m)

	done := startBatch(m, "sysupdate.web")
	jobPath := <-f.updateStarted

	if err := m.CancelUpdate("sysupdate.web"); err != nil {
		t.Fatalf("CancelUpdate failed: %v", err)
	}
	close(f.updateGate)
	waitUntil(t, func() bool { return f.cancelCount() == 1 }, "cancel round-trip start")

	// The job terminates while the cancel round-trip is still waiting
	// on the service; the round-trip must be aborted.
	m.handleJobRemoved(jobPath, -1)

	select {
	case err := <-f.cancelDone:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected the cancel round-trip to be revoked, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the cancel round-trip to settle")
	}

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected a cancellation error, got %v", err)
	}
	if info := appByID(t, m, "sysupdate.web"); info.State != "updatable" {
		t.Errorf("expected the app to recover its prior state, got %s", info.State)
	}
	m.Close()
}

func TestBufferedCancellationReplayedWithStoredToken(t *testing.T) {
	f := newFakeService()
	f.addTarget("component", "web", "", "web@7")
	m := newTestManager(f)
	mustRefresh(t, m)

	jobPath := dbus.ObjectPath("/org/freedesktop/sysupdate1/job/_9")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m.mu.Lock()
	app := m.apps["web"]
	m.tracker.pendingCancels[jobPath] = &pendingCancel{ctx: ctx, cancel: cancel}
	task := &jobTask{app: app, targetPath: targetPath("web"), jobPath: jobPath, done: make(chan struct{})}
	m.registerJob(task, 0, false)
	m.mu.Unlock()

	waitUntil(t, func() bool { return f.cancelCount() == 1 }, "replayed cancellation")
	f.mu.Lock()
	cancelled := f.cancelCalls[0]
	f.mu.Unlock()
	if cancelled != jobPath {
		t.Fatalf("expected the stored cancellation to be issued, got %s", cancelled)
	}

	m.handleJobRemoved(jobPath, -1)
	<-task.done
	var jobErr *JobError
	if !errors.As(task.err, &jobErr) || jobErr.Status != -1 {
		t.Fatalf("expected a job error with status -1, got %v", task.err)
	}
	m.Close()
}

func TestBufferedRemovalRevokesBufferedCancellation(t *testing.T) {
	f := newFakeService()
	f.addTarget("component", "web", "", "web@7")
	m := newTestManager(f)
	mustRefresh(t, m)

	jobPath := dbus.ObjectPath("/org/freedesktop/sysupdate1/job/_9")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m.mu.Lock()
	m.tracker.pendingCancels[jobPath] = &pendingCancel{ctx: ctx, cancel: cancel}
	m.mu.Unlock()

	m.handleJobRemoved(jobPath, 0)

	select {
	case <-ctx.Done():
	default:
		t.Fatal("a terminal notification must revoke the pending cancellation")
	}
	m.mu.Lock()
	_, stillFiled := m.tracker.pendingCancels[jobPath]
	m.mu.Unlock()
	if stillFiled {
		t.Fatal("expected the pending cancellation to be cleared")
	}
	if got := f.cancelCount(); got != 0 {
		t.Fatalf("nothing must be cancelled after the job terminated, got %d calls", got)
	}
}

func TestStaleBufferedRemovalsArePruned(t *testing.T) {
	f := newFakeService()
	m := newTestManager(f)

	old := dbus.ObjectPath("/org/freedesktop/sysupdate1/job/_1")
	m.mu.Lock()
	m.tracker.pendingRemovals[old] = bufferedRemoval{status: 0, filedAt: time.Now().Add(-time.Hour)}
	m.mu.Unlock()

	m.handleJobRemoved("/org/freedesktop/sysupdate1/job/_2", 0)

	m.mu.Lock()
	_, kept := m.tracker.pendingRemovals[old]
	m.mu.Unlock()
	if kept {
		t.Fatal("expected the stale buffered removal to be pruned")
	}
}

func TestCancelUpdateWithoutRunningBatchIsNoop(t *testing.T) {
	f := newFakeService()
	f.addTarget("component", "web", "", "web@7")
	m := newTestManager(f)
	mustRefresh(t, m)

	if err := m.CancelUpdate("sysupdate.web"); err != nil {
		t.Fatalf("CancelUpdate must be a no-op without a batch, got %v", err)
	}
	if got := f.cancelCount(); got != 0 {
		t.Fatalf("expected no cancel calls, got %d", got)
	}
	if err := m.CancelUpdate("sysupdate.ghost"); !errors.Is(err, ErrUnknownApp) {
		t.Fatalf("expected ErrUnknownApp, got %v", err)
	}
}

func TestDownloadUpgradeIgnoresComponents(t *testing.T) {
	f := newFakeService()
	f.addTarget("component", "web", "", "web@7")
	m := newTestManager(f)
	mustRefresh(t, m)

	if err := m.DownloadUpgrade("sysupdate.web"); err != nil {
		t.Fatalf("DownloadUpgrade failed: %v", err)
	}
	if info := appByID(t, m, "sysupdate.web"); info.State != "available" {
		t.Errorf("components must not be flipped by the upgrade download, got %s", info.State)
	}
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []AppInfo
}

func (r *recordingNotifier) AppChanged(info AppInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, info)
}

func (r *recordingNotifier) states(id string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		if e.ID == id {
			out = append(out, e.State)
		}
	}
	return out
}

func TestNotifierObservesJobLifecycle(t *testing.T) {
	f := newFakeService()
	f.addTarget("component", "web", "", "web@7")
	m := newTestManager(f)
	rec := &recordingNotifier{}
	m.OnAppChanged(rec)
	mustRefresh(t, m)

	done := startBatch(m, "sysupdate.web")
	jobPath := <-f.updateStarted
	waitUntil(t, func() bool { return m.activeJobs() == 1 }, "job registration")
	m.handleJobRemoved(jobPath, 0)
	if err := <-done; err != nil {
		t.Fatalf("batch failed: %v", err)
	}

	states := rec.states("sysupdate.web")
	if len(states) < 3 {
		t.Fatalf("expected projection, downloading and terminal events, got %v", states)
	}
	if states[0] != "available" {
		t.Errorf("expected the projection event first, got %s", states[0])
	}
	if states[len(states)-1] != "installed" {
		t.Errorf("expected the terminal event last, got %s", states[len(states)-1])
	}
	foundDownloading := false
	for _, s := range states {
		if s == "downloading" {
			foundDownloading = true
		}
	}
	if !foundDownloading {
		t.Error("expected a downloading event while the job ran")
	}
}
