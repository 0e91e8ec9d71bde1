package updates

import (
	"context"
	"time"

	"github.com/godbus/dbus/v5"
)

// The service emits JobRemoved for every job it runs, including the
// short-lived ones backing ListTargets or CheckNew calls. Buffered
// removals that no update ever claims are dropped after this long.
const removalBufferTTL = 5 * time.Minute

// jobTask is one in-flight update operation. It is created when the
// update request is issued and registered into the tracker once the
// service has acknowledged it with a job path.
type jobTask struct {
	app        *App
	targetPath dbus.ObjectPath
	jobPath    dbus.ObjectPath

	// status and err are set exactly once, before done is closed.
	status int32
	err    error
	done   chan struct{}
}

// bufferedRemoval is a terminal notification observed before its job
// was registered.
type bufferedRemoval struct {
	status  int32
	filedAt time.Time
}

// pendingCancel tracks a cancellation round-trip to the service. The
// context aborts the in-flight Cancel call when the job terminates on
// its own.
type pendingCancel struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// jobTracker resolves the race between the update request/response
// cycle and the asynchronous notifications that may refer to a job
// before it is registered. Three maps, all keyed by job path, all
// guarded by the owning Manager's lock.
type jobTracker struct {
	active          map[dbus.ObjectPath]*jobTask
	pendingRemovals map[dbus.ObjectPath]bufferedRemoval
	pendingCancels  map[dbus.ObjectPath]*pendingCancel
}

func newJobTracker() *jobTracker {
	return &jobTracker{
		active:          make(map[dbus.ObjectPath]*jobTask),
		pendingRemovals: make(map[dbus.ObjectPath]bufferedRemoval),
		pendingCancels:  make(map[dbus.ObjectPath]*pendingCancel),
	}
}

// activeForTarget finds the running task for a target, if any.
func (t *jobTracker) activeForTarget(targetPath dbus.ObjectPath) *jobTask {
	for _, task := range t.active {
		if task.targetPath == targetPath {
			return task
		}
	}
	return nil
}

func (t *jobTracker) pruneRemovals(now time.Time) {
	for path, rec := range t.pendingRemovals {
		if now.Sub(rec.filedAt) > removalBufferTTL {
			delete(t.pendingRemovals, path)
		}
	}
}

// registerJob publishes a task whose job path just became known and
// resolves anything that piled up while the request round-trip was in
// flight. Rules in priority order: a buffered removal terminates the
// job immediately; a buffered cancellation is replayed with its stored
// token; a cancellation requested through the caller is issued now.
// Callers hold m.mu.
func (m *Manager) registerJob(task *jobTask, progress uint32, cancelRequested bool) {
	task.app.markDownloading()
	task.app.Progress = progress
	m.notifyLocked(task.app)

	m.tracker.active[task.jobPath] = task

	if rec, ok := m.tracker.pendingRemovals[task.jobPath]; ok {
		log.Debug("resuming removal filed while the job was being set up", "job", task.jobPath)
		m.applyRemoval(task, rec.status)
		return
	}
	if pc, ok := m.tracker.pendingCancels[task.jobPath]; ok {
		log.Debug("resuming cancellation filed while the job was being set up", "job", task.jobPath)
		m.issueCancel(pc.ctx, task.jobPath)
		return
	}
	if cancelRequested {
		m.cancelTaskLocked(task)
	}
}

// handleJobRemoved consumes a terminal notification from the service.
// Removals for jobs we never registered are buffered: they may belong
// to an update whose request round-trip has not finished yet, or to a
// service-internal job we have no interest in.
func (m *Manager) handleJobRemoved(jobPath dbus.ObjectPath, status int32) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.tracker.pruneRemovals(time.Now())

	if _, ok := m.tracker.pendingRemovals[jobPath]; ok {
		log.Debug("job already filed for removal", "job", jobPath)
		return
	}
	task, ok := m.tracker.active[jobPath]
	if !ok {
		log.Debug("no task for removed job, storing for later removal", "job", jobPath)
		m.tracker.pendingRemovals[jobPath] = bufferedRemoval{status: status, filedAt: time.Now()}
		// The job terminated, there is nothing left to cancel.
		m.revokeCancelLocked(jobPath)
		return
	}
	m.applyRemoval(task, status)
}

// applyRemoval terminates a registered job: settles the app's state per
// the reported status, clears the job from all three maps and resolves
// the pending operation. Callers hold m.mu.
func (m *Manager) applyRemoval(task *jobTask, status int32) {
	log.Debug("removing task for job", "job", task.jobPath, "status", status)

	app := task.app
	app.Progress = ProgressUnknown
	if status == 0 {
		if app.isHost() {
			// The host stays visibly ready to apply on reboot
			// rather than reverting to the projection's output.
			app.State = StatePendingInstall
		} else {
			app.State = StateInstalled
		}
	} else {
		if app.isHost() {
			// The projection would say unknown mid-transition, so
			// the host reverts to available explicitly.
			app.State = StateAvailable
		} else {
			app.recoverState()
		}
	}
	m.notifyLocked(app)

	delete(m.tracker.active, task.jobPath)
	delete(m.tracker.pendingRemovals, task.jobPath)
	m.revokeCancelLocked(task.jobPath)

	task.status = status
	if status != 0 {
		task.err = &JobError{Status: status}
	}
	close(task.done)
}

// handleJobProgress applies a progress notification to the app of a
// registered job. Progress for unknown jobs is dropped.
func (m *Manager) handleJobProgress(jobPath dbus.ObjectPath, progress uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.tracker.active[jobPath]
	if !ok {
		return
	}
	task.app.markDownloading()
	task.app.Progress = progress
	m.notifyLocked(task.app)
}

// cancelTaskLocked files a cancellation for a registered job and asks
// the service to abort it. Duplicate requests and requests for jobs
// already terminating are dropped. Callers hold m.mu.
func (m *Manager) cancelTaskLocked(task *jobTask) {
	if _, ok := m.tracker.pendingCancels[task.jobPath]; ok {
		log.Debug("job already filed for cancellation", "job", task.jobPath)
		return
	}
	if _, ok := m.tracker.pendingRemovals[task.jobPath]; ok {
		log.Debug("job already filed for removal", "job", task.jobPath)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.tracker.pendingCancels[task.jobPath] = &pendingCancel{ctx: ctx, cancel: cancel}
	m.issueCancel(ctx, task.jobPath)
}

// issueCancel performs the Cancel round-trip off the lock and clears
// the pending-cancel entry once it settles.
func (m *Manager) issueCancel(ctx context.Context, jobPath dbus.ObjectPath) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		err := m.svc.CancelJob(ctx, jobPath)

		m.mu.Lock()
		if pc, ok := m.tracker.pendingCancels[jobPath]; ok {
			pc.cancel()
			delete(m.tracker.pendingCancels, jobPath)
		}
		m.mu.Unlock()

		if err != nil {
			log.Debug("could not cancel the update job", "job", jobPath, "error", err)
			return
		}
		log.Debug("cancelled update job", "job", jobPath)
	}()
}

// revokeCancelLocked aborts a pending cancellation round-trip, if one
// exists. Callers hold m.mu.
func (m *Manager) revokeCancelLocked(jobPath dbus.ObjectPath) {
	if pc, ok := m.tracker.pendingCancels[jobPath]; ok {
		pc.cancel()
		delete(m.tracker.pendingCancels, jobPath)
	}
}

// failActiveTasks resolves every registered job with the given error.
// Used when the service connection goes away under running jobs.
func (m *Manager) failActiveTasks(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for jobPath, task := range m.tracker.active {
		app := task.app
		app.Progress = ProgressUnknown
		if app.isHost() {
			app.State = StateAvailable
		} else {
			app.recoverState()
		}
		m.notifyLocked(app)

		delete(m.tracker.active, jobPath)
		m.revokeCancelLocked(jobPath)

		task.err = err
		close(task.done)
	}
}
