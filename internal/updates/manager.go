// Package updates is the orchestration core of the agent: it discovers
// the update targets the sysupdate service exposes, projects them into
// caller-visible app records, and drives update jobs to completion
// while absorbing the races between requests and the service's
// asynchronous notifications.
package updates

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/breeze-rmm/sysupdate-agent/internal/config"
	"github.com/breeze-rmm/sysupdate-agent/internal/hostinfo"
	"github.com/breeze-rmm/sysupdate-agent/internal/logging"
	"github.com/breeze-rmm/sysupdate-agent/internal/sysupdate1"
)

var log = logging.L("updates")

const (
	appIDPrefix = "sysupdate."

	hostAppSummary      = "Operating system upgrade"
	componentAppSummary = "System component update"
)

// runningBatch is the one update batch allowed at a time. Cancelling it
// cancels the batch's context, which the driver loop translates into a
// job cancellation for whichever job is running.
type runningBatch struct {
	apps   map[string]*App
	cancel context.CancelFunc
}

// Manager owns the target registry, the app projection cache and the
// job tracker. It is created at startup, torn down at shutdown, and
// safe for concurrent use.
type Manager struct {
	svc      ServiceClient
	host     hostinfo.Info
	runLast  map[string]bool
	notifier Notifier

	mu          sync.Mutex
	registry    *registry
	apps        map[string]*App
	tracker     *jobTracker
	batch       *runningBatch
	refreshing  bool
	lastRefresh time.Time

	wg sync.WaitGroup
}

// New builds a manager over the given service client. The host info
// feeds the host app's display name and fallback version.
func New(cfg *config.Config, svc ServiceClient, host hostinfo.Info) *Manager {
	runLast := make(map[string]bool, len(cfg.UpdateRunLast))
	for _, name := range cfg.UpdateRunLast {
		runLast[name] = true
	}
	return &Manager{
		svc:      svc,
		host:     host,
		runLast:  runLast,
		registry: newRegistry(),
		apps:     make(map[string]*App),
		tracker:  newJobTracker(),
	}
}

// OnAppChanged registers the sink for app change events. Must be called
// before Start.
func (m *Manager) OnAppChanged(n Notifier) {
	m.notifier = n
}

// Start launches the dispatcher consuming the service's notifications.
func (m *Manager) Start() {
	m.wg.Add(1)
	go m.dispatch()
}

func (m *Manager) dispatch() {
	defer m.wg.Done()
	for n := range m.svc.Notifications() {
		switch v := n.(type) {
		case sysupdate1.JobRemoved:
			m.handleJobRemoved(v.Path, v.Status)
		case sysupdate1.JobProgress:
			m.handleJobProgress(v.Path, v.Progress)
		}
	}
	m.failActiveTasks(errors.New("update service connection closed"))
}

// Close waits for the dispatcher and in-flight cancellations to settle.
// The service client must be closed first so the notification channel
// drains.
func (m *Manager) Close() {
	m.wg.Wait()
}

func (m *Manager) notifyLocked(app *App) {
	if m.notifier != nil {
		m.notifier.AppChanged(app.snapshot())
	}
}

func (m *Manager) appByIDLocked(id string) *App {
	for _, app := range m.apps {
		if app.ID == id {
			return app
		}
	}
	return nil
}

// RefreshMetadata re-derives all targets' version metadata from the
// service. A refresh already in progress, or a cache younger than
// maxAge, turns the call into a no-op success; maxAge zero forces a
// scan. Any lookup failing aborts the whole scan.
func (m *Manager) RefreshMetadata(ctx context.Context, maxAge time.Duration) error {
	m.mu.Lock()
	if m.refreshing || (maxAge > 0 && !m.lastRefresh.IsZero() && time.Since(m.lastRefresh) < maxAge) {
		age := time.Since(m.lastRefresh)
		m.mu.Unlock()
		log.Debug("metadata cache still fresh", "age_s", int(age.Seconds()))
		return nil
	}
	m.refreshing = true
	m.lastRefresh = time.Now()
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.refreshing = false
		m.mu.Unlock()
	}()

	targets, err := m.svc.ListTargets(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	stats, removed := m.registry.reconcile(targets)
	for _, name := range removed {
		delete(m.apps, name)
	}
	order := m.registry.scanOrder()
	m.mu.Unlock()
	log.Debug("reconciled update targets",
		"added", stats.added, "updated", stats.updated, "removed", stats.removed)

	for _, t := range order {
		current, err := m.svc.GetVersion(ctx, t.Path)
		if err != nil {
			return err
		}
		latest, err := m.svc.CheckNew(ctx, t.Path)
		if err != nil {
			return err
		}
		m.mu.Lock()
		t.Current = current
		t.Latest = latest
		m.projectLocked(t)
		m.mu.Unlock()
	}

	log.Info("metadata refresh finished", "targets", len(order))
	return nil
}

// getOrCreateAppLocked returns the cached app for a target, creating it
// on first reference. Targets of an unsupported class have no app.
func (m *Manager) getOrCreateAppLocked(t *Target) *App {
	if app, ok := m.apps[t.Name]; ok {
		return app
	}

	var name, summary string
	switch t.Class {
	case classHost:
		name = m.host.OSName
		summary = hostAppSummary
	case classComponent:
		name = "component-" + t.Name
		summary = componentAppSummary
	default:
		log.Debug("unsupported target class", "class", t.Class, "target", t.Name)
		return nil
	}

	app := &App{
		ID:         appIDPrefix + t.Name,
		Name:       name,
		Summary:    summary,
		Version:    "unknown",
		TargetName: t.Name,
		Class:      t.Class,
		State:      StateUnknown,
		savedState: StateUnknown,
		Progress:   ProgressUnknown,
	}
	m.apps[t.Name] = app
	return app
}

// projectLocked recomputes an app's version and state from its target.
// While a job runs for the target the job-driven state wins and the
// projection is skipped.
func (m *Manager) projectLocked(t *Target) {
	app := m.getOrCreateAppLocked(t)
	if app == nil {
		return
	}
	if m.tracker.activeForTarget(t.Path) != nil {
		log.Debug("skipping projection while a job is running", "target", t.Name)
		return
	}

	switch t.Class {
	case classHost:
		if t.Latest != "" {
			app.Version = t.Latest
			app.State = StateAvailable
		} else {
			app.Version = m.host.OSVersion
			app.State = StateUnknown
		}
	case classComponent:
		switch {
		case t.Latest != "" && t.Current != "":
			app.Version = t.Latest
			app.State = StateUpdatable
		case t.Latest != "":
			app.Version = t.Latest
			app.State = StateAvailable
		case t.Current != "":
			app.Version = t.Current
			app.State = StateInstalled
		default:
			app.Version = ""
			app.State = StateUnknown
		}
	}
	m.notifyLocked(app)
}

// UpdateOptions mirrors the split the service does not support: the
// download and apply steps are one operation, so asking for either half
// alone fails and asking for neither is a no-op.
type UpdateOptions struct {
	NoDownload bool
	NoApply    bool
}

// UpdateApps runs one update job per eligible app, strictly one at a
// time. Apps whose target is on the run-last list go to the back of the
// queue. One job failing abandons the remaining queue without failing
// the batch; the failure stays visible through that app's state.
// Cancellation and a desynchronized registry do fail the batch.
func (m *Manager) UpdateApps(ctx context.Context, ids []string, opts UpdateOptions) error {
	if opts.NoDownload && opts.NoApply {
		return nil
	}
	if opts.NoDownload {
		return errors.New("the update service cannot apply an update without downloading it")
	}
	if opts.NoApply {
		return errors.New("the update service cannot download an update without applying it")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	m.mu.Lock()
	if m.batch != nil {
		m.mu.Unlock()
		return ErrUpdateInProgress
	}
	var queue []*App
	for _, id := range ids {
		app := m.appByIDLocked(id)
		if app == nil {
			m.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrUnknownApp, id)
		}
		if !app.State.eligibleForUpdate() {
			continue
		}
		if m.runLast[app.TargetName] {
			queue = append(queue, app)
		} else {
			queue = append([]*App{app}, queue...)
		}
	}
	if len(queue) == 0 {
		m.mu.Unlock()
		return nil
	}
	batch := &runningBatch{apps: make(map[string]*App, len(queue)), cancel: cancel}
	for _, app := range queue {
		batch.apps[app.ID] = app
	}
	m.batch = batch
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.batch = nil
		m.mu.Unlock()
	}()

	for _, app := range queue {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("update batch interrupted: %w", err)
		}
		err := m.updateApp(ctx, app)
		if err == nil {
			continue
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		if errors.Is(err, ErrNoTarget) {
			return err
		}
		log.Warn("update failed, abandoning remaining updates", "app", app.ID, "error", err)
		return nil
	}
	return nil
}

// InstallApps installs not-yet-installed apps. The service makes no
// distinction between installing and updating a target.
func (m *Manager) InstallApps(ctx context.Context, ids []string, opts UpdateOptions) error {
	return m.UpdateApps(ctx, ids, opts)
}

// updateApp drives one job: request the update, register the job once
// the service acknowledges it, then wait for its terminal notification.
// The update request itself is deliberately not cancellable, so the job
// path is always obtained and a cancellation can go through the
// service instead of abandoning a running job.
func (m *Manager) updateApp(ctx context.Context, app *App) error {
	m.mu.Lock()
	target := m.registry.lookupByApp(app)
	if target == nil {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNoTarget, app.Name)
	}
	targetPath := target.Path
	targetName := target.Name
	m.mu.Unlock()

	log.Info("requesting update", "app", app.ID, "target", targetName)
	res, err := m.svc.Update(ctx, targetPath, "")
	if err != nil {
		return fmt.Errorf("request update for %s: %w", app.ID, err)
	}

	logger := logging.WithJob(log, string(res.JobPath), targetName)
	logger.Info("update job started", "id", res.JobID, "version", res.Version)

	progress, err := m.svc.Progress(res.JobPath)
	if err != nil {
		logger.Debug("initial job progress unavailable", "error", err)
		progress = ProgressUnknown
	}

	task := &jobTask{
		app:        app,
		targetPath: targetPath,
		jobPath:    res.JobPath,
		done:       make(chan struct{}),
	}

	m.mu.Lock()
	m.registerJob(task, progress, ctx.Err() != nil)
	m.mu.Unlock()

	select {
	case <-task.done:
	case <-ctx.Done():
		m.cancelAppJob(app)
		<-task.done
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("update of %s interrupted: %w", app.ID, err)
	}
	if task.err != nil {
		return task.err
	}
	logger.Info("update job finished", "app", app.ID)
	return nil
}

// cancelAppJob asks the service to abort the running job of an app's
// target. Without a matching target or running job this is a no-op.
func (m *Manager) cancelAppJob(app *App) {
	m.mu.Lock()
	defer m.mu.Unlock()

	target := m.registry.lookupByApp(app)
	if target == nil {
		log.Debug("could not cancel the update: no target found", "app", app.ID)
		return
	}
	task := m.tracker.activeForTarget(target.Path)
	if task == nil {
		log.Debug("could not cancel the update: no job found for target", "target", target.Name)
		return
	}
	m.cancelTaskLocked(task)
}

// CancelUpdate cancels the running batch if it contains the given app.
// The batch's driver translates the cancellation into a job abort for
// whichever job is in flight, even when the job path is not yet known.
func (m *Manager) CancelUpdate(id string) error {
	m.mu.Lock()
	app := m.appByIDLocked(id)
	if app == nil {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownApp, id)
	}
	batch := m.batch
	m.mu.Unlock()

	if batch != nil {
		if _, ok := batch.apps[id]; ok {
			log.Info("cancelling update batch", "app", id)
			batch.cancel()
			return nil
		}
	}
	log.Debug("no update in progress for app", "app", id)
	return nil
}

// DownloadUpgrade marks an available host upgrade ready to trigger. The
// service merges download and apply into one operation, so nothing is
// transferred here; TriggerUpgrade does the real work.
func (m *Manager) DownloadUpgrade(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	app := m.appByIDLocked(id)
	if app == nil {
		return fmt.Errorf("%w: %s", ErrUnknownApp, id)
	}
	if !app.isHost() {
		log.Debug("download requested for a non-upgrade app", "app", id)
		return nil
	}
	if app.State == StateAvailable {
		app.State = StateUpdatable
		m.notifyLocked(app)
	}
	return nil
}

// TriggerUpgrade starts the update job for a downloaded host upgrade.
func (m *Manager) TriggerUpgrade(ctx context.Context, id string) error {
	return m.UpdateApps(ctx, []string{id}, UpdateOptions{})
}

// Refine fills the named apps' descriptions from the service. A missing
// target aborts the call; a failing describe only leaves that app's
// description empty.
func (m *Manager) Refine(ctx context.Context, ids []string) ([]AppInfo, error) {
	type item struct {
		app     *App
		path    dbus.ObjectPath
		name    string
		version string
	}

	m.mu.Lock()
	items := make([]item, 0, len(ids))
	for _, id := range ids {
		app := m.appByIDLocked(id)
		if app == nil {
			m.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrUnknownApp, id)
		}
		target := m.registry.lookupByApp(app)
		if target == nil {
			m.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrNoTarget, app.Name)
		}
		version := target.Latest
		if version == "" {
			version = target.Current
		}
		items = append(items, item{app: app, path: target.Path, name: target.Name, version: version})
	}
	m.mu.Unlock()

	for _, it := range items {
		desc, err := m.svc.Describe(ctx, it.path, it.version, false)
		if err != nil {
			log.Debug("describe failed, ignoring", "target", it.name, "error", err)
			continue
		}
		listing, err := desc.ContentsListing()
		if err != nil {
			log.Debug("could not render description contents", "target", it.name, "error", err)
			continue
		}
		m.mu.Lock()
		it.app.Description = listing
		m.mu.Unlock()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	infos := make([]AppInfo, 0, len(items))
	for _, it := range items {
		infos = append(infos, it.app.snapshot())
	}
	return infos, nil
}

// StatusInfo is the agent-level summary served to status queries.
type StatusInfo struct {
	Host        hostinfo.Info `json:"host"`
	Targets     int           `json:"targets"`
	ActiveJobs  int           `json:"active_jobs"`
	Refreshing  bool          `json:"refreshing"`
	LastRefresh time.Time     `json:"last_refresh"`
	Apps        []AppInfo     `json:"apps"`
}

// Status snapshots the manager's state. Apps are sorted by id.
func (m *Manager) Status() StatusInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	apps := make([]AppInfo, 0, len(m.apps))
	for _, app := range m.apps {
		apps = append(apps, app.snapshot())
	}
	sort.Slice(apps, func(i, j int) bool { return apps[i].ID < apps[j].ID })

	return StatusInfo{
		Host:        m.host,
		Targets:     m.registry.len(),
		ActiveJobs:  len(m.tracker.active),
		Refreshing:  m.refreshing,
		LastRefresh: m.lastRefresh,
		Apps:        apps,
	}
}
