package updates

// AppState is the lifecycle state of an app record. Outside of a
// running job the state is a pure function of the owning target's
// version fields; while a job runs the tracker drives it.
type AppState int

const (
	StateUnknown AppState = iota
	StateAvailable
	StateUpdatable
	StateInstalled
	StateDownloading
	StatePendingInstall
)

func (s AppState) String() string {
	switch s {
	case StateAvailable:
		return "available"
	case StateUpdatable:
		return "updatable"
	case StateInstalled:
		return "installed"
	case StateDownloading:
		return "downloading"
	case StatePendingInstall:
		return "pending-install"
	default:
		return "unknown"
	}
}

// eligibleForUpdate reports whether an update job may be started for an
// app in this state.
func (s AppState) eligibleForUpdate() bool {
	return s == StateAvailable || s == StateUpdatable
}

// ProgressUnknown is the progress value used outside of a running job.
const ProgressUnknown = ^uint32(0)

// App is the caller-visible record derived from one target. All fields
// are guarded by the owning Manager's lock.
type App struct {
	ID      string
	Name    string
	Summary string
	Version string

	// TargetName and Class tie the app back to its registry entry.
	TargetName string
	Class      string

	State    AppState
	Progress uint32

	// Description is filled on demand by Refine.
	Description string

	// savedState is the last non-transient state, restored when a
	// failed job ends the downloading phase.
	savedState AppState
}

func (a *App) isHost() bool {
	return a.Class == classHost
}

// markDownloading enters the job-driven transient state, remembering
// the state to recover to if the job fails.
func (a *App) markDownloading() {
	if a.State != StateDownloading {
		a.savedState = a.State
	}
	a.State = StateDownloading
}

// recoverState restores the state held before the job began.
func (a *App) recoverState() {
	a.State = a.savedState
}

// AppInfo is an immutable snapshot of an App, safe to hand to other
// goroutines and to serialize.
type AppInfo struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Summary     string  `json:"summary"`
	Version     string  `json:"version"`
	Target      string  `json:"target"`
	Class       string  `json:"class"`
	State       string  `json:"state"`
	Progress    *uint32 `json:"progress,omitempty"`
	Description string  `json:"description,omitempty"`
}

func (a *App) snapshot() AppInfo {
	info := AppInfo{
		ID:          a.ID,
		Name:        a.Name,
		Summary:     a.Summary,
		Version:     a.Version,
		Target:      a.TargetName,
		Class:       a.Class,
		State:       a.State.String(),
		Description: a.Description,
	}
	if a.Progress != ProgressUnknown {
		p := a.Progress
		info.Progress = &p
	}
	return info
}
