package updates

import (
	"github.com/godbus/dbus/v5"

	"github.com/breeze-rmm/sysupdate-agent/internal/sysupdate1"
)

const (
	classHost      = "host"
	classComponent = "component"
)

// Target is one update-able unit reported by the service. Version
// fields are filled by the refresh scan, not by reconciliation.
type Target struct {
	Class   string
	Name    string
	Path    dbus.ObjectPath
	Current string
	Latest  string

	// valid is a scratch flag used only during reconciliation.
	valid bool
}

// registry holds the known targets keyed by name. All access is guarded
// by the owning Manager's lock.
type registry struct {
	targets map[string]*Target
}

func newRegistry() *registry {
	return &registry{targets: make(map[string]*Target)}
}

type reconcileStats struct {
	added   int
	updated int
	removed int
}

// reconcile upserts an entry per reported target, overwriting only
// identity fields so a known target keeps its version metadata, and
// drops every target the service no longer reports. It returns the
// names of the dropped targets so their cached apps can be evicted.
func (r *registry) reconcile(reported []sysupdate1.TargetDescriptor) (reconcileStats, []string) {
	var stats reconcileStats

	for _, t := range r.targets {
		t.valid = false
	}
	for _, d := range reported {
		if t, ok := r.targets[d.Name]; ok {
			t.Class = d.Class
			t.Path = d.Path
			t.valid = true
			stats.updated++
			continue
		}
		r.targets[d.Name] = &Target{
			Class: d.Class,
			Name:  d.Name,
			Path:  d.Path,
			valid: true,
		}
		stats.added++
	}

	var removed []string
	for name, t := range r.targets {
		if !t.valid {
			removed = append(removed, name)
			delete(r.targets, name)
			stats.removed++
		}
	}
	return stats, removed
}

func (r *registry) lookup(name string) *Target {
	return r.targets[name]
}

// lookupByApp resolves an app's back-reference to its target.
func (r *registry) lookupByApp(app *App) *Target {
	return r.targets[app.TargetName]
}

// scanOrder returns the targets for a refresh pass. A host target, if
// present, goes first so the other projections can rely on the host app
// being current.
func (r *registry) scanOrder() []*Target {
	order := make([]*Target, 0, len(r.targets))
	for _, t := range r.targets {
		if t.Class == classHost {
			order = append(order, t)
		}
	}
	for _, t := range r.targets {
		if t.Class != classHost {
			order = append(order, t)
		}
	}
	return order
}

func (r *registry) len() int {
	return len(r.targets)
}
