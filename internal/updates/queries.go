package updates

import (
	"fmt"
	"slices"
	"sort"
)

// searchKeyword always matches the apps of this package, whatever their
// target is called.
const searchKeyword = "sysupdate"

// Query selects apps for listing. Exactly one of Installed, ForUpdate
// or Keywords must be set.
type Query struct {
	Installed *bool    `json:"installed,omitempty"`
	ForUpdate *bool    `json:"for_update,omitempty"`
	Keywords  []string `json:"keywords,omitempty"`
}

// InstalledQuery selects apps by whether a version is installed.
func InstalledQuery(installed bool) Query {
	v := installed
	return Query{Installed: &v}
}

// ForUpdateQuery selects the apps reported as updates.
func ForUpdateQuery() Query {
	v := true
	return Query{ForUpdate: &v}
}

// KeywordQuery selects apps matching any of the given keywords.
func KeywordQuery(keywords ...string) Query {
	return Query{Keywords: keywords}
}

func (q Query) fieldsSet() int {
	n := 0
	if q.Installed != nil {
		n++
	}
	if q.ForUpdate != nil {
		n++
	}
	if len(q.Keywords) > 0 {
		n++
	}
	return n
}

// ListApps returns the component apps matching the query, sorted by id.
// The host never appears here; it is served by ListDistroUpgrades.
// Apps without any version information are not listed.
func (m *Manager) ListApps(q Query) ([]AppInfo, error) {
	if q.fieldsSet() != 1 {
		return nil, fmt.Errorf("%w: exactly one of installed, for-update or keywords must be set", ErrUnsupportedQuery)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var infos []AppInfo
	for _, target := range m.registry.targets {
		app := m.getOrCreateAppLocked(target)
		if app == nil {
			continue
		}
		if target.Class == classHost {
			continue
		}
		if app.State == StateUnknown {
			continue
		}

		switch {
		case len(q.Keywords) > 0:
			if slices.Contains(q.Keywords, searchKeyword) ||
				slices.Contains(q.Keywords, target.Class) ||
				slices.Contains(q.Keywords, target.Name) {
				infos = append(infos, app.snapshot())
			}
		case q.ForUpdate != nil:
			if *q.ForUpdate {
				infos = append(infos, app.snapshot())
			}
		case q.Installed != nil:
			installed := target.Current != ""
			if installed == *q.Installed {
				infos = append(infos, app.snapshot())
			}
		}
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos, nil
}

// ListDistroUpgrades returns the host app, and only when an upgrade is
// actually available.
func (m *Manager) ListDistroUpgrades() []AppInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	var infos []AppInfo
	for _, target := range m.registry.targets {
		if target.Class != classHost {
			continue
		}
		if target.Latest == "" {
			continue
		}
		app := m.getOrCreateAppLocked(target)
		if app == nil {
			continue
		}
		infos = append(infos, app.snapshot())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}
