package sysupdate1

import (
	"encoding/json"

	"github.com/godbus/dbus/v5"
)

// TargetDescriptor is one (class, name, object path) tuple reported by
// Manager.ListTargets. The field order maps to the a(sso) wire type.
type TargetDescriptor struct {
	Class string
	Name  string
	Path  dbus.ObjectPath
}

// UpdateResult is the reply of Target.Update: the resolved version the
// service picked and the handle of the job it spawned. The field order
// maps to the (sto) wire type.
type UpdateResult struct {
	Version string
	JobID   uint64
	JobPath dbus.ObjectPath
}

// Description is the JSON document returned by Target.Describe. The
// format follows what systemd-sysupdated returns for updatectl's
// describe call.
type Description struct {
	Version       string    `json:"version"`
	Newest        bool      `json:"newest"`
	Available     bool      `json:"available"`
	Installed     bool      `json:"installed"`
	Obsolete      bool      `json:"obsolete"`
	Protected     bool      `json:"protected"`
	ChangelogURLs []string  `json:"changelog_urls"`
	Contents      []Content `json:"contents"`
}

// Content is one entry of a description's content listing. Partition
// entries carry ptuuid/ptflags/ro, regular files carry mtime/mode and
// the update try counters; the unused fields are null on the wire.
type Content struct {
	Type      string  `json:"type"`
	Path      string  `json:"path"`
	PTUUID    *string `json:"ptuuid"`
	PTFlags   *uint64 `json:"ptflags"`
	MTime     *int64  `json:"mtime"`
	Mode      *uint32 `json:"mode"`
	TriesDone *uint64 `json:"tries-done"`
	TriesLeft *uint64 `json:"tries-left"`
	ReadOnly  *bool   `json:"ro"`
}

// ContentsListing returns the content entries as indented JSON for
// human-readable descriptions.
func (d *Description) ContentsListing() (string, error) {
	out, err := json.MarshalIndent(d.Contents, "", "  ")
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// ParseDescription parses a Target.Describe reply.
func ParseDescription(doc string) (*Description, error) {
	var d Description
	if err := json.Unmarshal([]byte(doc), &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// Notification is an asynchronous event from the service, delivered on
// the client's notification channel.
type Notification interface {
	notification()
}

// JobRemoved reports a job's terminal status. Status 0 is success; any
// other value is a failure, including user cancellation.
type JobRemoved struct {
	ID     uint64
	Path   dbus.ObjectPath
	Status int32
}

func (JobRemoved) notification() {}

// JobProgress reports a progress change for a running job.
type JobProgress struct {
	Path     dbus.ObjectPath
	Progress uint32
}

func (JobProgress) notification() {}
