package updates

import (
	"context"

	"github.com/godbus/dbus/v5"

	"github.com/breeze-rmm/sysupdate-agent/internal/sysupdate1"
)

// ServiceClient is the slice of the sysupdate service the manager
// consumes. *sysupdate1.Client implements it; tests substitute a fake.
type ServiceClient interface {
	ListTargets(ctx context.Context) ([]sysupdate1.TargetDescriptor, error)
	GetVersion(ctx context.Context, path dbus.ObjectPath) (string, error)
	CheckNew(ctx context.Context, path dbus.ObjectPath) (string, error)
	Describe(ctx context.Context, path dbus.ObjectPath, version string, offline bool) (*sysupdate1.Description, error)
	Update(ctx context.Context, path dbus.ObjectPath, version string) (sysupdate1.UpdateResult, error)
	CancelJob(ctx context.Context, jobPath dbus.ObjectPath) error
	Progress(jobPath dbus.ObjectPath) (uint32, error)
	Notifications() <-chan sysupdate1.Notification
}

// Notifier receives app snapshots whenever an app's observable state
// changes. Implementations must not block; the manager calls it while
// holding its lock.
type Notifier interface {
	AppChanged(info AppInfo)
}
