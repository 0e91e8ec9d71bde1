// Package sysupdate1 is a system-bus client for org.freedesktop.sysupdate1,
// the update service exposed by systemd-sysupdated. It wraps the Manager,
// Target and Job interfaces with typed calls and converts the service's
// signals into a notification channel.
package sysupdate1

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/breeze-rmm/sysupdate-agent/internal/logging"
)

var log = logging.L("sysupdate1")

const (
	busName     = "org.freedesktop.sysupdate1"
	managerPath = dbus.ObjectPath("/org/freedesktop/sysupdate1")

	managerInterface = "org.freedesktop.sysupdate1.Manager"
	targetInterface  = "org.freedesktop.sysupdate1.Target"
	jobInterface     = "org.freedesktop.sysupdate1.Job"

	managerListTargetsMethod = managerInterface + ".ListTargets"
	targetGetVersionMethod   = targetInterface + ".GetVersion"
	targetCheckNewMethod     = targetInterface + ".CheckNew"
	targetDescribeMethod     = targetInterface + ".Describe"
	targetUpdateMethod       = targetInterface + ".Update"
	jobCancelMethod          = jobInterface + ".Cancel"
	jobProgressProperty      = jobInterface + ".Progress"

	peerInterface  = "org.freedesktop.DBus.Peer"
	peerPingMethod = peerInterface + ".Ping"

	propertiesInterface     = "org.freedesktop.DBus.Properties"
	jobRemovedSignal        = managerInterface + ".JobRemoved"
	propertiesChangedSignal = propertiesInterface + ".PropertiesChanged"

	dbusDefaultFlag = 0
)

// Per-call deadlines. ListTargets, GetVersion and Describe only read
// local state and should answer quickly. CheckNew talks to the update
// server and gets a generous deadline. Update downloads and deploys in
// a single call, so it runs without a deadline; its lifetime is the
// job's.
const (
	listTargetsTimeout = 1 * time.Second
	getVersionTimeout  = 1 * time.Second
	checkNewTimeout    = 10 * time.Second
	describeTimeout    = 1 * time.Second
	cancelTimeout      = 1 * time.Second
	pingTimeout        = 5 * time.Second
)

const signalBufferSize = 64

// Client is a connection to the sysupdate service on the system bus.
// Method calls are safe for concurrent use; notifications are delivered
// on a single channel until Close.
type Client struct {
	conn    *dbus.Conn
	signals chan *dbus.Signal
	notifs  chan Notification

	closeOnce sync.Once
	done      chan struct{}
}

// Connect opens a private system bus connection, pings the service so
// the bus activates it, and subscribes to its job signals.
func Connect(ctx context.Context) (*Client, error) {
	conn, err := dbus.ConnectSystemBus(dbus.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("connect system bus: %w", err)
	}

	c := &Client{
		conn:    conn,
		signals: make(chan *dbus.Signal, signalBufferSize),
		notifs:  make(chan Notification, signalBufferSize),
		done:    make(chan struct{}),
	}

	if err := c.ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping %s: %w", busName, err)
	}
	if err := c.subscribe(); err != nil {
		conn.Close()
		return nil, err
	}

	conn.Signal(c.signals)
	go c.run()

	log.Debug("connected to sysupdate service", "bus", busName)
	return c, nil
}

// ping round-trips the manager object. The bus starts the service on
// demand, so this both checks availability and triggers activation.
func (c *Client) ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	return c.manager().CallWithContext(ctx, peerPingMethod, dbusDefaultFlag).Store()
}

func (c *Client) subscribe() error {
	if err := c.conn.AddMatchSignal(
		dbus.WithMatchSender(busName),
		dbus.WithMatchInterface(managerInterface),
		dbus.WithMatchMember("JobRemoved"),
	); err != nil {
		return fmt.Errorf("match JobRemoved: %w", err)
	}
	if err := c.conn.AddMatchSignal(
		dbus.WithMatchSender(busName),
		dbus.WithMatchInterface(propertiesInterface),
		dbus.WithMatchMember("PropertiesChanged"),
		dbus.WithMatchArg(0, jobInterface),
	); err != nil {
		return fmt.Errorf("match PropertiesChanged: %w", err)
	}
	return nil
}

func (c *Client) manager() dbus.BusObject {
	return c.conn.Object(busName, managerPath)
}

func (c *Client) object(path dbus.ObjectPath) dbus.BusObject {
	return c.conn.Object(busName, path)
}

// ListTargets enumerates the update targets the service knows about.
func (c *Client) ListTargets(ctx context.Context) ([]TargetDescriptor, error) {
	ctx, cancel := context.WithTimeout(ctx, listTargetsTimeout)
	defer cancel()

	var targets []TargetDescriptor
	err := c.manager().CallWithContext(ctx, managerListTargetsMethod, dbusDefaultFlag).Store(&targets)
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}
	return targets, nil
}

// GetVersion returns the target's installed version, or "" when nothing
// is installed.
func (c *Client) GetVersion(ctx context.Context, path dbus.ObjectPath) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, getVersionTimeout)
	defer cancel()

	var version string
	err := c.object(path).CallWithContext(ctx, targetGetVersionMethod, dbusDefaultFlag).Store(&version)
	if err != nil {
		return "", fmt.Errorf("get version of %s: %w", path, err)
	}
	return version, nil
}

// CheckNew asks the update server for the newest version available for
// the target. It returns "" when no update candidate exists.
func (c *Client) CheckNew(ctx context.Context, path dbus.ObjectPath) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, checkNewTimeout)
	defer cancel()

	var version string
	err := c.object(path).CallWithContext(ctx, targetCheckNewMethod, dbusDefaultFlag).Store(&version)
	if err != nil {
		return "", fmt.Errorf("check new version of %s: %w", path, err)
	}
	return version, nil
}

// Describe fetches and parses the target's description of a version.
// With offline set the service only inspects what is installed locally.
func (c *Client) Describe(ctx context.Context, path dbus.ObjectPath, version string, offline bool) (*Description, error) {
	ctx, cancel := context.WithTimeout(ctx, describeTimeout)
	defer cancel()

	var doc string
	err := c.object(path).CallWithContext(ctx, targetDescribeMethod, dbusDefaultFlag, version, offline).Store(&doc)
	if err != nil {
		return nil, fmt.Errorf("describe %s version %q: %w", path, version, err)
	}
	desc, err := ParseDescription(doc)
	if err != nil {
		return nil, fmt.Errorf("parse description of %s: %w", path, err)
	}
	return desc, nil
}

// Update starts an update job for the target. An empty version asks the
// service to install the latest. The call deliberately ignores caller
// cancellation: it must return the job handle so that a cancellation
// can go through Job.Cancel instead of abandoning a running job.
func (c *Client) Update(ctx context.Context, path dbus.ObjectPath, version string) (UpdateResult, error) {
	_ = ctx

	var res UpdateResult
	err := c.object(path).Call(targetUpdateMethod, dbusDefaultFlag, version).Store(&res.Version, &res.JobID, &res.JobPath)
	if err != nil {
		return UpdateResult{}, fmt.Errorf("update %s: %w", path, err)
	}
	return res, nil
}

// CancelJob asks the service to abort a running job. The job still
// terminates through its JobRemoved signal.
func (c *Client) CancelJob(ctx context.Context, jobPath dbus.ObjectPath) error {
	ctx, cancel := context.WithTimeout(ctx, cancelTimeout)
	defer cancel()

	err := c.object(jobPath).CallWithContext(ctx, jobCancelMethod, dbusDefaultFlag).Store()
	if err != nil {
		return fmt.Errorf("cancel job %s: %w", jobPath, err)
	}
	return nil
}

// Progress reads the job's current progress percentage.
func (c *Client) Progress(jobPath dbus.ObjectPath) (uint32, error) {
	variant, err := c.object(jobPath).GetProperty(jobProgressProperty)
	if err != nil {
		return 0, fmt.Errorf("get progress of %s: %w", jobPath, err)
	}
	progress, ok := variant.Value().(uint32)
	if !ok {
		return 0, fmt.Errorf("progress of %s: unexpected type %T", jobPath, variant.Value())
	}
	return progress, nil
}

// Notifications returns the channel job signals are delivered on. The
// channel is closed when the client shuts down.
func (c *Client) Notifications() <-chan Notification {
	return c.notifs
}

// run translates raw bus signals into notifications until the
// connection or the client is closed.
func (c *Client) run() {
	defer close(c.notifs)
	for {
		select {
		case sig, ok := <-c.signals:
			if !ok {
				return
			}
			n := translateSignal(sig)
			if n == nil {
				continue
			}
			select {
			case c.notifs <- n:
			case <-c.done:
				return
			}
		case <-c.done:
			return
		}
	}
}

// translateSignal maps a bus signal onto a notification, or nil for
// signals the client does not care about.
func translateSignal(sig *dbus.Signal) Notification {
	if sig == nil {
		return nil
	}
	switch sig.Name {
	case jobRemovedSignal:
		if len(sig.Body) != 3 {
			log.Debug("malformed JobRemoved signal", "args", len(sig.Body))
			return nil
		}
		id, ok0 := sig.Body[0].(uint64)
		path, ok1 := sig.Body[1].(dbus.ObjectPath)
		status, ok2 := sig.Body[2].(int32)
		if !ok0 || !ok1 || !ok2 {
			log.Debug("malformed JobRemoved signal", "body", fmt.Sprintf("%v", sig.Body))
			return nil
		}
		return JobRemoved{ID: id, Path: path, Status: status}

	case propertiesChangedSignal:
		if len(sig.Body) < 2 {
			return nil
		}
		iface, ok := sig.Body[0].(string)
		if !ok || iface != jobInterface {
			return nil
		}
		changed, ok := sig.Body[1].(map[string]dbus.Variant)
		if !ok {
			return nil
		}
		variant, ok := changed["Progress"]
		if !ok {
			return nil
		}
		progress, ok := variant.Value().(uint32)
		if !ok {
			return nil
		}
		return JobProgress{Path: sig.Path, Progress: progress}
	}
	return nil
}

// Close tears down the signal subscription and the bus connection.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.RemoveSignal(c.signals)
		err = c.conn.Close()
	})
	return err
}
