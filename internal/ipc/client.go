package ipc

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"os/user"
	"sync/atomic"
	"time"

	"github.com/breeze-rmm/sysupdate-agent/internal/updates"
)

const dialTimeout = 5 * time.Second

// Per-operation response deadlines. Update waits indefinitely: the
// daemon replies only when the whole batch has settled.
const (
	quickOpTimeout  = 10 * time.Second
	describeTimeout = 45 * time.Second
	refreshOpWait   = refreshTimeout + 10*time.Second
)

// Client is the control-socket side used by the command line. It issues
// one request at a time.
type Client struct {
	conn   *Conn
	scopes []string
	reqSeq atomic.Uint64
}

// Dial connects to the daemon's control socket and authenticates.
func Dial(socketPath string) (*Client, error) {
	raw, err := net.DialTimeout("unix", socketPath, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("ipc: dial %s: %w", socketPath, err)
	}

	c := &Client{conn: NewConn(raw)}
	if err := c.authenticate(); err != nil {
		c.conn.Close()
		return nil, err
	}
	return c, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Scopes returns the operations the daemon granted this client.
func (c *Client) Scopes() []string {
	return c.scopes
}

func (c *Client) authenticate() error {
	username := ""
	if cu, err := user.Current(); err == nil {
		username = cu.Username
	}

	req := AuthRequest{
		ProtocolVersion: ProtocolVersion,
		UID:             uint32(os.Getuid()),
		Username:        username,
		PID:             os.Getpid(),
	}
	if err := c.conn.SendTyped("auth", TypeAuthRequest, req); err != nil {
		return fmt.Errorf("ipc: send auth request: %w", err)
	}

	c.conn.SetReadDeadline(time.Now().Add(dialTimeout))
	env, err := c.conn.Recv()
	if err != nil {
		return fmt.Errorf("ipc: recv auth response: %w", err)
	}
	if env.Type != TypeAuthResponse {
		return fmt.Errorf("ipc: expected auth_response, got %s", env.Type)
	}

	var resp AuthResponse
	if err := json.Unmarshal(env.Payload, &resp); err != nil {
		return fmt.Errorf("ipc: unmarshal auth response: %w", err)
	}
	if !resp.Accepted {
		return fmt.Errorf("ipc: auth rejected: %s", resp.Reason)
	}

	key, err := hex.DecodeString(resp.SessionKey)
	if err != nil {
		return fmt.Errorf("ipc: decode session key: %w", err)
	}
	c.conn.SetSessionKey(key)
	c.scopes = resp.Scopes
	return nil
}

// roundTrip sends one request and waits for its response. A zero
// timeout waits indefinitely.
func (c *Client) roundTrip(msgType string, payload, out any, timeout time.Duration) error {
	id := fmt.Sprintf("req-%d", c.reqSeq.Add(1))
	if err := c.conn.SendTyped(id, msgType, payload); err != nil {
		return err
	}

	if timeout > 0 {
		c.conn.SetReadDeadline(time.Now().Add(timeout))
	} else {
		c.conn.SetReadDeadline(time.Time{})
	}

	for {
		env, err := c.conn.Recv()
		if err != nil {
			if isTimeout(err) {
				return fmt.Errorf("ipc: timed out waiting for %s response", msgType)
			}
			return err
		}
		if env.ID != id {
			// Stale response from an earlier timed-out request.
			continue
		}
		if env.Error != "" {
			return errors.New(env.Error)
		}
		if out != nil {
			if err := json.Unmarshal(env.Payload, out); err != nil {
				return fmt.Errorf("ipc: unmarshal %s response: %w", msgType, err)
			}
		}
		return nil
	}
}

// Ping checks that the daemon is responsive.
func (c *Client) Ping() error {
	return c.roundTrip(TypePing, nil, nil, quickOpTimeout)
}

// Status fetches the daemon's state snapshot.
func (c *Client) Status() (*StatusResponse, error) {
	var resp StatusResponse
	if err := c.roundTrip(TypeStatus, nil, &resp, quickOpTimeout); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Refresh asks the daemon to re-derive target metadata. A zero maxAge
// forces a scan.
func (c *Client) Refresh(maxAge time.Duration) error {
	req := RefreshRequest{MaxAgeSeconds: int(maxAge.Seconds())}
	return c.roundTrip(TypeRefresh, req, nil, refreshOpWait)
}

// ListApps runs one app query against the daemon.
func (c *Client) ListApps(q updates.Query) ([]updates.AppInfo, error) {
	var resp AppsResponse
	if err := c.roundTrip(TypeList, ListRequest{Query: q}, &resp, quickOpTimeout); err != nil {
		return nil, err
	}
	return resp.Apps, nil
}

// ListUpgrades lists available operating system upgrades.
func (c *Client) ListUpgrades() ([]updates.AppInfo, error) {
	var resp AppsResponse
	if err := c.roundTrip(TypeUpgrades, nil, &resp, quickOpTimeout); err != nil {
		return nil, err
	}
	return resp.Apps, nil
}

// Describe fetches refined records with content listings.
func (c *Client) Describe(ids []string) ([]updates.AppInfo, error) {
	var resp AppsResponse
	if err := c.roundTrip(TypeDescribe, DescribeRequest{IDs: ids}, &resp, describeTimeout); err != nil {
		return nil, err
	}
	return resp.Apps, nil
}

// Update runs an update batch and blocks until it settles.
func (c *Client) Update(ids []string, noDownload, noApply bool) error {
	req := UpdateRequest{IDs: ids, NoDownload: noDownload, NoApply: noApply}
	return c.roundTrip(TypeUpdate, req, nil, 0)
}

// Cancel aborts the running update batch if it contains the app.
func (c *Client) Cancel(id string) error {
	return c.roundTrip(TypeCancel, CancelRequest{ID: id}, nil, quickOpTimeout)
}

func isTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}
