package ipc

import (
	"encoding/json"

	"github.com/breeze-rmm/sysupdate-agent/internal/updates"
)

// Message types for the control socket. Responses echo the request's
// type and ID, with the envelope's Error field set on failure.
const (
	TypeAuthRequest  = "auth_request"
	TypeAuthResponse = "auth_response"
	TypePing         = "ping"
	TypePong         = "pong"

	TypeStatus   = "status"
	TypeRefresh  = "refresh"
	TypeList     = "list"
	TypeUpgrades = "upgrades"
	TypeDescribe = "describe"
	TypeUpdate   = "update"
	TypeCancel   = "cancel"
)

// MaxMessageSize is the maximum size of a JSON IPC message (1MB).
const MaxMessageSize = 1 * 1024 * 1024

// ProtocolVersion is the current IPC protocol version.
const ProtocolVersion = 1

// Envelope is the wire-format wrapper for all IPC messages. Payload
// must round-trip exactly as signed, so a nil payload is omitted
// rather than encoded as null (the receiver would see the literal
// bytes "null" and recompute a different HMAC).
type Envelope struct {
	ID      string          `json:"id"`
	Seq     uint64          `json:"seq"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
	HMAC    string          `json:"hmac"`
}

// AuthRequest is sent by a control client right after connecting. The
// claimed UID is cross-checked against the kernel's socket credentials.
type AuthRequest struct {
	ProtocolVersion int    `json:"protocolVersion"`
	UID             uint32 `json:"uid"`
	Username        string `json:"username"`
	PID             int    `json:"pid"`
}

// AuthResponse carries the session key for HMAC signing and the set of
// operations the peer may invoke.
type AuthResponse struct {
	Accepted   bool     `json:"accepted"`
	SessionKey string   `json:"sessionKey,omitempty"`
	Scopes     []string `json:"scopes,omitempty"`
	Reason     string   `json:"reason,omitempty"`
}

// RefreshRequest asks the daemon to re-derive target metadata. A zero
// MaxAgeSeconds forces a scan regardless of cache age.
type RefreshRequest struct {
	MaxAgeSeconds int `json:"maxAgeSeconds"`
}

// ListRequest filters the app records by exactly one criterion.
type ListRequest struct {
	Query updates.Query `json:"query"`
}

// DescribeRequest asks for refined records including content listings.
type DescribeRequest struct {
	IDs []string `json:"ids"`
}

// UpdateRequest starts an update batch for the named apps.
type UpdateRequest struct {
	IDs        []string `json:"ids"`
	NoDownload bool     `json:"noDownload,omitempty"`
	NoApply    bool     `json:"noApply,omitempty"`
}

// CancelRequest aborts the running update batch if it contains the app.
type CancelRequest struct {
	ID string `json:"id"`
}

// StatusResponse is the daemon's full state snapshot, combining the
// update manager's view with daemon-level health.
type StatusResponse struct {
	Version       string             `json:"version,omitempty"`
	UptimeSeconds int64              `json:"uptimeSeconds,omitempty"`
	Health        map[string]any     `json:"health,omitempty"`
	Status        updates.StatusInfo `json:"status"`
}

// AppsResponse answers list, upgrades and describe requests.
type AppsResponse struct {
	Apps []updates.AppInfo `json:"apps"`
}
