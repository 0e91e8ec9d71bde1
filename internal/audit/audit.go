// Package audit writes a tamper-evident record of security-relevant
// agent activity. Entries form a SHA-256 hash chain: each one carries
// the hash of its predecessor, so removing or editing a line is
// detectable by re-walking the file.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/breeze-rmm/sysupdate-agent/internal/config"
	"github.com/breeze-rmm/sysupdate-agent/internal/logging"
)

var log = logging.L("audit")

// Event types for audit logging.
const (
	EventAgentStart      = "agent_start"
	EventAgentStop       = "agent_stop"
	EventClientConnected = "client_connected"
	EventUpdateRequested = "update_requested"
	EventUpdateFinished  = "update_finished"
	EventUpdateCancelled = "update_cancelled"
	EventConfigChange    = "config_change"
	EventLogRotated      = "log_rotated"
)

// criticalEvents are fsynced after writing so they survive a crash.
var criticalEvents = map[string]bool{
	EventUpdateRequested: true,
	EventUpdateCancelled: true,
	EventAgentStart:      true,
	EventAgentStop:       true,
	EventConfigChange:    true,
}

// chainAnchor is the prevHash of the very first entry ever written.
const chainAnchor = "genesis"

// Entry is one audit record as serialized to the JSONL file.
type Entry struct {
	Timestamp string         `json:"timestamp"`
	EventType string         `json:"eventType"`
	RequestID string         `json:"requestId,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	PrevHash  string         `json:"prevHash"`
	EntryHash string         `json:"entryHash"`
}

// Logger appends hash-chained entries to {dataDir}/audit.jsonl and
// rolls the file over at a size limit. The first entry of a fresh file
// after rollover is an EventLogRotated sentinel whose prevHash is the
// last entry of the renamed file, so the chain spans file boundaries.
type Logger struct {
	mu      sync.Mutex
	file    *os.File
	path    string
	limit   int64
	backups int
	size    int64

	// head is the hash the next entry must link to. It advances only
	// after a successful write: a dropped entry leaves the next one
	// linking to the same predecessor, keeping the chain verifiable.
	head string

	dropped atomic.Int64
}

// NewLogger opens the audit log under the configured data directory.
func NewLogger(cfg *config.Config) (*Logger, error) {
	dataDir := cfg.GetDataDir()
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("create audit data dir: %w", err)
	}

	limitMB := cfg.AuditMaxSizeMB
	if limitMB <= 0 {
		limitMB = 50
	}
	backups := cfg.AuditMaxBackups
	if backups <= 0 {
		backups = 3
	}

	l := &Logger{
		path:    filepath.Join(dataDir, "audit.jsonl"),
		limit:   int64(limitMB) * 1024 * 1024,
		backups: backups,
		head:    chainAnchor,
	}
	if err := l.open(); err != nil {
		return nil, err
	}

	log.Info("audit logger started", "path", l.path)
	return l, nil
}

// Log records one audit entry. Failures are counted, not returned; an
// agent must not refuse an update because its audit disk filled up.
// Safe to call on a nil receiver.
func (l *Logger) Log(eventType string, requestID string, details map[string]any) {
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.size >= l.limit {
		if err := l.rotate(); err != nil {
			log.Error("audit log rotation failed", "error", err, "eventType", eventType)
			l.dropped.Add(1)
			return
		}
	}

	if err := l.append(eventType, requestID, details); err != nil {
		log.Error("audit entry dropped", "error", err, "eventType", eventType)
		l.dropped.Add(1)
		return
	}

	if criticalEvents[eventType] {
		if err := l.file.Sync(); err != nil {
			log.Error("audit fsync failed", "error", err, "eventType", eventType)
		}
	}
}

// Close closes the audit log file. Safe to call on a nil receiver.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// DroppedCount returns how many entries failed to write, or -1 on a
// nil receiver so callers can tell "no logger" from "no drops".
func (l *Logger) DroppedCount() int64 {
	if l == nil {
		return -1
	}
	return l.dropped.Load()
}

// append seals an entry against the current chain head and writes it.
// Callers hold l.mu.
func (l *Logger) append(eventType, requestID string, details map[string]any) error {
	e := Entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		EventType: eventType,
		RequestID: requestID,
		Details:   details,
		PrevHash:  l.head,
	}

	hash, err := sealHash(e)
	if err != nil {
		return fmt.Errorf("hash entry: %w", err)
	}
	e.EntryHash = hash

	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	line = append(line, '\n')

	n, err := l.file.Write(line)
	if err != nil {
		return fmt.Errorf("write entry: %w", err)
	}
	l.size += int64(n)
	l.head = hash
	return nil
}

// sealHash hashes the chained fields of an entry. Each field is
// length-prefixed so a value containing a delimiter cannot collide
// with a different field split.
func sealHash(e Entry) (string, error) {
	h := sha256.New()
	for _, field := range []string{e.Timestamp, e.EventType, e.RequestID, e.PrevHash} {
		fmt.Fprintf(h, "%d:%s", len(field), field)
	}
	if e.Details != nil {
		details, err := json.Marshal(e.Details)
		if err != nil {
			return "", fmt.Errorf("marshal details: %w", err)
		}
		fmt.Fprintf(h, "%d:", len(details))
		h.Write(details)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (l *Logger) open() error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat audit log: %w", err)
	}

	l.file = f
	l.size = info.Size()
	return nil
}

// rotate renames the active file into the numbered backup slots and
// opens a fresh one, seeded with the cross-file sentinel. Callers hold
// l.mu. Rename failures are logged and skipped; a backup that cannot
// be shifted must not block the audit trail.
func (l *Logger) rotate() error {
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}

	if err := os.Remove(l.backupPath(l.backups)); err != nil && !os.IsNotExist(err) {
		log.Warn("audit rotation: removing oldest backup failed", "error", err)
	}
	for i := l.backups - 1; i >= 1; i-- {
		if err := os.Rename(l.backupPath(i), l.backupPath(i+1)); err != nil && !os.IsNotExist(err) {
			log.Warn("audit rotation: shifting backup failed", "index", i, "error", err)
		}
	}
	if err := os.Rename(l.path, l.backupPath(1)); err != nil && !os.IsNotExist(err) {
		log.Warn("audit rotation: renaming active log failed", "error", err)
	}

	if err := l.open(); err != nil {
		return err
	}

	// l.head still holds the last entry of the renamed file, so the
	// sentinel links the new file to the old one. If writing it fails
	// the chain stays intact, only the annotation is missing.
	if err := l.append(EventLogRotated, "", map[string]any{"previousFile": l.backupPath(1)}); err != nil {
		log.Error("rotation sentinel dropped", "error", err)
		l.dropped.Add(1)
	}
	return nil
}

func (l *Logger) backupPath(n int) string {
	return fmt.Sprintf("%s.%d", l.path, n)
}
