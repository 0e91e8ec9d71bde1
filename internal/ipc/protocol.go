package ipc

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/breeze-rmm/sysupdate-agent/internal/logging"
	"github.com/breeze-rmm/sysupdate-agent/internal/secmem"
)

var log = logging.L("ipc")

// zeroKey signs the auth_request exchange, before a session key exists.
var zeroKey = make([]byte, 32)

// Conn frames Envelopes as [4-byte big-endian length][JSON] over a raw
// connection, signing each one with HMAC-SHA256 and enforcing strictly
// increasing sequence numbers on receive. Send is safe from multiple
// goroutines; Recv must stay on one.
type Conn struct {
	conn net.Conn

	// mu serializes writes and guards sessionKey.
	mu         sync.Mutex
	sessionKey []byte

	sendSeq  atomic.Uint64
	lastRecv atomic.Uint64
}

// NewConn wraps a raw connection. Messages are signed with the zero key
// until SetSessionKey is called after the auth handshake.
func NewConn(conn net.Conn) *Conn {
	return &Conn{conn: conn}
}

// SetSessionKey installs the HMAC key negotiated during auth.
func (c *Conn) SetSessionKey(key []byte) {
	c.mu.Lock()
	c.sessionKey = key
	c.mu.Unlock()
}

// Close wipes the session key and closes the underlying connection.
func (c *Conn) Close() error {
	c.mu.Lock()
	secmem.Zero(c.sessionKey)
	c.sessionKey = nil
	c.mu.Unlock()
	return c.conn.Close()
}

// SetDeadline sets the deadline on the underlying connection.
func (c *Conn) SetDeadline(t time.Time) error {
	return c.conn.SetDeadline(t)
}

// SetReadDeadline sets the read deadline on the underlying connection.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// Send assigns the next sequence number, signs env and writes it as one
// frame.
func (c *Conn) Send(env *Envelope) error {
	env.Seq = c.sendSeq.Add(1)
	env.HMAC = c.sign(env)

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("ipc: marshal envelope: %w", err)
	}
	if len(data) > MaxMessageSize {
		return fmt.Errorf("ipc: message too large: %d > %d", len(data), MaxMessageSize)
	}

	frame := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(frame, uint32(len(data)))
	copy(frame[4:], data)

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.conn.Write(frame); err != nil {
		return fmt.Errorf("ipc: write frame: %w", err)
	}
	return nil
}

// Recv reads one frame and returns its envelope after checking the
// signature and sequence number.
func (c *Conn) Recv() (*Envelope, error) {
	data, err := c.readFrame()
	if err != nil {
		return nil, err
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("ipc: unmarshal envelope: %w", err)
	}

	if env.HMAC != c.sign(&env) {
		return nil, errors.New("ipc: HMAC mismatch")
	}
	if err := c.acceptSeq(env.Seq); err != nil {
		return nil, err
	}
	return &env, nil
}

func (c *Conn) readFrame() ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(c.conn, header[:]); err != nil {
		return nil, fmt.Errorf("ipc: read header: %w", err)
	}

	length := binary.BigEndian.Uint32(header[:])
	if length == 0 {
		return nil, errors.New("ipc: zero-length message")
	}
	if length > uint32(MaxMessageSize) {
		return nil, fmt.Errorf("ipc: message too large: %d > %d", length, MaxMessageSize)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(c.conn, data); err != nil {
		return nil, fmt.Errorf("ipc: read payload: %w", err)
	}
	return data, nil
}

// acceptSeq rejects sequence numbers at or below the last accepted one,
// which drops replayed or duplicated frames.
func (c *Conn) acceptSeq(seq uint64) error {
	last := c.lastRecv.Load()
	if last > 0 && seq <= last {
		return fmt.Errorf("ipc: sequence number %d <= last %d (replay/duplicate)", seq, last)
	}
	c.lastRecv.Store(seq)
	return nil
}

// SendTyped wraps a typed payload into an Envelope and sends it.
func (c *Conn) SendTyped(id, msgType string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("ipc: marshal payload: %w", err)
	}
	return c.Send(&Envelope{
		ID:      id,
		Type:    msgType,
		Payload: raw,
	})
}

// SendError sends an error envelope.
func (c *Conn) SendError(id, msgType, errMsg string) error {
	return c.Send(&Envelope{
		ID:    id,
		Type:  msgType,
		Error: errMsg,
	})
}

// sign computes HMAC-SHA256(key, id||seq||type||payload) in hex.
func (c *Conn) sign(env *Envelope) string {
	mac := hmac.New(sha256.New, c.key())
	mac.Write([]byte(env.ID))
	mac.Write([]byte(strconv.FormatUint(env.Seq, 10)))
	mac.Write([]byte(env.Type))
	mac.Write(env.Payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func (c *Conn) key() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessionKey == nil {
		return zeroKey
	}
	return c.sessionKey
}

// GenerateSessionKey creates a cryptographically random 256-bit key.
func GenerateSessionKey() ([]byte, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("ipc: generate session key: %w", err)
	}
	return key, nil
}
