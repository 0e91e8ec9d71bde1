package ipc

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/breeze-rmm/sysupdate-agent/internal/audit"
	"github.com/breeze-rmm/sysupdate-agent/internal/health"
	"github.com/breeze-rmm/sysupdate-agent/internal/updates"
	"github.com/breeze-rmm/sysupdate-agent/internal/workerpool"
)

const (
	// HandshakeTimeout is the deadline for completing auth after connecting.
	HandshakeTimeout = 5 * time.Second

	// IdleTimeout disconnects clients with no traffic and no request in
	// flight for this duration.
	IdleTimeout = 5 * time.Minute

	// MaxConnectionsPerUID limits concurrent authenticated connections
	// per user.
	MaxConnectionsPerUID = 3

	// RateLimitAttempts is the max connection attempts per UID per window.
	RateLimitAttempts = 10

	// RateLimitWindow is the sliding window for rate limiting.
	RateLimitWindow = 60 * time.Second

	// readPoll is how often the per-connection read loop wakes up to
	// check for shutdown and idleness.
	readPoll = 1 * time.Second

	refineTimeout  = 30 * time.Second
	refreshTimeout = 2 * time.Minute
)

// readOps are available to every local user; adminOps additionally
// require UID 0.
var (
	readOps  = []string{TypeStatus, TypeRefresh, TypeList, TypeUpgrades, TypeDescribe}
	adminOps = []string{TypeStatus, TypeRefresh, TypeList, TypeUpgrades, TypeDescribe, TypeUpdate, TypeCancel}
)

// Backend is the set of operations the control socket exposes. It is
// implemented by updates.Manager.
type Backend interface {
	Status() updates.StatusInfo
	RefreshMetadata(ctx context.Context, maxAge time.Duration) error
	ListApps(q updates.Query) ([]updates.AppInfo, error)
	ListDistroUpgrades() []updates.AppInfo
	Refine(ctx context.Context, ids []string) ([]updates.AppInfo, error)
	UpdateApps(ctx context.Context, ids []string, opts updates.UpdateOptions) error
	CancelUpdate(id string) error
}

// Server accepts control connections on a unix socket, authenticates
// peers by their kernel socket credentials and dispatches requests to
// the backend through a bounded worker pool.
type Server struct {
	socketPath  string
	backend     Backend
	pool        *workerpool.Pool
	auditLog    *audit.Logger
	rateLimiter *RateLimiter

	// ScopesFor decides which operations a peer UID may invoke. Replace
	// before Listen to override the root/non-root default.
	ScopesFor func(uid uint32) []string

	// Version, StartedAt and Health enrich the status reply when set
	// before Listen.
	Version   string
	StartedAt time.Time
	Health    *health.Monitor

	baseCtx context.Context

	mu       sync.Mutex
	listener net.Listener
	byUID    map[uint32]int
	conns    map[*serverConn]struct{}
	closed   bool
	connWG   sync.WaitGroup
}

// serverConn is one authenticated control connection.
type serverConn struct {
	conn   *Conn
	uid    uint32
	pid    int
	scopes map[string]bool

	inflight     atomic.Int64
	lastActivity atomic.Int64 // unix nanos
}

func (sc *serverConn) touch() {
	sc.lastActivity.Store(time.Now().UnixNano())
}

func (sc *serverConn) idleFor() time.Duration {
	return time.Since(time.Unix(0, sc.lastActivity.Load()))
}

// NewServer creates a control server over the given backend. The worker
// pool bounds concurrent request handling; the audit logger may be nil.
func NewServer(socketPath string, backend Backend, pool *workerpool.Pool, auditLog *audit.Logger) *Server {
	return &Server{
		socketPath:  socketPath,
		backend:     backend,
		pool:        pool,
		auditLog:    auditLog,
		rateLimiter: NewRateLimiter(RateLimitAttempts, RateLimitWindow),
		ScopesFor:   defaultScopesFor,
		byUID:       make(map[uint32]int),
		conns:       make(map[*serverConn]struct{}),
	}
}

func defaultScopesFor(uid uint32) []string {
	if uid == 0 {
		return adminOps
	}
	return readOps
}

// Listen binds the socket and serves until the context is cancelled.
func (s *Server) Listen(ctx context.Context) error {
	if err := s.setupSocket(); err != nil {
		return fmt.Errorf("ipc: setup socket: %w", err)
	}
	s.baseCtx = ctx

	log.Info("control socket listening", "path", s.socketPath)

	go func() {
		for {
			conn, err := s.listener.Accept()
			if err != nil {
				s.mu.Lock()
				closed := s.closed
				s.mu.Unlock()
				if closed {
					return
				}
				log.Warn("accept error", "error", err)
				continue
			}
			go s.handleConnection(conn)
		}
	}()

	<-ctx.Done()
	s.Close()
	return nil
}

// Close shuts down the listener and all connections and waits for the
// per-connection loops to exit.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	conns := make([]*serverConn, 0, len(s.conns))
	for sc := range s.conns {
		conns = append(conns, sc)
	}
	listener := s.listener
	s.mu.Unlock()

	if listener != nil {
		listener.Close()
	}
	for _, sc := range conns {
		sc.conn.Close()
	}
	s.connWG.Wait()

	os.Remove(s.socketPath)
	log.Info("control socket closed")
}

func (s *Server) setupSocket() error {
	os.Remove(s.socketPath)

	dir := filepath.Dir(s.socketPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.socketPath, err)
	}

	// World-connectable: authorization happens per operation, based on
	// the peer's kernel-verified UID.
	if err := os.Chmod(s.socketPath, 0666); err != nil {
		listener.Close()
		return fmt.Errorf("chmod %s: %w", s.socketPath, err)
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	return nil
}

func (s *Server) handleConnection(rawConn net.Conn) {
	rawConn.SetDeadline(time.Now().Add(HandshakeTimeout))

	creds, err := GetPeerCredentials(rawConn)
	if err != nil {
		log.Warn("peer credential check failed", "error", err)
		rawConn.Close()
		return
	}

	if !s.rateLimiter.Allow(creds.UID) {
		log.Warn("connection rate limited", "uid", creds.UID, "pid", creds.PID)
		rawConn.Close()
		return
	}

	s.mu.Lock()
	uidCount := s.byUID[creds.UID]
	s.mu.Unlock()
	if uidCount >= MaxConnectionsPerUID {
		log.Warn("max connections per uid exceeded", "uid", creds.UID, "count", uidCount)
		rawConn.Close()
		return
	}

	conn := NewConn(rawConn)

	env, err := conn.Recv()
	if err != nil {
		log.Warn("auth request read failed", "uid", creds.UID, "error", err)
		conn.Close()
		return
	}
	if env.Type != TypeAuthRequest {
		log.Warn("expected auth_request", "type", env.Type)
		conn.Close()
		return
	}

	var authReq AuthRequest
	if err := json.Unmarshal(env.Payload, &authReq); err != nil {
		log.Warn("invalid auth request payload", "error", err)
		conn.Close()
		return
	}

	if authReq.ProtocolVersion != ProtocolVersion {
		conn.SendTyped(env.ID, TypeAuthResponse, AuthResponse{
			Accepted: false,
			Reason:   fmt.Sprintf("protocol version mismatch: want %d, got %d", ProtocolVersion, authReq.ProtocolVersion),
		})
		conn.Close()
		return
	}

	// The claimed UID must match what the kernel reports.
	if authReq.UID != creds.UID {
		log.Warn("auth uid mismatch", "claimed", authReq.UID, "actual", creds.UID)
		conn.SendTyped(env.ID, TypeAuthResponse, AuthResponse{
			Accepted: false,
			Reason:   "uid mismatch",
		})
		conn.Close()
		return
	}

	sessionKey, err := GenerateSessionKey()
	if err != nil {
		log.Error("failed to generate session key", "error", err)
		conn.Close()
		return
	}

	scopes := s.ScopesFor(creds.UID)
	authResp := AuthResponse{
		Accepted:   true,
		SessionKey: hex.EncodeToString(sessionKey),
		Scopes:     scopes,
	}
	if err := conn.SendTyped(env.ID, TypeAuthResponse, authResp); err != nil {
		log.Warn("failed to send auth response", "error", err)
		conn.Close()
		return
	}
	conn.SetSessionKey(sessionKey)
	rawConn.SetDeadline(time.Time{})

	sc := &serverConn{
		conn:   conn,
		uid:    creds.UID,
		pid:    creds.PID,
		scopes: make(map[string]bool, len(scopes)),
	}
	for _, op := range scopes {
		sc.scopes[op] = true
	}
	sc.touch()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.conns[sc] = struct{}{}
	s.byUID[creds.UID]++
	s.connWG.Add(1)
	s.mu.Unlock()

	log.Info("control client connected",
		"uid", creds.UID, "pid", creds.PID, "username", authReq.Username)
	s.auditLog.Log(audit.EventClientConnected, "", map[string]any{
		"uid":    creds.UID,
		"pid":    creds.PID,
		"binary": creds.BinaryPath,
	})

	s.serveConn(sc)

	s.mu.Lock()
	delete(s.conns, sc)
	s.byUID[sc.uid]--
	if s.byUID[sc.uid] == 0 {
		delete(s.byUID, sc.uid)
	}
	s.mu.Unlock()
	s.connWG.Done()
	log.Info("control client disconnected", "uid", sc.uid, "pid", sc.pid)
}

func (s *Server) serveConn(sc *serverConn) {
	defer sc.conn.Close()

	for {
		sc.conn.SetReadDeadline(time.Now().Add(readPoll))
		env, err := sc.conn.Recv()
		if err != nil {
			if isTimeout(err) {
				s.mu.Lock()
				closed := s.closed
				s.mu.Unlock()
				if closed {
					return
				}
				if sc.inflight.Load() == 0 && sc.idleFor() > IdleTimeout {
					log.Info("disconnecting idle control client", "uid", sc.uid)
					return
				}
				continue
			}
			return
		}
		sc.touch()

		switch env.Type {
		case TypePing:
			sc.conn.SendTyped(env.ID, TypePong, nil)
		case TypeStatus, TypeRefresh, TypeList, TypeUpgrades, TypeDescribe, TypeUpdate, TypeCancel:
			s.dispatch(sc, env)
		default:
			sc.conn.SendError(env.ID, env.Type, "unsupported operation")
		}
	}
}

func (s *Server) dispatch(sc *serverConn, env *Envelope) {
	if !sc.scopes[env.Type] {
		log.Warn("operation denied", "op", env.Type, "uid", sc.uid)
		sc.conn.SendError(env.ID, env.Type, "permission denied")
		return
	}

	sc.inflight.Add(1)
	submitted := s.pool.Submit(func() {
		defer sc.inflight.Add(-1)
		defer sc.touch()
		s.handleRequest(sc, env)
	})
	if !submitted {
		sc.inflight.Add(-1)
		sc.conn.SendError(env.ID, env.Type, "server busy, try again")
	}
}

func (s *Server) handleRequest(sc *serverConn, env *Envelope) {
	switch env.Type {
	case TypeStatus:
		resp := StatusResponse{
			Version: s.Version,
			Status:  s.backend.Status(),
		}
		if !s.StartedAt.IsZero() {
			resp.UptimeSeconds = int64(time.Since(s.StartedAt).Seconds())
		}
		if s.Health != nil {
			resp.Health = s.Health.Summary()
		}
		sc.reply(env, resp)

	case TypeRefresh:
		var req RefreshRequest
		if !sc.decode(env, &req) {
			return
		}
		ctx, cancel := context.WithTimeout(s.baseCtx, refreshTimeout)
		defer cancel()
		if err := s.backend.RefreshMetadata(ctx, time.Duration(req.MaxAgeSeconds)*time.Second); err != nil {
			sc.conn.SendError(env.ID, env.Type, err.Error())
			return
		}
		sc.reply(env, nil)

	case TypeList:
		var req ListRequest
		if !sc.decode(env, &req) {
			return
		}
		apps, err := s.backend.ListApps(req.Query)
		if err != nil {
			sc.conn.SendError(env.ID, env.Type, err.Error())
			return
		}
		sc.reply(env, AppsResponse{Apps: apps})

	case TypeUpgrades:
		sc.reply(env, AppsResponse{Apps: s.backend.ListDistroUpgrades()})

	case TypeDescribe:
		var req DescribeRequest
		if !sc.decode(env, &req) {
			return
		}
		ctx, cancel := context.WithTimeout(s.baseCtx, refineTimeout)
		defer cancel()
		apps, err := s.backend.Refine(ctx, req.IDs)
		if err != nil {
			sc.conn.SendError(env.ID, env.Type, err.Error())
			return
		}
		sc.reply(env, AppsResponse{Apps: apps})

	case TypeUpdate:
		var req UpdateRequest
		if !sc.decode(env, &req) {
			return
		}
		s.auditLog.Log(audit.EventUpdateRequested, env.ID, map[string]any{
			"uid":  sc.uid,
			"pid":  sc.pid,
			"apps": req.IDs,
		})
		opts := updates.UpdateOptions{NoDownload: req.NoDownload, NoApply: req.NoApply}
		err := s.backend.UpdateApps(s.baseCtx, req.IDs, opts)
		outcome := map[string]any{"apps": req.IDs}
		if err != nil {
			outcome["error"] = err.Error()
		}
		s.auditLog.Log(audit.EventUpdateFinished, env.ID, outcome)
		if err != nil {
			sc.conn.SendError(env.ID, env.Type, err.Error())
			return
		}
		sc.reply(env, nil)

	case TypeCancel:
		var req CancelRequest
		if !sc.decode(env, &req) {
			return
		}
		s.auditLog.Log(audit.EventUpdateCancelled, env.ID, map[string]any{
			"uid": sc.uid,
			"pid": sc.pid,
			"app": req.ID,
		})
		if err := s.backend.CancelUpdate(req.ID); err != nil {
			sc.conn.SendError(env.ID, env.Type, err.Error())
			return
		}
		sc.reply(env, nil)
	}
}

func (sc *serverConn) decode(env *Envelope, out any) bool {
	if err := json.Unmarshal(env.Payload, out); err != nil {
		sc.conn.SendError(env.ID, env.Type, fmt.Sprintf("invalid payload: %v", err))
		return false
	}
	return true
}

func (sc *serverConn) reply(env *Envelope, payload any) {
	if err := sc.conn.SendTyped(env.ID, env.Type, payload); err != nil {
		log.Warn("failed to send response", "id", env.ID, "op", env.Type, "error", err)
	}
}
