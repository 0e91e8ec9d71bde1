//go:build linux

package ipc

import (
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// PeerCredentials holds the kernel-verified identity of an IPC peer.
type PeerCredentials struct {
	PID        int
	UID        uint32
	GID        uint32
	BinaryPath string
}

// GetPeerCredentials reads the peer's PID, UID and GID from the socket
// via SO_PEERCRED. The kernel fills these in at connect time; a client
// cannot forge them. BinaryPath comes from /proc/<pid>/exe and is
// informational only: the peer may have exited or be running a deleted
// binary, in which case it is empty.
func GetPeerCredentials(conn net.Conn) (*PeerCredentials, error) {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return nil, fmt.Errorf("ipc: not a unix connection")
	}

	cred, err := peerUcred(uc)
	if err != nil {
		return nil, err
	}

	exePath, err := os.Readlink(fmt.Sprintf("/proc/%d/exe", cred.Pid))
	if err != nil {
		exePath = ""
	}

	return &PeerCredentials{
		PID:        int(cred.Pid),
		UID:        cred.Uid,
		GID:        cred.Gid,
		BinaryPath: exePath,
	}, nil
}

func peerUcred(uc *net.UnixConn) (*unix.Ucred, error) {
	raw, err := uc.SyscallConn()
	if err != nil {
		return nil, fmt.Errorf("ipc: get syscall conn: %w", err)
	}

	var cred *unix.Ucred
	var credErr error
	if err := raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	}); err != nil {
		return nil, fmt.Errorf("ipc: control: %w", err)
	}
	if credErr != nil {
		return nil, fmt.Errorf("ipc: getsockopt SO_PEERCRED: %w", credErr)
	}
	return cred, nil
}
