//go:build unix

package ipc

import (
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// SendFDs passes open file descriptors to the peer over a Unix domain
// socket using SCM_RIGHTS ancillary data, alongside a single-byte payload
// (the control message alone carries no data of its own). Not wired into
// any exposed command today; execute_command always runs under a fresh
// stdout/stderr redirected to log_path rather than inheriting a passed fd,
// but the primitive is kept available for a future handoff path.
func SendFDs(conn *net.UnixConn, files ...*os.File) error {
	fds := make([]int, len(files))
	for i, f := range files {
		fds[i] = int(f.Fd())
	}
	rights := unix.UnixRights(fds...)

	raw, err := conn.SyscallConn()
	if err != nil {
		return fmt.Errorf("ipc: get raw conn: %w", err)
	}

	var sendErr error
	err = raw.Control(func(fd uintptr) {
		sendErr = unix.Sendmsg(int(fd), []byte{0}, rights, nil, 0)
	})
	if err != nil {
		return fmt.Errorf("ipc: control: %w", err)
	}
	if sendErr != nil {
		return fmt.Errorf("ipc: sendmsg: %w", sendErr)
	}
	return nil
}

// RecvFDs receives up to max file descriptors sent via SendFDs.
func RecvFDs(conn *net.UnixConn, max int) ([]*os.File, error) {
	buf := make([]byte, 1)
	oob := make([]byte, unix.CmsgSpace(max*4))

	raw, err := conn.SyscallConn()
	if err != nil {
		return nil, fmt.Errorf("ipc: get raw conn: %w", err)
	}

	var n, oobn int
	var recvErr error
	err = raw.Control(func(fd uintptr) {
		n, oobn, _, _, recvErr = unix.Recvmsg(int(fd), buf, oob, 0)
	})
	if err != nil {
		return nil, fmt.Errorf("ipc: control: %w", err)
	}
	if recvErr != nil {
		return nil, fmt.Errorf("ipc: recvmsg: %w", recvErr)
	}
	if n == 0 {
		return nil, fmt.Errorf("ipc: recvmsg: peer closed connection")
	}

	cmsgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return nil, fmt.Errorf("ipc: parse control message: %w", err)
	}

	var files []*os.File
	for _, cmsg := range cmsgs {
		fds, err := unix.ParseUnixRights(&cmsg)
		if err != nil {
			continue
		}
		for _, fd := range fds {
			files = append(files, os.NewFile(uintptr(fd), "passed-fd"))
		}
	}
	return files, nil
}
