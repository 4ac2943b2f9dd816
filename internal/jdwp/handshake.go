package jdwp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

// Handshake is the token both peers exchange before any packet.
const Handshake = "JDWP-Handshake"

var (
	// ErrHandshakeFailed means the peer answered with something other than the token.
	ErrHandshakeFailed = errors.New("JDWP handshake failed")

	// ErrHandshakeTimeout means the peer accepted the socket but never echoed the token.
	ErrHandshakeTimeout = errors.New("JDWP handshake timed out")
)

// PerformHandshake sends the token on conn and expects it echoed within timeout.
// The connection's deadline is cleared on success.
func PerformHandshake(ctx context.Context, conn net.Conn, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if deadlineErr := conn.SetDeadline(deadline); deadlineErr != nil {
		return fmt.Errorf("failed to set handshake deadline: %w", deadlineErr)
	}

	if _, writeErr := io.WriteString(conn, Handshake); writeErr != nil {
		return fmt.Errorf("%w: %w", ErrHandshakeFailed, writeErr)
	}

	reply := make([]byte, len(Handshake))
	if _, readErr := io.ReadFull(conn, reply); readErr != nil {
		var netErr net.Error
		if errors.As(readErr, &netErr) && netErr.Timeout() {
			return fmt.Errorf("%w after %s", ErrHandshakeTimeout, timeout)
		}
		return fmt.Errorf("%w: %w", ErrHandshakeFailed, readErr)
	}
	if string(reply) != Handshake {
		return fmt.Errorf("%w: unexpected reply %q", ErrHandshakeFailed, reply)
	}

	return conn.SetDeadline(time.Time{})
}
