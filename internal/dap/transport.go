package dap

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"github.com/google/go-dap"
)

// ErrTransportClosed is returned by reads and writes after Close.
var ErrTransportClosed = errors.New("transport is closed")

// Transport moves raw DAP message bodies over one byte stream.
// Content-Length framing is handled here; callers see JSON only.
// ReadMessage is called from a single goroutine; WriteMessage may be called concurrently.
type Transport interface {
	// ReadMessage blocks until the next complete message body is available.
	ReadMessage() ([]byte, error)

	// WriteMessage frames and flushes one message body.
	WriteMessage(content []byte) error

	// Close releases the underlying stream. Blocked reads return an error.
	Close() error
}

type streamTransport struct {
	kind    string
	reader  *bufio.Reader
	writer  *bufio.Writer
	closers []io.Closer

	writeMu sync.Mutex

	mu     sync.Mutex
	closed bool
}

// NewTCPTransport creates a Transport over an established socket.
func NewTCPTransport(conn net.Conn) Transport {
	return &streamTransport{
		kind:    "tcp",
		reader:  bufio.NewReader(conn),
		writer:  bufio.NewWriter(conn),
		closers: []io.Closer{conn},
	}
}

// NewStdioTransport creates a Transport over a child process's pipes.
// in is the process's stdout, out is its stdin.
func NewStdioTransport(in io.ReadCloser, out io.WriteCloser) Transport {
	return &streamTransport{
		kind:    "stdio",
		reader:  bufio.NewReader(in),
		writer:  bufio.NewWriter(out),
		closers: []io.Closer{out, in},
	}
}

// DialTCP connects to a DAP server listening at address.
func DialTCP(ctx context.Context, address string) (Transport, error) {
	var d net.Dialer
	conn, dialErr := d.DialContext(ctx, "tcp", address)
	if dialErr != nil {
		return nil, fmt.Errorf("failed to dial DAP server at %s: %w", address, dialErr)
	}
	return NewTCPTransport(conn), nil
}

func (t *streamTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *streamTransport) ReadMessage() ([]byte, error) {
	if t.isClosed() {
		return nil, ErrTransportClosed
	}

	content, readErr := dap.ReadBaseMessage(t.reader)
	if readErr != nil {
		if t.isClosed() {
			return nil, ErrTransportClosed
		}
		return nil, fmt.Errorf("failed to read DAP message over %s: %w", t.kind, readErr)
	}
	return content, nil
}

func (t *streamTransport) WriteMessage(content []byte) error {
	if t.isClosed() {
		return ErrTransportClosed
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if writeErr := dap.WriteBaseMessage(t.writer, content); writeErr != nil {
		return fmt.Errorf("failed to write DAP message over %s: %w", t.kind, writeErr)
	}
	if flushErr := t.writer.Flush(); flushErr != nil {
		return fmt.Errorf("failed to flush DAP message over %s: %w", t.kind, flushErr)
	}
	return nil
}

func (t *streamTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	var errs []error
	for _, c := range t.closers {
		if closeErr := c.Close(); closeErr != nil && !errors.Is(closeErr, net.ErrClosed) && !errors.Is(closeErr, os.ErrClosed) {
			errs = append(errs, closeErr)
		}
	}
	return errors.Join(errs...)
}
