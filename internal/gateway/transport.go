package gateway

import (
	"bufio"
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
)

const (
	maxMessageSize   = 16 << 20
	authReadTimeout  = 10 * time.Second
	wsHandshakeLimit = 10 * time.Second
)

// ErrUnauthorized is returned when a client presents a missing or wrong token.
var ErrUnauthorized = errors.New("unauthorized")

// Conn is a message-oriented client connection. ReadMessage returns one
// JSON-RPC envelope per call.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// lineConn frames messages as newline-delimited JSON. A line longer than
// the limit fails the read before it is buffered in full.
type lineConn struct {
	scanner *bufio.Scanner
	limit   int
	w       io.Writer
	closer  io.Closer
	once    sync.Once
}

func newLineConn(r io.Reader, w io.Writer, closer io.Closer, limit int) *lineConn {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, min(64<<10, limit)), limit)
	return &lineConn{scanner: scanner, limit: limit, w: w, closer: closer}
}

func (c *lineConn) ReadMessage() ([]byte, error) {
	for c.scanner.Scan() {
		if trimmed := bytes.TrimSpace(c.scanner.Bytes()); len(trimmed) > 0 {
			return bytes.Clone(trimmed), nil
		}
	}
	scanErr := c.scanner.Err()
	switch {
	case errors.Is(scanErr, bufio.ErrTooLong):
		return nil, fmt.Errorf("message exceeds %d bytes: %w", c.limit, scanErr)
	case scanErr != nil:
		return nil, scanErr
	default:
		return nil, io.EOF
	}
}

func (c *lineConn) WriteMessage(data []byte) error {
	buf := make([]byte, 0, len(data)+1)
	buf = append(append(buf, data...), '\n')
	_, writeErr := c.w.Write(buf)
	return writeErr
}

func (c *lineConn) Close() error {
	var closeErr error
	c.once.Do(func() {
		if c.closer != nil {
			closeErr = c.closer.Close()
		}
	})
	return closeErr
}

// wsConn carries one envelope per websocket text message.
type wsConn struct {
	ws *websocket.Conn
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	for {
		kind, data, readErr := c.ws.ReadMessage()
		if readErr != nil {
			return nil, readErr
		}
		if kind == websocket.TextMessage || kind == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (c *wsConn) WriteMessage(data []byte) error {
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close() error {
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return c.ws.Close()
}

func tokenMatches(expected, presented string) bool {
	return subtle.ConstantTimeCompare([]byte(expected), []byte(presented)) == 1
}

// ServeStdio serves a single connection on the given streams. It returns when
// the input ends or ctx is cancelled.
func (s *Server) ServeStdio(ctx context.Context, in io.Reader, out io.Writer) error {
	var closer io.Closer
	if c, ok := in.(io.Closer); ok {
		closer = c
	}
	s.ServeConn(ctx, newLineConn(in, out, closer, maxMessageSize))
	return nil
}

// ServeTCP accepts newline-delimited JSON connections on ln until ctx is
// cancelled. With an auth token configured, the first line of every
// connection must be {"token":"..."}.
func (s *Server) ServeTCP(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	s.log.Info("Listening", "transport", "tcp", "address", ln.Addr().String())

	for {
		conn, acceptErr := ln.Accept()
		if acceptErr != nil {
			if ctx.Err() != nil {
				s.conns.Wait()
				return nil
			}
			return fmt.Errorf("accepting connection: %w", acceptErr)
		}
		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			lc := newLineConn(conn, conn, conn, maxMessageSize)
			if authErr := s.authenticateTCP(conn, lc); authErr != nil {
				s.log.Info("Rejected connection", "remote", conn.RemoteAddr().String(), "reason", authErr.Error())
				_ = lc.Close()
				return
			}
			s.ServeConn(ctx, lc)
		}()
	}
}

func (s *Server) authenticateTCP(conn net.Conn, lc *lineConn) error {
	if s.opts.AuthToken == "" {
		return nil
	}
	_ = conn.SetReadDeadline(time.Now().Add(authReadTimeout))
	line, readErr := lc.ReadMessage()
	_ = conn.SetReadDeadline(time.Time{})
	if readErr != nil {
		return fmt.Errorf("reading auth line: %w", readErr)
	}

	if !tokenMatches(s.opts.AuthToken, gjson.GetBytes(line, "token").String()) {
		reply, _ := json.Marshal(map[string]any{"success": false, "error": "invalid token"})
		_ = lc.WriteMessage(reply)
		return ErrUnauthorized
	}
	return lc.WriteMessage([]byte(`{"success":true}`))
}

// WebSocketHandler upgrades authorized requests and serves each socket as a connection.
func (s *Server) WebSocketHandler(ctx context.Context) http.Handler {
	upgrader := websocket.Upgrader{
		HandshakeTimeout: wsHandshakeLimit,
		CheckOrigin:      func(*http.Request) bool { return true },
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.opts.AuthToken != "" && !tokenMatches(s.opts.AuthToken, requestToken(r)) {
			s.log.Info("Rejected connection", "remote", r.RemoteAddr, "reason", ErrUnauthorized.Error())
			http.Error(w, ErrUnauthorized.Error(), http.StatusUnauthorized)
			return
		}
		ws, upgradeErr := upgrader.Upgrade(w, r, nil)
		if upgradeErr != nil {
			s.log.Info("Websocket upgrade failed", "remote", r.RemoteAddr, "error", upgradeErr.Error())
			return
		}
		ws.SetReadLimit(maxMessageSize)

		s.conns.Add(1)
		defer s.conns.Done()
		s.ServeConn(ctx, &wsConn{ws: ws})
	})
}

func requestToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return token
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

// ServeWebSocket serves websocket connections on ln until ctx is cancelled.
func (s *Server) ServeWebSocket(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.WebSocketHandler(ctx),
		ReadHeaderTimeout: wsHandshakeLimit,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	s.log.Info("Listening", "transport", "ws", "address", ln.Addr().String())

	if serveErr := srv.Serve(ln); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		return serveErr
	}
	s.conns.Wait()
	return nil
}
