package jdwp

import (
	"context"
	"net"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/go-logr/logr"
)

// Endpoint statuses reported by Discover.
const (
	StatusAvailable = "available"
	StatusOccupied  = "occupied"
)

// DefaultPorts are the ports JVMs are commonly started with for remote debugging.
var DefaultPorts = []int{5005, 8000, 8787, 9009}

// Endpoint is one port that accepted a connection.
type Endpoint struct {
	Host    string   `json:"host"`
	Port    int      `json:"port"`
	Status  string   `json:"status"`
	Version *Version `json:"version,omitempty"`
	Detail  string   `json:"detail,omitempty"`
}

// Address returns host:port.
func (e Endpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// Discover scans ports on host in parallel. A port that echoes the handshake
// is available; one that accepts the socket but does not echo is occupied.
// Ports that refuse or do not answer are left out. Results are ordered by port.
func Discover(ctx context.Context, host string, ports []int, timeout time.Duration, log logr.Logger) []Endpoint {
	var (
		mu    sync.Mutex
		found []Endpoint
		wg    sync.WaitGroup
	)

	for _, port := range ports {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ep, ok := checkPort(ctx, host, port, timeout, log); ok {
				mu.Lock()
				found = append(found, ep)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	slices.SortFunc(found, func(a, b Endpoint) int { return a.Port - b.Port })
	return found
}

func checkPort(ctx context.Context, host string, port int, timeout time.Duration, log logr.Logger) (Endpoint, bool) {
	ep := Endpoint{Host: host, Port: port}

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var d net.Dialer
	conn, dialErr := d.DialContext(dialCtx, "tcp", ep.Address())
	if dialErr != nil {
		log.V(1).Info("Port not reachable", "address", ep.Address(), "error", dialErr.Error())
		return ep, false
	}

	if handshakeErr := PerformHandshake(dialCtx, conn, timeout); handshakeErr != nil {
		_ = conn.Close()
		ep.Status = StatusOccupied
		ep.Detail = handshakeErr.Error()
		return ep, true
	}

	ep.Status = StatusAvailable
	c := NewConn(conn, log)
	c.SetCallTimeout(timeout)
	if v, versionErr := c.Version(ctx); versionErr == nil {
		ep.Version = v
	}
	// Release the agent so the next debugger can attach.
	_ = c.Dispose(ctx)
	_ = c.Close()
	return ep, true
}
