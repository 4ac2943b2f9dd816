package establish

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
)

// ErrSpawn wraps failures to start an adapter process.
var ErrSpawn = errors.New("failed to start debug adapter")

const killGracePeriod = 3 * time.Second

// process is a spawned adapter. Its pipes are created with os.Pipe so that
// Wait does not close them underneath a reader.
type process struct {
	log  logr.Logger
	cmd  *exec.Cmd
	done chan struct{}

	stdin  io.WriteCloser
	stdout io.ReadCloser

	mu      sync.Mutex
	waitErr error
}

type spawnOptions struct {
	args  []string
	env   []string
	stdio bool

	// When stdio is false, stdout is scanned for ready and then drained.
	ready *regexp.Regexp
}

func spawn(opts spawnOptions, log logr.Logger) (*process, <-chan struct{}, error) {
	cmd := exec.Command(opts.args[0], opts.args[1:]...)
	// Inherited GOFLAGS can make dlv rebuild with unexpected flags.
	cmd.Env = append(append(os.Environ(), "GOFLAGS="), opts.env...)

	var parentEnds, childEnds []io.Closer
	closeAll := func(cs []io.Closer) {
		for _, c := range cs {
			_ = c.Close()
		}
	}

	stdoutR, stdoutW, pipeErr := os.Pipe()
	if pipeErr != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrSpawn, pipeErr)
	}
	parentEnds, childEnds = append(parentEnds, stdoutR), append(childEnds, stdoutW)
	cmd.Stdout = stdoutW

	stderrR, stderrW, pipeErr := os.Pipe()
	if pipeErr != nil {
		closeAll(parentEnds)
		closeAll(childEnds)
		return nil, nil, fmt.Errorf("%w: %w", ErrSpawn, pipeErr)
	}
	parentEnds, childEnds = append(parentEnds, stderrR), append(childEnds, stderrW)
	cmd.Stderr = stderrW

	p := &process{log: log, cmd: cmd, done: make(chan struct{})}

	if opts.stdio {
		stdinR, stdinW, stdinErr := os.Pipe()
		if stdinErr != nil {
			closeAll(parentEnds)
			closeAll(childEnds)
			return nil, nil, fmt.Errorf("%w: %w", ErrSpawn, stdinErr)
		}
		parentEnds, childEnds = append(parentEnds, stdinW), append(childEnds, stdinR)
		cmd.Stdin = stdinR
		p.stdin = stdinW
		p.stdout = stdoutR
	}

	if startErr := cmd.Start(); startErr != nil {
		closeAll(parentEnds)
		closeAll(childEnds)
		return nil, nil, fmt.Errorf("%w: %s: %w", ErrSpawn, opts.args[0], startErr)
	}
	closeAll(childEnds)

	log.Info("Started debug adapter", "command", opts.args[0], "args", opts.args[1:], "pid", cmd.Process.Pid)

	go logLines(stderrR, log.WithValues("stream", "stderr"))

	ready := make(chan struct{})
	if opts.stdio || opts.ready == nil {
		close(ready)
	}
	if !opts.stdio {
		go watchStdout(stdoutR, opts.ready, ready, log.WithValues("stream", "stdout"))
	}

	go func() {
		waitErr := cmd.Wait()
		p.mu.Lock()
		p.waitErr = waitErr
		p.mu.Unlock()
		log.V(1).Info("Debug adapter exited", "pid", cmd.Process.Pid, "state", cmd.ProcessState.String())
		close(p.done)
	}()

	return p, ready, nil
}

// Done is closed when the process has exited.
func (p *process) Done() <-chan struct{} {
	return p.done
}

// Err reports how the process exited.
func (p *process) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waitErr
}

// Kill terminates the process and waits briefly for it to be reaped.
func (p *process) Kill() {
	select {
	case <-p.done:
		return
	default:
	}
	if killErr := p.cmd.Process.Kill(); killErr != nil && !errors.Is(killErr, os.ErrProcessDone) {
		p.log.Error(killErr, "Could not kill debug adapter", "pid", p.cmd.Process.Pid)
	}
	select {
	case <-p.done:
	case <-time.After(killGracePeriod):
		p.log.Info("Debug adapter did not exit after kill", "pid", p.cmd.Process.Pid)
	}
}

func logLines(r io.ReadCloser, log logr.Logger) {
	defer r.Close()
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			log.Info("Debug adapter output", "line", line)
		}
	}
}

// watchStdout closes ready on the first line matching pattern, then keeps
// draining so the child never blocks on a full pipe.
func watchStdout(r io.ReadCloser, pattern *regexp.Regexp, ready chan struct{}, log logr.Logger) {
	defer r.Close()
	signalled := false
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) != "" {
			log.Info("Debug adapter output", "line", line)
		}
		if !signalled && pattern != nil && pattern.MatchString(line) {
			signalled = true
			close(ready)
		}
	}
}

// freePort asks the kernel for an unused loopback port.
func freePort() (int, error) {
	ln, listenErr := net.Listen("tcp", "127.0.0.1:0")
	if listenErr != nil {
		return 0, listenErr
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port, nil
}

func substitutePort(args []string, port int) []string {
	portText := strconv.Itoa(port)
	result := make([]string, len(args))
	for i, arg := range args {
		result[i] = strings.ReplaceAll(arg, PortPlaceholder, portText)
	}
	return result
}
