package session

import (
	"encoding/json"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/samber/lo"
	"github.com/smallnest/chanx"
	"github.com/tidwall/gjson"

	"github.com/vajrock/mcp-debug-bridge/internal/backend"
	"github.com/vajrock/mcp-debug-bridge/internal/establish"
)

// Breakpoint is a source breakpoint as acknowledged by the backend.
type Breakpoint struct {
	ID           int    `json:"id,omitempty"`
	Source       string `json:"source"`
	Line         int    `json:"line"`
	Condition    string `json:"condition,omitempty"`
	HitCondition string `json:"hitCondition,omitempty"`
	LogMessage   string `json:"logMessage,omitempty"`
	Verified     bool   `json:"verified"`
	Message      string `json:"message,omitempty"`
	HitCount     int    `json:"hitCount"`
}

// FunctionBreakpoint is a breakpoint on a function name.
type FunctionBreakpoint struct {
	ID           int    `json:"id,omitempty"`
	Name         string `json:"name"`
	Condition    string `json:"condition,omitempty"`
	HitCondition string `json:"hitCondition,omitempty"`
	Verified     bool   `json:"verified"`
	Message      string `json:"message,omitempty"`
	HitCount     int    `json:"hitCount"`
}

// Thread is the last known snapshot of a debuggee thread.
type Thread struct {
	ID         int    `json:"id"`
	Name       string `json:"name,omitempty"`
	Stopped    bool   `json:"stopped"`
	StopReason string `json:"stopReason,omitempty"`
}

// Info is a point-in-time copy of a session, safe to serialize.
type Info struct {
	ID                  string               `json:"id"`
	Kind                string               `json:"kind"`
	Program             string               `json:"program"`
	State               State                `json:"state"`
	CreatedAt           time.Time            `json:"createdAt"`
	Adapter             string               `json:"adapter"`
	Mode                establish.Mode       `json:"mode"`
	Target              string               `json:"target"`
	LastStoppedThread   int                  `json:"lastStoppedThread,omitempty"`
	ExitCode            *int                 `json:"exitCode,omitempty"`
	Threads             []Thread             `json:"threads"`
	Breakpoints         []Breakpoint         `json:"breakpoints"`
	FunctionBreakpoints []FunctionBreakpoint `json:"functionBreakpoints"`
	Capabilities        json.RawMessage      `json:"capabilities,omitempty"`
	Attempts            []establish.Attempt  `json:"attempts,omitempty"`
}

// Session is one debugging conversation bound to exactly one backend connection.
type Session struct {
	id        string
	kind      string
	program   string
	createdAt time.Time
	log       logr.Logger

	backend      backend.Backend
	candidate    establish.Candidate
	capabilities json.RawMessage
	attempts     []establish.Attempt
	launchArgs   map[string]any
	request      string

	queue         *worker
	notifications *chanx.UnboundedChan[Notification]

	initialized     chan struct{}
	initializedOnce sync.Once
	ended           chan struct{}
	endOnce         sync.Once

	mu                  sync.Mutex
	state               State
	breakpoints         map[string][]Breakpoint
	functionBreakpoints []FunctionBreakpoint
	threads             map[int]Thread
	lastStopped         int
	stops               uint64
	stopSeen            bool
	terminatedSeen      bool
	exitCode            *int
	endedReason         string
}

func (s *Session) currentState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) isEnded() bool {
	select {
	case <-s.ended:
		return true
	default:
		return false
	}
}

func (s *Session) transition(to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitionLocked(to)
}

func (s *Session) transitionLocked(to State) error {
	if transitionErr := checkTransition(s.state, to); transitionErr != nil {
		return transitionErr
	}
	if s.state != to {
		s.log.V(1).Info("Session state changed", "from", s.state, "to", to)
	}
	s.state = to
	return nil
}

// stopCount is the number of stopped events applied so far. Execution
// handlers read it before sending their request.
func (s *Session) stopCount() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stops
}

// resume moves a paused session back to running after an execution request
// was acknowledged. A stop applied since stopsBefore was read belongs to
// that request, so the session stays paused.
func (s *Session) resume(stopsBefore uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stops != stopsBefore {
		return
	}
	if s.state == StatePaused {
		_ = s.transitionLocked(StateRunning)
		for id, t := range s.threads {
			t.Stopped, t.StopReason = false, ""
			s.threads[id] = t
		}
	}
}

func (s *Session) supports(capability string) bool {
	return gjson.GetBytes(s.capabilities, capability).Bool()
}

// defaultThread picks the thread an execution request applies to when the
// caller names none: the last stopped thread, then the lowest known thread id.
func (s *Session) defaultThread(requested int) int {
	if requested > 0 {
		return requested
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastStopped > 0 {
		return s.lastStopped
	}
	if len(s.threads) > 0 {
		return slices.Min(lo.Keys(s.threads))
	}
	return 1
}

// replaceBreakpoints installs the acknowledged breakpoints for source, dropping
// whatever was there before.
func (s *Session) replaceBreakpoints(source string, bps []Breakpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(bps) == 0 {
		delete(s.breakpoints, source)
		return
	}
	s.breakpoints[source] = slices.Clone(bps)
}

func (s *Session) replaceFunctionBreakpoints(bps []FunctionBreakpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.functionBreakpoints = slices.Clone(bps)
}

func (s *Session) setThreads(threads []Thread) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fresh := make(map[int]Thread, len(threads))
	for _, t := range threads {
		if known, ok := s.threads[t.ID]; ok {
			t.Stopped, t.StopReason = known.Stopped, known.StopReason
		}
		fresh[t.ID] = t
	}
	s.threads = fresh
}

// Info returns a snapshot of the session.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()

	info := Info{
		ID:                  s.id,
		Kind:                s.kind,
		Program:             s.program,
		State:               s.state,
		CreatedAt:           s.createdAt,
		Adapter:             s.candidate.Name,
		Mode:                s.candidate.Mode,
		Target:              s.candidate.Target(),
		LastStoppedThread:   s.lastStopped,
		ExitCode:            s.exitCode,
		Threads:             slices.Collect(maps.Values(s.threads)),
		Breakpoints:         s.sortedBreakpointsLocked(),
		FunctionBreakpoints: slices.Clone(s.functionBreakpoints),
		Capabilities:        s.capabilities,
		Attempts:            s.attempts,
	}
	slices.SortFunc(info.Threads, func(a, b Thread) int { return a.ID - b.ID })
	if info.Threads == nil {
		info.Threads = []Thread{}
	}
	if info.FunctionBreakpoints == nil {
		info.FunctionBreakpoints = []FunctionBreakpoint{}
	}
	return info
}

func (s *Session) sortedBreakpointsLocked() []Breakpoint {
	sources := lo.Keys(s.breakpoints)
	slices.Sort(sources)
	all := []Breakpoint{}
	for _, source := range sources {
		all = append(all, s.breakpoints[source]...)
	}
	return all
}
