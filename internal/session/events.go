package session

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/go-dap"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/vajrock/mcp-debug-bridge/internal/backend"
)

// NotificationPrefix is prepended to backend event names to form the client method.
const NotificationPrefix = "notifications/debug/"

// EventSessionEnded is emitted once per session, after its last backend event.
const EventSessionEnded = "sessionEnded"

const disconnectTimeout = 2 * time.Second

// Notification is one backend event bound for the session's subscriber.
type Notification struct {
	SessionID string
	Event     string
	Body      json.RawMessage
}

// Method is the JSON-RPC method the notification is delivered under.
func (n Notification) Method() string {
	return NotificationPrefix + n.Event
}

// Params merges sessionId into the event body. Bodies that are not objects
// are nested under "body".
func (n Notification) Params() (json.RawMessage, error) {
	params := []byte(`{}`)
	body := gjson.ParseBytes(n.Body)
	switch {
	case body.IsObject():
		params = append([]byte(nil), n.Body...)
	case len(n.Body) > 0 && body.Type != gjson.Null:
		var setErr error
		if params, setErr = sjson.SetRawBytes(params, "body", n.Body); setErr != nil {
			return nil, setErr
		}
	}
	return sjson.SetBytes(params, "sessionId", n.SessionID)
}

// applyEvent folds ev into the cached session state. It reports whether the
// backend announced that the debuggee is gone.
func (s *Session) applyEvent(ev backend.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch ev.Event {
	case "initialized":
		s.initializedOnce.Do(func() { close(s.initialized) })

	case "stopped":
		var body dap.StoppedEventBody
		if s.decode(ev, &body) {
			s.applyStoppedLocked(body)
		}

	case "continued":
		var body dap.ContinuedEventBody
		if s.decode(ev, &body) && s.state == StatePaused {
			_ = s.transitionLocked(StateRunning)
			for id, t := range s.threads {
				if body.AllThreadsContinued || id == body.ThreadId {
					t.Stopped, t.StopReason = false, ""
					s.threads[id] = t
				}
			}
		}

	case "thread":
		var body dap.ThreadEventBody
		if s.decode(ev, &body) {
			switch body.Reason {
			case "started":
				if _, known := s.threads[body.ThreadId]; !known {
					s.threads[body.ThreadId] = Thread{ID: body.ThreadId}
				}
			case "exited":
				delete(s.threads, body.ThreadId)
			}
		}

	case "breakpoint":
		var body dap.BreakpointEventBody
		if s.decode(ev, &body) {
			s.applyBreakpointEventLocked(body)
		}

	case "exited":
		var body dap.ExitedEventBody
		if s.decode(ev, &body) {
			code := body.ExitCode
			s.exitCode = &code
		}

	case "terminated":
		s.terminatedSeen = true
	}
	return s.terminatedSeen
}

func (s *Session) decode(ev backend.Event, body any) bool {
	if len(ev.Body) == 0 {
		return true
	}
	if decodeErr := json.Unmarshal(ev.Body, body); decodeErr != nil {
		s.log.Error(decodeErr, "Ignoring malformed event body", "event", ev.Event)
		return false
	}
	return true
}

func (s *Session) applyStoppedLocked(body dap.StoppedEventBody) {
	s.stops++
	if body.ThreadId > 0 {
		s.lastStopped = body.ThreadId
	}
	for id, t := range s.threads {
		if body.AllThreadsStopped || id == body.ThreadId {
			t.Stopped, t.StopReason = true, body.Reason
			s.threads[id] = t
		}
	}
	if _, known := s.threads[body.ThreadId]; !known && body.ThreadId > 0 {
		s.threads[body.ThreadId] = Thread{ID: body.ThreadId, Stopped: true, StopReason: body.Reason}
	}

	for _, hit := range body.HitBreakpointIds {
		for source, bps := range s.breakpoints {
			for i := range bps {
				if bps[i].ID == hit {
					bps[i].HitCount++
				}
			}
			s.breakpoints[source] = bps
		}
		for i := range s.functionBreakpoints {
			if s.functionBreakpoints[i].ID == hit {
				s.functionBreakpoints[i].HitCount++
			}
		}
	}

	switch s.state {
	case StateRunning, StateConfigured:
		_ = s.transitionLocked(StatePaused)
	case StatePaused:
	default:
		// Setup has not finished; it moves to Paused on completion.
		s.stopSeen = true
	}
}

// applyBreakpointEventLocked only updates breakpoints this session created;
// verified comes from the backend's event body.
func (s *Session) applyBreakpointEventLocked(body dap.BreakpointEventBody) {
	if body.Breakpoint.Id == 0 {
		return
	}
	for source, bps := range s.breakpoints {
		for i := range bps {
			if bps[i].ID != body.Breakpoint.Id {
				continue
			}
			if body.Reason == "removed" {
				bps = append(bps[:i], bps[i+1:]...)
			} else {
				bps[i].Verified = body.Breakpoint.Verified
				bps[i].Message = body.Breakpoint.Message
				if body.Breakpoint.Line > 0 {
					bps[i].Line = body.Breakpoint.Line
				}
			}
			if len(bps) == 0 {
				delete(s.breakpoints, source)
			} else {
				s.breakpoints[source] = bps
			}
			return
		}
	}
	for i := range s.functionBreakpoints {
		if s.functionBreakpoints[i].ID != body.Breakpoint.Id {
			continue
		}
		if body.Reason == "removed" {
			s.functionBreakpoints = append(s.functionBreakpoints[:i], s.functionBreakpoints[i+1:]...)
		} else {
			s.functionBreakpoints[i].Verified = body.Breakpoint.Verified
			s.functionBreakpoints[i].Message = body.Breakpoint.Message
		}
		return
	}
}

// pump is the only writer of the session's notification channel. It forwards
// every backend event in order, then emits sessionEnded and closes the channel.
func (o *Orchestrator) pump(s *Session) {
	defer o.pumps.Done()

	for ev := range s.backend.Events() {
		gone := s.applyEvent(ev)
		s.notifications.In <- Notification{SessionID: s.id, Event: ev.Event, Body: ev.Body}
		if gone {
			o.teardown(s, StateTerminated, "debuggee terminated", true)
		}
	}

	reason := "backend disconnected"
	if cause := s.backend.Err(); cause != nil {
		reason = cause.Error()
	}
	final := StateErrored
	s.mu.Lock()
	if s.terminatedSeen {
		final = StateTerminated
	}
	s.mu.Unlock()
	o.teardown(s, final, reason, false)

	info := s.Info()
	body, _ := json.Marshal(map[string]any{"state": info.State, "reason": s.endReason(), "exitCode": info.ExitCode})
	s.notifications.In <- Notification{SessionID: s.id, Event: EventSessionEnded, Body: body}
	close(s.notifications.In)
}

// teardown ends s exactly once: it records the final state, removes the
// session from the registry, and closes its backend and queue. When
// disconnect is set, the backend is first asked to let go of the debuggee.
func (o *Orchestrator) teardown(s *Session, final State, reason string, disconnect bool) {
	s.endOnce.Do(func() {
		s.mu.Lock()
		if transitionErr := s.transitionLocked(final); transitionErr != nil {
			s.log.V(1).Info("Forcing final state", "state", final, "reason", transitionErr.Error())
			s.state = final
		}
		s.endedReason = reason
		s.mu.Unlock()
		close(s.ended)

		o.mu.Lock()
		delete(o.sessions, s.id)
		o.mu.Unlock()

		if disconnect {
			ctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
			_, disconnectErr := s.backend.Call(ctx, "disconnect", dap.DisconnectArguments{TerminateDebuggee: true})
			cancel()
			if disconnectErr != nil {
				s.log.V(1).Info("Disconnect failed", "error", disconnectErr.Error())
			}
		}
		if closeErr := s.backend.Close(); closeErr != nil {
			s.log.V(1).Info("Closing backend failed", "error", closeErr.Error())
		}
		s.queue.close()
		s.log.Info("Debug session ended", "state", final, "reason", reason)
	})
}

func (s *Session) endReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endedReason
}
