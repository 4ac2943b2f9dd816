// Package establish turns a requested backend kind into a live, initialized
// backend connection. Candidates of a kind are tried in priority order; each
// gets its own timeout and a bounded number of retries before the next one is
// tried.
package establish

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/samber/lo"
)

// PortPlaceholder in a candidate command is replaced with a free local port.
const PortPlaceholder = "{{port}}"

// Mode says how a candidate is reached.
type Mode string

const (
	// ModeStdio spawns the adapter and speaks DAP over its stdin and stdout.
	ModeStdio Mode = "stdio"

	// ModeTCPConnect spawns the adapter on a free port and connects to it.
	ModeTCPConnect Mode = "tcp-connect"

	// ModeTCPAttach connects to a DAP server that is already listening.
	ModeTCPAttach Mode = "tcp-attach"

	// ModeJDWP connects to a JVM debug agent and performs the JDWP handshake.
	ModeJDWP Mode = "jdwp"
)

// ErrUnknownKind is returned for kinds with no registered candidates.
var ErrUnknownKind = errors.New("unknown backend kind")

// Candidate is one way of reaching a backend of some kind.
type Candidate struct {
	Name    string   `mapstructure:"name" json:"name"`
	Mode    Mode     `mapstructure:"mode" json:"mode"`
	Command []string `mapstructure:"command" json:"command,omitempty"`

	// Address is host:port for tcp-attach and jdwp candidates.
	Address string `mapstructure:"address" json:"address,omitempty"`

	// ReadyPattern is a regular expression matched against the spawned
	// process's stdout. When empty, readiness is a connectable port.
	ReadyPattern string `mapstructure:"readyPattern" json:"readyPattern,omitempty"`

	Env []string `mapstructure:"env" json:"env,omitempty"`
}

// Target describes what the candidate connects to, for logs and attempt records.
func (c Candidate) Target() string {
	if len(c.Command) > 0 {
		return strings.Join(c.Command, " ")
	}
	return c.Address
}

func (c Candidate) validate() error {
	switch c.Mode {
	case ModeStdio, ModeTCPConnect:
		if len(c.Command) == 0 {
			return fmt.Errorf("candidate %q: mode %s needs a command", c.Name, c.Mode)
		}
	case ModeTCPAttach, ModeJDWP:
		if c.Address == "" {
			return fmt.Errorf("candidate %q: mode %s needs an address", c.Name, c.Mode)
		}
	default:
		return fmt.Errorf("candidate %q: unknown mode %q", c.Name, c.Mode)
	}
	return nil
}

// DefaultChains are the fallback chains used when configuration names none.
func DefaultChains() map[string][]Candidate {
	return map[string][]Candidate{
		"go": {
			{Name: "dlv", Mode: ModeTCPConnect, Command: []string{"dlv", "dap", "--listen", "127.0.0.1:" + PortPlaceholder}, ReadyPattern: "DAP server listening at"},
		},
		"node": {
			{Name: "js-debug-adapter", Mode: ModeTCPConnect, Command: []string{"js-debug-adapter", PortPlaceholder, "127.0.0.1"}},
			{Name: "dapDebugServer", Mode: ModeTCPConnect, Command: []string{"dapDebugServer", PortPlaceholder, "127.0.0.1"}},
		},
		"python": {
			{Name: "debugpy", Mode: ModeStdio, Command: []string{"python3", "-m", "debugpy.adapter"}},
			{Name: "debugpy-python", Mode: ModeStdio, Command: []string{"python", "-m", "debugpy.adapter"}},
		},
		"dotnet": {
			{Name: "netcoredbg", Mode: ModeStdio, Command: []string{"netcoredbg", "--interpreter=vscode"}},
			{Name: "vsdbg", Mode: ModeStdio, Command: []string{"vsdbg", "--interpreter=vscode"}},
		},
		"lldb": {
			{Name: "lldb-dap", Mode: ModeStdio, Command: []string{"lldb-dap"}},
			{Name: "lldb-vscode", Mode: ModeStdio, Command: []string{"lldb-vscode"}},
		},
		"java": {
			{Name: "jdwp", Mode: ModeJDWP, Address: "127.0.0.1:5005"},
		},
	}
}

var kindAliases = map[string]string{
	"delve":      "go",
	"golang":     "go",
	"javascript": "node",
	"pwa-node":   "node",
	"debugpy":    "python",
	"coreclr":    "dotnet",
	"csharp":     "dotnet",
	"codelldb":   "lldb",
	"cpp":        "lldb",
	"jvm":        "java",
}

// Registry maps backend kinds to fallback chains. It is read-only after construction.
type Registry struct {
	chains map[string][]Candidate
}

// NewRegistry starts from DefaultChains and replaces the chain of every kind in overrides.
func NewRegistry(overrides map[string][]Candidate) (*Registry, error) {
	chains := DefaultChains()
	for kind, chain := range overrides {
		if len(chain) == 0 {
			continue
		}
		for i := range chain {
			if chain[i].Name == "" {
				chain[i].Name = fmt.Sprintf("%s-%d", kind, i+1)
			}
			if validateErr := chain[i].validate(); validateErr != nil {
				return nil, validateErr
			}
		}
		chains[strings.ToLower(kind)] = slices.Clone(chain)
	}
	return &Registry{chains: chains}, nil
}

// Resolve maps a requested kind or alias to its canonical name.
func (r *Registry) Resolve(kind string) (string, bool) {
	kind = strings.ToLower(strings.TrimSpace(kind))
	if alias, ok := kindAliases[kind]; ok {
		kind = alias
	}
	_, ok := r.chains[kind]
	return kind, ok
}

// Chain returns a copy of the fallback chain for kind.
func (r *Registry) Chain(kind string) ([]Candidate, error) {
	canonical, ok := r.Resolve(kind)
	if !ok {
		return nil, fmt.Errorf("%w: %q (known kinds: %s)", ErrUnknownKind, kind, strings.Join(r.Kinds(), ", "))
	}
	return slices.Clone(r.chains[canonical]), nil
}

// Kinds returns the registered kinds in sorted order.
func (r *Registry) Kinds() []string {
	kinds := lo.Keys(r.chains)
	slices.Sort(kinds)
	return kinds
}
