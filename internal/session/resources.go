package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/samber/lo"

	"github.com/vajrock/mcp-debug-bridge/internal/establish"
	"github.com/vajrock/mcp-debug-bridge/internal/jdwp"
)

// Resource URIs.
const (
	ResourceSessions      = "debug://sessions"
	ResourceAdapters      = "debug://adapters"
	ResourceJDWPDiscovery = "debug://discovery/jdwp"

	sessionResourcePrefix = ResourceSessions + "/"
	jsonMIMEType          = "application/json"
)

// ErrResourceNotFound is returned by ReadResource for unknown URIs.
var ErrResourceNotFound = errors.New("resource not found")

// AdapterInfo describes one backend kind and its fallback chain.
type AdapterInfo struct {
	Kind       string                `json:"kind"`
	Candidates []establish.Candidate `json:"candidates"`
}

// Resources lists the readable resources, one per live session included.
func (o *Orchestrator) Resources() []*mcp.Resource {
	resources := []*mcp.Resource{
		{URI: ResourceSessions, Name: "sessions", Title: "Debug sessions", Description: "Every live debug session.", MIMEType: jsonMIMEType},
		{URI: ResourceAdapters, Name: "adapters", Title: "Debugger backends", Description: "Supported backend kinds and the candidates tried for each.", MIMEType: jsonMIMEType},
		{URI: ResourceJDWPDiscovery, Name: "jdwp-discovery", Title: "JVM debug ports", Description: "Local ports with a JDWP agent listening.", MIMEType: jsonMIMEType},
	}
	for _, info := range o.Sessions() {
		resources = append(resources, &mcp.Resource{
			URI:         sessionResourcePrefix + info.ID,
			Name:        "session-" + info.ID,
			Title:       fmt.Sprintf("%s session for %s", info.Kind, info.Program),
			Description: "State, threads and breakpoints of one debug session.",
			MIMEType:    jsonMIMEType,
		})
	}
	return resources
}

// ReadResource renders the resource at uri as JSON.
func (o *Orchestrator) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	var payload any
	switch {
	case uri == ResourceSessions:
		payload = map[string]any{"sessions": o.Sessions()}
	case uri == ResourceAdapters:
		payload = map[string]any{"adapters": o.Adapters()}
	case uri == ResourceJDWPDiscovery:
		payload = map[string]any{"endpoints": o.DiscoverJDWP(ctx)}
	case strings.HasPrefix(uri, sessionResourcePrefix):
		s := o.lookup(strings.TrimPrefix(uri, sessionResourcePrefix))
		if s == nil {
			return nil, fmt.Errorf("%w: %s", ErrResourceNotFound, uri)
		}
		payload = s.Info()
	default:
		return nil, fmt.Errorf("%w: %s", ErrResourceNotFound, uri)
	}

	text, marshalErr := json.MarshalIndent(payload, "", "  ")
	if marshalErr != nil {
		return nil, marshalErr
	}
	return &mcp.ReadResourceResult{
		Contents: []*mcp.ResourceContents{{URI: uri, MIMEType: jsonMIMEType, Text: string(text)}},
	}, nil
}

// Adapters lists every registered kind with its fallback chain.
func (o *Orchestrator) Adapters() []AdapterInfo {
	registry := o.connector.Registry()
	return lo.FilterMap(registry.Kinds(), func(kind string, _ int) (AdapterInfo, bool) {
		chain, chainErr := registry.Chain(kind)
		if chainErr != nil {
			return AdapterInfo{}, false
		}
		return AdapterInfo{Kind: kind, Candidates: chain}, true
	})
}

// DiscoverJDWP scans the configured ports for JVM debug agents.
func (o *Orchestrator) DiscoverJDWP(ctx context.Context) []jdwp.Endpoint {
	ports := o.opts.Discovery.Ports
	if len(ports) == 0 {
		ports = jdwp.DefaultPorts
	}
	endpoints := jdwp.Discover(ctx, o.opts.Discovery.Host, ports, o.opts.Discovery.Timeout, o.log)
	if endpoints == nil {
		endpoints = []jdwp.Endpoint{}
	}
	return endpoints
}
