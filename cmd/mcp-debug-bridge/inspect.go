package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/vajrock/mcp-debug-bridge/internal/establish"
	"github.com/vajrock/mcp-debug-bridge/internal/jdwp"
)

// DiscoverCmd scans for JDWP agents.
type DiscoverCmd struct {
	Host    string        `help:"Host to scan (overrides discovery.host)."`
	Ports   []int         `short:"p" sep:"," help:"Ports to scan (overrides discovery.ports)."`
	Timeout time.Duration `help:"Per-port timeout (overrides discovery.timeout)."`
	JSON    bool          `help:"Print JSON instead of a table."`
}

func (c *DiscoverCmd) Run(globals *Globals) error {
	opts := globals.Config.Discovery
	if c.Host != "" {
		opts.Host = c.Host
	}
	if len(c.Ports) > 0 {
		opts.Ports = c.Ports
	}
	if c.Timeout > 0 {
		opts.Timeout = c.Timeout
	}

	endpoints := jdwp.Discover(context.Background(), opts.Host, opts.Ports, opts.Timeout, globals.Log.WithName("discovery"))
	if c.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{"endpoints": endpoints})
	}
	if len(endpoints) == 0 {
		fmt.Fprintf(os.Stdout, "No debug agents found on %s (ports %s)\n", opts.Host, joinPorts(opts.Ports))
		return nil
	}
	return writeEndpoints(os.Stdout, endpoints)
}

func writeEndpoints(w io.Writer, endpoints []jdwp.Endpoint) error {
	table := tablewriter.NewWriter(w)
	table.Header("Host", "Port", "Status", "VM", "JDWP", "Detail")
	for _, ep := range endpoints {
		vm, protocol := "", ""
		if ep.Version != nil {
			vm = strings.TrimSpace(ep.Version.VMName + " " + ep.Version.VMVersion)
			protocol = fmt.Sprintf("%d.%d", ep.Version.JDWPMajor, ep.Version.JDWPMinor)
		}
		if appendErr := table.Append([]string{ep.Host, strconv.Itoa(ep.Port), ep.Status, vm, protocol, ep.Detail}); appendErr != nil {
			return appendErr
		}
	}
	return table.Render()
}

func joinPorts(ports []int) string {
	parts := make([]string, len(ports))
	for i, p := range ports {
		parts[i] = strconv.Itoa(p)
	}
	return strings.Join(parts, ",")
}

// AdaptersCmd prints the establishment chains.
type AdaptersCmd struct{}

func (c *AdaptersCmd) Run(globals *Globals) error {
	registry, registryErr := establish.NewRegistry(globals.Config.Adapters)
	if registryErr != nil {
		return registryErr
	}
	return writeAdapters(os.Stdout, registry)
}

func writeAdapters(w io.Writer, registry *establish.Registry) error {
	table := tablewriter.NewWriter(w)
	table.Header("Kind", "Candidate", "Mode", "Target")
	for _, kind := range registry.Kinds() {
		chain, chainErr := registry.Chain(kind)
		if chainErr != nil {
			return chainErr
		}
		for _, candidate := range chain {
			row := []string{kind, candidate.Name, string(candidate.Mode), candidate.Target()}
			if appendErr := table.Append(row); appendErr != nil {
				return appendErr
			}
		}
	}
	return table.Render()
}
