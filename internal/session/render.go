package session

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/samber/lo"
)

func renderTable(header []string, rows [][]string) string {
	var buf strings.Builder
	table := tablewriter.NewWriter(&buf)
	table.Header(lo.ToAnySlice(header)...)
	for _, row := range rows {
		_ = table.Append(row)
	}
	_ = table.Render()
	return buf.String()
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func renderBreakpoints(bps []Breakpoint) string {
	return renderTable([]string{"Source", "Line", "ID", "Verified", "Hits", "Condition", "Message"},
		lo.Map(bps, func(bp Breakpoint, _ int) []string {
			condition := bp.Condition
			if bp.LogMessage != "" {
				condition = lo.Ternary(condition == "", "log: "+bp.LogMessage, condition+"; log: "+bp.LogMessage)
			}
			return []string{bp.Source, strconv.Itoa(bp.Line), strconv.Itoa(bp.ID), yesNo(bp.Verified), strconv.Itoa(bp.HitCount), condition, bp.Message}
		}))
}

func renderFunctionBreakpoints(bps []FunctionBreakpoint) string {
	return renderTable([]string{"Function", "ID", "Verified", "Hits", "Condition", "Message"},
		lo.Map(bps, func(bp FunctionBreakpoint, _ int) []string {
			return []string{bp.Name, strconv.Itoa(bp.ID), yesNo(bp.Verified), strconv.Itoa(bp.HitCount), bp.Condition, bp.Message}
		}))
}

func renderThreads(threads []Thread) string {
	return renderTable([]string{"ID", "Name", "State"},
		lo.Map(threads, func(t Thread, _ int) []string {
			state := "running"
			if t.Stopped {
				state = "stopped"
				if t.StopReason != "" {
					state += " (" + t.StopReason + ")"
				}
			}
			return []string{strconv.Itoa(t.ID), t.Name, state}
		}))
}

func renderInfo(info Info) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Session %s\n", info.ID)
	fmt.Fprintf(&b, "Kind: %s (%s via %s at %s)\n", info.Kind, info.Adapter, info.Mode, info.Target)
	fmt.Fprintf(&b, "Program: %s\n", info.Program)
	fmt.Fprintf(&b, "State: %s\n", info.State)
	fmt.Fprintf(&b, "Created: %s\n", info.CreatedAt.Format(time.RFC3339))
	if info.LastStoppedThread > 0 {
		fmt.Fprintf(&b, "Last stopped thread: %d\n", info.LastStoppedThread)
	}
	if info.ExitCode != nil {
		fmt.Fprintf(&b, "Exit code: %d\n", *info.ExitCode)
	}
	if len(info.Threads) > 0 {
		b.WriteString("\n## Threads\n")
		b.WriteString(renderThreads(info.Threads))
	}
	if len(info.Breakpoints) > 0 {
		b.WriteString("\n## Breakpoints\n")
		b.WriteString(renderBreakpoints(info.Breakpoints))
	}
	if len(info.FunctionBreakpoints) > 0 {
		b.WriteString("\n## Function Breakpoints\n")
		b.WriteString(renderFunctionBreakpoints(info.FunctionBreakpoints))
	}
	return b.String()
}
