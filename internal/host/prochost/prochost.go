// Package prochost reads browser renderer processes straight from the OS. Each
// renderer is reported as one tab, since the OS has no notion of tabs. It works
// for any Chromium or Firefox build, without a debugging port.
package prochost

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/aristosando/tabcarbon/internal/host"
	"github.com/aristosando/tabcarbon/internal/types"
)

type procInfo struct {
	PID        int32
	Name       string
	Args       []string
	CPUSeconds float64
	RSS        uint64
}

type lister func(ctx context.Context) ([]procInfo, error)

type Host struct {
	list lister
	now  func() time.Time
}

var _ host.Source = (*Host)(nil)

func New() *Host {
	return &Host{list: listProcesses, now: time.Now}
}

func (h *Host) renderers(ctx context.Context) ([]procInfo, error) {
	procs, err := h.list(ctx)
	if err != nil {
		return nil, err
	}

	out := procs[:0]
	for _, p := range procs {
		if isRenderer(p.Name, p.Args) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PID < out[j].PID })

	return out, nil
}

func (h *Host) ProcessTree(ctx context.Context) (host.Snapshot, error) {
	procs, err := h.renderers(ctx)
	if err != nil {
		return host.Snapshot{}, err
	}

	snapshot := host.Snapshot{TakenAt: h.now()}
	for _, p := range procs {
		snapshot.Children = append(snapshot.Children, host.ChildProcess{
			PID:     p.PID,
			CPUTime: time.Duration(p.CPUSeconds * float64(time.Second)),
			Memory:  p.RSS,
			Windows: []host.Window{{OuterWindowID: types.ProcessWindowID(p.PID)}},
		})
	}

	return snapshot, nil
}

func (h *Host) Tabs(ctx context.Context) ([]host.Tab, error) {
	procs, err := h.renderers(ctx)
	if err != nil {
		return nil, err
	}

	tabs := make([]host.Tab, 0, len(procs))
	for _, p := range procs {
		window := types.ProcessWindowID(p.PID)
		tabs = append(tabs, host.Tab{
			ID:            types.TabID(window),
			OuterWindowID: window,
			Title:         label(p),
		})
	}

	return tabs, nil
}

// ActiveTab always reports no foreground tab.
func (h *Host) ActiveTab(context.Context) (host.Tab, bool, error) {
	return host.Tab{}, false, nil
}

func (h *Host) Label(ctx context.Context, outerWindowID string) (string, error) {
	pid, ok := types.ParseWindowPID(outerWindowID)
	if !ok {
		return "", fmt.Errorf("not a process window id: %q", outerWindowID)
	}

	procs, err := h.renderers(ctx)
	if err != nil {
		return "", err
	}
	for _, p := range procs {
		if p.PID == pid {
			return label(p), nil
		}
	}

	return "", fmt.Errorf("renderer %d not found", pid)
}

func label(p procInfo) string {
	return fmt.Sprintf("%s renderer (pid %d)", p.Name, p.PID)
}

func isBrowser(name string) bool {
	name = strings.ToLower(name)
	for _, b := range []string{"chrome", "chromium", "firefox", "msedge", "brave"} {
		if strings.Contains(name, b) {
			return true
		}
	}
	return false
}

// isRenderer recognises Chromium renderers (--type=renderer) and Firefox web
// content processes (-contentproc ... tab).
func isRenderer(name string, args []string) bool {
	if !isBrowser(name) {
		return false
	}

	contentProc := false
	for _, a := range args {
		switch {
		case a == "--type=renderer":
			return true
		case a == "-contentproc":
			contentProc = true
		}
	}

	return contentProc && len(args) > 0 && args[len(args)-1] == "tab"
}

func listProcesses(ctx context.Context) ([]procInfo, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}

	out := make([]procInfo, 0, len(procs))
	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil || !isBrowser(name) {
			continue
		}

		args, err := p.CmdlineSliceWithContext(ctx)
		if err != nil {
			continue
		}

		info := procInfo{PID: p.Pid, Name: name, Args: args}

		if times, err := p.TimesWithContext(ctx); err == nil {
			info.CPUSeconds = times.User + times.System
		}
		if mem, err := p.MemoryInfoWithContext(ctx); err == nil {
			info.RSS = mem.RSS
		}

		out = append(out, info)
	}

	return out, nil
}
