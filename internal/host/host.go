// Package host describes what the agent needs from the browser it observes:
// a process-tree snapshot with cumulative CPU time per child process, the list
// of open tabs, and which tab is in the foreground.
package host

import (
	"context"
	"time"

	"github.com/aristosando/tabcarbon/internal/types"
)

// TopicNetworkData is the bus topic carrying protocol.NetworkData for every
// finished request a host observed.
const TopicNetworkData = "network-data"

type Window struct {
	OuterWindowID string
}

type ChildProcess struct {
	PID           int32
	CPUTime       time.Duration
	CPUCycleCount uint64
	Memory        uint64
	Windows       []Window
}

// HasWindow reports whether the process renders the given window.
func (c ChildProcess) HasWindow(outerWindowID string) bool {
	for _, w := range c.Windows {
		if w.OuterWindowID == outerWindowID {
			return true
		}
	}
	return false
}

type Snapshot struct {
	TakenAt  time.Time
	Children []ChildProcess
}

// FindByWindow returns the child rendering outerWindowID.
func (s Snapshot) FindByWindow(outerWindowID string) (ChildProcess, bool) {
	for _, c := range s.Children {
		if c.HasWindow(outerWindowID) {
			return c, true
		}
	}
	return ChildProcess{}, false
}

type Tab struct {
	ID            types.TabID
	OuterWindowID string
	Title         string
	URL           string
}

type Source interface {
	ProcessTree(ctx context.Context) (Snapshot, error)
	Tabs(ctx context.Context) ([]Tab, error)
	// ActiveTab returns false when no tab is in the foreground.
	ActiveTab(ctx context.Context) (Tab, bool, error)
}

// Labeler maps a window id to a human-readable tab label.
type Labeler interface {
	Label(ctx context.Context, outerWindowID string) (string, error)
}
