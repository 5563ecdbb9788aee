// Package mode defines the process-wide operating policy selected at start.
package mode

import (
	"fmt"
	"strings"
)

// Mode is fixed for the life of the process.
type Mode string

const (
	Drive       Mode = "drive"
	Relentless  Mode = "relentless"
	Interactive Mode = "interactive"
	Watch       Mode = "watch"
	Passive     Mode = "passive"
)

// All lists every mode in display order.
var All = []Mode{Drive, Relentless, Interactive, Watch, Passive}

// Parse accepts a mode name, case-insensitively.
func Parse(s string) (Mode, error) {
	m := Mode(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range All {
		if m == known {
			return m, nil
		}
	}
	return "", fmt.Errorf("unknown mode %q (want one of drive, relentless, interactive, watch, passive)", s)
}

// Title is the banner name, e.g. "Drive Mode".
func (m Mode) Title() string {
	if m == "" {
		return ""
	}
	return strings.ToUpper(string(m[:1])) + string(m[1:]) + " Mode"
}

// Observing reports whether the loop follows an existing session file
// instead of spawning the worker itself.
func (m Mode) Observing() bool { return m == Watch || m == Passive }

// ConsultsDirector reports whether closed turns are handed to the director.
func (m Mode) ConsultsDirector() bool { return m != Passive }

// RequiresTask reports whether the loop needs an initial task to start.
func (m Mode) RequiresTask() bool { return m == Drive || m == Relentless }

// StartsIdle reports whether the loop waits for a human task first.
func (m Mode) StartsIdle() bool { return m == Interactive }
