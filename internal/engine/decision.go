package engine

import (
	"fmt"

	"golang.org/x/sys/unix"
	"pathguard.enforcer/pkg/syscalls"
)

type Action uint8

const (
	Allow Action = iota
	Deny
)

func (a Action) String() string {
	if a == Deny {
		return "deny"
	}
	return "allow"
}

type Reason uint8

const (
	ReasonNoRestriction Reason = iota
	ReasonRestricted
	ReasonNoStagedAttempt
	ReasonSuperseded
	ReasonHopLimit
	ReasonEngineClosed
	numReasons
)

var reasonNames = [numReasons]string{
	ReasonNoRestriction:   "no-restriction",
	ReasonRestricted:      "restricted",
	ReasonNoStagedAttempt: "no-staged-attempt",
	ReasonSuperseded:      "superseded",
	ReasonHopLimit:        "hop-limit",
	ReasonEngineClosed:    "engine-closed",
}

func (r Reason) String() string {
	if r < numReasons {
		return reasonNames[r]
	}
	return fmt.Sprintf("Reason(%d)", r)
}

// Reasons lists every reason, in declaration order.
func Reasons() []Reason {
	out := make([]Reason, 0, numReasons)
	for r := Reason(0); r < numReasons; r++ {
		out = append(out, r)
	}
	return out
}

// Decision is the verdict of one enforcement stage.
type Decision struct {
	Action Action
	Reason Reason
	// Path is the staged path, zero when nothing was staged.
	Path syscalls.Path
	// Hops is how many processes the ancestry walk examined.
	Hops        int
	MatchedPid  uint32
	MatchedName syscalls.ProcName
}

func (d Decision) Denied() bool { return d.Action == Deny }

// Errno is the error the denied syscall returns, 0 when allowed.
func (d Decision) Errno() unix.Errno {
	if d.Denied() {
		return unix.EACCES
	}
	return 0
}

func (d Decision) String() string {
	if d.Reason == ReasonRestricted {
		return fmt.Sprintf("%s (%s by %s[%d], %d hops) %s", d.Action, d.Reason, d.MatchedName, d.MatchedPid, d.Hops, d.Path)
	}
	return fmt.Sprintf("%s (%s) %s", d.Action, d.Reason, d.Path)
}
