package engine

import (
	"github.com/sirupsen/logrus"
	"pathguard.enforcer/pkg/syscalls"
)

// Resolution is the outcome of an ancestry walk.
type Resolution struct {
	Restricted  bool
	Hops        int
	MatchedPid  uint32
	MatchedName syscalls.ProcName
}

// Resolve walks from pid towards the root of its recorded ancestry and reports
// whether any process on the way has a policy entry restricting target. name
// labels pid itself; ancestors are labelled from the names recorded when they
// were observed, and unlabelled ancestors only continue the walk.
//
// The walk examines at most MaxAncestryHops processes. Reaching the cap
// returns ErrHopLimit, which also ends cyclic chains.
func (e *Engine) Resolve(pid uint32, name syscalls.ProcName, target syscalls.Path) (Resolution, error) {
	cur, label, labelled := pid, name, !name.IsZero()
	for hop := 1; hop <= e.cfg.MaxAncestryHops; hop++ {
		if labelled {
			if restricted, ok := e.policy.Lookup(label); ok && restricted == target {
				return Resolution{Restricted: true, Hops: hop, MatchedPid: cur, MatchedName: label}, nil
			}
		}
		parent, ok := e.ancestry.Lookup(cur)
		if !ok {
			return Resolution{Hops: hop}, nil
		}
		cur = parent
		label, labelled = e.labels.Lookup(cur)
	}

	e.log.WithFields(logrus.Fields{
		"pid":      pid,
		"last_pid": cur,
		"max_hops": e.cfg.MaxAncestryHops,
	}).Warn("Ancestry walk hit the hop limit")
	return Resolution{Hops: e.cfg.MaxAncestryHops}, ErrHopLimit
}
