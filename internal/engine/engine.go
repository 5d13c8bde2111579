// Package engine implements file-open enforcement and exec auditing over an
// explicit set of tables. A backend drives it from two interception points per
// openat (Enter at syscall entry, Enforce where the result can be overridden)
// and one per execve (AuditExec).
package engine

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"pathguard.enforcer/internal/tables"
	"pathguard.enforcer/pkg/syscalls"
)

var (
	// ErrHopLimit is returned by Resolve when the walk reaches
	// MaxAncestryHops without finding a root.
	ErrHopLimit = errors.New("ancestry hop limit reached")
	// ErrUserRead wraps failures to copy arguments out of the traced process.
	ErrUserRead = errors.New("user memory read failed")
	ErrClosed   = errors.New("engine closed")
)

// PolicyTable maps a process name to the single path it may not open.
type PolicyTable = tables.Table[syscalls.ProcName, syscalls.Path]

// EventSink receives exec events. Publish must not block.
type EventSink interface {
	Publish(cpu int, ev *syscalls.ExecEvent) error
}

// StageKey correlates the two stages of one openat.
type StageKey struct {
	Pid uint32
	Tid uint32
}

// StagedAttempt is the hand-off between Enter and Enforce.
type StagedAttempt = syscalls.OpenAttempt

// Token identifies one staged attempt. The zero Token carries no correlation.
type Token uint64

type scratchSlot struct {
	mu sync.Mutex
	ev syscalls.ExecEvent
}

// Engine owns every table the interceptors share. Its methods are safe for
// concurrent use and never block on anything but short table locks.
type Engine struct {
	cfg Config
	log *logrus.Entry

	policy   PolicyTable
	ancestry *tables.LRU[uint32, uint32]
	labels   *tables.LRU[uint32, syscalls.ProcName]
	staging  *tables.LRU[StageKey, StagedAttempt]

	seq     atomic.Uint64
	scratch []scratchSlot
	sink    EventSink
	closed  atomic.Bool

	stats counters
}

type counters struct {
	staged         atomic.Uint64
	userReadFailed atomic.Uint64
	lineageFailed  atomic.Uint64
	execCaptured   atomic.Uint64
	execDropped    atomic.Uint64
	decisions      [numReasons][2]atomic.Uint64
}

// New builds an engine. When policy is nil the engine creates an in-memory
// policy table that rejects inserts once full. sink may be nil, in which case
// exec events are built but not published.
func New(cfg Config, policy PolicyTable, sink EventSink, log *logrus.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid engine config: %w", err)
	}
	if log == nil {
		log = logrus.New()
	}
	if policy == nil {
		p, err := tables.NewLRU[syscalls.ProcName, syscalls.Path](cfg.TableCapacity, tables.RejectWhenFull)
		if err != nil {
			return nil, err
		}
		policy = p
	}
	ancestry, err := tables.NewLRU[uint32, uint32](cfg.TableCapacity, tables.EvictLRU)
	if err != nil {
		return nil, err
	}
	labels, err := tables.NewLRU[uint32, syscalls.ProcName](cfg.TableCapacity, tables.EvictLRU)
	if err != nil {
		return nil, err
	}
	staging, err := tables.NewLRU[StageKey, StagedAttempt](cfg.TableCapacity, tables.EvictLRU)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:      cfg,
		log:      log.WithField("component", "engine"),
		policy:   policy,
		ancestry: ancestry,
		labels:   labels,
		staging:  staging,
		scratch:  make([]scratchSlot, runtime.NumCPU()),
		sink:     sink,
	}
	e.log.WithFields(logrus.Fields{
		"max_hops":    cfg.MaxAncestryHops,
		"fail_mode":   cfg.FailMode,
		"staging_key": cfg.StagingKey,
		"capacity":    cfg.TableCapacity,
	}).Info("Enforcement engine initialized")
	return e, nil
}

func (e *Engine) Config() Config { return e.cfg }

// Policy returns the policy table the engine reads.
func (e *Engine) Policy() PolicyTable { return e.policy }

// RecordLineage stores child -> parent and the child's name. Backends call it
// for fork and clone events the interceptors would otherwise miss.
func (e *Engine) RecordLineage(pid, ppid uint32, name syscalls.ProcName) {
	if err := e.ancestry.Update(pid, ppid); err != nil {
		e.log.WithError(err).WithField("pid", pid).Debug("Ancestry update failed")
	}
	if !name.IsZero() {
		if err := e.labels.Update(pid, name); err != nil {
			e.log.WithError(err).WithField("pid", pid).Debug("Label update failed")
		}
	}
}

// DropStaged discards the attempt staged for an exited thread.
func (e *Engine) DropStaged(pid, tid uint32) {
	_, _, _ = e.staging.Take(e.stageKey(pid, tid), func(StagedAttempt) bool { return true })
}

// Parent returns the recorded parent of pid.
func (e *Engine) Parent(pid uint32) (uint32, bool) {
	return e.ancestry.Lookup(pid)
}

// Close tears down the engine-owned tables. The policy table belongs to the
// caller and is left untouched.
func (e *Engine) Close() error {
	if e.closed.Swap(true) {
		return nil
	}
	e.ancestry.Purge()
	e.labels.Purge()
	e.staging.Purge()
	e.log.Info("Enforcement engine closed")
	return nil
}

func (e *Engine) observe(t Task) {
	pid := t.Pid()
	ppid, err := t.ParentPid()
	if err != nil {
		e.stats.lineageFailed.Add(1)
		e.log.WithError(err).WithField("pid", pid).Debug("Parent pid unavailable")
		if err := e.labels.Update(pid, t.Comm().ProcName()); err != nil {
			e.log.WithError(err).WithField("pid", pid).Debug("Label update failed")
		}
		return
	}
	e.RecordLineage(pid, ppid, t.Comm().ProcName())
}

// Stats is a point-in-time copy of the engine counters.
type Stats struct {
	Staged            uint64
	UserReadFailures  uint64
	LineageFailures   uint64
	Allowed           uint64
	Denied            uint64
	ExecCaptured      uint64
	ExecDropped       uint64
	AncestryEntries   int
	StagingEntries    int
	AncestryEvictions uint64
	StagingEvictions  uint64
}

func (e *Engine) Stats() Stats {
	s := Stats{
		Staged:            e.stats.staged.Load(),
		UserReadFailures:  e.stats.userReadFailed.Load(),
		LineageFailures:   e.stats.lineageFailed.Load(),
		ExecCaptured:      e.stats.execCaptured.Load(),
		ExecDropped:       e.stats.execDropped.Load(),
		AncestryEntries:   e.ancestry.Len(),
		StagingEntries:    e.staging.Len(),
		AncestryEvictions: e.ancestry.Evictions(),
		StagingEvictions:  e.staging.Evictions(),
	}
	for r := range e.stats.decisions {
		s.Allowed += e.stats.decisions[r][Allow].Load()
		s.Denied += e.stats.decisions[r][Deny].Load()
	}
	return s
}

// DecisionCount reports how many enforcement stages ended with a and r.
func (e *Engine) DecisionCount(a Action, r Reason) uint64 {
	if r >= numReasons || a > Deny {
		return 0
	}
	return e.stats.decisions[r][a].Load()
}
