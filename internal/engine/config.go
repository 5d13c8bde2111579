package engine

import (
	"fmt"
	"strings"

	"pathguard.enforcer/internal/tables"
)

const (
	DefaultMaxAncestryHops = 32
	// MaxAncestryHopsLimit bounds the configurable hop count. bpf/file_filter.bpf.c
	// unrolls its walk to the same depth.
	MaxAncestryHopsLimit = 64
)

// FailMode decides the outcome of an enforcement stage that cannot reach a
// verdict: no staged attempt, a superseded hand-off, an exhausted ancestry
// walk or a closed engine.
type FailMode uint8

const (
	FailOpen FailMode = iota
	FailClosed
)

func (m FailMode) String() string {
	switch m {
	case FailOpen:
		return "open"
	case FailClosed:
		return "closed"
	default:
		return fmt.Sprintf("FailMode(%d)", m)
	}
}

func ParseFailMode(s string) (FailMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "open":
		return FailOpen, nil
	case "closed":
		return FailClosed, nil
	}
	return FailOpen, fmt.Errorf("unknown fail mode %q (want open or closed)", s)
}

// StagingKey selects what correlates an entry stage with its enforcement stage.
type StagingKey uint8

const (
	// StageByThread keys staged attempts by (pid, tid).
	StageByThread StagingKey = iota
	// StageByPid keys staged attempts by pid only. Threads of one process
	// overwrite each other's attempts; the token detects it.
	StageByPid
)

func (k StagingKey) String() string {
	switch k {
	case StageByThread:
		return "thread"
	case StageByPid:
		return "pid"
	default:
		return fmt.Sprintf("StagingKey(%d)", k)
	}
}

func ParseStagingKey(s string) (StagingKey, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "thread":
		return StageByThread, nil
	case "pid":
		return StageByPid, nil
	}
	return StageByThread, fmt.Errorf("unknown staging key %q (want thread or pid)", s)
}

type Config struct {
	MaxAncestryHops int
	FailMode        FailMode
	StagingKey      StagingKey
	// TableCapacity sizes the ancestry, label and staging tables, and the
	// policy table when the engine creates its own.
	TableCapacity int
}

func DefaultConfig() Config {
	return Config{
		MaxAncestryHops: DefaultMaxAncestryHops,
		FailMode:        FailOpen,
		StagingKey:      StageByThread,
		TableCapacity:   tables.DefaultCapacity,
	}
}

func (c Config) Validate() error {
	if c.MaxAncestryHops < 1 || c.MaxAncestryHops > MaxAncestryHopsLimit {
		return fmt.Errorf("max ancestry hops %d out of range [1, %d]", c.MaxAncestryHops, MaxAncestryHopsLimit)
	}
	if c.FailMode > FailClosed {
		return fmt.Errorf("invalid fail mode %d", c.FailMode)
	}
	if c.StagingKey > StageByPid {
		return fmt.Errorf("invalid staging key %d", c.StagingKey)
	}
	if c.TableCapacity < 1 {
		return fmt.Errorf("invalid table capacity %d", c.TableCapacity)
	}
	return nil
}
