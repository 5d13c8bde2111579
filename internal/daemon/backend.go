package daemon

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"pathguard.enforcer/internal/audit"
	"pathguard.enforcer/internal/config"
	"pathguard.enforcer/internal/engine"
)

// ErrUnsupported is returned for a backend this platform cannot run.
var ErrUnsupported = errors.New("backend not supported on this platform")

// Backend is one way of intercepting openat and execve: BPF programs in the
// kernel, or a ptrace supervisor driving the in-process engine.
type Backend interface {
	Name() string
	// PolicyTable is where policy loads are published.
	PolicyTable() engine.PolicyTable
	// Events opens the exec event stream. It may be called once.
	Events() (audit.RecordReader, error)
	// Run blocks while the backend enforces. It returns when ctx is done or,
	// for the ptrace backend, when the traced command exits.
	Run(ctx context.Context) error
	Counters() (Counters, error)
	Close() error
}

// Counters are the enforcement counters of a backend.
type Counters struct {
	Staged           uint64
	UserReadFailures uint64
	// Decisions is indexed by reason, then by action.
	Decisions map[engine.Reason][2]uint64
}

// ExitCoder is implemented by backends that supervise a command.
type ExitCoder interface {
	ExitCode() int
}

// NewBackend builds the backend cfg selects. argv is the command to trace and
// only applies to the ptrace backend.
func NewBackend(cfg *config.Config, argv []string, log *logrus.Logger) (Backend, error) {
	ec, err := cfg.EngineConfig()
	if err != nil {
		return nil, err
	}
	switch cfg.Backend {
	case config.BackendEBPF:
		if len(argv) > 0 {
			return nil, fmt.Errorf("the %s backend enforces system-wide and takes no command", cfg.Backend)
		}
		return newEBPFBackend(cfg, ec, log)
	case config.BackendPtrace:
		if len(argv) == 0 {
			return nil, fmt.Errorf("the %s backend needs a command to trace", cfg.Backend)
		}
		return newPtraceBackend(cfg, ec, argv, log)
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

// engineCounters reads the counters kept by the in-process engine.
func engineCounters(eng *engine.Engine) Counters {
	st := eng.Stats()
	c := Counters{
		Staged:           st.Staged,
		UserReadFailures: st.UserReadFailures,
		Decisions:        make(map[engine.Reason][2]uint64),
	}
	for _, r := range engine.Reasons() {
		c.Decisions[r] = [2]uint64{
			eng.DecisionCount(engine.Allow, r),
			eng.DecisionCount(engine.Deny, r),
		}
	}
	return c
}
