//go:build linux && amd64

package daemon

import (
	"context"
	"errors"
	"runtime"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"pathguard.enforcer/internal/audit"
	"pathguard.enforcer/internal/config"
	"pathguard.enforcer/internal/engine"
	"pathguard.enforcer/internal/ptrace"
)

type ptraceBackend struct {
	eng      *engine.Engine
	events   *audit.PerCPUChannel
	tracer   *ptrace.Tracer
	argv     []string
	exitCode atomic.Int32
	opened   atomic.Bool
	log      *logrus.Entry
}

func newPtraceBackend(cfg *config.Config, ec engine.Config, argv []string, log *logrus.Logger) (Backend, error) {
	events, err := audit.NewPerCPUChannel(runtime.NumCPU(), cfg.Audit.BufferPerCPU)
	if err != nil {
		return nil, err
	}
	eng, err := engine.New(ec, nil, events, log)
	if err != nil {
		events.Close()
		return nil, err
	}
	tracer, err := ptrace.NewTracer(eng, cfg.Ptrace.ProcRoot, log)
	if err != nil {
		eng.Close()
		events.Close()
		return nil, err
	}
	return &ptraceBackend{
		eng:    eng,
		events: events,
		tracer: tracer,
		argv:   argv,
		log:    log.WithField("component", "ptrace"),
	}, nil
}

func (b *ptraceBackend) Name() string { return config.BackendPtrace }

func (b *ptraceBackend) PolicyTable() engine.PolicyTable { return b.eng.Policy() }

func (b *ptraceBackend) Events() (audit.RecordReader, error) {
	if b.opened.Swap(true) {
		return nil, errors.New("exec event reader already open")
	}
	return b.events, nil
}

func (b *ptraceBackend) Run(ctx context.Context) error {
	code, err := b.tracer.Run(ctx, b.argv)
	b.exitCode.Store(int32(code))
	if err != nil {
		return err
	}
	b.log.WithField("exit_code", code).Info("Traced command exited")
	return nil
}

func (b *ptraceBackend) ExitCode() int { return int(b.exitCode.Load()) }

func (b *ptraceBackend) Counters() (Counters, error) { return engineCounters(b.eng), nil }

func (b *ptraceBackend) Close() error {
	return errors.Join(b.eng.Close(), b.events.Close())
}
