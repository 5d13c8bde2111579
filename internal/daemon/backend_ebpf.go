//go:build linux

package daemon

import (
	"context"
	"os"

	"github.com/sirupsen/logrus"
	"pathguard.enforcer/internal/audit"
	"pathguard.enforcer/internal/config"
	"pathguard.enforcer/internal/engine"
	"pathguard.enforcer/internal/kernel"
)

type ebpfBackend struct {
	enforcer   *kernel.Enforcer
	bufferSize int
	log        *logrus.Entry
}

func newEBPFBackend(cfg *config.Config, ec engine.Config, log *logrus.Logger) (Backend, error) {
	enf, err := kernel.Load(kernel.Config{
		ObjectDir: cfg.BPF.ObjectDir,
		PinDir:    cfg.BPF.PinDir,
		Engine:    ec,
	}, log)
	if err != nil {
		return nil, err
	}
	if err := enf.Attach(); err != nil {
		enf.Close()
		return nil, err
	}
	return &ebpfBackend{
		enforcer:   enf,
		bufferSize: cfg.BPF.PerfBufferPages * os.Getpagesize(),
		log:        log.WithField("component", "ebpf"),
	}, nil
}

func (b *ebpfBackend) Name() string { return config.BackendEBPF }

func (b *ebpfBackend) PolicyTable() engine.PolicyTable { return b.enforcer.PolicyTable() }

func (b *ebpfBackend) Events() (audit.RecordReader, error) {
	return b.enforcer.Events(b.bufferSize)
}

// Run idles: the programs enforce on their own once attached.
func (b *ebpfBackend) Run(ctx context.Context) error {
	b.log.Info("eBPF programs attached, enforcing")
	<-ctx.Done()
	return nil
}

func (b *ebpfBackend) Counters() (Counters, error) {
	kc, err := b.enforcer.Counters()
	if err != nil {
		return Counters{}, err
	}
	return Counters{
		Staged:           kc.Staged,
		UserReadFailures: kc.UserReadFailures,
		Decisions:        kc.Decisions,
	}, nil
}

func (b *ebpfBackend) Close() error { return b.enforcer.Close() }
