// Package daemon runs enforcerd: it owns the enforcement backend, the policy
// buffer and loader, the exec audit consumer and the guardctl socket.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"pathguard.enforcer/internal/audit"
	"pathguard.enforcer/internal/config"
	"pathguard.enforcer/internal/engine"
	"pathguard.enforcer/internal/metrics"
	"pathguard.enforcer/internal/policy"
	"pathguard.enforcer/pkg/ipc"
)

type Daemon struct {
	cfg      *config.Config
	backend  Backend
	buffer   *policy.Buffer
	loader   *policy.Loader
	consumer *audit.Consumer
	registry *prometheus.Registry
	log      *logrus.Logger
	started  time.Time

	// serializes policy commands so a load sees a consistent buffer
	policyMu sync.Mutex
	conns    sync.WaitGroup
	ready    chan struct{}
}

// New wires a daemon around backend. The backend is owned by the daemon from
// here on and released by Close.
func New(cfg *config.Config, backend Backend, log *logrus.Logger) (*Daemon, error) {
	events, err := backend.Events()
	if err != nil {
		return nil, fmt.Errorf("opening exec events: %w", err)
	}
	loader := policy.NewLoader(backend.PolicyTable(), log)
	loader.Prune = cfg.Policy.Prune

	d := &Daemon{
		cfg:      cfg,
		backend:  backend,
		buffer:   policy.NewBuffer(cfg.Policy.BufferSize),
		loader:   loader,
		consumer: audit.NewConsumer(events, log),
		registry: prometheus.NewRegistry(),
		log:      log,
		started:  time.Now(),
		ready:    make(chan struct{}),
	}
	if err := d.registry.Register(metrics.NewCollector(d.Status, log)); err != nil {
		return nil, err
	}
	return d, nil
}

// Ready is closed once the socket accepts connections.
func (d *Daemon) Ready() <-chan struct{} { return d.ready }

func (d *Daemon) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	g, gCtx := errgroup.WithContext(ctx)
	defer cancel()

	if d.cfg.Policy.File != "" {
		if _, err := d.loader.LoadFile(d.cfg.Policy.File); err != nil {
			return fmt.Errorf("initial policy load: %w", err)
		}
	}

	g.Go(func() error {
		signalChan := make(chan os.Signal, 1)
		signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(signalChan)

		select {
		case sig := <-signalChan:
			d.log.Infof("Received signal: %s, shutting down...", sig)
			cancel()
			return nil
		case <-gCtx.Done():
			return gCtx.Err()
		}
	})

	g.Go(func() error {
		return d.serveSocket(gCtx, d.cfg.IPC.Socket)
	})

	g.Go(func() error {
		return d.consumer.Run(gCtx)
	})

	if d.cfg.Policy.File != "" {
		g.Go(func() error {
			return d.loader.Watch(gCtx, d.cfg.Policy.File, d.cfg.Policy.WatchInterval)
		})
	}

	if d.cfg.Metrics.Listen != "" {
		g.Go(func() error {
			return metrics.Serve(gCtx, d.cfg.Metrics.Listen, d.registry, d.log)
		})
	}

	g.Go(func() error {
		err := d.backend.Run(gCtx)
		// a traced command exiting ends the daemon too
		cancel()
		return err
	})

	err := g.Wait()
	d.conns.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("daemon stopped with error: %w", err)
	}
	return nil
}

// ExitCode is the exit code of the supervised command, or 0 for backends that
// do not run one.
func (d *Daemon) ExitCode() int {
	if ec, ok := d.backend.(ExitCoder); ok {
		return ec.ExitCode()
	}
	return 0
}

func (d *Daemon) Close() error {
	d.log.Info("Closing enforcer daemon")
	return d.backend.Close()
}

// Status snapshots every counter the daemon knows about.
func (d *Daemon) Status() (ipc.StatusResponse, error) {
	ec, err := d.cfg.EngineConfig()
	if err != nil {
		return ipc.StatusResponse{}, err
	}
	counters, err := d.backend.Counters()
	if err != nil {
		return ipc.StatusResponse{}, fmt.Errorf("reading backend counters: %w", err)
	}
	cs := d.consumer.Stats()
	ls := d.loader.Stats()

	st := ipc.StatusResponse{
		Backend:          d.backend.Name(),
		FailMode:         ec.FailMode.String(),
		StagingKey:       ec.StagingKey.String(),
		MaxAncestryHops:  ec.MaxAncestryHops,
		StartedAt:        d.started,
		Staged:           counters.Staged,
		UserReadFailures: counters.UserReadFailures,
		ExecReceived:     cs.Received,
		ExecLost:         cs.Lost,
		ExecDropped:      cs.SubscriberDropped,
		PolicyEntries:    d.backend.PolicyTable().Len(),
		PolicyLoaded:     ls.Loaded,
		PolicySkipped:    ls.Skipped,
		BufferUsed:       d.buffer.Len(),
		BufferLimit:      d.buffer.Limit(),
	}
	for _, r := range engine.Reasons() {
		counts := counters.Decisions[r]
		for _, a := range []engine.Action{engine.Allow, engine.Deny} {
			st.Decisions = append(st.Decisions, ipc.DecisionCount{
				Action: a.String(),
				Reason: r.String(),
				Count:  counts[a],
			})
		}
	}
	return st, nil
}

func (d *Daemon) handleCommand(cmd ipc.Command) ipc.CommandResponse {
	resp := ipc.CommandResponse{Type: cmd.Type}
	fail := func(err error) ipc.CommandResponse {
		d.log.WithError(err).WithField("command", cmd.Type).Warn("Command failed")
		resp.Error = err.Error()
		return resp
	}

	switch cmd.Type {
	case ipc.CmdPolicyAppend:
		payload, ok := cmd.Payload.(ipc.PolicyTextPayload)
		if !ok {
			return fail(fmt.Errorf("invalid payload for %s", cmd.Type))
		}
		d.policyMu.Lock()
		defer d.policyMu.Unlock()
		if _, err := d.buffer.Write([]byte(payload.Text)); err != nil {
			return fail(err)
		}
		d.log.WithField("bytes", len(payload.Text)).Info("Appended policy text")

	case ipc.CmdPolicyLoad:
		d.policyMu.Lock()
		defer d.policyMu.Unlock()
		res, err := d.loader.LoadBuffer(d.buffer)
		if err != nil {
			return fail(err)
		}
		resp.Payload = ipc.PolicyLoadResponse{Loaded: res.Loaded, Skipped: res.Skipped}

	case ipc.CmdPolicyDump:
		entries, err := policy.Entries(d.backend.PolicyTable())
		if err != nil {
			return fail(err)
		}
		out := ipc.PolicyDumpResponse{Entries: make([]ipc.PolicyEntry, 0, len(entries))}
		for _, e := range entries {
			out.Entries = append(out.Entries, ipc.PolicyEntry{Name: e.Name, Path: e.Path})
		}
		resp.Payload = out

	case ipc.CmdPolicyShow:
		resp.Payload = ipc.PolicyTextPayload{Text: d.buffer.String()}

	case ipc.CmdStatus:
		st, err := d.Status()
		if err != nil {
			return fail(err)
		}
		resp.Payload = st

	default:
		return fail(fmt.Errorf("unknown command type: %s", cmd.Type))
	}
	return resp
}
