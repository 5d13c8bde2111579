//go:build linux

// Package kernel loads the BPF enforcement and exec audit programs and
// exposes their maps through the same interfaces the in-process engine uses.
package kernel

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/perf"
	"github.com/cilium/ebpf/rlimit"
	"github.com/sirupsen/logrus"
	"pathguard.enforcer/internal/audit"
	"pathguard.enforcer/internal/engine"
	"pathguard.enforcer/internal/tables"
	"pathguard.enforcer/pkg/syscalls"
)

const (
	DefaultObjectDir = "/usr/lib/pathguard/bpf"
	DefaultPinDir    = "/sys/fs/bpf"
	// PolicyMapName is the file name of the pinned policy table under PinDir.
	PolicyMapName = "app_file_map"
)

type Config struct {
	ObjectDir string
	PinDir    string
	Engine    engine.Config
}

// Enforcer owns the loaded BPF objects and their attachments.
type Enforcer struct {
	cfg    Config
	log    *logrus.Entry
	filter filterObjects
	audit  auditObjects
	links  []link.Link
	reader *perf.Reader
	policy *tables.BPFMap[syscalls.ProcName, syscalls.Path]
}

// Load reads both objects from cfg.ObjectDir, applies the engine settings and
// loads them into the kernel. The policy map is pinned under cfg.PinDir, and
// an existing pin is reused so policy survives restarts.
func Load(cfg Config, log *logrus.Logger) (*Enforcer, error) {
	if err := cfg.Engine.Validate(); err != nil {
		return nil, err
	}
	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, fmt.Errorf("failed to remove memlock: %w", err)
	}
	if err := os.MkdirAll(cfg.PinDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating pin dir: %w", err)
	}

	e := &Enforcer{cfg: cfg, log: log.WithField("component", "kernel")}

	filterSpec, err := ebpf.LoadCollectionSpec(filepath.Join(cfg.ObjectDir, filterObject))
	if err != nil {
		return nil, fmt.Errorf("loading of eBPF object spec failed: %w", err)
	}
	vars := map[string]any{
		"max_ancestry_hops":  uint32(cfg.Engine.MaxAncestryHops),
		"fail_closed":        boolByte(cfg.Engine.FailMode == engine.FailClosed),
		"per_thread_staging": boolByte(cfg.Engine.StagingKey == engine.StageByThread),
	}
	for name, value := range vars {
		v, ok := filterSpec.Variables[name]
		if !ok {
			return nil, fmt.Errorf("variable %s missing from %s", name, filterObject)
		}
		if err := v.Set(value); err != nil {
			return nil, fmt.Errorf("setting of eBPF object var %s failed: %w", name, err)
		}
	}
	opts := &ebpf.CollectionOptions{Maps: ebpf.MapOptions{PinPath: cfg.PinDir}}
	if err := filterSpec.LoadAndAssign(&e.filter, opts); err != nil {
		return nil, verifierError("file filter", err)
	}

	auditSpec, err := ebpf.LoadCollectionSpec(filepath.Join(cfg.ObjectDir, auditObject))
	if err != nil {
		e.filter.Close()
		return nil, fmt.Errorf("loading of eBPF object spec failed: %w", err)
	}
	if err := auditSpec.LoadAndAssign(&e.audit, &ebpf.CollectionOptions{
		MapReplacements: map[string]*ebpf.Map{
			"parent_map": e.filter.ParentMap,
			"label_map":  e.filter.LabelMap,
		},
	}); err != nil {
		e.filter.Close()
		return nil, verifierError("exec audit", err)
	}

	e.policy = tables.NewBPFMap[syscalls.ProcName, syscalls.Path](e.filter.AppFileMap)
	e.log.WithFields(logrus.Fields{
		"objects":  cfg.ObjectDir,
		"pin_path": filepath.Join(cfg.PinDir, PolicyMapName),
	}).Info("eBPF objects loaded")
	return e, nil
}

func verifierError(what string, err error) error {
	var ve *ebpf.VerifierError
	if errors.As(err, &ve) {
		return fmt.Errorf("verifier rejected %s programs: %+v", what, ve)
	}
	return fmt.Errorf("error loading %s objects: %w", what, err)
}

func boolByte(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

// openatSymbol is the syscall wrapper the enforcement kprobe attaches to.
func openatSymbol() string {
	switch runtime.GOARCH {
	case "arm64":
		return "__arm64_sys_openat"
	default:
		return "__x64_sys_openat"
	}
}

// Attach hooks the programs into openat and execve.
func (e *Enforcer) Attach() error {
	attachments := []struct {
		name   string
		attach func() (link.Link, error)
	}{
		{"tracepoint syscalls/sys_enter_openat", func() (link.Link, error) {
			return link.Tracepoint("syscalls", "sys_enter_openat", e.filter.StageOpenat, nil)
		}},
		{"kprobe " + openatSymbol(), func() (link.Link, error) {
			return link.Kprobe(openatSymbol(), e.filter.EnforceOpenat, nil)
		}},
		{"tracepoint syscalls/sys_enter_execve", func() (link.Link, error) {
			return link.Tracepoint("syscalls", "sys_enter_execve", e.audit.AuditExecve, nil)
		}},
	}
	for _, a := range attachments {
		l, err := a.attach()
		if err != nil {
			return fmt.Errorf("attaching %s: %w", a.name, err)
		}
		e.links = append(e.links, l)
		e.log.WithField("hook", a.name).Info("Attached")
	}
	return nil
}

// PolicyTable is the pinned app_file_map.
func (e *Enforcer) PolicyTable() engine.PolicyTable { return e.policy }

// Events opens the perf reader for exec events. perCPUBuffer is the ring size
// per CPU in bytes.
func (e *Enforcer) Events(perCPUBuffer int) (audit.RecordReader, error) {
	if e.reader != nil {
		return nil, errors.New("exec event reader already open")
	}
	rd, err := perf.NewReader(e.audit.ExecEvents, perCPUBuffer)
	if err != nil {
		return nil, fmt.Errorf("opening perf reader: %w", err)
	}
	e.reader = rd
	return perfReader{rd: rd}, nil
}

// Counters is a sum over CPUs of the in-kernel counters.
type Counters struct {
	Staged           uint64
	UserReadFailures uint64
	Decisions        map[engine.Reason][2]uint64
}

func (e *Enforcer) Counters() (Counters, error) {
	c := Counters{Decisions: make(map[engine.Reason][2]uint64)}
	for idx := uint32(0); idx < numCounters; idx++ {
		var perCPU []uint64
		if err := e.filter.Counters.Lookup(&idx, &perCPU); err != nil {
			return c, fmt.Errorf("reading counter %d: %w", idx, err)
		}
		var sum uint64
		for _, v := range perCPU {
			sum += v
		}
		switch {
		case idx == counterStaged:
			c.Staged = sum
		case idx == counterUserReadFailed:
			c.UserReadFailures = sum
		default:
			r := engine.Reason(idx / 2)
			d := c.Decisions[r]
			d[idx%2] = sum
			c.Decisions[r] = d
		}
	}
	return c, nil
}

// Close detaches everything and releases the objects. The policy map stays
// pinned.
func (e *Enforcer) Close() error {
	var errs []error
	if e.reader != nil {
		errs = append(errs, e.reader.Close())
	}
	for _, l := range e.links {
		errs = append(errs, l.Close())
	}
	errs = append(errs, e.audit.Close(), e.filter.Close())
	e.log.Info("eBPF objects released")
	return errors.Join(errs...)
}

type perfReader struct {
	rd *perf.Reader
}

func (p perfReader) Read() (audit.Record, error) {
	rec, err := p.rd.Read()
	if err != nil {
		if errors.Is(err, perf.ErrClosed) {
			return audit.Record{}, audit.ErrClosed
		}
		return audit.Record{}, err
	}
	return audit.Record{CPU: rec.CPU, RawSample: rec.RawSample, LostSamples: rec.LostSamples}, nil
}

func (p perfReader) Close() error { return p.rd.Close() }

// OpenPolicy attaches to the pinned policy table of a running enforcer.
func OpenPolicy(pinDir string) (*tables.BPFMap[syscalls.ProcName, syscalls.Path], error) {
	return tables.OpenPinned[syscalls.ProcName, syscalls.Path](filepath.Join(pinDir, PolicyMapName))
}
