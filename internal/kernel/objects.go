//go:build linux

package kernel

import (
	"errors"

	"github.com/cilium/ebpf"
)

const (
	filterObject = "file_filter.bpf.o"
	auditObject  = "exec_audit.bpf.o"
)

// filterObjects mirrors bpf/file_filter.bpf.c.
type filterObjects struct {
	StageOpenat   *ebpf.Program `ebpf:"stage_openat"`
	EnforceOpenat *ebpf.Program `ebpf:"enforce_openat"`

	AppFileMap *ebpf.Map `ebpf:"app_file_map"`
	ParentMap  *ebpf.Map `ebpf:"parent_map"`
	LabelMap   *ebpf.Map `ebpf:"label_map"`
	StagingMap *ebpf.Map `ebpf:"staging_map"`
	Counters   *ebpf.Map `ebpf:"counters"`
}

func (o *filterObjects) Close() error {
	return closeAll(o.StageOpenat, o.EnforceOpenat, o.AppFileMap, o.ParentMap, o.LabelMap, o.StagingMap, o.Counters)
}

// auditObjects mirrors bpf/exec_audit.bpf.c. parent_map and label_map are
// replaced by the filter's instances at load time.
type auditObjects struct {
	AuditExecve *ebpf.Program `ebpf:"audit_execve"`
	ExecEvents  *ebpf.Map     `ebpf:"exec_events"`
}

func (o *auditObjects) Close() error {
	return closeAll(o.AuditExecve, o.ExecEvents)
}

type closer interface{ Close() error }

func closeAll(cs ...closer) error {
	var errs []error
	for _, c := range cs {
		switch v := c.(type) {
		case *ebpf.Program:
			if v == nil {
				continue
			}
		case *ebpf.Map:
			if v == nil {
				continue
			}
		}
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Counter slots of the per-CPU counters map. Decisions come first, two
// slots (allow, deny) per reason.
const (
	numReasons            = 6
	counterStaged         = numReasons * 2
	counterUserReadFailed = counterStaged + 1
	numCounters           = counterUserReadFailed + 1
)
