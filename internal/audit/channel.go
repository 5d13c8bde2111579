// Package audit carries exec events from the producer to their consumers over
// bounded per-CPU buffers that drop on overflow.
package audit

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"pathguard.enforcer/pkg/syscalls"
)

var (
	ErrClosed = errors.New("audit channel closed")
	// ErrFull is returned by Publish when the CPU's buffer has no room. The
	// event is dropped and reported as lost on that CPU.
	ErrFull = errors.New("per-cpu buffer full")
)

// Record is one item read from a per-CPU event stream. A record either holds
// a sample or reports samples lost on CPU since the previous record.
type Record struct {
	CPU         int
	RawSample   []byte
	LostSamples uint64
}

// RecordReader is implemented by PerCPUChannel and by the kernel perf reader.
type RecordReader interface {
	// Read blocks until a record is available or the reader is closed, in
	// which case it returns ErrClosed.
	Read() (Record, error)
	Close() error
}

// PerCPUChannel is the in-process exec event channel: one bounded FIFO per
// logical CPU. Order is preserved within a CPU only.
type PerCPUChannel struct {
	rings  []chan []byte
	lost   []atomic.Uint64
	notify chan struct{}
	done   chan struct{}
	once   sync.Once
	next   atomic.Uint32

	published atomic.Uint64
	dropped   atomic.Uint64
}

var _ RecordReader = (*PerCPUChannel)(nil)

// NewPerCPUChannel creates a channel for cpus CPUs holding perCPU events each.
func NewPerCPUChannel(cpus, perCPU int) (*PerCPUChannel, error) {
	if cpus < 1 || perCPU < 1 {
		return nil, fmt.Errorf("invalid per-cpu channel size %d x %d", cpus, perCPU)
	}
	c := &PerCPUChannel{
		rings:  make([]chan []byte, cpus),
		lost:   make([]atomic.Uint64, cpus),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	for i := range c.rings {
		c.rings[i] = make(chan []byte, perCPU)
	}
	return c, nil
}

func (c *PerCPUChannel) slot(cpu int) int {
	if cpu < 0 {
		cpu = -cpu
	}
	return cpu % len(c.rings)
}

// Publish copies ev into the buffer of cpu without blocking.
func (c *PerCPUChannel) Publish(cpu int, ev *syscalls.ExecEvent) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	raw, err := ev.MarshalBinary()
	if err != nil {
		return err
	}
	i := c.slot(cpu)
	select {
	case c.rings[i] <- raw:
		c.published.Add(1)
	default:
		c.lost[i].Add(1)
		c.dropped.Add(1)
		c.wake()
		return ErrFull
	}
	c.wake()
	return nil
}

func (c *PerCPUChannel) wake() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// Read returns the next record, visiting CPUs round-robin so one busy CPU
// cannot starve the others.
func (c *PerCPUChannel) Read() (Record, error) {
	for {
		select {
		case <-c.done:
			return Record{}, ErrClosed
		default:
		}
		if rec, ok := c.poll(); ok {
			return rec, nil
		}
		select {
		case <-c.notify:
		case <-c.done:
			return Record{}, ErrClosed
		}
	}
}

func (c *PerCPUChannel) poll() (Record, bool) {
	n := len(c.rings)
	start := int(c.next.Add(1)) % n
	for k := 0; k < n; k++ {
		i := (start + k) % n
		if lost := c.lost[i].Swap(0); lost > 0 {
			return Record{CPU: i, LostSamples: lost}, true
		}
		select {
		case raw := <-c.rings[i]:
			return Record{CPU: i, RawSample: raw}, true
		default:
		}
	}
	return Record{}, false
}

func (c *PerCPUChannel) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *PerCPUChannel) CPUs() int { return len(c.rings) }

func (c *PerCPUChannel) Published() uint64 { return c.published.Load() }

// Dropped counts events Publish refused because a buffer was full.
func (c *PerCPUChannel) Dropped() uint64 { return c.dropped.Load() }
