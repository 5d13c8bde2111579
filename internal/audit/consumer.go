package audit

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"pathguard.enforcer/pkg/syscalls"
)

// Consumer drains a RecordReader, decodes exec events, logs them and fans
// them out to subscribers.
type Consumer struct {
	rd  RecordReader
	log *logrus.Entry

	subMu  sync.RWMutex
	subs   map[uint64]chan syscalls.ExecEvent
	nextID uint64

	received   atomic.Uint64
	lost       atomic.Uint64
	malformed  atomic.Uint64
	subDropped atomic.Uint64
}

func NewConsumer(rd RecordReader, log *logrus.Logger) *Consumer {
	return &Consumer{
		rd:   rd,
		log:  log.WithField("component", "audit"),
		subs: make(map[uint64]chan syscalls.ExecEvent),
	}
}

// Run reads until ctx is done or the reader is closed. Closing the reader is
// what unblocks Read, so Run does it when ctx ends.
func (c *Consumer) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		c.log.Info("Context canceled, closing event reader...")
		if err := c.rd.Close(); err != nil {
			c.log.WithError(err).Error("Closing event reader failed")
		}
	})
	defer stop()

	c.log.Info("Exec audit consumer started")
	var ev syscalls.ExecEvent
	for {
		rec, err := c.rd.Read()
		if err != nil {
			if errors.Is(err, ErrClosed) {
				c.log.Info("Exec audit consumer stopped")
				c.closeSubscribers()
				return nil
			}
			c.log.WithError(err).Warn("Reading exec event failed")
			continue
		}
		if rec.LostSamples > 0 {
			c.lost.Add(rec.LostSamples)
			c.log.WithFields(logrus.Fields{"cpu": rec.CPU, "lost": rec.LostSamples}).Warn("Exec events lost")
			continue
		}
		if err := ev.Parse(bytes.NewReader(rec.RawSample)); err != nil {
			c.malformed.Add(1)
			c.log.WithError(err).WithField("cpu", rec.CPU).Trace("parsing exec event")
			continue
		}
		c.received.Add(1)
		c.log.WithFields(logrus.Fields{
			"cpu":  rec.CPU,
			"pid":  ev.Pid,
			"ppid": ev.Ppid,
			"uid":  ev.Uid,
			"comm": ev.Comm.String(),
		}).Info(ev.String())
		c.broadcast(ev)
	}
}

// Subscribe registers a listener. Events are dropped for a subscriber whose
// buffer is full. The returned func unsubscribes and closes the channel.
func (c *Consumer) Subscribe(buffer int) (<-chan syscalls.ExecEvent, func()) {
	ch := make(chan syscalls.ExecEvent, buffer)
	c.subMu.Lock()
	id := c.nextID
	c.nextID++
	c.subs[id] = ch
	c.subMu.Unlock()

	return ch, func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		if _, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(ch)
		}
	}
}

func (c *Consumer) broadcast(ev syscalls.ExecEvent) {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	for id, ch := range c.subs {
		select {
		case ch <- ev:
		default:
			c.subDropped.Add(1)
			c.log.WithField("subscriber", id).Warn("Subscriber channel full. Dropping event.")
		}
	}
}

func (c *Consumer) closeSubscribers() {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for id, ch := range c.subs {
		close(ch)
		delete(c.subs, id)
	}
}

type ConsumerStats struct {
	Received          uint64
	Lost              uint64
	Malformed         uint64
	SubscriberDropped uint64
	Subscribers       int
}

func (c *Consumer) Stats() ConsumerStats {
	c.subMu.RLock()
	n := len(c.subs)
	c.subMu.RUnlock()
	return ConsumerStats{
		Received:          c.received.Load(),
		Lost:              c.lost.Load(),
		Malformed:         c.malformed.Load(),
		SubscriberDropped: c.subDropped.Load(),
		Subscribers:       n,
	}
}
