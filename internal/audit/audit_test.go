package audit

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pathguard.enforcer/pkg/syscalls"
)

func event(pid uint32) *syscalls.ExecEvent {
	ev := &syscalls.ExecEvent{Pid: pid, Ppid: 1, Comm: syscalls.NewComm("sh"), Argc: 1}
	copy(ev.Filename[:], "/bin/true")
	copy(ev.Argv[0][:], "/bin/true")
	return ev
}

func decode(t *testing.T, rec Record) syscalls.ExecEvent {
	t.Helper()
	var ev syscalls.ExecEvent
	require.NoError(t, ev.Parse(bytes.NewReader(rec.RawSample)))
	return ev
}

func TestPerCPUChannelPreservesOrderPerCPU(t *testing.T) {
	ch, err := NewPerCPUChannel(2, 8)
	require.NoError(t, err)
	defer ch.Close()

	for pid := uint32(1); pid <= 4; pid++ {
		require.NoError(t, ch.Publish(0, event(pid)))
		require.NoError(t, ch.Publish(1, event(pid+100)))
	}

	got := map[int][]uint32{}
	for i := 0; i < 8; i++ {
		rec, err := ch.Read()
		require.NoError(t, err)
		got[rec.CPU] = append(got[rec.CPU], decode(t, rec).Pid)
	}
	assert.Equal(t, []uint32{1, 2, 3, 4}, got[0])
	assert.Equal(t, []uint32{101, 102, 103, 104}, got[1])
	assert.Equal(t, uint64(8), ch.Published())
}

func TestPerCPUChannelDropsWhenFull(t *testing.T) {
	ch, err := NewPerCPUChannel(2, 2)
	require.NoError(t, err)
	defer ch.Close()

	require.NoError(t, ch.Publish(0, event(1)))
	require.NoError(t, ch.Publish(0, event(2)))
	assert.ErrorIs(t, ch.Publish(0, event(3)), ErrFull)
	assert.ErrorIs(t, ch.Publish(0, event(4)), ErrFull)
	// a full CPU does not affect the others
	require.NoError(t, ch.Publish(1, event(5)))
	assert.Equal(t, uint64(2), ch.Dropped())

	var lost uint64
	var pids []uint32
	for i := 0; i < 4; i++ {
		rec, err := ch.Read()
		require.NoError(t, err)
		if rec.LostSamples > 0 {
			assert.Equal(t, 0, rec.CPU)
			lost += rec.LostSamples
			continue
		}
		pids = append(pids, decode(t, rec).Pid)
	}
	assert.Equal(t, uint64(2), lost)
	assert.ElementsMatch(t, []uint32{1, 2, 5}, pids)
}

func TestPerCPUChannelCPUWraps(t *testing.T) {
	ch, err := NewPerCPUChannel(2, 1)
	require.NoError(t, err)
	defer ch.Close()

	require.NoError(t, ch.Publish(3, event(1)))
	rec, err := ch.Read()
	require.NoError(t, err)
	assert.Equal(t, 1, rec.CPU)
}

func TestPerCPUChannelReadBlocksUntilPublish(t *testing.T) {
	ch, err := NewPerCPUChannel(4, 4)
	require.NoError(t, err)
	defer ch.Close()

	done := make(chan Record)
	go func() {
		rec, err := ch.Read()
		assert.NoError(t, err)
		done <- rec
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, ch.Publish(2, event(42)))

	select {
	case rec := <-done:
		assert.Equal(t, uint32(42), decode(t, rec).Pid)
	case <-time.After(time.Second):
		t.Fatal("Read did not wake up")
	}
}

func TestPerCPUChannelClose(t *testing.T) {
	ch, err := NewPerCPUChannel(1, 1)
	require.NoError(t, err)

	errs := make(chan error)
	go func() {
		_, err := ch.Read()
		errs <- err
	}()
	require.NoError(t, ch.Close())
	require.NoError(t, ch.Close())

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("Read did not return after Close")
	}
	assert.ErrorIs(t, ch.Publish(0, event(1)), ErrClosed)
}

func TestNewPerCPUChannelInvalid(t *testing.T) {
	_, err := NewPerCPUChannel(0, 1)
	assert.Error(t, err)
	_, err = NewPerCPUChannel(1, 0)
	assert.Error(t, err)
}

func TestConsumerFansOutEvents(t *testing.T) {
	ch, err := NewPerCPUChannel(2, 16)
	require.NoError(t, err)

	log := logrus.New()
	log.SetOutput(io.Discard)
	c := NewConsumer(ch, log)

	sub, unsubscribe := c.Subscribe(16)
	defer unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, c.Run(ctx))
	}()

	require.NoError(t, ch.Publish(0, event(7)))
	require.NoError(t, ch.Publish(1, event(8)))

	var pids []uint32
	for len(pids) < 2 {
		select {
		case ev := <-sub:
			pids = append(pids, ev.Pid)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for events")
		}
	}
	assert.ElementsMatch(t, []uint32{7, 8}, pids)

	cancel()
	wg.Wait()

	s := c.Stats()
	assert.Equal(t, uint64(2), s.Received)
	assert.Equal(t, 0, s.Subscribers, "subscribers are closed on shutdown")
	_, open := <-sub
	assert.False(t, open)
}

// staticReader replays a fixed list of records, then reports closed.
type staticReader struct {
	records []Record
}

func (s *staticReader) Read() (Record, error) {
	if len(s.records) == 0 {
		return Record{}, ErrClosed
	}
	rec := s.records[0]
	s.records = s.records[1:]
	return rec, nil
}

func (s *staticReader) Close() error { return nil }

func TestConsumerCountsLostAndMalformed(t *testing.T) {
	raw, err := event(1).MarshalBinary()
	require.NoError(t, err)
	rd := &staticReader{records: []Record{
		{CPU: 0, LostSamples: 5},
		{CPU: 1, RawSample: []byte{1, 2, 3}},
		{CPU: 1, RawSample: raw},
	}}

	log := logrus.New()
	log.SetOutput(io.Discard)
	c := NewConsumer(rd, log)
	require.NoError(t, c.Run(context.Background()))

	s := c.Stats()
	assert.Equal(t, uint64(5), s.Lost)
	assert.Equal(t, uint64(1), s.Malformed)
	assert.Equal(t, uint64(1), s.Received)
}

func TestConsumerSlowSubscriberDropsEvents(t *testing.T) {
	raw, err := event(1).MarshalBinary()
	require.NoError(t, err)
	rd := &staticReader{records: []Record{{RawSample: raw}, {RawSample: raw}, {RawSample: raw}}}

	log := logrus.New()
	log.SetOutput(io.Discard)
	c := NewConsumer(rd, log)
	sub, unsubscribe := c.Subscribe(1)
	require.NoError(t, c.Run(context.Background()))
	unsubscribe()

	assert.Equal(t, uint64(2), c.Stats().SubscriberDropped)
	ev, ok := <-sub
	assert.True(t, ok)
	assert.Equal(t, uint32(1), ev.Pid)
}
