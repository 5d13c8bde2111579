// Package policy moves name:path restrictions between their text form and a
// policy table.
package policy

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"pathguard.enforcer/internal/tables"
	"pathguard.enforcer/pkg/syscalls"
)

// Table is the policy table the loader writes to.
type Table = tables.Table[syscalls.ProcName, syscalls.Path]

// DefaultWatchInterval is how often Watch polls the policy file.
const DefaultWatchInterval = 5 * time.Second

// Record is one parsed name:path line.
type Record struct {
	Name string
	Path string
}

// SkippedLine is a line Parse could not use.
type SkippedLine struct {
	Line   int
	Text   string
	Reason string
}

// Parse reads newline separated name:path records. The name is everything
// before the first colon and the path everything after it. Empty lines are
// ignored; lines without a colon or with an empty name are skipped.
func Parse(r io.Reader) ([]Record, []SkippedLine, error) {
	var (
		records []Record
		skipped []SkippedLine
	)
	sc := bufio.NewScanner(r)
	for n := 1; sc.Scan(); n++ {
		line := strings.TrimSuffix(sc.Text(), "\r")
		if line == "" {
			continue
		}
		name, path, ok := strings.Cut(line, ":")
		switch {
		case !ok:
			skipped = append(skipped, SkippedLine{Line: n, Text: line, Reason: "missing ':'"})
		case name == "":
			skipped = append(skipped, SkippedLine{Line: n, Text: line, Reason: "empty process name"})
		default:
			records = append(records, Record{Name: name, Path: path})
		}
	}
	if err := sc.Err(); err != nil {
		return records, skipped, fmt.Errorf("reading policy text: %w", err)
	}
	return records, skipped, nil
}

// Result summarizes one load.
type Result struct {
	Loaded  int
	Skipped int
	Pruned  int
}

// Loader publishes policy text into a table.
type Loader struct {
	table Table
	log   *logrus.Entry
	// Prune removes table entries whose name is absent from the loaded text.
	Prune bool

	mu      sync.Mutex
	modTime time.Time

	loaded  atomic.Uint64
	skipped atomic.Uint64
	reloads atomic.Uint64
}

func NewLoader(table Table, log *logrus.Logger) *Loader {
	return &Loader{
		table: table,
		log:   log.WithField("component", "policy"),
	}
}

// Load parses r and writes every record to the table. Malformed lines are
// logged and skipped; a table write failure aborts the load.
func (l *Loader) Load(r io.Reader) (Result, error) {
	records, skipped, err := Parse(r)
	if err != nil {
		return Result{}, err
	}
	for _, s := range skipped {
		l.log.WithFields(logrus.Fields{"line": s.Line, "text": s.Text}).Warnf("Invalid format, skipping: %s", s.Reason)
	}
	res := Result{Skipped: len(skipped)}
	l.skipped.Add(uint64(len(skipped)))

	keep := make(map[syscalls.ProcName]struct{}, len(records))
	for _, rec := range records {
		key, value := syscalls.NewProcName(rec.Name), syscalls.NewPath(rec.Path)
		if err := l.table.Update(key, value); err != nil {
			return res, fmt.Errorf("adding %s=%s to policy table: %w", rec.Name, rec.Path, err)
		}
		keep[key] = struct{}{}
		res.Loaded++
		l.loaded.Add(1)
		l.log.WithFields(logrus.Fields{"key": key.String(), "value": value.String()}).Info("Added policy entry")
	}

	if l.Prune {
		var stale []syscalls.ProcName
		if err := l.table.Iterate(func(k syscalls.ProcName, _ syscalls.Path) bool {
			if _, ok := keep[k]; !ok {
				stale = append(stale, k)
			}
			return true
		}); err != nil {
			return res, fmt.Errorf("listing policy table: %w", err)
		}
		for _, k := range stale {
			if err := l.table.Delete(k); err != nil && !errors.Is(err, tables.ErrKeyNotFound) {
				return res, fmt.Errorf("removing %s from policy table: %w", k, err)
			}
			res.Pruned++
			l.log.WithField("key", k.String()).Info("Removed policy entry")
		}
	}
	return res, nil
}

// LoadBuffer publishes the content of the policy text buffer.
func (l *Loader) LoadBuffer(b *Buffer) (Result, error) {
	return l.Load(bytes.NewReader(b.Bytes()))
}

// LoadFile publishes a policy file and remembers its modification time for
// Watch.
func (l *Loader) LoadFile(path string) (Result, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loadFileLocked(path)
}

func (l *Loader) loadFileLocked(path string) (Result, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Result{}, fmt.Errorf("failed to get policy file info: %w", err)
	}
	f, err := os.Open(path)
	if err != nil {
		return Result{}, fmt.Errorf("failed to open policy file: %w", err)
	}
	defer f.Close()

	res, err := l.Load(f)
	if err != nil {
		return res, err
	}
	l.modTime = info.ModTime()
	l.log.WithFields(logrus.Fields{"file": path, "loaded": res.Loaded, "skipped": res.Skipped}).Info("Policy file loaded")
	return res, nil
}

// CheckForChanges reloads path when it was modified after the last load.
// It reports whether a reload happened.
func (l *Loader) CheckForChanges(path string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	info, err := os.Stat(path)
	if err != nil {
		return false, fmt.Errorf("failed to get policy file info: %w", err)
	}
	if !info.ModTime().After(l.modTime) {
		return false, nil
	}
	l.log.WithField("file", path).Info("Policy file modified, reloading")
	if _, err := l.loadFileLocked(path); err != nil {
		return false, err
	}
	l.reloads.Add(1)
	return true, nil
}

// Watch polls path every interval until ctx is done. Reload failures are
// logged and retried on the next tick.
func (l *Loader) Watch(ctx context.Context, path string, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultWatchInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	l.log.WithFields(logrus.Fields{"file": path, "interval": interval}).Info("Policy file watcher started")
	for {
		select {
		case <-ctx.Done():
			l.log.Info("Policy file watcher stopped")
			return ctx.Err()
		case <-ticker.C:
			if _, err := l.CheckForChanges(path); err != nil {
				l.log.WithError(err).Error("Failed to check for policy changes")
			}
		}
	}
}

type LoaderStats struct {
	Loaded  uint64
	Skipped uint64
	Reloads uint64
}

func (l *Loader) Stats() LoaderStats {
	return LoaderStats{
		Loaded:  l.loaded.Load(),
		Skipped: l.skipped.Load(),
		Reloads: l.reloads.Load(),
	}
}
