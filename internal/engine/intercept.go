package engine

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"pathguard.enforcer/pkg/syscalls"
)

func (e *Engine) stageKey(pid, tid uint32) StageKey {
	if e.cfg.StagingKey == StageByPid {
		return StageKey{Pid: pid}
	}
	return StageKey{Pid: pid, Tid: tid}
}

// Enter is the openat entry stage. It copies the path argument at pathAddr,
// records the caller's lineage and stages the attempt for Enforce. The syscall
// always proceeds; a non-nil error only reports that nothing was staged.
func (e *Engine) Enter(t Task, pathAddr uint64) (Token, error) {
	if e.closed.Load() {
		return 0, ErrClosed
	}
	pid, comm := t.Pid(), t.Comm()
	log := e.log.WithFields(logrus.Fields{"pid": pid, "tid": t.Tid(), "comm": comm.String()})

	var path syscalls.Path
	n, err := t.ReadUserString(pathAddr, path[:])
	if err != nil {
		e.stats.userReadFailed.Add(1)
		log.WithError(err).Debug("openat: path unreadable, not staging")
		return 0, fmt.Errorf("%w: openat path at %#x: %v", ErrUserRead, pathAddr, err)
	}
	if n > 0 && n < len(path) {
		clear(path[n:])
	}

	e.observe(t)

	seq := e.seq.Add(1)
	key := e.stageKey(pid, t.Tid())
	if err := e.staging.Update(key, StagedAttempt{Seq: seq, Pathname: path}); err != nil {
		log.WithError(err).Warn("openat: staging failed")
		return 0, err
	}
	e.stats.staged.Add(1)
	log.WithFields(logrus.Fields{"seq": seq, "path": path.String()}).Debug("openat: staged")
	return Token(seq), nil
}

// Enforce is the openat enforcement stage. It consumes the attempt Enter
// staged for the same thread and resolves it against the policy. tok is the
// Token Enter returned, or zero when the backend cannot carry it across the
// two stages.
func (e *Engine) Enforce(t Task, tok Token) Decision {
	pid := t.Pid()
	log := e.log.WithFields(logrus.Fields{"pid": pid, "tid": t.Tid()})
	if e.closed.Load() {
		return e.record(log, e.failure(ReasonEngineClosed))
	}

	key := e.stageKey(pid, t.Tid())
	attempt, found, consumed := e.staging.Take(key, func(a StagedAttempt) bool {
		return tok == 0 || a.Seq == uint64(tok)
	})
	if !found {
		return e.record(log, e.failure(ReasonNoStagedAttempt))
	}
	if !consumed {
		// a later Enter on the same key overwrote ours; leave it for its own
		// enforcement stage
		d := e.failure(ReasonSuperseded)
		d.Path = attempt.Pathname
		log = log.WithFields(logrus.Fields{"token": uint64(tok), "staged_seq": attempt.Seq})
		return e.record(log, d)
	}

	res, err := e.Resolve(pid, t.Comm().ProcName(), attempt.Pathname)
	var d Decision
	switch {
	case err != nil:
		d = e.failure(ReasonHopLimit)
	case res.Restricted:
		d = Decision{Action: Deny, Reason: ReasonRestricted, MatchedPid: res.MatchedPid, MatchedName: res.MatchedName}
	default:
		d = Decision{Action: Allow, Reason: ReasonNoRestriction}
	}
	d.Path = attempt.Pathname
	d.Hops = res.Hops
	return e.record(log, d)
}

func (e *Engine) failure(r Reason) Decision {
	if e.cfg.FailMode == FailClosed {
		return Decision{Action: Deny, Reason: r}
	}
	return Decision{Action: Allow, Reason: r}
}

func (e *Engine) record(log *logrus.Entry, d Decision) Decision {
	e.stats.decisions[d.Reason][d.Action].Add(1)
	log = log.WithFields(logrus.Fields{"action": d.Action, "reason": d.Reason, "path": d.Path.String()})
	switch {
	case d.Reason == ReasonRestricted:
		log.WithFields(logrus.Fields{"matched_pid": d.MatchedPid, "matched_name": d.MatchedName.String(), "hops": d.Hops}).
			Info("openat: denied")
	case d.Reason == ReasonNoRestriction:
		log.Debug("openat: allowed")
	default:
		log.Warn("openat: no verdict, applying fail mode")
	}
	return d
}
