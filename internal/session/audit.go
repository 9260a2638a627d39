package session

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"draftbot/internal/completion"
	"draftbot/internal/storage"
	"draftbot/internal/suggest"
	logx "draftbot/pkg/logx"
)

// auditor writes audit entries off the scheduler goroutine.
type auditor struct {
	store   storage.Store
	log     logx.Logger
	q       chan storage.AuditEntry
	dropped atomic.Uint64
}

func newAuditor(store storage.Store, log logx.Logger) *auditor {
	return &auditor{store: store, log: log, q: make(chan storage.AuditEntry, 256)}
}

func (a *auditor) record(e storage.AuditEntry) {
	select {
	case a.q <- e:
	default:
		a.dropped.Add(1)
	}
}

func (a *auditor) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			a.drain()
			return
		case e := <-a.q:
			a.write(context.Background(), e)
		}
	}
}

func (a *auditor) drain() {
	for {
		select {
		case e := <-a.q:
			a.write(context.Background(), e)
		default:
			if n := a.dropped.Swap(0); n > 0 {
				a.log.Warn("audit entries dropped (queue full)", logx.Uint64("count", n))
			}
			return
		}
	}
}

func (a *auditor) write(ctx context.Context, e storage.AuditEntry) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := a.store.AppendAudit(ctx, e); err != nil && !errors.Is(err, storage.ErrClosed) {
		a.log.Warn("audit write failed", logx.Err(err))
	}
}

func entryFor(s *Session, req suggest.Request, res suggest.Result, discarded bool) storage.AuditEntry {
	e := storage.AuditEntry{
		At:        req.StartedAt,
		RequestID: req.ID,
		ChatID:    s.ChatID,
		UserID:    s.userID.Load(),
		Kind:      "autocomplete",
		InChars:   len([]rune(req.Text)),
		OutChars:  len([]rune(res.Text)),
		TookMS:    res.Took.Milliseconds(),
	}
	switch {
	case discarded:
		e.Outcome = "discarded"
	case completion.IsNetwork(res.Err):
		e.Outcome = "network"
	case res.Err != nil:
		e.Outcome = "error"
	case res.Text == "":
		e.Outcome = "empty"
	default:
		e.Outcome = "ok"
	}
	if e.Error == "" && res.Err != nil {
		e.Error = res.Err.Error()
	}
	return e
}
