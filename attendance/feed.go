package attendance

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Feed is the observer view of the ledger. Rejected records never appear.
type Feed struct {
	Present []Record `json:"present"`
	Pending []Record `json:"pending"`
	Flagged []Record `json:"flagged"`
}

type clearMark struct {
	scope Scope
	at    time.Time
}

// Projector builds feeds from a single ledger snapshot.
//
// For a short window after a clear, records of the cleared scope submitted
// before the clear instant are hidden. Such records belong to redemptions
// that were held by the clear and written just after it; they reappear when
// the window lapses.
type Projector struct {
	ledger *Ledger
	opts   options

	mu     sync.Mutex
	clears []clearMark
}

func NewProjector(ledger *Ledger, opts ...Option) *Projector {
	return &Projector{ledger: ledger, opts: buildOptions(opts)}
}

// Project returns the present, pending and flagged records of scope, each
// sorted by submission time.
func (p *Projector) Project(ctx context.Context, scope Scope) (Feed, error) {
	if err := scope.validate(); err != nil {
		return Feed{}, err
	}
	records, err := p.ledger.snapshotRecords()
	if err != nil {
		return Feed{}, err
	}
	marks := p.activeClears()

	feed := Feed{Present: []Record{}, Pending: []Record{}, Flagged: []Record{}}
	for _, r := range records {
		if !scope.Matches(r) || suppressed(marks, r) {
			continue
		}
		switch r.State {
		case StatePresent:
			feed.Present = append(feed.Present, r)
		case StatePending:
			feed.Pending = append(feed.Pending, r)
		case StateFlagged:
			feed.Flagged = append(feed.Flagged, r)
		}
	}
	sortRecords(feed.Present)
	sortRecords(feed.Pending)
	sortRecords(feed.Flagged)
	return feed, nil
}

func (p *Projector) noteClear(scope Scope, at time.Time) {
	if p.opts.clearSuppression <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clears = append(p.pruneLocked(at), clearMark{scope: scope, at: at})
}

func (p *Projector) activeClears() []clearMark {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clears = p.pruneLocked(p.opts.now())
	return append([]clearMark(nil), p.clears...)
}

func (p *Projector) pruneLocked(now time.Time) []clearMark {
	cutoff := now.Add(-p.opts.clearSuppression)
	kept := p.clears[:0]
	for _, m := range p.clears {
		if m.at.After(cutoff) {
			kept = append(kept, m)
		}
	}
	return kept
}

func suppressed(marks []clearMark, r Record) bool {
	for _, m := range marks {
		if m.scope.Matches(r) && !r.SubmittedAt.After(m.at) {
			return true
		}
	}
	return false
}

// sortRecords orders records by submission time, then record ID.
func sortRecords(rs []Record) {
	sort.SliceStable(rs, func(i, j int) bool {
		if rs[i].SubmittedAt.Equal(rs[j].SubmittedAt) {
			return rs[i].RecordID < rs[j].RecordID
		}
		return rs[i].SubmittedAt.Before(rs[j].SubmittedAt)
	})
}
