package report

import "context"

// Slot is a single-writer/single-reader handoff holding at most one report.
// Offer never blocks: a report that has not been taken yet is replaced by the
// newer one, so the reader always sees the most recent reading and each
// reading is delivered at most once.
type Slot struct {
	ch chan Report
}

// NewSlot returns an empty slot.
func NewSlot() *Slot {
	return &Slot{ch: make(chan Report, 1)}
}

// Offer stores r, discarding any report still waiting. It returns true if a
// pending report was superseded.
func (s *Slot) Offer(r Report) (superseded bool) {
	for {
		select {
		case s.ch <- r:
			return superseded
		default:
		}
		// full: drop the stale report and retry
		select {
		case <-s.ch:
			superseded = true
		default:
		}
	}
}

// Take blocks until a report is available or ctx is done.
func (s *Slot) Take(ctx context.Context) (Report, error) {
	select {
	case r := <-s.ch:
		return r, nil
	case <-ctx.Done():
		return Report{}, ctx.Err()
	}
}
