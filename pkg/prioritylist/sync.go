package prioritylist

import (
	"context"
)

// fire runs when the debounce window of generation gen closes. It owns one wg count.
func (l *List) fire(gen uint64) {
	defer l.wg.Done()

	l.mu.Lock()
	defer l.mu.Unlock()
	if gen != l.gen || l.closed {
		return
	}
	l.timer = nil
	if l.inFlight {
		// the running submission picks this up once it settles
		l.queued = true
		return
	}

	l.inFlight = true
	defer func() {
		l.inFlight = false
	}()
	for {
		ids := l.collection.Identifiers()
		l.view.Freeze()
		l.mu.Unlock()
		results, err := l.submit(ids)
		l.mu.Lock()
		l.settleLocked(ids, results, err)
		if !l.queued || l.closed {
			l.queued = false
			return
		}
		l.queued = false
		l.logger.Debug("sending queued order")
	}
}

func (l *List) submit(ids []ID) ([]Row, error) {
	ctx, cancel := context.WithTimeout(context.Background(), l.cfg.RequestTimeout)
	defer cancel()
	l.logger.Debug("submitting order", "ids", ids)
	return l.transport.Submit(ctx, ids)
}

func (l *List) settleLocked(ids []ID, results []Row, err error) {
	defer l.view.Unfreeze()
	if err != nil {
		l.logger.Warn("failed to submit order, rolling back", "err", err, "ids", ids)
		l.rollbackLocked()
		return
	}
	l.commitLocked(results)
}

// commitLocked applies the priorities the server confirmed. Rows it did not mention keep theirs.
func (l *List) commitLocked(results []Row) {
	applied := 0
	for _, r := range results {
		if l.collection.SetPriority(r.ID, r.Priority) {
			applied++
		} else {
			l.logger.Debug("ignoring result for unknown row", "id", r.ID)
		}
	}
	l.logger.Info("order committed", "results", len(results), "applied", applied)
	l.view.Render(l.collection.Rows())
}

// rollbackLocked forces the display back to the order implied by the known priorities and
// drops anything scheduled on top of the rejected order.
func (l *List) rollbackLocked() {
	l.collection.SortByPriority()
	l.disarmLocked()
	l.queued = false
	l.view.Render(l.collection.Rows())
}
