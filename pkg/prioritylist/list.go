// Package prioritylist keeps an ordered list of rows, applies reorders locally and pushes the
// resulting order to a server after a debounce, committing or rolling back on the response.
package prioritylist

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var ErrClosed = errors.New("list is closed")

// View is the projection of the list. Methods are called with the list locked and must not
// call back into the List.
type View interface {
	Render(rows []Row)
	Freeze()
	Unfreeze()
}

type State int

const (
	Idle State = iota
	Armed
	InFlight
)

func (s State) String() string {
	switch s {
	case Armed:
		return "armed"
	case InFlight:
		return "in-flight"
	}
	return "idle"
}

// PendingSync describes scheduled and running submissions.
type PendingSync struct {
	Armed    bool
	InFlight bool
	Queued   bool
}

type Option func(*List)

func WithLogger(logger *slog.Logger) Option {
	return func(l *List) {
		l.logger = logger
	}
}

type List struct {
	cfg        Config
	collection *Collection
	transport  Transport
	view       View
	logger     *slog.Logger

	mu       sync.Mutex
	timer    *time.Timer
	gen      uint64
	inFlight bool
	queued   bool
	closed   bool
	// one count per armed timer or running fire
	wg sync.WaitGroup
}

// New builds a list from the rows as rendered and draws the initial view.
func New(cfg Config, rows []Row, transport Transport, view View, opts ...Option) (*List, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if view == nil {
		return nil, fmt.Errorf("view is required")
	}
	collection, err := NewCollection(rows)
	if err != nil {
		return nil, err
	}
	l := &List{
		cfg:        cfg.withDefaults(),
		collection: collection,
		transport:  transport,
		view:       view,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With("list", cfg.PostURL)
	l.logger.Debug("list mounted", "rows", collection.Len(), "direction", collection.Direction())

	l.mu.Lock()
	defer l.mu.Unlock()
	l.view.Render(l.collection.Rows())
	return l, nil
}

func (l *List) Direction() Direction {
	return l.collection.Direction()
}

func (l *List) Rows() []Row {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.collection.Rows()
}

func (l *List) Identifiers() []ID {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.collection.Identifiers()
}

func (l *List) Pending() PendingSync {
	l.mu.Lock()
	defer l.mu.Unlock()
	return PendingSync{Armed: l.timer != nil, InFlight: l.inFlight, Queued: l.queued}
}

func (l *List) State() State {
	p := l.Pending()
	switch {
	case p.InFlight:
		return InFlight
	case p.Armed:
		return Armed
	}
	return Idle
}

// Flush sends an armed submission now and waits until every submission has settled.
func (l *List) Flush() {
	l.mu.Lock()
	if l.timer != nil && l.timer.Stop() {
		l.timer = nil
		gen := l.gen
		l.mu.Unlock()
		l.fire(gen)
	} else {
		l.mu.Unlock()
	}
	l.wg.Wait()
}

// Close drops an armed submission, waits for one in flight and rejects further moves.
func (l *List) Close() {
	l.mu.Lock()
	l.closed = true
	l.disarmLocked()
	l.queued = false
	l.mu.Unlock()
	l.wg.Wait()
}
