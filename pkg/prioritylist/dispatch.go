package prioritylist

import (
	"fmt"
	"time"
)

// Action is the name carried by a row's move control.
type Action string

const (
	// ActionIncrement moves the row one place down the display.
	ActionIncrement Action = "increment"
	// ActionDecrement moves the row one place up the display.
	ActionDecrement Action = "decrement"
)

func (l *List) MoveUp(id ID) error {
	return l.mutate(id, (*Collection).MoveUp)
}

func (l *List) MoveDown(id ID) error {
	return l.mutate(id, (*Collection).MoveDown)
}

// Dispatch applies a control action to the row with the given id.
func (l *List) Dispatch(action Action, id ID) error {
	switch action {
	case ActionIncrement:
		return l.MoveDown(id)
	case ActionDecrement:
		return l.MoveUp(id)
	}
	return fmt.Errorf("unknown action %q", action)
}

func (l *List) mutate(id ID, move func(*Collection, ID) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	if err := move(l.collection, id); err != nil {
		return err
	}
	l.view.Render(l.collection.Rows())
	l.armLocked()
	return nil
}

// armLocked replaces any armed timer, so a burst of moves produces a single submission.
func (l *List) armLocked() {
	l.disarmLocked()
	gen := l.gen
	l.wg.Add(1)
	l.timer = time.AfterFunc(l.cfg.PostDelay, func() {
		l.fire(gen)
	})
}

// disarmLocked cancels the armed timer. Bumping the generation makes a timer that already
// fired a no-op.
func (l *List) disarmLocked() {
	l.gen++
	if l.timer == nil {
		return
	}
	if l.timer.Stop() {
		l.wg.Done()
	}
	l.timer = nil
}
