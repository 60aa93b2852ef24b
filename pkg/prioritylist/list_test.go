package prioritylist

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

type recordingView struct {
	mu        sync.Mutex
	renders   [][]Row
	frozen    bool
	freezes   int
	unfreezes int
	settled   chan struct{}
}

func newRecordingView() *recordingView {
	return &recordingView{settled: make(chan struct{}, 16)}
}

func (v *recordingView) Render(rows []Row) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.renders = append(v.renders, rows)
}

func (v *recordingView) Freeze() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.frozen = true
	v.freezes++
}

func (v *recordingView) Unfreeze() {
	v.mu.Lock()
	v.frozen = false
	v.unfreezes++
	v.mu.Unlock()
	v.settled <- struct{}{}
}

func (v *recordingView) lastRender() []Row {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.renders[len(v.renders)-1]
}

func (v *recordingView) waitSettled(t *testing.T) {
	t.Helper()
	select {
	case <-v.settled:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for the order to settle")
	}
}

type fakeTransport struct {
	mu       sync.Mutex
	calls    [][]ID
	active   int
	peak     int
	started  chan struct{}
	gate     chan struct{}
	response func(ids []ID) ([]Row, error)
}

func newFakeTransport(response func(ids []ID) ([]Row, error)) *fakeTransport {
	return &fakeTransport{started: make(chan struct{}, 16), response: response}
}

func (f *fakeTransport) Submit(ctx context.Context, ids []ID) ([]Row, error) {
	f.mu.Lock()
	f.calls = append(f.calls, ids)
	f.active++
	if f.active > f.peak {
		f.peak = f.active
	}
	gate := f.gate
	f.mu.Unlock()

	f.started <- struct{}{}
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	f.active--
	f.mu.Unlock()
	if f.response == nil {
		return []Row{}, nil
	}
	return f.response(ids)
}

func (f *fakeTransport) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func rowIDs(rows []Row) []ID {
	out := []ID{}
	for _, r := range rows {
		out = append(out, r.ID)
	}
	return out
}

func newTestList(t *testing.T, delay time.Duration, rows []Row, transport Transport) (*List, *recordingView) {
	t.Helper()
	view := newRecordingView()
	l, err := New(Config{PostURL: "/lists/test/order", PostDelay: delay}, rows, transport, view)
	assert.Equal(t, err, nil)
	t.Cleanup(l.Close)
	return l, view
}

func TestNewRendersInitialRows(t *testing.T) {
	_, view := newTestList(t, time.Hour, rowsOf(1, 3, 2, 2, 3, 1), newFakeTransport(nil))
	assert.Equal(t, []ID{"1", "2", "3"}, rowIDs(view.lastRender()))
}

func TestNewValidatesArguments(t *testing.T) {
	_, err := New(Config{}, rowsOf(1, 1), newFakeTransport(nil), newRecordingView())
	assert.NotEqual(t, err, nil)
	_, err = New(Config{PostURL: "/x"}, nil, newFakeTransport(nil), newRecordingView())
	assert.Equal(t, true, errors.Is(err, ErrEmpty))
	_, err = New(Config{PostURL: "/x"}, rowsOf(1, 1), nil, newRecordingView())
	assert.NotEqual(t, err, nil)
}

func TestMoveUpThenDownRestoresOrder(t *testing.T) {
	transport := newFakeTransport(nil)
	l, view := newTestList(t, time.Hour, rowsOf(1, 1, 2, 2, 3, 3), transport)

	assert.Equal(t, Idle, l.State())
	assert.Equal(t, nil, l.MoveUp("2"))
	assert.Equal(t, []ID{"2", "1", "3"}, rowIDs(l.Rows()))
	assert.Equal(t, Armed, l.State())
	assert.Equal(t, nil, l.MoveDown("2"))
	assert.Equal(t, []ID{"1", "2", "3"}, rowIDs(l.Rows()))
	assert.Equal(t, Armed, l.State())
	// one initial render plus one per move
	assert.Equal(t, 3, len(view.renders))

	l.Flush()
	assert.Equal(t, 1, transport.callCount())
	assert.Equal(t, []ID{"1", "2", "3"}, transport.calls[0])
	assert.Equal(t, Idle, l.State())
}

func TestMovesWithinWindowCoalesce(t *testing.T) {
	transport := newFakeTransport(nil)
	l, view := newTestList(t, 50*time.Millisecond, rowsOf(1, 1, 2, 2, 3, 3, 4, 4), transport)

	assert.Equal(t, nil, l.MoveDown("1"))
	assert.Equal(t, nil, l.MoveDown("1"))
	assert.Equal(t, nil, l.Dispatch(ActionDecrement, "4"))

	view.waitSettled(t)
	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, 1, transport.callCount())
	assert.Equal(t, []ID{"2", "3", "4", "1"}, transport.calls[0])
	assert.Equal(t, []ID{"2", "3", "4", "1"}, rowIDs(l.Rows()))
	assert.Equal(t, 1, view.freezes)
	assert.Equal(t, 1, view.unfreezes)
	assert.Equal(t, false, view.frozen)
}

func TestEachMoveRestartsTheWindow(t *testing.T) {
	transport := newFakeTransport(nil)
	l, view := newTestList(t, 80*time.Millisecond, rowsOf(1, 1, 2, 2, 3, 3), transport)

	start := time.Now()
	assert.Equal(t, nil, l.MoveDown("1"))
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, nil, l.MoveDown("1"))
	assert.Equal(t, Armed, l.State())

	// past the first window but inside the second
	time.Sleep(time.Until(start.Add(110 * time.Millisecond)))
	assert.Equal(t, 0, transport.callCount())

	view.waitSettled(t)
	assert.Equal(t, true, time.Since(start) >= 140*time.Millisecond)
	assert.Equal(t, 1, transport.callCount())
	assert.Equal(t, []ID{"2", "3", "1"}, transport.calls[0])
}

func TestZeroDelayStillSends(t *testing.T) {
	transport := newFakeTransport(nil)
	l, view := newTestList(t, 0, rowsOf(1, 1, 2, 2), transport)

	assert.Equal(t, nil, l.MoveUp("2"))
	view.waitSettled(t)
	assert.Equal(t, []ID{"2", "1"}, transport.calls[0])
}

func TestCommitUpdatesMentionedRowsOnly(t *testing.T) {
	transport := newFakeTransport(func(ids []ID) ([]Row, error) {
		return []Row{{ID: "1", Priority: 5}, {ID: "99", Priority: 7}}, nil
	})
	l, view := newTestList(t, time.Hour, rowsOf(1, 1, 2, 2, 3, 3), transport)

	assert.Equal(t, nil, l.MoveDown("1"))
	l.Flush()

	rows := l.Rows()
	assert.Equal(t, []Row{{ID: "2", Priority: 2}, {ID: "1", Priority: 5}, {ID: "3", Priority: 3}}, rows)
	assert.Equal(t, rows, view.lastRender())
	assert.Equal(t, Ascending, l.Direction())
}

func TestRollbackRestoresPriorityOrder(t *testing.T) {
	transport := newFakeTransport(func(ids []ID) ([]Row, error) {
		return nil, &StatusError{StatusCode: 500}
	})
	l, view := newTestList(t, time.Hour, rowsOf(1, 3, 2, 2, 3, 1), transport)

	assert.Equal(t, nil, l.MoveUp("3"))
	assert.Equal(t, []ID{"1", "3", "2"}, rowIDs(l.Rows()))
	l.Flush()

	assert.Equal(t, []ID{"2", "3", "1"}, transport.calls[0])
	assert.Equal(t, []ID{"1", "2", "3"}, rowIDs(l.Rows()))
	assert.Equal(t, []ID{"1", "2", "3"}, rowIDs(view.lastRender()))
	assert.Equal(t, 1, view.unfreezes)
	assert.Equal(t, false, view.frozen)

	// the list stays usable after a failed submission
	assert.Equal(t, nil, l.MoveDown("1"))
	assert.Equal(t, Armed, l.State())
}

func TestRollbackUsesCommittedPriorities(t *testing.T) {
	fail := false
	transport := newFakeTransport(func(ids []ID) ([]Row, error) {
		if fail {
			return nil, errors.New("connection reset")
		}
		return []Row{{ID: "1", Priority: 2}, {ID: "2", Priority: 1}}, nil
	})
	l, _ := newTestList(t, time.Hour, rowsOf(1, 1, 2, 2, 3, 3), transport)

	assert.Equal(t, nil, l.MoveDown("1"))
	l.Flush()
	assert.Equal(t, []ID{"2", "1", "3"}, rowIDs(l.Rows()))

	fail = true
	assert.Equal(t, nil, l.MoveDown("2"))
	assert.Equal(t, nil, l.MoveDown("2"))
	assert.Equal(t, []ID{"1", "3", "2"}, rowIDs(l.Rows()))
	l.Flush()
	assert.Equal(t, []ID{"2", "1", "3"}, rowIDs(l.Rows()))
}

func TestBoundaryMovesDoNotArm(t *testing.T) {
	transport := newFakeTransport(nil)
	l, _ := newTestList(t, time.Hour, rowsOf(1, 1, 2, 2), transport)

	assert.Equal(t, ErrBoundary, l.MoveUp("1"))
	assert.Equal(t, ErrBoundary, l.Dispatch(ActionIncrement, "2"))
	assert.Equal(t, true, errors.Is(l.MoveDown("7"), ErrUnknownRow))
	assert.NotEqual(t, l.Dispatch(Action("sideways"), "1"), nil)
	assert.Equal(t, Idle, l.State())

	l.Flush()
	assert.Equal(t, 0, transport.callCount())
}

func TestOverlappingSubmissionsAreSerialized(t *testing.T) {
	transport := newFakeTransport(nil)
	transport.gate = make(chan struct{})
	l, view := newTestList(t, 0, rowsOf(1, 1, 2, 2, 3, 3), transport)

	assert.Equal(t, nil, l.MoveUp("2"))
	<-transport.started
	assert.Equal(t, InFlight, l.State())
	view.mu.Lock()
	assert.Equal(t, true, view.frozen)
	view.mu.Unlock()

	assert.Equal(t, nil, l.MoveUp("3"))
	deadline := time.Now().Add(2 * time.Second)
	for !l.Pending().Queued {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for the second order to queue")
		}
		time.Sleep(time.Millisecond)
	}
	assert.Equal(t, 1, transport.callCount())

	close(transport.gate)
	l.Flush()

	assert.Equal(t, 2, transport.callCount())
	assert.Equal(t, []ID{"2", "1", "3"}, transport.calls[0])
	assert.Equal(t, []ID{"2", "3", "1"}, transport.calls[1])
	assert.Equal(t, 1, transport.peak)
	assert.Equal(t, Idle, l.State())
}

func TestCloseRejectsMoves(t *testing.T) {
	transport := newFakeTransport(nil)
	l, _ := newTestList(t, time.Hour, rowsOf(1, 1, 2, 2), transport)

	assert.Equal(t, nil, l.MoveUp("2"))
	l.Close()
	assert.Equal(t, ErrClosed, l.MoveDown("2"))
	assert.Equal(t, Idle, l.State())
	assert.Equal(t, 0, transport.callCount())
}

type panickingView struct {
	*recordingView
	panicOnRender bool
}

func (v *panickingView) Render(rows []Row) {
	if v.panicOnRender {
		panic("render failed")
	}
	v.recordingView.Render(rows)
}

func TestUnfreezeRunsWhenCommitPanics(t *testing.T) {
	view := &panickingView{recordingView: newRecordingView()}
	l, err := New(Config{PostURL: "/x", PostDelay: time.Hour}, rowsOf(1, 1, 2, 2), newFakeTransport(nil), view)
	assert.Equal(t, err, nil)
	assert.Equal(t, nil, l.MoveUp("2"))

	view.panicOnRender = true
	func() {
		defer func() {
			assert.NotEqual(t, recover(), nil)
		}()
		l.mu.Lock()
		defer l.mu.Unlock()
		l.settleLocked(nil, []Row{}, nil)
	}()
	assert.Equal(t, 1, view.unfreezes)
	l.Close()
}
