package server

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/astromechza/prioritylist/pkg/store"
)

const watchBuffer = 8

// hub fans committed lists out to websocket watchers.
type hub struct {
	mu     sync.Mutex
	subs   map[string]map[chan store.List]struct{}
	logger *slog.Logger
}

func newHub(logger *slog.Logger) *hub {
	return &hub{subs: make(map[string]map[chan store.List]struct{}), logger: logger}
}

func (h *hub) subscribe(listID string) (<-chan store.List, func()) {
	ch := make(chan store.List, watchBuffer)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[listID] == nil {
		h.subs[listID] = make(map[chan store.List]struct{})
	}
	h.subs[listID][ch] = struct{}{}
	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.subs[listID][ch]; ok {
			delete(h.subs[listID], ch)
			close(ch)
		}
	}
}

// publish never blocks; a watcher that is behind misses the update and catches up on the next.
func (h *hub) publish(list store.List) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[list.ID] {
		select {
		case ch <- list:
		default:
			h.logger.Warn("dropping update for slow watcher", "list", list.ID)
		}
	}
}

func (h *hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for listID, subs := range h.subs {
		for ch := range subs {
			close(ch)
		}
		delete(h.subs, listID)
	}
}

func readUntilClosed(conn *websocket.Conn) error {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return fmt.Errorf("failed to read message: %w", err)
		}
	}
}

// stream writes each update to conn until the peer goes away, ctx ends or updates closes.
func stream(ctx context.Context, conn *websocket.Conn, first Page, updates <-chan store.List, encode func(store.List) Page, logger *slog.Logger) {
	wg := new(sync.WaitGroup)
	done := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(done)
		if err := readUntilClosed(conn); err != nil {
			logger.Debug("watcher went away", "err", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer conn.Close()
		if err := conn.WriteJSON(first); err != nil {
			logger.Error("failed to write message", "err", err)
			return
		}
		for {
			select {
			case list, ok := <-updates:
				if !ok {
					_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
					return
				}
				if err := conn.WriteJSON(encode(list)); err != nil {
					logger.Error("failed to write message", "err", err)
					return
				}
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	wg.Wait()
}
