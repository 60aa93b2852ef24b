// Package server exposes priority lists over HTTP: the data a page needs to mount a list, the
// order submission endpoint the list posts to, csrf tokens, a websocket watch stream and the
// change history of each list.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/astromechza/prioritylist/pkg/prioritylist"
	"github.com/astromechza/prioritylist/pkg/store"
	"github.com/astromechza/prioritylist/pkg/viz"
)

type Options struct {
	// PostDelay is handed to pages as the debounce window of their lists.
	PostDelay time.Duration
	// FailRate is the fraction of order submissions answered with 503.
	FailRate float64
	Logger   *slog.Logger
}

type Server struct {
	store  *store.Store
	tokens *Tokens
	hub    *hub
	opts   Options
	logger *slog.Logger
}

func New(st *store.Store, tokens *Tokens, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{store: st, tokens: tokens, hub: newHub(logger), opts: opts, logger: logger}
	st.OnChange(s.hub.publish)
	return s
}

// Close disconnects all watchers.
func (s *Server) Close() {
	s.hub.closeAll()
}

func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			m := httpsnoop.CaptureMetrics(handler, writer, request)
			s.logger.Info("handled", "method", request.Method, "url", request.URL, "duration", m.Duration, "status", m.Code)
		})
	})

	r.Methods(http.MethodGet).Path("/health").HandlerFunc(s.health)
	r.Methods(http.MethodGet).Path("/csrf").HandlerFunc(s.issueToken)
	r.Methods(http.MethodGet).Path("/lists").HandlerFunc(s.listLists)
	r.Methods(http.MethodGet).Path("/lists/{list}").HandlerFunc(s.getList)
	r.Methods(http.MethodPut).Path("/lists/{list}").HandlerFunc(s.putList)
	r.Methods(http.MethodPost).Path("/lists/{list}/order").HandlerFunc(s.postOrder)
	r.Methods(http.MethodGet).Path("/lists/{list}/watch").HandlerFunc(s.watchList)
	r.Methods(http.MethodGet).Path("/lists/{list}/history.svg").HandlerFunc(s.listHistory)
	return r
}

// Page is what a host needs to mount a list.
type Page struct {
	ID        string             `json:"id"`
	Direction string             `json:"direction"`
	PostURL   string             `json:"postUrl"`
	PostDelay int64              `json:"postDelay"`
	Rows      []prioritylist.Row `json:"rows"`
	CSRFToken string             `json:"csrfToken,omitempty"`
}

func (s *Server) page(list store.List) Page {
	return Page{
		ID:        list.ID,
		Direction: list.Direction.String(),
		PostURL:   "/lists/" + url.PathEscape(list.ID) + "/order",
		PostDelay: s.opts.PostDelay.Milliseconds(),
		Rows:      list.Rows,
	}
}

func (s *Server) writeJSON(writer http.ResponseWriter, status int, body interface{}) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	if err := json.NewEncoder(writer).Encode(body); err != nil {
		s.logger.Error("failed to write out", "err", err)
	}
}

func (s *Server) writeStoreError(writer http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.Error(writer, err.Error(), http.StatusNotFound)
	case errors.Is(err, store.ErrInvalidOrder):
		http.Error(writer, err.Error(), http.StatusBadRequest)
	default:
		s.logger.Error("store failure", "err", err)
		writer.WriteHeader(http.StatusInternalServerError)
	}
}

func (s *Server) health(writer http.ResponseWriter, _ *http.Request) {
	s.writeJSON(writer, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) issueToken(writer http.ResponseWriter, _ *http.Request) {
	token, err := s.tokens.Issue()
	if err != nil {
		s.logger.Error("failed to issue token", "err", err)
		writer.WriteHeader(http.StatusInternalServerError)
		return
	}
	s.writeJSON(writer, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) listLists(writer http.ResponseWriter, _ *http.Request) {
	s.writeJSON(writer, http.StatusOK, map[string][]string{"lists": s.store.IDs()})
}

func (s *Server) getList(writer http.ResponseWriter, request *http.Request) {
	list, err := s.store.Get(mux.Vars(request)["list"])
	if err != nil {
		s.writeStoreError(writer, err)
		return
	}
	page := s.page(list)
	if page.CSRFToken, err = s.tokens.Issue(); err != nil {
		s.logger.Error("failed to issue token", "err", err)
		writer.WriteHeader(http.StatusInternalServerError)
		return
	}
	s.writeJSON(writer, http.StatusOK, page)
}

func (s *Server) putList(writer http.ResponseWriter, request *http.Request) {
	var inputs struct {
		Direction string             `json:"direction"`
		Rows      []prioritylist.Row `json:"rows"`
	}
	if !decodeBody(writer, request, &inputs) {
		return
	}
	direction, err := prioritylist.ParseDirection(inputs.Direction)
	if err != nil {
		http.Error(writer, err.Error(), http.StatusBadRequest)
		return
	}
	list, err := s.store.Put(request.Context(), mux.Vars(request)["list"], direction, inputs.Rows)
	if err != nil {
		s.writeStoreError(writer, err)
		return
	}
	s.writeJSON(writer, http.StatusOK, s.page(list))
}

const maxBodyBytes = 1 << 20

// decodeBody reads at most maxBodyBytes of json into out and answers the request itself on failure.
func decodeBody(writer http.ResponseWriter, request *http.Request, out interface{}) bool {
	err := json.NewDecoder(http.MaxBytesReader(writer, request.Body, maxBodyBytes)).Decode(out)
	if err == nil {
		return true
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		http.Error(writer, "body too large", http.StatusRequestEntityTooLarge)
	} else {
		http.Error(writer, "failed to decode body", http.StatusBadRequest)
	}
	return false
}

// sameOrigin accepts requests without an Origin header and those whose origin is this host.
func sameOrigin(request *http.Request) bool {
	origin := request.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return u.Host == request.Host
}

func (s *Server) postOrder(writer http.ResponseWriter, request *http.Request) {
	listID := mux.Vars(request)["list"]
	if !sameOrigin(request) {
		s.logger.Warn("rejecting cross-origin order", "list", listID, "origin", request.Header.Get("Origin"))
		http.Error(writer, "cross-origin request", http.StatusForbidden)
		return
	}
	if err := s.tokens.Validate(request.Header.Get(prioritylist.CSRFHeader)); err != nil {
		s.logger.Warn("rejecting order", "list", listID, "err", err)
		http.Error(writer, "csrf verification failed", http.StatusForbidden)
		return
	}
	if s.opts.FailRate > 0 && rand.Float64() < s.opts.FailRate {
		s.logger.Info("injecting failure", "list", listID)
		http.Error(writer, "injected failure", http.StatusServiceUnavailable)
		return
	}

	var ids []prioritylist.ID
	if !decodeBody(writer, request, &ids) {
		return
	}
	changed, _, err := s.store.ApplyOrder(request.Context(), listID, ids)
	if err != nil {
		s.writeStoreError(writer, err)
		return
	}
	s.writeJSON(writer, http.StatusOK, map[string]interface{}{"results": changed})
}

func (s *Server) watchList(writer http.ResponseWriter, request *http.Request) {
	listID := mux.Vars(request)["list"]
	// subscribe first so nothing committed after the snapshot below is missed
	updates, unsubscribe := s.hub.subscribe(listID)
	defer unsubscribe()
	list, err := s.store.Get(listID)
	if err != nil {
		s.writeStoreError(writer, err)
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	conn, err := upgrader.Upgrade(writer, request, nil)
	if err != nil {
		s.logger.Error("failed to upgrade", "err", err)
		return
	}
	defer conn.Close()

	s.logger.Info("watching", "list", listID)
	stream(request.Context(), conn, s.page(list), updates, s.page, s.logger)
}

func (s *Server) listHistory(writer http.ResponseWriter, request *http.Request) {
	doc, err := s.store.Doc(mux.Vars(request)["list"])
	if err != nil {
		s.writeStoreError(writer, err)
		return
	}
	writer.Header().Set("Content-Type", "image/svg+xml")
	if err := viz.RenderHistory(doc, store.Describe, writer); err != nil {
		s.logger.Error("failed to render", "err", err)
		writer.WriteHeader(http.StatusInternalServerError)
	}
}
