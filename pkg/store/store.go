// Package store persists priority lists. Each list is an automerge document holding its
// direction convention and a map of row id to priority; every write stores a new snapshot of
// the document in sqlite and moves the list's pointer to it.
package store

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/automerge/automerge-go"
	"github.com/oklog/ulid/v2"
	"golang.org/x/exp/maps"

	"github.com/astromechza/prioritylist/pkg/prioritylist"
)

var (
	ErrNotFound     = errors.New("list not found")
	ErrInvalidOrder = errors.New("order does not match the rows of the list")
)

const (
	directionKey  = "direction"
	prioritiesKey = "priorities"
)

// List is a list in the server's display convention.
type List struct {
	ID        string
	Direction prioritylist.Direction
	Rows      []prioritylist.Row
}

type Store struct {
	database *sql.DB
	logger   *slog.Logger
	cache    *sync.Map
	// writes fork, persist and swap the cached doc under this lock
	mu       sync.Mutex
	onChange func(List)
}

// OnChange registers fn to see every stored list. It is called with the write lock held, in
// commit order, so it must not block or call back into the Store.
func (s *Store) OnChange(fn func(List)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = fn
}

func (s *Store) changedLocked(list List) {
	if s.onChange != nil {
		s.onChange(list)
	}
}

func Open(ctx context.Context, database *sql.DB, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{database: database, logger: logger, cache: new(sync.Map)}
	if err := s.init(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) init(ctx context.Context) error {
	if _, err := s.database.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS lists (
		id text not null primary key,
		snapshot_id text not null
		)`,
	); err != nil {
		return fmt.Errorf("failed to create lists table: %w", err)
	}
	if _, err := s.database.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS snapshots (
		id text not null primary key,
		list_id text not null,
		content text not null
		)`,
	); err != nil {
		return fmt.Errorf("failed to create snapshots table: %w", err)
	}

	res, err := s.database.QueryContext(ctx,
		`SELECT l.id, sn.content FROM lists l INNER JOIN snapshots sn ON sn.id = l.snapshot_id`)
	if err != nil {
		return fmt.Errorf("failed to query: %w", err)
	}
	defer func(res *sql.Rows) {
		if err := res.Close(); err != nil {
			s.logger.Error("failed to close rows", "err", err)
		}
	}(res)
	loaded := 0
	for res.Next() {
		var listID, rawSave string
		if err := res.Scan(&listID, &rawSave); err != nil {
			return fmt.Errorf("failed to scan: %w", err)
		}
		raw, err := base64.StdEncoding.DecodeString(rawSave)
		if err != nil {
			return fmt.Errorf("failed to decode %s: %w", listID, err)
		}
		doc, err := automerge.Load(raw)
		if err != nil {
			return fmt.Errorf("failed to load doc %s: %w", listID, err)
		}
		s.cache.Store(listID, doc)
		loaded++
	}
	if err := res.Err(); err != nil {
		return fmt.Errorf("failed to read lists: %w", err)
	}
	s.logger.Info("loaded lists", "count", loaded)
	return nil
}

// IDs returns the ids of all lists, sorted.
func (s *Store) IDs() []string {
	out := make([]string, 0)
	s.cache.Range(func(key, _ any) bool {
		out = append(out, key.(string))
		return true
	})
	sort.Strings(out)
	return out
}

func (s *Store) doc(listID string) (*automerge.Doc, error) {
	raw, ok := s.cache.Load(listID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, listID)
	}
	doc, ok := raw.(*automerge.Doc)
	if !ok {
		return nil, fmt.Errorf("item in cache for %s is not a doc", listID)
	}
	return doc, nil
}

// Doc returns an independent copy of the list document.
func (s *Store) Doc(listID string) (*automerge.Doc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.doc(listID)
	if err != nil {
		return nil, err
	}
	fork, err := doc.Fork()
	if err != nil {
		return nil, fmt.Errorf("failed to fork: %w", err)
	}
	return fork, nil
}

func (s *Store) Get(listID string) (List, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.doc(listID)
	if err != nil {
		return List{}, err
	}
	return listFromDoc(listID, doc)
}

// Put creates or replaces a list with the given rows.
func (s *Store) Put(ctx context.Context, listID string, direction prioritylist.Direction, rows []prioritylist.Row) (List, error) {
	if len(rows) == 0 {
		return List{}, fmt.Errorf("%w: %w", ErrInvalidOrder, prioritylist.ErrEmpty)
	}
	priorities := make(map[string]interface{}, len(rows))
	for _, r := range rows {
		if _, ok := priorities[string(r.ID)]; ok {
			return List{}, fmt.Errorf("%w: %w: %s", ErrInvalidOrder, prioritylist.ErrDuplicateID, r.ID)
		}
		priorities[string(r.ID)] = r.Priority
	}

	doc := automerge.New()
	if err := doc.Path(directionKey).Set(direction.String()); err != nil {
		return List{}, fmt.Errorf("failed to set direction: %w", err)
	}
	if err := doc.Path(prioritiesKey).Set(priorities); err != nil {
		return List{}, fmt.Errorf("failed to set priorities: %w", err)
	}
	if _, err := doc.Commit("create", automerge.CommitOptions{AllowEmpty: true}); err != nil {
		return List{}, fmt.Errorf("failed to commit doc: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.persist(ctx, listID, doc); err != nil {
		return List{}, err
	}
	s.cache.Store(listID, doc)
	s.logger.Info("stored list", "list", listID, "rows", len(rows), "direction", direction)
	list, err := listFromDoc(listID, doc)
	if err != nil {
		return List{}, err
	}
	s.changedLocked(list)
	return list, nil
}

// ApplyOrder takes ids in ascending priority order and renumbers the list so the row at
// position i gets priority i+1. It returns only the rows whose priority changed.
func (s *Store) ApplyOrder(ctx context.Context, listID string, ids []prioritylist.ID) ([]prioritylist.Row, List, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.doc(listID)
	if err != nil {
		return nil, List{}, err
	}
	current, err := Priorities(doc)
	if err != nil {
		return nil, List{}, err
	}
	if err := validateOrder(current, ids); err != nil {
		return nil, List{}, err
	}

	work, err := doc.Fork()
	if err != nil {
		return nil, List{}, fmt.Errorf("failed to fork: %w", err)
	}
	changed := make([]prioritylist.Row, 0)
	for i, id := range ids {
		priority := int64(i + 1)
		if current[string(id)] == priority {
			continue
		}
		if err := work.Path(prioritiesKey, string(id)).Set(priority); err != nil {
			return nil, List{}, fmt.Errorf("failed to set priority of %s: %w", id, err)
		}
		changed = append(changed, prioritylist.Row{ID: id, Priority: priority})
	}
	if _, err := work.Commit(fmt.Sprintf("reorder %d rows", len(changed)), automerge.CommitOptions{AllowEmpty: true}); err != nil {
		return nil, List{}, fmt.Errorf("failed to commit doc: %w", err)
	}
	if err := s.persist(ctx, listID, work); err != nil {
		return nil, List{}, err
	}
	s.cache.Store(listID, work)

	list, err := listFromDoc(listID, work)
	if err != nil {
		return nil, List{}, err
	}
	s.logger.Info("applied order", "list", listID, "changed", len(changed), "heads", work.Heads())
	s.changedLocked(list)
	return changed, list, nil
}

func validateOrder(current map[string]int64, ids []prioritylist.ID) error {
	if len(ids) != len(current) {
		return fmt.Errorf("%w: got %d ids for %d rows", ErrInvalidOrder, len(ids), len(current))
	}
	seen := make(map[prioritylist.ID]bool, len(ids))
	for _, id := range ids {
		if _, ok := current[string(id)]; !ok {
			return fmt.Errorf("%w: unknown id %s", ErrInvalidOrder, id)
		}
		if seen[id] {
			return fmt.Errorf("%w: duplicate id %s", ErrInvalidOrder, id)
		}
		seen[id] = true
	}
	return nil
}

func (s *Store) persist(ctx context.Context, listID string, doc *automerge.Doc) error {
	tx, err := s.database.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to start tx: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			s.logger.Error("failed to rollback", "err", err)
		}
	}()

	snapshotID := ulid.Make().String()
	content := base64.StdEncoding.EncodeToString(doc.Save())
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO snapshots(id, list_id, content) VALUES (?, ?, ?)`,
		snapshotID, listID, content,
	); err != nil {
		return fmt.Errorf("failed to persist snapshot: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO lists(id, snapshot_id) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET snapshot_id = excluded.snapshot_id`,
		listID, snapshotID,
	); err != nil {
		return fmt.Errorf("failed to update list: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	s.logger.Debug("persisted snapshot", "list", listID, "snapshot", snapshotID, "#doc", len(content))
	return nil
}

// Dump writes every list document to dir and returns the written paths.
func (s *Store) Dump(dir string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	paths := make([]string, 0)
	var failed error
	s.cache.Range(func(key, raw any) bool {
		doc := raw.(*automerge.Doc)
		path := filepath.Join(dir, key.(string)+".automerge")
		if err := os.WriteFile(path, doc.Save(), 0o644); err != nil {
			failed = fmt.Errorf("failed to dump %s: %w", key, err)
			return false
		}
		paths = append(paths, path)
		return true
	})
	return paths, failed
}

// Priorities reads the row id to priority map of a list document.
func Priorities(doc *automerge.Doc) (map[string]int64, error) {
	m, err := automerge.As[*automerge.Map](doc.Path(prioritiesKey).Get())
	if err != nil {
		return nil, fmt.Errorf("failed to read priorities: %w", err)
	}
	values, err := m.Values()
	if err != nil {
		return nil, fmt.Errorf("failed to read priorities: %w", err)
	}
	out := make(map[string]int64, len(values))
	for id, v := range values {
		p, err := automerge.As[int64](v)
		if err != nil {
			return nil, fmt.Errorf("failed to read priority of %s: %w", id, err)
		}
		out[id] = p
	}
	return out, nil
}

func readDirection(doc *automerge.Doc) (prioritylist.Direction, error) {
	raw, err := automerge.As[string](doc.Path(directionKey).Get())
	if err != nil {
		return prioritylist.Descending, fmt.Errorf("failed to read direction: %w", err)
	}
	return prioritylist.ParseDirection(raw)
}

// Describe summarises a list document as id=priority pairs in ascending priority order.
func Describe(doc *automerge.Doc) (string, error) {
	list, err := listFromDoc("", doc)
	if err != nil {
		return "", err
	}
	parts := make([]string, len(list.Rows))
	for i, r := range list.Rows {
		parts[i] = fmt.Sprintf("%s=%d", r.ID, r.Priority)
	}
	if list.Direction == prioritylist.Descending {
		slices.Reverse(parts)
	}
	return strings.Join(parts, " "), nil
}

// listFromDoc orders rows by priority in the list's direction, ties by id.
func listFromDoc(listID string, doc *automerge.Doc) (List, error) {
	direction, err := readDirection(doc)
	if err != nil {
		return List{}, err
	}
	priorities, err := Priorities(doc)
	if err != nil {
		return List{}, err
	}
	keys := maps.Keys(priorities)
	slices.Sort(keys)
	rows := make([]prioritylist.Row, 0, len(keys))
	for _, k := range keys {
		rows = append(rows, prioritylist.Row{ID: prioritylist.ID(k), Priority: priorities[k]})
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if direction == prioritylist.Ascending {
			return rows[i].Priority < rows[j].Priority
		}
		return rows[i].Priority > rows[j].Priority
	})
	return List{ID: listID, Direction: direction, Rows: rows}, nil
}
