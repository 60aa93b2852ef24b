package prioritylist

import (
	"errors"
	"fmt"
	"sort"
)

var (
	ErrEmpty       = errors.New("collection must contain at least one row")
	ErrDuplicateID = errors.New("duplicate row id")
	ErrUnknownRow  = errors.New("unknown row")
	ErrBoundary    = errors.New("row cannot move past the end of the list")
)

// Direction is the server's priority convention, inferred once from the rows it rendered.
type Direction int

const (
	Descending Direction = iota
	Ascending
)

func (d Direction) String() string {
	if d == Ascending {
		return "ascending"
	}
	return "descending"
}

// ParseDirection accepts the names produced by Direction.String.
func ParseDirection(s string) (Direction, error) {
	switch s {
	case "ascending":
		return Ascending, nil
	case "descending":
		return Descending, nil
	}
	return Descending, fmt.Errorf("unknown direction %q", s)
}

// InferDirection compares the first and last priorities. Ties (including single row lists)
// resolve to Descending.
func InferDirection(first, last int64) Direction {
	if first < last {
		return Ascending
	}
	return Descending
}

// Collection is the ordered set of rows in display order. It is not safe for concurrent use;
// List serializes access to it.
type Collection struct {
	rows      []Row
	index     map[ID]int
	direction Direction
}

func NewCollection(rows []Row) (*Collection, error) {
	if len(rows) == 0 {
		return nil, ErrEmpty
	}
	c := &Collection{
		rows:  make([]Row, len(rows)),
		index: make(map[ID]int, len(rows)),
	}
	copy(c.rows, rows)
	for i, r := range c.rows {
		if _, ok := c.index[r.ID]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateID, r.ID)
		}
		c.index[r.ID] = i
	}
	c.direction = InferDirection(c.rows[0].Priority, c.rows[len(c.rows)-1].Priority)
	return c, nil
}

func (c *Collection) Direction() Direction {
	return c.direction
}

func (c *Collection) Len() int {
	return len(c.rows)
}

// Rows returns a copy of the rows in display order.
func (c *Collection) Rows() []Row {
	out := make([]Row, len(c.rows))
	copy(out, c.rows)
	return out
}

// Identifiers returns the ids in intended final order: ascending priority. A Descending list
// is displayed highest first, so its display order is reversed.
func (c *Collection) Identifiers() []ID {
	out := make([]ID, len(c.rows))
	for i, r := range c.rows {
		if c.direction == Ascending {
			out[i] = r.ID
		} else {
			out[len(c.rows)-1-i] = r.ID
		}
	}
	return out
}

func (c *Collection) IndexOf(id ID) (int, bool) {
	i, ok := c.index[id]
	return i, ok
}

func (c *Collection) MoveUp(id ID) error {
	i, ok := c.index[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRow, id)
	}
	if i == 0 {
		return ErrBoundary
	}
	c.swap(i, i-1)
	return nil
}

func (c *Collection) MoveDown(id ID) error {
	i, ok := c.index[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRow, id)
	}
	if i == len(c.rows)-1 {
		return ErrBoundary
	}
	c.swap(i, i+1)
	return nil
}

func (c *Collection) swap(i, j int) {
	c.rows[i], c.rows[j] = c.rows[j], c.rows[i]
	c.index[c.rows[i].ID] = i
	c.index[c.rows[j].ID] = j
}

// SetPriority overwrites the priority of a row and reports whether the row exists.
func (c *Collection) SetPriority(id ID, priority int64) bool {
	i, ok := c.index[id]
	if !ok {
		return false
	}
	c.rows[i].Priority = priority
	return true
}

// SortByPriority restores display order from the known priorities. Rows with equal priority
// keep their relative order.
func (c *Collection) SortByPriority() {
	sort.SliceStable(c.rows, func(i, j int) bool {
		if c.direction == Ascending {
			return c.rows[i].Priority < c.rows[j].Priority
		}
		return c.rows[i].Priority > c.rows[j].Priority
	})
	for i, r := range c.rows {
		c.index[r.ID] = i
	}
}

// Controls reports which move controls should be enabled for the row at index i of n rows.
func Controls(i, n int) (up, down bool) {
	return i > 0, i < n-1
}
