package prioritylist

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// ID is the opaque primary key of a row. On the wire it is written as a JSON number when it
// looks like one, so integer primary keys round-trip the way the admin pages render them.
type ID string

func (id ID) MarshalJSON() ([]byte, error) {
	if n, err := strconv.ParseInt(string(id), 10, 64); err == nil && strconv.FormatInt(n, 10) == string(id) {
		return []byte(id), nil
	}
	return json.Marshal(string(id))
}

func (id *ID) UnmarshalJSON(raw []byte) error {
	raw = bytes.TrimSpace(raw)
	if bytes.Equal(raw, []byte("null")) {
		return fmt.Errorf("id must not be null")
	}
	if len(raw) > 0 && raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return fmt.Errorf("id must be a string or number: %w", err)
	}
	*id = ID(n.String())
	return nil
}

// Row is one entry of the list. Its position is its index in the owning Collection.
type Row struct {
	ID       ID    `json:"id"`
	Priority int64 `json:"priority"`
}
