package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// tsLayout is how timestamps are written. Both drivers accept it for DATETIME(6).
const tsLayout = "2006-01-02 15:04:05.000000"

var tsReadLayouts = []string{
	tsLayout,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05",
	time.RFC3339Nano,
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// nullTime scans DATETIME columns whether the driver hands back time.Time or text.
type nullTime struct {
	Time  time.Time
	Valid bool
}

func (n *nullTime) Scan(v interface{}) error {
	switch t := v.(type) {
	case nil:
		n.Time, n.Valid = time.Time{}, false
		return nil
	case time.Time:
		n.Time, n.Valid = t.UTC(), true
		return nil
	case []byte:
		return n.parse(string(t))
	case string:
		return n.parse(t)
	}
	return fmt.Errorf("cannot scan %T into timestamp", v)
}

func (n *nullTime) parse(s string) error {
	for _, layout := range tsReadLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			n.Time, n.Valid = t.UTC(), true
			return nil
		}
	}
	return fmt.Errorf("cannot parse timestamp %q", s)
}

func (n nullTime) ptr() *time.Time {
	if !n.Valid {
		return nil
	}
	t := n.Time
	return &t
}

func ts(t time.Time) string { return t.UTC().Format(tsLayout) }

func nullTS(t *time.Time) interface{} {
	if t == nil || t.IsZero() {
		return nil
	}
	return ts(*t)
}

// jsonColumn encodes v for a nullable TEXT column; empty values are stored as NULL.
func jsonColumn(v interface{}, empty bool) (interface{}, error) {
	if empty {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func decodeJSON(col sql.NullString, dst interface{}) error {
	if !col.Valid || col.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(col.String), dst)
}
