package sqlite

import (
	"database/sql"
	"encoding/json"
	"time"

	"devicehub/internal/lifecycle"
)

// ============================================================================
// Null Type Conversion Helpers
// ============================================================================

// nullToString safely converts sql.NullString to string
func nullToString(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

// stringToNull safely converts string to sql.NullString
func stringToNull(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// boolToInt stores booleans the way SQLite does
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// ============================================================================
// JSON Marshaling Helpers
// ============================================================================

// unmarshalJSONField safely unmarshals JSON from nullable string into target
func unmarshalJSONField(ns sql.NullString, target any) error {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(ns.String), target)
}

// marshalToNull marshals v to a nullable JSON string.
// Empty maps are stored as NULL.
func marshalToNull(v map[string]any) (sql.NullString, error) {
	if len(v) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

// ============================================================================
// Event Row Scanner
// ============================================================================
//
// Column order must match between eventColumns, scanArgs and
// eventInsertArgs (which omits the trailing seq column).

const eventColumns = "id, adapter_id, event_type, ts_ms, success, error, duration_ms, details, seq"

// eventRow holds all columns from an event query for scanning
type eventRow struct {
	ID          string
	AdapterID   string
	EventType   string
	TimestampMS int64
	Success     int
	Error       sql.NullString
	DurationMS  sql.NullInt64
	DetailsJSON sql.NullString
	Seq         sql.NullInt64
}

func (r *eventRow) scanArgs() []any {
	return []any{
		&r.ID, &r.AdapterID, &r.EventType, &r.TimestampMS, &r.Success,
		&r.Error, &r.DurationMS, &r.DetailsJSON, &r.Seq,
	}
}

func (r *eventRow) toDomain() (lifecycle.Event, error) {
	ev := lifecycle.Event{
		ID:        r.ID,
		AdapterID: r.AdapterID,
		Type:      lifecycle.EventType(r.EventType),
		Timestamp: time.UnixMilli(r.TimestampMS).UTC(),
		Success:   r.Success != 0,
		Error:     nullToString(r.Error),
	}
	if r.DurationMS.Valid {
		ev.Duration = time.Duration(r.DurationMS.Int64) * time.Millisecond
	}
	if err := unmarshalJSONField(r.DetailsJSON, &ev.Details); err != nil {
		return lifecycle.Event{}, err
	}
	return ev, nil
}

// eventInsertArgs returns values for every column but seq
func eventInsertArgs(ev lifecycle.Event) ([]any, error) {
	details, err := marshalToNull(ev.Details)
	if err != nil {
		return nil, err
	}
	duration := sql.NullInt64{}
	if ev.Duration > 0 {
		duration = sql.NullInt64{Int64: ev.Duration.Milliseconds(), Valid: true}
	}
	return []any{
		ev.ID,
		ev.AdapterID,
		string(ev.Type),
		ev.Timestamp.UnixMilli(),
		boolToInt(ev.Success),
		stringToNull(ev.Error),
		duration,
		details,
	}, nil
}
