package syncx

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"
)

// Event is one admin action recorded in the append-only audit log.
type Event struct {
	Seq       int64           `json:"seq"`
	SiteID    string          `json:"siteId"`
	Type      string          `json:"type"`
	Key       string          `json:"key"`
	Data      json.RawMessage `json:"data,omitempty"`
	CreatedAt int64           `json:"createdAt"`
}

const (
	EventEvaluationCreated = "evaluation.created"
	EventEvaluationEdited  = "evaluation.edited"
	EventActiveChanged     = "active.changed"
	EventResponsesPurged   = "responses.purged"
	EventAssetUploaded     = "asset.uploaded"
)

type EventRepo struct {
	db     *sql.DB
	siteID string
	now    func() time.Time
}

func NewEventRepo(db *sql.DB, siteID string) *EventRepo {
	if siteID == "" {
		siteID = "local"
	}
	return &EventRepo{db: db, siteID: siteID, now: time.Now}
}

// Append records typ for key. data is marshalled to JSON; nil stores "{}".
func (r *EventRepo) Append(ctx context.Context, typ, key string, data any) error {
	raw := []byte("{}")
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return err
		}
		raw = b
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO event_log (site_id, typ, key, data, created_at)
		 VALUES ($1,$2,$3,$4,$5)`,
		r.siteID, typ, key, string(raw), r.now().UnixMilli())
	return err
}

// Recent returns up to limit events, newest first. typ filters when non-empty.
func (r *EventRepo) Recent(ctx context.Context, typ string, limit int) ([]Event, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := `SELECT seq, site_id, typ, key, data, created_at FROM event_log`
	args := []any{}
	if typ != "" {
		q += ` WHERE typ = $1 ORDER BY seq DESC LIMIT $2`
		args = append(args, typ, limit)
	} else {
		q += ` ORDER BY seq DESC LIMIT $1`
		args = append(args, limit)
	}
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Event{}
	for rows.Next() {
		var e Event
		var data string
		if err := rows.Scan(&e.Seq, &e.SiteID, &e.Type, &e.Key, &data, &e.CreatedAt); err != nil {
			return nil, err
		}
		if json.Valid([]byte(data)) {
			e.Data = json.RawMessage(data)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
