package eventlogger

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type sqlEventLogger struct {
	db *sql.DB
}

func NewSqlEventLogger(db *sql.DB) *sqlEventLogger {
	return &sqlEventLogger{
		db: db,
	}
}

func (el *sqlEventLogger) Save(ctx context.Context, e Event) error {
	jsonData, err := json.Marshal(e.Data)
	if err != nil {
		return err
	}
	jsonMetadata, err := json.Marshal(e.Metadata)
	if err != nil {
		return err
	}
	statement := `INSERT INTO events (id, event_type, pool_id, event_data, event_metadata, created_at) VALUES ($1, $2, $3, $4, $5, $6)`
	_, err = el.db.ExecContext(ctx, statement, e.ID, e.Type, e.PoolID, string(jsonData), string(jsonMetadata), e.CreatedAt.Unix())
	if err != nil {
		return err
	}

	return nil
}

func (el *sqlEventLogger) GetByType(ctx context.Context, eventType string) ([]Event, error) {
	query := `SELECT id, event_type, pool_id, event_data, event_metadata, created_at FROM events WHERE event_type = $1 ORDER BY created_at`
	return el.query(ctx, query, eventType)
}

func (el *sqlEventLogger) GetByPool(ctx context.Context, poolID uuid.UUID) ([]Event, error) {
	query := `SELECT id, event_type, pool_id, event_data, event_metadata, created_at FROM events WHERE pool_id = $1 ORDER BY created_at`
	return el.query(ctx, query, poolID)
}

func (el *sqlEventLogger) query(ctx context.Context, query string, arg any) ([]Event, error) {
	result, err := el.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer result.Close()

	events := make([]Event, 0)
	for result.Next() {
		var event Event
		var jsonData, jsonMetadata []byte
		var createdAt int64
		if err := result.Scan(&event.ID, &event.Type, &event.PoolID, &jsonData, &jsonMetadata, &createdAt); err != nil {
			return events, err
		}
		if err := json.Unmarshal(jsonData, &event.Data); err != nil {
			return events, err
		}
		var metadata map[string]string
		if err := json.Unmarshal(jsonMetadata, &metadata); err != nil {
			return events, err
		}
		event.Metadata = metadata
		event.CreatedAt = time.Unix(createdAt, 0).UTC()

		events = append(events, event)
	}

	if err := result.Err(); err != nil {
		return events, err
	}

	return events, nil
}
