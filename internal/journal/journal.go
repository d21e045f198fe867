package journal

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"yesman/internal/bus"
	dbmodel "yesman/internal/db"
	"yesman/internal/logging"
)

// Journal persists bus events so the control plane can serve history
// after the fact. It is an ordinary subscriber: if it ever lags it is
// dropped like any other and resubscribes with a gap.
type Journal struct {
	db     *gorm.DB
	logger *slog.Logger
}

type Entry struct {
	ID        int64           `json:"id"`
	SessionID string          `json:"sessionId,omitempty"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	At        time.Time       `json:"at"`
}

func New(gdb *gorm.DB, logger *slog.Logger) (*Journal, error) {
	if gdb == nil {
		return nil, errors.New("db is required")
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Journal{db: gdb, logger: logger.With("module", "journal")}, nil
}

// Run consumes the bus until ctx ends. Lag notices are not persisted;
// they address the subscriber, not a session.
func (j *Journal) Run(ctx context.Context, b *bus.Bus) error {
	for {
		sub := b.Subscribe(bus.Filter{})
		closed, err := j.consume(ctx, b, sub)
		if err != nil || !closed {
			return err
		}
		j.logger.Warn("journal subscriber lagged, resubscribing with a gap")
	}
}

func (j *Journal) consume(ctx context.Context, b *bus.Bus, sub *bus.Subscriber) (closed bool, err error) {
	defer b.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return false, nil
		case e, ok := <-sub.C():
			if !ok {
				return true, nil
			}
			if e.Kind == bus.KindSubscriberLagged {
				continue
			}
			if err := j.append(e); err != nil {
				j.logger.Error("journal append failed", "kind", string(e.Kind), "err", err)
			}
		}
	}
}

func (j *Journal) append(e bus.Event) error {
	payload := ""
	if e.Payload != nil {
		raw, err := json.Marshal(e.Payload)
		if err != nil {
			return err
		}
		payload = string(raw)
	}
	row := dbmodel.ControllerEvent{
		SessionID:   e.SessionID,
		Kind:        string(e.Kind),
		PayloadJSON: payload,
		CreatedAt:   e.At.UTC().UnixNano(),
	}
	return j.db.Create(&row).Error
}

// Query returns the most recent events for one session, newest first.
func (j *Journal) Query(sessionID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows := make([]dbmodel.ControllerEvent, 0, limit)
	q := j.db.Order("created_at DESC, id DESC").Limit(limit)
	if sessionID != "" {
		q = q.Where("session_id = ?", sessionID)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(rows))
	for _, row := range rows {
		entry := Entry{
			ID:        row.ID,
			SessionID: row.SessionID,
			Kind:      row.Kind,
			At:        time.Unix(0, row.CreatedAt).UTC(),
		}
		if row.PayloadJSON != "" {
			entry.Payload = json.RawMessage(row.PayloadJSON)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
