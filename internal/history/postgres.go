package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"concierge/internal/decision"
	"concierge/internal/notification"
	"concierge/internal/rules"
	apperrors "concierge/pkg/errors"
	"concierge/pkg/metrics"
)

const uniqueViolation = "23505"

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) AppendDecision(ctx context.Context, d decision.Decision, e rules.Event) (err error) {
	start := time.Now()
	defer func() { metrics.ObserveQuery("postgres", "insert_decision", start, err) }()

	doc, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to marshal decision: %w", err)
	}
	event, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	query := `
		INSERT INTO decisions (id, booking_id, property_id, event_kind, kind, decided_at, document, event)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err = s.db.ExecContext(ctx, query,
		d.ID, d.BookingID, d.PropertyID, string(e.Kind), string(d.Kind), d.DecidedAt, doc, event,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return apperrors.ErrConflict.WithDetail("decision_id", d.ID)
		}
		return fmt.Errorf("failed to insert decision: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateActions(ctx context.Context, decisionID string, actions []decision.ActionRecord) (err error) {
	start := time.Now()
	defer func() { metrics.ObserveQuery("postgres", "update_actions", start, err) }()

	raw, err := json.Marshal(actions)
	if err != nil {
		return fmt.Errorf("failed to marshal actions: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE decisions SET document = jsonb_set(document, '{actions}', $2::jsonb) WHERE id = $1`,
		decisionID, raw,
	)
	if err != nil {
		return fmt.Errorf("failed to update decision actions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return apperrors.ErrNotFound.WithDetail("decision_id", decisionID)
	}
	return nil
}

func (s *PostgresStore) AppendNotifications(ctx context.Context, results []notification.Result) (err error) {
	if len(results) == 0 {
		return nil
	}
	start := time.Now()
	defer func() { metrics.ObserveQuery("postgres", "insert_notifications", start, err) }()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO notification_results
			(id, booking_id, property_id, decision_id, trigger, channel, template_id, message_id,
			 success, error, retry_count, sent_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range results {
		if _, err = stmt.ExecContext(ctx,
			r.ID, r.BookingID, r.PropertyID, r.DecisionID, r.Trigger, string(r.Channel), r.TemplateID, r.MessageID,
			r.Success, r.Error, r.RetryCount, r.SentAt,
		); err != nil {
			return fmt.Errorf("failed to insert notification result: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit notification results: %w", err)
	}
	return nil
}

const notificationColumns = `id, booking_id, property_id, decision_id, trigger, channel, template_id, message_id,
	success, error, retry_count, sent_at, delivered_at, opened_at, clicked_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanNotification(row rowScanner) (notification.Result, error) {
	var (
		r                          notification.Result
		channel                    string
		delivered, opened, clicked sql.NullTime
	)
	err := row.Scan(
		&r.ID, &r.BookingID, &r.PropertyID, &r.DecisionID, &r.Trigger, &channel, &r.TemplateID, &r.MessageID,
		&r.Success, &r.Error, &r.RetryCount, &r.SentAt, &delivered, &opened, &clicked,
	)
	if err != nil {
		return notification.Result{}, err
	}
	r.Channel = rules.ChannelType(channel)
	r.DeliveredAt = nullTime(delivered)
	r.OpenedAt = nullTime(opened)
	r.ClickedAt = nullTime(clicked)
	return r, nil
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func (s *PostgresStore) RecordDeliveryEvent(ctx context.Context, messageID string, event notification.DeliveryEvent, at time.Time) (r notification.Result, err error) {
	start := time.Now()
	defer func() { metrics.ObserveQuery("postgres", "record_delivery_event", start, err) }()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return notification.Result{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	row := tx.QueryRowContext(ctx,
		`SELECT `+notificationColumns+` FROM notification_results WHERE message_id = $1 FOR UPDATE`,
		messageID,
	)
	r, err = scanNotification(row)
	if errors.Is(err, sql.ErrNoRows) {
		return notification.Result{}, apperrors.ErrNotFound.WithDetail("message_id", messageID)
	}
	if err != nil {
		return notification.Result{}, fmt.Errorf("failed to load notification result: %w", err)
	}

	r.Apply(event, at)
	if _, err = tx.ExecContext(ctx,
		`UPDATE notification_results SET delivered_at = $2, opened_at = $3, clicked_at = $4 WHERE id = $1`,
		r.ID, r.DeliveredAt, r.OpenedAt, r.ClickedAt,
	); err != nil {
		return notification.Result{}, fmt.Errorf("failed to update notification result: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return notification.Result{}, fmt.Errorf("failed to commit delivery event: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) Decisions(ctx context.Context, bookingID string) (out []DecisionRecord, err error) {
	start := time.Now()
	defer func() { metrics.ObserveQuery("postgres", "select_decisions", start, err) }()

	rows, err := s.db.QueryContext(ctx,
		`SELECT document, event FROM decisions WHERE booking_id = $1 ORDER BY decided_at ASC`,
		bookingID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query decisions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var doc, event []byte
		if err = rows.Scan(&doc, &event); err != nil {
			return nil, fmt.Errorf("failed to scan decision: %w", err)
		}
		var rec DecisionRecord
		if err = json.Unmarshal(doc, &rec.Decision); err != nil {
			return nil, fmt.Errorf("failed to decode decision: %w", err)
		}
		if err = json.Unmarshal(event, &rec.Event); err != nil {
			return nil, fmt.Errorf("failed to decode event: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Notifications(ctx context.Context, bookingID string) (out []notification.Result, err error) {
	start := time.Now()
	defer func() { metrics.ObserveQuery("postgres", "select_notifications", start, err) }()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+notificationColumns+` FROM notification_results WHERE booking_id = $1 ORDER BY sent_at ASC`,
		bookingID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query notification results: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		r, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan notification result: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) LastFailureEvent(ctx context.Context, bookingID string) (e rules.Event, found bool, err error) {
	start := time.Now()
	defer func() { metrics.ObserveQuery("postgres", "select_last_failure", start, err) }()

	var raw []byte
	err = s.db.QueryRowContext(ctx, `
		SELECT event FROM decisions
		WHERE booking_id = $1 AND event_kind = $2
		ORDER BY decided_at DESC
		LIMIT 1
	`, bookingID, string(rules.EventPaymentFailed)).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return rules.Event{}, false, nil
	}
	if err != nil {
		return rules.Event{}, false, fmt.Errorf("failed to query last failure: %w", err)
	}
	if err = json.Unmarshal(raw, &e); err != nil {
		return rules.Event{}, false, fmt.Errorf("failed to decode event: %w", err)
	}
	return e, true, nil
}

func (s *PostgresStore) DecisionsBetween(ctx context.Context, from, to time.Time) (out []decision.Decision, err error) {
	start := time.Now()
	defer func() { metrics.ObserveQuery("postgres", "select_decisions_window", start, err) }()

	rows, err := s.db.QueryContext(ctx,
		`SELECT document FROM decisions WHERE decided_at >= $1 AND decided_at < $2`,
		from, to,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query decisions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var doc []byte
		if err = rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("failed to scan decision: %w", err)
		}
		var d decision.Decision
		if err = json.Unmarshal(doc, &d); err != nil {
			return nil, fmt.Errorf("failed to decode decision: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *PostgresStore) NotificationsBetween(ctx context.Context, from, to time.Time) (out []notification.Result, err error) {
	start := time.Now()
	defer func() { metrics.ObserveQuery("postgres", "select_notifications_window", start, err) }()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+notificationColumns+` FROM notification_results WHERE sent_at >= $1 AND sent_at < $2`,
		from, to,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query notification results: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		r, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan notification result: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
