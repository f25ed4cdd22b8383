package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
)

var ErrNotFound = errors.New("not found")

// InsertTask seeds a task row. Tasks are managed by the task service; the
// gateway only reads them.
func (s *Store) InsertTask(ctx context.Context, t Task) (Task, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = "todo"
	}
	if t.Priority == "" {
		t.Priority = "medium"
	}
	t.CreatedAt = s.now()
	q := s.sql.Insert("tasks").
		Columns("id", "user_id", "title", "description", "status", "priority", "due_at", "created_at").
		Values(t.ID, t.UserID, t.Title, t.Description, t.Status, t.Priority, t.DueAt, t.CreatedAt)

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Task{}, fmt.Errorf("build insert task query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return Task{}, fmt.Errorf("insert task: %w", err)
	}
	return t, nil
}

// GetTask returns the task only when userID owns it.
func (s *Store) GetTask(ctx context.Context, userID, taskID string) (Task, error) {
	q := s.sql.Select("id", "user_id", "title", "description", "status", "priority", "due_at", "created_at").
		From("tasks").
		Where(sq.Eq{"id": taskID, "user_id": userID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Task{}, fmt.Errorf("build get task query: %w", err)
	}

	var t Task
	var dueAt sql.NullTime
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(
		&t.ID,
		&t.UserID,
		&t.Title,
		&t.Description,
		&t.Status,
		&t.Priority,
		&dueAt,
		&t.CreatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Task{}, ErrNotFound
		}
		return Task{}, fmt.Errorf("get task: %w", err)
	}
	if dueAt.Valid {
		t.DueAt = &dueAt.Time
	}
	return t, nil
}

func (s *Store) UpsertSubscription(ctx context.Context, sub Subscription) error {
	now := s.now()
	q := s.sql.Insert("subscriptions").
		Columns("user_id", "plan_id", "provider_id", "charge_id", "status", "amount", "currency", "created_at", "updated_at").
		Values(sub.UserID, sub.PlanID, sub.ProviderID, sub.ChargeID, sub.Status, sub.Amount, sub.Currency, now, now).
		Suffix("ON CONFLICT(user_id) DO UPDATE SET plan_id=excluded.plan_id, provider_id=excluded.provider_id, charge_id=excluded.charge_id, status=excluded.status, amount=excluded.amount, currency=excluded.currency, updated_at=excluded.updated_at")

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build subscription upsert query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("upsert subscription: %w", err)
	}
	return nil
}

func (s *Store) GetSubscription(ctx context.Context, userID string) (Subscription, error) {
	q := s.sql.Select("user_id", "plan_id", "provider_id", "charge_id", "status", "amount", "currency", "created_at", "updated_at").
		From("subscriptions").
		Where(sq.Eq{"user_id": userID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Subscription{}, fmt.Errorf("build get subscription query: %w", err)
	}

	var sub Subscription
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(
		&sub.UserID,
		&sub.PlanID,
		&sub.ProviderID,
		&sub.ChargeID,
		&sub.Status,
		&sub.Amount,
		&sub.Currency,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Subscription{}, ErrNotFound
		}
		return Subscription{}, fmt.Errorf("get subscription: %w", err)
	}
	return sub, nil
}

// UpsertDevice registers a push target. Re-registering the same token for the
// same provider moves it to the new owner and keeps the device id.
func (s *Store) UpsertDevice(ctx context.Context, d Device) (Device, error) {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	q := s.sql.Insert("devices").
		Columns("id", "user_id", "provider_id", "platform", "enc_token", "token_hash", "created_at").
		Values(d.ID, d.UserID, d.ProviderID, d.Platform, d.EncToken, d.TokenHash, s.now()).
		Suffix("ON CONFLICT(provider_id, token_hash) DO UPDATE SET user_id=excluded.user_id, platform=excluded.platform, enc_token=excluded.enc_token")

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Device{}, fmt.Errorf("build device upsert query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return Device{}, fmt.Errorf("upsert device: %w", err)
	}
	return s.getDevice(ctx, sq.Eq{"provider_id": d.ProviderID, "token_hash": d.TokenHash})
}

func (s *Store) GetDevice(ctx context.Context, id string) (Device, error) {
	return s.getDevice(ctx, sq.Eq{"id": id})
}

func (s *Store) getDevice(ctx context.Context, where sq.Sqlizer) (Device, error) {
	q := s.sql.Select(deviceColumns...).From("devices").Where(where)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Device{}, fmt.Errorf("build get device query: %w", err)
	}
	d, err := scanDevice(s.db.QueryRowContext(ctx, sqlStr, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Device{}, ErrNotFound
		}
		return Device{}, fmt.Errorf("get device: %w", err)
	}
	return d, nil
}

// ListDevices lists a user's devices, or every device when userID is empty.
func (s *Store) ListDevices(ctx context.Context, userID string) ([]Device, error) {
	q := s.sql.Select(deviceColumns...).From("devices").OrderBy("created_at ASC", "id ASC")
	if userID != "" {
		q = q.Where(sq.Eq{"user_id": userID})
	}
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list devices query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	out := make([]Device, 0)
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scan device row: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate device rows: %w", err)
	}
	return out, nil
}

func (s *Store) UpdateDeviceToken(ctx context.Context, id, encToken string) error {
	q := s.sql.Update("devices").Set("enc_token", encToken).Where(sq.Eq{"id": id})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build update device token query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("update device token: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) DeleteDevice(ctx context.Context, userID, id string) error {
	q := s.sql.Delete("devices").Where(sq.Eq{"id": id, "user_id": userID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build delete device query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("delete device: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

var deviceColumns = []string{"id", "user_id", "provider_id", "platform", "enc_token", "token_hash", "created_at"}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (Device, error) {
	var d Device
	err := row.Scan(&d.ID, &d.UserID, &d.ProviderID, &d.Platform, &d.EncToken, &d.TokenHash, &d.CreatedAt)
	return d, err
}

func (s *Store) InsertNotification(ctx context.Context, n Notification) (Notification, error) {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.Status == "" {
		n.Status = NotificationPending
	}
	if n.DataJSON == "" {
		n.DataJSON = "{}"
	}
	n.CreatedAt = s.now()
	n.UpdatedAt = n.CreatedAt
	q := s.sql.Insert("notifications").
		Columns("id", "user_id", "device_id", "provider_id", "title", "body", "data_json", "status", "attempts", "created_at", "updated_at").
		Values(n.ID, n.UserID, n.DeviceID, n.ProviderID, n.Title, n.Body, n.DataJSON, n.Status, n.Attempts, n.CreatedAt, n.UpdatedAt)

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Notification{}, fmt.Errorf("build insert notification query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return Notification{}, fmt.Errorf("insert notification: %w", err)
	}
	return n, nil
}

// NotificationOutcome is the result of one delivery attempt.
type NotificationOutcome struct {
	Status       string
	ErrorKind    string
	ErrorMessage string
	MessageID    string
	Attempts     int
}

func (s *Store) UpdateNotification(ctx context.Context, id string, o NotificationOutcome) error {
	q := s.sql.Update("notifications").
		Set("status", o.Status).
		Set("error_kind", o.ErrorKind).
		Set("error_message", o.ErrorMessage).
		Set("message_id", o.MessageID).
		Set("attempts", o.Attempts).
		Set("updated_at", s.now()).
		Where(sq.Eq{"id": id})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build update notification query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("update notification: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) GetNotification(ctx context.Context, id string) (Notification, error) {
	q := s.sql.Select(notificationColumns...).From("notifications").Where(sq.Eq{"id": id})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Notification{}, fmt.Errorf("build get notification query: %w", err)
	}
	n, err := scanNotification(s.db.QueryRowContext(ctx, sqlStr, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Notification{}, ErrNotFound
		}
		return Notification{}, fmt.Errorf("get notification: %w", err)
	}
	return n, nil
}

// ListNotifications returns the newest notifications of a user first.
func (s *Store) ListNotifications(ctx context.Context, userID string, limit uint64) ([]Notification, error) {
	if limit == 0 {
		limit = 50
	}
	q := s.sql.Select(notificationColumns...).
		From("notifications").
		Where(sq.Eq{"user_id": userID}).
		OrderBy("created_at DESC", "id ASC").
		Limit(limit)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list notifications query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	out := make([]Notification, 0)
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notification row: %w", err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notification rows: %w", err)
	}
	return out, nil
}

var notificationColumns = []string{
	"id", "user_id", "device_id", "provider_id", "title", "body", "data_json",
	"status", "error_kind", "error_message", "message_id", "attempts", "created_at", "updated_at",
}

func scanNotification(row rowScanner) (Notification, error) {
	var n Notification
	err := row.Scan(
		&n.ID,
		&n.UserID,
		&n.DeviceID,
		&n.ProviderID,
		&n.Title,
		&n.Body,
		&n.DataJSON,
		&n.Status,
		&n.ErrorKind,
		&n.ErrorMessage,
		&n.MessageID,
		&n.Attempts,
		&n.CreatedAt,
		&n.UpdatedAt,
	)
	return n, err
}

func (s *Store) InsertUsage(ctx context.Context, r UsageRecord) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now()
	}
	r.CreatedAt = r.CreatedAt.UTC().Truncate(time.Second)
	q := s.sql.Insert("usage_log").
		Columns("user_id", "capability", "provider_id", "input_units", "output_units", "cost", "duration_ms", "success", "error_kind", "created_at").
		Values(r.UserID, r.Capability, r.ProviderID, r.InputUnits, r.OutputUnits, r.Cost, r.DurationMs, r.Success, r.ErrorKind, r.CreatedAt)

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build insert usage query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("insert usage: %w", err)
	}
	return nil
}

// SummarizeUsage aggregates a user's dispatches recorded at or after since,
// grouped by capability and provider.
func (s *Store) SummarizeUsage(ctx context.Context, userID string, since time.Time) ([]UsageSummary, error) {
	q := s.sql.Select(
		"capability",
		"provider_id",
		"COUNT(*)",
		"CAST(COALESCE(SUM(input_units), 0) AS BIGINT)",
		"CAST(COALESCE(SUM(output_units), 0) AS BIGINT)",
		"COALESCE(SUM(cost), 0)",
	).From("usage_log").
		Where(sq.Eq{"user_id": userID}).
		Where(sq.GtOrEq{"created_at": since.UTC().Truncate(time.Second)}).
		GroupBy("capability", "provider_id").
		OrderBy("capability ASC", "provider_id ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build summarize usage query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("summarize usage: %w", err)
	}
	defer rows.Close()

	out := make([]UsageSummary, 0)
	for rows.Next() {
		var u UsageSummary
		if err := rows.Scan(&u.Capability, &u.ProviderID, &u.Calls, &u.InputUnits, &u.OutputUnits, &u.Cost); err != nil {
			return nil, fmt.Errorf("scan usage row: %w", err)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate usage rows: %w", err)
	}
	return out, nil
}
