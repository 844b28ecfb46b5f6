package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/arcmirror/arcmirror/internal/database"
)

const maxUpdateAttempts = 5

// errSkipUpdate lets an update function leave the record untouched.
var errSkipUpdate = errors.New("skip update")

// Store persists download records in SQLite. Every write bumps the row's
// version; Update only commits against the version it read.
type Store struct {
	db *database.DB
}

// NewStore creates a store over a migrated database.
func NewStore(db *database.DB) *Store {
	return &Store{db: db}
}

const itemColumns = `id, identifier, title, media_type, file, is_derivative, status,
	progress, bytes_done, error, pid, started_at, completed_at, version`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (Item, error) {
	var (
		it          Item
		status      string
		progress    sql.NullInt64
		errText     sql.NullString
		pid         sql.NullInt64
		startedAt   sql.NullTime
		completedAt sql.NullTime
	)
	err := row.Scan(
		&it.ID, &it.Identifier, &it.Title, &it.MediaType, &it.File, &it.IsDerivative, &status,
		&progress, &it.BytesDone, &errText, &pid, &startedAt, &completedAt, &it.Version,
	)
	if err != nil {
		return Item{}, err
	}

	it.Status = Status(status)
	if progress.Valid {
		p := int(progress.Int64)
		it.Progress = &p
	}
	it.Error = errText.String
	if pid.Valid {
		it.PID = int(pid.Int64)
	}
	if startedAt.Valid {
		t := startedAt.Time
		it.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		it.CompletedAt = &t
	}
	return it, nil
}

func (s *Store) query(ctx context.Context, where string, args ...any) ([]Item, error) {
	q := `SELECT ` + itemColumns + ` FROM download_items`
	if where != "" {
		q += ` WHERE ` + where
	}
	q += ` ORDER BY id`

	rows, err := s.db.Conn().QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query download items: %w", err)
	}
	defer rows.Close()

	items := make([]Item, 0)
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan download item: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// List returns all records in FIFO order.
func (s *Store) List(ctx context.Context) ([]Item, error) {
	return s.query(ctx, "")
}

// ListByStatus returns records with the given status in FIFO order.
func (s *Store) ListByStatus(ctx context.Context, status Status) ([]Item, error) {
	return s.query(ctx, "status = ?", string(status))
}

// FindByPair returns records for (identifier, file) in FIFO order.
func (s *Store) FindByPair(ctx context.Context, identifier, file string) ([]Item, error) {
	return s.query(ctx, "identifier = ? AND file = ?", identifier, file)
}

// FindByIdentifier returns every record of an item in FIFO order.
func (s *Store) FindByIdentifier(ctx context.Context, identifier string) ([]Item, error) {
	return s.query(ctx, "identifier = ?", identifier)
}

// Get returns one record by id.
func (s *Store) Get(ctx context.Context, id int64) (Item, error) {
	row := s.db.Conn().QueryRowContext(ctx, `SELECT `+itemColumns+` FROM download_items WHERE id = ?`, id)
	it, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Item{}, ErrNotFound
	}
	if err != nil {
		return Item{}, fmt.Errorf("failed to get download item %d: %w", id, err)
	}
	return it, nil
}

// NextQueued returns the oldest queued record.
func (s *Store) NextQueued(ctx context.Context) (Item, error) {
	row := s.db.Conn().QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM download_items WHERE status = ? ORDER BY id LIMIT 1`,
		string(StatusQueued))
	it, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Item{}, ErrNotFound
	}
	if err != nil {
		return Item{}, fmt.Errorf("failed to get next queued item: %w", err)
	}
	return it, nil
}

// CountByStatus returns the number of records per status.
func (s *Store) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.Conn().QueryContext(ctx, `SELECT status, COUNT(*) FROM download_items GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count download items: %w", err)
	}
	defer rows.Close()

	counts := map[Status]int{
		StatusQueued:      0,
		StatusDownloading: 0,
		StatusCompleted:   0,
		StatusFailed:      0,
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[Status(status)] = n
	}
	return counts, rows.Err()
}

// Insert appends a new record and returns it with its id.
func (s *Store) Insert(ctx context.Context, it Item) (Item, error) {
	res, err := s.db.Conn().ExecContext(ctx, `
		INSERT INTO download_items
			(identifier, title, media_type, file, is_derivative, status, progress, bytes_done,
			 error, pid, started_at, completed_at, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`,
		it.Identifier, it.Title, it.MediaType, it.File, it.IsDerivative, string(it.Status),
		nullInt(it.Progress), it.BytesDone, nullString(it.Error), nullPID(it.PID),
		nullTime(it.StartedAt), nullTime(it.CompletedAt),
	)
	if err != nil {
		return Item{}, fmt.Errorf("failed to insert download item: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Item{}, fmt.Errorf("failed to read inserted id: %w", err)
	}
	return s.Get(ctx, id)
}

// Update reads the record, applies fn to a copy and writes it back if the
// version is unchanged. On a version conflict the read and fn are repeated,
// so fn must be safe to re-run. fn may return errSkipUpdate to leave the
// record as it is.
func (s *Store) Update(ctx context.Context, id int64, fn func(*Item) error) (Item, error) {
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		current, err := s.Get(ctx, id)
		if err != nil {
			return Item{}, err
		}

		next := current
		if err := fn(&next); err != nil {
			if errors.Is(err, errSkipUpdate) {
				return current, nil
			}
			return current, err
		}

		res, err := s.db.Conn().ExecContext(ctx, `
			UPDATE download_items SET
				title = ?, media_type = ?, file = ?, is_derivative = ?, status = ?, progress = ?,
				bytes_done = ?, error = ?, pid = ?, started_at = ?, completed_at = ?,
				version = version + 1
			WHERE id = ? AND version = ?`,
			next.Title, next.MediaType, next.File, next.IsDerivative, string(next.Status),
			nullInt(next.Progress), next.BytesDone, nullString(next.Error), nullPID(next.PID),
			nullTime(next.StartedAt), nullTime(next.CompletedAt),
			id, current.Version,
		)
		if err != nil {
			return current, fmt.Errorf("failed to update download item %d: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return current, fmt.Errorf("failed to update download item %d: %w", id, err)
		}
		if n == 1 {
			next.Version = current.Version + 1
			return next, nil
		}
	}
	return Item{}, fmt.Errorf("download item %d: too many concurrent updates", id)
}

// DeleteByStatus removes every record whose status is in statuses.
func (s *Store) DeleteByStatus(ctx context.Context, statuses ...Status) (int64, error) {
	if len(statuses) == 0 {
		return 0, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = string(st)
	}

	res, err := s.db.Conn().ExecContext(ctx,
		`DELETE FROM download_items WHERE status IN (`+placeholders+`)`, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete download items: %w", err)
	}
	return res.RowsAffected()
}

func nullInt(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}

func nullPID(pid int) sql.NullInt64 {
	if pid == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(pid), Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
