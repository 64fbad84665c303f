package core

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Avatar upload job states.
const (
	UploadPending    = "pending"
	UploadProcessing = "processing"
	UploadDone       = "done"
	UploadRejected   = "rejected"
	UploadFailed     = "failed"
)

// AvatarUpload is one raw upload waiting for (or done with) processing.
type AvatarUpload struct {
	ID           int64     `json:"id"`
	UserID       int64     `json:"user_id"`
	RawPath      string    `json:"-"`
	Status       string    `json:"status"`
	RetryCount   int       `json:"retry_count"`
	ErrorMessage string    `json:"error_message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

var (
	ErrUploadNotPending = errors.New("avatar upload not pending")
	ErrUploadNotFound   = errors.New("avatar upload not found")
)

// AvatarUploadRepository defines persistence operations needed by the api and the worker.
type AvatarUploadRepository interface {
	Create(ctx context.Context, userID int64, rawPath string) (int64, error)
	Delete(ctx context.Context, id int64) error
	// AcquirePending moves a pending upload to processing, or returns ErrUploadNotPending.
	AcquirePending(ctx context.Context, id int64) (*AvatarUpload, error)
	MarkStatus(ctx context.Context, id int64, status string) error
	MarkDone(ctx context.Context, id int64) error
	// MarkFailed records a terminal status (rejected or failed) with its reason.
	MarkFailed(ctx context.Context, id int64, status, message string) error
	IncrementRetry(ctx context.Context, id int64) (int, error)
	// ReclaimProcessing returns a timed-out processing upload to pending, or fails it
	// once retries exceed maxRetries. Any other status yields ErrUploadNotPending.
	ReclaimProcessing(ctx context.Context, id int64, maxRetries int, message string) (string, int, error)
	LatestByUser(ctx context.Context, userID int64) (*AvatarUpload, error)
}

// PgAvatarUploadRepository is a pgx implementation over the avatar_uploads table.
type PgAvatarUploadRepository struct {
	db *pgxpool.Pool
}

func NewPgAvatarUploadRepository(db *pgxpool.Pool) *PgAvatarUploadRepository {
	return &PgAvatarUploadRepository{db: db}
}

const uploadColumns = `id, user_id, raw_path, status, retry_count, COALESCE(error_message, ''), created_at, updated_at`

func scanUpload(row pgx.Row) (*AvatarUpload, error) {
	var u AvatarUpload
	if err := row.Scan(&u.ID, &u.UserID, &u.RawPath, &u.Status, &u.RetryCount, &u.ErrorMessage, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUploadNotFound
		}
		return nil, err
	}
	return &u, nil
}

func (r *PgAvatarUploadRepository) Create(ctx context.Context, userID int64, rawPath string) (int64, error) {
	const q = `INSERT INTO avatar_uploads (user_id, raw_path, status) VALUES ($1,$2,'pending') RETURNING id`
	var id int64
	if err := r.db.QueryRow(ctx, q, userID, rawPath).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (r *PgAvatarUploadRepository) Delete(ctx context.Context, id int64) error {
	_, err := r.db.Exec(ctx, `DELETE FROM avatar_uploads WHERE id=$1`, id)
	return err
}

// AcquirePending locks a pending upload and transitions it to processing atomically.
func (r *PgAvatarUploadRepository) AcquirePending(ctx context.Context, id int64) (*AvatarUpload, error) {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	u, err := scanUpload(tx.QueryRow(ctx, `SELECT `+uploadColumns+` FROM avatar_uploads WHERE id=$1 FOR UPDATE`, id))
	if err != nil {
		return nil, err
	}
	if u.Status != UploadPending {
		return nil, ErrUploadNotPending
	}
	if _, err := tx.Exec(ctx, `UPDATE avatar_uploads SET status='processing', updated_at=NOW() WHERE id=$1`, id); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	u.Status = UploadProcessing
	return u, nil
}

func (r *PgAvatarUploadRepository) MarkStatus(ctx context.Context, id int64, status string) error {
	if status == "" {
		return errors.New("status is empty")
	}
	ct, err := r.db.Exec(ctx, `UPDATE avatar_uploads SET status=$1, updated_at=NOW() WHERE id=$2`, status, id)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return ErrUploadNotFound
	}
	return nil
}

func (r *PgAvatarUploadRepository) MarkDone(ctx context.Context, id int64) error {
	return r.MarkStatus(ctx, id, UploadDone)
}

func (r *PgAvatarUploadRepository) MarkFailed(ctx context.Context, id int64, status, message string) error {
	const q = `UPDATE avatar_uploads SET status=$1, error_message=$2, updated_at=NOW() WHERE id=$3`
	ct, err := r.db.Exec(ctx, q, status, message, id)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return ErrUploadNotFound
	}
	return nil
}

// IncrementRetry increments retry_count and returns the latest value.
func (r *PgAvatarUploadRepository) IncrementRetry(ctx context.Context, id int64) (int, error) {
	const q = `UPDATE avatar_uploads SET retry_count = retry_count + 1, updated_at=NOW() WHERE id=$1 RETURNING retry_count`
	var count int
	if err := r.db.QueryRow(ctx, q, id).Scan(&count); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrUploadNotFound
		}
		return 0, err
	}
	return count, nil
}

func (r *PgAvatarUploadRepository) ReclaimProcessing(ctx context.Context, id int64, maxRetries int, message string) (string, int, error) {
	const q = `
UPDATE avatar_uploads SET
  retry_count   = retry_count + 1,
  status        = CASE WHEN retry_count + 1 > $2 THEN 'failed' ELSE 'pending' END,
  error_message = CASE WHEN retry_count + 1 > $2 THEN $3 ELSE error_message END,
  updated_at    = NOW()
WHERE id=$1 AND status='processing'
RETURNING status, retry_count`
	var (
		status  string
		retries int
	)
	if err := r.db.QueryRow(ctx, q, id, maxRetries, message).Scan(&status, &retries); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", 0, ErrUploadNotPending
		}
		return "", 0, err
	}
	return status, retries, nil
}

func (r *PgAvatarUploadRepository) LatestByUser(ctx context.Context, userID int64) (*AvatarUpload, error) {
	return scanUpload(r.db.QueryRow(ctx, `SELECT `+uploadColumns+` FROM avatar_uploads WHERE user_id=$1 ORDER BY id DESC LIMIT 1`, userID))
}
