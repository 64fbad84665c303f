package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// UserRecord is the full row as stored, including credentials and lockout state.
type UserRecord struct {
	ID             int64
	Username       string
	PasswordHash   string
	Role           string
	FailedAttempts int
	LockedUntil    *time.Time
	TOTPSecret     string
	TOTPEnabled    bool
	AvatarPath     string
	CreatedAt      time.Time
}

// LockedAt reports whether the row is locked at now.
func (u *UserRecord) LockedAt(now time.Time) bool {
	return u.LockedUntil != nil && now.Before(*u.LockedUntil)
}

func (u *UserRecord) toUser() User {
	return User{
		ID:          u.ID,
		Username:    u.Username,
		Role:        u.Role,
		TOTPEnabled: u.TOTPEnabled,
		AvatarPath:  u.AvatarPath,
		CreatedAt:   u.CreatedAt,
	}
}

// LockoutState is the counter state after a failed attempt was recorded.
type LockoutState struct {
	FailedAttempts int
	LockedUntil    *time.Time
}

// AdminUserListItem is a projection for admin user listing (no password hash).
type AdminUserListItem struct {
	ID             int64      `json:"id"`
	Username       string     `json:"username"`
	Role           string     `json:"role"`
	FailedAttempts int        `json:"failed_attempts"`
	LockedUntil    *time.Time `json:"locked_until"`
	TOTPEnabled    bool       `json:"totp_enabled"`
	CreatedAt      time.Time  `json:"created_at"`
}

// AccountStats summarises the user table for the admin dashboard.
type AccountStats struct {
	Total       int `json:"total"`
	Locked      int `json:"locked"`
	TOTPEnabled int `json:"totp_enabled"`
}

// UserRepository defines persistence operations for users.
type UserRepository interface {
	FindByUsername(ctx context.Context, username string) (*UserRecord, error)
	FindByID(ctx context.Context, id int64) (*UserRecord, error)
	Create(ctx context.Context, username, passwordHash, role string) (int64, error)
	HasAdmin(ctx context.Context) (bool, error)
	List(ctx context.Context, page, perPage int) ([]AdminUserListItem, int, error)
	Stats(ctx context.Context, now time.Time) (AccountStats, error)

	// RecordFailedLogin increments the failure counter. When the counter reaches
	// maxAttempts it is reset to zero and locked_until is set to lockUntil.
	RecordFailedLogin(ctx context.Context, id int64, maxAttempts int, lockUntil time.Time) (LockoutState, error)
	ResetFailedLogins(ctx context.Context, id int64) error
	Unlock(ctx context.Context, id int64) error

	SetTOTP(ctx context.Context, id int64, secret string) error
	ClearTOTP(ctx context.Context, id int64) error
	// SetAvatar stores the new avatar file name and returns the previous one.
	SetAvatar(ctx context.Context, id int64, avatarPath string) (string, error)
}

// PgUserRepository implements UserRepository using pgxpool.
type PgUserRepository struct {
	db *pgxpool.Pool
}

func NewPgUserRepository(db *pgxpool.Pool) *PgUserRepository {
	return &PgUserRepository{db: db}
}

const userColumns = `id, username, password_hash, role, failed_attempts, locked_until,
COALESCE(totp_secret, ''), totp_enabled, COALESCE(avatar_path, ''), created_at`

func scanUser(row pgx.Row) (*UserRecord, error) {
	var u UserRecord
	if err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Role, &u.FailedAttempts, &u.LockedUntil,
		&u.TOTPSecret, &u.TOTPEnabled, &u.AvatarPath, &u.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &u, nil
}

func (r *PgUserRepository) FindByUsername(ctx context.Context, username string) (*UserRecord, error) {
	return scanUser(r.db.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE username=$1`, username))
}

func (r *PgUserRepository) FindByID(ctx context.Context, id int64) (*UserRecord, error) {
	return scanUser(r.db.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id=$1`, id))
}

func (r *PgUserRepository) Create(ctx context.Context, username, passwordHash, role string) (int64, error) {
	const q = `INSERT INTO users (username, password_hash, role) VALUES ($1,$2,$3) RETURNING id`
	var id int64
	if err := r.db.QueryRow(ctx, q, username, passwordHash, role).Scan(&id); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return 0, ErrUsernameTaken
		}
		return 0, err
	}
	return id, nil
}

func (r *PgUserRepository) HasAdmin(ctx context.Context) (bool, error) {
	const q = `SELECT 1 FROM users WHERE role='admin' LIMIT 1`
	var one int
	if err := r.db.QueryRow(ctx, q).Scan(&one); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// List returns paginated users without password hash.
func (r *PgUserRepository) List(ctx context.Context, page, perPage int) ([]AdminUserListItem, int, error) {
	if page <= 0 || perPage <= 0 {
		return nil, 0, errors.New("invalid pagination")
	}
	const countQ = `SELECT COUNT(*) FROM users`
	var total int
	if err := r.db.QueryRow(ctx, countQ).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.db.Query(ctx, `
SELECT id, username, role, failed_attempts, locked_until, totp_enabled, created_at
FROM users
ORDER BY id
LIMIT $1 OFFSET $2
`, perPage, (page-1)*perPage)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	items := make([]AdminUserListItem, 0, perPage)
	for rows.Next() {
		var u AdminUserListItem
		if err := rows.Scan(&u.ID, &u.Username, &u.Role, &u.FailedAttempts, &u.LockedUntil, &u.TOTPEnabled, &u.CreatedAt); err != nil {
			return nil, 0, err
		}
		items = append(items, u)
	}
	return items, total, rows.Err()
}

func (r *PgUserRepository) Stats(ctx context.Context, now time.Time) (AccountStats, error) {
	const q = `
SELECT COUNT(*),
       COUNT(*) FILTER (WHERE locked_until > $1),
       COUNT(*) FILTER (WHERE totp_enabled)
FROM users`
	var st AccountStats
	if err := r.db.QueryRow(ctx, q, now).Scan(&st.Total, &st.Locked, &st.TOTPEnabled); err != nil {
		return AccountStats{}, err
	}
	return st, nil
}

// RecordFailedLogin runs as one statement so concurrent failures cannot lose increments.
// The CASE expressions read the pre-update row.
func (r *PgUserRepository) RecordFailedLogin(ctx context.Context, id int64, maxAttempts int, lockUntil time.Time) (LockoutState, error) {
	const q = `
UPDATE users SET
  failed_attempts = CASE WHEN failed_attempts + 1 >= $2 THEN 0 ELSE failed_attempts + 1 END,
  locked_until    = CASE WHEN failed_attempts + 1 >= $2 THEN $3 ELSE locked_until END,
  updated_at      = now()
WHERE id = $1
RETURNING failed_attempts, locked_until`
	var st LockoutState
	if err := r.db.QueryRow(ctx, q, id, maxAttempts, lockUntil).Scan(&st.FailedAttempts, &st.LockedUntil); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return LockoutState{}, ErrUserNotFound
		}
		return LockoutState{}, fmt.Errorf("record failed login: %w", err)
	}
	return st, nil
}

func (r *PgUserRepository) ResetFailedLogins(ctx context.Context, id int64) error {
	return r.execOne(ctx, `UPDATE users SET failed_attempts=0, locked_until=NULL, updated_at=now() WHERE id=$1`, id)
}

func (r *PgUserRepository) Unlock(ctx context.Context, id int64) error {
	return r.ResetFailedLogins(ctx, id)
}

func (r *PgUserRepository) SetTOTP(ctx context.Context, id int64, secret string) error {
	return r.execOne(ctx, `UPDATE users SET totp_secret=$2, totp_enabled=TRUE, updated_at=now() WHERE id=$1`, id, secret)
}

func (r *PgUserRepository) ClearTOTP(ctx context.Context, id int64) error {
	return r.execOne(ctx, `UPDATE users SET totp_secret=NULL, totp_enabled=FALSE, updated_at=now() WHERE id=$1`, id)
}

func (r *PgUserRepository) SetAvatar(ctx context.Context, id int64, avatarPath string) (string, error) {
	const q = `
UPDATE users u SET avatar_path=$2, updated_at=now()
FROM (SELECT id, avatar_path FROM users WHERE id=$1 FOR UPDATE) prev
WHERE u.id = prev.id
RETURNING COALESCE(prev.avatar_path, '')`
	var previous string
	if err := r.db.QueryRow(ctx, q, id, avatarPath).Scan(&previous); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrUserNotFound
		}
		return "", err
	}
	return previous, nil
}

func (r *PgUserRepository) execOne(ctx context.Context, q string, args ...any) error {
	tag, err := r.db.Exec(ctx, q, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}
