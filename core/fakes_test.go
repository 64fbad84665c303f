package core

import (
	"context"
	"errors"
	"io"
	"os"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	logrus.SetOutput(io.Discard)
	os.Exit(m.Run())
}

// memUserRepo mirrors PgUserRepository, including the lockout UPDATE semantics.
type memUserRepo struct {
	mu     sync.Mutex
	nextID int64
	rows   map[int64]*UserRecord
}

func newMemUserRepo() *memUserRepo {
	return &memUserRepo{rows: map[int64]*UserRecord{}}
}

func (r *memUserRepo) get(id int64) (*UserRecord, error) {
	u, ok := r.rows[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	return u, nil
}

func (r *memUserRepo) FindByUsername(_ context.Context, username string) (*UserRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.rows {
		if u.Username == username {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrUserNotFound
}

func (r *memUserRepo) FindByID(_ context.Context, id int64) (*UserRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, err := r.get(id)
	if err != nil {
		return nil, err
	}
	cp := *u
	return &cp, nil
}

func (r *memUserRepo) Create(_ context.Context, username, passwordHash, role string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.rows {
		if u.Username == username {
			return 0, ErrUsernameTaken
		}
	}
	r.nextID++
	r.rows[r.nextID] = &UserRecord{
		ID:           r.nextID,
		Username:     username,
		PasswordHash: passwordHash,
		Role:         role,
		CreatedAt:    time.Now(),
	}
	return r.nextID, nil
}

func (r *memUserRepo) HasAdmin(_ context.Context) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.rows {
		if u.Role == RoleAdmin {
			return true, nil
		}
	}
	return false, nil
}

func (r *memUserRepo) List(_ context.Context, page, perPage int) ([]AdminUserListItem, int, error) {
	if page <= 0 || perPage <= 0 {
		return nil, 0, errors.New("invalid pagination")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]int64, 0, len(r.rows))
	for id := range r.rows {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	items := []AdminUserListItem{}
	for i := (page - 1) * perPage; i < len(ids) && len(items) < perPage; i++ {
		u := r.rows[ids[i]]
		items = append(items, AdminUserListItem{
			ID:             u.ID,
			Username:       u.Username,
			Role:           u.Role,
			FailedAttempts: u.FailedAttempts,
			LockedUntil:    u.LockedUntil,
			TOTPEnabled:    u.TOTPEnabled,
			CreatedAt:      u.CreatedAt,
		})
	}
	return items, len(ids), nil
}

func (r *memUserRepo) Stats(_ context.Context, now time.Time) (AccountStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var st AccountStats
	for _, u := range r.rows {
		st.Total++
		if u.LockedAt(now) {
			st.Locked++
		}
		if u.TOTPEnabled {
			st.TOTPEnabled++
		}
	}
	return st, nil
}

func (r *memUserRepo) RecordFailedLogin(_ context.Context, id int64, maxAttempts int, lockUntil time.Time) (LockoutState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, err := r.get(id)
	if err != nil {
		return LockoutState{}, err
	}
	if u.FailedAttempts+1 >= maxAttempts {
		u.FailedAttempts = 0
		t := lockUntil
		u.LockedUntil = &t
	} else {
		u.FailedAttempts++
	}
	return LockoutState{FailedAttempts: u.FailedAttempts, LockedUntil: u.LockedUntil}, nil
}

func (r *memUserRepo) ResetFailedLogins(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, err := r.get(id)
	if err != nil {
		return err
	}
	u.FailedAttempts = 0
	u.LockedUntil = nil
	return nil
}

func (r *memUserRepo) Unlock(ctx context.Context, id int64) error {
	return r.ResetFailedLogins(ctx, id)
}

func (r *memUserRepo) SetTOTP(_ context.Context, id int64, secret string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, err := r.get(id)
	if err != nil {
		return err
	}
	u.TOTPSecret = secret
	u.TOTPEnabled = true
	return nil
}

func (r *memUserRepo) ClearTOTP(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, err := r.get(id)
	if err != nil {
		return err
	}
	u.TOTPSecret = ""
	u.TOTPEnabled = false
	return nil
}

func (r *memUserRepo) SetAvatar(_ context.Context, id int64, avatarPath string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, err := r.get(id)
	if err != nil {
		return "", err
	}
	prev := u.AvatarPath
	u.AvatarPath = avatarPath
	return prev, nil
}

// lock puts a user into the locked state directly.
func (r *memUserRepo) lock(id int64, until time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows[id].LockedUntil = &until
}

// memUploadRepo is an in-memory AvatarUploadRepository.
type memUploadRepo struct {
	mu     sync.Mutex
	nextID int64
	rows   map[int64]*AvatarUpload
}

func newMemUploadRepo() *memUploadRepo {
	return &memUploadRepo{rows: map[int64]*AvatarUpload{}}
}

func (r *memUploadRepo) Create(_ context.Context, userID int64, rawPath string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	now := time.Now()
	r.rows[r.nextID] = &AvatarUpload{ID: r.nextID, UserID: userID, RawPath: rawPath, Status: UploadPending, CreatedAt: now, UpdatedAt: now}
	return r.nextID, nil
}

func (r *memUploadRepo) Delete(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.rows, id)
	return nil
}

func (r *memUploadRepo) AcquirePending(_ context.Context, id int64) (*AvatarUpload, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.rows[id]
	if !ok {
		return nil, ErrUploadNotFound
	}
	if u.Status != UploadPending {
		return nil, ErrUploadNotPending
	}
	u.Status = UploadProcessing
	cp := *u
	return &cp, nil
}

func (r *memUploadRepo) MarkStatus(_ context.Context, id int64, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.rows[id]
	if !ok {
		return ErrUploadNotFound
	}
	u.Status = status
	return nil
}

func (r *memUploadRepo) MarkDone(ctx context.Context, id int64) error {
	return r.MarkStatus(ctx, id, UploadDone)
}

func (r *memUploadRepo) MarkFailed(_ context.Context, id int64, status, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.rows[id]
	if !ok {
		return ErrUploadNotFound
	}
	u.Status = status
	u.ErrorMessage = message
	return nil
}

func (r *memUploadRepo) IncrementRetry(_ context.Context, id int64) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.rows[id]
	if !ok {
		return 0, ErrUploadNotFound
	}
	u.RetryCount++
	return u.RetryCount, nil
}

func (r *memUploadRepo) ReclaimProcessing(_ context.Context, id int64, maxRetries int, message string) (string, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.rows[id]
	if !ok || u.Status != UploadProcessing {
		return "", 0, ErrUploadNotPending
	}
	u.RetryCount++
	if u.RetryCount > maxRetries {
		u.Status = UploadFailed
		u.ErrorMessage = message
	} else {
		u.Status = UploadPending
	}
	return u.Status, u.RetryCount, nil
}

func (r *memUploadRepo) LatestByUser(_ context.Context, userID int64) (*AvatarUpload, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var latest *AvatarUpload
	for _, u := range r.rows {
		if u.UserID == userID && (latest == nil || u.ID > latest.ID) {
			latest = u
		}
	}
	if latest == nil {
		return nil, ErrUploadNotFound
	}
	cp := *latest
	return &cp, nil
}

func (r *memUploadRepo) find(id int64) AvatarUpload {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.rows[id]
}
