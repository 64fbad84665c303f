package core

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// User represents an authenticated principal returned to handlers.
type User struct {
	ID          int64     `json:"id"`
	Username    string    `json:"username"`
	Role        string    `json:"role"`
	TOTPEnabled bool      `json:"totp_enabled"`
	AvatarPath  string    `json:"avatar_path,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// IsAdmin reports whether the user carries the admin role.
func (u User) IsAdmin() bool { return u.Role == RoleAdmin }

const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

var (
	// ErrInvalidCredentials is returned when username/password is wrong.
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAccountLocked      = errors.New("account locked")
	ErrUsernameTaken      = errors.New("username already taken")
	ErrInvalidUsername    = errors.New("username must be 3-32 characters of letters, digits, '_', '.' or '-'")
	ErrWeakPassword       = errors.New("password must be between 8 and 72 bytes")
	ErrUserNotFound       = errors.New("user not found")

	ErrInvalidTOTPCode    = errors.New("invalid authentication code")
	ErrTOTPCodeReused     = errors.New("authentication code already used")
	ErrTOTPNotEnabled     = errors.New("two-factor authentication is not enabled")
	ErrTOTPAlreadyEnabled = errors.New("two-factor authentication is already enabled")
)

// LockedError carries the instant a locked account becomes usable again.
type LockedError struct {
	Until time.Time
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("account locked until %s", e.Until.UTC().Format(time.RFC3339))
}

func (e *LockedError) Is(target error) bool { return target == ErrAccountLocked }

// RetryAfter returns how long the caller has to wait, rounded up to a minute.
func (e *LockedError) RetryAfter(now time.Time) time.Duration {
	d := e.Until.Sub(now)
	if d <= 0 {
		return 0
	}
	if r := d % time.Minute; r != 0 {
		d += time.Minute - r
	}
	return d
}

// LoginResult is the outcome of a successful password check.
// When TOTPRequired is set the caller must not issue a full session yet.
type LoginResult struct {
	User         User
	TOTPRequired bool
}

// TOTPEnrollment is shown to the user while setting up an authenticator app.
type TOTPEnrollment struct {
	Secret     string
	URL        string
	QRCodeData string // data:image/png;base64,...
}

// AuthPolicy holds the lockout and TOTP parameters.
type AuthPolicy struct {
	MaxFailedAttempts int
	LockoutDuration   time.Duration
	TOTPIssuer        string
}

// DefaultAuthPolicy mirrors the config defaults.
func DefaultAuthPolicy() AuthPolicy {
	return AuthPolicy{
		MaxFailedAttempts: 5,
		LockoutDuration:   15 * time.Minute,
		TOTPIssuer:        "authgate",
	}
}

// AuthService defines authentication behaviour.
type AuthService interface {
	Register(ctx context.Context, username, password string) (User, error)
	Authenticate(ctx context.Context, username, password string) (LoginResult, error)
	VerifyTOTP(ctx context.Context, userID int64, code string) (User, error)
	BeginTOTPEnrollment(ctx context.Context, userID int64) (TOTPEnrollment, error)
	ResumeTOTPEnrollment(ctx context.Context, userID int64, secret string) (TOTPEnrollment, error)
	ConfirmTOTPEnrollment(ctx context.Context, userID int64, secret, code string) error
	DisableTOTP(ctx context.Context, userID int64, password, code string) error
	Unlock(ctx context.Context, userID int64) error
}
