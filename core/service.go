package core

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image/png"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/sirupsen/logrus"
)

const (
	totpPeriod  = 30
	totpSkew    = 1
	qrImageSize = 200
)

var ErrTOTPEnrollmentMissing = errors.New("no two-factor enrollment in progress")

// RepositoryAuthService implements AuthService on top of a UserRepository.
// It owns the lockout counter transitions and the TOTP checks.
type RepositoryAuthService struct {
	users  UserRepository
	guard  CodeGuard
	policy AuthPolicy
	now    func() time.Time
}

func NewRepositoryAuthService(users UserRepository, guard CodeGuard, policy AuthPolicy) *RepositoryAuthService {
	if policy.MaxFailedAttempts <= 0 {
		policy.MaxFailedAttempts = DefaultAuthPolicy().MaxFailedAttempts
	}
	if policy.LockoutDuration <= 0 {
		policy.LockoutDuration = DefaultAuthPolicy().LockoutDuration
	}
	if strings.TrimSpace(policy.TOTPIssuer) == "" {
		policy.TOTPIssuer = DefaultAuthPolicy().TOTPIssuer
	}
	return &RepositoryAuthService{users: users, guard: guard, policy: policy, now: time.Now}
}

// Register validates and stores a new account with the user role.
func (s *RepositoryAuthService) Register(ctx context.Context, username, password string) (User, error) {
	username = strings.TrimSpace(username)
	if err := ValidateUsername(username); err != nil {
		return User{}, err
	}
	if err := ValidatePassword(password); err != nil {
		return User{}, err
	}
	hash, err := HashPassword(password)
	if err != nil {
		return User{}, fmt.Errorf("hash password: %w", err)
	}
	id, err := s.users.Create(ctx, username, hash, RoleUser)
	if err != nil {
		if errors.Is(err, ErrUsernameTaken) {
			return User{}, err
		}
		return User{}, fmt.Errorf("create user: %w", err)
	}
	return User{ID: id, Username: username, Role: RoleUser, CreatedAt: s.now()}, nil
}

// Authenticate checks a username/password pair against the lockout state.
//
// A locked account is rejected before the password is looked at. A wrong
// password bumps the failure counter, and the failure that reaches the limit
// returns *LockedError instead of ErrInvalidCredentials. A correct password
// clears the counter only for accounts without two-factor authentication.
func (s *RepositoryAuthService) Authenticate(ctx context.Context, username, password string) (LoginResult, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return LoginResult{}, ErrInvalidCredentials
	}

	u, err := s.users.FindByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			burnPasswordCheck(password)
			return LoginResult{}, ErrInvalidCredentials
		}
		return LoginResult{}, fmt.Errorf("find user: %w", err)
	}

	now := s.now()
	if u.LockedAt(now) {
		return LoginResult{}, &LockedError{Until: *u.LockedUntil}
	}

	if !CheckPassword(u.PasswordHash, password) {
		return LoginResult{}, s.recordFailure(ctx, u, now, ErrInvalidCredentials)
	}

	// With a second factor the counter is only cleared by VerifyTOTP, otherwise
	// re-entering the password would reset the count of wrong codes.
	if u.TOTPEnabled {
		return LoginResult{User: u.toUser(), TOTPRequired: true}, nil
	}
	if err := s.clearFailures(ctx, u); err != nil {
		return LoginResult{}, err
	}
	return LoginResult{User: u.toUser()}, nil
}

// VerifyTOTP completes a login challenge for a user whose password already checked out.
// Wrong codes count toward the same lockout as wrong passwords.
func (s *RepositoryAuthService) VerifyTOTP(ctx context.Context, userID int64, code string) (User, error) {
	code = normalizeCode(code)
	u, err := s.users.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return User{}, ErrInvalidCredentials
		}
		return User{}, fmt.Errorf("find user: %w", err)
	}

	now := s.now()
	if u.LockedAt(now) {
		return User{}, &LockedError{Until: *u.LockedUntil}
	}
	if !u.TOTPEnabled || u.TOTPSecret == "" {
		return User{}, ErrTOTPNotEnabled
	}
	if !validTOTP(u.TOTPSecret, code, now) {
		return User{}, s.recordFailure(ctx, u, now, ErrInvalidTOTPCode)
	}
	if err := s.claim(ctx, u.ID, code); err != nil {
		return User{}, err
	}
	if err := s.clearFailures(ctx, u); err != nil {
		return User{}, err
	}
	return u.toUser(), nil
}

// BeginTOTPEnrollment generates a fresh secret. Nothing is persisted until
// ConfirmTOTPEnrollment sees a valid code for it.
func (s *RepositoryAuthService) BeginTOTPEnrollment(ctx context.Context, userID int64) (TOTPEnrollment, error) {
	u, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return TOTPEnrollment{}, err
	}
	if u.TOTPEnabled {
		return TOTPEnrollment{}, ErrTOTPAlreadyEnabled
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      s.policy.TOTPIssuer,
		AccountName: u.Username,
		Period:      totpPeriod,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return TOTPEnrollment{}, fmt.Errorf("generate totp key: %w", err)
	}

	return enrollmentFromKey(key)
}

// ResumeTOTPEnrollment rebuilds the enrollment view for a secret issued earlier
// by BeginTOTPEnrollment, so a re-rendered setup page shows the same QR code.
func (s *RepositoryAuthService) ResumeTOTPEnrollment(ctx context.Context, userID int64, secret string) (TOTPEnrollment, error) {
	if secret == "" {
		return TOTPEnrollment{}, ErrTOTPEnrollmentMissing
	}
	u, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return TOTPEnrollment{}, err
	}
	if u.TOTPEnabled {
		return TOTPEnrollment{}, ErrTOTPAlreadyEnabled
	}
	v := url.Values{}
	v.Set("secret", secret)
	v.Set("issuer", s.policy.TOTPIssuer)
	v.Set("period", strconv.Itoa(totpPeriod))
	v.Set("algorithm", otp.AlgorithmSHA1.String())
	v.Set("digits", otp.DigitsSix.String())
	ku := url.URL{
		Scheme:   "otpauth",
		Host:     "totp",
		Path:     "/" + s.policy.TOTPIssuer + ":" + u.Username,
		RawQuery: v.Encode(),
	}
	key, err := otp.NewKeyFromURL(ku.String())
	if err != nil {
		return TOTPEnrollment{}, fmt.Errorf("rebuild totp key: %w", err)
	}
	return enrollmentFromKey(key)
}

func enrollmentFromKey(key *otp.Key) (TOTPEnrollment, error) {
	img, err := key.Image(qrImageSize, qrImageSize)
	if err != nil {
		return TOTPEnrollment{}, fmt.Errorf("render qr code: %w", err)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return TOTPEnrollment{}, fmt.Errorf("encode qr code: %w", err)
	}
	return TOTPEnrollment{
		Secret:     key.Secret(),
		URL:        key.URL(),
		QRCodeData: "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()),
	}, nil
}

func (s *RepositoryAuthService) ConfirmTOTPEnrollment(ctx context.Context, userID int64, secret, code string) error {
	if secret == "" {
		return ErrTOTPEnrollmentMissing
	}
	code = normalizeCode(code)
	u, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return err
	}
	if u.TOTPEnabled {
		return ErrTOTPAlreadyEnabled
	}
	if !validTOTP(secret, code, s.now()) {
		return ErrInvalidTOTPCode
	}
	if err := s.claim(ctx, u.ID, code); err != nil {
		return err
	}
	if err := s.users.SetTOTP(ctx, u.ID, secret); err != nil {
		return fmt.Errorf("store totp secret: %w", err)
	}
	logrus.WithFields(logrus.Fields{"event": "totp_enabled", "user_id": u.ID, "username": u.Username}).Info("two-factor authentication enabled")
	return nil
}

// DisableTOTP needs both the password and a current code.
func (s *RepositoryAuthService) DisableTOTP(ctx context.Context, userID int64, password, code string) error {
	code = normalizeCode(code)
	u, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return err
	}
	if !u.TOTPEnabled {
		return ErrTOTPNotEnabled
	}
	now := s.now()
	if u.LockedAt(now) {
		return &LockedError{Until: *u.LockedUntil}
	}
	if !CheckPassword(u.PasswordHash, password) {
		return s.recordFailure(ctx, u, now, ErrInvalidCredentials)
	}
	if !validTOTP(u.TOTPSecret, code, now) {
		return s.recordFailure(ctx, u, now, ErrInvalidTOTPCode)
	}
	if err := s.claim(ctx, u.ID, code); err != nil {
		return err
	}
	if err := s.users.ClearTOTP(ctx, u.ID); err != nil {
		return fmt.Errorf("clear totp secret: %w", err)
	}
	logrus.WithFields(logrus.Fields{"event": "totp_disabled", "user_id": u.ID, "username": u.Username}).Info("two-factor authentication disabled")
	return nil
}

// Unlock clears the lockout state; used by administrators.
func (s *RepositoryAuthService) Unlock(ctx context.Context, userID int64) error {
	return s.users.Unlock(ctx, userID)
}

// recordFailure bumps the counter and returns fallback, or *LockedError when
// this failure engaged the lock.
func (s *RepositoryAuthService) recordFailure(ctx context.Context, u *UserRecord, now time.Time, fallback error) error {
	st, err := s.users.RecordFailedLogin(ctx, u.ID, s.policy.MaxFailedAttempts, now.Add(s.policy.LockoutDuration))
	if err != nil {
		return fmt.Errorf("record failed login: %w", err)
	}
	if st.LockedUntil != nil && now.Before(*st.LockedUntil) {
		logrus.WithFields(logrus.Fields{
			"event":        "account_locked",
			"user_id":      u.ID,
			"username":     u.Username,
			"locked_until": st.LockedUntil.UTC().Format(time.RFC3339),
		}).Warn("account locked after repeated failures")
		return &LockedError{Until: *st.LockedUntil}
	}
	return fallback
}

func (s *RepositoryAuthService) clearFailures(ctx context.Context, u *UserRecord) error {
	if u.FailedAttempts == 0 && u.LockedUntil == nil {
		return nil
	}
	if err := s.users.ResetFailedLogins(ctx, u.ID); err != nil {
		return fmt.Errorf("reset failed logins: %w", err)
	}
	return nil
}

func (s *RepositoryAuthService) claim(ctx context.Context, userID int64, code string) error {
	if s.guard == nil {
		return nil
	}
	ok, err := s.guard.Claim(ctx, userID, code)
	if err != nil {
		return err
	}
	if !ok {
		return ErrTOTPCodeReused
	}
	return nil
}

func validTOTP(secret, code string, now time.Time) bool {
	if len(code) != 6 {
		return false
	}
	ok, err := totp.ValidateCustom(code, secret, now.UTC(), totp.ValidateOpts{
		Period:    totpPeriod,
		Skew:      totpSkew,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && ok
}

func normalizeCode(code string) string {
	return strings.ReplaceAll(strings.TrimSpace(code), " ", "")
}
