package core

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
)

const bootstrapAdminUsername = "admin"

// BootstrapAdmin creates an initial admin user when none exists.
// It is idempotent: if an admin already exists, it does nothing.
// The generated password only ever goes to InitialAdminPasswordPath.
func BootstrapAdmin(ctx context.Context, repo UserRepository, cfg Config) error {
	if !cfg.BootstrapAdminEnabled {
		return nil
	}
	if cfg.InitialAdminPasswordPath == "" {
		return errors.New("bootstrap admin: initial admin password path is not set")
	}

	has, err := repo.HasAdmin(ctx)
	if err != nil {
		return fmt.Errorf("check admin: %w", err)
	}
	if has {
		return nil
	}

	password, err := generatePassword(32)
	if err != nil {
		return err
	}
	hash, err := HashPassword(password)
	if err != nil {
		return err
	}
	// Written first so a created admin always has a recoverable password.
	if err := os.WriteFile(cfg.InitialAdminPasswordPath, []byte(password+"\n"), 0o600); err != nil {
		return fmt.Errorf("write initial admin password: %w", err)
	}
	if _, err := repo.Create(ctx, bootstrapAdminUsername, hash, RoleAdmin); err != nil {
		_ = os.Remove(cfg.InitialAdminPasswordPath)
		if errors.Is(err, ErrUsernameTaken) {
			return fmt.Errorf("cannot bootstrap admin: username %q is taken by a non-admin account", bootstrapAdminUsername)
		}
		return fmt.Errorf("create admin: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"event":    "admin_bootstrapped",
		"username": bootstrapAdminUsername,
		"path":     cfg.InitialAdminPasswordPath,
	}).Info("initial admin created; credentials written to file")
	return nil
}

func generatePassword(length int) (string, error) {
	if length <= 0 {
		return "", errors.New("password length must be positive")
	}
	raw := make([]byte, length)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw)[:length], nil
}
