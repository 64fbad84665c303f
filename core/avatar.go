package core

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var (
	ErrAvatarEmpty    = errors.New("avatar file is empty")
	ErrAvatarTooLarge = errors.New("avatar file is too large")
	ErrAvatarType     = errors.New("avatar must be a PNG, JPEG or GIF image")
)

var allowedAvatarTypes = map[string]struct{}{
	"image/png":  {},
	"image/jpeg": {},
	"image/gif":  {},
}

const sniffLen = 512

// AvatarIntake stores raw avatar uploads and hands them to the worker queue.
type AvatarIntake struct {
	uploads   AvatarUploadRepository
	queue     RedisClient
	uploadDir string
	maxBytes  int64
}

func NewAvatarIntake(uploads AvatarUploadRepository, queue RedisClient, uploadDir string, maxBytes int64) *AvatarIntake {
	if maxBytes <= 0 {
		maxBytes = defaultMaxAvatarBytes
	}
	return &AvatarIntake{uploads: uploads, queue: queue, uploadDir: uploadDir, maxBytes: maxBytes}
}

// IncomingDir is where raw uploads wait for the worker.
func IncomingDir(uploadDir string) string {
	return filepath.Join(uploadDir, "incoming")
}

// Accept checks size and content type, saves the file under a random name and
// enqueues it. The declared size is checked up front and the actual byte count
// again while copying. Returns the upload id.
func (a *AvatarIntake) Accept(ctx context.Context, userID int64, r io.Reader, size int64) (int64, error) {
	if size == 0 {
		return 0, ErrAvatarEmpty
	}
	if size > a.maxBytes {
		return 0, ErrAvatarTooLarge
	}

	head := make([]byte, sniffLen)
	n, err := io.ReadFull(r, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return 0, fmt.Errorf("read avatar: %w", err)
	}
	head = head[:n]
	if n == 0 {
		return 0, ErrAvatarEmpty
	}
	if _, ok := allowedAvatarTypes[http.DetectContentType(head)]; !ok {
		return 0, ErrAvatarType
	}

	dir := IncomingDir(a.uploadDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("create upload dir: %w", err)
	}
	rawPath := filepath.Join(dir, uuid.NewString())
	f, err := os.OpenFile(rawPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, fmt.Errorf("create upload file: %w", err)
	}

	src := io.MultiReader(bytes.NewReader(head), io.LimitReader(r, a.maxBytes+1-int64(n)))
	written, copyErr := io.Copy(f, src)
	closeErr := f.Close()
	if copyErr == nil && written > a.maxBytes {
		copyErr = ErrAvatarTooLarge
	}
	if copyErr == nil {
		copyErr = closeErr
	}
	if copyErr != nil {
		_ = os.Remove(rawPath)
		if errors.Is(copyErr, ErrAvatarTooLarge) {
			return 0, copyErr
		}
		return 0, fmt.Errorf("write upload file: %w", copyErr)
	}

	id, err := a.uploads.Create(ctx, userID, rawPath)
	if err != nil {
		_ = os.Remove(rawPath)
		return 0, fmt.Errorf("record upload: %w", err)
	}
	if err := a.queue.Enqueue(ctx, PendingAvatarQueueKey, strconv.FormatInt(id, 10)); err != nil {
		_ = a.uploads.Delete(ctx, id)
		_ = os.Remove(rawPath)
		return 0, fmt.Errorf("enqueue upload: %w", err)
	}

	logrus.WithFields(logrus.Fields{"event": "avatar_enqueued", "user_id": userID, "upload_id": id, "bytes": written}).Info("avatar upload queued")
	return id, nil
}
