package core

import (
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/image/draw"
)

// maxSourceDimension bounds the decoded image before any pixel is allocated.
const maxSourceDimension = 4096

// AvatarProcessor consumes avatar upload ids and produces normalised PNG avatars.
type AvatarProcessor struct {
	uploads   AvatarUploadRepository
	users     UserRepository
	avatarDir string
	size      int
}

func NewAvatarProcessor(uploads AvatarUploadRepository, users UserRepository, avatarDir string, size int) *AvatarProcessor {
	if size <= 0 {
		size = 256
	}
	return &AvatarProcessor{uploads: uploads, users: users, avatarDir: avatarDir, size: size}
}

// rejection marks input that will never succeed, so it is not retried.
type rejection struct{ reason string }

func (r rejection) Error() string { return r.reason }

// Process takes an upload id (as string from queue) and runs the pipeline.
// Returns the final upload status and a system-level error (non-nil when the job should be retried).
func (p *AvatarProcessor) Process(ctx context.Context, jobID string) (string, error) {
	id, err := strconv.ParseInt(jobID, 10, 64)
	if err != nil {
		return "", err
	}

	up, err := p.uploads.AcquirePending(ctx, id)
	if err != nil {
		return "", err
	}

	name, err := p.render(up.RawPath)
	if err != nil {
		var rej rejection
		if errors.As(err, &rej) {
			if markErr := p.uploads.MarkFailed(ctx, id, UploadRejected, rej.reason); markErr != nil {
				logrus.WithError(markErr).WithField("upload_id", id).Error("failed to mark upload rejected")
			}
			_ = os.Remove(up.RawPath)
			logrus.WithFields(logrus.Fields{"upload_id": id, "user_id": up.UserID, "reason": rej.reason}).Warn("avatar rejected")
			return UploadRejected, nil
		}
		return "", err
	}

	previous, err := p.users.SetAvatar(ctx, up.UserID, name)
	if err != nil {
		_ = os.Remove(filepath.Join(p.avatarDir, name))
		if errors.Is(err, ErrUserNotFound) {
			_ = p.uploads.MarkFailed(ctx, id, UploadFailed, "user no longer exists")
			_ = os.Remove(up.RawPath)
			return UploadFailed, nil
		}
		return "", fmt.Errorf("store avatar path: %w", err)
	}
	if previous != "" && previous != name {
		if err := os.Remove(filepath.Join(p.avatarDir, filepath.Base(previous))); err != nil && !errors.Is(err, os.ErrNotExist) {
			logrus.WithError(err).WithField("user_id", up.UserID).Warn("failed to remove previous avatar")
		}
	}

	if err := p.uploads.MarkDone(ctx, id); err != nil {
		logrus.WithError(err).WithField("upload_id", id).Error("failed to mark upload done")
	}
	_ = os.Remove(up.RawPath)
	logrus.WithFields(logrus.Fields{"upload_id": id, "user_id": up.UserID, "avatar": name}).Info("avatar processed")
	return UploadDone, nil
}

// render decodes rawPath, scales it and writes <avatarDir>/<uuid>.png. Returns the file name.
func (p *AvatarProcessor) render(rawPath string) (string, error) {
	f, err := os.Open(rawPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", rejection{reason: "raw upload missing"}
		}
		return "", err
	}
	defer f.Close()

	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return "", rejection{reason: "unrecognised image data"}
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || cfg.Width > maxSourceDimension || cfg.Height > maxSourceDimension {
		return "", rejection{reason: fmt.Sprintf("image dimensions %dx%d out of range", cfg.Width, cfg.Height)}
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", err
	}
	src, _, err := image.Decode(f)
	if err != nil {
		return "", rejection{reason: "corrupt image data"}
	}

	w, h := fitWithin(src.Bounds().Dx(), src.Bounds().Dy(), p.size)
	dst := image.NewNRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)

	if err := os.MkdirAll(p.avatarDir, 0o755); err != nil {
		return "", fmt.Errorf("create avatar dir: %w", err)
	}
	name := uuid.NewString() + ".png"
	tmp, err := os.CreateTemp(p.avatarDir, ".avatar-*")
	if err != nil {
		return "", err
	}
	if err := png.Encode(tmp, dst); err != nil {
		tmp.Close()
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("encode avatar: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		_ = os.Remove(tmp.Name())
		return "", err
	}
	if err := os.Rename(tmp.Name(), filepath.Join(p.avatarDir, name)); err != nil {
		_ = os.Remove(tmp.Name())
		return "", err
	}
	return name, nil
}

// fitWithin scales w x h down to fit a bound x bound box, keeping the aspect ratio.
// Smaller images keep their size.
func fitWithin(w, h, bound int) (int, int) {
	if w <= bound && h <= bound {
		return w, h
	}
	if w >= h {
		nh := h * bound / w
		if nh < 1 {
			nh = 1
		}
		return bound, nh
	}
	nw := w * bound / h
	if nw < 1 {
		nw = 1
	}
	return nw, bound
}
