package core

import (
	"bytes"
	"context"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type processorFixture struct {
	users     *memUserRepo
	uploads   *memUploadRepo
	proc      *AvatarProcessor
	avatarDir string
	rawDir    string
	userID    int64
}

func newProcessorFixture(t *testing.T) *processorFixture {
	t.Helper()
	users := newMemUserRepo()
	uploads := newMemUploadRepo()
	id, err := users.Create(context.Background(), "alice", "x", RoleUser)
	require.NoError(t, err)
	avatarDir := filepath.Join(t.TempDir(), "avatars")
	return &processorFixture{
		users:     users,
		uploads:   uploads,
		proc:      NewAvatarProcessor(uploads, users, avatarDir, 32),
		avatarDir: avatarDir,
		rawDir:    t.TempDir(),
		userID:    id,
	}
}

// stage writes data as a raw upload and returns the job id.
func (f *processorFixture) stage(t *testing.T, data []byte) string {
	t.Helper()
	raw, err := os.CreateTemp(f.rawDir, "raw-*")
	require.NoError(t, err)
	_, err = raw.Write(data)
	require.NoError(t, err)
	require.NoError(t, raw.Close())
	id, err := f.uploads.Create(context.Background(), f.userID, raw.Name())
	require.NoError(t, err)
	return strconv.FormatInt(id, 10)
}

func decodeAvatar(t *testing.T, path string) image.Image {
	t.Helper()
	fh, err := os.Open(path)
	require.NoError(t, err)
	defer fh.Close()
	img, err := png.Decode(fh)
	require.NoError(t, err)
	return img
}

func TestProcessResizesToPNG(t *testing.T) {
	f := newProcessorFixture(t)
	job := f.stage(t, pngBytes(t, 100, 50))

	status, err := f.proc.Process(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, UploadDone, status)

	id, _ := strconv.ParseInt(job, 10, 64)
	up := f.uploads.find(id)
	assert.Equal(t, UploadDone, up.Status)
	assert.NoFileExists(t, up.RawPath)

	u, err := f.users.FindByID(context.Background(), f.userID)
	require.NoError(t, err)
	require.NotEmpty(t, u.AvatarPath)
	img := decodeAvatar(t, filepath.Join(f.avatarDir, u.AvatarPath))
	assert.Equal(t, 32, img.Bounds().Dx())
	assert.Equal(t, 16, img.Bounds().Dy())
}

func TestProcessAcceptsJPEGAndGIF(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 20, 20))

	var jb bytes.Buffer
	require.NoError(t, jpeg.Encode(&jb, src, nil))
	var gb bytes.Buffer
	require.NoError(t, gif.Encode(&gb, src, nil))

	for name, data := range map[string][]byte{"jpeg": jb.Bytes(), "gif": gb.Bytes()} {
		t.Run(name, func(t *testing.T) {
			f := newProcessorFixture(t)
			status, err := f.proc.Process(context.Background(), f.stage(t, data))
			require.NoError(t, err)
			assert.Equal(t, UploadDone, status)

			u, _ := f.users.FindByID(context.Background(), f.userID)
			img := decodeAvatar(t, filepath.Join(f.avatarDir, u.AvatarPath))
			assert.Equal(t, image.Rect(0, 0, 20, 20), img.Bounds(), "small images are not upscaled")
		})
	}
}

func TestProcessReplacesPreviousAvatar(t *testing.T) {
	f := newProcessorFixture(t)
	ctx := context.Background()

	_, err := f.proc.Process(ctx, f.stage(t, pngBytes(t, 10, 10)))
	require.NoError(t, err)
	first, _ := f.users.FindByID(ctx, f.userID)
	require.FileExists(t, filepath.Join(f.avatarDir, first.AvatarPath))

	_, err = f.proc.Process(ctx, f.stage(t, pngBytes(t, 12, 12)))
	require.NoError(t, err)
	second, _ := f.users.FindByID(ctx, f.userID)

	assert.NotEqual(t, first.AvatarPath, second.AvatarPath)
	assert.NoFileExists(t, filepath.Join(f.avatarDir, first.AvatarPath))
	assert.FileExists(t, filepath.Join(f.avatarDir, second.AvatarPath))
}

func TestProcessRejectsBadInput(t *testing.T) {
	tests := []struct {
		name   string
		data   []byte
		reason string
	}{
		{name: "not an image", data: []byte("definitely not an image"), reason: "unrecognised image data"},
		{name: "too wide", data: pngBytes(t, 5000, 1), reason: "image dimensions 5000x1 out of range"},
		{name: "truncated", data: pngBytes(t, 30, 30)[:60], reason: "corrupt image data"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newProcessorFixture(t)
			job := f.stage(t, tt.data)

			status, err := f.proc.Process(context.Background(), job)
			require.NoError(t, err)
			assert.Equal(t, UploadRejected, status)

			id, _ := strconv.ParseInt(job, 10, 64)
			up := f.uploads.find(id)
			assert.Equal(t, UploadRejected, up.Status)
			assert.Equal(t, tt.reason, up.ErrorMessage)
			assert.NoFileExists(t, up.RawPath)

			u, _ := f.users.FindByID(context.Background(), f.userID)
			assert.Empty(t, u.AvatarPath)
		})
	}
}

func TestProcessMissingRawFile(t *testing.T) {
	f := newProcessorFixture(t)
	id, err := f.uploads.Create(context.Background(), f.userID, filepath.Join(f.rawDir, "gone"))
	require.NoError(t, err)

	status, err := f.proc.Process(context.Background(), strconv.FormatInt(id, 10))
	require.NoError(t, err)
	assert.Equal(t, UploadRejected, status)
	assert.Equal(t, "raw upload missing", f.uploads.find(id).ErrorMessage)
}

func TestProcessSkipsNonPending(t *testing.T) {
	f := newProcessorFixture(t)
	job := f.stage(t, pngBytes(t, 4, 4))
	id, _ := strconv.ParseInt(job, 10, 64)
	require.NoError(t, f.uploads.MarkDone(context.Background(), id))

	_, err := f.proc.Process(context.Background(), job)
	assert.ErrorIs(t, err, ErrUploadNotPending)

	_, err = f.proc.Process(context.Background(), "9999")
	assert.ErrorIs(t, err, ErrUploadNotFound)

	_, err = f.proc.Process(context.Background(), "abc")
	assert.Error(t, err)
}

func TestProcessUserDeleted(t *testing.T) {
	f := newProcessorFixture(t)
	job := f.stage(t, pngBytes(t, 4, 4))
	f.users.mu.Lock()
	delete(f.users.rows, f.userID)
	f.users.mu.Unlock()

	status, err := f.proc.Process(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, UploadFailed, status)

	entries, _ := os.ReadDir(f.avatarDir)
	assert.Empty(t, entries)
}

func TestFitWithin(t *testing.T) {
	tests := []struct {
		w, h, bound int
		wantW       int
		wantH       int
	}{
		{w: 10, h: 10, bound: 256, wantW: 10, wantH: 10},
		{w: 512, h: 512, bound: 256, wantW: 256, wantH: 256},
		{w: 1000, h: 500, bound: 256, wantW: 256, wantH: 128},
		{w: 300, h: 900, bound: 256, wantW: 85, wantH: 256},
		{w: 4000, h: 2, bound: 256, wantW: 256, wantH: 1},
		{w: 256, h: 100, bound: 256, wantW: 256, wantH: 100},
	}
	for _, tt := range tests {
		w, h := fitWithin(tt.w, tt.h, tt.bound)
		assert.Equal(t, tt.wantW, w, "%dx%d", tt.w, tt.h)
		assert.Equal(t, tt.wantH, h, "%dx%d", tt.w, tt.h)
	}
}
