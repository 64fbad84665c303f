package core

import (
	"bytes"
	"context"
	"errors"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// brokenQueue fails every call.
type brokenQueue struct{}

func (brokenQueue) Enqueue(context.Context, string, string) error { return errors.New("redis down") }
func (brokenQueue) Reserve(context.Context, string, string, time.Duration) (string, error) {
	return "", errors.New("redis down")
}
func (brokenQueue) Ack(context.Context, string, string) error { return errors.New("redis down") }
func (brokenQueue) RequeueExpired(context.Context, string, string, time.Time) ([]string, error) {
	return nil, errors.New("redis down")
}

func newIntake(t *testing.T, maxBytes int64) (*AvatarIntake, *memUploadRepo, *miniredis.Miniredis, string) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	uploads := newMemUploadRepo()
	dir := t.TempDir()
	return NewAvatarIntake(uploads, NewRedisQueue(client), dir, maxBytes), uploads, mr, dir
}

func TestAvatarIntakeAccept(t *testing.T) {
	intake, uploads, mr, dir := newIntake(t, 64<<10)
	data := pngBytes(t, 8, 8)

	id, err := intake.Accept(context.Background(), 7, bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)

	up := uploads.find(id)
	assert.Equal(t, int64(7), up.UserID)
	assert.Equal(t, UploadPending, up.Status)
	stored, err := os.ReadFile(up.RawPath)
	require.NoError(t, err)
	assert.Equal(t, data, stored)
	assert.Contains(t, up.RawPath, IncomingDir(dir))

	queued, err := mr.List(PendingAvatarQueueKey)
	require.NoError(t, err)
	assert.Equal(t, []string{strconv.FormatInt(id, 10)}, queued)
}

func TestAvatarIntakeRejects(t *testing.T) {
	jpegHead := []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10, 'J', 'F', 'I', 'F', 0x00}

	tests := []struct {
		name string
		data []byte
		size int64
		want error
	}{
		{name: "empty", data: nil, size: 0, want: ErrAvatarEmpty},
		{name: "declared too large", data: []byte("x"), size: 2048, want: ErrAvatarTooLarge},
		{name: "actual bytes exceed limit", data: append(append([]byte{}, jpegHead...), make([]byte, 2048)...), size: -1, want: ErrAvatarTooLarge},
		{name: "plain text", data: []byte("hello, world"), size: 12, want: ErrAvatarType},
		{name: "html", data: []byte("<html><body>hi</body></html>"), size: 28, want: ErrAvatarType},
		{name: "svg", data: []byte(`<svg xmlns="http://www.w3.org/2000/svg"></svg>`), size: 46, want: ErrAvatarType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			intake, uploads, mr, dir := newIntake(t, 1024)
			_, err := intake.Accept(context.Background(), 1, bytes.NewReader(tt.data), tt.size)
			assert.ErrorIs(t, err, tt.want)

			assert.Empty(t, uploads.rows)
			queued, _ := mr.List(PendingAvatarQueueKey)
			assert.Empty(t, queued)
			entries, _ := os.ReadDir(IncomingDir(dir))
			assert.Empty(t, entries)
		})
	}
}

func TestAvatarIntakeUnknownSize(t *testing.T) {
	intake, _, _, _ := newIntake(t, 64<<10)
	data := pngBytes(t, 4, 4)
	_, err := intake.Accept(context.Background(), 1, bytes.NewReader(data), -1)
	assert.NoError(t, err)
}

func TestAvatarIntakeRollsBackWhenEnqueueFails(t *testing.T) {
	uploads := newMemUploadRepo()
	dir := t.TempDir()
	intake := NewAvatarIntake(uploads, brokenQueue{}, dir, 64<<10)
	data := pngBytes(t, 4, 4)

	_, err := intake.Accept(context.Background(), 1, bytes.NewReader(data), int64(len(data)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "enqueue upload")

	assert.Empty(t, uploads.rows)
	entries, _ := os.ReadDir(IncomingDir(dir))
	assert.Empty(t, entries)
}
