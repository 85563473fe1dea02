package util

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "resp.json")

	require.NoError(t, WriteFileAtomic(path, []byte(`{"a":1}`), 0o644))
	require.NoError(t, WriteFileAtomic(path, []byte(`{"a":2}`), 0o644))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, `{"a":2}`, string(got))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")
}

func TestSafeFileName(t *testing.T) {
	assert.Equal(t, "c-1_ok.json", SafeFileName("c-1_ok.json"))
	assert.Equal(t, ".._.._etc_passwd", SafeFileName("../../etc/passwd"))
	assert.Equal(t, "__", SafeFileName(".."))
	assert.Equal(t, "_", SafeFileName(""))
}

func TestRunWithTimeout(t *testing.T) {
	err := RunWithTimeout(context.Background(), 20*time.Millisecond, func(ctx context.Context) error {
		time.Sleep(200 * time.Millisecond)
		return nil
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	want := errors.New("boom")
	err = RunWithTimeout(context.Background(), time.Second, func(ctx context.Context) error { return want })
	require.ErrorIs(t, err, want)
}
