package preflight

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func freeSpace(n uint64) func(string) (uint64, error) {
	return func(string) (uint64, error) { return n, nil }
}

func TestRun_Passes(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "comments.csv")
	require.NoError(t, os.WriteFile(input, []byte("comment_id\n1\n"), 0o644))

	pings := 0
	report, err := New(Options{WorkDir: dir, MinFreeBytes: 1 << 20, RetryAttempts: 2}, zap.NewNop()).
		WithFreeSpace(freeSpace(2 << 20)).
		RequireFiles(input).
		RequireReachable("postgres", func(context.Context) error {
			pings++
			return nil
		}).
		Run(context.Background())

	require.NoError(t, err)
	assert.True(t, report.Passed())
	assert.Len(t, report.Checks, 4)
	assert.Equal(t, 1, pings)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "write check file must be removed")
}

func TestRun_InsufficientDisk(t *testing.T) {
	report, err := New(Options{WorkDir: t.TempDir(), MinFreeBytes: 10 << 20}, zap.NewNop()).
		WithFreeSpace(freeSpace(1 << 20)).
		Run(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPreflight)
	assert.Contains(t, err.Error(), "disk_space")
	failed := report.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, "disk_space", failed[0].Name)
	assert.Equal(t, "1 MiB free, 10 MiB required", failed[0].Detail)
}

func TestRun_DiskSpaceLookupError(t *testing.T) {
	report, err := New(Options{WorkDir: t.TempDir()}, zap.NewNop()).
		WithFreeSpace(func(string) (uint64, error) { return 0, errors.New("statfs failed") }).
		Run(context.Background())

	require.Error(t, err)
	assert.False(t, report.Passed())
}

func TestRun_MissingInput(t *testing.T) {
	dir := t.TempDir()
	report, err := New(Options{WorkDir: dir}, zap.NewNop()).
		WithFreeSpace(freeSpace(1 << 30)).
		RequireFiles(filepath.Join(dir, "tickets.csv"), dir).
		Run(context.Background())

	require.ErrorIs(t, err, ErrPreflight)
	failed := report.Failed()
	require.Len(t, failed, 2)
	assert.Equal(t, "input:tickets.csv", failed[0].Name)
	assert.Contains(t, failed[1].Detail, "is a directory")
}

func TestRun_RetriesUnreachableDependency(t *testing.T) {
	attempts := 0
	report, err := New(Options{WorkDir: t.TempDir(), RetryAttempts: 3}, zap.NewNop()).
		WithFreeSpace(freeSpace(1 << 30)).
		RequireReachable("postgres", func(context.Context) error {
			attempts++
			if attempts < 3 {
				return errors.New("connection refused")
			}
			return nil
		}).
		Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 3, report.Checks[2].Attempts)
}

func TestRun_GivesUpOnDependency(t *testing.T) {
	report, err := New(Options{WorkDir: t.TempDir(), RetryAttempts: 2}, zap.NewNop()).
		WithFreeSpace(freeSpace(1 << 30)).
		RequireReachable("redis", func(context.Context) error {
			return errors.New("connection refused")
		}).
		Run(context.Background())

	require.ErrorIs(t, err, ErrPreflight)
	failed := report.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, "reachable:redis", failed[0].Name)
	assert.Equal(t, 3, failed[0].Attempts)
	assert.Contains(t, failed[0].Detail, "connection refused")
}

func TestFreeBytes(t *testing.T) {
	free, err := FreeBytes(t.TempDir())
	require.NoError(t, err)
	assert.Greater(t, free, uint64(0))

	_, err = FreeBytes(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}
