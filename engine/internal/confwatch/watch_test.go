package confwatch

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

type sampleConfig struct {
	Value string
}

func parseSample(data []byte) (sampleConfig, error) {
	s := string(data)
	if s == "bad" {
		return sampleConfig{}, errors.New("invalid config")
	}
	return sampleConfig{Value: s}, nil
}

func TestNewLoadsInitialSnapshot(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.txt")
	require.NoError(t, os.WriteFile(path, []byte("v1"), 0o644))

	w, err := New(path, parseSample, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "v1", w.Current().Value)
}

func TestNewFailsOnUnparsableInitialFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.txt")
	require.NoError(t, os.WriteFile(path, []byte("bad"), 0o644))

	_, err := New(path, parseSample, nil, nil)
	require.Error(t, err)
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.txt")
	require.NoError(t, os.WriteFile(path, []byte("v1"), 0o644))

	w, err := New(path, parseSample, nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	require.NoError(t, os.WriteFile(path, []byte("v2"), 0o644))

	require.Eventually(t, func() bool { return w.Current().Value == "v2" }, time.Second, 10*time.Millisecond)
}

func TestWatcherKeepsLastGoodSnapshotOnParseFailure(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.txt")
	require.NoError(t, os.WriteFile(path, []byte("v1"), 0o644))

	w, err := New(path, parseSample, nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	require.NoError(t, os.WriteFile(path, []byte("bad"), 0o644))
	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, "v1", w.Current().Value, "a parse failure must not disturb the last-good snapshot")
}

func TestWatcherStopHaltsReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.txt")
	require.NoError(t, os.WriteFile(path, []byte("v1"), 0o644))

	w, err := New(path, parseSample, nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))

	w.Stop()
	require.NoError(t, os.WriteFile(path, []byte("v2"), 0o644))
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, "v1", w.Current().Value, "no reload should occur after Stop")
}
