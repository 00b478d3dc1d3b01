package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatch_ReloadsOnChange(t *testing.T) {
	path := writeConfig(t, "logging:\n  level: info\n")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan *Config, 4)
	done := make(chan error, 1)
	go func() { done <- Watch(ctx, path, nil, func(c *Config) { changes <- c }) }()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: invalid\n"), 0o600))
	select {
	case <-changes:
		t.Fatal("invalid config must not be delivered")
	case <-time.After(500 * time.Millisecond):
	}

	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: debug\n"), 0o600))
	select {
	case c := <-changes:
		assert.Equal(t, "debug", c.Logging.Level)
	case <-time.After(3 * time.Second):
		t.Fatal("no reload after config change")
	}

	require.NoError(t, os.WriteFile(filepath.Join(filepath.Dir(path), "other.yaml"), []byte("x: 1\n"), 0o600))
	select {
	case <-changes:
		t.Fatal("changes to other files must be ignored")
	case <-time.After(300 * time.Millisecond):
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("watch did not stop")
	}
}

func TestWatch_MissingDir(t *testing.T) {
	err := Watch(context.Background(), filepath.Join(t.TempDir(), "nope", "foreman.yaml"), nil, func(*Config) {})
	assert.Error(t, err)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, "DEBUG", ParseLevel("Debug").String())
	assert.Equal(t, "INFO", ParseLevel("bogus").String())
}
