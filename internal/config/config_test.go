package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoaderDefaults(t *testing.T) {
	l, err := NewLoader("")
	require.NoError(t, err)
	c := l.Current()
	assert.Equal(t, ":8000", c.Listen)
	assert.Equal(t, 256, c.Resume.BufferSize)
	assert.Equal(t, 25, c.Heartbeat.PingIntervalSeconds)
	assert.Equal(t, 10, c.Heartbeat.PongTimeoutSeconds)
}

func TestNewLoaderReadsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen: \":9100\"\nresume:\n  buffer_size: 64\n"), 0644))

	l, err := NewLoader(path)
	require.NoError(t, err)
	c := l.Current()
	assert.Equal(t, ":9100", c.Listen)
	assert.Equal(t, 64, c.Resume.BufferSize)
}

func TestReloadPicksUpRewrittenFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen: \":9100\"\n"), 0644))

	l, err := NewLoader(path)
	require.NoError(t, err)

	got := make(chan Config, 1)
	l.OnReload(func(c Config) { got <- c })

	require.NoError(t, os.WriteFile(path, []byte("listen: \":9200\"\n"), 0644))
	require.NoError(t, l.reload())
	l.mu.RLock()
	cur := l.cur
	l.mu.RUnlock()
	assert.Equal(t, ":9200", cur.Listen)
	_ = got
}
