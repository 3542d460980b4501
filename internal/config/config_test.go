package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/joho/godotenv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-nvmeq/internal/constants"
)

func TestDefaultsValid(t *testing.T) {
	c := Defaults()
	require.NoError(t, c.Validate())
	assert.Equal(t, constants.DefaultRetryLimit, c.RetryLimit)
	assert.Equal(t, BackendMemory, c.Backend)
}

func TestFromMap(t *testing.T) {
	env, err := godotenv.Unmarshal(`
# queue layout
NVMEQ_IO_QUEUES=4
NVMEQ_QUEUE_ENTRIES=256
NVMEQ_QUEUE_TRACKERS=64
NVMEQ_NAMESPACE_SIZE=128M
NVMEQ_ARENA_SIZE=32m
NVMEQ_LOCK_MEMORY=true
NVMEQ_BACKEND=erasure
NVMEQ_DATA_SHARDS=6
NVMEQ_PARITY_SHARDS=3
NVMEQ_LOG_FORMAT=json
NVMEQ_DIAG_ADDR=127.0.0.1:9100
`)
	require.NoError(t, err)

	c, err := FromMap(env)
	require.NoError(t, err)
	assert.Equal(t, 4, c.IOQueues)
	assert.Equal(t, 256, c.QueueEntries)
	assert.Equal(t, 64, c.QueueTrackers)
	assert.Equal(t, int64(128<<20), c.NamespaceSize)
	assert.Equal(t, 32<<20, c.ArenaSize)
	assert.True(t, c.LockMemory)
	assert.Equal(t, BackendErasure, c.Backend)
	assert.Equal(t, 6, c.DataShards)
	assert.Equal(t, 3, c.ParityShards)
	assert.Equal(t, "json", c.LogFormat)
	assert.Equal(t, "127.0.0.1:9100", c.DiagAddr)
	assert.Equal(t, "info", c.LogLevel)
}

func TestFromMapErrors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"bad int", map[string]string{"NVMEQ_IO_QUEUES": "four"}},
		{"bad bool", map[string]string{"NVMEQ_LOCK_MEMORY": "maybe"}},
		{"bad size", map[string]string{"NVMEQ_NAMESPACE_SIZE": "12X"}},
		{"negative size", map[string]string{"NVMEQ_ARENA_SIZE": "-1"}},
		{"zero queues", map[string]string{"NVMEQ_IO_QUEUES": "0"}},
		{"trackers exceed ring", map[string]string{"NVMEQ_QUEUE_ENTRIES": "16", "NVMEQ_QUEUE_TRACKERS": "16"}},
		{"lba not power of two", map[string]string{"NVMEQ_LBA_SIZE": "1000"}},
		{"file without path", map[string]string{"NVMEQ_BACKEND": "file"}},
		{"unknown backend", map[string]string{"NVMEQ_BACKEND": "tape"}},
		{"no parity", map[string]string{"NVMEQ_BACKEND": "erasure", "NVMEQ_PARITY_SHARDS": "0"}},
		{"unknown log format", map[string]string{"NVMEQ_LOG_FORMAT": "xml"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FromMap(tt.env)
			assert.Error(t, err)
		})
	}
}

func TestBlankValuesKeepDefaults(t *testing.T) {
	c, err := FromMap(map[string]string{"NVMEQ_IO_QUEUES": "  ", "NVMEQ_BACKEND": ""})
	require.NoError(t, err)
	assert.Equal(t, constants.DefaultIOQueues, c.IOQueues)
	assert.Equal(t, BackendMemory, c.Backend)
}

// unsetForTest clears key for the duration of the test.
func unsetForTest(t *testing.T, key string) {
	t.Setenv(key, "")
	require.NoError(t, os.Unsetenv(key))
}

func TestLoadFile(t *testing.T) {
	unsetForTest(t, "NVMEQ_QUEUE_ENTRIES")
	unsetForTest(t, "NVMEQ_RETRY_LIMIT")
	t.Setenv("NVMEQ_IO_QUEUES", "2")

	path := filepath.Join(t.TempDir(), "sim.env")
	data := "NVMEQ_QUEUE_ENTRIES=64\nNVMEQ_RETRY_LIMIT=3\nNVMEQ_IO_QUEUES=8\n"
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 64, c.QueueEntries)
	assert.Equal(t, 3, c.RetryLimit)
	// The process environment wins over the file.
	assert.Equal(t, 2, c.IOQueues)
}

func TestLoadMissingFile(t *testing.T) {
	unsetForTest(t, "NVMEQ_IO_QUEUES")
	c, err := Load(filepath.Join(t.TempDir(), "absent.env"))
	require.NoError(t, err)
	assert.Equal(t, constants.DefaultIOQueues, c.IOQueues)
}

func TestParseSize(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"4096", 4096},
		{"4k", 4 << 10},
		{" 64M ", 64 << 20},
		{"2G", 2 << 30},
	}
	for _, tt := range tests {
		got, err := ParseSize(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := ParseSize("M")
	assert.Error(t, err)
}
