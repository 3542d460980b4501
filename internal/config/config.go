// Package config reads simulator and device settings from .env files and
// NVMEQ_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"github.com/ehrlich-b/go-nvmeq/internal/constants"
)

// Prefix is prepended to every variable name.
const Prefix = "NVMEQ_"

// Backend kinds
const (
	BackendMemory  = "mem"
	BackendFile    = "file"
	BackendErasure = "erasure"
)

// Config holds every tunable. Zero values are never valid; use Defaults.
type Config struct {
	IOQueues      int
	QueueEntries  int
	QueueTrackers int
	RetryLimit    int
	MaxBacklog    int

	NamespaceSize int64
	LBASize       int
	ArenaSize     int
	LockMemory    bool

	Backend      string
	BackendPath  string
	DataShards   int
	ParityShards int

	LogLevel  string
	LogFormat string

	DiagAddr  string
	TraceFile string
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		IOQueues:      constants.DefaultIOQueues,
		QueueEntries:  constants.DefaultQueueEntries,
		QueueTrackers: constants.DefaultQueueTrackers,
		RetryLimit:    constants.DefaultRetryLimit,
		NamespaceSize: constants.DefaultNamespaceSize,
		LBASize:       constants.DefaultLBASize,
		ArenaSize:     constants.DefaultArenaSize,
		Backend:       BackendMemory,
		DataShards:    4,
		ParityShards:  2,
		LogLevel:      "info",
		LogFormat:     "console",
	}
}

// Load reads the given .env files (".env" when none are named) into the
// process environment and then parses it. Missing files are skipped;
// variables already set in the environment win over file contents.
func Load(files ...string) (*Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}
	return FromEnv()
}

// FromEnv parses NVMEQ_* variables on top of Defaults.
func FromEnv() (*Config, error) {
	return parse(os.LookupEnv)
}

// FromMap parses variables from m, as read by godotenv.Read or
// godotenv.Unmarshal, without touching the process environment.
func FromMap(m map[string]string) (*Config, error) {
	return parse(func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	})
}

type lookupFunc func(string) (string, bool)

func parse(lookup lookupFunc) (*Config, error) {
	c := Defaults()
	p := parser{lookup: lookup}

	p.int("IO_QUEUES", &c.IOQueues)
	p.int("QUEUE_ENTRIES", &c.QueueEntries)
	p.int("QUEUE_TRACKERS", &c.QueueTrackers)
	p.int("RETRY_LIMIT", &c.RetryLimit)
	p.int("MAX_BACKLOG", &c.MaxBacklog)
	p.size("NAMESPACE_SIZE", &c.NamespaceSize)
	p.int("LBA_SIZE", &c.LBASize)
	arena := int64(c.ArenaSize)
	p.size("ARENA_SIZE", &arena)
	c.ArenaSize = int(arena)
	p.bool("LOCK_MEMORY", &c.LockMemory)
	p.string("BACKEND", &c.Backend)
	p.string("BACKEND_PATH", &c.BackendPath)
	p.int("DATA_SHARDS", &c.DataShards)
	p.int("PARITY_SHARDS", &c.ParityShards)
	p.string("LOG_LEVEL", &c.LogLevel)
	p.string("LOG_FORMAT", &c.LogFormat)
	p.string("DIAG_ADDR", &c.DiagAddr)
	p.string("TRACE_FILE", &c.TraceFile)

	if p.err != nil {
		return nil, p.err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks ranges and cross-field constraints.
func (c *Config) Validate() error {
	switch {
	case c.IOQueues < 1 || c.IOQueues > 0xfffe:
		return fmt.Errorf("%sIO_QUEUES: %d out of range [1, 65534]", Prefix, c.IOQueues)
	case c.QueueEntries < 2 || c.QueueEntries > constants.MaxQueueEntries:
		return fmt.Errorf("%sQUEUE_ENTRIES: %d out of range [2, %d]", Prefix, c.QueueEntries, constants.MaxQueueEntries)
	case c.QueueTrackers < 1 || c.QueueTrackers >= c.QueueEntries:
		return fmt.Errorf("%sQUEUE_TRACKERS: %d must be in [1, QUEUE_ENTRIES)", Prefix, c.QueueTrackers)
	case c.RetryLimit < 0:
		return fmt.Errorf("%sRETRY_LIMIT: negative", Prefix)
	case c.MaxBacklog < 0:
		return fmt.Errorf("%sMAX_BACKLOG: negative", Prefix)
	case c.LBASize < 512 || c.LBASize&(c.LBASize-1) != 0:
		return fmt.Errorf("%sLBA_SIZE: %d is not a power of two >= 512", Prefix, c.LBASize)
	case c.NamespaceSize < int64(c.LBASize):
		return fmt.Errorf("%sNAMESPACE_SIZE: %d smaller than one block", Prefix, c.NamespaceSize)
	case c.ArenaSize <= 0:
		return fmt.Errorf("%sARENA_SIZE: must be positive", Prefix)
	}

	switch c.Backend {
	case BackendMemory:
	case BackendFile:
		if c.BackendPath == "" {
			return fmt.Errorf("%sBACKEND_PATH is required for the file backend", Prefix)
		}
	case BackendErasure:
		if c.DataShards < 1 || c.ParityShards < 1 || c.DataShards+c.ParityShards > 256 {
			return fmt.Errorf("%sDATA_SHARDS/PARITY_SHARDS: %d+%d invalid", Prefix, c.DataShards, c.ParityShards)
		}
	default:
		return fmt.Errorf("%sBACKEND: unknown backend %q", Prefix, c.Backend)
	}

	switch c.LogFormat {
	case "console", "json":
	default:
		return fmt.Errorf("%sLOG_FORMAT: unknown format %q", Prefix, c.LogFormat)
	}
	return nil
}

type parser struct {
	lookup lookupFunc
	err    error
}

func (p *parser) get(key string) (string, bool) {
	if p.err != nil {
		return "", false
	}
	v, ok := p.lookup(Prefix + key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func (p *parser) fail(key, value string, err error) {
	p.err = fmt.Errorf("%s%s=%q: %w", Prefix, key, value, err)
}

func (p *parser) string(key string, dst *string) {
	if v, ok := p.get(key); ok {
		*dst = v
	}
}

func (p *parser) int(key string, dst *int) {
	v, ok := p.get(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.fail(key, v, err)
		return
	}
	*dst = n
}

func (p *parser) bool(key string, dst *bool) {
	v, ok := p.get(key)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.fail(key, v, err)
		return
	}
	*dst = b
}

// size accepts a byte count with an optional K, M or G suffix.
func (p *parser) size(key string, dst *int64) {
	v, ok := p.get(key)
	if !ok {
		return
	}
	n, err := ParseSize(v)
	if err != nil {
		p.fail(key, v, err)
		return
	}
	*dst = n
}

// ParseSize parses "4096", "64M" or "1G" into bytes.
func ParseSize(s string) (int64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	mult := int64(1)
	switch {
	case strings.HasSuffix(s, "K"):
		mult, s = 1<<10, s[:len(s)-1]
	case strings.HasSuffix(s, "M"):
		mult, s = 1<<20, s[:len(s)-1]
	case strings.HasSuffix(s, "G"):
		mult, s = 1<<30, s[:len(s)-1]
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("negative size %d", n)
	}
	return n * mult, nil
}
