package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	env "github.com/Netflix/go-env"
	"github.com/joho/godotenv"
)

// Config is JSON-friendly; every field can also be overridden by a FILEDOCK_* env var.
type Config struct {
	// Listen address, e.g. "0.0.0.0:3923".
	Listen string `json:"listen" env:"FILEDOCK_LISTEN"`

	// Root is the storage root served by filedock. Required.
	Root string `json:"root" env:"FILEDOCK_ROOT"`

	// StateDir holds upload staging state.
	// Default: <root>/.filedock (hidden from listings and never an upload target).
	StateDir string `json:"state_dir,omitempty" env:"FILEDOCK_STATE_DIR"`

	// ChunkDir holds one directory per in-flight chunked upload.
	// Default: <state_dir>/chunks
	ChunkDir string `json:"chunk_dir,omitempty" env:"FILEDOCK_CHUNK_DIR"`

	// ChunkSize is the chunk size advertised to clients.
	ChunkSize int64 `json:"chunk_size,omitempty" env:"FILEDOCK_CHUNK_SIZE"`
	// ChunkThreshold: files larger than this are uploaded in chunks.
	ChunkThreshold int64 `json:"chunk_threshold,omitempty" env:"FILEDOCK_CHUNK_THRESHOLD"`

	// MaxFileBytes caps a single uploaded file (0 = unlimited).
	MaxFileBytes int64 `json:"max_file_bytes,omitempty" env:"FILEDOCK_MAX_FILE_BYTES"`
	// MaxRequestBytes caps the sum of all files in one small-file upload request (0 = unlimited).
	MaxRequestBytes int64 `json:"max_request_bytes,omitempty" env:"FILEDOCK_MAX_REQUEST_BYTES"`
	// MinFreeBytes is kept free on the storage volume; uploads that would dip below it are refused.
	MinFreeBytes int64 `json:"min_free_bytes,omitempty" env:"FILEDOCK_MIN_FREE_BYTES"`

	// StaleChunkHours is the age after which an untouched chunk session is swept.
	StaleChunkHours int `json:"stale_chunk_hours,omitempty" env:"FILEDOCK_STALE_CHUNK_HOURS"`

	// ReadOnly rejects every write operation.
	ReadOnly bool `json:"read_only,omitempty" env:"FILEDOCK_READ_ONLY"`
	// DisabledOperations lists operation names to reject ("upload", "list", "download", "storage").
	DisabledOperations []string `json:"disabled_operations,omitempty"`
	// DisabledOperationsEnv is the comma-separated env form of DisabledOperations.
	DisabledOperationsEnv string `json:"-" env:"FILEDOCK_DISABLED_OPERATIONS"`

	// FileMode / DirMode are octal permission strings applied to created entries.
	FileMode string `json:"file_mode,omitempty" env:"FILEDOCK_FILE_MODE"`
	DirMode  string `json:"dir_mode,omitempty" env:"FILEDOCK_DIR_MODE"`
	// OwnerUID / OwnerGID are applied with chown when >= 0.
	OwnerUID int `json:"owner_uid" env:"FILEDOCK_OWNER_UID"`
	OwnerGID int `json:"owner_gid" env:"FILEDOCK_OWNER_GID"`

	// MaxConnections limits concurrently accepted connections (0 = unlimited).
	MaxConnections int `json:"max_connections,omitempty" env:"FILEDOCK_MAX_CONNECTIONS"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `json:"log_level,omitempty" env:"FILEDOCK_LOG_LEVEL"`
}

const (
	defaultListen     = "0.0.0.0:3923"
	defaultChunkSize  = 2 << 20
	defaultStaleHours = 24
	stateDirName      = ".filedock"
)

func Default() Config {
	return Config{
		Listen:          defaultListen,
		ChunkSize:       defaultChunkSize,
		ChunkThreshold:  defaultChunkSize,
		StaleChunkHours: defaultStaleHours,
		FileMode:        "0644",
		DirMode:         "0755",
		OwnerUID:        -1,
		OwnerGID:        -1,
		LogLevel:        "info",
	}
}

// Load builds a config from defaults, the optional JSON file at path, the optional
// dotenv file at envFile, the process environment and finally overrides (CLI
// flags). The result is validated.
func Load(path, envFile string, overrides ...func(*Config)) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}
	if envFile != "" {
		// Existing environment variables win over the file.
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return cfg, fmt.Errorf("load env file: %w", err)
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return cfg, err
	}
	for _, o := range overrides {
		o(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ApplyEnv overlays FILEDOCK_* variables onto c. Unset variables leave fields untouched.
func (c *Config) ApplyEnv() error {
	if _, err := env.UnmarshalFromEnviron(c); err != nil {
		return fmt.Errorf("parse environment: %w", err)
	}
	if v := strings.TrimSpace(c.DisabledOperationsEnv); v != "" {
		c.DisabledOperations = nil
		for _, op := range strings.Split(v, ",") {
			if op = strings.TrimSpace(op); op != "" {
				c.DisabledOperations = append(c.DisabledOperations, op)
			}
		}
	}
	return nil
}

// Validate fills derived defaults and rejects unusable values.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Root) == "" {
		return errors.New("config: root is required")
	}
	absRoot, err := filepath.Abs(c.Root)
	if err != nil {
		return fmt.Errorf("config: abs root: %w", err)
	}
	c.Root = absRoot
	if c.StateDir == "" {
		c.StateDir = filepath.Join(c.Root, stateDirName)
	}
	if c.StateDir, err = filepath.Abs(c.StateDir); err != nil {
		return fmt.Errorf("config: abs state_dir: %w", err)
	}
	if c.ChunkDir == "" {
		c.ChunkDir = filepath.Join(c.StateDir, "chunks")
	}
	if c.ChunkDir, err = filepath.Abs(c.ChunkDir); err != nil {
		return fmt.Errorf("config: abs chunk_dir: %w", err)
	}
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = defaultChunkSize
	}
	if c.ChunkThreshold <= 0 {
		c.ChunkThreshold = c.ChunkSize
	}
	if c.MaxFileBytes < 0 || c.MaxRequestBytes < 0 || c.MinFreeBytes < 0 {
		return errors.New("config: byte limits must not be negative")
	}
	if c.StaleChunkHours <= 0 {
		c.StaleChunkHours = defaultStaleHours
	}
	if c.MaxConnections < 0 {
		c.MaxConnections = 0
	}
	if c.FileMode == "" {
		c.FileMode = "0644"
	}
	if c.DirMode == "" {
		c.DirMode = "0755"
	}
	if _, err := ParseMode(c.FileMode); err != nil {
		return fmt.Errorf("config: file_mode: %w", err)
	}
	if _, err := ParseMode(c.DirMode); err != nil {
		return fmt.Errorf("config: dir_mode: %w", err)
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	return nil
}

// ParseMode parses an octal permission string such as "0644" or "755".
func ParseMode(s string) (os.FileMode, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(s), 8, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid octal mode %q", s)
	}
	if n > 0o7777 {
		return 0, fmt.Errorf("mode %q out of range", s)
	}
	return os.FileMode(n), nil
}

// Modes returns the validated file and directory modes.
func (c Config) Modes() (file, dir os.FileMode) {
	file, err := ParseMode(c.FileMode)
	if err != nil {
		file = 0o644
	}
	dir, err = ParseMode(c.DirMode)
	if err != nil {
		dir = 0o755
	}
	return file, dir
}
