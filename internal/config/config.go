package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix     = "KILN"
	envConfigFile = "KILN_CONFIG"
)

// Config keys. Each key is also readable from the environment as
// KILN_<KEY IN UPPER CASE>.
const (
	keyListenAddr        = "listen_addr"
	keyDBPath            = "db_path"
	keyLogLevel          = "log_level"
	keyRegistry          = "registry"
	keyRedisURL          = "redis_url"
	keyRedisPrefix       = "redis_prefix"
	keySessionTTL        = "session_ttl"
	keyWallLimit         = "wall_limit"
	keyIdleLimit         = "idle_limit"
	keyMaxWallLimit      = "max_wall_limit"
	keyMinLimit          = "min_limit"
	keyWatchdogInterval  = "watchdog_interval"
	keyInputPoll         = "input_poll"
	keyChunkSize         = "chunk_size"
	keySendBuffer        = "send_buffer"
	keyWriteTimeout      = "write_timeout"
	keyMemoryLimitMB     = "memory_limit_mb"
	keyFileSizeLimitKB   = "file_size_limit_kb"
	keyWorkspaceRoot     = "workspace_root"
	keySweepInterval     = "sweep_interval"
	keyMaxCodeBytes      = "max_code_bytes"
	keyCompileTimeout    = "compile_timeout"
	keyCPPCompile        = "cpp_compile"
	keyCCompile          = "c_compile"
	keyRunPrefix         = "run_prefix"
	keyHarvestMaxBytes   = "harvest_max_bytes"
	keyHarvestMaxFiles   = "harvest_max_files"
	keyHarvestExtensions = "harvest_extensions"
	keyRunWallLimit      = "run_wall_limit"
	keyRunOutputLimit    = "run_output_limit"
)

// Registry backends.
const (
	RegistryMemory = "memory"
	RegistryRedis  = "redis"
	RegistrySQLite = "sqlite"
)

const (
	defaultListenAddr = ":8080"
	defaultDBPath     = "kiln.db"
	defaultCPPCompile = "g++ -std=c++20 -O2 -pipe -static-libstdc++ -static-libgcc -s -o {output} {sources}"
	defaultCCompile   = "gcc -std=c17 -O2 -pipe -s -o {output} {sources} -lm"
	defaultRunPrefix  = "stdbuf -oL -eL"
)

// Config holds application configuration loaded from the environment and an
// optional config file.
type Config struct {
	ListenAddr string
	DBPath     string
	LogLevel   slog.Level

	Registry    string
	RedisURL    string
	RedisPrefix string
	SessionTTL  time.Duration

	WallLimit    time.Duration
	IdleLimit    time.Duration
	MaxWallLimit time.Duration
	MinLimit     time.Duration

	WatchdogInterval time.Duration
	InputPoll        time.Duration
	ChunkSize        int
	SendBuffer       int
	WriteTimeout     time.Duration

	MemoryLimitMB   int
	FileSizeLimitKB int

	WorkspaceRoot string
	SweepInterval time.Duration

	MaxCodeBytes   int
	CompileTimeout time.Duration
	CPPCompile     string
	CCompile       string
	RunPrefix      string

	HarvestMaxBytes   int64
	HarvestMaxFiles   int
	HarvestExtensions []string

	RunWallLimit   time.Duration
	RunOutputLimit int64
}

// Load reads configuration from KILN_* environment variables and, when
// KILN_CONFIG names one, a config file. Environment variables win over the
// file; both win over the defaults.
func Load() (Config, error) {
	return load(viper.New())
}

func load(v *viper.Viper) (Config, error) {
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path := os.Getenv(envConfigFile); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	cfg := Config{
		ListenAddr:        v.GetString(keyListenAddr),
		DBPath:            v.GetString(keyDBPath),
		LogLevel:          parseLogLevel(v.GetString(keyLogLevel)),
		Registry:          strings.ToLower(v.GetString(keyRegistry)),
		RedisURL:          v.GetString(keyRedisURL),
		RedisPrefix:       v.GetString(keyRedisPrefix),
		SessionTTL:        v.GetDuration(keySessionTTL),
		WallLimit:         v.GetDuration(keyWallLimit),
		IdleLimit:         v.GetDuration(keyIdleLimit),
		MaxWallLimit:      v.GetDuration(keyMaxWallLimit),
		MinLimit:          v.GetDuration(keyMinLimit),
		WatchdogInterval:  v.GetDuration(keyWatchdogInterval),
		InputPoll:         v.GetDuration(keyInputPoll),
		ChunkSize:         v.GetInt(keyChunkSize),
		SendBuffer:        v.GetInt(keySendBuffer),
		WriteTimeout:      v.GetDuration(keyWriteTimeout),
		MemoryLimitMB:     v.GetInt(keyMemoryLimitMB),
		FileSizeLimitKB:   v.GetInt(keyFileSizeLimitKB),
		WorkspaceRoot:     v.GetString(keyWorkspaceRoot),
		SweepInterval:     v.GetDuration(keySweepInterval),
		MaxCodeBytes:      v.GetInt(keyMaxCodeBytes),
		CompileTimeout:    v.GetDuration(keyCompileTimeout),
		CPPCompile:        v.GetString(keyCPPCompile),
		CCompile:          v.GetString(keyCCompile),
		RunPrefix:         v.GetString(keyRunPrefix),
		HarvestMaxBytes:   v.GetInt64(keyHarvestMaxBytes),
		HarvestMaxFiles:   v.GetInt(keyHarvestMaxFiles),
		HarvestExtensions: splitList(v.GetString(keyHarvestExtensions)),
		RunWallLimit:      v.GetDuration(keyRunWallLimit),
		RunOutputLimit:    v.GetInt64(keyRunOutputLimit),
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault(keyListenAddr, defaultListenAddr)
	v.SetDefault(keyDBPath, defaultDBPath)
	v.SetDefault(keyLogLevel, "info")
	v.SetDefault(keyRegistry, RegistryMemory)
	v.SetDefault(keyRedisURL, "redis://localhost:6379/0")
	v.SetDefault(keyRedisPrefix, "kiln:sess:")
	v.SetDefault(keySessionTTL, 15*time.Minute)
	v.SetDefault(keyWallLimit, 20*time.Second)
	v.SetDefault(keyIdleLimit, 10*time.Second)
	v.SetDefault(keyMaxWallLimit, 120*time.Second)
	v.SetDefault(keyMinLimit, time.Second)
	v.SetDefault(keyWatchdogInterval, 100*time.Millisecond)
	v.SetDefault(keyInputPoll, 100*time.Millisecond)
	v.SetDefault(keyChunkSize, 1024)
	v.SetDefault(keySendBuffer, 256)
	v.SetDefault(keyWriteTimeout, 2*time.Second)
	v.SetDefault(keyMemoryLimitMB, 256)
	v.SetDefault(keyFileSizeLimitKB, 4096)
	v.SetDefault(keyWorkspaceRoot, filepath.Join(os.TempDir(), "kiln"))
	v.SetDefault(keySweepInterval, time.Minute)
	v.SetDefault(keyMaxCodeBytes, 20000)
	v.SetDefault(keyCompileTimeout, 8*time.Second)
	v.SetDefault(keyCPPCompile, defaultCPPCompile)
	v.SetDefault(keyCCompile, defaultCCompile)
	v.SetDefault(keyRunPrefix, defaultRunPrefix)
	v.SetDefault(keyHarvestMaxBytes, 64<<10)
	v.SetDefault(keyHarvestMaxFiles, 16)
	v.SetDefault(keyHarvestExtensions, ".txt,.out,.csv,.dat,.log,.json")
	v.SetDefault(keyRunWallLimit, 2*time.Second)
	v.SetDefault(keyRunOutputLimit, 1<<20)
}

// Validate rejects configurations the engine cannot run safely with.
func (c Config) Validate() error {
	switch c.Registry {
	case RegistryMemory, RegistryRedis, RegistrySQLite:
	default:
		return fmt.Errorf("unknown registry backend %q", c.Registry)
	}
	if c.MinLimit <= 0 {
		return fmt.Errorf("min limit must be positive, got %s", c.MinLimit)
	}
	if c.WatchdogInterval <= 0 || c.WatchdogInterval > c.MinLimit/10 {
		return fmt.Errorf("watchdog interval %s must be positive and at most a tenth of the min limit %s",
			c.WatchdogInterval, c.MinLimit)
	}
	if c.InputPoll <= 0 || c.InputPoll > c.MinLimit/10 {
		return fmt.Errorf("input poll %s must be positive and at most a tenth of the min limit %s",
			c.InputPoll, c.MinLimit)
	}
	if c.MaxWallLimit < c.MinLimit {
		return fmt.Errorf("max wall limit %s is below min limit %s", c.MaxWallLimit, c.MinLimit)
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("session ttl must be positive, got %s", c.SessionTTL)
	}
	if c.ChunkSize <= 0 || c.SendBuffer <= 0 {
		return fmt.Errorf("chunk size and send buffer must be positive")
	}
	if c.WorkspaceRoot == "" {
		return errors.New("workspace root is empty")
	}
	return nil
}

// splitList splits a comma separated list, dropping empty entries.
func splitList(s string) []string {
	var out []string
	for part := range strings.SplitSeq(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
