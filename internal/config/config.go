// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes server timeouts,
// logging, storage, rate limiting, the points/affinity economy, the ranking
// cache, background jobs and observability.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig defines security-related settings such as HSTS.
type SecurityConfig struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "go-affinity-backend")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// DBConfig selects the storage driver.
type DBConfig struct {
	Driver string // DB_DRIVER: sqlite|postgres|mysql
	DSN    string // DB_DSN for server drivers
	Path   string // DB_PATH for sqlite
}

// AffinityConfig holds the unlock thresholds T1 < T2 < T3.
type AffinityConfig struct {
	T1, T2, T3 int64
}

// QuizConfig holds the economy of a quiz round.
type QuizConfig struct {
	EntryCost     int64            // QUIZ_ENTRY_COST
	RateLimit     int              // QUIZ_RATE_LIMIT sessions per window
	RateWindow    time.Duration    // QUIZ_RATE_WINDOW
	CorrectDelta  int64            // QUIZ_CORRECT_DELTA
	WrongDelta    int64            // QUIZ_WRONG_DELTA (<= 0)
	CorrectReward int64            // QUIZ_CORRECT_REWARD points
	WrongPenalty  int64            // QUIZ_WRONG_PENALTY points
	ModeMinimums  map[string]int64 // QUIZ_MODE_MIN_AFFINITY "mode:min,..."
}

// RankingConfig configures the ranking cache tiers.
type RankingConfig struct {
	CacheTTL      time.Duration // RANKING_CACHE_TTL
	CacheCapacity int           // RANKING_CACHE_CAPACITY
	TopN          int           // RANKING_TOP_N
	CacheBackend  string        // RANKING_CACHE_BACKEND: memory|redis|none
	RedisAddr     string        // REDIS_ADDR
	RedisPassword string        // REDIS_PASSWORD
	RedisDB       int           // REDIS_DB
}

// JobsConfig configures background jobs.
type JobsConfig struct {
	DailyBonusAmount   int64  // DAILY_BONUS_AMOUNT; 0 disables the job
	DailyBonusSchedule string // DAILY_BONUS_SCHEDULE (cron spec, UTC)
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // e.g. 20s
	IdleTimeout       time.Duration // e.g. 60s
	MaxHeaderBytes    int           // bytes
	GinMode           string        // debug|release|test

	// Logging
	LogLevel    string // debug|info|warn|error|fatal|panic
	LogPretty   bool   // pretty console logs in dev
	APIBasePath string // base path for API routes

	DB DBConfig

	// Rate limiting
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	// Economy
	StartingBalance int64 // POINTS_STARTING_BALANCE
	Affinity        AffinityConfig
	Quiz            QuizConfig
	MessageMaxLen   int // MESSAGE_MAX_LEN in runes

	Ranking RankingConfig
	Jobs    JobsConfig

	// Observability
	OTEL OTELConfig
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	modes, err := parseModes(getenv("QUIZ_MODE_MIN_AFFINITY", "standard:0"))
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		// Server
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging
		LogLevel:    strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:   getbool("LOG_PRETTY", false),
		APIBasePath: normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		DB: DBConfig{
			Driver: strings.ToLower(getenv("DB_DRIVER", "sqlite")),
			DSN:    getenv("DB_DSN", ""),
			Path:   getenv("DB_PATH", "affinity.db"),
		},

		// Rate limiting
		RateRPS:   getfloat("RATE_RPS", 5.0),
		RateBurst: getint("RATE_BURST", 10),

		// Web protection
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		// Economy
		StartingBalance: getint64("POINTS_STARTING_BALANCE", 10000),
		Affinity: AffinityConfig{
			T1: getint64("AFFINITY_T1", 5),
			T2: getint64("AFFINITY_T2", 50),
			T3: getint64("AFFINITY_T3", 100),
		},
		Quiz: QuizConfig{
			EntryCost:     getint64("QUIZ_ENTRY_COST", 50),
			RateLimit:     getint("QUIZ_RATE_LIMIT", 3),
			RateWindow:    getdur("QUIZ_RATE_WINDOW", time.Hour),
			CorrectDelta:  getint64("QUIZ_CORRECT_DELTA", 5),
			WrongDelta:    getint64("QUIZ_WRONG_DELTA", 0),
			CorrectReward: getint64("QUIZ_CORRECT_REWARD", 0),
			WrongPenalty:  getint64("QUIZ_WRONG_PENALTY", 0),
			ModeMinimums:  modes,
		},
		MessageMaxLen: getint("MESSAGE_MAX_LEN", 1000),

		Ranking: RankingConfig{
			CacheTTL:      getdur("RANKING_CACHE_TTL", 30*time.Second),
			CacheCapacity: getint("RANKING_CACHE_CAPACITY", 1024),
			TopN:          getint("RANKING_TOP_N", 50),
			CacheBackend:  strings.ToLower(getenv("RANKING_CACHE_BACKEND", "memory")),
			RedisAddr:     getenv("REDIS_ADDR", "localhost:6379"),
			RedisPassword: getenv("REDIS_PASSWORD", ""),
			RedisDB:       getint("REDIS_DB", 0),
		},
		Jobs: JobsConfig{
			DailyBonusAmount:   getint64("DAILY_BONUS_AMOUNT", 0),
			DailyBonusSchedule: getenv("DAILY_BONUS_SCHEDULE", "0 0 * * *"),
		},

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "go-affinity-backend"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return cfg, errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return cfg, errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return cfg, errors.New("MAX_HEADER_BYTES must be > 0")
	}
	switch cfg.DB.Driver {
	case "sqlite":
		if strings.TrimSpace(cfg.DB.Path) == "" {
			return cfg, errors.New("DB_PATH must not be empty")
		}
	case "postgres", "mysql":
		if strings.TrimSpace(cfg.DB.DSN) == "" {
			return cfg, errors.New("DB_DSN is required for DB_DRIVER=" + cfg.DB.Driver)
		}
	default:
		return cfg, errors.New("DB_DRIVER must be one of: sqlite, postgres, mysql")
	}
	if cfg.RateRPS < 0 {
		return cfg, errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return cfg, errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if cfg.StartingBalance < 0 {
		return cfg, errors.New("POINTS_STARTING_BALANCE must be >= 0")
	}
	a := cfg.Affinity
	if !(a.T1 > 0 && a.T1 < a.T2 && a.T2 < a.T3) {
		return cfg, errors.New("AFFINITY thresholds must satisfy 0 < T1 < T2 < T3")
	}
	q := cfg.Quiz
	if q.EntryCost < 0 || q.CorrectReward < 0 || q.WrongPenalty < 0 {
		return cfg, errors.New("QUIZ point amounts must be >= 0")
	}
	if q.RateLimit < 1 || q.RateWindow <= 0 {
		return cfg, errors.New("QUIZ_RATE_LIMIT must be >= 1 and QUIZ_RATE_WINDOW > 0")
	}
	if q.CorrectDelta <= 0 {
		return cfg, errors.New("QUIZ_CORRECT_DELTA must be > 0")
	}
	if q.WrongDelta > 0 {
		return cfg, errors.New("QUIZ_WRONG_DELTA must be <= 0")
	}
	if cfg.MessageMaxLen < 1 {
		return cfg, errors.New("MESSAGE_MAX_LEN must be >= 1")
	}
	r := cfg.Ranking
	if r.CacheTTL <= 0 || r.CacheCapacity < 1 || r.TopN < 1 {
		return cfg, errors.New("RANKING_CACHE_TTL, RANKING_CACHE_CAPACITY and RANKING_TOP_N must be positive")
	}
	switch r.CacheBackend {
	case "memory", "redis", "none":
	default:
		return cfg, errors.New("RANKING_CACHE_BACKEND must be one of: memory, redis, none")
	}
	if cfg.Jobs.DailyBonusAmount < 0 {
		return cfg, errors.New("DAILY_BONUS_AMOUNT must be >= 0")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	return cfg, nil
}

// parseModes reads "mode:min,mode:min". A bare mode means min 0.
func parseModes(s string) (map[string]int64, error) {
	out := map[string]int64{}
	for _, part := range splitCSV(s) {
		name, raw, found := strings.Cut(part, ":")
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, fmt.Errorf("QUIZ_MODE_MIN_AFFINITY: empty mode in %q", part)
		}
		var min int64
		if found {
			v, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
			if err != nil || v < 0 {
				return nil, fmt.Errorf("QUIZ_MODE_MIN_AFFINITY: bad minimum in %q", part)
			}
			min = v
		}
		out[name] = min
	}
	if len(out) == 0 {
		return nil, errors.New("QUIZ_MODE_MIN_AFFINITY must name at least one mode")
	}
	return out, nil
}

// ---- helpers (no external deps) ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getint64(k string, def int64) int64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// normalizeBasePath ensures leading '/' and strips trailing '/' (except root).
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}
