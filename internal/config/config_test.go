package config

import (
	"os"
	"reflect"
	"strings"
	"testing"
	"time"
)

// --- MustLoad ---

func TestMustLoad_PanicsOnInvalidConfig(t *testing.T) {
	t.Setenv("LOG_LEVEL", "verbose") // invalid -> Load() error
	defer func() {
		if r := recover(); r == nil {
			t.Fatalf("MustLoad should panic on invalid config")
		}
	}()
	_ = MustLoad()
}

// --- Load success + normalization + parsing ---

func TestLoad_Success_DefaultsAndOverrides(t *testing.T) {
	// Clear all env that might affect defaults. t.Setenv isolates per test.
	// Server timeouts / sizes (valid)
	t.Setenv("PORT", "8088")
	t.Setenv("READ_TIMEOUT", "2s")
	t.Setenv("READ_HEADER_TIMEOUT", "1s")
	t.Setenv("WRITE_TIMEOUT", "3s")
	t.Setenv("IDLE_TIMEOUT", "4s")
	t.Setenv("MAX_HEADER_BYTES", "8192")
	t.Setenv("GIN_MODE", "weird") // will normalize to "release"

	// Logging
	t.Setenv("LOG_LEVEL", "warning") // will normalize to "warn"
	t.Setenv("LOG_PRETTY", "yes")
	t.Setenv("API_BASE_PATH", "api/v1/") // no leading slash + trailing slash -> "/api/v1"

	// Storage
	t.Setenv("DB_DRIVER", "SQLite")
	t.Setenv("DB_PATH", "db.sqlite")

	// Economy
	t.Setenv("POINTS_STARTING_BALANCE", "500")
	t.Setenv("AFFINITY_T1", "10")
	t.Setenv("AFFINITY_T2", "20")
	t.Setenv("AFFINITY_T3", "30")
	t.Setenv("QUIZ_ENTRY_COST", "7")
	t.Setenv("QUIZ_RATE_LIMIT", "5")
	t.Setenv("QUIZ_RATE_WINDOW", "30m")
	t.Setenv("QUIZ_CORRECT_DELTA", "3")
	t.Setenv("QUIZ_WRONG_DELTA", "-1")
	t.Setenv("QUIZ_CORRECT_REWARD", "2")
	t.Setenv("QUIZ_MODE_MIN_AFFINITY", "standard, deep:25")
	t.Setenv("MESSAGE_MAX_LEN", "280")

	// Ranking
	t.Setenv("RANKING_CACHE_TTL", "1m")
	t.Setenv("RANKING_CACHE_CAPACITY", "64")
	t.Setenv("RANKING_TOP_N", "5")
	t.Setenv("RANKING_CACHE_BACKEND", "Redis")
	t.Setenv("REDIS_ADDR", "cache:6379")

	// Jobs
	t.Setenv("DAILY_BONUS_AMOUNT", "100")
	t.Setenv("DAILY_BONUS_SCHEDULE", "@daily")

	// Rate limiting (use invalids for parse to fall back to defaults)
	t.Setenv("RATE_RPS", "x")      // -> default 5.0
	t.Setenv("RATE_BURST", "nope") // -> default 10

	// Web protection
	t.Setenv("CORS_ALLOWED_ORIGINS", " https://a.com , , http://b ")
	t.Setenv("ENABLE_HSTS", "TRUE")
	t.Setenv("HSTS_MAX_AGE", "24h")

	// OTEL
	t.Setenv("OTEL_ENABLED", "1")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "otel:4317")
	t.Setenv("OTEL_EXPORTER_OTLP_INSECURE", "0")
	t.Setenv("OTEL_SERVICE_NAME", "svc")
	t.Setenv("OTEL_TRACES_SAMPLER_ARG", "0.75")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	// Server
	if cfg.Port != "8088" ||
		cfg.ReadTimeout != 2*time.Second ||
		cfg.ReadHeaderTimeout != 1*time.Second ||
		cfg.WriteTimeout != 3*time.Second ||
		cfg.IdleTimeout != 4*time.Second ||
		cfg.MaxHeaderBytes != 8192 ||
		cfg.GinMode != "release" {
		t.Fatalf("server fields unexpected: %+v", cfg)
	}

	// Logging
	if cfg.LogLevel != "warn" || !cfg.LogPretty || cfg.APIBasePath != "/api/v1" {
		t.Fatalf("logging unexpected: %+v", cfg)
	}

	// Storage
	if cfg.DB.Driver != "sqlite" || cfg.DB.Path != "db.sqlite" {
		t.Fatalf("db unexpected: %+v", cfg.DB)
	}

	// Economy
	if cfg.StartingBalance != 500 || cfg.Affinity != (AffinityConfig{T1: 10, T2: 20, T3: 30}) || cfg.MessageMaxLen != 280 {
		t.Fatalf("economy unexpected: %+v", cfg)
	}
	q := cfg.Quiz
	if q.EntryCost != 7 || q.RateLimit != 5 || q.RateWindow != 30*time.Minute ||
		q.CorrectDelta != 3 || q.WrongDelta != -1 || q.CorrectReward != 2 {
		t.Fatalf("quiz unexpected: %+v", q)
	}
	if !reflect.DeepEqual(q.ModeMinimums, map[string]int64{"standard": 0, "deep": 25}) {
		t.Fatalf("quiz modes unexpected: %#v", q.ModeMinimums)
	}

	// Ranking / jobs
	r := cfg.Ranking
	if r.CacheTTL != time.Minute || r.CacheCapacity != 64 || r.TopN != 5 || r.CacheBackend != "redis" || r.RedisAddr != "cache:6379" {
		t.Fatalf("ranking unexpected: %+v", r)
	}
	if cfg.Jobs.DailyBonusAmount != 100 || cfg.Jobs.DailyBonusSchedule != "@daily" {
		t.Fatalf("jobs unexpected: %+v", cfg.Jobs)
	}

	// Rate limiting (parse fallback to defaults)
	if cfg.RateRPS != 5.0 || cfg.RateBurst != 10 {
		t.Fatalf("rate limiting unexpected: %+v", cfg)
	}

	// Web protection
	if !reflect.DeepEqual(cfg.CORS.AllowedOrigins, []string{"https://a.com", "http://b"}) {
		t.Fatalf("cors origins unexpected: %#v", cfg.CORS.AllowedOrigins)
	}
	if !cfg.Security.EnableHSTS || cfg.Security.HSTSMaxAge != 24*time.Hour {
		t.Fatalf("security unexpected: %+v", cfg.Security)
	}

	// OTEL
	if !cfg.OTEL.Enabled || cfg.OTEL.Endpoint != "otel:4317" || cfg.OTEL.Insecure || cfg.OTEL.ServiceName != "svc" || cfg.OTEL.SampleRatio != 0.75 {
		t.Fatalf("otel unexpected: %+v", cfg.OTEL)
	}
}

// --- Load validations (each case triggers exactly one validation error) ---

func TestLoad_ValidationErrors(t *testing.T) {
	t.Run("invalid LOG_LEVEL", func(t *testing.T) {
		t.Setenv("LOG_LEVEL", "verbose")
		if _, err := Load(); err == nil {
			t.Fatalf("expected LOG_LEVEL validation error")
		}
	})
	t.Run("empty PORT via spaces", func(t *testing.T) {
		t.Setenv("PORT", "   ")
		if _, err := Load(); err == nil || !containsErr(err, "PORT must not be empty") {
			t.Fatalf("expected port validation error, got: %v", err)
		}
	})
	t.Run("non-positive timeouts", func(t *testing.T) {
		t.Setenv("READ_TIMEOUT", "0s")
		if _, err := Load(); err == nil || !containsErr(err, "timeouts must be positive") {
			t.Fatalf("expected timeouts validation error, got: %v", err)
		}
	})
	t.Run("max header bytes <= 0", func(t *testing.T) {
		t.Setenv("MAX_HEADER_BYTES", "0")
		if _, err := Load(); err == nil || !containsErr(err, "MAX_HEADER_BYTES") {
			t.Fatalf("expected MAX_HEADER_BYTES validation error, got: %v", err)
		}
	})
	t.Run("empty DB_PATH", func(t *testing.T) {
		t.Setenv("DB_PATH", "   ")
		if _, err := Load(); err == nil || !containsErr(err, "DB_PATH must not be empty") {
			t.Fatalf("expected DB_PATH validation error, got: %v", err)
		}
	})
	t.Run("unknown DB_DRIVER", func(t *testing.T) {
		t.Setenv("DB_DRIVER", "oracle")
		if _, err := Load(); err == nil || !containsErr(err, "DB_DRIVER") {
			t.Fatalf("expected DB_DRIVER validation error, got: %v", err)
		}
	})
	t.Run("server driver without DSN", func(t *testing.T) {
		t.Setenv("DB_DRIVER", "postgres")
		if _, err := Load(); err == nil || !containsErr(err, "DB_DSN") {
			t.Fatalf("expected DB_DSN validation error, got: %v", err)
		}
	})
	t.Run("rate rps negative", func(t *testing.T) {
		t.Setenv("RATE_RPS", "-1")
		if _, err := Load(); err == nil || !containsErr(err, "RATE_RPS") {
			t.Fatalf("expected RATE_RPS validation error, got: %v", err)
		}
	})
	t.Run("rate burst < 1", func(t *testing.T) {
		t.Setenv("RATE_BURST", "0")
		if _, err := Load(); err == nil || !containsErr(err, "RATE_BURST") {
			t.Fatalf("expected RATE_BURST validation error, got: %v", err)
		}
	})
	t.Run("hsts max age negative", func(t *testing.T) {
		t.Setenv("HSTS_MAX_AGE", "-1s")
		if _, err := Load(); err == nil || !containsErr(err, "HSTS_MAX_AGE") {
			t.Fatalf("expected HSTS_MAX_AGE validation error, got: %v", err)
		}
	})
	t.Run("thresholds out of order", func(t *testing.T) {
		t.Setenv("AFFINITY_T2", "500")
		if _, err := Load(); err == nil || !containsErr(err, "T1 < T2 < T3") {
			t.Fatalf("expected threshold validation error, got: %v", err)
		}
	})
	t.Run("zero T1", func(t *testing.T) {
		t.Setenv("AFFINITY_T1", "0")
		if _, err := Load(); err == nil || !containsErr(err, "T1 < T2 < T3") {
			t.Fatalf("expected threshold validation error, got: %v", err)
		}
	})
	t.Run("positive wrong delta", func(t *testing.T) {
		t.Setenv("QUIZ_WRONG_DELTA", "2")
		if _, err := Load(); err == nil || !containsErr(err, "QUIZ_WRONG_DELTA") {
			t.Fatalf("expected QUIZ_WRONG_DELTA validation error, got: %v", err)
		}
	})
	t.Run("negative entry cost", func(t *testing.T) {
		t.Setenv("QUIZ_ENTRY_COST", "-5")
		if _, err := Load(); err == nil || !containsErr(err, "QUIZ point amounts") {
			t.Fatalf("expected quiz amount validation error, got: %v", err)
		}
	})
	t.Run("zero rate limit", func(t *testing.T) {
		t.Setenv("QUIZ_RATE_LIMIT", "0")
		if _, err := Load(); err == nil || !containsErr(err, "QUIZ_RATE_LIMIT") {
			t.Fatalf("expected QUIZ_RATE_LIMIT validation error, got: %v", err)
		}
	})
	t.Run("bad mode minimum", func(t *testing.T) {
		t.Setenv("QUIZ_MODE_MIN_AFFINITY", "deep:lots")
		if _, err := Load(); err == nil || !containsErr(err, "QUIZ_MODE_MIN_AFFINITY") {
			t.Fatalf("expected QUIZ_MODE_MIN_AFFINITY validation error, got: %v", err)
		}
	})
	t.Run("zero message length", func(t *testing.T) {
		t.Setenv("MESSAGE_MAX_LEN", "0")
		if _, err := Load(); err == nil || !containsErr(err, "MESSAGE_MAX_LEN") {
			t.Fatalf("expected MESSAGE_MAX_LEN validation error, got: %v", err)
		}
	})
	t.Run("unknown cache backend", func(t *testing.T) {
		t.Setenv("RANKING_CACHE_BACKEND", "memcached")
		if _, err := Load(); err == nil || !containsErr(err, "RANKING_CACHE_BACKEND") {
			t.Fatalf("expected RANKING_CACHE_BACKEND validation error, got: %v", err)
		}
	})
	t.Run("negative bonus", func(t *testing.T) {
		t.Setenv("DAILY_BONUS_AMOUNT", "-1")
		if _, err := Load(); err == nil || !containsErr(err, "DAILY_BONUS_AMOUNT") {
			t.Fatalf("expected DAILY_BONUS_AMOUNT validation error, got: %v", err)
		}
	})
	t.Run("otel sample ratio out of range", func(t *testing.T) {
		t.Setenv("OTEL_TRACES_SAMPLER_ARG", "1.5")
		if _, err := Load(); err == nil || !containsErr(err, "OTEL_TRACES_SAMPLER_ARG") {
			t.Fatalf("expected OTEL_TRACES_SAMPLER_ARG validation error, got: %v", err)
		}
	})

	// Note: API_BASE_PATH validation is effectively unreachable due to normalizeBasePath
	// always ensuring a leading '/' and returning "/" for empty input.
}

// --- helpers ---

func TestHelpers_getenv(t *testing.T) {
	t.Setenv("X_EMPTY", "")
	if getenv("X_EMPTY", "d") != "d" {
		t.Fatalf("getenv should fall back to default on empty var")
	}
	t.Setenv("X_SET", "val")
	if getenv("X_SET", "d") != "val" {
		t.Fatalf("getenv should read set value")
	}
}

func TestHelpers_getfloat_getint_getdur(t *testing.T) {
	t.Setenv("I64_VALID", "9000000000")
	if getint64("I64_VALID", 0) != 9000000000 {
		t.Fatalf("getint64 parse failed")
	}

	t.Setenv("F_VALID", "3.14")
	if getfloat("F_VALID", 0) != 3.14 {
		t.Fatalf("getfloat parse failed")
	}
	t.Setenv("F_BAD", "nope")
	if getfloat("F_BAD", 1.23) != 1.23 {
		t.Fatalf("getfloat default on bad parse failed")
	}

	t.Setenv("I_VALID", "42")
	if getint("I_VALID", 0) != 42 {
		t.Fatalf("getint parse failed")
	}
	t.Setenv("I_BAD", "x")
	if getint("I_BAD", 7) != 7 {
		t.Fatalf("getint default on bad parse failed")
	}

	t.Setenv("D_VALID", "150ms")
	if getdur("D_VALID", time.Second) != 150*time.Millisecond {
		t.Fatalf("getdur parse failed")
	}
	t.Setenv("D_BAD", "zzz")
	if getdur("D_BAD", 2*time.Second) != 2*time.Second {
		t.Fatalf("getdur default on bad parse failed")
	}
}

func TestHelpers_getbool(t *testing.T) {
	trueVals := []string{"1", "true", "TRUE", " yes ", "Y", "on", "On"}
	for i, v := range trueVals {
		k := "B_T_" + config_strconv(i)
		t.Setenv(k, v)
		if !getbool(k, false) {
			t.Fatalf("getbool(%q) = false; want true", v)
		}
	}
	falseVals := []string{"0", "false", "FALSE", " no ", "N", "off", "Off"}
	for i, v := range falseVals {
		k := "B_F_" + config_strconv(i)
		t.Setenv(k, v)
		if getbool(k, true) {
			t.Fatalf("getbool(%q) = true; want false", v)
		}
	}
	// default on unset/empty
	t.Setenv("B_EMPTY", "")
	if !getbool("B_EMPTY", true) || getbool("B_EMPTY", false) {
		t.Fatalf("getbool default behavior unexpected")
	}
}

func TestHelpers_splitCSV_and_normalizeBasePath(t *testing.T) {
	if out := splitCSV(""); out != nil {
		t.Fatalf("splitCSV empty should return nil")
	}
	in := " a, ,b ,  c  ,"
	want := []string{"a", "b", "c"}
	if got := splitCSV(in); !reflect.DeepEqual(got, want) {
		t.Fatalf("splitCSV mismatch: got %#v want %#v", got, want)
	}

	// normalizeBasePath
	if normalizeBasePath("") != "/" {
		t.Fatalf("normalizeBasePath empty -> '/' failed")
	}
	if normalizeBasePath("v1") != "/v1" {
		t.Fatalf("normalizeBasePath missing leading slash failed")
	}
	if normalizeBasePath("/v1/") != "/v1" {
		t.Fatalf("normalizeBasePath trailing slash trim failed")
	}
	if normalizeBasePath(" / ") != "/" {
		t.Fatalf("normalizeBasePath whitespace failed")
	}
}

// small helper (avoid fmt just for ints)
func config_strconv(i int) string { return string('a' + rune(i)) }

// Ensure tests donâ€™t leak env to others.
func TestMain(m *testing.M) {
	os.Unsetenv("PORT")
	os.Exit(m.Run())
}

// containsErr reports whether err's message contains the given substring.
func containsErr(err error, want string) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), want)
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.APIBasePath != "/api/v1" {
		t.Fatalf("API_BASE_PATH default expected '/api/v1', got %q", cfg.APIBasePath)
	}
	if cfg.StartingBalance != 10000 || cfg.Affinity != (AffinityConfig{T1: 5, T2: 50, T3: 100}) {
		t.Fatalf("economy defaults unexpected: %+v", cfg)
	}
	if cfg.Quiz.EntryCost != 50 || cfg.Quiz.RateLimit != 3 || cfg.Quiz.RateWindow != time.Hour || cfg.Quiz.WrongDelta != 0 {
		t.Fatalf("quiz defaults unexpected: %+v", cfg.Quiz)
	}
	if cfg.Ranking.CacheTTL != 30*time.Second || cfg.Ranking.CacheBackend != "memory" || cfg.MessageMaxLen != 1000 {
		t.Fatalf("ranking defaults unexpected: %+v", cfg.Ranking)
	}
	if cfg.Jobs.DailyBonusAmount != 0 {
		t.Fatalf("daily bonus must be off by default")
	}
}

func TestParseModes(t *testing.T) {
	got, err := parseModes("standard:0, deep:40 ,blitz")
	if err != nil {
		t.Fatalf("parseModes: %v", err)
	}
	want := map[string]int64{"standard": 0, "deep": 40, "blitz": 0}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %#v want %#v", got, want)
	}
	for _, bad := range []string{":5", "deep:-1", ","} {
		if _, err := parseModes(bad); err == nil {
			t.Fatalf("parseModes(%q) should fail", bad)
		}
	}
}

func TestMustLoad_Success_NoPanic(t *testing.T) {
	// No special env needed; defaults are valid.
	defer func() {
		if r := recover(); r != nil {
			t.Fatalf("MustLoad should not panic on valid defaults, got: %v", r)
		}
	}()
	cfg := MustLoad()
	if cfg.APIBasePath == "" {
		t.Fatalf("unexpected empty config from MustLoad")
	}
}
