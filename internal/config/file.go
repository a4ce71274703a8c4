package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type fileConfig struct {
	Env    string `toml:"env"`
	Server struct {
		HTTPPort    string `toml:"http_port"`
		MetricsAddr string `toml:"metrics_addr"`
		LogLevel    string `toml:"log_level"`
		LogJSON     bool   `toml:"log_json"`
	} `toml:"server"`
	Redis struct {
		Addr     string `toml:"addr"`
		Password string `toml:"password"`
		DB       int    `toml:"db"`
	} `toml:"redis"`
	Postgres struct {
		DSN string `toml:"dsn"`
	} `toml:"postgres"`
	Ledger struct {
		Backend      string `toml:"backend"`
		SQLitePath   string `toml:"sqlite_path"`
		CleanupBatch int    `toml:"cleanup_batch"`
	} `toml:"ledger"`
	Escrow struct {
		Asset          string `toml:"asset"`
		DefaultTTL     string `toml:"default_ttl"`
		BackendTimeout string `toml:"backend_timeout"`
		SweepInterval  string `toml:"sweep_interval"`
		SweepBatch     int    `toml:"sweep_batch"`
		EventBuffer    int    `toml:"event_buffer"`
	} `toml:"escrow"`
	Oracle struct {
		PublicKey  string  `toml:"public_key"`
		PolicyFile string  `toml:"policy_file"`
		SubmitRPS  float64 `toml:"submit_rps"`
	} `toml:"oracle"`
	Worker struct {
		Queue             string `toml:"queue"`
		DLQ               string `toml:"dlq"`
		VisibilityTimeout string `toml:"visibility_timeout"`
		PollInterval      string `toml:"poll_interval"`
		MaxAttempts       int    `toml:"max_attempts"`
		BackoffInitial    string `toml:"backoff_initial"`
		BackoffMax        string `toml:"backoff_max"`
	} `toml:"worker"`
	RateLimit struct {
		Capacity     int     `toml:"capacity"`
		RefillPerSec float64 `toml:"refill_per_sec"`
	} `toml:"rate_limit"`
	Evidence struct {
		Dir         string `toml:"dir"`
		S3Bucket    string `toml:"s3_bucket"`
		S3Region    string `toml:"s3_region"`
		S3Endpoint  string `toml:"s3_endpoint"`
		S3PathStyle bool   `toml:"s3_path_style"`
	} `toml:"evidence"`
}

// LoadFile overlays the keys present in the TOML file at path onto base.
// Secrets such as the oracle private key are only read from the environment.
func LoadFile(path string, base Config) (Config, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("load config %s: unknown key %s", path, undecoded[0])
	}

	cfg := base
	str := func(dst *string, v string, key ...string) {
		if meta.IsDefined(key...) {
			*dst = strings.TrimSpace(v)
		}
	}
	num := func(dst *int, v int, key ...string) {
		if meta.IsDefined(key...) {
			*dst = v
		}
	}
	dur := func(dst *time.Duration, v string, key ...string) error {
		if !meta.IsDefined(key...) {
			return nil
		}
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("parse %s: %w", strings.Join(key, "."), err)
		}
		*dst = d
		return nil
	}

	str(&cfg.Env, raw.Env, "env")
	str(&cfg.HTTPPort, raw.Server.HTTPPort, "server", "http_port")
	str(&cfg.MetricsAddr, raw.Server.MetricsAddr, "server", "metrics_addr")
	str(&cfg.LogLevel, raw.Server.LogLevel, "server", "log_level")
	if meta.IsDefined("server", "log_json") {
		cfg.LogJSON = raw.Server.LogJSON
	}

	str(&cfg.RedisAddr, raw.Redis.Addr, "redis", "addr")
	str(&cfg.RedisPassword, raw.Redis.Password, "redis", "password")
	num(&cfg.RedisDB, raw.Redis.DB, "redis", "db")
	str(&cfg.PostgresDSN, raw.Postgres.DSN, "postgres", "dsn")

	str(&cfg.LedgerBackend, raw.Ledger.Backend, "ledger", "backend")
	str(&cfg.LedgerSQLitePath, raw.Ledger.SQLitePath, "ledger", "sqlite_path")
	num(&cfg.LedgerCleanupBatch, raw.Ledger.CleanupBatch, "ledger", "cleanup_batch")

	str(&cfg.AssetID, raw.Escrow.Asset, "escrow", "asset")
	num(&cfg.SweepBatch, raw.Escrow.SweepBatch, "escrow", "sweep_batch")
	num(&cfg.EventBuffer, raw.Escrow.EventBuffer, "escrow", "event_buffer")

	str(&cfg.OraclePublicKey, raw.Oracle.PublicKey, "oracle", "public_key")
	str(&cfg.OraclePolicyFile, raw.Oracle.PolicyFile, "oracle", "policy_file")
	if meta.IsDefined("oracle", "submit_rps") {
		cfg.OracleSubmitRPS = raw.Oracle.SubmitRPS
	}

	str(&cfg.AttestationQueue, raw.Worker.Queue, "worker", "queue")
	str(&cfg.DLQName, raw.Worker.DLQ, "worker", "dlq")
	num(&cfg.MaxAttempts, raw.Worker.MaxAttempts, "worker", "max_attempts")

	num(&cfg.RateLimitCapacity, raw.RateLimit.Capacity, "rate_limit", "capacity")
	if meta.IsDefined("rate_limit", "refill_per_sec") {
		cfg.RateLimitRefill = raw.RateLimit.RefillPerSec
	}

	str(&cfg.EvidenceDir, raw.Evidence.Dir, "evidence", "dir")
	str(&cfg.EvidenceS3Bucket, raw.Evidence.S3Bucket, "evidence", "s3_bucket")
	str(&cfg.EvidenceS3Region, raw.Evidence.S3Region, "evidence", "s3_region")
	str(&cfg.EvidenceS3Endpoint, raw.Evidence.S3Endpoint, "evidence", "s3_endpoint")
	if meta.IsDefined("evidence", "s3_path_style") {
		cfg.EvidenceS3PathStyle = raw.Evidence.S3PathStyle
	}

	for _, d := range []struct {
		dst *time.Duration
		v   string
		key []string
	}{
		{&cfg.IntentDefaultTTL, raw.Escrow.DefaultTTL, []string{"escrow", "default_ttl"}},
		{&cfg.BackendTimeout, raw.Escrow.BackendTimeout, []string{"escrow", "backend_timeout"}},
		{&cfg.SweepInterval, raw.Escrow.SweepInterval, []string{"escrow", "sweep_interval"}},
		{&cfg.VisibilityTimeout, raw.Worker.VisibilityTimeout, []string{"worker", "visibility_timeout"}},
		{&cfg.WorkerPollInterval, raw.Worker.PollInterval, []string{"worker", "poll_interval"}},
		{&cfg.BackoffInitial, raw.Worker.BackoffInitial, []string{"worker", "backoff_initial"}},
		{&cfg.BackoffMax, raw.Worker.BackoffMax, []string{"worker", "backoff_max"}},
	} {
		if err := dur(d.dst, d.v, d.key...); err != nil {
			return Config{}, err
		}
	}
	return cfg, nil
}

// Validate rejects combinations the services cannot start with.
func (c Config) Validate() error {
	switch c.LedgerBackend {
	case "redis", "sqlite":
	default:
		return fmt.Errorf("unknown ledger backend %q", c.LedgerBackend)
	}
	if c.OraclePublicKey == "" {
		return fmt.Errorf("ORACLE_PUBLIC_KEY is required")
	}
	if c.IntentDefaultTTL <= 0 {
		return fmt.Errorf("intent default ttl must be positive")
	}
	if c.BackendTimeout <= 0 {
		return fmt.Errorf("backend timeout must be positive")
	}
	return nil
}
