package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/enhancr/api/internal/model"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
// If FOO_FILE is set, reads the file content and sets FOO.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	fileKey := envKey + "_FILE"
	filePath := os.Getenv(fileKey)
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	val := strings.TrimSpace(string(data))
	os.Setenv(envKey, val)
}

type Config struct {
	Server    ServerConfig
	Redis     RedisConfig
	Database  DatabaseConfig
	JWT       JWTConfig
	RateLimit RateLimitConfig
	AI        AIConfig
	R2        R2Config
	Zitadel   ZitadelConfig
	Gateway   GatewayConfig
	Tokens    TokenConfig
	Enhance   EnhanceConfig
}

type ServerConfig struct {
	Port      string
	Env       string
	LogLevel  string
	LogFormat string
	ApiDomain string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type DatabaseConfig struct {
	Path string
}

type JWTConfig struct {
	Secret     string
	Expiration int // hours
}

type RateLimitConfig struct {
	EnhancePerHour int
	PipelinePerMin int
	BalancePerMin  int
}

type AIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout int // seconds, per HTTP call; the orchestrator enforces its own wall clock on top
}

type R2Config struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	PublicURL       string
}

type ZitadelConfig struct {
	Domain   string
	ClientID string
	Issuer   string
}

type GatewayConfig struct {
	Enabled bool
}

// TokenConfig is the passive-regeneration policy for the token ledger.
type TokenConfig struct {
	InitialBalance int64
	MaxBalance     int64
	RegenMinutes   int
}

// RegenInterval returns the interval after which one token regenerates.
func (c TokenConfig) RegenInterval() time.Duration {
	return time.Duration(c.RegenMinutes) * time.Minute
}

// TierPolicy is the per-tier cost/resolution/timeout table. All values are
// configuration, never constants scattered through code.
type TierPolicy struct {
	Cost           int64
	TargetWidth    int
	TargetHeight   int
	TimeoutSeconds int
}

func (p TierPolicy) Timeout() time.Duration {
	return time.Duration(p.TimeoutSeconds) * time.Second
}

// EnhanceConfig is the enhancement policy: batch cap, executor strategy
// and the tier table.
type EnhanceConfig struct {
	BatchMax     int
	Executor     string // "asynq" or "direct"
	RetryDelayMS int
	Tiers        map[model.Tier]TierPolicy
}

// TierPolicy resolves a tier against the policy table.
func (c EnhanceConfig) TierPolicy(tier model.Tier) (TierPolicy, error) {
	p, ok := c.Tiers[tier]
	if !ok {
		return TierPolicy{}, fmt.Errorf("unknown tier %q", tier)
	}
	return p, nil
}

func (c EnhanceConfig) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelayMS) * time.Millisecond
}

func Load() (*Config, error) {
	// Read Docker Swarm secrets from _FILE env vars before Viper binds
	readSecret("REDIS_PASSWORD")
	readSecret("AI_API_KEY")
	readSecret("R2_ACCOUNT_ID")
	readSecret("R2_ACCESS_KEY_ID")
	readSecret("R2_SECRET_ACCESS_KEY")
	readSecret("ZITADEL_CLIENT_ID")

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	// Environment variables
	viper.AutomaticEnv()

	// Bind environment variables with underscores to nested config keys
	_ = viper.BindEnv("server.port", "SERVER_PORT")
	_ = viper.BindEnv("server.env", "SERVER_ENV")
	_ = viper.BindEnv("server.log_level", "LOG_LEVEL")
	_ = viper.BindEnv("server.log_format", "LOG_FORMAT")
	_ = viper.BindEnv("server.api_domain", "API_DOMAIN")
	_ = viper.BindEnv("redis.addr", "REDIS_ADDR")
	_ = viper.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = viper.BindEnv("redis.db", "REDIS_DB")
	_ = viper.BindEnv("database.path", "DATABASE_PATH")
	_ = viper.BindEnv("jwt.secret", "JWT_SECRET")
	_ = viper.BindEnv("jwt.expiration", "JWT_EXPIRATION")
	_ = viper.BindEnv("ai.api_key", "AI_API_KEY")
	_ = viper.BindEnv("ai.base_url", "AI_BASE_URL")
	_ = viper.BindEnv("ai.model", "AI_MODEL")
	_ = viper.BindEnv("ai.timeout", "AI_TIMEOUT")
	_ = viper.BindEnv("r2.account_id", "R2_ACCOUNT_ID")
	_ = viper.BindEnv("r2.access_key_id", "R2_ACCESS_KEY_ID")
	_ = viper.BindEnv("r2.secret_access_key", "R2_SECRET_ACCESS_KEY")
	_ = viper.BindEnv("r2.bucket_name", "R2_BUCKET_NAME")
	_ = viper.BindEnv("r2.public_url", "R2_PUBLIC_URL")
	_ = viper.BindEnv("zitadel.domain", "ZITADEL_DOMAIN")
	_ = viper.BindEnv("zitadel.client_id", "ZITADEL_CLIENT_ID")
	_ = viper.BindEnv("zitadel.issuer", "ZITADEL_ISSUER")
	_ = viper.BindEnv("gateway.enabled", "GATEWAY_ENABLED")
	_ = viper.BindEnv("tokens.initial_balance", "TOKENS_INITIAL_BALANCE")
	_ = viper.BindEnv("tokens.max_balance", "TOKENS_MAX_BALANCE")
	_ = viper.BindEnv("tokens.regen_minutes", "TOKENS_REGEN_MINUTES")
	_ = viper.BindEnv("enhance.batch_max", "ENHANCE_BATCH_MAX")
	_ = viper.BindEnv("enhance.executor", "ENHANCE_EXECUTOR")

	// Defaults
	viper.SetDefault("server.port", "8000")
	viper.SetDefault("server.env", "development")
	viper.SetDefault("server.log_level", "info")
	viper.SetDefault("server.log_format", "console")
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("database.path", "enhancr.db")
	viper.SetDefault("jwt.secret", "change-me-in-production")
	viper.SetDefault("jwt.expiration", 24)
	viper.SetDefault("ratelimit.enhance_per_hour", 60)
	viper.SetDefault("ratelimit.pipeline_per_min", 30)
	viper.SetDefault("ratelimit.balance_per_min", 60)

	// AI service defaults
	viper.SetDefault("ai.base_url", "https://api.pixenhance.dev/v1")
	viper.SetDefault("ai.model", "enhance-xl")
	viper.SetDefault("ai.timeout", 120)

	// Token regeneration policy
	viper.SetDefault("tokens.initial_balance", 10)
	viper.SetDefault("tokens.max_balance", 100)
	viper.SetDefault("tokens.regen_minutes", 60)

	// Enhancement policy tables. Timeouts are uniform by default but
	// overridable per tier.
	viper.SetDefault("enhance.batch_max", 20)
	viper.SetDefault("enhance.executor", "asynq")
	viper.SetDefault("enhance.retry_delay_ms", 2000)
	viper.SetDefault("enhance.tiers.tier_1k.cost", 2)
	viper.SetDefault("enhance.tiers.tier_1k.width", 1024)
	viper.SetDefault("enhance.tiers.tier_1k.height", 1024)
	viper.SetDefault("enhance.tiers.tier_1k.timeout_seconds", 300)
	viper.SetDefault("enhance.tiers.tier_2k.cost", 5)
	viper.SetDefault("enhance.tiers.tier_2k.width", 2048)
	viper.SetDefault("enhance.tiers.tier_2k.height", 2048)
	viper.SetDefault("enhance.tiers.tier_2k.timeout_seconds", 300)
	viper.SetDefault("enhance.tiers.tier_4k.cost", 10)
	viper.SetDefault("enhance.tiers.tier_4k.width", 4096)
	viper.SetDefault("enhance.tiers.tier_4k.height", 4096)
	viper.SetDefault("enhance.tiers.tier_4k.timeout_seconds", 300)

	// Gateway defaults
	viper.SetDefault("gateway.enabled", false)

	// Try to read config file (optional)
	_ = viper.ReadInConfig()

	cfg := &Config{
		Server: ServerConfig{
			Port:      viper.GetString("server.port"),
			Env:       viper.GetString("server.env"),
			LogLevel:  viper.GetString("server.log_level"),
			LogFormat: viper.GetString("server.log_format"),
			ApiDomain: viper.GetString("server.api_domain"),
		},
		Redis: RedisConfig{
			Addr:     viper.GetString("redis.addr"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
		},
		Database: DatabaseConfig{
			Path: viper.GetString("database.path"),
		},
		JWT: JWTConfig{
			Secret:     viper.GetString("jwt.secret"),
			Expiration: viper.GetInt("jwt.expiration"),
		},
		RateLimit: RateLimitConfig{
			EnhancePerHour: viper.GetInt("ratelimit.enhance_per_hour"),
			PipelinePerMin: viper.GetInt("ratelimit.pipeline_per_min"),
			BalancePerMin:  viper.GetInt("ratelimit.balance_per_min"),
		},
		AI: AIConfig{
			APIKey:  viper.GetString("ai.api_key"),
			BaseURL: viper.GetString("ai.base_url"),
			Model:   viper.GetString("ai.model"),
			Timeout: viper.GetInt("ai.timeout"),
		},
		R2: R2Config{
			AccountID:       viper.GetString("r2.account_id"),
			AccessKeyID:     viper.GetString("r2.access_key_id"),
			SecretAccessKey: viper.GetString("r2.secret_access_key"),
			BucketName:      viper.GetString("r2.bucket_name"),
			PublicURL:       viper.GetString("r2.public_url"),
		},
		Zitadel: ZitadelConfig{
			Domain:   viper.GetString("zitadel.domain"),
			ClientID: viper.GetString("zitadel.client_id"),
			Issuer:   viper.GetString("zitadel.issuer"),
		},
		Gateway: GatewayConfig{
			Enabled: viper.GetBool("gateway.enabled"),
		},
		Tokens: TokenConfig{
			InitialBalance: viper.GetInt64("tokens.initial_balance"),
			MaxBalance:     viper.GetInt64("tokens.max_balance"),
			RegenMinutes:   viper.GetInt("tokens.regen_minutes"),
		},
		Enhance: EnhanceConfig{
			BatchMax:     viper.GetInt("enhance.batch_max"),
			Executor:     viper.GetString("enhance.executor"),
			RetryDelayMS: viper.GetInt("enhance.retry_delay_ms"),
			Tiers: map[model.Tier]TierPolicy{
				model.Tier1K: {
					Cost:           viper.GetInt64("enhance.tiers.tier_1k.cost"),
					TargetWidth:    viper.GetInt("enhance.tiers.tier_1k.width"),
					TargetHeight:   viper.GetInt("enhance.tiers.tier_1k.height"),
					TimeoutSeconds: viper.GetInt("enhance.tiers.tier_1k.timeout_seconds"),
				},
				model.Tier2K: {
					Cost:           viper.GetInt64("enhance.tiers.tier_2k.cost"),
					TargetWidth:    viper.GetInt("enhance.tiers.tier_2k.width"),
					TargetHeight:   viper.GetInt("enhance.tiers.tier_2k.height"),
					TimeoutSeconds: viper.GetInt("enhance.tiers.tier_2k.timeout_seconds"),
				},
				model.Tier4K: {
					Cost:           viper.GetInt64("enhance.tiers.tier_4k.cost"),
					TargetWidth:    viper.GetInt("enhance.tiers.tier_4k.width"),
					TargetHeight:   viper.GetInt("enhance.tiers.tier_4k.height"),
					TimeoutSeconds: viper.GetInt("enhance.tiers.tier_4k.timeout_seconds"),
				},
			},
		},
	}

	return cfg, nil
}
