package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	ServerAddress string `mapstructure:"server_address"`
	JWTSecret     string `mapstructure:"jwt_secret"`
	// ServiceKey authenticates internal callers (profile, OTP, moderation).
	ServiceKey string `mapstructure:"service_key"`
	// AdminIDs seeds the admin directory at startup (comma separated).
	AdminIDs string `mapstructure:"admin_ids"`

	FirebaseProjectID       string `mapstructure:"firebase_project_id"`
	FirebaseCredentialsJSON string `mapstructure:"firebase_credentials_json"`

	MongoURI string `mapstructure:"mongo_uri"`
	MongoDB  string `mapstructure:"mongo_db"`
	// DataDir enables the file-backed in-memory store when MongoURI is empty.
	DataDir string `mapstructure:"data_dir"`

	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`

	EvidenceBucket       string `mapstructure:"evidence_bucket"`
	GCPCredentialsJSON   string `mapstructure:"gcp_credentials_json"`
	DeviceHashKey        string `mapstructure:"device_hash_key"`
	SendGridAPIKey       string `mapstructure:"sendgrid_api_key"`
	SendGridFrom         string `mapstructure:"sendgrid_from"`
	ReviewTeamEmail      string `mapstructure:"review_team_email"`
	LogLevel             string `mapstructure:"log_level"`
	LogFile              string `mapstructure:"log_file"`
	RequestsPerMinute    int    `mapstructure:"requests_per_minute"`
	SweepIntervalMinutes int    `mapstructure:"sweep_interval_minutes"`

	Trust TrustConfig `mapstructure:",squash"`
}

// TrustConfig holds the tunables of the verification pipeline.
type TrustConfig struct {
	LivenessPassThreshold float64       `mapstructure:"liveness_pass_threshold"`
	AttemptWindow         time.Duration `mapstructure:"attempt_window"`
	AttemptCeiling        int           `mapstructure:"attempt_ceiling"`
	BreachLookback        time.Duration `mapstructure:"breach_lookback"`
	ReviewSLA             time.Duration `mapstructure:"review_sla"`
	EvidenceRetention     time.Duration `mapstructure:"evidence_retention"`
	CorrelationLookback   time.Duration `mapstructure:"correlation_lookback"`
	FlagCooldown          time.Duration `mapstructure:"flag_cooldown"`
}

func Load() (*Config, error) {
	v := viper.New()

	v.SetDefault("server_address", ":8080")
	v.SetDefault("jwt_secret", "")
	v.SetDefault("service_key", "")
	v.SetDefault("admin_ids", "")
	v.SetDefault("firebase_project_id", "")
	v.SetDefault("firebase_credentials_json", "")
	v.SetDefault("mongo_uri", "")
	v.SetDefault("mongo_db", "kindred")
	v.SetDefault("data_dir", "")
	v.SetDefault("redis_addr", "")
	v.SetDefault("redis_password", "")
	v.SetDefault("redis_db", 0)
	v.SetDefault("evidence_bucket", "")
	v.SetDefault("gcp_credentials_json", "")
	v.SetDefault("device_hash_key", "")
	v.SetDefault("sendgrid_api_key", "")
	v.SetDefault("sendgrid_from", "")
	v.SetDefault("review_team_email", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_file", "")
	v.SetDefault("requests_per_minute", 120)
	v.SetDefault("sweep_interval_minutes", 15)

	v.SetDefault("liveness_pass_threshold", 0.80)
	v.SetDefault("attempt_window", time.Hour)
	v.SetDefault("attempt_ceiling", 3)
	v.SetDefault("breach_lookback", 24*time.Hour)
	v.SetDefault("review_sla", 48*time.Hour)
	v.SetDefault("evidence_retention", 30*24*time.Hour)
	v.SetDefault("correlation_lookback", 7*24*time.Hour)
	v.SetDefault("flag_cooldown", time.Hour)

	// Variables are read without a prefix: JWT_SECRET, MONGO_URI, ...
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.JWTSecret == "" && c.FirebaseProjectID == "" {
		return fmt.Errorf("config: JWT_SECRET or FIREBASE_PROJECT_ID is required")
	}
	if c.DeviceHashKey == "" {
		return fmt.Errorf("config: DEVICE_HASH_KEY is required")
	}
	if c.Trust.LivenessPassThreshold <= 0 || c.Trust.LivenessPassThreshold > 1 {
		return fmt.Errorf("config: LIVENESS_PASS_THRESHOLD must be in (0, 1]")
	}
	if c.Trust.AttemptCeiling < 1 {
		return fmt.Errorf("config: ATTEMPT_CEILING must be at least 1")
	}
	if c.Trust.AttemptWindow <= 0 || c.Trust.ReviewSLA <= 0 || c.Trust.EvidenceRetention <= 0 {
		return fmt.Errorf("config: windows and retention must be positive")
	}
	return nil
}

func (c *Config) SweepInterval() time.Duration {
	if c.SweepIntervalMinutes <= 0 {
		return 15 * time.Minute
	}
	return time.Duration(c.SweepIntervalMinutes) * time.Minute
}

// AdminList returns the configured admin principal ids.
func (c *Config) AdminList() []string {
	var out []string
	for _, id := range strings.Split(c.AdminIDs, ",") {
		if id = strings.TrimSpace(id); id != "" {
			out = append(out, id)
		}
	}
	return out
}
