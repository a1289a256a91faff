package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the consensus orchestration engine
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Server    ServerConfig    `mapstructure:"server"`
	Agents    AgentsConfig    `mapstructure:"agents"`
	Stages    StagesConfig    `mapstructure:"stages"`
	Consensus ConsensusConfig `mapstructure:"consensus"`
	Gateway   GatewayConfig   `mapstructure:"gateway"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Progress  ProgressConfig  `mapstructure:"progress"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug             bool          `mapstructure:"debug"`
	LogLevel          string        `mapstructure:"log_level"`
	MaxProcessingTime time.Duration `mapstructure:"max_processing_time"`
}

// ServerConfig contains HTTP server and auth settings
type ServerConfig struct {
	Address   string `mapstructure:"address"`
	JWTSecret string `mapstructure:"jwt_secret"`
}

// AgentsConfig contains the global worker pool bound and per-role settings.
type AgentsConfig struct {
	MaxConcurrentAgents int                   `mapstructure:"max_concurrent_agents"`
	Roles               map[string]RoleConfig `mapstructure:"roles"`
	Endpoints           map[string]string     `mapstructure:"endpoints"`
}

// RoleConfig captures per-role execution policy. Reliability is the static
// weighting coefficient applied to the role's findings during consensus.
type RoleConfig struct {
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay  time.Duration `mapstructure:"retry_max_delay"`
	Reliability    float64       `mapstructure:"reliability"`
}

// Role returns the configuration for a role, falling back to defaults for
// anything that is unset.
func (a AgentsConfig) Role(role string) RoleConfig {
	rc := a.Roles[role]
	if rc.Timeout <= 0 {
		rc.Timeout = 60 * time.Second
	}
	if rc.MaxRetries < 0 {
		rc.MaxRetries = 0
	}
	if rc.RetryBaseDelay <= 0 {
		rc.RetryBaseDelay = 500 * time.Millisecond
	}
	if rc.RetryMaxDelay <= 0 {
		rc.RetryMaxDelay = 10 * time.Second
	}
	if rc.Reliability <= 0 {
		rc.Reliability = defaultReliability[role]
	}
	if rc.Reliability <= 0 {
		rc.Reliability = 0.5
	}
	return rc
}

var defaultReliability = map[string]float64{
	"validation":    1.0,
	"geographic":    0.9,
	"visual":        0.85,
	"cultural":      0.8,
	"environmental": 0.75,
	"research":      0.7,
}

// StagesConfig contains stage advancement policy.
type StagesConfig struct {
	Timeout        time.Duration `mapstructure:"timeout"`
	QuorumFraction float64       `mapstructure:"quorum_fraction"`
}

func (s StagesConfig) Validate() error {
	if s.QuorumFraction < 0 || s.QuorumFraction >= 1 {
		return fmt.Errorf("stages.quorum_fraction must be in [0,1)")
	}
	return nil
}

// ConsensusConfig contains clustering and confidence calibration settings.
type ConsensusConfig struct {
	ClusterRadiusMeters   float64 `mapstructure:"cluster_radius_meters"`
	DivergenceMeters      float64 `mapstructure:"divergence_meters"`
	UnverifiedDiscount    float64 `mapstructure:"unverified_discount"`
	DegradedStagePenalty  float64 `mapstructure:"degraded_stage_penalty"`
	MinViableWeightShare  float64 `mapstructure:"min_viable_weight_share"`
	AgreementBonus        float64 `mapstructure:"agreement_bonus"`
	TopKAlternatives      int     `mapstructure:"top_k_alternatives"`
	WeightShareFactor     float64 `mapstructure:"weight_share_factor"`
	CleanStageFactor      float64 `mapstructure:"clean_stage_factor"`
}

func (c ConsensusConfig) Validate() error {
	if c.ClusterRadiusMeters <= 0 {
		return fmt.Errorf("consensus.cluster_radius_meters must be > 0")
	}
	if c.UnverifiedDiscount <= 0 || c.UnverifiedDiscount > 1 {
		return fmt.Errorf("consensus.unverified_discount must be in (0,1]")
	}
	if c.TopKAlternatives < 0 {
		return fmt.Errorf("consensus.top_k_alternatives cannot be negative")
	}
	return nil
}

// GatewayConfig contains the external data gateway policy, keyed by source.
type GatewayConfig struct {
	Sources  map[string]SourcePolicy `mapstructure:"sources"`
	Defaults SourcePolicy            `mapstructure:"defaults"`
}

// SourcePolicy is the rate-limit, retry, and circuit-breaker policy applied
// to calls against a single external source.
type SourcePolicy struct {
	Endpoint         string        `mapstructure:"endpoint"`
	RatePerSecond    float64       `mapstructure:"rate_per_second"`
	Burst            int           `mapstructure:"burst"`
	MaxRetries       int           `mapstructure:"max_retries"`
	RetryBaseDelay   time.Duration `mapstructure:"retry_base_delay"`
	BreakerThreshold int           `mapstructure:"breaker_threshold"`
	BreakerWindow    time.Duration `mapstructure:"breaker_window"`
	BreakerCooldown  time.Duration `mapstructure:"breaker_cooldown"`
}

// Source returns the policy for a source, falling back to defaults.
func (g GatewayConfig) Source(name string) SourcePolicy {
	sp, ok := g.Sources[name]
	if !ok {
		sp = g.Defaults
	}
	if sp.RatePerSecond <= 0 {
		sp.RatePerSecond = 5
	}
	if sp.Burst <= 0 {
		sp.Burst = 1
	}
	if sp.MaxRetries < 0 {
		sp.MaxRetries = 0
	}
	if sp.RetryBaseDelay <= 0 {
		sp.RetryBaseDelay = 200 * time.Millisecond
	}
	if sp.BreakerThreshold <= 0 {
		sp.BreakerThreshold = 5
	}
	if sp.BreakerWindow <= 0 {
		sp.BreakerWindow = time.Minute
	}
	if sp.BreakerCooldown <= 0 {
		sp.BreakerCooldown = 30 * time.Second
	}
	return sp
}

// StorageConfig contains storage and persistence settings
type StorageConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// PostgresConfig contains Postgres connection settings
type PostgresConfig struct {
	URL      string        `mapstructure:"url"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	DBName   string        `mapstructure:"dbname"`
	SSLMode  string        `mapstructure:"sslmode"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (p PostgresConfig) Validate() error {
	if strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("storage.postgres.host required when url is not provided")
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when url is not provided")
	}
	return nil
}

// DSN assembles a connection string from the individual fields unless a full
// URL is configured.
func (p PostgresConfig) DSN() string {
	if strings.TrimSpace(p.URL) != "" {
		return p.URL
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl)
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%s", r.Host, r.Port)
}

// TelemetryConfig contains telemetry and monitoring settings
type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	MetricsPort  int    `mapstructure:"metrics_port"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

func (t TelemetryConfig) Validate() error {
	if t.Enabled && t.MetricsPort <= 0 {
		return fmt.Errorf("telemetry.metrics_port must be > 0 when telemetry is enabled")
	}
	return nil
}

// ProgressConfig controls progress-event fanout.
type ProgressConfig struct {
	Stream       string `mapstructure:"stream"`
	BufferSize   int    `mapstructure:"buffer_size"`
	PublishRedis bool   `mapstructure:"publish_redis"`
}

func setDefaults() {
	viper.SetDefault("general.log_level", "info")
	viper.SetDefault("general.max_processing_time", "10m")
	viper.SetDefault("server.address", ":10020")
	viper.SetDefault("agents.max_concurrent_agents", 8)
	viper.SetDefault("stages.timeout", "2m")
	viper.SetDefault("stages.quorum_fraction", 0.5)
	viper.SetDefault("consensus.cluster_radius_meters", 500.0)
	viper.SetDefault("consensus.divergence_meters", 500000.0)
	viper.SetDefault("consensus.unverified_discount", 0.6)
	viper.SetDefault("consensus.degraded_stage_penalty", 0.1)
	viper.SetDefault("consensus.min_viable_weight_share", 0.2)
	viper.SetDefault("consensus.agreement_bonus", 0.25)
	viper.SetDefault("consensus.top_k_alternatives", 5)
	viper.SetDefault("consensus.weight_share_factor", 0.7)
	viper.SetDefault("consensus.clean_stage_factor", 0.3)
	viper.SetDefault("progress.stream", "progress.events")
	viper.SetDefault("progress.buffer_size", 64)
}

// LoadConfig loads config from file
func LoadConfig(path string) *Config {
	viper.SetConfigName("config")
	viper.SetConfigType("json")
	setDefaults()

	if path == "" {
		viper.AddConfigPath("./config")
		viper.AddConfigPath(".")
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		viper.AddConfigPath(exeDir)
		viper.AddConfigPath(filepath.Join(exeDir, ".."))
		viper.AddConfigPath(filepath.Join(exeDir, "..", "config"))
	} else {
		viper.SetConfigFile(path)
	}

	viper.SetEnvPrefix("GEOLOCATOR")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		// config file is optional; env + defaults are enough to boot
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			panic(fmt.Errorf("fatal error config file: %w", err))
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}

	if err := config.Stages.Validate(); err != nil {
		panic(err)
	}
	if err := config.Consensus.Validate(); err != nil {
		panic(err)
	}
	if err := config.Telemetry.Validate(); err != nil {
		panic(err)
	}

	return &config
}
