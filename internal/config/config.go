package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store        StoreConfig        `yaml:"store" mapstructure:"store"`
	Portal       PortalConfig       `yaml:"portal" mapstructure:"portal"`
	Download     DownloadConfig     `yaml:"download" mapstructure:"download"`
	Taxonomy     TaxonomyConfig     `yaml:"taxonomy" mapstructure:"taxonomy"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator" mapstructure:"orchestrator"`
	LLM          LLMConfig          `yaml:"llm" mapstructure:"llm"`
	Server       ServerConfig       `yaml:"server" mapstructure:"server"`
	Log          LogConfig          `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// PortalConfig configures the disclosure portal client.
type PortalConfig struct {
	SearchURL       string `yaml:"search_url" mapstructure:"search_url"`
	InstanceURL     string `yaml:"instance_url" mapstructure:"instance_url"`
	UserAgent       string `yaml:"user_agent" mapstructure:"user_agent"`
	MinIntervalMS   int    `yaml:"min_interval_ms" mapstructure:"min_interval_ms"`
	TimeoutSecs     int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	BreakerFailures int    `yaml:"breaker_failures" mapstructure:"breaker_failures"`
}

// MinInterval returns the minimum gap between portal requests.
func (c PortalConfig) MinInterval() time.Duration {
	return time.Duration(c.MinIntervalMS) * time.Millisecond
}

// DownloadConfig configures artifact downloads.
type DownloadConfig struct {
	Dir         string `yaml:"dir" mapstructure:"dir"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxAttempts int    `yaml:"max_attempts" mapstructure:"max_attempts"`
}

// TaxonomyConfig configures taxonomy and concept-mapping loading.
type TaxonomyConfig struct {
	Dir            string `yaml:"dir" mapstructure:"dir"`
	MappingDir     string `yaml:"mapping_dir" mapstructure:"mapping_dir"`
	DefaultVersion string `yaml:"default_version" mapstructure:"default_version"`
}

// OrchestratorConfig configures the batch worker pool and step timeouts.
type OrchestratorConfig struct {
	Workers             int `yaml:"workers" mapstructure:"workers"`
	MaxBatch            int `yaml:"max_batch" mapstructure:"max_batch"`
	DownloadTimeoutSecs int `yaml:"download_timeout_secs" mapstructure:"download_timeout_secs"`
	ParseTimeoutSecs    int `yaml:"parse_timeout_secs" mapstructure:"parse_timeout_secs"`
	PersistTimeoutSecs  int `yaml:"persist_timeout_secs" mapstructure:"persist_timeout_secs"`
}

// LLMConfig configures the optional LLM extractor of last resort.
type LLMConfig struct {
	Enabled   bool   `yaml:"enabled" mapstructure:"enabled"`
	Key       string `yaml:"key" mapstructure:"key"`
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// ServerConfig configures the HTTP shell.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")

	// Environment
	v.SetEnvPrefix("FUNDREPORTS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("portal.search_url", "https://www.eid.csrc.gov.cn/eid/fund/fundList")
	v.SetDefault("portal.instance_url", "https://www.eid.csrc.gov.cn/eid/fund/instance_html_view.do")
	v.SetDefault("portal.user_agent", "Mozilla/5.0 (X11; Linux x86_64) fundreports/1.0")
	v.SetDefault("portal.min_interval_ms", 500)
	v.SetDefault("portal.timeout_secs", 30)
	v.SetDefault("portal.breaker_failures", 5)
	v.SetDefault("download.dir", "./downloads")
	v.SetDefault("download.timeout_secs", 120)
	v.SetDefault("download.max_attempts", 3)
	v.SetDefault("taxonomy.dir", "./taxonomies")
	v.SetDefault("taxonomy.mapping_dir", "./configs/taxonomy")
	v.SetDefault("taxonomy.default_version", "default")
	v.SetDefault("orchestrator.workers", 10)
	v.SetDefault("orchestrator.max_batch", 500)
	v.SetDefault("orchestrator.download_timeout_secs", 120)
	v.SetDefault("orchestrator.parse_timeout_secs", 60)
	v.SetDefault("orchestrator.persist_timeout_secs", 30)
	v.SetDefault("llm.enabled", false)
	v.SetDefault("llm.model", "claude-haiku-4-5-20251001")
	v.SetDefault("llm.max_tokens", 4096)
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
