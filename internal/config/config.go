package config

import (
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// DotEnvPath is the secrets file loaded before the environment is read.
const DotEnvPath = "private/.env"

// Config holds the full application configuration.
type Config struct {
	Anthropic AnthropicConfig `yaml:"anthropic" mapstructure:"anthropic"`
	Retry     RetryConfig     `yaml:"retry" mapstructure:"retry"`
	Extract   ExtractConfig   `yaml:"extract" mapstructure:"extract"`
	OCR       OCRConfig       `yaml:"ocr" mapstructure:"ocr"`
	Retailers RetailersConfig `yaml:"retailers" mapstructure:"retailers"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Batch     BatchConfig     `yaml:"batch" mapstructure:"batch"`
	Pricing   PricingConfig   `yaml:"pricing" mapstructure:"pricing"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int    `yaml:"max_tokens" mapstructure:"max_tokens"`
	BaseURL   string `yaml:"base_url" mapstructure:"base_url"`
}

// RetryConfig controls the completion retry loop.
type RetryConfig struct {
	MaxRetries         int     `yaml:"max_retries" mapstructure:"max_retries"`
	RetryDelaySecs     float64 `yaml:"retry_delay_secs" mapstructure:"retry_delay_secs"`
	InitialTimeoutSecs float64 `yaml:"initial_timeout_secs" mapstructure:"initial_timeout_secs"`
	MaxTimeoutSecs     float64 `yaml:"max_timeout_secs" mapstructure:"max_timeout_secs"`
}

// ExtractConfig configures PDF text extraction.
type ExtractConfig struct {
	TextSource    string   `yaml:"text_source" mapstructure:"text_source"`
	MinTextChars  int      `yaml:"min_text_chars" mapstructure:"min_text_chars"`
	MinImageSide  int      `yaml:"min_image_side" mapstructure:"min_image_side"`
	PdfToTextPath string   `yaml:"pdftotext_path" mapstructure:"pdftotext_path"`
	AlertTerms    []string `yaml:"alert_terms" mapstructure:"alert_terms"`
}

// OCRConfig configures image text recognition.
type OCRConfig struct {
	Provider      string `yaml:"provider" mapstructure:"provider"`
	TesseractPath string `yaml:"tesseract_path" mapstructure:"tesseract_path"`
	Language      string `yaml:"language" mapstructure:"language"`
	PSM           int    `yaml:"psm" mapstructure:"psm"`
	OEM           int    `yaml:"oem" mapstructure:"oem"`
	MistralKey    string `yaml:"mistral_key" mapstructure:"mistral_key"`
	MistralModel  string `yaml:"mistral_model" mapstructure:"mistral_model"`
	MistralURL    string `yaml:"mistral_url" mapstructure:"mistral_url"`
}

// RetailersConfig locates retailer instruction sets.
type RetailersConfig struct {
	InstructionsDir string `yaml:"instructions_dir" mapstructure:"instructions_dir"`
	RegistryFile    string `yaml:"registry_file" mapstructure:"registry_file"`
}

// ServerConfig configures the upload server.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	UploadDir      string   `yaml:"upload_dir" mapstructure:"upload_dir"`
	OutputDir      string   `yaml:"output_dir" mapstructure:"output_dir"`
	MaxUploadMB    int      `yaml:"max_upload_mb" mapstructure:"max_upload_mb"`
	RatePerSec     float64  `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	Burst          int      `yaml:"burst" mapstructure:"burst"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// BatchConfig configures directory processing.
type BatchConfig struct {
	Concurrency int `yaml:"concurrency" mapstructure:"concurrency"`
}

// PricingConfig holds per-provider pricing rates.
type PricingConfig struct {
	Anthropic map[string]ModelPricing `yaml:"anthropic" mapstructure:"anthropic"`
}

// ModelPricing holds per-model token pricing (USD per million tokens).
type ModelPricing struct {
	Input         float64 `yaml:"input" mapstructure:"input"`
	Output        float64 `yaml:"output" mapstructure:"output"`
	CacheWriteMul float64 `yaml:"cache_write_mul" mapstructure:"cache_write_mul"`
	CacheReadMul  float64 `yaml:"cache_read_mul" mapstructure:"cache_read_mul"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	// Secrets file is optional; variables already set in the environment win.
	if err := godotenv.Load(DotEnvPath); err != nil && !os.IsNotExist(err) {
		return nil, eris.Wrap(err, "config: load .env")
	}

	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("TARIFAS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("anthropic.model", "claude-sonnet-4-20250514")
	v.SetDefault("anthropic.max_tokens", 17000)
	v.SetDefault("retry.max_retries", 3)
	v.SetDefault("retry.retry_delay_secs", 2)
	v.SetDefault("retry.initial_timeout_secs", 30)
	v.SetDefault("retry.max_timeout_secs", 600)
	v.SetDefault("extract.text_source", "pdftotext")
	v.SetDefault("extract.min_text_chars", 100)
	v.SetDefault("extract.min_image_side", 100)
	v.SetDefault("extract.pdftotext_path", "pdftotext")
	v.SetDefault("extract.alert_terms", []string{"Ruitoque"})
	v.SetDefault("ocr.provider", "tesseract")
	v.SetDefault("ocr.tesseract_path", "tesseract")
	v.SetDefault("ocr.language", "spa")
	v.SetDefault("ocr.psm", 6)
	v.SetDefault("ocr.oem", 3)
	v.SetDefault("ocr.mistral_model", "mistral-ocr-latest")
	v.SetDefault("ocr.mistral_url", "https://api.mistral.ai/v1/ocr")
	v.SetDefault("retailers.instructions_dir", "instrucciones")
	v.SetDefault("server.port", 5000)
	v.SetDefault("server.upload_dir", "uploads")
	v.SetDefault("server.output_dir", "output")
	v.SetDefault("server.max_upload_mb", 16)
	v.SetDefault("server.rate_per_sec", 2)
	v.SetDefault("server.burst", 5)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("batch.concurrency", 2)
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

	if cfg.Anthropic.Key == "" {
		cfg.Anthropic.Key = os.Getenv("ANTHROPIC_API_KEY")
	}
	if cfg.OCR.MistralKey == "" {
		cfg.OCR.MistralKey = os.Getenv("MISTRAL_API_KEY")
	}

	return &cfg, nil
}

// Validate checks that the settings a command needs are present.
// Mode is one of "process", "convert" or "serve".
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "convert":
	case "process", "serve":
		if c.Anthropic.Key == "" {
			errs = append(errs, "anthropic.key is required")
		}
		if c.Anthropic.MaxTokens <= 0 {
			errs = append(errs, "anthropic.max_tokens must be > 0")
		}
		if c.Retry.MaxRetries < 1 {
			errs = append(errs, "retry.max_retries must be >= 1")
		}
		if c.Retry.RetryDelaySecs <= 0 {
			errs = append(errs, "retry.retry_delay_secs must be > 0")
		}
		if c.Retry.InitialTimeoutSecs <= 0 {
			errs = append(errs, "retry.initial_timeout_secs must be > 0")
		}
		switch c.OCR.Provider {
		case "tesseract", "mistral":
		default:
			errs = append(errs, "ocr.provider must be tesseract or mistral")
		}
		if c.OCR.Provider == "mistral" && c.OCR.MistralKey == "" {
			errs = append(errs, "ocr.mistral_key is required for the mistral provider")
		}
		if c.Batch.Concurrency < 1 || c.Batch.Concurrency > 16 {
			errs = append(errs, "batch.concurrency must be between 1 and 16")
		}
		if mode == "serve" {
			if c.Server.Port <= 0 {
				errs = append(errs, "server.port must be > 0")
			}
			if c.Server.MaxUploadMB <= 0 {
				errs = append(errs, "server.max_upload_mb must be > 0")
			}
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
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
