package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config is the process environment configuration. The pipeline-level
// JSON configuration (identity rules, preprocessors) is loaded separately
// by LoadPipeline.
type Config struct {
	Env          string `mapstructure:"ENV"`
	HTTPPort     string `mapstructure:"HTTP_PORT"`
	MLLPPort     string `mapstructure:"MLLP_PORT"`
	FHIRBaseURL  string `mapstructure:"FHIR_BASE_URL"`
	PipelinePath string `mapstructure:"HL7V2_TO_FHIR_CONFIG"`

	PollIntervalSeconds int `mapstructure:"POLL_INTERVAL_SECONDS"`

	// SMART Backend Services client credentials for the FHIR store.
	// Auth is disabled when FHIR_TOKEN_URL is empty.
	FHIRTokenURL   string `mapstructure:"FHIR_TOKEN_URL"`
	FHIRClientID   string `mapstructure:"FHIR_CLIENT_ID"`
	FHIRPrivateKey string `mapstructure:"FHIR_PRIVATE_KEY"`
	FHIRScopes     string `mapstructure:"FHIR_SCOPES"`

	// MSH-3 through MSH-6 of generated BAR messages.
	FHIRApp    string `mapstructure:"FHIR_APP"`
	FHIRFac    string `mapstructure:"FHIR_FAC"`
	BillingApp string `mapstructure:"BILLING_APP"`
	BillingFac string `mapstructure:"BILLING_FAC"`

	BarMaxRetries int `mapstructure:"BAR_MAX_RETRIES"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("ENV", "development")
	v.SetDefault("HTTP_PORT", "8000")
	v.SetDefault("MLLP_PORT", "2575")
	v.SetDefault("HL7V2_TO_FHIR_CONFIG", "./config/hl7v2-to-fhir.json")
	v.SetDefault("POLL_INTERVAL_SECONDS", 60)
	v.SetDefault("FHIR_APP", "FHIR_APP")
	v.SetDefault("FHIR_FAC", "FHIR_FAC")
	v.SetDefault("BILLING_APP", "BILLING_APP")
	v.SetDefault("BILLING_FAC", "BILLING_FAC")
	v.SetDefault("BAR_MAX_RETRIES", 3)

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("ENV")
	v.BindEnv("HTTP_PORT")
	v.BindEnv("MLLP_PORT")
	v.BindEnv("FHIR_BASE_URL")
	v.BindEnv("HL7V2_TO_FHIR_CONFIG")
	v.BindEnv("POLL_INTERVAL_SECONDS")
	v.BindEnv("FHIR_TOKEN_URL")
	v.BindEnv("FHIR_CLIENT_ID")
	v.BindEnv("FHIR_PRIVATE_KEY")
	v.BindEnv("FHIR_SCOPES")
	v.BindEnv("FHIR_APP")
	v.BindEnv("FHIR_FAC")
	v.BindEnv("BILLING_APP")
	v.BindEnv("BILLING_FAC")
	v.BindEnv("BAR_MAX_RETRIES")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.FHIRBaseURL == "" {
		return nil, fmt.Errorf("FHIR_BASE_URL is required")
	}
	if cfg.FHIRTokenURL != "" && (cfg.FHIRClientID == "" || cfg.FHIRPrivateKey == "") {
		return nil, fmt.Errorf("FHIR_CLIENT_ID and FHIR_PRIVATE_KEY are required when FHIR_TOKEN_URL is set")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// PollInterval returns the poller sleep interval.
func (c *Config) PollInterval() time.Duration {
	if c.PollIntervalSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.PollIntervalSeconds) * time.Second
}
