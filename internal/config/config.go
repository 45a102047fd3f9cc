package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	// MLLP listener for inbound HL7v2 order feeds. Empty disables the listener.
	MLLPAddr string `mapstructure:"MLLP_ADDR"`

	AuthIssuer   string `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL  string `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience string `mapstructure:"AUTH_AUDIENCE"`

	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`

	// Accession number assignment.
	AutoGenerateAccession bool   `mapstructure:"RADIOLOGY_AUTO_GENERATE_ACCESSION"`
	FacilityCode          string `mapstructure:"RADIOLOGY_FACILITY_CODE"`
	AccessionPattern      string `mapstructure:"RADIOLOGY_ACCESSION_PATTERN"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("MLLP_ADDR", ":2575")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RADIOLOGY_AUTO_GENERATE_ACCESSION", true)
	v.SetDefault("RADIOLOGY_FACILITY_CODE", "RAD")
	v.SetDefault("RADIOLOGY_ACCESSION_PATTERN", "{facility_code}-{YYYYMMDD}-{seq:06d}")

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("MLLP_ADDR")
	v.BindEnv("AUTH_ISSUER")
	v.BindEnv("AUTH_JWKS_URL")
	v.BindEnv("AUTH_AUDIENCE")
	v.BindEnv("CORS_ORIGINS")
	v.BindEnv("RADIOLOGY_AUTO_GENERATE_ACCESSION")
	v.BindEnv("RADIOLOGY_FACILITY_CODE")
	v.BindEnv("RADIOLOGY_ACCESSION_PATTERN")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	// Without a sequence placeholder generated numbers are not unique.
	if cfg.AutoGenerateAccession && !strings.Contains(cfg.AccessionPattern, "{seq:") {
		return nil, fmt.Errorf("RADIOLOGY_ACCESSION_PATTERN must contain a {seq:0Nd} placeholder")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}
