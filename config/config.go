// Package config loads process configuration from defaults, an optional YAML
// file, a .env file and ACCIDENT_* environment variables, in increasing order
// of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/finlegal/accident-engine/accident"
)

// EnvPrefix is prepended to every environment key: server.addr is read from
// ACCIDENT_SERVER_ADDR.
const EnvPrefix = "ACCIDENT"

type Config struct {
	Server       ServerConfig
	Storage      StorageConfig
	Log          LogConfig
	Series       SeriesConfig
	Minimums     MinimumsConfig
	Coefficients CoefficientsConfig
}

type ServerConfig struct {
	Addr        string   `mapstructure:"addr"`
	CORSOrigins []string `mapstructure:"cors_origins"`
}

type StorageConfig struct {
	Driver      string `mapstructure:"driver"` // sqlite or postgres
	SQLitePath  string `mapstructure:"sqlite_path"`
	PostgresDSN string `mapstructure:"postgres_dsn"`
	Slot        string `mapstructure:"slot"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// SeriesConfig names the stored series each method reads.
type SeriesConfig struct {
	Simple        string   `mapstructure:"simple"`
	Weighted      string   `mapstructure:"weighted"`
	ActiveRate    string   `mapstructure:"active_rate"`
	WageIndex     string   `mapstructure:"wage_index"`
	Fallbacks     []string `mapstructure:"fallbacks"`      // lagged variants of the wage index
	ToleranceDays int      `mapstructure:"tolerance_days"` // see generic.FallbackProvider
	CacheSize     int      `mapstructure:"cache_size"`

	// RefreshInterval is how often serve checks the reference tables for
	// imports made by other processes. Zero disables the check.
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
}

// MinimumsConfig names the stored minimum schedule of each regime, and the
// bracket floors and lump-sum tables both regimes share.
type MinimumsConfig struct {
	Pre27348  string `mapstructure:"pre_27348"`
	Post27348 string `mapstructure:"post_27348"`

	// An empty bracket name keeps the regime table for that bracket.
	Brackets BracketNames `mapstructure:"brackets"`
	LumpSums BracketNames `mapstructure:"lump_sums"`
}

// BracketNames names one stored schedule per incapacity bracket.
type BracketNames struct {
	Partial string `mapstructure:"partial"`
	Major   string `mapstructure:"major"`
	Total   string `mapstructure:"total"`
	Death   string `mapstructure:"death"`
}

// ByBracket returns the configured names keyed by bracket.
func (b BracketNames) ByBracket() map[accident.Bracket]string {
	out := make(map[accident.Bracket]string, 4)
	for bracket, name := range map[accident.Bracket]string{
		accident.BracketPartial: b.Partial,
		accident.BracketMajor:   b.Major,
		accident.BracketTotal:   b.Total,
		accident.BracketDeath:   b.Death,
	} {
		if name = strings.TrimSpace(name); name != "" {
			out[bracket] = name
		}
	}
	return out
}

// CoefficientsConfig holds decimals as strings so no precision is lost in
// YAML or env parsing.
type CoefficientsConfig struct {
	Multiplier        string `mapstructure:"multiplier"`
	ReferenceAge      string `mapstructure:"reference_age"`
	DeathFactor       string `mapstructure:"death_factor"`
	CommuteSupplement string `mapstructure:"commute_supplement"`
}

// SetDefaults registers every key so that env overrides work without a file.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.cors_origins", []string{"*"})

	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.sqlite_path", "./data/accident.db")
	v.SetDefault("storage.postgres_dsn", "")
	v.SetDefault("storage.slot", accident.DefaultSlot)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("series.simple", "ripte")
	v.SetDefault("series.weighted", "ripte")
	v.SetDefault("series.active_rate", "tasa_activa")
	v.SetDefault("series.wage_index", "ripte")
	v.SetDefault("series.fallbacks", []string{"ripte_t1", "ripte_t2"})
	v.SetDefault("series.tolerance_days", 31)
	v.SetDefault("series.cache_size", 256)
	v.SetDefault("series.refresh_interval", "1m")

	v.SetDefault("minimums.pre_27348", "pre_27348")
	v.SetDefault("minimums.post_27348", "post_27348")
	for _, group := range []string{"brackets", "lump_sums"} {
		for _, b := range []string{"partial", "major", "total", "death"} {
			v.SetDefault("minimums."+group+"."+b, "")
		}
	}

	d := accident.DefaultCoefficients()
	v.SetDefault("coefficients.multiplier", d.Multiplier.String())
	v.SetDefault("coefficients.reference_age", d.ReferenceAge.String())
	v.SetDefault("coefficients.death_factor", d.DeathFactor.String())
	v.SetDefault("coefficients.commute_supplement", d.CommuteSupplement.String())
}

// Load reads configuration into v. cfgFile may be empty, in which case
// ./config.yaml is used when present. A missing .env is not an error.
func Load(v *viper.Viper, cfgFile string) (*Config, error) {
	_ = godotenv.Load()

	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || cfgFile != "" {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "sqlite":
		if c.Storage.SQLitePath == "" {
			return fmt.Errorf("storage.sqlite_path is required for the sqlite driver")
		}
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			return fmt.Errorf("storage.postgres_dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown storage.driver %q (use sqlite or postgres)", c.Storage.Driver)
	}
	if c.Series.ToleranceDays < 0 {
		return fmt.Errorf("series.tolerance_days must not be negative")
	}
	if c.Series.RefreshInterval < 0 {
		return fmt.Errorf("series.refresh_interval must not be negative")
	}
	if c.Minimums.LumpSums.Partial != "" {
		return fmt.Errorf("minimums.lump_sums.partial must be empty: partial incapacity has no lump sum")
	}
	if _, err := c.Coefficients.Parse(); err != nil {
		return err
	}
	return nil
}

// Parse converts the configured strings to accident.Coefficients.
func (c CoefficientsConfig) Parse() (accident.Coefficients, error) {
	out := accident.DefaultCoefficients()
	fields := []struct {
		name string
		raw  string
		dst  *decimal.Decimal
	}{
		{"coefficients.multiplier", c.Multiplier, &out.Multiplier},
		{"coefficients.reference_age", c.ReferenceAge, &out.ReferenceAge},
		{"coefficients.death_factor", c.DeathFactor, &out.DeathFactor},
		{"coefficients.commute_supplement", c.CommuteSupplement, &out.CommuteSupplement},
	}
	for _, f := range fields {
		if strings.TrimSpace(f.raw) == "" {
			continue
		}
		d, err := decimal.NewFromString(strings.TrimSpace(f.raw))
		if err != nil {
			return accident.Coefficients{}, fmt.Errorf("%s: %w", f.name, err)
		}
		*f.dst = d
	}
	if err := out.Validate(); err != nil {
		return accident.Coefficients{}, err
	}
	return out, nil
}
