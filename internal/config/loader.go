package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rpattn/adwarehouse/internal/db"
	"github.com/rpattn/adwarehouse/internal/logging"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is the full process configuration.
type Config struct {
	Database db.Config
	Loader   LoaderConfig
	Log      logging.Config
	HTTP     HTTPConfig
	Schedule ScheduleConfig

	// Source is the config file that was read, empty when only defaults and
	// the environment were used.
	Source string
}

// LoaderConfig tunes batch loading.
type LoaderConfig struct {
	MaxErrorPercentage float64
	SpendTolerance     float64
	TxTimeout          time.Duration
	Workers            int
	AveragePolicy      string
	LockRetries        int
}

// HTTPConfig configures the API listener.
type HTTPConfig struct {
	Addr        string
	CORSOrigins []string
}

// ScheduleConfig configures the pending batch scheduler.
type ScheduleConfig struct {
	Spec string
}

// flagKeys maps command line flags onto configuration keys.
var flagKeys = map[string]string{
	"tx-timeout":     "loader.tx_timeout",
	"workers":        "loader.workers",
	"average-policy": "loader.average_policy",
	"log-level":      "log.level",
	"addr":           "http.addr",
	"schedule":       "schedule.spec",
}

func setDefaults(v *viper.Viper) {
	dbDefaults := db.DefaultConfig()
	v.SetDefault("database.host", dbDefaults.Host)
	v.SetDefault("database.port", dbDefaults.Port)
	v.SetDefault("database.user", dbDefaults.User)
	v.SetDefault("database.password", dbDefaults.Password)
	v.SetDefault("database.dbname", dbDefaults.DBName)
	v.SetDefault("database.sslmode", dbDefaults.SSLMode)
	v.SetDefault("database.max_conns", dbDefaults.MaxConns)
	v.SetDefault("database.min_conns", dbDefaults.MinConns)

	v.SetDefault("loader.max_error_percentage", 5.0)
	v.SetDefault("loader.spend_tolerance", 0.01)
	v.SetDefault("loader.tx_timeout", 10*time.Minute)
	v.SetDefault("loader.workers", 4)
	v.SetDefault("loader.average_policy", "mean")
	v.SetDefault("loader.lock_retries", 5)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "json")

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.cors_origins", []string{"*"})

	v.SetDefault("schedule.spec", "@every 5m")
}

// Load reads configuration from defaults, an optional config.yaml in
// configPath, a .env file, DB_ prefixed environment variables and finally
// any of the given flags that were set.
func Load(configPath string, flags *pflag.FlagSet) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.SetEnvPrefix("DB") // DB_DATABASE_HOST, DB_LOADER_WORKERS
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for flag, key := range flagKeys {
			if f := flags.Lookup(flag); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return Config{}, fmt.Errorf("failed to bind flag %s: %w", flag, err)
				}
			}
		}
	}

	cfg := Config{}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
	} else {
		cfg.Source = v.ConfigFileUsed()
	}

	cfg.Database = db.Config{
		Host:     v.GetString("database.host"),
		Port:     v.GetInt("database.port"),
		User:     v.GetString("database.user"),
		Password: v.GetString("database.password"),
		DBName:   v.GetString("database.dbname"),
		SSLMode:  v.GetString("database.sslmode"),
		MaxConns: v.GetInt32("database.max_conns"),
		MinConns: v.GetInt32("database.min_conns"),
	}
	cfg.Loader = LoaderConfig{
		MaxErrorPercentage: v.GetFloat64("loader.max_error_percentage"),
		SpendTolerance:     v.GetFloat64("loader.spend_tolerance"),
		TxTimeout:          v.GetDuration("loader.tx_timeout"),
		Workers:            v.GetInt("loader.workers"),
		AveragePolicy:      v.GetString("loader.average_policy"),
		LockRetries:        v.GetInt("loader.lock_retries"),
	}
	cfg.Log = logging.Config{
		Level:    v.GetString("log.level"),
		Encoding: v.GetString("log.encoding"),
	}
	cfg.HTTP = HTTPConfig{
		Addr:        v.GetString("http.addr"),
		CORSOrigins: v.GetStringSlice("http.cors_origins"),
	}
	cfg.Schedule = ScheduleConfig{Spec: v.GetString("schedule.spec")}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Loader.MaxErrorPercentage < 0 || c.Loader.MaxErrorPercentage > 100 {
		return fmt.Errorf("loader.max_error_percentage must be within [0, 100], got %v", c.Loader.MaxErrorPercentage)
	}
	if c.Loader.SpendTolerance < 0 {
		return fmt.Errorf("loader.spend_tolerance must not be negative")
	}
	if c.Loader.TxTimeout <= 0 {
		return fmt.Errorf("loader.tx_timeout must be positive")
	}
	switch c.Loader.AveragePolicy {
	case "mean", "impression_weighted":
	default:
		return fmt.Errorf("loader.average_policy must be mean or impression_weighted, got %q", c.Loader.AveragePolicy)
	}
	return nil
}
