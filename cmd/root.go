package cmd

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	app       = "auto-applier"
	envPrefix = "AUTO_APPLIER"

	minSubmissionDelay = 100 * time.Millisecond
)

type Config struct {
	DatabaseURL     string          `mapstructure:"database-url"`
	DatabaseURLFile string          `mapstructure:"database-url-file"`
	Database        *DatabaseConfig `mapstructure:"database"`
	ExcludeFile     string          `mapstructure:"exclude-file"`
	Run             *RunConfig      `mapstructure:"run"`
	Safety          *SafetyConfig   `mapstructure:"safety"`
	Server          *ServerConfig   `mapstructure:"server"`
	AI              *AIConfig       `mapstructure:"ai"`
}

type DatabaseConfig struct {
	MaxOpenConns    int           `mapstructure:"max-open-conns"`
	MaxIdleConns    int           `mapstructure:"max-idle-conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn-max-lifetime"`
}

type RunConfig struct {
	CandidateBatchSize int           `mapstructure:"candidate-batch-size"`
	JobBatchSize       int           `mapstructure:"job-batch-size"`
	SubmissionDelay    time.Duration `mapstructure:"submission-delay"`
	Deadline           time.Duration `mapstructure:"deadline"`
	Workers            int           `mapstructure:"workers"`
	Timezone           string        `mapstructure:"timezone"`
	StaleAfter         time.Duration `mapstructure:"stale-after"`
}

type SafetyConfig struct {
	MinMatchThreshold     int     `mapstructure:"min-match-threshold"`
	MaxApplicationsPerDay int     `mapstructure:"max-applications-per-day"`
	SimilarityFloor       float64 `mapstructure:"similarity-floor"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown-timeout"`
}

type AIConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Provider string        `mapstructure:"provider"`
	Gemini   *GeminiConfig `mapstructure:"gemini"`
}

type GeminiConfig struct {
	APIKey       string `mapstructure:"api-key"`
	APIKeyFile   string `mapstructure:"api-key-file"`
	Model        string `mapstructure:"model"`
	MaxRetries   int    `mapstructure:"max-retries"`
	MaxLogLength int    `mapstructure:"max-log-length"`
}

var (
	// Used for flags.
	cfgFile string

	rootCmd = &cobra.Command{
		Use:   app,
		Short: "auto-applier matches candidates to open jobs by embedding similarity and applies on their behalf",
	}
)

// Execute executes the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// A missing .env file is fine, the environment may already be populated.
	_ = godotenv.Load()

	setDefaults(viper.GetViper())

	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	if err := viper.BindEnv("database-url", "DATABASE_URL", envPrefix+"_DATABASE_URL"); err != nil {
		log.Fatalf("binding DATABASE_URL environment variable: %v", err)
	}
	if err := viper.BindEnv("ai.gemini.api-key", "GEMINI_API_KEY", envPrefix+"_AI_GEMINI_API_KEY"); err != nil {
		log.Fatalf("binding GEMINI_API_KEY environment variable: %v", err)
	}

	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "a config file (default is auto-applier.yaml in current directory)")
	rootCmd.PersistentFlags().BoolP("debug", "d", false, "verbose/debug output")
	rootCmd.PersistentFlags().BoolP("json", "j", false, "json format for logging")

	viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
	viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("run.candidate-batch-size", 50)
	v.SetDefault("run.job-batch-size", 100)
	v.SetDefault("run.submission-delay", minSubmissionDelay)
	v.SetDefault("run.deadline", 10*time.Minute)
	v.SetDefault("run.workers", 1)
	v.SetDefault("run.timezone", "Local")
	v.SetDefault("run.stale-after", time.Hour)

	v.SetDefault("safety.min-match-threshold", 70)
	v.SetDefault("safety.max-applications-per-day", 5)
	v.SetDefault("safety.similarity-floor", 0.7)

	v.SetDefault("database.max-open-conns", 10)
	v.SetDefault("database.max-idle-conns", 5)
	v.SetDefault("database.conn-max-lifetime", 30*time.Minute)

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.shutdown-timeout", 10*time.Second)

	v.SetDefault("ai.provider", "gemini")
	v.SetDefault("ai.gemini.max-retries", 3)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigName(app)
		viper.SetConfigType("yaml")
	}

	// The config file is optional, everything can come from the environment.
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			log.Fatal(err)
		}
	}
}

func getConfig() (*Config, error) {
	var config *Config
	if err := viper.Unmarshal(&config); err != nil {
		return config, err
	}

	if config == nil {
		return nil, fmt.Errorf("config is empty")
	}

	return config, config.Validate()
}

// Validate rejects configuration that would make a run unsafe. It runs before the ledger is touched.
func (c *Config) Validate() error {
	if c.Run == nil || c.Safety == nil {
		return fmt.Errorf("run and safety sections are required")
	}

	if c.Run.CandidateBatchSize <= 0 || c.Run.JobBatchSize <= 0 {
		return fmt.Errorf("batch sizes must be positive")
	}
	if c.Run.SubmissionDelay < minSubmissionDelay {
		return fmt.Errorf("run.submission-delay must be at least %s", minSubmissionDelay)
	}
	if c.Run.Workers <= 0 {
		return fmt.Errorf("run.workers must be positive")
	}
	if _, err := time.LoadLocation(c.Run.Timezone); err != nil {
		return fmt.Errorf("run.timezone: %w", err)
	}

	if c.Safety.MinMatchThreshold < 0 || c.Safety.MinMatchThreshold > 100 {
		return fmt.Errorf("safety.min-match-threshold must be within 0..100")
	}
	if c.Safety.MaxApplicationsPerDay < 0 {
		return fmt.Errorf("safety.max-applications-per-day must not be negative")
	}
	if c.Safety.SimilarityFloor < -1 || c.Safety.SimilarityFloor > 1 {
		return fmt.Errorf("safety.similarity-floor must be within -1..1")
	}

	if c.AI != nil && c.AI.Enabled {
		provider := strings.ToLower(strings.TrimSpace(c.AI.Provider))
		if provider != "" && provider != "gemini" {
			return fmt.Errorf("unsupported ai provider: %s", c.AI.Provider)
		}
	}

	return nil
}
