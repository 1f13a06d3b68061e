package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Zoho          ZohoConfig          `mapstructure:"zoho"`
	Profiles      ProfilesConfig      `mapstructure:"profiles"`
	Dossier       DossierConfig       `mapstructure:"dossier"`
	OpenAI        OpenAIConfig        `mapstructure:"openai"`
	PDF           PDFConfig           `mapstructure:"pdf"`
	LetterExpress LetterExpressConfig `mapstructure:"letterexpress"`
	Lark          LarkConfig          `mapstructure:"lark"`
	Workflow      WorkflowConfig      `mapstructure:"workflow"`
	Logger        LoggerConfig        `mapstructure:"logger"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsDir   string        `mapstructure:"migrations_dir"`
}

// ZohoConfig holds Zoho CRM API configuration
type ZohoConfig struct {
	BaseURL      string        `mapstructure:"base_url"`
	AccountsURL  string        `mapstructure:"accounts_url"`
	ClientID     string        `mapstructure:"client_id"`
	ClientSecret string        `mapstructure:"client_secret"`
	RefreshToken string        `mapstructure:"refresh_token"`
	TaskOwnerID  string        `mapstructure:"task_owner_id"`
	TaskSubject  string        `mapstructure:"task_subject"`
	APITimeout   time.Duration `mapstructure:"api_timeout"`
}

// ProfilesConfig holds the profile store API configuration
type ProfilesConfig struct {
	BaseURL    string        `mapstructure:"base_url"`
	APIKey     string        `mapstructure:"api_key"`
	APITimeout time.Duration `mapstructure:"api_timeout"`
}

// DossierConfig holds the dossier service configuration. Research runs
// for minutes, so the timeout is far above the usual HTTP defaults.
type DossierConfig struct {
	BaseURL    string        `mapstructure:"base_url"`
	APIKey     string        `mapstructure:"api_key"`
	APITimeout time.Duration `mapstructure:"api_timeout"`
}

// OpenAIConfig holds letter generation configuration
type OpenAIConfig struct {
	APIKey      string        `mapstructure:"api_key"`
	Model       string        `mapstructure:"model"`
	Temperature float32       `mapstructure:"temperature"`
	MaxTokens   int           `mapstructure:"max_tokens"`
	Timeout     time.Duration `mapstructure:"timeout"`
	SenderName  string        `mapstructure:"sender_name"`
	Language    string        `mapstructure:"language"`
}

// PDFConfig holds the render service configuration
type PDFConfig struct {
	BaseURL    string        `mapstructure:"base_url"`
	TemplateID string        `mapstructure:"template_id"`
	APITimeout time.Duration `mapstructure:"api_timeout"`
}

// LetterExpressConfig holds mail carrier configuration
type LetterExpressConfig struct {
	BaseURL    string        `mapstructure:"base_url"`
	Username   string        `mapstructure:"username"`
	APIKey     string        `mapstructure:"api_key"`
	Color      string        `mapstructure:"color"`
	Duplex     bool          `mapstructure:"duplex"`
	Shipping   string        `mapstructure:"shipping"`
	MaxPages   int           `mapstructure:"max_pages"`
	APITimeout time.Duration `mapstructure:"api_timeout"`
}

// LarkConfig holds the approval channel configuration
type LarkConfig struct {
	AppID             string        `mapstructure:"app_id"`
	AppSecret         string        `mapstructure:"app_secret"`
	VerificationToken string        `mapstructure:"verification_token"`
	ReviewerOpenID    string        `mapstructure:"reviewer_open_id"`
	WebhookPath       string        `mapstructure:"webhook_path"`
	APITimeout        time.Duration `mapstructure:"api_timeout"`
}

// WorkflowConfig holds pipeline limits
type WorkflowConfig struct {
	MaxTasksPerRun int           `mapstructure:"max_tasks_per_run"`
	MaxConcurrent  int           `mapstructure:"max_concurrent"`
	MaxRevisions   int           `mapstructure:"max_revisions"`
	FollowUpDelay  time.Duration `mapstructure:"follow_up_delay"`
	IntakeInterval time.Duration `mapstructure:"intake_interval"`
	RecoveryOnBoot bool          `mapstructure:"recovery_on_boot"`
}

// LoggerConfig holds logger configuration
type LoggerConfig struct {
	Level      string `mapstructure:"level"`
	OutputPath string `mapstructure:"output_path"`
	Format     string `mapstructure:"format"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	bindEnvVars()

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults() {
	// Server defaults
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", 30*time.Second)
	viper.SetDefault("server.write_timeout", 30*time.Second)

	// Database defaults
	viper.SetDefault("database.path", "data/letterflow.db")
	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 5)
	viper.SetDefault("database.conn_max_lifetime", 5*time.Minute)
	viper.SetDefault("database.migrations_dir", "migrations")

	// Zoho defaults
	viper.SetDefault("zoho.base_url", "https://www.zohoapis.eu/crm/v2")
	viper.SetDefault("zoho.accounts_url", "https://accounts.zoho.eu")
	viper.SetDefault("zoho.task_subject", "Connect on LinkedIn")
	viper.SetDefault("zoho.api_timeout", 30*time.Second)

	// Profile store defaults
	viper.SetDefault("profiles.api_timeout", 30*time.Second)

	// Dossier research takes minutes per contact
	viper.SetDefault("dossier.api_timeout", 30*time.Minute)

	// OpenAI defaults
	viper.SetDefault("openai.model", "gpt-4o")
	viper.SetDefault("openai.temperature", 0.7)
	viper.SetDefault("openai.max_tokens", 1500)
	viper.SetDefault("openai.timeout", 120*time.Second)
	viper.SetDefault("openai.language", "de")

	// PDF render defaults
	viper.SetDefault("pdf.api_timeout", 60*time.Second)

	// LetterExpress defaults
	viper.SetDefault("letterexpress.base_url", "https://api.letterxpress.de/v1")
	viper.SetDefault("letterexpress.color", "4")
	viper.SetDefault("letterexpress.duplex", false)
	viper.SetDefault("letterexpress.shipping", "national")
	viper.SetDefault("letterexpress.max_pages", 8)
	viper.SetDefault("letterexpress.api_timeout", 60*time.Second)

	// Lark defaults
	viper.SetDefault("lark.webhook_path", "/webhook/decision")
	viper.SetDefault("lark.api_timeout", 30*time.Second)

	// Workflow defaults
	viper.SetDefault("workflow.max_tasks_per_run", 10)
	viper.SetDefault("workflow.max_concurrent", 3)
	viper.SetDefault("workflow.max_revisions", 0)
	viper.SetDefault("workflow.follow_up_delay", 14*24*time.Hour)
	viper.SetDefault("workflow.intake_interval", 0)
	viper.SetDefault("workflow.recovery_on_boot", true)

	// Logger defaults
	viper.SetDefault("logger.level", "info")
	viper.SetDefault("logger.output_path", "stdout")
	viper.SetDefault("logger.format", "json")
}

// bindEnvVars binds environment variables to configuration
func bindEnvVars() {
	// Sensitive credentials from environment
	viper.BindEnv("zoho.client_id", "ZOHO_CLIENT_ID")
	viper.BindEnv("zoho.client_secret", "ZOHO_CLIENT_SECRET")
	viper.BindEnv("zoho.refresh_token", "ZOHO_REFRESH_TOKEN")
	viper.BindEnv("zoho.task_owner_id", "ZOHO_TASK_OWNER_ID")
	viper.BindEnv("profiles.api_key", "PROFILES_API_KEY")
	viper.BindEnv("dossier.api_key", "DOSSIER_API_KEY")
	viper.BindEnv("openai.api_key", "OPENAI_API_KEY")
	viper.BindEnv("letterexpress.username", "LETTEREXPRESS_USERNAME")
	viper.BindEnv("letterexpress.api_key", "LETTEREXPRESS_API_KEY")
	viper.BindEnv("lark.app_id", "LARK_APP_ID")
	viper.BindEnv("lark.app_secret", "LARK_APP_SECRET")
	viper.BindEnv("lark.verification_token", "LARK_VERIFICATION_TOKEN")
	viper.BindEnv("lark.reviewer_open_id", "LARK_REVIEWER_OPEN_ID")
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Zoho.ClientID == "" {
		return fmt.Errorf("zoho.client_id is required")
	}
	if c.Zoho.ClientSecret == "" {
		return fmt.Errorf("zoho.client_secret is required")
	}
	if c.Zoho.RefreshToken == "" {
		return fmt.Errorf("zoho.refresh_token is required")
	}
	if c.Zoho.TaskOwnerID == "" {
		return fmt.Errorf("zoho.task_owner_id is required")
	}

	if c.Profiles.BaseURL == "" {
		return fmt.Errorf("profiles.base_url is required")
	}
	if c.Dossier.BaseURL == "" {
		return fmt.Errorf("dossier.base_url is required")
	}

	if c.OpenAI.APIKey == "" {
		return fmt.Errorf("openai.api_key is required")
	}

	if c.PDF.BaseURL == "" {
		return fmt.Errorf("pdf.base_url is required")
	}
	if c.PDF.TemplateID == "" {
		return fmt.Errorf("pdf.template_id is required")
	}

	if c.LetterExpress.Username == "" {
		return fmt.Errorf("letterexpress.username is required")
	}
	if c.LetterExpress.APIKey == "" {
		return fmt.Errorf("letterexpress.api_key is required")
	}

	if c.Lark.AppID == "" {
		return fmt.Errorf("lark.app_id is required")
	}
	if c.Lark.AppSecret == "" {
		return fmt.Errorf("lark.app_secret is required")
	}

	if c.Workflow.MaxConcurrent < 1 {
		return fmt.Errorf("workflow.max_concurrent must be at least 1")
	}

	return nil
}
