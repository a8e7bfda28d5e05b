// Package config provides environment-variable-first configuration loading
// with optional YAML file fallback for the mail service.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// defaultMaxMessageSize is 25 MB in bytes.
const defaultMaxMessageSize = 26214400

// defaultAttachmentMaxBytes is 5 MB in bytes.
const defaultAttachmentMaxBytes = 5 * 1024 * 1024

// Config holds the complete application configuration.
type Config struct {
	HTTP     HTTPConfig     `yaml:"http"`
	SMTP     SMTPConfig     `yaml:"smtp"`
	TLS      TLSConfig      `yaml:"tls"`
	Storage  StorageConfig  `yaml:"storage"`
	Mail     MailConfig     `yaml:"mail"`
	Admin    AdminConfig    `yaml:"admin"`
	Forward  ForwardConfig  `yaml:"forward"`
	Telegram TelegramConfig `yaml:"telegram"`
	Whois    WhoisConfig    `yaml:"whois"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// HTTPConfig holds the HTTP API listener configuration.
type HTTPConfig struct {
	Listen             string   `yaml:"listen"`
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
}

// SMTPConfig holds inbound SMTP server configuration.
type SMTPConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Listen         string `yaml:"listen"`
	Hostname       string `yaml:"hostname"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	MaxMessageSize int64  `yaml:"max_message_size"`
	MaxConnections int64  `yaml:"max_connections"`
}

// TLSConfig holds TLS certificate file paths.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// StorageConfig selects and configures the key/value backend.
type StorageConfig struct {
	Backend       string        `yaml:"backend"`
	KeyPrefix     string        `yaml:"key_prefix"`
	BoltPath      string        `yaml:"bolt_path"`
	MongoURI      string        `yaml:"mongodb_uri"`
	MongoDB       string        `yaml:"mongodb_db"`
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// MailConfig holds mailbox defaults.
type MailConfig struct {
	RetentionSeconds   int      `yaml:"retention_seconds"`
	AttachmentMaxBytes int64    `yaml:"attachment_max_bytes"`
	DefaultDomains     []string `yaml:"default_domains"`
	DefaultEmail       string   `yaml:"default_email"`
}

// AdminConfig holds admin panel and homepage lock secrets.
type AdminConfig struct {
	Password         string `yaml:"password"`
	HomepagePassword string `yaml:"homepage_password"`
	CronSecret       string `yaml:"cron_secret"`
	AppName          string `yaml:"app_name"`
	CookieSecure     bool   `yaml:"cookie_secure"`
}

// ForwardConfig selects the outbound provider used to forward mail.
type ForwardConfig struct {
	Provider     string      `yaml:"provider"`
	FromEmail    string      `yaml:"from_email"`
	ResendAPIKey string      `yaml:"resend_api_key"`
	SES          SESConfig   `yaml:"ses"`
	Graph        GraphConfig `yaml:"graph"`
}

// SESConfig holds AWS SES credentials. Empty keys fall back to the
// default AWS credential chain.
type SESConfig struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// GraphConfig holds Microsoft Graph API configuration.
type GraphConfig struct {
	TenantID     string `yaml:"tenant_id"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
}

// TelegramConfig holds the Telegram Bot API base URL.
type TelegramConfig struct {
	APIURL string `yaml:"api_url"`
}

// WhoisConfig holds the domain lookup endpoint.
type WhoisConfig struct {
	LookupURL string `yaml:"lookup_url"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// LoadDotEnv loads KEY=VALUE pairs from the given files (".env" when none
// are given) into the process environment. Variables already set win.
// Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %w", p, err)
		}
	}
	return nil
}

// Load loads configuration from environment variables with sensible defaults.
// Environment variables always take precedence.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnvVars()
	return cfg, cfg.Validate()
}

// LoadFromFile loads configuration from a YAML file as the base layer,
// then overrides with environment variables. Returns an error if the
// specified file path does not exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Environment variables always override YAML values
	cfg.applyEnvVars()

	return cfg, cfg.Validate()
}

// Validate reports configuration combinations that cannot work.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "memory", "bolt", "redis":
	case "mongo":
		if c.Storage.MongoURI == "" {
			return errors.New("storage backend mongo requires MONGODB_URI")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}

	switch c.Forward.Provider {
	case "", "stdout":
	case "ses", "graph", "resend":
		if c.Forward.FromEmail == "" {
			return fmt.Errorf("forward provider %s requires FORWARD_FROM_EMAIL", c.Forward.Provider)
		}
		if c.Forward.Provider == "graph" && !c.GraphConfigured() {
			return errors.New("forward provider graph requires GRAPH_TENANT_ID, GRAPH_CLIENT_ID and GRAPH_CLIENT_SECRET")
		}
		if c.Forward.Provider == "resend" && c.Forward.ResendAPIKey == "" {
			return errors.New("forward provider resend requires RESEND_API_KEY")
		}
	default:
		return fmt.Errorf("unknown forward provider %q", c.Forward.Provider)
	}
	return nil
}

// GraphConfigured returns true if all three Graph API credentials are set.
func (c *Config) GraphConfigured() bool {
	return c.Forward.Graph.TenantID != "" &&
		c.Forward.Graph.ClientID != "" &&
		c.Forward.Graph.ClientSecret != ""
}

// AuthEnabled returns true if both SMTP username and password are set.
func (c *Config) AuthEnabled() bool {
	return c.SMTP.Username != "" && c.SMTP.Password != ""
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.HTTP.Listen = ":3000"
	c.SMTP.Listen = ":2525"
	c.SMTP.Hostname = "localhost"
	c.SMTP.MaxMessageSize = defaultMaxMessageSize
	c.SMTP.MaxConnections = 100
	c.Storage.Backend = "memory"
	c.Storage.BoltPath = "vaultmail.db"
	c.Storage.MongoDB = "vaultmail"
	c.Storage.RedisAddr = "localhost:6379"
	c.Storage.SweepInterval = 10 * time.Minute
	c.Mail.RetentionSeconds = 86400
	c.Mail.AttachmentMaxBytes = defaultAttachmentMaxBytes
	c.Mail.DefaultDomains = []string{"ysweb.biz.id"}
	c.Admin.AppName = "YS Mail"
	c.Telegram.APIURL = "https://api.telegram.org"
	c.Whois.LookupURL = "https://whois-search.vercel.app/api/lookup"
	c.Logging.Level = "info"
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values.
func (c *Config) applyEnvVars() {
	if v := os.Getenv("HTTP_LISTEN"); v != "" {
		c.HTTP.Listen = v
	}
	if v := os.Getenv("CORS_ALLOWED_ORIGINS"); v != "" {
		c.HTTP.CORSAllowedOrigins = splitList(v)
	}

	if v := os.Getenv("SMTP_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.SMTP.Enabled = b
		}
	}
	if v := os.Getenv("SMTP_LISTEN"); v != "" {
		c.SMTP.Listen = v
	}
	if v := os.Getenv("SMTP_HOSTNAME"); v != "" {
		c.SMTP.Hostname = v
	}
	if v := os.Getenv("SMTP_USERNAME"); v != "" {
		c.SMTP.Username = v
	}
	if v := os.Getenv("SMTP_PASSWORD"); v != "" {
		c.SMTP.Password = v
	}
	if v := os.Getenv("SMTP_MAX_MESSAGE_SIZE"); v != "" {
		if size, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.SMTP.MaxMessageSize = size
		}
	}
	if v := os.Getenv("SMTP_MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			c.SMTP.MaxConnections = n
		}
	}

	if v := os.Getenv("TLS_CERT_FILE"); v != "" {
		c.TLS.CertFile = v
	}
	if v := os.Getenv("TLS_KEY_FILE"); v != "" {
		c.TLS.KeyFile = v
	}

	if v := os.Getenv("STORAGE_BACKEND"); v != "" {
		c.Storage.Backend = strings.ToLower(v)
	}
	for _, name := range []string{"STORAGE_KEY_PREFIX", "REDIS_KEY_PREFIX", "APP_NAMESPACE"} {
		if v := os.Getenv(name); v != "" {
			c.Storage.KeyPrefix = v
			break
		}
	}
	c.Storage.KeyPrefix = strings.TrimRight(strings.TrimSpace(c.Storage.KeyPrefix), ":")
	if v := os.Getenv("BOLT_PATH"); v != "" {
		c.Storage.BoltPath = v
	}
	if v := os.Getenv("MONGODB_URI"); v != "" {
		c.Storage.MongoURI = v
	}
	if v := os.Getenv("MONGODB_DB"); v != "" {
		c.Storage.MongoDB = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Storage.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Storage.RedisPassword = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			c.Storage.RedisDB = db
		}
	}
	if v := os.Getenv("STORAGE_SWEEP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Storage.SweepInterval = d
		}
	}

	if v := os.Getenv("RETENTION_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Mail.RetentionSeconds = n
		}
	}
	if v := os.Getenv("ATTACHMENT_MAX_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			c.Mail.AttachmentMaxBytes = n
		}
	}
	if v := os.Getenv("DEFAULT_DOMAINS"); v != "" {
		if domains := splitList(strings.ToLower(v)); len(domains) > 0 {
			c.Mail.DefaultDomains = domains
		}
	}
	if v := os.Getenv("DEFAULT_EMAIL"); v != "" {
		c.Mail.DefaultEmail = v
	}

	if v := os.Getenv("ADMIN_PASSWORD"); v != "" {
		c.Admin.Password = v
	}
	if v := os.Getenv("HOMEPAGE_PASSWORD"); v != "" {
		c.Admin.HomepagePassword = v
	}
	if v := os.Getenv("CRON_SECRET"); v != "" {
		c.Admin.CronSecret = v
	}
	if v := os.Getenv("APP_NAME"); v != "" {
		c.Admin.AppName = v
	}
	if v := os.Getenv("COOKIE_SECURE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Admin.CookieSecure = b
		}
	}

	if v := os.Getenv("FORWARD_PROVIDER"); v != "" {
		c.Forward.Provider = strings.ToLower(v)
	}
	if v := os.Getenv("FORWARD_FROM_EMAIL"); v != "" {
		c.Forward.FromEmail = v
	}
	if v := os.Getenv("RESEND_API_KEY"); v != "" {
		c.Forward.ResendAPIKey = v
	}
	if v := os.Getenv("SES_REGION"); v != "" {
		c.Forward.SES.Region = v
	}
	if v := os.Getenv("SES_ACCESS_KEY_ID"); v != "" {
		c.Forward.SES.AccessKeyID = v
	}
	if v := os.Getenv("SES_SECRET_ACCESS_KEY"); v != "" {
		c.Forward.SES.SecretAccessKey = v
	}
	if v := os.Getenv("GRAPH_TENANT_ID"); v != "" {
		c.Forward.Graph.TenantID = v
	}
	if v := os.Getenv("GRAPH_CLIENT_ID"); v != "" {
		c.Forward.Graph.ClientID = v
	}
	if v := os.Getenv("GRAPH_CLIENT_SECRET"); v != "" {
		c.Forward.Graph.ClientSecret = v
	}

	if v := os.Getenv("TELEGRAM_API_URL"); v != "" {
		c.Telegram.APIURL = strings.TrimRight(v, "/")
	}
	if v := os.Getenv("WHOIS_LOOKUP_URL"); v != "" {
		c.Whois.LookupURL = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
