package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Log        LogConfig        `mapstructure:"log"`
	Telegram   TelegramConfig   `mapstructure:"telegram"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Media      MediaConfig      `mapstructure:"media"`
	LLM        LLMConfig        `mapstructure:"llm"`
	Gemini     GeminiConfig     `mapstructure:"gemini"`
	OpenAI     OpenAIConfig     `mapstructure:"openai"`
	Classifier ClassifierConfig `mapstructure:"classifier"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Chat       ChatConfig       `mapstructure:"chat"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

type TelegramConfig struct {
	Token string `mapstructure:"token"`
	// EditInterval throttles how often a streaming reply is edited.
	EditInterval time.Duration `mapstructure:"edit_interval"`
}

type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	// Driver is one of memory, sqlite, postgres or firestore.
	Driver   string `mapstructure:"driver"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`

	SQLitePath       string `mapstructure:"sqlite_path"`
	FirestoreProject string `mapstructure:"firestore_project"`
}

type MediaConfig struct {
	// Driver is fs or s3.
	Driver     string        `mapstructure:"driver"`
	Root       string        `mapstructure:"root"`
	PresignTTL time.Duration `mapstructure:"presign_ttl"`
	S3         S3Config      `mapstructure:"s3"`
}

type S3Config struct {
	Bucket    string `mapstructure:"bucket"`
	Prefix    string `mapstructure:"prefix"`
	Region    string `mapstructure:"region"`
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	PathStyle bool   `mapstructure:"path_style"`
}

type LLMConfig struct {
	// Backend is gemini, openai or mock.
	Backend string `mapstructure:"backend"`
	// Models overrides profile models, keyed "<surface>/<mode>".
	Models map[string]string `mapstructure:"models"`
}

type GeminiConfig struct {
	APIKey     string `mapstructure:"api_key"`
	Vertex     bool   `mapstructure:"vertex"`
	Project    string `mapstructure:"project"`
	Location   string `mapstructure:"location"`
	ImageModel string `mapstructure:"image_model"`
	EditModel  string `mapstructure:"edit_model"`
	TTSModel   string `mapstructure:"tts_model"`
	Voice      string `mapstructure:"voice"`
}

type OpenAIConfig struct {
	APIKey      string  `mapstructure:"api_key"`
	BaseURL     string  `mapstructure:"base_url"`
	Model       string  `mapstructure:"model"`
	MaxTokens   int     `mapstructure:"max_tokens"`
	Temperature float64 `mapstructure:"temperature"`
	ImageModel  string  `mapstructure:"image_model"`
	TTSModel    string  `mapstructure:"tts_model"`
	Voice       string  `mapstructure:"voice"`
}

type ClassifierConfig struct {
	// Kind is rules or gpt.
	Kind string `mapstructure:"kind"`
}

type AuthConfig struct {
	AccessCode     string        `mapstructure:"access_code"`
	JWTSecret      string        `mapstructure:"jwt_secret"`
	TokenTTL       time.Duration `mapstructure:"token_ttl"`
	LoginPerMinute float64       `mapstructure:"login_per_minute"`
	LoginBurst     int           `mapstructure:"login_burst"`
}

type ChatConfig struct {
	PaidSurfaces []string `mapstructure:"paid_surfaces"`
	MaxFiles     int      `mapstructure:"max_files"`
	MaxFileSize  int64    `mapstructure:"max_file_size"`
}

func parseDatabaseURL(dbURL string) (DatabaseConfig, error) {
	u, err := url.Parse(dbURL)
	if err != nil {
		return DatabaseConfig{}, err
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return DatabaseConfig{}, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	password, _ := u.User.Password()
	port := 5432
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return DatabaseConfig{}, fmt.Errorf("invalid port %q", p)
		}
	}
	sslMode := u.Query().Get("sslmode")
	if sslMode == "" {
		sslMode = "disable"
	}

	return DatabaseConfig{
		Driver:   "postgres",
		Host:     u.Hostname(),
		Port:     port,
		User:     u.User.Username(),
		Password: password,
		DBName:   strings.TrimPrefix(u.Path, "/"),
		SSLMode:  sslMode,
	}, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)

	v.SetDefault("telegram.token", "")
	v.SetDefault("telegram.edit_interval", time.Second)

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.read_timeout", 30*time.Second)
	v.SetDefault("http.shutdown_timeout", 10*time.Second)

	v.SetDefault("database.driver", "memory")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.dbname", "slyntos")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.sqlite_path", "slyntos.db")

	v.SetDefault("media.driver", "fs")
	v.SetDefault("media.root", "data/media")
	v.SetDefault("media.presign_ttl", 15*time.Minute)
	v.SetDefault("media.s3.region", "us-east-1")

	v.SetDefault("llm.backend", "gemini")
	v.SetDefault("gemini.api_key", "")
	v.SetDefault("gemini.location", "us-central1")

	v.SetDefault("openai.api_key", "")
	v.SetDefault("openai.model", "gpt-4o-mini")
	v.SetDefault("openai.max_tokens", 300)
	v.SetDefault("openai.temperature", 0.2)

	v.SetDefault("classifier.kind", "rules")

	v.SetDefault("auth.access_code", "")
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.token_ttl", 24*time.Hour)
	v.SetDefault("auth.login_per_minute", 10.0)
	v.SetDefault("auth.login_burst", 5)

	v.SetDefault("chat.paid_surfaces", []string{"academic", "website-creator"})
	v.SetDefault("chat.max_files", 5)
	v.SetDefault("chat.max_file_size", 10<<20)
}

// LoadConfig reads path (optional) on top of defaults and the environment.
// Nested keys map to env vars with "_" separators, e.g. LOG_LEVEL.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("reading config %s: %w", path, err)
			}
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	if dbURL := v.GetString("DATABASE_URL"); dbURL != "" {
		dbConfig, err := parseDatabaseURL(dbURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse DATABASE_URL: %w", err)
		}
		config.Database = dbConfig
		config.Database.SQLitePath = v.GetString("database.sqlite_path")
	}

	if token := v.GetString("TELEGRAM_TOKEN"); token != "" {
		config.Telegram.Token = token
	}
	if apiKey := v.GetString("OPENAI_API_KEY"); apiKey != "" {
		config.OpenAI.APIKey = apiKey
	}
	if apiKey := v.GetString("GEMINI_API_KEY"); apiKey != "" {
		config.Gemini.APIKey = apiKey
	}
	if code := v.GetString("SLYNTOS_ACCESS_CODE"); code != "" {
		config.Auth.AccessCode = code
	}
	if secret := v.GetString("JWT_SECRET"); secret != "" {
		config.Auth.JWTSecret = secret
	}

	return &config, nil
}
