package profile

import (
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Profile is configuration to start the switchboard server.
type Profile struct {
	Mode    string
	Addr    string
	Port    int
	Data    string
	Version string

	// Telegram transport
	TelegramToken         string
	TelegramWebhookURL    string // empty means long polling
	TelegramWebhookSecret string
	TelegramDebug         bool

	// LLM configuration (OpenAI-compatible protocol)
	OpenAIAPIKey      string
	OpenAIBaseURL     string
	OpenAIModel       string
	OpenAIMaxTokens   int
	OpenAITemperature float64

	// Chat engine tuning
	ChatCacheAliveMinutes int
	BatchInterval         time.Duration
	BatchMaxCount         int
	MessengerMaxTextLen   int
	MessengerMaxPhotoLen  int

	// Access control and modes
	AdminUserID string
	AccessDir   string
	ModesDir    string
	DefaultMode string
	BotName     string
}

func (p *Profile) IsDev() bool {
	return p.Mode != "prod"
}

// WebhookEnabled reports whether updates arrive over the webhook instead
// of long polling.
func (p *Profile) WebhookEnabled() bool {
	return p.TelegramWebhookURL != ""
}

// StateTTL is the chat-state lifetime in the expiring store.
func (p *Profile) StateTTL() time.Duration {
	return time.Duration(p.ChatCacheAliveMinutes) * time.Minute
}

// getEnvOrDefault returns environment variable value or default value.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvOrDefaultInt returns environment variable value as int or default value.
func getEnvOrDefaultInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvOrDefaultDuration returns environment variable value as duration or
// default value. Accepts Go duration syntax ("250ms", "2m").
func getEnvOrDefaultDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		slog.Warn("unparseable duration, using default", "key", key, "value", value, "default", defaultValue)
	}
	return defaultValue
}

// FromEnv loads configuration from environment variables.
func (p *Profile) FromEnv() {
	p.TelegramToken = getEnvOrDefault("SWITCHBOARD_TELEGRAM_TOKEN", "")
	p.TelegramWebhookURL = getEnvOrDefault("SWITCHBOARD_TELEGRAM_WEBHOOK_URL", "")
	p.TelegramWebhookSecret = getEnvOrDefault("SWITCHBOARD_TELEGRAM_WEBHOOK_SECRET", "")
	p.TelegramDebug = getEnvOrDefault("SWITCHBOARD_TELEGRAM_DEBUG", "false") == "true"

	p.OpenAIAPIKey = getEnvOrDefault("SWITCHBOARD_OPENAI_API_KEY", "")
	p.OpenAIBaseURL = getEnvOrDefault("SWITCHBOARD_OPENAI_BASE_URL", "")
	p.OpenAIModel = getEnvOrDefault("SWITCHBOARD_OPENAI_MODEL", "gpt-4o-mini")
	p.OpenAIMaxTokens = getEnvOrDefaultInt("SWITCHBOARD_OPENAI_MAX_TOKENS", 2048)
	if v := getEnvOrDefault("SWITCHBOARD_OPENAI_TEMPERATURE", ""); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			p.OpenAITemperature = f
		}
	}

	p.ChatCacheAliveMinutes = getEnvOrDefaultInt("SWITCHBOARD_CHAT_CACHE_ALIVE_MINUTES", 60)
	p.BatchInterval = getEnvOrDefaultDuration("SWITCHBOARD_BATCH_INTERVAL", 250*time.Millisecond)
	p.BatchMaxCount = getEnvOrDefaultInt("SWITCHBOARD_BATCH_MAX_COUNT", 100)
	p.MessengerMaxTextLen = getEnvOrDefaultInt("SWITCHBOARD_MESSENGER_MAX_TEXT_LEN", 4000)
	p.MessengerMaxPhotoLen = getEnvOrDefaultInt("SWITCHBOARD_MESSENGER_MAX_PHOTO_LEN", 1024)

	p.AdminUserID = getEnvOrDefault("SWITCHBOARD_ADMIN_USER_ID", "")
	p.AccessDir = getEnvOrDefault("SWITCHBOARD_ACCESS_DIR", "")
	p.ModesDir = getEnvOrDefault("SWITCHBOARD_MODES_DIR", "")
	p.DefaultMode = getEnvOrDefault("SWITCHBOARD_DEFAULT_MODE", "default")
	p.BotName = getEnvOrDefault("SWITCHBOARD_BOT_NAME", "switchboard")
}

func checkDataDir(dataDir string) (string, error) {
	// Convert to absolute path if relative path is supplied.
	if !filepath.IsAbs(dataDir) {
		relativeDir := filepath.Join(filepath.Dir(os.Args[0]), dataDir)
		absDir, err := filepath.Abs(relativeDir)
		if err != nil {
			return "", err
		}
		dataDir = absDir
	}

	// Trim trailing \ or / in case user supplies
	dataDir = strings.TrimRight(dataDir, "\\/")
	if _, err := os.Stat(dataDir); err != nil {
		return "", errors.Wrapf(err, "unable to access data folder %s", dataDir)
	}
	return dataDir, nil
}

func (p *Profile) Validate() error {
	if p.Mode != "demo" && p.Mode != "dev" && p.Mode != "prod" {
		p.Mode = "demo"
	}

	if p.Mode == "prod" && p.Data == "" {
		if runtime.GOOS == "windows" {
			p.Data = filepath.Join(os.Getenv("ProgramData"), "switchboard")
			if _, err := os.Stat(p.Data); os.IsNotExist(err) {
				if err := os.MkdirAll(p.Data, 0770); err != nil {
					slog.Error("failed to create data directory", slog.String("data", p.Data), slog.String("error", err.Error()))
					return err
				}
			}
		} else {
			p.Data = "/var/opt/switchboard"
		}
	}

	dataDir, err := checkDataDir(p.Data)
	if err != nil {
		slog.Error("failed to check data dir", slog.String("data", dataDir), slog.String("error", err.Error()))
		return err
	}
	p.Data = dataDir

	if p.AccessDir == "" {
		p.AccessDir = filepath.Join(dataDir, "access")
	}
	if p.ModesDir == "" {
		p.ModesDir = filepath.Join(dataDir, "modes")
	}

	if p.TelegramToken == "" {
		return errors.New("SWITCHBOARD_TELEGRAM_TOKEN is required")
	}
	if p.OpenAIAPIKey == "" {
		return errors.New("SWITCHBOARD_OPENAI_API_KEY is required")
	}
	if p.BatchInterval <= 0 {
		p.BatchInterval = 250 * time.Millisecond
	}
	if p.BatchMaxCount <= 0 {
		p.BatchMaxCount = 100
	}
	if p.ChatCacheAliveMinutes <= 0 {
		p.ChatCacheAliveMinutes = 60
	}
	return nil
}
