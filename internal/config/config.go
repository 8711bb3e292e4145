package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Channels a deployment can deliver notifications through.
const (
	ChannelTelegram = "telegram"
	ChannelWhatsApp = "whatsapp"
)

// Config stores runtime configuration loaded from environment variables.
type Config struct {
	Port        string
	LogLevel    string
	DatabaseURL string
	SQLitePath  string

	Channel              string
	TelegramBotToken     string
	TwilioAccountSID     string
	TwilioAuthToken      string
	TwilioWhatsAppNumber string

	OpenAIAPIKey      string
	TranslateLanguage string
	OpenFDAURL        string
	PremiumURL        string

	FreeCourseLimit int
	DeliveryWorkers int
	ReconcileSpec   string
	LocalTimezone   *time.Location
}

// Load reads configuration values and prepares defaults where applicable.
func Load() *Config {
	_ = godotenv.Load()

	timezoneName := getenvDefault("LOCAL_TIMEZONE", "Local")
	location, err := time.LoadLocation(timezoneName)
	if err != nil {
		log.Printf("config: invalid LOCAL_TIMEZONE %q, defaulting to system local: %v", timezoneName, err)
		location = time.Local
	}

	channel := strings.ToLower(getenvDefault("CHANNEL", ChannelTelegram))
	if channel != ChannelTelegram && channel != ChannelWhatsApp {
		log.Printf("config: unknown CHANNEL %q, defaulting to %s", channel, ChannelTelegram)
		channel = ChannelTelegram
	}

	workers := ParseIntEnv("DELIVERY_WORKERS", 4)
	if workers < 1 {
		workers = 1
	}

	return &Config{
		Port:                 getenvDefault("PORT", "8080"),
		LogLevel:             getenvDefault("LOG_LEVEL", "info"),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		SQLitePath:           getenvDefault("SQLITE_PATH", "reminders.db"),
		Channel:              channel,
		TelegramBotToken:     os.Getenv("TELEGRAM_BOT_TOKEN"),
		TwilioAccountSID:     os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:      os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioWhatsAppNumber: os.Getenv("TWILIO_WHATSAPP_NUMBER"),
		OpenAIAPIKey:         os.Getenv("OPENAI_API_KEY"),
		TranslateLanguage:    getenvDefault("TRANSLATE_LANGUAGE", "Spanish"),
		OpenFDAURL:           getenvDefault("OPENFDA_URL", "https://api.fda.gov/drug/label.json"),
		PremiumURL:           getenvDefault("PREMIUM_URL", "http://localhost:8080/premium"),
		FreeCourseLimit:      ParseIntEnv("FREE_COURSE_LIMIT", 3),
		DeliveryWorkers:      workers,
		ReconcileSpec:        getenvDefault("RECONCILE_SPEC", "@every 15m"),
		LocalTimezone:        location,
	}
}

func getenvDefault(key, def string) string {
	value := os.Getenv(key)
	if value == "" {
		return def
	}
	return value
}

// ParseIntEnv returns the integer value for an environment variable or the provided default.
func ParseIntEnv(key string, def int) int {
	value := os.Getenv(key)
	if value == "" {
		return def
	}

	parsed, err := strconv.Atoi(value)
	if err != nil {
		log.Printf("config: unable to parse %s=%q as int: %v", key, value, err)
		return def
	}
	return parsed
}
