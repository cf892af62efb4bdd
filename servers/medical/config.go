package medical

import (
	"fmt"
	"log/slog"

	"github.com/joeshaw/envdecode"
)

// Config holds the environment configuration of the medical server.
type Config struct {
	// ModelID names the model the generator talks to. ENV: MODEL_ID
	ModelID string `env:"MODEL_ID,default=ibm/granite-13b-instruct-v2"`
	// DecodingMethod is passed to the generator. ENV: MEDBOT_DECODING_METHOD
	DecodingMethod string `env:"MEDBOT_DECODING_METHOD,default=greedy"`
	// MaxNewTokens is passed to the generator. ENV: MEDBOT_MAX_NEW_TOKENS
	MaxNewTokens int `env:"MEDBOT_MAX_NEW_TOKENS,default=200"`
	// LogLevel is the minimum level of the server logs. ENV: MEDBOT_LOG_LEVEL
	LogLevel slog.Level `env:"MEDBOT_LOG_LEVEL,default=INFO"`
}

// LoadConfig reads Config from the environment, falling back to the defaults above.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := envdecode.StrictDecode(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode environment: %w", err)
	}
	if cfg.MaxNewTokens <= 0 {
		return Config{}, fmt.Errorf("MEDBOT_MAX_NEW_TOKENS must be positive, got %d", cfg.MaxNewTokens)
	}
	return cfg, nil
}

// GenerateOptions returns the generator parameters configured by c.
func (c Config) GenerateOptions() GenerateOptions {
	return GenerateOptions{
		DecodingMethod: c.DecodingMethod,
		MaxNewTokens:   c.MaxNewTokens,
	}
}
