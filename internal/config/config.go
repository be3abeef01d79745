// Package config provides configuration management for VoicePal
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Speech       SpeechConfig       `mapstructure:"speech"`
	Wake         WakeConfig         `mapstructure:"wake"`
	VAD          VADConfig          `mapstructure:"vad"`
	TTS          TTSConfig          `mapstructure:"tts"`
	Responder    ResponderConfig    `mapstructure:"responder"`
	Conversation ConversationConfig `mapstructure:"conversation"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// SpeechConfig configures the streaming transcriber
type SpeechConfig struct {
	Key                   string        `mapstructure:"key"`
	Region                string        `mapstructure:"region"`
	Locale                string        `mapstructure:"locale"`
	SampleRate            int           `mapstructure:"sample_rate"`
	InitialSilenceTimeout time.Duration `mapstructure:"initial_silence_timeout"`
	EndSilenceTimeout     time.Duration `mapstructure:"end_silence_timeout"`
	LowConfidenceCutoff   float64       `mapstructure:"low_confidence_cutoff"`
	PhraseListFile        string        `mapstructure:"phrase_list_file"` // hot-reloaded
}

// WakeConfig configures wake detection
type WakeConfig struct {
	Phrases         []string      `mapstructure:"phrases"`
	KeywordModel    string        `mapstructure:"keyword_model"` // empty selects the transcription fallback
	CompletionQuiet time.Duration `mapstructure:"completion_quiet"`
	MaxWords        int           `mapstructure:"max_words"`
}

// VADConfig configures voice activity detection
type VADConfig struct {
	FrameDuration     time.Duration `mapstructure:"frame_duration"`
	PositiveThreshold float64       `mapstructure:"positive_threshold"`
	NegativeThreshold float64       `mapstructure:"negative_threshold"`
	MinSpeechDuration time.Duration `mapstructure:"min_speech_duration"`
	DebounceCooldown  time.Duration `mapstructure:"debounce_cooldown"`
}

// TTSConfig configures speech synthesis
type TTSConfig struct {
	Key     string        `mapstructure:"key"`
	Region  string        `mapstructure:"region"`
	Voice   string        `mapstructure:"voice"`
	Rate    float64       `mapstructure:"rate"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// ResponderConfig configures the answer generator
type ResponderConfig struct {
	APIKey    string `mapstructure:"api_key"`
	Model     string `mapstructure:"model"`
	BaseURL   string `mapstructure:"base_url"`
	MaxTokens int    `mapstructure:"max_tokens"`
}

// ConversationConfig configures the turn loop
type ConversationConfig struct {
	EndPhrases        []string      `mapstructure:"end_phrases"`
	InactivityTimeout time.Duration `mapstructure:"inactivity_timeout"`
	TurnPause         time.Duration `mapstructure:"turn_pause"`
	HistoryWindow     int           `mapstructure:"history_window"`
	FadeDuration      time.Duration `mapstructure:"fade_duration"`
}

// LoggingConfig configures log output
type LoggingConfig struct {
	Dir     string `mapstructure:"dir"`
	Level   string `mapstructure:"level"`
	Console bool   `mapstructure:"console"`
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() *Config {
	return &Config{
		Speech: SpeechConfig{
			Locale:                "en-US",
			SampleRate:            16000,
			InitialSilenceTimeout: 4 * time.Second,
			EndSilenceTimeout:     800 * time.Millisecond,
			LowConfidenceCutoff:   0.9,
		},
		Wake: WakeConfig{
			Phrases:         []string{"hey pal", "heypal", "hey paul", "hey pow", "a pal"},
			CompletionQuiet: 800 * time.Millisecond,
			MaxWords:        40,
		},
		VAD: VADConfig{
			FrameDuration:     30 * time.Millisecond,
			PositiveThreshold: 0.85,
			NegativeThreshold: 0.35,
			MinSpeechDuration: 300 * time.Millisecond,
			DebounceCooldown:  500 * time.Millisecond,
		},
		TTS: TTSConfig{
			Voice:   "en-US-JennyNeural",
			Rate:    1.0,
			Timeout: 10 * time.Second,
		},
		Responder: ResponderConfig{
			Model:     "gpt-4o-mini",
			MaxTokens: 256,
		},
		Conversation: ConversationConfig{
			EndPhrases:        []string{"bye", "goodbye", "stop", "end", "that's all", "thats all"},
			InactivityTimeout: 5 * time.Minute,
			TurnPause:         300 * time.Millisecond,
			HistoryWindow:     5,
			FadeDuration:      300 * time.Millisecond,
		},
		Logging: LoggingConfig{
			Level:   "info",
			Console: true,
		},
	}
}

// Load reads configuration from file and environment
func Load() (*Config, error) {
	cfg := DefaultConfig()

	configDir, err := GetConfigDir()
	if err != nil {
		return cfg, err
	}
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return cfg, err
	}

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(configDir)
	viper.AddConfigPath(".")

	// Environment variable overrides
	viper.SetEnvPrefix("VOICEPAL")
	viper.AutomaticEnv()

	// Read config file if it exists
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return cfg, err
		}
		// Config file not found, use defaults and create one
		if err := Save(cfg); err != nil {
			return cfg, err
		}
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// Save writes the configuration to file
func Save(cfg *Config) error {
	configDir, err := GetConfigDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return err
	}

	viper.Set("speech", cfg.Speech)
	viper.Set("wake", cfg.Wake)
	viper.Set("vad", cfg.VAD)
	viper.Set("tts", cfg.TTS)
	viper.Set("responder", cfg.Responder)
	viper.Set("conversation", cfg.Conversation)
	viper.Set("logging", cfg.Logging)

	return viper.WriteConfigAs(filepath.Join(configDir, "config.yaml"))
}

// GetConfigDir returns the configuration directory path
func GetConfigDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".voicepal"), nil
}
