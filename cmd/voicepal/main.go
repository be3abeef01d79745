// VoicePal - a hands-free voice assistant: wake phrase in, spoken answer out.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/mfairbank/voicepal/internal/audio"
	"github.com/mfairbank/voicepal/internal/bus"
	"github.com/mfairbank/voicepal/internal/config"
	"github.com/mfairbank/voicepal/internal/interrupt"
	"github.com/mfairbank/voicepal/internal/logging"
	"github.com/mfairbank/voicepal/internal/playback"
	"github.com/mfairbank/voicepal/internal/respond"
	"github.com/mfairbank/voicepal/internal/stt"
	"github.com/mfairbank/voicepal/internal/tts"
	"github.com/mfairbank/voicepal/internal/vad"
	"github.com/mfairbank/voicepal/internal/voice"
	"github.com/mfairbank/voicepal/internal/wake"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "voicepal:", err)
		os.Exit(1)
	}
}

func run() error {
	loadEnvFiles()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyEnvOverrides(cfg)

	logger, err := logging.New(&logging.Config{
		LogDir:  cfg.Logging.Dir,
		Level:   logging.LogLevel(cfg.Logging.Level),
		Console: cfg.Logging.Console,
	})
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer logger.Close()
	log := logger.Component("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	events := bus.NewEventBus()

	// Speech recognition.
	sttCfg := stt.DefaultConfig()
	sttCfg.Locale = cfg.Speech.Locale
	sttCfg.SampleRate = cfg.Speech.SampleRate
	sttCfg.InitialSilenceTimeout = cfg.Speech.InitialSilenceTimeout
	sttCfg.EndSilenceTimeout = cfg.Speech.EndSilenceTimeout
	sttCfg.LowConfidenceCutoff = cfg.Speech.LowConfidenceCutoff
	sttCfg.WakePhrases = cfg.Wake.Phrases

	transcriber := stt.NewStreamingTranscriber(sttCfg, logger.Zerolog())
	if err := transcriber.Initialize(cfg.Speech.Key, cfg.Speech.Region, cfg.Speech.Locale); err != nil {
		return fmt.Errorf("init transcriber: %w", err)
	}
	defer transcriber.Destroy()

	if cfg.Speech.PhraseListFile != "" {
		watcher, err := config.WatchPhraseList(cfg.Speech.PhraseListFile, logger.Zerolog(), transcriber.SetPhraseList)
		if err != nil {
			log.Warn().Err(err).Msg("phrase list unavailable, continuing without bias list")
		} else {
			defer watcher.Close()
		}
	}

	// Wake detection. No keyword engine is compiled in yet, so a missing or
	// invalid model always selects the transcription fallback.
	var engine wake.KeywordEngine
	if _, err := wake.LoadKeywordModel(cfg.Wake.KeywordModel); err != nil {
		if !errors.Is(err, wake.ErrModelUnavailable) {
			return fmt.Errorf("keyword model: %w", err)
		}
		log.Info().Msg("no keyword model, using transcription fallback for wake detection")
	}

	matcher := wake.NewMatcher(cfg.Wake.Phrases)
	echo := wake.NewEchoSuppressor()
	detector := wake.NewDetector(engine, transcriber, matcher, echo, &wake.DetectorConfig{
		CompletionQuiet:   cfg.Wake.CompletionQuiet,
		MaxUtteranceWords: cfg.Wake.MaxWords,
		Restart:           wake.DefaultDetectorConfig().Restart,
	}, logger.Zerolog())
	defer detector.Dispose()

	// Playback and interruption.
	device, err := playback.NewExecDevice(logger.Zerolog())
	if err != nil {
		return fmt.Errorf("playback device: %w", err)
	}
	controller := playback.NewController(&playback.Config{
		FadeDuration: cfg.Conversation.FadeDuration,
	}, device, logger.Zerolog())

	manager := interrupt.NewManager(controller, cfg.Conversation.FadeDuration, logger.Zerolog())

	// Synthesis: hosted gateway first, platform speech command as backup.
	synth := tts.NewChain(logger.Zerolog(),
		tts.NewGatewayProvider(&tts.Config{
			Key:     cfg.TTS.Key,
			Region:  cfg.TTS.Region,
			Voice:   cfg.TTS.Voice,
			Rate:    cfg.TTS.Rate,
			Timeout: cfg.TTS.Timeout,
		}, logger.Zerolog()),
		tts.NewLocalProvider(logger.Zerolog()),
	)

	responder := respond.NewChatResponder(&respond.Config{
		APIKey:    cfg.Responder.APIKey,
		Model:     cfg.Responder.Model,
		BaseURL:   cfg.Responder.BaseURL,
		MaxTokens: cfg.Responder.MaxTokens,
	}, logger.Zerolog())

	// Voice activity drives the interrupt state machine.
	classifier := vad.NewEnergyClassifier(nil)
	vadCfg := vad.DefaultConfig()
	vadCfg.FrameDuration = cfg.VAD.FrameDuration
	vadCfg.PositiveThreshold = cfg.VAD.PositiveThreshold
	vadCfg.NegativeThreshold = cfg.VAD.NegativeThreshold
	vadCfg.MinSpeechDuration = cfg.VAD.MinSpeechDuration
	vadCfg.DebounceCooldown = cfg.VAD.DebounceCooldown

	activity := vad.New(vadCfg, classifier, vad.Callbacks{
		OnSpeechStart: manager.SpeechDetected,
		OnSpeechEnd: func(audioData []byte, duration time.Duration) {
			events.Publish(bus.Event{Type: bus.EventTypeSpeechEnd, Data: map[string]any{
				"duration_ms": duration.Milliseconds(),
			}})
		},
		OnMisfire: func() {
			events.Publish(bus.Event{Type: bus.EventTypeMisfire, Data: nil})
		},
	}, logger.Zerolog())
	defer activity.Destroy()
	activity.Start()

	// Microphone frames feed both the VAD and the transcriber.
	capture := audio.NewCapture(&audio.CaptureConfig{
		SampleRate:    cfg.Speech.SampleRate,
		Channels:      1,
		FrameDuration: cfg.VAD.FrameDuration,
	}, logger.Zerolog())
	capture.SetOnFrame(func(frame []byte) {
		activity.Process(frame)
		if err := transcriber.SendAudio(frame); err != nil && !errors.Is(err, stt.ErrNotStreaming) {
			log.Warn().Err(err).Msg("audio send failed")
		}
	})
	if err := capture.Start(ctx); err != nil {
		return fmt.Errorf("start capture: %w", err)
	}
	defer capture.Stop()

	// Session and loop.
	session := voice.NewSession()
	manager.OnInterrupt(func() {
		session.RecordInterrupt()
		events.Publish(bus.Event{Type: bus.EventTypeInterrupt, Data: nil})
	})

	history := voice.NewHistory(voice.HistoryConfig{
		ContextWindow:     cfg.Conversation.HistoryWindow,
		InactivityTimeout: cfg.Conversation.InactivityTimeout,
	})
	loop := voice.NewLoop(session, history, detector, responder, synth,
		controller, manager, echo, events, &voice.LoopConfig{
			EndPhrases:        cfg.Conversation.EndPhrases,
			InactivityTimeout: cfg.Conversation.InactivityTimeout,
			TurnPause:         cfg.Conversation.TurnPause,
			ContinuationLine:  voice.DefaultLoopConfig().ContinuationLine,
			FarewellLine:      voice.DefaultLoopConfig().FarewellLine,
		}, logger.Zerolog())

	log.Info().Str("session", session.ID()).Msg("voicepal ready, listening for wake phrase")
	if err := loop.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	stats := loop.Stats()
	log.Info().
		Int("turns", stats.TurnCount).
		Int("wakes", stats.WakeDetections).
		Int("interrupts", stats.Interrupts).
		Msg("session complete")
	return nil
}

// loadEnvFiles reads API keys from .env files: the working directory first,
// then ~/.voicepal/.env.
func loadEnvFiles() {
	_ = godotenv.Load()
	if home, err := os.UserHomeDir(); err == nil {
		_ = godotenv.Load(filepath.Join(home, ".voicepal", ".env"))
	}
}

// applyEnvOverrides fills credentials from the environment when the config
// file leaves them blank, so keys stay out of config.yaml.
func applyEnvOverrides(cfg *config.Config) {
	if v := os.Getenv("VOICEPAL_SPEECH_KEY"); v != "" {
		cfg.Speech.Key = v
	}
	if v := os.Getenv("VOICEPAL_SPEECH_REGION"); v != "" {
		cfg.Speech.Region = v
	}
	if v := os.Getenv("VOICEPAL_TTS_KEY"); v != "" {
		cfg.TTS.Key = v
	}
	if v := os.Getenv("VOICEPAL_TTS_REGION"); v != "" {
		cfg.TTS.Region = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" && cfg.Responder.APIKey == "" {
		cfg.Responder.APIKey = v
	}
}
