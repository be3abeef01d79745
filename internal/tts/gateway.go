package tts

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// speechHTTPEndpoint is the region-addressed synthesis endpoint.
const speechHTTPEndpoint = "https://%s.tts.speech.microsoft.com/cognitiveservices/v1"

// outputFormat matches the playback path: 16kHz 16-bit mono PCM in a RIFF
// container.
const outputFormat = "riff-16khz-16bit-mono-pcm"

// GatewayProvider synthesizes speech through the hosted speech gateway.
type GatewayProvider struct {
	config *Config
	client *http.Client
	logger zerolog.Logger

	// endpoint overrides the default gateway URL; used by tests.
	endpoint string
}

// NewGatewayProvider creates a gateway-backed provider.
func NewGatewayProvider(config *Config, logger zerolog.Logger) *GatewayProvider {
	if config == nil {
		config = DefaultConfig()
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &GatewayProvider{
		config: config,
		client: &http.Client{Timeout: timeout},
		logger: logger.With().Str("component", "tts").Str("provider", "speech-gateway").Logger(),
	}
}

func (p *GatewayProvider) Name() string { return "speech-gateway" }

func (p *GatewayProvider) url() string {
	if p.endpoint != "" {
		return p.endpoint
	}
	return fmt.Sprintf(speechHTTPEndpoint, p.config.Region)
}

// Synthesize renders text through the gateway and returns PCM audio.
func (p *GatewayProvider) Synthesize(ctx context.Context, req *Request) (*Audio, error) {
	if len(req.Text) > maxTextLength {
		return nil, ErrTextTooLong
	}
	if p.config.Key == "" || p.config.Region == "" {
		return nil, fmt.Errorf("%w: key and region not configured", ErrProviderUnavailable)
	}

	voice := req.Voice
	if voice == "" {
		voice = p.config.Voice
	}
	rate := req.Rate
	if rate == 0 {
		rate = p.config.Rate
	}

	start := time.Now()
	body := buildSSML(req.Text, voice, rate)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url(), strings.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build synthesis request: %w", err)
	}
	httpReq.Header.Set("Ocp-Apim-Subscription-Key", p.config.Key)
	httpReq.Header.Set("Content-Type", "application/ssml+xml")
	httpReq.Header.Set("X-Microsoft-OutputFormat", outputFormat)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		p.logger.Warn().Int("status", resp.StatusCode).Str("body", string(msg)).Msg("synthesis rejected")
		return nil, fmt.Errorf("%w: status %d", ErrProviderUnavailable, resp.StatusCode)
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read synthesis response: %w", err)
	}

	elapsed := time.Since(start)
	p.logger.Debug().
		Int("bytes", len(audio)).
		Dur("elapsed", elapsed).
		Str("voice", voice).
		Msg("synthesis complete")

	return &Audio{
		Data:           audio,
		Format:         "wav",
		SampleRate:     16000,
		Voice:          voice,
		Provider:       p.Name(),
		ProcessingTime: elapsed,
	}, nil
}

// Health performs a zero-cost reachability probe against the voices endpoint.
func (p *GatewayProvider) Health(ctx context.Context) error {
	if p.config.Key == "" || p.config.Region == "" {
		return ErrProviderUnavailable
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Ocp-Apim-Subscription-Key", p.config.Key)

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: status %d", ErrProviderUnavailable, resp.StatusCode)
	}
	return nil
}

// buildSSML wraps text in the minimal SSML envelope the gateway requires.
func buildSSML(text, voice string, rate float64) string {
	var b strings.Builder
	b.WriteString(`<speak version="1.0" xml:lang="en-US">`)
	fmt.Fprintf(&b, `<voice name="%s">`, voice)
	if rate != 1.0 {
		fmt.Fprintf(&b, `<prosody rate="%.0f%%">%s</prosody>`, rate*100, escapeSSML(text))
	} else {
		b.WriteString(escapeSSML(text))
	}
	b.WriteString(`</voice></speak>`)
	return b.String()
}

var ssmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&apos;",
)

func escapeSSML(text string) string {
	return ssmlEscaper.Replace(text)
}
