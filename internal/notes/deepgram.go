package notes

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

// DeepgramConfig configures a DeepgramTranscriber.
type DeepgramConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Retry   RetryPolicy
}

type listenResponse struct {
	Results struct {
		Channels []struct {
			Alternatives []struct {
				Transcript string `json:"transcript"`
				Words      []struct {
					Word           string `json:"word"`
					PunctuatedWord string `json:"punctuated_word"`
					Speaker        *int   `json:"speaker"`
				} `json:"words"`
			} `json:"alternatives"`
		} `json:"channels"`
	} `json:"results"`
}

// DeepgramTranscriber transcribes prerecorded audio.
type DeepgramTranscriber struct {
	client *http.Client
	cfg    DeepgramConfig
	logger zerolog.Logger
}

// NewDeepgramTranscriber creates a transcriber using client for transport.
func NewDeepgramTranscriber(client *http.Client, cfg DeepgramConfig, logger zerolog.Logger) *DeepgramTranscriber {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.deepgram.com"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Model == "" {
		cfg.Model = "nova-2"
	}
	return &DeepgramTranscriber{
		client: client,
		cfg:    cfg,
		logger: logger.With().Str("component", "deepgram").Logger(),
	}
}

// Transcribe returns the transcript of audio. With diarize set, the text is
// grouped into "Speaker N: ..." lines.
func (d *DeepgramTranscriber) Transcribe(ctx context.Context, audio []byte, contentType string, diarize bool) (string, error) {
	q := url.Values{}
	q.Set("model", d.cfg.Model)
	q.Set("language", "en")
	q.Set("smart_format", "true")
	q.Set("punctuate", "true")
	q.Set("diarize", strconv.FormatBool(diarize))
	endpoint := d.cfg.BaseURL + "/v1/listen?" + q.Encode()

	var transcript string
	err := do(ctx, d.cfg.Retry, d.logger, func(ctx context.Context) error {
		var err error
		transcript, err = d.listen(ctx, endpoint, audio, contentType, diarize)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("transcribe audio: %w", err)
	}

	d.logger.Debug().Int("audio_bytes", len(audio)).Int("transcript_len", len(transcript)).Msg("audio transcribed")
	return transcript, nil
}

func (d *DeepgramTranscriber) listen(ctx context.Context, endpoint string, audio []byte, contentType string, diarize bool) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(audio))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Token "+d.cfg.APIKey)

	resp, err := d.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", &StatusError{Vendor: "deepgram", StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}

	var out listenResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode listen response: %w", err)
	}
	if len(out.Results.Channels) == 0 || len(out.Results.Channels[0].Alternatives) == 0 {
		return "", nil
	}

	alt := out.Results.Channels[0].Alternatives[0]
	if !diarize || len(alt.Words) == 0 {
		return strings.TrimSpace(alt.Transcript), nil
	}

	var (
		b       strings.Builder
		current = -1
	)
	for _, w := range alt.Words {
		speaker := 0
		if w.Speaker != nil {
			speaker = *w.Speaker
		}
		word := w.PunctuatedWord
		if word == "" {
			word = w.Word
		}
		if speaker != current {
			if current >= 0 {
				b.WriteByte('\n')
			}
			fmt.Fprintf(&b, "Speaker %d:", speaker)
			current = speaker
		}
		b.WriteByte(' ')
		b.WriteString(word)
	}
	return b.String(), nil
}
