// Package notes turns clinician text or audio into SOAP notes by calling
// the transcription and note generation vendors.
package notes

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

var (
	// ErrEmptyInput is returned for blank text or empty audio.
	ErrEmptyInput = errors.New("input is empty")
	// ErrEmptyTranscript is returned when the audio contained no speech.
	ErrEmptyTranscript = errors.New("transcription produced no text")
	// ErrVendor wraps failures of an upstream vendor.
	ErrVendor = errors.New("upstream vendor failed")
)

// Generator produces a SOAP note from text.
type Generator interface {
	Generate(ctx context.Context, text string) (string, error)
}

// Transcriber turns audio into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, contentType string, diarize bool) (string, error)
}

// Recorder observes pipeline runs.
type Recorder interface {
	ObserveNoteDuration(source string, seconds float64)
	RecordVendorError(vendor string)
}

// Pipeline chains transcription and generation. It never touches quota;
// callers are expected to have passed the access gate already.
type Pipeline struct {
	generator   Generator
	transcriber Transcriber
	recorder    Recorder
	timeout     time.Duration
	logger      zerolog.Logger
}

// NewPipeline creates a pipeline. recorder may be nil.
func NewPipeline(generator Generator, transcriber Transcriber, recorder Recorder, logger zerolog.Logger) *Pipeline {
	return &Pipeline{
		generator:   generator,
		transcriber: transcriber,
		recorder:    recorder,
		logger:      logger.With().Str("component", "notes").Logger(),
	}
}

// WithTimeout bounds each FromText or FromAudio call, retries included.
// Zero means no bound beyond the caller's context.
func (p *Pipeline) WithTimeout(d time.Duration) *Pipeline {
	p.timeout = d
	return p
}

func (p *Pipeline) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, p.timeout)
}

// FromText generates a note from clinician text.
func (p *Pipeline) FromText(ctx context.Context, text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyInput
	}
	ctx, cancel := p.bound(ctx)
	defer cancel()

	start := time.Now()
	note, err := p.generate(ctx, text)
	if err != nil {
		return "", err
	}
	p.observe("text", start)
	return note, nil
}

// FromAudio transcribes audio and generates a note from the transcript.
func (p *Pipeline) FromAudio(ctx context.Context, audio []byte, contentType string, diarize bool) (string, error) {
	if len(audio) == 0 {
		return "", ErrEmptyInput
	}
	ctx, cancel := p.bound(ctx)
	defer cancel()

	start := time.Now()
	transcript, err := p.transcriber.Transcribe(ctx, audio, contentType, diarize)
	if err != nil {
		p.vendorError("deepgram", err)
		return "", fmt.Errorf("%w: %w", ErrVendor, err)
	}
	if strings.TrimSpace(transcript) == "" {
		return "", ErrEmptyTranscript
	}

	note, err := p.generate(ctx, transcript)
	if err != nil {
		return "", err
	}
	p.observe("audio", start)
	return note, nil
}

func (p *Pipeline) generate(ctx context.Context, text string) (string, error) {
	note, err := p.generator.Generate(ctx, text)
	if err != nil {
		p.vendorError("openai", err)
		return "", fmt.Errorf("%w: %w", ErrVendor, err)
	}
	return note, nil
}

func (p *Pipeline) vendorError(vendor string, err error) {
	p.logger.Error().Err(err).Str("vendor", vendor).Msg("vendor call failed")
	if p.recorder != nil {
		p.recorder.RecordVendorError(vendor)
	}
}

func (p *Pipeline) observe(source string, start time.Time) {
	if p.recorder != nil {
		p.recorder.ObserveNoteDuration(source, time.Since(start).Seconds())
	}
}
