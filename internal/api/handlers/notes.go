package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/MacJediWizard/dentalnotes/internal/api/middleware"
	"github.com/MacJediWizard/dentalnotes/internal/notes"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// NoteGenerator is the note pipeline as seen by the HTTP layer.
type NoteGenerator interface {
	FromText(ctx context.Context, text string) (string, error)
	FromAudio(ctx context.Context, audio []byte, contentType string, diarize bool) (string, error)
}

// TextNoteRequest is the request body for text note generation.
type TextNoteRequest struct {
	Text string `json:"text"`
}

// NoteResponse carries a generated SOAP note.
type NoteResponse struct {
	SOAPNote string `json:"soap_note"`
}

// NotesHandler serves the note generation endpoints. Requests reaching it
// have passed the rate limiter and the access gate, which already charged
// the caller's quota.
type NotesHandler struct {
	notes    NoteGenerator
	maxAudio int64
	logger   zerolog.Logger
}

// NewNotesHandler creates a new NotesHandler. maxAudio bounds uploaded
// audio in bytes.
func NewNotesHandler(generator NoteGenerator, maxAudio int64, logger zerolog.Logger) *NotesHandler {
	return &NotesHandler{
		notes:    generator,
		maxAudio: maxAudio,
		logger:   logger.With().Str("component", "notes_handler").Logger(),
	}
}

// RegisterRoutes registers the versioned note routes on a group that
// already carries the limiter and gate middleware.
func (h *NotesHandler) RegisterRoutes(r *gin.RouterGroup) {
	group := r.Group("/notes")
	{
		group.POST("/text", h.FromText)
		group.POST("/audio", h.FromAudio)
	}
}

// RegisterLegacyRoutes registers the unversioned aliases used by older
// clients.
func (h *NotesHandler) RegisterLegacyRoutes(r *gin.RouterGroup) {
	r.POST("/generate_note", h.FromText)
	r.POST("/generate_note_from_audio", h.FromAudio)
}

// FromText generates a SOAP note from clinician text.
// POST /api/v1/notes/text
func (h *NotesHandler) FromText(c *gin.Context) {
	var req TextNoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	note, err := h.notes.FromText(c.Request.Context(), req.Text)
	if err != nil {
		h.writeNoteError(c, err)
		return
	}

	c.JSON(http.StatusOK, NoteResponse{SOAPNote: note})
}

// FromAudio transcribes an uploaded recording and generates a SOAP note.
// POST /api/v1/notes/audio
func (h *NotesHandler) FromAudio(c *gin.Context) {
	file, header, err := c.Request.FormFile("audio_file")
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "audio file too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "audio_file is required"})
		return
	}
	defer file.Close()

	contentType, ok := notes.AudioContentType(header.Filename, header.Header.Get("Content-Type"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid file type. Please upload a supported audio file (WAV, MP3, OGG, FLAC, M4A).",
		})
		return
	}

	diarize := false
	if v := c.PostForm("use_diarization"); v != "" {
		diarize, err = strconv.ParseBool(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "use_diarization must be a boolean"})
			return
		}
	}

	reader := io.Reader(file)
	if h.maxAudio > 0 {
		reader = io.LimitReader(file, h.maxAudio+1)
	}
	audio, err := io.ReadAll(reader)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to read audio upload")
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read audio file"})
		return
	}
	if h.maxAudio > 0 && int64(len(audio)) > h.maxAudio {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "audio file too large"})
		return
	}

	note, err := h.notes.FromAudio(c.Request.Context(), audio, contentType, diarize)
	if err != nil {
		h.writeNoteError(c, err)
		return
	}

	c.JSON(http.StatusOK, NoteResponse{SOAPNote: note})
}

func (h *NotesHandler) writeNoteError(c *gin.Context, err error) {
	logger := h.logger.With().Str("path", c.Request.URL.Path).Logger()
	if claims := middleware.GetClaims(c); claims != nil {
		logger = logger.With().Str("user_id", claims.Subject).Logger()
	}

	switch {
	case errors.Is(err, notes.ErrEmptyInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": "input is empty"})
	case errors.Is(err, notes.ErrEmptyTranscript):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "no speech detected in audio"})
	case errors.Is(err, context.Canceled):
		logger.Debug().Msg("client went away during note generation")
		c.Status(499)
	case errors.Is(err, context.DeadlineExceeded):
		logger.Error().Err(err).Msg("note generation timed out")
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": "Note generation timed out. Please try again later."})
	case errors.Is(err, notes.ErrVendor):
		logger.Error().Err(err).Msg("note generation failed upstream")
		c.JSON(http.StatusBadGateway, gin.H{"error": "Failed to generate note. Please try again later."})
	default:
		logger.Error().Err(err).Msg("note generation failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to generate note. Please try again later."})
	}
}
