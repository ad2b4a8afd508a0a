package notes

import (
	"path/filepath"
	"strings"
)

var audioTypes = map[string]string{
	".wav":  "audio/wav",
	".mp3":  "audio/mpeg",
	".mpeg": "audio/mpeg",
	".mpga": "audio/mpeg",
	".ogg":  "audio/ogg",
	".flac": "audio/flac",
	".m4a":  "audio/mp4",
	".mp4":  "audio/mp4",
	".webm": "audio/webm",
}

// AudioContentType resolves the upload's content type from its declared
// type or, failing that, its file extension. ok is false for unsupported
// uploads.
func AudioContentType(filename, declared string) (contentType string, ok bool) {
	declared = strings.ToLower(strings.TrimSpace(strings.SplitN(declared, ";", 2)[0]))
	for _, t := range audioTypes {
		if declared == t {
			return t, true
		}
	}
	switch declared {
	case "audio/x-wav", "audio/wave":
		return "audio/wav", true
	case "audio/mp3":
		return "audio/mpeg", true
	case "application/ogg":
		return "audio/ogg", true
	case "audio/x-m4a":
		return "audio/mp4", true
	}

	t, ok := audioTypes[strings.ToLower(filepath.Ext(filename))]
	return t, ok
}
