package codec

import "strings"

// ContentHints carries lightweight content signals for format
// recommendation. All fields are optional.
type ContentHints struct {
	// HasAlpha reports whether an image source carries transparency.
	HasAlpha bool
	// DurationSeconds is the play length of temporal media, when known.
	DurationSeconds float64
	// TextHeavy reports whether a document is predominantly text.
	TextHeavy bool
}

// loopFriendlyCutoffSeconds is the duration below which short temporal
// media favors loop-friendly target formats.
const loopFriendlyCutoffSeconds = 10

// Recommend returns an ordered shortlist (1-3 entries) of suggested target
// formats for a source. The rules are deterministic and advisory only; the
// capability matrix remains authoritative for what is actually supported.
func (r *Registry) Recommend(category Category, currentFormat string, hints ContentHints) []string {
	current := strings.ToLower(strings.TrimSpace(currentFormat))

	var ranked []string
	switch category {
	case CategoryImage:
		if hints.HasAlpha {
			// Transparency favors formats that preserve an alpha channel.
			ranked = []string{"png", "webp", "gif"}
		} else {
			ranked = []string{"jpeg", "webp", "png"}
		}
	case CategoryVideo:
		if hints.DurationSeconds > 0 && hints.DurationSeconds <= loopFriendlyCutoffSeconds {
			ranked = []string{"gif", "webm", "mp4"}
		} else {
			ranked = []string{"mp4", "webm"}
		}
	case CategoryAudio:
		ranked = []string{"mp3", "ogg", "flac"}
	case CategoryDocument:
		if hints.TextHeavy {
			ranked = []string{"txt", "md", "pdf"}
		} else {
			ranked = []string{"pdf", "html"}
		}
	case CategoryOCR:
		ranked = []string{"txt"}
	default:
		return nil
	}

	shortlist := make([]string, 0, 3)
	for _, format := range ranked {
		if format == current {
			continue
		}
		shortlist = append(shortlist, format)
		if len(shortlist) == 3 {
			break
		}
	}
	if len(shortlist) == 0 {
		// Converting to the current format is still valid (e.g. recompression).
		shortlist = append(shortlist, ranked[0])
	}
	return shortlist
}
