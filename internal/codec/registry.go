package codec

import (
	"fmt"
	"strings"

	"transmute/internal/config"
	"transmute/internal/services"
)

// Strategy names the engine responsible for one (category, target format)
// pair. Strategies are immutable and statically enumerable.
type Strategy struct {
	Category     Category
	TargetFormat string
	EngineName   string
}

// capabilityMatrix is the static table of supported conversions. It is
// validated before dispatch: unsupported pairs fail without invoking any
// external engine.
var capabilityMatrix = map[Category][]string{
	CategoryImage:    {"png", "jpeg", "webp", "gif", "bmp", "tiff"},
	CategoryVideo:    {"mp4", "webm", "mkv", "gif"},
	CategoryAudio:    {"mp3", "wav", "ogg", "flac", "aac"},
	CategoryDocument: {"pdf", "docx", "txt", "html", "md"},
	CategoryOCR:      {"txt"},
}

var defaultBinaries = map[Category]string{
	CategoryImage:    "magick",
	CategoryVideo:    "ffmpeg",
	CategoryAudio:    "ffmpeg",
	CategoryDocument: "pandoc",
	CategoryOCR:      "tesseract",
}

// Registry resolves conversion requests to strategies and owns one engine
// client per category, built once at construction.
type Registry struct {
	engines map[Category]Codec
}

// NewRegistry builds a registry with CLI engines for every category,
// honoring per-category binary overrides from config.
func NewRegistry(cfg *config.Config) *Registry {
	overrides := map[Category]string{}
	if cfg != nil {
		overrides[CategoryImage] = cfg.Codecs.ImageBinary
		overrides[CategoryVideo] = cfg.Codecs.VideoBinary
		overrides[CategoryAudio] = cfg.Codecs.AudioBinary
		overrides[CategoryDocument] = cfg.Codecs.DocumentBinary
		overrides[CategoryOCR] = cfg.Codecs.OCRBinary
	}

	engines := make(map[Category]Codec, len(defaultBinaries))
	for category, binary := range defaultBinaries {
		engines[category] = NewEngineCLI(string(category), binary, WithBinary(overrides[category]))
	}
	return &Registry{engines: engines}
}

// NewRegistryWithEngines builds a registry over caller-supplied engines
// (used in tests and by embedders with custom codec implementations).
func NewRegistryWithEngines(engines map[Category]Codec) *Registry {
	cloned := make(map[Category]Codec, len(engines))
	for category, engine := range engines {
		cloned[category] = engine
	}
	return &Registry{engines: cloned}
}

// Resolve validates a (source category, target format) pair against the
// capability matrix and returns the matching strategy and engine. An
// unsupported pair is reported immediately; no engine is invoked.
func (r *Registry) Resolve(category Category, targetFormat string) (Strategy, Codec, error) {
	target := strings.ToLower(strings.TrimSpace(targetFormat))
	formats, ok := capabilityMatrix[category]
	if !ok {
		return Strategy{}, nil, services.Wrap(services.ErrUnsupportedConversion, "registry", "resolve",
			fmt.Sprintf("unknown source category %q", category), nil)
	}
	supported := false
	for _, format := range formats {
		if format == target {
			supported = true
			break
		}
	}
	if !supported {
		return Strategy{}, nil, services.Wrap(services.ErrUnsupportedConversion, "registry", "resolve",
			fmt.Sprintf("%s sources cannot convert to %q", category, target), nil)
	}

	engine, ok := r.engines[category]
	if !ok {
		return Strategy{}, nil, services.Wrap(services.ErrUnsupportedConversion, "registry", "resolve",
			fmt.Sprintf("no engine registered for category %q", category), nil)
	}
	return Strategy{Category: category, TargetFormat: target, EngineName: engine.Name()}, engine, nil
}

// SupportedFormats returns the target formats for a category in matrix order.
func (r *Registry) SupportedFormats(category Category) []string {
	formats := capabilityMatrix[category]
	cloned := make([]string, len(formats))
	copy(cloned, formats)
	return cloned
}
