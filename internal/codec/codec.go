package codec

import (
	"context"
	"sort"
	"strings"
)

// Category identifies the media family a codec engine handles. The set is
// closed; dispatch is resolved once at registry build time.
type Category string

const (
	CategoryImage    Category = "image"
	CategoryVideo    Category = "video"
	CategoryAudio    Category = "audio"
	CategoryDocument Category = "document"
	CategoryOCR      Category = "ocr"
)

// Categories returns the closed set of known categories in stable order.
func Categories() []Category {
	return []Category{CategoryImage, CategoryVideo, CategoryAudio, CategoryDocument, CategoryOCR}
}

// ParseCategory converts a string into a known Category.
func ParseCategory(value string) (Category, bool) {
	normalized := Category(strings.ToLower(strings.TrimSpace(value)))
	switch normalized {
	case CategoryImage, CategoryVideo, CategoryAudio, CategoryDocument, CategoryOCR:
		return normalized, true
	}
	return "", false
}

var extensionCategories = map[string]Category{
	".png": CategoryImage, ".jpg": CategoryImage, ".jpeg": CategoryImage,
	".webp": CategoryImage, ".gif": CategoryImage, ".bmp": CategoryImage,
	".tiff": CategoryImage, ".tif": CategoryImage,
	".mp4": CategoryVideo, ".webm": CategoryVideo, ".mkv": CategoryVideo,
	".mov": CategoryVideo, ".avi": CategoryVideo,
	".mp3": CategoryAudio, ".wav": CategoryAudio, ".ogg": CategoryAudio,
	".flac": CategoryAudio, ".aac": CategoryAudio, ".m4a": CategoryAudio,
	".pdf": CategoryDocument, ".docx": CategoryDocument, ".txt": CategoryDocument,
	".html": CategoryDocument, ".md": CategoryDocument, ".rtf": CategoryDocument,
}

// CategoryForExtension maps a filename extension (with leading dot) to its
// category. OCR is never inferred from an extension; it is an explicit
// request against an image source.
func CategoryForExtension(ext string) (Category, bool) {
	category, ok := extensionCategories[strings.ToLower(strings.TrimSpace(ext))]
	return category, ok
}

// Options carries engine-opaque conversion parameters, flattened onto the
// engine command line as --opt key=value pairs in sorted key order.
type Options map[string]string

// Flatten renders options deterministically for command construction.
func (o Options) Flatten() []string {
	if len(o) == 0 {
		return nil
	}
	keys := make([]string, 0, len(o))
	for key := range o {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	args := make([]string, 0, len(keys)*2)
	for _, key := range keys {
		args = append(args, "--opt", key+"="+o[key])
	}
	return args
}

// ProgressUpdate captures engine-reported progress events.
type ProgressUpdate struct {
	Percent float64
	Stage   string
	Message string
}

// Result describes a completed conversion.
type Result struct {
	OutputPath string
	SizeBytes  int64
}

// Codec is the external engine capability: one conversion given ordered
// input paths, an output path, target format, and options. Engines that
// support multi-input conversions (page merges, image sequences) receive
// every path; single-input engines use the first. Implementations exist per
// category; the orchestrator never inspects engine-specific behavior.
type Codec interface {
	Name() string
	Convert(ctx context.Context, inputPaths []string, outputPath, format string, options Options, progress func(ProgressUpdate)) (Result, error)
}
