// Package media validates outbound media payloads and maps MIME types onto
// the categories providers distinguish when uploading.
package media

import (
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"slices"
	"strings"
)

// Category is the upload category of a payload.
type Category string

const (
	CategoryImage    Category = "image"
	CategoryVideo    Category = "video"
	CategoryAudio    Category = "audio"
	CategoryDocument Category = "document"
)

// allowed lists accepted MIME types per category.
var allowed = map[Category][]string{
	CategoryImage: {"image/jpeg", "image/png", "image/webp", "image/gif"},
	CategoryVideo: {"video/mp4", "video/3gpp"},
	CategoryAudio: {"audio/ogg", "audio/mpeg", "audio/mp4", "audio/aac", "audio/amr"},
	CategoryDocument: {
		"application/pdf",
		"application/msword",
		"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
		"application/vnd.ms-excel",
		"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
		"text/plain",
		"text/csv",
		"application/zip",
	},
}

var (
	ErrEmpty      = errors.New("media: empty payload")
	ErrNotAllowed = errors.New("media: mime type not allowed")
	ErrTooLarge   = errors.New("media: payload too large")
)

// Limits holds per-category size limits in bytes. Zero means unlimited.
type Limits struct {
	Image    int64 `yaml:"image"`
	Video    int64 `yaml:"video"`
	Audio    int64 `yaml:"audio"`
	Document int64 `yaml:"document"`
}

// DefaultLimits mirrors the WhatsApp upload limits, the strictest provider.
func DefaultLimits() Limits {
	return Limits{
		Image:    5 << 20,
		Video:    16 << 20,
		Audio:    16 << 20,
		Document: 100 << 20,
	}
}

func (l Limits) max(c Category) int64 {
	switch c {
	case CategoryImage:
		return l.Image
	case CategoryVideo:
		return l.Video
	case CategoryAudio:
		return l.Audio
	default:
		return l.Document
	}
}

// Result describes a validated payload.
type Result struct {
	MimeType string
	Category Category
	Size     int64
}

// Validate checks the payload and returns its resolved MIME type and
// category. mimeType may be empty, in which case it is sniffed.
func Validate(data []byte, filename, mimeType string, limits Limits) (Result, error) {
	if len(data) == 0 {
		return Result{}, ErrEmpty
	}
	if mimeType == "" {
		mimeType = DetectMimeType(data, filename)
	}
	mimeType = baseType(mimeType)

	res := Result{MimeType: mimeType, Category: Categorize(mimeType), Size: int64(len(data))}
	if !slices.Contains(allowed[res.Category], mimeType) {
		return res, fmt.Errorf("%w: %s", ErrNotAllowed, mimeType)
	}
	if limit := limits.max(res.Category); limit > 0 && res.Size > limit {
		return res, fmt.Errorf("%w: %d bytes exceeds %d for %s", ErrTooLarge, res.Size, limit, res.Category)
	}
	return res, nil
}

// DetectMimeType sniffs the content and falls back to the file extension.
func DetectMimeType(data []byte, filename string) string {
	detected := baseType(http.DetectContentType(data))
	if detected != "application/octet-stream" && detected != "text/plain" {
		return detected
	}

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".ogg", ".opus":
		return "audio/ogg"
	case ".mp3":
		return "audio/mpeg"
	case ".m4a":
		return "audio/mp4"
	case ".mp4":
		return "video/mp4"
	case ".pdf":
		return "application/pdf"
	case ".docx":
		return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	case ".xlsx":
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	case ".csv":
		return "text/csv"
	}
	return detected
}

// Categorize maps a MIME type onto its upload category.
func Categorize(mimeType string) Category {
	mimeType = baseType(mimeType)
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return CategoryImage
	case mimeType == "video/ogg", strings.HasPrefix(mimeType, "audio/"):
		return CategoryAudio
	case strings.HasPrefix(mimeType, "video/"):
		return CategoryVideo
	default:
		return CategoryDocument
	}
}

func baseType(mimeType string) string {
	mimeType, _, _ = strings.Cut(mimeType, ";")
	return strings.ToLower(strings.TrimSpace(mimeType))
}
