package domain

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Filename grammar: date "-" slug "." ext. The same canonical string feeds
// both the filename and the /articles/ URL, so drift is structurally
// impossible once a name passes this gate.
var filenameRegex = regexp.MustCompile(`^[0-9]{4}-[0-9]{2}-[0-9]{2}-[a-z0-9]+(-[a-z0-9]+)*\.(md|html|json)$`)

// Blob names the publisher will accept: date-partitioned relative paths of
// safe characters. Anything else is treated as hostile.
var blobNameRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9./_-]*$`)

const (
	// MaxFilenameBytes bounds every generated filename.
	MaxFilenameBytes = 120
	// MaxSlugLen bounds the slug portion of a filename.
	MaxSlugLen = 80
)

// ValidateFilename checks a generated filename against the grammar.
func ValidateFilename(name string) error {
	if len(name) > MaxFilenameBytes {
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrInvalidFilename, len(name), MaxFilenameBytes)
	}
	for _, r := range name {
		if r > 127 {
			return fmt.Errorf("%w: non-ASCII rune in %q", ErrInvalidFilename, name)
		}
	}
	if !filenameRegex.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidFilename, name)
	}
	return nil
}

// ValidateBlobName rejects path traversal, absolute paths, and control
// characters in a blob name before the publisher touches the filesystem.
func ValidateBlobName(name string) error {
	if name == "" || len(name) > 512 {
		return fmt.Errorf("%w: bad length %d", ErrInvalidBlobName, len(name))
	}
	if strings.HasPrefix(name, "/") || strings.Contains(name, "..") || strings.Contains(name, "\\") {
		return fmt.Errorf("%w: %q", ErrInvalidBlobName, name)
	}
	for _, r := range name {
		if r < 0x20 || r == 0x7f {
			return fmt.Errorf("%w: control character in name", ErrInvalidBlobName)
		}
	}
	if !blobNameRegex.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidBlobName, name)
	}
	return nil
}

// ArticleURL derives the public URL from a validated filename. The basename
// minus extension is the canonical string shared with the filename.
func ArticleURL(filename string) string {
	base := filename
	if i := strings.LastIndexByte(base, '.'); i >= 0 {
		base = base[:i]
	}
	return "/articles/" + base + ".html"
}

// DatePath renders the {YYYY}/{MM}/{DD} blob prefix for t in UTC.
func DatePath(t time.Time) string {
	return t.UTC().Format("2006/01/02")
}

// ValidateMessage checks the envelope fields every stage requires.
func ValidateMessage(msg QueueMessage) error {
	if msg.MessageID == "" {
		return Ef(KindValidation, "envelope", "missing message_id")
	}
	switch msg.Operation {
	case OpProcessTopic, OpGenerateMarkdown, OpPublishSite:
	default:
		return Ef(KindValidation, "envelope", "unknown operation %q", msg.Operation)
	}
	if len(msg.Payload) == 0 {
		return Ef(KindValidation, "envelope", "empty payload")
	}
	return nil
}

// ValidateTopicPayload checks the fields the processor cannot work without.
func ValidateTopicPayload(p TopicPayload) error {
	if p.TopicID == "" {
		return Ef(KindValidation, "topic", "missing topic_id")
	}
	if strings.TrimSpace(p.Title) == "" {
		return Ef(KindValidation, "topic", "missing title")
	}
	if p.CollectionBlob == "" {
		return Ef(KindValidation, "topic", "missing collection_blob")
	}
	return nil
}

// ValidateArticle checks the processor's own output before anything is
// persisted or emitted downstream.
func ValidateArticle(a ProcessedArticle) error {
	if a.ArticleID == "" || a.OriginalTopicID == "" {
		return Ef(KindValidation, "article", "missing identifiers")
	}
	if err := ValidateFilename(a.Filename); err != nil {
		return E(KindValidation, "article", err)
	}
	if a.URL != ArticleURL(a.Filename) {
		return Ef(KindValidation, "article", "url %q drifts from filename %q", a.URL, a.Filename)
	}
	if strings.TrimSpace(a.Content) == "" {
		return Ef(KindValidation, "article", "empty content")
	}
	return nil
}
