package process

import (
	"context"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/emberpress/emberpress/engine/domain"
	"github.com/emberpress/emberpress/engine/model"
)

// Metadata is the naming contract seeding every downstream filename and URL.
// It is derived exactly once per topic; no later stage re-derives any field.
type Metadata struct {
	Slug            string
	Filename        string
	URL             string
	SEOTitle        string
	MetaDescription string
}

// CompleteFunc is the model call the metadata generator uses for title
// translation, already wrapped in rate limiting by the processor.
type CompleteFunc func(ctx context.Context, req model.Request) (model.Completion, error)

// asciiFolder strips diacritics: NFD, drop combining marks, NFC.
var asciiFolder = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// foldASCII lowers a title onto ASCII where the characters have ASCII
// equivalents. Characters with no equivalent are dropped by Slugify.
func foldASCII(s string) string {
	out, _, err := transform.String(asciiFolder, s)
	if err != nil {
		return s
	}
	return out
}

// Slugify derives the hyphenated ASCII short form of a title: fold, lower,
// collapse non-alphanumeric runs to single hyphens, trim to MaxSlugLen at a
// word boundary. Returns "" when nothing survives folding (a fully
// non-Latin title), which signals the caller to translate first.
func Slugify(title string) string {
	folded := strings.ToLower(foldASCII(title))
	var b strings.Builder
	b.Grow(len(folded))
	pendingHyphen := false
	for _, r := range folded {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			if pendingHyphen && b.Len() > 0 {
				b.WriteByte('-')
			}
			pendingHyphen = false
			b.WriteRune(r)
		default:
			pendingHyphen = true
		}
	}
	slug := b.String()
	if len(slug) <= domain.MaxSlugLen {
		return slug
	}
	cut := domain.MaxSlugLen
	if i := strings.LastIndexByte(slug[:cut], '-'); i > 0 {
		cut = i
	}
	return slug[:cut]
}

// truncateWords bounds s to max bytes, cutting at a word boundary.
func truncateWords(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	cut := s[:max]
	if i := strings.LastIndexByte(cut, ' '); i > 0 {
		cut = cut[:i]
	}
	return strings.TrimRight(cut, " ,.;:-")
}

// firstSentences extracts up to max bytes of leading body text for the meta
// description.
func firstSentences(body string, max int) string {
	body = strings.Join(strings.Fields(body), " ")
	return truncateWords(body, max)
}

// GenerateMetadata derives the naming fields for an article. processedAt is
// the pinned timestamp of the topic's first successful attempt, so the date
// prefix never drifts across retries. Non-ASCII titles are translated with
// a short model prompt before slugging. The output is validated against the
// filename grammar; a violation is a terminal validation failure.
func GenerateMetadata(ctx context.Context, complete CompleteFunc, title, body string, processedAt time.Time) (Metadata, error) {
	display := strings.TrimSpace(title)
	slug := Slugify(display)

	if slug == "" {
		if complete == nil {
			return Metadata{}, domain.Ef(domain.KindValidation, "metadata", "untranslatable title %q", title)
		}
		comp, err := complete(ctx, model.Request{
			System:      "You translate headlines to concise English. Reply with the translated headline only.",
			Prompt:      title,
			MaxTokens:   100,
			Temperature: 0,
		})
		if err != nil {
			return Metadata{}, err
		}
		display = strings.TrimSpace(comp.Text)
		slug = Slugify(display)
		if slug == "" {
			return Metadata{}, domain.Ef(domain.KindValidation, "metadata", "translation yielded empty slug for %q", title)
		}
	}

	date := processedAt.UTC().Format("2006-01-02")
	filename := date + "-" + slug + ".html"
	if err := domain.ValidateFilename(filename); err != nil {
		return Metadata{}, domain.E(domain.KindValidation, "metadata", err)
	}

	return Metadata{
		Slug:            slug,
		Filename:        filename,
		URL:             domain.ArticleURL(filename),
		SEOTitle:        truncateWords(display, 60),
		MetaDescription: firstSentences(body, 160),
	}, nil
}
