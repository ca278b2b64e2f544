// Package static generates publish metadata from fixed rules over the item
// itself. It is the deterministic fallback when no external generator is
// configured, and it never fails.
package static

import (
	"context"
	"fmt"
	"strings"

	"github.com/reelpipe/reelpipe/internal/pipeline"
)

const (
	maxTitleLen   = 70
	maxCaptionLen = 1000
)

var defaultTags = []string{"shorts", "viral", "trending", "reels"}

// Enricher builds metadata without calling out anywhere.
type Enricher struct {
	channelName string
}

// New builds an Enricher. The channel name goes into the credit line.
func New(channelName string) *Enricher {
	return &Enricher{channelName: channelName}
}

// GenerateMetadata derives title, description, and tags from the item. The
// title is the caption's first line clipped to the platform limit; the
// description carries a credit line and a caption excerpt.
func (e *Enricher) GenerateMetadata(_ context.Context, item pipeline.Item) (pipeline.Metadata, error) {
	title := firstLine(item.Caption)
	if title == "" {
		title = fmt.Sprintf("New clip from @%s", item.Author)
	}
	// Clip on runes, not bytes; captions are full of multi-byte text and a
	// byte slice could cut a character in half.
	if runes := []rune(title); len(runes) > maxTitleLen {
		title = string(runes[:maxTitleLen-3]) + "..."
	}

	var b strings.Builder
	if item.Author != "" {
		fmt.Fprintf(&b, "Credit: @%s\n\n", item.Author)
	}
	caption := strings.TrimSpace(item.Caption)
	if runes := []rune(caption); len(runes) > maxCaptionLen {
		caption = string(runes[:maxCaptionLen])
	}
	if caption != "" {
		b.WriteString(caption)
		b.WriteString("\n\n")
	}
	if e.channelName != "" {
		fmt.Fprintf(&b, "Follow %s for more.", e.channelName)
	}

	return pipeline.Metadata{
		Title:       title,
		Description: strings.TrimSpace(b.String()),
		Tags:        append([]string(nil), defaultTags...),
	}, nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = s[:idx]
	}
	return strings.TrimSpace(s)
}
