package orchestrator

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"slices"
	"strings"
)

// Verdict is a moderation decision.
type Verdict struct {
	Allowed bool
	Reason  string
}

// Allowed is the verdict for content that passed.
var Allowed = Verdict{Allowed: true}

func denied(format string, args ...any) Verdict {
	return Verdict{Reason: fmt.Sprintf(format, args...)}
}

// TextModerator reviews a text attribute. An error means the service could
// not decide; the step is retried.
type TextModerator interface {
	ModerateText(ctx context.Context, field, text string) (Verdict, error)
}

// ImageModerator reviews an image reference such as a URL or object key.
type ImageModerator interface {
	ModerateImage(ctx context.Context, field, ref string) (Verdict, error)
}

// KeywordModerator is a rule-based moderator for local runs. Text fails
// when it contains a blocked term; an image fails when its reference
// contains a blocked term, uses a scheme other than http(s) or has an
// extension outside ImageExtensions.
type KeywordModerator struct {
	blocked []string

	// ImageExtensions lists accepted lower-case extensions with the dot.
	ImageExtensions []string
}

var (
	_ TextModerator  = (*KeywordModerator)(nil)
	_ ImageModerator = (*KeywordModerator)(nil)
)

// NewKeywordModerator blocks the given terms, matched case-insensitively.
func NewKeywordModerator(blocked ...string) *KeywordModerator {
	m := &KeywordModerator{
		ImageExtensions: []string{".jpg", ".jpeg", ".png", ".gif", ".webp"},
	}
	for _, b := range blocked {
		if b = strings.ToLower(strings.TrimSpace(b)); b != "" {
			m.blocked = append(m.blocked, b)
		}
	}
	return m
}

func (m *KeywordModerator) blockedTerm(s string) (string, bool) {
	lower := strings.ToLower(s)
	for _, b := range m.blocked {
		if strings.Contains(lower, b) {
			return b, true
		}
	}
	return "", false
}

func (m *KeywordModerator) ModerateText(_ context.Context, field, text string) (Verdict, error) {
	if term, ok := m.blockedTerm(text); ok {
		return denied("%s contains blocked term %q", field, term), nil
	}
	return Allowed, nil
}

func (m *KeywordModerator) ModerateImage(_ context.Context, field, ref string) (Verdict, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return denied("%s is not a valid image reference", field), nil
	}
	if u.Scheme != "" && u.Scheme != "http" && u.Scheme != "https" {
		return denied("%s uses unsupported scheme %q", field, u.Scheme), nil
	}
	ext := strings.ToLower(path.Ext(u.Path))
	if !slices.Contains(m.ImageExtensions, ext) {
		return denied("%s has unsupported image type %q", field, ext), nil
	}
	if term, ok := m.blockedTerm(ref); ok {
		return denied("%s contains blocked term %q", field, term), nil
	}
	return Allowed, nil
}
