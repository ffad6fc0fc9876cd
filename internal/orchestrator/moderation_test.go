package orchestrator

import (
	"context"
	"testing"
)

func TestKeywordModerator_Text(t *testing.T) {
	m := NewKeywordModerator("Spam", "  ", "scam")

	tests := []struct {
		text    string
		allowed bool
	}{
		{"Spring catalogue", true},
		{"Buy SPAM now", false},
		{"totally not a scam", false},
		{"", true},
	}
	for _, tt := range tests {
		v, err := m.ModerateText(context.Background(), "title", tt.text)
		if err != nil {
			t.Fatalf("ModerateText(%q) error: %v", tt.text, err)
		}
		if v.Allowed != tt.allowed {
			t.Fatalf("ModerateText(%q): expected allowed=%v, got %+v", tt.text, tt.allowed, v)
		}
		if !v.Allowed && v.Reason == "" {
			t.Fatalf("ModerateText(%q): denied verdict without reason", tt.text)
		}
	}
}

func TestKeywordModerator_Image(t *testing.T) {
	m := NewKeywordModerator("gore")

	tests := []struct {
		ref     string
		allowed bool
	}{
		{"https://cdn.example.com/covers/spring.jpg", true},
		{"covers/spring.PNG", true},
		{"http://cdn.example.com/a.webp?size=large", true},
		{"ftp://cdn.example.com/spring.jpg", false},
		{"https://cdn.example.com/spring.exe", false},
		{"https://cdn.example.com/gore.png", false},
		{"https://cdn.example.com/noext", false},
		{"%zz", false},
	}
	for _, tt := range tests {
		v, err := m.ModerateImage(context.Background(), "image_url", tt.ref)
		if err != nil {
			t.Fatalf("ModerateImage(%q) error: %v", tt.ref, err)
		}
		if v.Allowed != tt.allowed {
			t.Fatalf("ModerateImage(%q): expected allowed=%v, got %+v", tt.ref, tt.allowed, v)
		}
	}
}
