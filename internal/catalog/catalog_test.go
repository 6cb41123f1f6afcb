package catalog

import (
	"context"
	"testing"

	"bidline/internal/config"
)

func TestStaticLabel(t *testing.T) {
	s := Static{
		Services:  map[string]config.Label{"plumbing": {EN: "Plumbing", AR: "سباكة"}},
		Addresses: map[string]config.Label{"a-1": {AR: "الرياض"}},
	}
	ctx := context.Background()
	tests := []struct {
		name, kind, id, lang, want string
	}{
		{"english", KindService, "plumbing", "en", "Plumbing"},
		{"arabic", KindService, "plumbing", "ar", "سباكة"},
		{"missing id falls back", KindService, "roofing", "en", "roofing"},
		{"unknown kind falls back", "planet", "plumbing", "en", "plumbing"},
		{"empty english falls back", KindAddress, "a-1", "en", "a-1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.Label(ctx, tt.kind, tt.id, tt.lang); got != tt.want {
				t.Fatalf("got %q, want %q", got, tt.want)
			}
		})
	}
}
