package rodsession

import (
	"slices"
	"testing"

	"github.com/go-rod/rod/lib/input"
	"github.com/ysmood/gson"

	"groupcast/internal/content"
	"groupcast/internal/posting"
)

func TestConfirmedMatchesNormalizedLabels(t *testing.T) {
	t.Parallel()

	labels := []gson.JSON{gson.New("Jakarta Property Hub"), gson.New("  BANDUNG rumah  ")}
	selected := []posting.Target{
		{ID: "a", DisplayName: "jakarta property hub"},
		{ID: "b", DisplayName: "Bandung Rumah"},
		{ID: "c", DisplayName: "Depok Kost"},
	}
	got := confirmed(labels, selected)
	if !slices.Equal(got, []string{"a", "b"}) {
		t.Fatalf("confirmed = %v, want [a b]", got)
	}
}

func TestKeyFor(t *testing.T) {
	t.Parallel()

	if k, ok := keyFor(" End "); !ok || k != input.End {
		t.Fatalf("keyFor(End) = %v, %v", k, ok)
	}
	if _, ok := keyFor("hyper"); ok {
		t.Fatalf("keyFor(hyper) ok")
	}
}

func TestPayloadValue(t *testing.T) {
	t.Parallel()

	p := content.Payload{
		Subject: posting.Subject{ID: "s1", Title: "Rumah", Attributes: map[string]string{"price": "1M"}},
		Caption: "Rumah\n\nprice: 1M",
		Target:  &posting.Target{ID: "g1", DisplayName: "Group One"},
	}
	tests := map[string]string{
		"caption": "Rumah\n\nprice: 1M",
		"title":   "Rumah",
		"price":   "1M",
		"target":  "Group One",
		"missing": "",
	}
	for field, want := range tests {
		if got := value(p, field); got != want {
			t.Fatalf("value(%q) = %q, want %q", field, got, want)
		}
	}
}
