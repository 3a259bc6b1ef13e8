package fk_test

import (
	"testing"

	"formkeep/internal/fk"
)

func TestAnonymousUserID(t *testing.T) {
	tests := map[string]string{
		"respondent@example.com": "user_09dc4e0d",
		"a@b.co":                 "user_56c6c609",
		"":                       "user_00000000",
		"Ä@x.de":                 "user_5232ffb3",
	}
	for email, want := range tests {
		if got := fk.AnonymousUserID(email); got != want {
			t.Errorf("AnonymousUserID(%q) = %q, want %q", email, got, want)
		}
	}
}

func TestAnonymousPath(t *testing.T) {
	got := fk.AnonymousPath("a@b.co", "Site Survey (2024)!", "sub-1", "photo.jpg")
	want := "site_survey_2024/user_56c6c609/sub-1/photo.jpg"
	if got != want {
		t.Errorf("AnonymousPath() = %q, want %q", got, want)
	}

	if p, err := fk.ResolvePath(got); err != nil || p != got {
		t.Errorf("anonymous path does not resolve to itself: %q, %v", p, err)
	}
}
