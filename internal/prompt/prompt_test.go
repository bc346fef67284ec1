package prompt

import (
	"errors"
	"strings"
	"testing"
)

func TestBuildUnknownTask(t *testing.T) {
	_, _, err := Build("nope", Fields{})
	if !errors.Is(err, ErrUnknownTask) {
		t.Fatalf("expected ErrUnknownTask, got %v", err)
	}
}

func TestBuildMissingRequiredField(t *testing.T) {
	cases := map[string]string{
		"newsletter_subject": "title",
		"listing":            "title",
		"blog_improve":       "free_text",
		"message_reply":      "free_text",
		"bio":                "free_text",
	}
	for task, field := range cases {
		_, _, err := Build(task, Fields{})
		var missing *MissingFieldError
		if !errors.As(err, &missing) {
			t.Errorf("Build(%s) error = %v, want MissingFieldError", task, err)
			continue
		}
		if missing.Field != field {
			t.Errorf("Build(%s) missing field %q, want %q", task, missing.Field, field)
		}
	}

	// Blank-but-present values do not satisfy the requirement.
	_, _, err := Build("listing", Fields{"title": "   ", "listing_type": "offer"})
	var missing *MissingFieldError
	if !errors.As(err, &missing) || missing.Field != "title" {
		t.Fatalf("whitespace title should be treated as missing, got %v", err)
	}
}

func TestBuildListingUsesEveryProvidedField(t *testing.T) {
	f := Fields{
		"title":        "Garden help",
		"listing_type": "request",
		"category":     "Gardening",
		"features":     "weekly, tools provided",
		"location":     "Neukölln",
		"free_text":    "prefer mornings",
	}
	_, user, err := Build("listing", f)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	for _, want := range []string{"Garden help", "request", "Gardening", "weekly, tools provided", "Neukölln", "prefer mornings"} {
		if !strings.Contains(user, want) {
			t.Errorf("user prompt missing %q:\n%s", want, user)
		}
	}
}

func TestAntiFabricationContractPresent(t *testing.T) {
	for _, task := range []string{"assistant", "newsletter_body", "blog_body"} {
		f := Fields{"title": "Issue 1", "free_text": "hello"}
		system, _, err := Build(task, f)
		if err != nil {
			t.Fatalf("build %s: %v", task, err)
		}
		if !strings.Contains(system, "Never invent named people") {
			t.Errorf("task %s lacks the anti-fabrication contract:\n%s", task, system)
		}
	}
}

func TestGroundedContextAppended(t *testing.T) {
	block := "=== REAL DATA — USE ONLY THIS ===\nUSER PROFILE\n..."
	_, user, err := Build("assistant", Fields{"free_text": "hi", "context": block})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if !strings.HasSuffix(user, block) {
		t.Fatalf("context block not appended to user prompt:\n%s", user)
	}
}

func TestMessageReplyToneDefaults(t *testing.T) {
	system, _, err := Build("message_reply", Fields{"free_text": "Can you help Saturday?"})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if !strings.Contains(system, "friendly reply") {
		t.Fatalf("expected default friendly tone:\n%s", system)
	}

	system, _, err = Build("message_reply", Fields{"free_text": "Can you help Saturday?", "tone": "formal"})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if !strings.Contains(system, "formal reply") {
		t.Fatalf("expected formal tone:\n%s", system)
	}
}

func TestTasksRegistryComplete(t *testing.T) {
	want := []string{
		"assistant",
		"bio",
		"blog_body", "blog_excerpt", "blog_improve", "blog_seo", "blog_title",
		"event",
		"listing",
		"message_reply",
		"newsletter_body", "newsletter_preview", "newsletter_subject",
		"page_cta", "page_faq", "page_features", "page_full", "page_hero",
		"page_section", "page_seo", "page_testimonials",
	}
	got := Tasks()
	if len(got) != len(want) {
		t.Fatalf("registry has %d tasks, want %d: %v", len(got), len(want), got)
	}
	for i, id := range want {
		if got[i] != id {
			t.Fatalf("task list mismatch at %d: got %s want %s", i, got[i], id)
		}
	}
	for _, id := range want {
		tpl, ok := Lookup(id)
		if !ok {
			t.Fatalf("Lookup(%s) failed", id)
		}
		if tpl.Format == "" || tpl.LengthTarget == "" {
			t.Fatalf("task %s missing format or length target", id)
		}
	}
}
