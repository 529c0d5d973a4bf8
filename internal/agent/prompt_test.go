package agent

import (
	"strings"
	"testing"
	"time"

	"github.com/user/sift/internal/types"
)

func newBuilder(t *testing.T, contentCap int) *PromptBuilder {
	t.Helper()
	b, err := NewPromptBuilder("gpt-4", contentCap)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestMessagesShape(t *testing.T) {
	b := newBuilder(t, 0)
	msgs := b.Messages([]types.Notification{
		{ID: "gmail:1", Source: "gmail", Subject: "hi"},
		{ID: "slack:2", Source: "slack", Subject: "ping"},
	})

	if len(msgs) != 2 {
		t.Fatalf("expected system + user, got %d messages", len(msgs))
	}
	if msgs[0].Role != "system" {
		t.Errorf("first message should be the system prompt, got %q", msgs[0].Role)
	}
	if !strings.Contains(msgs[0].Content, "IMMEDIATE") {
		t.Error("system prompt should state the decision categories")
	}
	if !strings.Contains(msgs[1].Content, "analyze these 2 notifications") {
		t.Errorf("user turn should state the batch size: %q", msgs[1].Content[:80])
	}
}

func TestFormatNotificationsNumbering(t *testing.T) {
	b := newBuilder(t, 0)
	ts := time.Date(2025, 8, 17, 14, 30, 0, 0, time.UTC)
	text := b.FormatNotifications([]types.Notification{
		{ID: "gmail:1", Source: "gmail", Sender: "sarah@x.com", Subject: "mockups", Content: "ready for review", Type: "email", CreatedAt: ts},
		{ID: "slack:2", Source: "slack", Sender: "mike", Content: "quick question"},
	})

	if !strings.Contains(text, "Notification #1:") || !strings.Contains(text, "Notification #2:") {
		t.Errorf("blocks should be numbered:\n%s", text)
	}
	if !strings.Contains(text, "ID: gmail:1") || !strings.Contains(text, "From: sarah@x.com") {
		t.Errorf("block should carry id and sender:\n%s", text)
	}
	if !strings.Contains(text, "2025-08-17T14:30:00Z") {
		t.Errorf("explicit timestamps should be preserved:\n%s", text)
	}
	// Missing fields fall back to placeholders.
	if !strings.Contains(text, "Subject/Title: No subject") {
		t.Errorf("missing subject should use a placeholder:\n%s", text)
	}
	if !strings.Contains(text, "Type: message") {
		t.Errorf("missing type should default to message:\n%s", text)
	}
}

func TestNormalizeContentConvertsHTML(t *testing.T) {
	b := newBuilder(t, 0)
	out := b.normalizeContent("<html><body><p>Hello <strong>world</strong></p></body></html>")

	if strings.Contains(out, "<p>") || strings.Contains(out, "<html") {
		t.Errorf("HTML tags should be gone: %q", out)
	}
	if !strings.Contains(out, "Hello") || !strings.Contains(out, "**world**") {
		t.Errorf("markdown conversion should keep the text: %q", out)
	}
}

func TestNormalizeContentLeavesPlainText(t *testing.T) {
	b := newBuilder(t, 0)
	in := "budget numbers look good, 3 < 5 anyway"
	if out := b.normalizeContent(in); out != in {
		t.Errorf("plain text should pass through: %q", out)
	}
}

func TestNormalizeContentTokenCap(t *testing.T) {
	b := newBuilder(t, 10)
	long := strings.Repeat("meeting notes and action items ", 50)

	out := b.normalizeContent(long)
	if len(out) >= len(long) {
		t.Error("content over the cap should be truncated")
	}
	if !strings.HasSuffix(out, "...") {
		t.Errorf("truncation should be marked: %q", out)
	}
}
