// Package agent drives a batch of notifications through the reasoning engine,
// executing provider tools the model requests, until a triage result is
// produced.
package agent

import (
	"fmt"
	"strings"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/pkoukk/tiktoken-go"

	"github.com/user/sift/internal/types"
	"github.com/user/sift/pkg/llm"
)

const systemPrompt = `You are an intelligent notification management agent for busy professionals. Your job is to analyze incoming notifications and decide which ones deserve immediate attention, which should be batched together, and which can be filtered out entirely.

## YOUR MISSION
Help users stay focused by intelligently filtering and prioritizing their communication. Reduce notification overwhelm while ensuring nothing truly important is missed.

## DECISION CATEGORIES
You must categorize each notification into exactly one of these categories:

**IMMEDIATE** - Requires attention within 5 minutes
- True emergencies or time-critical issues
- Communications from top-tier contacts (CEO, direct manager on urgent matters)
- Meeting starting in <15 minutes that user must attend
- System outages affecting current work
- Deadline reminders for tasks due today

**BATCH** - Important but can wait 15-30 minutes, group with similar items
- Communications from important colleagues about active projects
- Meeting invitations for upcoming days
- Client communications that aren't urgent
- Project updates from team members

**DIGEST** - Include in hourly/daily summary
- Company announcements and updates
- Newsletter content
- Meeting notes and recordings
- Non-urgent project status updates

**FILTER** - Hide entirely, too low value
- Marketing emails and promotional content
- Automated system reports that aren't actionable
- Spam and clearly irrelevant content

## DECISION PROCESS
For each notification:

1. **Use available tools** to gather context about the user's current situation, sender importance, and project relevance
2. **Assess urgency**: Is this about something happening today? Does it require immediate action?
3. **Evaluate importance**: Who is the sender? How relevant is this to current work?
4. **Make decision**: Apply the category definitions consistently

Use tools efficiently - not every notification needs every tool call. For obviously low-priority items (newsletters, automated reports), make quick decisions.

## RESPONSE FORMAT
You must respond with a structured JSON object:

{
    "analysis_summary": "Brief overview of the notification batch and your approach",
    "decisions": [
        {
            "notification_id": "unique_id_from_notification",
            "decision": "IMMEDIATE|BATCH|DIGEST|FILTER",
            "urgency_score": 1-10,
            "importance_score": 1-10,
            "reasoning": "Clear explanation of why you made this decision",
            "suggested_action": "What the user should do with this notification",
            "batch_group": "group_name (if BATCH decision)"
        }
    ],
    "batch_groups": {
        "group_name": {
            "notifications": ["id1", "id2"],
            "summary": "Summary of this group",
            "suggested_timing": "when to deliver this batch"
        }
    },
    "overall_recommendations": [
        "Any patterns noticed",
        "Suggestions for optimization"
    ]
}

Remember: When uncertain, err on the side of showing rather than hiding, but use BATCH or DIGEST rather than IMMEDIATE for uncertain cases.`

const defaultContentTokenCap = 400

// PromptBuilder serializes a notification batch into the opening conversation
// turns. HTML bodies are converted to markdown and each notification's content
// is truncated to a token cap before it reaches the model.
type PromptBuilder struct {
	tokenizer  *tiktoken.Tiktoken
	contentCap int
}

// NewPromptBuilder creates a builder using the tokenizer for the given model.
// contentCap <= 0 selects the default per-notification token cap.
func NewPromptBuilder(model string, contentCap int) (*PromptBuilder, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		// Fallback to cl100k_base for unknown models
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("get tokenizer: %w", err)
		}
	}
	if contentCap <= 0 {
		contentCap = defaultContentTokenCap
	}
	return &PromptBuilder{tokenizer: enc, contentCap: contentCap}, nil
}

// Messages builds the system and first user turn for a batch.
func (b *PromptBuilder) Messages(notifications []types.Notification) []llm.Message {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Please analyze these %d notifications and make priority decisions.\n\n", len(notifications))
	sb.WriteString(b.FormatNotifications(notifications))
	sb.WriteString("\n\nUse available tools to gather context as needed, then provide your structured decision response following the exact JSON format specified in your instructions.")

	return []llm.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: sb.String()},
	}
}

// FormatNotifications renders the batch as numbered blocks.
func (b *PromptBuilder) FormatNotifications(notifications []types.Notification) string {
	blocks := make([]string, 0, len(notifications))
	for i, n := range notifications {
		ts := n.CreatedAt
		if ts.IsZero() {
			ts = time.Now()
		}
		blocks = append(blocks, fmt.Sprintf(
			"Notification #%d:\nID: %s\nPlatform: %s\nFrom: %s\nSubject/Title: %s\nContent Preview: %s\nTimestamp: %s\nType: %s\n---",
			i+1,
			n.ID,
			orDefault(n.Source, "unknown"),
			orDefault(n.Sender, "unknown"),
			orDefault(n.Subject, "No subject"),
			b.normalizeContent(n.Content),
			ts.Format(time.RFC3339),
			orDefault(n.Type, "message"),
		))
	}
	return strings.Join(blocks, "\n\n")
}

// normalizeContent converts HTML to markdown and enforces the token cap.
func (b *PromptBuilder) normalizeContent(content string) string {
	if looksLikeHTML(content) {
		if md, err := htmltomarkdown.ConvertString(content); err == nil {
			content = md
		}
	}
	tokens := b.tokenizer.Encode(content, nil, nil)
	if len(tokens) > b.contentCap {
		content = b.tokenizer.Decode(tokens[:b.contentCap]) + "..."
	}
	return strings.TrimSpace(content)
}

func looksLikeHTML(s string) bool {
	lower := strings.ToLower(s)
	for _, tag := range []string{"<html", "<body", "<div", "<p>", "<br", "<table", "<a href"} {
		if strings.Contains(lower, tag) {
			return true
		}
	}
	return false
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
