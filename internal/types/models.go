// internal/types/models.go
package types

import (
	"encoding/json"
	"time"
)

// Notification is a single external event produced by a provider's listing
// tool. Immutable once collected.
type Notification struct {
	ID        string          `json:"id"`
	Source    string          `json:"source"`
	Sender    string          `json:"sender,omitempty"`
	Subject   string          `json:"subject,omitempty"`
	Content   string          `json:"content,omitempty"`
	Type      string          `json:"type,omitempty"`
	CreatedAt time.Time       `json:"created_at,omitempty"`
	Raw       json.RawMessage `json:"raw,omitempty"`
}

// Category is the triage bucket assigned to a notification.
type Category string

const (
	CategoryImmediate Category = "IMMEDIATE"
	CategoryBatch     Category = "BATCH"
	CategoryDigest    Category = "DIGEST"
	CategoryFilter    Category = "FILTER"
)

// Valid reports whether c is one of the four triage categories.
func (c Category) Valid() bool {
	switch c {
	case CategoryImmediate, CategoryBatch, CategoryDigest, CategoryFilter:
		return true
	}
	return false
}

// Decision is the model's verdict for one notification.
type Decision struct {
	NotificationID  string   `json:"notification_id"`
	Decision        Category `json:"decision"`
	UrgencyScore    int      `json:"urgency_score"`
	ImportanceScore int      `json:"importance_score"`
	Reasoning       string   `json:"reasoning"`
	SuggestedAction string   `json:"suggested_action"`
	BatchGroup      string   `json:"batch_group,omitempty"`
}

// BatchGroup collects related BATCH decisions from a single run.
type BatchGroup struct {
	Name            string   `json:"-"`
	Notifications   []string `json:"notifications"`
	Summary         string   `json:"summary"`
	SuggestedTiming string   `json:"suggested_timing"`
}

// TriageResult is the terminal output of one classification run. Degraded
// runs carry an empty decision list and a reason in AnalysisSummary so
// downstream consumers always receive a terminal signal.
type TriageResult struct {
	RunID                  RunID                 `json:"run_id"`
	AnalysisSummary        string                `json:"analysis_summary"`
	Decisions              []Decision            `json:"decisions"`
	BatchGroups            map[string]BatchGroup `json:"batch_groups,omitempty"`
	OverallRecommendations []string              `json:"overall_recommendations,omitempty"`
	Degraded               bool                  `json:"degraded,omitempty"`
	ProcessingTime         time.Duration         `json:"-"`
}

// DecisionFor returns the decision for the given notification id, if any.
func (r *TriageResult) DecisionFor(id string) (*Decision, bool) {
	for i := range r.Decisions {
		if r.Decisions[i].NotificationID == id {
			return &r.Decisions[i], true
		}
	}
	return nil, false
}

// ResultEvent is the broadcast frame pushed to stream subscribers: one
// notification together with its classification, if one was produced.
type ResultEvent struct {
	Source          string      `json:"source"`
	Type            string      `json:"type,omitempty"`
	Notification    *Classified `json:"notification,omitempty"`
	AnalysisSummary string      `json:"analysis_summary,omitempty"`
	Timestamp       time.Time   `json:"timestamp,omitempty"`
}

// Classified is a notification annotated with its triage decision.
type Classified struct {
	Notification
	Classification *Decision `json:"classification,omitempty"`
}
