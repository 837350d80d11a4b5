package models

import "time"

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// InsightType selects which derived health insight the assistant should
// ground its reply in when health data is attached to a send.
type InsightType string

const (
	InsightRawData       InsightType = "raw_data"
	InsightTrendSummary  InsightType = "trend_summary"
	InsightConsistency   InsightType = "consistency_score"
	InsightCorrelations  InsightType = "correlations"
	InsightComprehensive InsightType = "comprehensive"
)

// ValidInsightType reports whether s names a known insight mode.
func ValidInsightType(s string) bool {
	switch InsightType(s) {
	case InsightRawData, InsightTrendSummary, InsightConsistency,
		InsightCorrelations, InsightComprehensive:
		return true
	}
	return false
}

// Credentials is the immutable credential bundle issued at login.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Session associates the local client with an authenticated remote user.
// At most one session is active per client instance.
type Session struct {
	UserID      int64       `json:"userId"`
	Credentials Credentials `json:"credentials"`
}

// Conversation is one entry of the server-side chat list.
type Conversation struct {
	ID        string    `json:"chat_id"`
	Name      string    `json:"chat_name"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Message is a single timeline entry. Pending marks a local optimistic
// placeholder that the server has not confirmed yet; it is never sent
// over the wire.
type Message struct {
	ID        string    `json:"-"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
	Pending   bool      `json:"-"`
}

// SendOptions carries the caller-supplied options for a message send.
type SendOptions struct {
	UseHealthData bool
	InsightType   InsightType
}
