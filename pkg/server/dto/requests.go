package dto

// QueryNLRequest carries one natural-language question.
type QueryNLRequest struct {
	Text string `json:"text" binding:"required"`
}

// ConversationRequest describes the live conversation pulling outbound
// items or a context block.
type ConversationRequest struct {
	SessionID   string   `json:"session_id" binding:"required"`
	Turn        int      `json:"turn"`
	Topics      []string `json:"topics,omitempty"`
	Entities    []string `json:"entities,omitempty"`
	TokenBudget int      `json:"token_budget,omitempty"`
}

// DeliveredRequest marks an outbound item as surfaced in a session.
type DeliveredRequest struct {
	SessionID string `json:"session_id" binding:"required"`
}

// ResolveRequest records the user's reaction to a delivered item.
type ResolveRequest struct {
	Outcome string `json:"outcome" binding:"required"` // accepted, ignored, deflected
}
