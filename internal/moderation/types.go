package moderation

// ModerationRequest is published to moderation.check by the WS server after
// a chat message has been persisted.
type ModerationRequest struct {
	MessageID  string `json:"message_id"`
	SenderID   string `json:"sender_id"`
	ReceiverID string `json:"receiver_id"`
	Text       string `json:"text"`
	Ts         int64  `json:"ts"`
}

// ModerationResult is published back to the WS servers with the review
// outcome, on moderation.result.<sender_id>.
type ModerationResult struct {
	MessageID  string `json:"message_id"`
	SenderID   string `json:"sender_id"`
	Blocked    bool   `json:"blocked"`
	Reason     string `json:"reason"`
	Term       string `json:"term"`
	BanSeconds int    `json:"ban_seconds"`
	BanReason  string `json:"ban_reason,omitempty"` // ban.ReasonAbuse or ban.ReasonSpam
	Offenses   int    `json:"offenses,omitempty"`   // flags against the sender in the last 24h
}
