package server

import "time"

// HTTPError is the unified error envelope.
type HTTPError struct {
	Error string `json:"error"`
}

type AuthSignupRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type AuthLoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type TokenResponse struct {
	Token string `json:"token"`
}

// SessionSummary is the listing view of a session.
type SessionSummary struct {
	ID          string     `json:"id"`
	Mode        string     `json:"mode"`
	TopicID     string     `json:"topic_id,omitempty"`
	TopicTitle  string     `json:"topic_title,omitempty"`
	Completed   bool       `json:"is_completed"`
	ReportReady bool       `json:"report_ready"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	SnapshotAt  *time.Time `json:"topic_snapshot_at,omitempty"`
}

// ReportStatusResponse answers the "is report ready" read.
type ReportStatusResponse struct {
	Ready bool `json:"ready"`
}

// ReportResponse carries the persisted report body.
type ReportResponse struct {
	Report string `json:"report"`
}
