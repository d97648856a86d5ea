// Package chat implements the conversation orchestration engine: a
// three-model pipeline per turn (dialogue partner, opinion analyst,
// trait aggregator) with a streamed event contract and a detached
// background report finalizer.
package chat

import (
	"context"
	"errors"
	"time"
)

// Role identifies the author of a persisted message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Mode selects the conversation style for a session.
type Mode string

const (
	// ModeTopicGuided opens on a marketplace topic snapshotted at
	// session creation.
	ModeTopicGuided Mode = "topic-guided"
	// ModeFreeForm is an open-ended conversation with no topic.
	ModeFreeForm Mode = "free-form"
)

// Valid reports whether the mode is one of the known enumerants.
func (m Mode) Valid() bool { return m == ModeTopicGuided || m == ModeFreeForm }

// Message is one turn of persisted dialogue. Content is always the
// user-visible text; raw model output with control blocks is never
// stored.
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// Topic is the immutable content snapshotted into a session at
// creation, insulating in-flight conversations from later topic edits.
type Topic struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Prompt    string    `json:"prompt"`
	Tags      []string  `json:"tags"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Session is the per-conversation record owned by the orchestrator.
type Session struct {
	ID              string
	UserID          string
	Mode            Mode
	TopicID         string
	TopicPrompt     string
	TopicTitle      string
	TopicTags       []string
	TopicSnapshotAt *time.Time
	Completed       bool
	ReportReady     bool
	Report          string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	DeletedAt       *time.Time
}

// TraitProfile is the per-user long-term profile, overwritten whole on
// each finalization.
type TraitProfile struct {
	UserID     string    `json:"user_id"`
	Summary    string    `json:"summary"`
	FullReport string    `json:"full_report"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Advisory is the analyst's transient per-turn output: covert guidance
// for the dialogue partner plus the readiness signal. Never persisted.
type Advisory struct {
	Advice string
	Ready  bool
}

// TurnRequest carries one caller turn into the orchestrator.
type TurnRequest struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"-"`
	Mode      Mode   `json:"mode"`
	TopicID   string `json:"topic_id,omitempty"`
	UserInput string `json:"message"`
	FirstTurn bool   `json:"is_first"`
	ForceEnd  bool   `json:"force_end"`
}

// EventType enumerates the stream event kinds emitted per turn.
type EventType string

const (
	EventToken        EventType = "token"
	EventUserWantQuit EventType = "user_want_quit"
	EventEnd          EventType = "end"
	EventError        EventType = "error"
)

// ErrorKind classifies error events surfaced to the caller.
type ErrorKind string

const (
	ErrInvalidRequest ErrorKind = "invalid_request"
	ErrGatewayFailure ErrorKind = "gateway_failure"
	ErrInternal       ErrorKind = "internal"
)

// Event is one element of the turn stream. Token events carry Content;
// the terminal end event carries the summary, the refreshed trait
// summary and the full dialogue; error events carry Kind and Message.
type Event struct {
	Type         EventType `json:"type"`
	Content      string    `json:"content,omitempty"`
	Summary      string    `json:"summary,omitempty"`
	TraitSummary string    `json:"trait_summary,omitempty"`
	FullDialogue []Message `json:"full_dialogue,omitempty"`
	Kind         ErrorKind `json:"kind,omitempty"`
	Message      string    `json:"message,omitempty"`
}

// LLMProvider is the gateway contract over generative text backends.
// ChatStream returns an ordered, finite fragment sequence; the error
// channel yields at most one typed failure and fragments already
// delivered stay valid.
type LLMProvider interface {
	Generate(ctx context.Context, model, systemPrompt, userPrompt string, history []Message) (string, error)
	ChatStream(ctx context.Context, model, systemPrompt, userPrompt string, history []Message) (<-chan string, <-chan error)
}

// ConversationStore is the thin persistence facade for sessions and
// messages. Each operation is a single atomic unit against durable
// storage.
type ConversationStore interface {
	// EnsureSession loads the session, creating it lazily on first
	// turn. The boolean reports whether the session was created.
	EnsureSession(ctx context.Context, id, userID string, mode Mode, topicID string) (Session, bool, error)
	// SnapshotTopic writes the immutable topic snapshot columns. Only
	// ever called once, immediately after creation.
	SnapshotTopic(ctx context.Context, sessionID string, t Topic) error
	GetSession(ctx context.Context, sessionID string) (Session, bool, error)
	AppendMessage(ctx context.Context, sessionID string, role Role, content string) error
	// ListMessages returns the full history in strict creation order.
	ListMessages(ctx context.Context, sessionID string) ([]Message, error)
	MarkCompleted(ctx context.Context, sessionID string) error
	// SetReport persists the report body and flips report_ready in a
	// single commit. Returns false when a report was already written.
	SetReport(ctx context.Context, sessionID, report string) (bool, error)
}

// TraitStore reads and replaces per-user trait profiles.
type TraitStore interface {
	GetTraitProfile(ctx context.Context, userID string) (TraitProfile, bool, error)
	UpsertTraitProfile(ctx context.Context, userID, summary, fullReport string) error
}

// TopicProvider resolves marketplace topics, used only to build the
// session snapshot.
type TopicProvider interface {
	GetTopic(ctx context.Context, id string) (Topic, bool, error)
}

// StoreOpener acquires a fresh ConversationStore handle with an
// independent lifetime. The background finalizer uses it instead of
// borrowing the triggering request's handle, which may already be torn
// down by the time the task runs.
type StoreOpener func(ctx context.Context) (ConversationStore, func(), error)

// ErrSessionCompleted is returned for turns against a finalized session.
var ErrSessionCompleted = errors.New("session already completed")
