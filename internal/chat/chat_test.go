package chat

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/yuexia/opinio/config"
	"github.com/yuexia/opinio/internal/telemetry"
)

// memStore is an in-memory ConversationStore, TraitStore and
// TopicProvider used across the package tests.
type memStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
	messages map[string][]Message
	traits   map[string]TraitProfile
	topics   map[string]Topic

	reportWrites int
	traitUpserts int

	appendErr error
	listErr   error
	traitErr  error
}

func newMemStore() *memStore {
	return &memStore{
		sessions: make(map[string]*Session),
		messages: make(map[string][]Message),
		traits:   make(map[string]TraitProfile),
		topics:   make(map[string]Topic),
	}
}

func (m *memStore) EnsureSession(ctx context.Context, id, userID string, mode Mode, topicID string) (Session, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		return *s, false, nil
	}
	s := &Session{ID: id, UserID: userID, Mode: mode, TopicID: topicID}
	m.sessions[id] = s
	return *s, true, nil
}

func (m *memStore) SnapshotTopic(ctx context.Context, sessionID string, t Topic) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("no session %s", sessionID)
	}
	if s.TopicSnapshotAt != nil {
		return nil
	}
	now := time.Now()
	s.TopicPrompt, s.TopicTitle, s.TopicTags = t.Prompt, t.Title, t.Tags
	s.TopicSnapshotAt = &now
	return nil
}

func (m *memStore) GetSession(ctx context.Context, sessionID string) (Session, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return Session{}, false, nil
	}
	return *s, true, nil
}

func (m *memStore) AppendMessage(ctx context.Context, sessionID string, role Role, content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.appendErr != nil {
		return m.appendErr
	}
	m.messages[sessionID] = append(m.messages[sessionID], Message{Role: role, Content: content})
	return nil
}

func (m *memStore) ListMessages(ctx context.Context, sessionID string) ([]Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	out := make([]Message, len(m.messages[sessionID]))
	copy(out, m.messages[sessionID])
	return out, nil
}

func (m *memStore) MarkCompleted(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("no session %s", sessionID)
	}
	s.Completed = true
	return nil
}

func (m *memStore) SetReport(ctx context.Context, sessionID, report string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return false, fmt.Errorf("no session %s", sessionID)
	}
	if s.ReportReady {
		return false, nil
	}
	s.Report, s.ReportReady = report, true
	m.reportWrites++
	return true, nil
}

func (m *memStore) GetTraitProfile(ctx context.Context, userID string) (TraitProfile, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.traitErr != nil {
		return TraitProfile{}, false, m.traitErr
	}
	p, ok := m.traits[userID]
	return p, ok, nil
}

func (m *memStore) UpsertTraitProfile(ctx context.Context, userID, summary, fullReport string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.traits[userID] = TraitProfile{UserID: userID, Summary: summary, FullReport: fullReport}
	m.traitUpserts++
	return nil
}

func (m *memStore) GetTopic(ctx context.Context, id string) (Topic, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.topics[id]
	return t, ok, nil
}

func (m *memStore) session(id string) Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.sessions[id]
}

func (m *memStore) history(id string) []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Message, len(m.messages[id]))
	copy(out, m.messages[id])
	return out
}

// genCall records one blocking gateway request.
type genCall struct {
	Model  string
	System string
	User   string
}

// scriptProvider serves canned replies per model, FIFO, and a single
// canned fragment stream.
type scriptProvider struct {
	mu      sync.Mutex
	replies map[string][]string
	errs    map[string]error
	calls   []genCall

	stream    []string
	streamErr error
}

func newScriptProvider() *scriptProvider {
	return &scriptProvider{
		replies: make(map[string][]string),
		errs:    make(map[string]error),
	}
}

func (p *scriptProvider) reply(model string, texts ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.replies[model] = append(p.replies[model], texts...)
}

func (p *scriptProvider) Generate(ctx context.Context, model, systemPrompt, userPrompt string, history []Message) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, genCall{Model: model, System: systemPrompt, User: userPrompt})
	if err := p.errs[model]; err != nil {
		return "", err
	}
	queue := p.replies[model]
	if len(queue) == 0 {
		return "", fmt.Errorf("no scripted reply for model %s", model)
	}
	p.replies[model] = queue[1:]
	return queue[0], nil
}

func (p *scriptProvider) ChatStream(ctx context.Context, model, systemPrompt, userPrompt string, history []Message) (<-chan string, <-chan error) {
	p.mu.Lock()
	frags := make([]string, len(p.stream))
	copy(frags, p.stream)
	streamErr := p.streamErr
	p.mu.Unlock()

	out := make(chan string, len(frags))
	errc := make(chan error, 1)
	for _, f := range frags {
		out <- f
	}
	if streamErr != nil {
		errc <- streamErr
	}
	close(out)
	close(errc)
	return out, errc
}

func testTelemetry() *telemetry.Telemetry {
	return telemetry.NewTelemetry(config.TelemetryConfig{}, quietLogger())
}

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func collect(ch <-chan Event) []Event {
	var out []Event
	for ev := range ch {
		out = append(out, ev)
	}
	return out
}

func tokensText(events []Event) string {
	var s string
	for _, ev := range events {
		if ev.Type == EventToken {
			s += ev.Content
		}
	}
	return s
}
