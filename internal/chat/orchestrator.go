package chat

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/yuexia/opinio/internal/marker"
	"github.com/yuexia/opinio/internal/telemetry"
)

var tracer trace.Tracer = otel.Tracer("opinio/internal/chat")

// Orchestrator is the top-level coordinator: it sequences the analyst,
// the dialogue partner and the trait aggregator per turn, owns all
// session and message writes, emits the event stream and schedules the
// detached finalization task.
type Orchestrator struct {
	store    ConversationStore
	traits   TraitStore
	topics   TopicProvider
	provider LLMProvider
	analyst  *Analyst
	agg      *TraitAggregator
	fin      *Finalizer
	tele     *telemetry.Telemetry
	logger   *log.Logger

	dialogueModel string
}

// NewOrchestrator wires the turn pipeline together.
func NewOrchestrator(store ConversationStore, traits TraitStore, topics TopicProvider,
	provider LLMProvider, analyst *Analyst, agg *TraitAggregator, fin *Finalizer,
	dialogueModel string, tele *telemetry.Telemetry, logger *log.Logger) *Orchestrator {
	if logger == nil {
		logger = log.New(log.Writer(), "[ORCH] ", log.LstdFlags)
	}
	return &Orchestrator{
		store:         store,
		traits:        traits,
		topics:        topics,
		provider:      provider,
		analyst:       analyst,
		agg:           agg,
		fin:           fin,
		tele:          tele,
		logger:        logger,
		dialogueModel: dialogueModel,
	}
}

// StreamTurn runs one caller turn and returns its event stream: zero or
// more token events in emission order, optionally a user_want_quit
// event, and either an implicit end (channel close) or an explicit end
// event when the conversation is finalized. The channel is closed when
// the turn completes; the sequence is finite and non-restartable.
func (o *Orchestrator) StreamTurn(ctx context.Context, req TurnRequest) <-chan Event {
	out := make(chan Event)
	go func() {
		defer close(out)
		start := time.Now()
		err := o.runTurn(ctx, req, out)
		o.tele.RecordTurn(string(req.Mode), time.Since(start), err)
		if err != nil {
			o.logger.Printf("turn failed session=%s user=%s mode=%s topic=%s: %v",
				req.SessionID, req.UserID, req.Mode, req.TopicID, err)
		}
	}()
	return out
}

func (o *Orchestrator) runTurn(ctx context.Context, req TurnRequest, out chan<- Event) error {
	ctx, span := tracer.Start(ctx, "chat.turn",
		trace.WithAttributes(
			attribute.String("session.id", req.SessionID),
			attribute.String("user.id", req.UserID),
			attribute.String("mode", string(req.Mode)),
		))
	defer span.End()

	if err := o.validate(req); err != nil {
		o.emit(ctx, out, Event{Type: EventError, Kind: ErrInvalidRequest, Message: err.Error()})
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	// Resolve the topic before any session write: an unknown topic or
	// a failing lookup must abort the turn leaving nothing behind. The
	// snapshot is re-attempted on any turn where it is still missing,
	// so a crash between session creation and snapshotting heals on
	// the next turn.
	var snapshotSrc *Topic
	if req.Mode == ModeTopicGuided {
		existing, ok, err := o.store.GetSession(ctx, req.SessionID)
		if err != nil {
			o.emit(ctx, out, Event{Type: EventError, Kind: ErrInternal, Message: "internal error"})
			span.RecordError(err)
			return fmt.Errorf("load session: %w", err)
		}
		if !ok || existing.TopicSnapshotAt == nil {
			topic, found, err := o.topics.GetTopic(ctx, req.TopicID)
			if err != nil {
				o.emit(ctx, out, Event{Type: EventError, Kind: ErrInternal, Message: "internal error"})
				return fmt.Errorf("load topic: %w", err)
			}
			if !found {
				err := fmt.Errorf("unknown topic: %s", req.TopicID)
				o.emit(ctx, out, Event{Type: EventError, Kind: ErrInvalidRequest, Message: err.Error()})
				return err
			}
			snapshotSrc = &topic
		}
	}

	sess, created, err := o.store.EnsureSession(ctx, req.SessionID, req.UserID, req.Mode, req.TopicID)
	if err != nil {
		o.emit(ctx, out, Event{Type: EventError, Kind: ErrInternal, Message: "internal error"})
		span.RecordError(err)
		return fmt.Errorf("ensure session: %w", err)
	}

	if !created && sess.UserID != req.UserID {
		err := fmt.Errorf("session %s does not belong to caller", req.SessionID)
		o.emit(ctx, out, Event{Type: EventError, Kind: ErrInvalidRequest, Message: err.Error()})
		return err
	}

	// Completed is terminal; a stray turn is an error even with
	// force_end set, so finalization never runs twice.
	if sess.Completed {
		o.emit(ctx, out, Event{Type: EventError, Kind: ErrInvalidRequest, Message: ErrSessionCompleted.Error()})
		return ErrSessionCompleted
	}

	if snapshotSrc != nil && sess.TopicSnapshotAt == nil {
		if err := o.store.SnapshotTopic(ctx, sess.ID, *snapshotSrc); err != nil {
			o.emit(ctx, out, Event{Type: EventError, Kind: ErrInternal, Message: "internal error"})
			return fmt.Errorf("snapshot topic: %w", err)
		}
		now := time.Now()
		sess.TopicPrompt, sess.TopicTitle, sess.TopicTags = snapshotSrc.Prompt, snapshotSrc.Title, snapshotSrc.Tags
		sess.TopicSnapshotAt = &now
	}

	// The long-term profile feeds every stage this turn; a missing or
	// unreadable profile degrades to empty context, never a failure.
	trait, _, err := o.traits.GetTraitProfile(ctx, req.UserID)
	if err != nil {
		o.logger.Printf("trait load failed user=%s: %v", req.UserID, err)
		trait = TraitProfile{}
	}

	if req.ForceEnd {
		return o.finalize(ctx, sess, trait, out)
	}

	if req.Mode == ModeTopicGuided && req.FirstTurn {
		return o.openingTurn(ctx, sess, trait, out)
	}
	return o.continuingTurn(ctx, req, sess, trait, out)
}

func (o *Orchestrator) validate(req TurnRequest) error {
	if strings.TrimSpace(req.SessionID) == "" {
		return fmt.Errorf("session_id required")
	}
	if strings.TrimSpace(req.UserID) == "" {
		return fmt.Errorf("user_id required")
	}
	if !req.Mode.Valid() {
		return fmt.Errorf("unknown mode: %q", req.Mode)
	}
	if req.Mode == ModeTopicGuided && strings.TrimSpace(req.TopicID) == "" {
		return fmt.Errorf("topic_id required for %s mode", ModeTopicGuided)
	}
	// Only a topic-guided opening turn carries no user input; the
	// partner speaks first there.
	opening := req.Mode == ModeTopicGuided && req.FirstTurn
	if !req.ForceEnd && !opening && strings.TrimSpace(req.UserInput) == "" {
		return fmt.Errorf("message required")
	}
	return nil
}

// openingTurn is the topic-guided first turn: no analyst stage, the
// partner opens using the topic snapshot as its directive.
func (o *Orchestrator) openingTurn(ctx context.Context, sess Session, trait TraitProfile, out chan<- Event) error {
	system := dialogueSystemPrompt
	if trait.Summary != "" {
		system += "\n\n# Long-term trait summary of this user:\n" + trait.Summary
	}
	system += topicContext(sessionTopic(sess)) + "\n" + topicGuidedIntro

	return o.partnerReply(ctx, sess.ID, system, sess.TopicPrompt, nil, out)
}

// continuingTurn is the standard turn: persist the user input, run the
// analyst, possibly detach finalization, then run the partner. The
// write order (user message, analyst, partner, assistant message) is
// what gives later turns read-after-write consistent history.
func (o *Orchestrator) continuingTurn(ctx context.Context, req TurnRequest, sess Session, trait TraitProfile, out chan<- Event) error {
	// Writes survive a caller disconnect mid-turn.
	writeCtx := context.WithoutCancel(ctx)

	if err := o.store.AppendMessage(writeCtx, sess.ID, RoleUser, req.UserInput); err != nil {
		o.emit(ctx, out, Event{Type: EventError, Kind: ErrInternal, Message: "internal error"})
		return fmt.Errorf("append user message: %w", err)
	}
	history, err := o.store.ListMessages(ctx, sess.ID)
	if err != nil {
		o.emit(ctx, out, Event{Type: EventError, Kind: ErrInternal, Message: "internal error"})
		return fmt.Errorf("load history: %w", err)
	}

	topic := sessionTopic(sess)
	adv, err := o.analyst.Analyze(ctx, history, req.UserInput, sess.Mode, topic, trait)
	if err != nil {
		o.emit(ctx, out, Event{Type: EventError, Kind: ErrGatewayFailure, Message: "assistant unavailable"})
		return fmt.Errorf("analyze: %w", err)
	}

	advice := adv.Advice
	if adv.Ready {
		// Readiness conditionally schedules a disjoint workflow; the
		// token stream never waits on it.
		if o.fin.Schedule(ReportJob{SessionID: sess.ID, Mode: sess.Mode, Topic: topic, Trait: trait}) {
			o.logger.Printf("report scheduled session=%s", sess.ID)
		}
		advice += readyNotice
	}

	system := dialogueSystemPrompt
	if trait.Summary != "" {
		system += "\n\n# Long-term trait summary of this user:\n" + trait.Summary
	}
	if sess.Mode == ModeTopicGuided {
		system += topicContext(topic)
	} else {
		system += "\n\n" + freeFormIntro
	}

	return o.partnerReply(ctx, sess.ID, system, advisoryPrompt(advice, req.UserInput), history, out)
}

// partnerReply calls the dialogue partner, accumulates the complete
// raw reply, strips control markers, persists the visible text as one
// assistant message and then streams it as token events. Accumulation
// happens before stripping because a marker block can be split across
// arbitrary fragment boundaries; persistence is all-or-nothing per
// turn.
func (o *Orchestrator) partnerReply(ctx context.Context, sessionID, system, userPrompt string, history []Message, out chan<- Event) error {
	start := time.Now()
	frags, errs := o.provider.ChatStream(ctx, o.dialogueModel, system, userPrompt, history)
	var sb strings.Builder
	for frag := range frags {
		sb.WriteString(frag)
	}
	err := <-errs
	o.tele.RecordLLMCall(o.dialogueModel, time.Since(start), err)
	if err != nil {
		o.emit(ctx, out, Event{Type: EventError, Kind: ErrGatewayFailure, Message: "assistant unavailable"})
		return fmt.Errorf("dialogue stream: %w", err)
	}

	raw := sb.String()
	visible := marker.Strip(raw)

	// Persist before emitting so history stays consistent even if the
	// caller goes away while tokens are being delivered.
	if err := o.store.AppendMessage(context.WithoutCancel(ctx), sessionID, RoleAssistant, visible); err != nil {
		o.emit(ctx, out, Event{Type: EventError, Kind: ErrInternal, Message: "internal error"})
		return fmt.Errorf("append assistant message: %w", err)
	}

	sent := 0
	for _, r := range visible {
		if !o.emit(ctx, out, Event{Type: EventToken, Content: string(r)}) {
			break
		}
		sent++
	}
	o.tele.RecordTokens(sent)

	if marker.ParseFlags(raw).UserWantQuit {
		// Advisory only: the caller decides whether to force_end.
		o.emit(ctx, out, Event{Type: EventUserWantQuit})
	}
	return nil
}

// finalize is the synchronous end-of-conversation path: one-line
// summary, trait aggregation, profile upsert, completion mark, end
// event. It never runs the dialogue partner and is independent of the
// background report path.
func (o *Orchestrator) finalize(ctx context.Context, sess Session, trait TraitProfile, out chan<- Event) error {
	history, err := o.store.ListMessages(ctx, sess.ID)
	if err != nil {
		o.emit(ctx, out, Event{Type: EventError, Kind: ErrInternal, Message: "internal error"})
		return fmt.Errorf("load history: %w", err)
	}

	start := time.Now()
	rawSummary, err := o.provider.Generate(ctx, o.dialogueModel, summarySystemPrompt,
		"Summarize this conversation in one sentence for the user:\n\n"+formatHistory(history), nil)
	o.tele.RecordLLMCall(o.dialogueModel, time.Since(start), err)
	if err != nil {
		o.emit(ctx, out, Event{Type: EventError, Kind: ErrGatewayFailure, Message: "assistant unavailable"})
		return fmt.Errorf("summary: %w", err)
	}
	summary := strings.TrimSpace(marker.Strip(rawSummary))

	traitSummary, traitFull, err := o.agg.UpdateTraits(ctx, map[string][]Message{sess.ID: history})
	if err != nil {
		o.emit(ctx, out, Event{Type: EventError, Kind: ErrGatewayFailure, Message: "assistant unavailable"})
		return fmt.Errorf("update traits: %w", err)
	}

	writeCtx := context.WithoutCancel(ctx)
	if err := o.traits.UpsertTraitProfile(writeCtx, sess.UserID, traitSummary, traitFull); err != nil {
		o.emit(ctx, out, Event{Type: EventError, Kind: ErrInternal, Message: "internal error"})
		return fmt.Errorf("upsert traits: %w", err)
	}
	if err := o.store.MarkCompleted(writeCtx, sess.ID); err != nil {
		o.emit(ctx, out, Event{Type: EventError, Kind: ErrInternal, Message: "internal error"})
		return fmt.Errorf("mark completed: %w", err)
	}

	o.emit(ctx, out, Event{
		Type:         EventEnd,
		Summary:      summary,
		TraitSummary: traitSummary,
		FullDialogue: history,
	})
	return nil
}

// emit delivers an event unless the caller has gone away. Reports
// whether delivery happened; a false return is the turn's yield point
// for cancellation.
func (o *Orchestrator) emit(ctx context.Context, out chan<- Event, ev Event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// sessionTopic rebuilds the topic view from the session's immutable
// snapshot columns. Nil for free-form sessions.
func sessionTopic(sess Session) *Topic {
	if sess.Mode != ModeTopicGuided {
		return nil
	}
	return &Topic{
		ID:     sess.TopicID,
		Title:  sess.TopicTitle,
		Prompt: sess.TopicPrompt,
		Tags:   sess.TopicTags,
	}
}
