package chat

import (
	"context"
	"errors"
	"testing"
	"time"
)

const (
	testDialogueModel = "dlg-model"
	testAnalysisModel = "ana-model"
	testTraitsModel   = "trt-model"
)

func newTestOrchestrator(st *memStore, p *scriptProvider) (*Orchestrator, *Finalizer) {
	tele := testTelemetry()
	logger := quietLogger()
	analyst := NewAnalyst(p, testAnalysisModel, tele, logger)
	agg := NewTraitAggregator(p, testTraitsModel, tele, logger)
	opener := func(ctx context.Context) (ConversationStore, func(), error) {
		return st, func() {}, nil
	}
	fin := NewFinalizer(opener, analyst, tele, logger, 1, time.Minute)
	orch := NewOrchestrator(st, st, st, p, analyst, agg, fin, testDialogueModel, tele, logger)
	return orch, fin
}

func TestOpeningTurnSnapshotsTopicAndPersistsReply(t *testing.T) {
	st := newMemStore()
	st.topics["tea"] = Topic{ID: "tea", Title: "Loose leaf tea", Prompt: "Is loose leaf worth the fuss?", Tags: []string{"food"}}
	p := newScriptProvider()
	p.stream = []string{"Hi the", "re!", `<SYS>{"user_want_to_quit": false}</SYS>`}

	orch, fin := newTestOrchestrator(st, p)
	defer fin.Close()

	events := collect(orch.StreamTurn(context.Background(), TurnRequest{
		SessionID: "s1", UserID: "u1", Mode: ModeTopicGuided, TopicID: "tea", FirstTurn: true,
	}))

	if got := tokensText(events); got != "Hi there!" {
		t.Fatalf("streamed text = %q, want %q", got, "Hi there!")
	}
	for _, ev := range events {
		if ev.Type == EventError || ev.Type == EventUserWantQuit {
			t.Fatalf("unexpected event %+v", ev)
		}
	}

	sess := st.session("s1")
	if sess.TopicPrompt != "Is loose leaf worth the fuss?" || sess.TopicTitle != "Loose leaf tea" {
		t.Fatalf("topic snapshot missing: %+v", sess)
	}
	hist := st.history("s1")
	if len(hist) != 1 || hist[0].Role != RoleAssistant || hist[0].Content != "Hi there!" {
		t.Fatalf("history = %+v, want single stripped assistant message", hist)
	}
}

func TestContinuingTurnPersistsUserThenAssistant(t *testing.T) {
	st := newMemStore()
	p := newScriptProvider()
	p.reply(testAnalysisModel, `{"advice": "ask a follow-up", "report_ready": false}`)
	p.stream = []string{"Tell me more."}

	orch, fin := newTestOrchestrator(st, p)
	defer fin.Close()

	events := collect(orch.StreamTurn(context.Background(), TurnRequest{
		SessionID: "s1", UserID: "u1", Mode: ModeFreeForm, UserInput: "I like quiet mornings.",
	}))

	if got := tokensText(events); got != "Tell me more." {
		t.Fatalf("streamed text = %q", got)
	}
	hist := st.history("s1")
	if len(hist) != 2 {
		t.Fatalf("history length = %d, want 2", len(hist))
	}
	if hist[0].Role != RoleUser || hist[0].Content != "I like quiet mornings." {
		t.Fatalf("first message = %+v, want user input", hist[0])
	}
	if hist[1].Role != RoleAssistant || hist[1].Content != "Tell me more." {
		t.Fatalf("second message = %+v, want assistant reply", hist[1])
	}
}

func TestReadinessSchedulesReportOnce(t *testing.T) {
	st := newMemStore()
	p := newScriptProvider()
	p.reply(testAnalysisModel,
		`{"advice": "wrap up", "report_ready": true}`, // analyst, turn 1
		"final opinion report",                        // background report, turn 1
		`{"advice": "wrap up", "report_ready": true}`, // analyst, turn 2
		"final opinion report (duplicate)")            // must never be consumed
	p.stream = []string{"Noted."}

	orch, fin := newTestOrchestrator(st, p)

	turn := func(i int) {
		events := collect(orch.StreamTurn(context.Background(), TurnRequest{
			SessionID: "s1", UserID: "u1", Mode: ModeFreeForm, UserInput: "That is my final word.",
		}))
		for _, ev := range events {
			if ev.Type == EventError {
				t.Fatalf("turn %d: unexpected error event %+v", i, ev)
			}
		}
	}

	turn(1)
	waitFor(t, func() bool { return st.session("s1").ReportReady })
	turn(2)
	fin.Close()

	sess := st.session("s1")
	if !sess.ReportReady || sess.Report != "final opinion report" {
		t.Fatalf("report = %+v, want first report persisted", sess)
	}
	if st.reportWrites != 1 {
		t.Fatalf("report writes = %d, want exactly 1", st.reportWrites)
	}
}

func TestForceEndFinalizesWithoutPartner(t *testing.T) {
	st := newMemStore()
	st.sessions["s1"] = &Session{ID: "s1", UserID: "u1", Mode: ModeFreeForm}
	st.messages["s1"] = []Message{
		{Role: RoleUser, Content: "I think remote work is here to stay."},
		{Role: RoleAssistant, Content: "What makes you confident?"},
	}
	p := newScriptProvider()
	p.reply(testDialogueModel, "A chat about remote work.")
	p.reply(testTraitsModel, "Values autonomy; skeptical of mandates.", "Autonomy-driven pragmatist.")

	orch, fin := newTestOrchestrator(st, p)
	defer fin.Close()

	events := collect(orch.StreamTurn(context.Background(), TurnRequest{
		SessionID: "s1", UserID: "u1", Mode: ModeFreeForm, ForceEnd: true,
	}))

	if len(events) != 1 || events[0].Type != EventEnd {
		t.Fatalf("events = %+v, want single end event", events)
	}
	end := events[0]
	if end.Summary != "A chat about remote work." {
		t.Fatalf("summary = %q", end.Summary)
	}
	if end.TraitSummary != "Autonomy-driven pragmatist." {
		t.Fatalf("trait summary = %q", end.TraitSummary)
	}
	if len(end.FullDialogue) != 2 {
		t.Fatalf("full dialogue length = %d, want 2", len(end.FullDialogue))
	}

	if !st.session("s1").Completed {
		t.Fatal("session not marked completed")
	}
	prof, ok, _ := st.GetTraitProfile(context.Background(), "u1")
	if !ok || prof.Summary != "Autonomy-driven pragmatist." || prof.FullReport != "Values autonomy; skeptical of mandates." {
		t.Fatalf("trait profile = %+v", prof)
	}
	if len(st.history("s1")) != 2 {
		t.Fatal("force_end must not append messages")
	}
}

func TestGatewayFailureMidStream(t *testing.T) {
	st := newMemStore()
	p := newScriptProvider()
	p.reply(testAnalysisModel, `{"advice": "keep going", "report_ready": false}`)
	p.stream = []string{"partial "}
	p.streamErr = errors.New("upstream reset")

	orch, fin := newTestOrchestrator(st, p)
	defer fin.Close()

	events := collect(orch.StreamTurn(context.Background(), TurnRequest{
		SessionID: "s1", UserID: "u1", Mode: ModeFreeForm, UserInput: "hello",
	}))

	var errEvents []Event
	for _, ev := range events {
		switch ev.Type {
		case EventError:
			errEvents = append(errEvents, ev)
		case EventToken:
			t.Fatalf("no tokens expected before accumulation completes, got %+v", ev)
		}
	}
	if len(errEvents) != 1 || errEvents[0].Kind != ErrGatewayFailure {
		t.Fatalf("error events = %+v, want one gateway_failure", errEvents)
	}

	hist := st.history("s1")
	if len(hist) != 1 || hist[0].Role != RoleUser {
		t.Fatalf("history = %+v, want only the persisted user message", hist)
	}
}

func TestQuitSignalIsAdvisoryOnly(t *testing.T) {
	st := newMemStore()
	p := newScriptProvider()
	p.reply(testAnalysisModel, `{"advice": "", "report_ready": false}`)
	p.stream = []string{"Bye", ` for now.<SYS>{"user_want_to_quit": true}</SYS>`}

	orch, fin := newTestOrchestrator(st, p)
	defer fin.Close()

	events := collect(orch.StreamTurn(context.Background(), TurnRequest{
		SessionID: "s1", UserID: "u1", Mode: ModeFreeForm, UserInput: "I have to go.",
	}))

	if got := tokensText(events); got != "Bye for now." {
		t.Fatalf("streamed text = %q", got)
	}
	last := events[len(events)-1]
	if last.Type != EventUserWantQuit {
		t.Fatalf("last event = %+v, want user_want_quit", last)
	}
	if st.session("s1").Completed {
		t.Fatal("quit signal must not complete the session")
	}
}

func TestTurnAgainstCompletedSessionRejected(t *testing.T) {
	st := newMemStore()
	st.sessions["s1"] = &Session{ID: "s1", UserID: "u1", Mode: ModeFreeForm, Completed: true}
	p := newScriptProvider()

	orch, fin := newTestOrchestrator(st, p)
	defer fin.Close()

	events := collect(orch.StreamTurn(context.Background(), TurnRequest{
		SessionID: "s1", UserID: "u1", Mode: ModeFreeForm, UserInput: "one more thing",
	}))

	if len(events) != 1 || events[0].Type != EventError || events[0].Kind != ErrInvalidRequest {
		t.Fatalf("events = %+v, want single invalid_request error", events)
	}
}

func TestForceEndOnCompletedSessionRejected(t *testing.T) {
	st := newMemStore()
	st.sessions["s1"] = &Session{ID: "s1", UserID: "u1", Mode: ModeFreeForm, Completed: true}
	p := newScriptProvider() // any gateway call would fail: none expected

	orch, fin := newTestOrchestrator(st, p)
	defer fin.Close()

	events := collect(orch.StreamTurn(context.Background(), TurnRequest{
		SessionID: "s1", UserID: "u1", Mode: ModeFreeForm, ForceEnd: true,
	}))

	if len(events) != 1 || events[0].Type != EventError || events[0].Kind != ErrInvalidRequest {
		t.Fatalf("events = %+v, want single invalid_request error", events)
	}
	if st.traitUpserts != 0 {
		t.Fatalf("trait upserts = %d, finalization must not rerun", st.traitUpserts)
	}
	if len(p.calls) != 0 {
		t.Fatalf("gateway calls = %d, want none for a completed session", len(p.calls))
	}
}

func TestTurnAgainstForeignSessionRejected(t *testing.T) {
	st := newMemStore()
	st.sessions["s1"] = &Session{ID: "s1", UserID: "owner", Mode: ModeFreeForm}
	p := newScriptProvider()

	orch, fin := newTestOrchestrator(st, p)
	defer fin.Close()

	events := collect(orch.StreamTurn(context.Background(), TurnRequest{
		SessionID: "s1", UserID: "intruder", Mode: ModeFreeForm, UserInput: "hi",
	}))

	if len(events) != 1 || events[0].Kind != ErrInvalidRequest {
		t.Fatalf("events = %+v, want invalid_request", events)
	}
}

func TestValidationErrors(t *testing.T) {
	cases := []struct {
		name string
		req  TurnRequest
	}{
		{"missing session", TurnRequest{UserID: "u1", Mode: ModeFreeForm, UserInput: "hi"}},
		{"bad mode", TurnRequest{SessionID: "s1", UserID: "u1", Mode: "casual", UserInput: "hi"}},
		{"topic mode without topic", TurnRequest{SessionID: "s1", UserID: "u1", Mode: ModeTopicGuided, UserInput: "hi"}},
		{"empty message", TurnRequest{SessionID: "s1", UserID: "u1", Mode: ModeFreeForm}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			st := newMemStore()
			orch, fin := newTestOrchestrator(st, newScriptProvider())
			defer fin.Close()
			events := collect(orch.StreamTurn(context.Background(), tc.req))
			if len(events) != 1 || events[0].Type != EventError || events[0].Kind != ErrInvalidRequest {
				t.Fatalf("events = %+v, want single invalid_request error", events)
			}
			if len(st.sessions) != 0 {
				t.Fatal("invalid request must not create a session")
			}
		})
	}
}

func TestUnknownTopicLeavesNoSession(t *testing.T) {
	st := newMemStore()
	orch, fin := newTestOrchestrator(st, newScriptProvider())
	defer fin.Close()

	events := collect(orch.StreamTurn(context.Background(), TurnRequest{
		SessionID: "s1", UserID: "u1", Mode: ModeTopicGuided, TopicID: "nope", FirstTurn: true,
	}))
	if len(events) != 1 || events[0].Kind != ErrInvalidRequest {
		t.Fatalf("events = %+v, want invalid_request for unknown topic", events)
	}
	if len(st.sessions) != 0 {
		t.Fatalf("sessions = %+v, a failed topic lookup must not persist a session", st.sessions)
	}
}

func TestMissingSnapshotHealsOnNextTurn(t *testing.T) {
	// A session can exist without its snapshot (crash between creation
	// and the snapshot write); the next turn must write it.
	st := newMemStore()
	st.topics["tea"] = Topic{ID: "tea", Title: "Loose leaf tea", Prompt: "Worth the fuss?"}
	st.sessions["s1"] = &Session{ID: "s1", UserID: "u1", Mode: ModeTopicGuided, TopicID: "tea"}
	p := newScriptProvider()
	p.stream = []string{"Let's talk tea."}

	orch, fin := newTestOrchestrator(st, p)
	defer fin.Close()

	events := collect(orch.StreamTurn(context.Background(), TurnRequest{
		SessionID: "s1", UserID: "u1", Mode: ModeTopicGuided, TopicID: "tea", FirstTurn: true,
	}))
	if got := tokensText(events); got != "Let's talk tea." {
		t.Fatalf("streamed text = %q", got)
	}

	sess := st.session("s1")
	if sess.TopicSnapshotAt == nil || sess.TopicPrompt != "Worth the fuss?" || sess.TopicTitle != "Loose leaf tea" {
		t.Fatalf("snapshot not healed: %+v", sess)
	}
}

func TestRetryAfterFailedTopicLookupSnapshots(t *testing.T) {
	st := newMemStore()
	p := newScriptProvider()
	p.stream = []string{"Opening line."}

	orch, fin := newTestOrchestrator(st, p)
	defer fin.Close()

	req := TurnRequest{SessionID: "s1", UserID: "u1", Mode: ModeTopicGuided, TopicID: "tea", FirstTurn: true}

	events := collect(orch.StreamTurn(context.Background(), req))
	if len(events) != 1 || events[0].Kind != ErrInvalidRequest {
		t.Fatalf("first attempt events = %+v, want invalid_request", events)
	}

	// Topic appears (e.g. transient marketplace miss); the retried
	// opening turn must create the session with a populated snapshot.
	st.mu.Lock()
	st.topics["tea"] = Topic{ID: "tea", Title: "Loose leaf tea", Prompt: "Worth the fuss?"}
	st.mu.Unlock()

	events = collect(orch.StreamTurn(context.Background(), req))
	if got := tokensText(events); got != "Opening line." {
		t.Fatalf("retry streamed text = %q", got)
	}
	sess := st.session("s1")
	if sess.TopicSnapshotAt == nil || sess.TopicPrompt != "Worth the fuss?" {
		t.Fatalf("retry left snapshot empty: %+v", sess)
	}
}

func TestTraitLoadFailureDegradesToEmpty(t *testing.T) {
	st := newMemStore()
	st.traitErr = errors.New("cache down")
	p := newScriptProvider()
	p.reply(testAnalysisModel, `{"advice": "", "report_ready": false}`)
	p.stream = []string{"Still here."}

	orch, fin := newTestOrchestrator(st, p)
	defer fin.Close()

	events := collect(orch.StreamTurn(context.Background(), TurnRequest{
		SessionID: "s1", UserID: "u1", Mode: ModeFreeForm, UserInput: "hello",
	}))
	if got := tokensText(events); got != "Still here." {
		t.Fatalf("streamed text = %q, trait failure must not fail the turn", got)
	}
}
