package chat

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"time"

	"github.com/yuexia/opinio/internal/marker"
	"github.com/yuexia/opinio/internal/telemetry"
)

// Analyst is the covert per-turn stage: it inspects the history and
// proposes guidance for the dialogue partner plus the readiness
// signal, and renders the final opinion report on demand.
type Analyst struct {
	provider LLMProvider
	model    string
	tele     *telemetry.Telemetry
	logger   *log.Logger
}

// NewAnalyst creates an analyst bound to the routed analysis model.
func NewAnalyst(provider LLMProvider, model string, tele *telemetry.Telemetry, logger *log.Logger) *Analyst {
	if logger == nil {
		logger = log.New(log.Writer(), "[ANALYST] ", log.LstdFlags)
	}
	return &Analyst{provider: provider, model: model, tele: tele, logger: logger}
}

func (a *Analyst) directive(mode Mode, topic *Topic, trait TraitProfile) string {
	d := analystFreeFormDirective
	if mode == ModeTopicGuided {
		d = analystTopicDirective
	}
	return d + topicContext(topic) + traitContext(trait)
}

// Analyze inspects the history and produces the advisory for the next
// partner reply. Gateway failures propagate; an unparseable reply
// degrades to raw-text advice with readiness false, so the analyst
// never hard-fails a turn on model formatting.
func (a *Analyst) Analyze(ctx context.Context, history []Message, userInput string, mode Mode, topic *Topic, trait TraitProfile) (Advisory, error) {
	userPrompt := "Here is the conversation so far. Analyze it per your directive.\n\n" +
		"[Conversation history]\n" + formatHistory(history)

	start := time.Now()
	raw, err := a.provider.Generate(ctx, a.model, a.directive(mode, topic, trait), userPrompt, nil)
	a.tele.RecordLLMCall(a.model, time.Since(start), err)
	if err != nil {
		return Advisory{}, err
	}

	text := strings.TrimSpace(marker.Strip(raw))
	adv, ok := parseAdvisory(text)
	if !ok {
		a.logger.Printf("unparseable analysis, degrading to raw advice (%d bytes)", len(text))
	}
	return adv, nil
}

// parseAdvisory decodes the analyst reply. Accepted shapes: a fenced
// ```json block, a bare JSON object, or anything else as plain advice.
func parseAdvisory(text string) (Advisory, bool) {
	payload := text
	if i := strings.Index(payload, "```json"); i >= 0 {
		rest := payload[i+len("```json"):]
		if j := strings.Index(rest, "```"); j >= 0 {
			payload = strings.TrimSpace(rest[:j])
		}
	}
	if !strings.HasPrefix(strings.TrimSpace(payload), "{") {
		return Advisory{Advice: text}, false
	}
	var parsed struct {
		Advice      string `json:"advice"`
		ReportReady bool   `json:"report_ready"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(payload)), &parsed); err != nil {
		return Advisory{Advice: text}, false
	}
	return Advisory{Advice: parsed.Advice, Ready: parsed.ReportReady}, true
}

// FinalReport renders the user-facing opinion report from the full
// history. Returned text is already control-marker stripped.
func (a *Analyst) FinalReport(ctx context.Context, fullHistory []Message, mode Mode, topic *Topic, trait TraitProfile) (string, error) {
	d := reportFreeFormDirective
	if mode == ModeTopicGuided {
		d = reportTopicDirective
	}
	d += topicContext(topic) + traitContext(trait)

	userPrompt := "Here is the complete conversation. Write the opinion report per " +
		"your directive.\n\n[Full conversation history]\n" + formatHistory(fullHistory)

	start := time.Now()
	raw, err := a.provider.Generate(ctx, a.model, d, userPrompt, nil)
	a.tele.RecordLLMCall(a.model, time.Since(start), err)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(marker.Strip(raw)), nil
}
