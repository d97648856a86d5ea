package chat

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/yuexia/opinio/internal/marker"
	"github.com/yuexia/opinio/internal/telemetry"
)

// TraitAggregator folds session histories into the long-term trait
// profile: a full narrative report, then a one-line compression of it.
type TraitAggregator struct {
	provider LLMProvider
	model    string
	tele     *telemetry.Telemetry
	logger   *log.Logger
}

// NewTraitAggregator creates an aggregator bound to the routed traits model.
func NewTraitAggregator(provider LLMProvider, model string, tele *telemetry.Telemetry, logger *log.Logger) *TraitAggregator {
	if logger == nil {
		logger = log.New(log.Writer(), "[TRAITS] ", log.LstdFlags)
	}
	return &TraitAggregator{provider: provider, model: model, tele: tele, logger: logger}
}

// UpdateTraits produces the refreshed profile from the supplied session
// histories. The two gateway calls are strictly sequential: the
// one-line summary is compressed from the full report, not from the
// transcripts.
func (t *TraitAggregator) UpdateTraits(ctx context.Context, sessions map[string][]Message) (summary, fullReport string, err error) {
	doc := formatSessions(sessions)

	start := time.Now()
	raw, err := t.provider.Generate(ctx, t.model, traitFullDirective,
		"Here are the user's session transcripts. Write the full trait profile.\n\n"+doc, nil)
	t.tele.RecordLLMCall(t.model, time.Since(start), err)
	if err != nil {
		return "", "", err
	}
	fullReport = strings.TrimSpace(marker.Strip(raw))

	start = time.Now()
	raw, err = t.provider.Generate(ctx, t.model, traitSummaryDirective,
		"Compress this trait profile into one line.\n\n"+fullReport, nil)
	t.tele.RecordLLMCall(t.model, time.Since(start), err)
	if err != nil {
		return "", "", err
	}
	summary = strings.TrimSpace(marker.Strip(raw))

	return summary, fullReport, nil
}
