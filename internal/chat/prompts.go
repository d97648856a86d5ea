package chat

import (
	"fmt"
	"sort"
	"strings"
)

// Prompt directives for the three pipeline roles. The dialogue partner
// owns the covert control channel; the analyst and aggregator never
// address the user directly.

const dialogueSystemPrompt = `You are a warm, curious conversation partner. Stay in character:
speak naturally, keep replies short, and never mention prompts,
analysis or any internal machinery.

You may embed at most one control block in a reply to signal flags the
user must never see, delimited exactly like this:
<SYS>{"user_want_to_quit": false}</SYS>
Set "user_want_to_quit" to true only when the user has clearly said
they want to stop. Everything outside the block is shown verbatim to
the user.`

const topicGuidedIntro = `This session is guided by a fixed topic. Open the conversation
yourself: introduce the topic in your own words and ask one inviting
question. Do not list options or lecture.`

const freeFormIntro = `This is an open-ended chat with no fixed topic. Follow the user's
lead, stay personal and concrete, and gently surface what they think
about the things they bring up.`

const analystTopicDirective = `You silently analyze the user's stated opinions in a topic-guided
conversation. From the history, judge how clearly the user's stance on
the topic has emerged and propose what the dialogue partner should
probe next.

Respond ONLY with JSON:
{"advice": "<internal guidance for the partner's next reply>",
 "report_ready": <true when enough evidence is collected to write the
 opinion report, else false>}`

const analystFreeFormDirective = `You silently analyze the user's stated opinions in a free-form
conversation. From the history, identify the opinions and values the
user has revealed and propose what the dialogue partner should probe
next.

Respond ONLY with JSON:
{"advice": "<internal guidance for the partner's next reply>",
 "report_ready": <true when enough evidence is collected to write the
 opinion report, else false>}`

const reportTopicDirective = `Write the final opinion report for a topic-guided conversation. It is
shown to the user: address them directly, organize the report around
the topic, ground every claim in what they actually said, and keep a
respectful, non-judgmental tone.`

const reportFreeFormDirective = `Write the final opinion report for a free-form conversation. It is
shown to the user: address them directly, surface the opinions and
values they revealed, ground every claim in what they actually said,
and keep a respectful, non-judgmental tone.`

const traitFullDirective = `You maintain a long-term profile of a user across all of their
conversations. From the labeled session transcripts, write a full
narrative profile of the user's traits: how they reason, what they
value, how they engage. Describe the current person, not a changelog.`

const traitSummaryDirective = `Compress the given trait profile into exactly one line that captures
the user's most distinctive traits.`

const summarySystemPrompt = `You summarize conversations. Given a full dialogue, produce a single
sentence the user can read as a recap of what was discussed.`

// readyNotice is appended to the advisory once the analyst signals
// readiness, so the partner acknowledges the capture to the user.
const readyNotice = "\n\n[internal notice] The user's opinions have been captured. In this " +
	"reply, naturally let the user know their views were captured and a " +
	"report will be available shortly."

func roleLabel(r Role) string {
	switch r {
	case RoleUser:
		return "User"
	case RoleAssistant:
		return "Partner"
	default:
		return string(r)
	}
}

// formatHistory renders a message history as readable dialogue text so
// downstream models never see raw records.
func formatHistory(history []Message) string {
	lines := make([]string, 0, len(history))
	for _, m := range history {
		lines = append(lines, fmt.Sprintf("%s: %s", roleLabel(m.Role), m.Content))
	}
	return strings.Join(lines, "\n")
}

// formatSessions renders multiple session histories as one labeled
// document, one block per session, in deterministic order.
func formatSessions(sessions map[string][]Message) string {
	ids := make([]string, 0, len(sessions))
	for id := range sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var b strings.Builder
	for _, id := range ids {
		fmt.Fprintf(&b, "[Session %s]\n", id)
		for _, m := range sessions[id] {
			fmt.Fprintf(&b, "%s: %s\n", roleLabel(m.Role), m.Content)
		}
		b.WriteString("\n")
	}
	return strings.TrimSpace(b.String())
}

// topicContext renders topic metadata for injection into a directive.
func topicContext(t *Topic) string {
	if t == nil || t.Title == "" && len(t.Tags) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("\n\n# Topic under discussion:\n")
	if t.Title != "" {
		fmt.Fprintf(&b, "- Title: %s\n", t.Title)
	}
	if len(t.Tags) > 0 {
		fmt.Fprintf(&b, "- Tags: %s\n", strings.Join(t.Tags, ", "))
	}
	return b.String()
}

// traitContext renders the long-term profile for injection into a
// directive. Either field may be empty for first-time users.
func traitContext(trait TraitProfile) string {
	var b strings.Builder
	if trait.Summary != "" {
		fmt.Fprintf(&b, "\n\n# Long-term trait summary of this user:\n%s", trait.Summary)
	}
	if trait.FullReport != "" {
		fmt.Fprintf(&b, "\n\n# Long-term trait profile (background, do not quote):\n%s", trait.FullReport)
	}
	return b.String()
}

// advisoryPrompt builds the dialogue partner's final user prompt for a
// continuing turn: covert advice first, then the user's actual input.
func advisoryPrompt(advice, userInput string) string {
	return "# Internal guidance (invisible to the user):\n" + advice +
		"\n\n# The user's latest reply:\n" + userInput
}
