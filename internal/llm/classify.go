package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/zulandar/outreach/internal/decision"
	"github.com/zulandar/outreach/internal/enrollment"
)

const classifySystem = `You qualify B2B sales conversations held over a professional social network.
Read the conversation and decide what the pipeline should do next.

Phases, in order:
- apertura: opening, earning a reply
- calificacion: learning whether they have the problem we solve
- valor: sharing concrete value for their situation
- nurture: long-interval touches for people who are not ready
- reactivacion: one attempt to revive a silent conversation

Outcomes:
- advance: they engaged; move to next_phase
- stay: keep talking in the current phase
- nurture: interested but not now
- park: not a fit or declined politely; keep for later
- meeting: they proposed or accepted a call or meeting
- exit: explicit rejection or a request to stop

Respond with JSON only:
{"outcome": "...", "next_phase": "...", "reason": "one sentence",
 "sentiment": "positive|neutral|negative", "signal_strength": "high|medium|low",
 "buying_signals": ["..."], "suggested_angle": "what the next message should focus on"}`

// Classify implements decision.Classifier.
func (c *Client) Classify(ctx context.Context, in decision.Input) (enrollment.Decision, error) {
	text, err := c.complete(ctx, classifySystem, classifyPrompt(in), 400, 0)
	if err != nil {
		return enrollment.Decision{}, err
	}
	return ParseDecision(text)
}

func classifyPrompt(in decision.Input) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Current phase: %s\n", in.Phase)
	fmt.Fprintf(&b, "Messages sent in this phase: %d\n\n", in.MessagesInPhase)
	b.WriteString("Contact:\n")
	writeContact(&b, in.Contact.FullName(), in.Contact.JobTitle, in.Contact.Company, in.Contact.Headline)
	if in.Contact.Sentiment != "" || in.Contact.SignalStrength != "" {
		fmt.Fprintf(&b, "- Previous read: sentiment %s, signal %s\n",
			orDash(in.Contact.Sentiment), orDash(in.Contact.SignalStrength))
	}
	b.WriteString("\nConversation:\n")
	b.WriteString(in.Transcript)
	if in.Reply != "" {
		fmt.Fprintf(&b, "\n\nNewest reply:\n%s", in.Reply)
	}
	return b.String()
}

func writeContact(b *strings.Builder, name, title, company, headline string) {
	fmt.Fprintf(b, "- Name: %s\n", orDash(name))
	fmt.Fprintf(b, "- Job title: %s\n", orDash(title))
	fmt.Fprintf(b, "- Company: %s\n", orDash(company))
	if headline != "" {
		fmt.Fprintf(b, "- Headline: %s\n", headline)
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// ParseDecision extracts the decision JSON from a model reply. Code fences
// and surrounding prose are tolerated. An unknown next_phase is dropped so
// the default forward phase applies; an unknown outcome is an error.
func ParseDecision(text string) (enrollment.Decision, error) {
	raw, err := extractJSON(text)
	if err != nil {
		return enrollment.Decision{}, err
	}
	var d enrollment.Decision
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return enrollment.Decision{}, fmt.Errorf("llm: decode decision: %w", err)
	}
	d.Outcome = enrollment.Outcome(strings.ToLower(strings.TrimSpace(string(d.Outcome))))
	if _, err := enrollment.ParseOutcome(string(d.Outcome)); err != nil {
		return enrollment.Decision{}, fmt.Errorf("llm: %w", err)
	}
	d.NextPhase = enrollment.Phase(strings.ToLower(strings.TrimSpace(string(d.NextPhase))))
	if _, err := enrollment.ParsePhase(string(d.NextPhase)); err != nil {
		d.NextPhase = ""
	}
	d.Sentiment = strings.ToLower(d.Sentiment)
	d.SignalStrength = strings.ToLower(d.SignalStrength)
	return d, nil
}

func extractJSON(text string) (string, error) {
	if i := strings.Index(text, "```"); i >= 0 {
		rest := text[i+3:]
		rest = strings.TrimPrefix(rest, "json")
		if j := strings.Index(rest, "```"); j >= 0 {
			text = rest[:j]
		}
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return "", errors.New("llm: no JSON object in model reply")
	}
	return text[start : end+1], nil
}
