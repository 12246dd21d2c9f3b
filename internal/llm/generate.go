package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/zulandar/outreach/internal/enrollment"
	"github.com/zulandar/outreach/internal/prepare"
)

const noteSystem = `You write connection requests for a professional social network.
Be brief and honest and show genuine curiosity about their work.
Rules:
- At most 300 characters.
- No flattery, superlatives or talk of "collaboration" or "opportunity".
Output only the message.`

const messageSystem = `You write direct messages in an ongoing B2B conversation on a professional social network.
Sound like a person, not a campaign. Keep it under 600 characters, ask at most one question,
and never repeat something already said in the conversation.
Output only the message.`

// phaseGuidance steers the message for each smart-pipeline phase.
var phaseGuidance = map[enrollment.Phase]string{
	enrollment.PhaseApertura:     "They just accepted the connection. Thank them briefly and open with a light question about their work.",
	enrollment.PhaseCalificacion: "Find out whether they have the problem we solve. Ask one focused question.",
	enrollment.PhaseValor:        "Offer something concrete and useful for their situation, then suggest a short call.",
	enrollment.PhaseNurture:      "A low-pressure check-in after some time. Share one relevant idea; do not ask for a meeting.",
	enrollment.PhaseReactivacion: "The conversation went quiet. Revive it with a new angle in two sentences.",
}

// Generate implements prepare.Generator.
func (c *Client) Generate(ctx context.Context, r prepare.Request) (string, error) {
	system, maxTokens := messageSystem, 300
	if r.Kind == prepare.KindNote {
		system, maxTokens = noteSystem, 150
	}
	text, err := c.complete(ctx, system, generatePrompt(r), maxTokens, 0.7)
	if err != nil {
		return "", err
	}
	return clean(text), nil
}

func generatePrompt(r prepare.Request) string {
	var b strings.Builder
	if r.Kind == prepare.KindNote {
		b.WriteString("Write a connection request for:\n")
	} else {
		b.WriteString("Write the next message to:\n")
	}
	writeContact(&b, r.Contact.FullName(), r.Contact.JobTitle, r.Contact.Company, r.Contact.Headline)

	if g, ok := phaseGuidance[r.Phase]; ok && r.Kind == prepare.KindMessage {
		fmt.Fprintf(&b, "\nPhase: %s (message %d in this phase)\n%s\n", r.Phase, r.MessagesInPhase+1, g)
	}
	if r.Step != nil {
		fmt.Fprintf(&b, "\nStep %d of the sequence.\n", r.Step.StepOrder)
		if r.Step.PromptContext != "" {
			fmt.Fprintf(&b, "Guidance: %s\n", r.Step.PromptContext)
		}
	}
	if r.Analysis != nil && r.Analysis.SuggestedAngle != "" {
		fmt.Fprintf(&b, "\nSuggested angle: %s\n", r.Analysis.SuggestedAngle)
	}
	if r.Transcript != "" {
		fmt.Fprintf(&b, "\nConversation so far:\n%s\n", r.Transcript)
	}
	return strings.TrimRight(b.String(), "\n")
}

var markdown = strings.NewReplacer("```", "", "`", "", "**", "", "*", "")

// clean strips markdown and wrapping quotes the model sometimes adds.
func clean(s string) string {
	s = strings.TrimSpace(markdown.Replace(s))
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = strings.TrimSpace(s[1 : len(s)-1])
	}
	return s
}
