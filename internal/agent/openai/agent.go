// Package openai backs the response-generation, summarization, and grading
// steps with the OpenAI chat completion API.
package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"

	"github.com/havenlabs/haven/internal/convo"
	"github.com/havenlabs/haven/internal/model"
	"github.com/havenlabs/haven/internal/transport"
)

type Agent struct {
	client *openai.Client
	model  string
	log    zerolog.Logger
}

var (
	_ convo.Responder  = (*Agent)(nil)
	_ convo.Summarizer = (*Agent)(nil)
	_ convo.Grader     = (*Agent)(nil)
)

func New(apiKey, model string, log zerolog.Logger) *Agent {
	return &Agent{client: openai.NewClient(apiKey), model: model, log: log}
}

// wireResponse is the JSON shape the model is asked to return.
type wireResponse struct {
	Type        string     `json:"type"`
	Text        string     `json:"text,omitempty"`
	ReplyTo     string     `json:"reply_to,omitempty"`
	Buttons     []wireBtn  `json:"buttons,omitempty"`
	Keyboard    [][]string `json:"keyboard,omitempty"`
	Reaction    string     `json:"reaction,omitempty"`
	ReactTo     string     `json:"react_to,omitempty"`
	Personality string     `json:"personality,omitempty"`
	Rationale   string     `json:"rationale"`
}

type wireBtn struct {
	Label string `json:"label"`
	Data  string `json:"data"`
}

func (a *Agent) Respond(ctx context.Context, in *convo.TurnInput) (*convo.Response, error) {
	req := openai.ChatCompletionRequest{
		Model:    a.model,
		Messages: buildMessages(in),
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	}
	resp, err := a.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("chat completion returned no choices")
	}
	return parseResponse(resp.Choices[0].Message.Content)
}

func (a *Agent) Summarize(ctx context.Context, entries []convo.Entry) (string, error) {
	return a.complete(ctx,
		"Summarize this wellbeing conversation in a short paragraph. Capture the user's state of mind, topics raised, and anything worth remembering next time. Plain text only.",
		transcript(entries))
}

func (a *Agent) Grade(ctx context.Context, summary string) (string, error) {
	return a.complete(ctx,
		"You review summaries of wellbeing conversations. In two sentences, judge whether the companion stayed supportive and on topic, and note anything to improve.",
		summary)
}

func (a *Agent) complete(ctx context.Context, system, user string) (string, error) {
	resp, err := a.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: a.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("chat completion returned no choices")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// transcript flattens entries into a speaker-prefixed text block for the
// summarization prompt.
func transcript(entries []convo.Entry) string {
	var sb strings.Builder
	for _, e := range entries {
		if e.Kind != convo.EntryMessage {
			continue
		}
		speaker := "user"
		if e.Sender == model.SenderBot {
			speaker = "companion"
		}
		fmt.Fprintf(&sb, "%s: %s\n", speaker, e.Body)
	}
	return sb.String()
}

// buildMessages renders the turn input as a chat transcript with a system
// preamble describing the governing flow or personality and the variants
// still allowed this turn.
func buildMessages(in *convo.TurnInput) []openai.ChatCompletionMessage {
	var sb strings.Builder
	sb.WriteString("You are haven, a message-based wellbeing companion.\n")

	switch in.Bundle.Kind {
	case convo.BundleOnboarding:
		sb.WriteString("You are guiding the user through onboarding: learn their name, how they want to be spoken to, and what brings them here.\n")
	case convo.BundleJournaling:
		sb.WriteString("You are guiding a journaling exercise: help the user put today into words, one gentle question at a time.\n")
	default:
		fmt.Fprintf(&sb, "Respond in your %q personality.\n", in.Bundle.Personality)
	}

	if rs := in.Bundle.Restrictions.List(); len(rs) > 0 {
		parts := make([]string, 0, len(rs))
		for _, r := range rs {
			parts = append(parts, string(r))
		}
		fmt.Fprintf(&sb, "Disallowed response types this turn: %s.\n", strings.Join(parts, ", "))
	}
	if in.Bundle.Notification != nil {
		fmt.Fprintf(&sb, "Deliver this pending note naturally in your reply: %s\n", in.Bundle.Notification.Content)
	}
	for _, inst := range in.Bundle.Instructions {
		sb.WriteString(inst)
		sb.WriteString("\n")
	}

	sb.WriteString(`Reply with one JSON object: {"type": "text"|"keyboard"|"reaction"|"switch-personality"|"do-nothing", ` +
		`"text", "reply_to", "buttons" [{"label","data"}], "keyboard" [["choice"]], "reaction", "react_to", "personality", "rationale"}. ` +
		`Only include the fields your chosen type needs; always include "rationale".`)

	msgs := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: sb.String()},
	}
	for _, e := range in.Entries {
		switch {
		case e.Kind == convo.EntryArtifact:
			msgs = append(msgs, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleSystem,
				Content: fmt.Sprintf("[%s] %s", e.Artifact, e.Body),
			})
		case e.Sender == model.SenderBot:
			msgs = append(msgs, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: e.Body,
			})
		default:
			msgs = append(msgs, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: e.Body,
			})
		}
	}
	return msgs
}

// parseResponse maps the model's JSON onto a tagged response variant. An
// unknown type is an error at the boundary, never a silent default.
func parseResponse(raw string) (*convo.Response, error) {
	var wire wireResponse
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &wire); err != nil {
		return nil, fmt.Errorf("parse agent response: %w", err)
	}

	out := &convo.Response{Rationale: wire.Rationale}
	switch wire.Type {
	case "text":
		out.Kind = convo.ResponseText
		out.Text = wire.Text
		out.ReplyTo = wire.ReplyTo
		for _, b := range wire.Buttons {
			out.Buttons = append(out.Buttons, transport.Button{Label: b.Label, Data: b.Data})
		}
	case "keyboard":
		out.Kind = convo.ResponseKeyboard
		out.Text = wire.Text
		out.Keyboard = wire.Keyboard
	case "reaction":
		out.Kind = convo.ResponseReaction
		out.Reaction = wire.Reaction
		out.ReactTo = wire.ReactTo
	case "switch-personality":
		out.Kind = convo.ResponseSwitch
		out.Personality = model.Personality(wire.Personality)
	case "do-nothing":
		out.Kind = convo.ResponseNone
	default:
		return nil, fmt.Errorf("%w: agent response type %q", model.ErrValidation, wire.Type)
	}
	return out, nil
}
