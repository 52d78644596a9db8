package anthropic

import (
	"context"
	"fmt"
	"strings"

	"github.com/Jh-justinHarmon/tgif-brain.8825.systems/internal/service/gateway"
	"github.com/Jh-justinHarmon/tgif-brain.8825.systems/internal/types"
)

// Pricing is the price in US dollars per million tokens.
type Pricing struct {
	InputPerMTok  float64
	OutputPerMTok float64
}

// Cost returns the price of a call with the given token counts.
func (p Pricing) Cost(inputTokens, outputTokens int) float64 {
	return (float64(inputTokens)*p.InputPerMTok + float64(outputTokens)*p.OutputPerMTok) / 1_000_000
}

// Responder answers gateway turns with the Messages API.
type Responder struct {
	client    *Client
	maxTokens int
	pricing   Pricing
}

var _ gateway.Responder = (*Responder)(nil)

// NewResponder creates a Responder. maxTokens <= 0 uses the client default.
func NewResponder(client *Client, maxTokens int, pricing Pricing) *Responder {
	return &Responder{client: client, maxTokens: maxTokens, pricing: pricing}
}

// Respond sends the conversation history and returns the first text reply.
func (r *Responder) Respond(ctx context.Context, in gateway.ResponderInput) (*gateway.Reply, error) {
	msgs := messagesFromHistory(in.History)
	if len(msgs) == 0 {
		msgs = []Message{{Role: string(types.RoleUser), Content: in.Message}}
	}

	resp, err := r.client.SendMessage(ctx, &Request{
		MaxTokens: r.maxTokens,
		System:    systemPrompt(in),
		Messages:  msgs,
	})
	if err != nil {
		return nil, fmt.Errorf("call anthropic: %w", err)
	}

	text := resp.Text()
	if text == "" {
		return nil, fmt.Errorf("empty response from anthropic")
	}
	model := r.client.Model()
	return &gateway.Reply{
		Text:         text,
		Model:        model,
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
		CostUSD:      r.pricing.Cost(resp.Usage.InputTokens, resp.Usage.OutputTokens),
	}, nil
}

// messagesFromHistory converts stored messages to the alternating user and
// assistant turns the API expects. Leading and trailing assistant messages are
// dropped, so the request always ends on a user turn rather than a prefill,
// and consecutive messages of one role are merged.
func messagesFromHistory(history []types.Message) []Message {
	var msgs []Message
	for _, m := range history {
		if !m.Role.Valid() || strings.TrimSpace(m.Content) == "" {
			continue
		}
		role := string(m.Role)
		if len(msgs) == 0 && m.Role != types.RoleUser {
			continue
		}
		if n := len(msgs); n > 0 && msgs[n-1].Role == role {
			msgs[n-1].Content += "\n\n" + m.Content
			continue
		}
		msgs = append(msgs, Message{Role: role, Content: m.Content})
	}
	for len(msgs) > 0 && msgs[len(msgs)-1].Role != string(types.RoleUser) {
		msgs = msgs[:len(msgs)-1]
	}
	return msgs
}

func systemPrompt(in gateway.ResponderInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are Maestra, answering in %s mode for a user on the %s surface.", in.Mode, in.SurfaceID)
	if sc := in.SurfaceContext; sc != nil {
		if sc.Workspace != "" {
			fmt.Fprintf(&b, "\nWorkspace: %s", sc.Workspace)
		}
		if sc.FilePath != "" {
			fmt.Fprintf(&b, "\nOpen file: %s", sc.FilePath)
		}
		if sc.PageURL != "" {
			fmt.Fprintf(&b, "\nPage: %s", sc.PageURL)
		}
		if sc.Selection != "" {
			fmt.Fprintf(&b, "\nSelection:\n%s", sc.Selection)
		}
	}
	return b.String()
}
