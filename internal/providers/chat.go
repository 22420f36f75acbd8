package providers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/hochfrequenz/trend-orchestrator/internal/config"
	"github.com/hochfrequenz/trend-orchestrator/internal/domain"
)

// Chat is a reasoning provider speaking the OpenAI-compatible chat completions API
type Chat struct {
	id      string
	baseURL string
	model   string
	http    *jsonClient
}

// NewChat creates a chat completion adapter from provider settings
func NewChat(p config.ProviderConfig, client *http.Client) *Chat {
	base := p.BaseURL
	if base == "" {
		base = "https://api.openai.com/v1"
	}
	return &Chat{id: p.ID, baseURL: base, model: p.Model, http: newJSONClient(p.ID, client, p.APIKey)}
}

func (c *Chat) ID() string { return c.id }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
}

// Complete sends the prompt and returns the first choice's text
func (c *Chat) Complete(ctx context.Context, p Prompt) (string, error) {
	req := chatRequest{Model: c.model, Messages: buildMessages(p)}

	var resp chatResponse
	if err := c.http.do(ctx, http.MethodPost, joinURL(c.baseURL, "chat/completions"), req, &resp); err != nil {
		var pe *domain.ProviderError
		if errors.As(err, &pe) && pe.Kind == domain.KindMalformed && strings.Contains(err.Error(), "content_policy") {
			pe.Kind = domain.KindPolicyRejected
		}
		return "", err
	}

	if len(resp.Choices) == 0 {
		return "", domain.NewProviderError(c.id, domain.KindServerError, eris.New("response has no choices"))
	}
	choice := resp.Choices[0]
	if choice.FinishReason == "content_filter" {
		return "", domain.NewProviderError(c.id, domain.KindPolicyRejected, eris.New("completion stopped by content filter"))
	}
	text := strings.TrimSpace(choice.Message.Content)
	if text == "" {
		return "", domain.NewProviderError(c.id, domain.KindServerError, eris.New("empty completion"))
	}
	return text, nil
}

// buildMessages renders a prompt as chat messages. Feedback from earlier
// drafts is appended to the user turn as revision instructions.
func buildMessages(p Prompt) []chatMessage {
	var msgs []chatMessage
	if p.System != "" {
		msgs = append(msgs, chatMessage{Role: "system", Content: p.System})
	}
	user := p.User
	if len(p.Feedback) > 0 {
		var b strings.Builder
		b.WriteString(user)
		b.WriteString("\n\nRevise your previous draft. Address every instruction:\n")
		for _, f := range p.Feedback {
			b.WriteString("- ")
			b.WriteString(f)
			b.WriteByte('\n')
		}
		user = strings.TrimRight(b.String(), "\n")
	}
	msgs = append(msgs, chatMessage{Role: "user", Content: user})
	return msgs
}
