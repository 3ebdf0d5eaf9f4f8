package chi

import (
	"context"
	"encoding/json"
	"net/http"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/kailas-cloud/tokenguard/internal/domain/identity"
	openaitr "github.com/kailas-cloud/tokenguard/internal/transport/openai"
)

// Chatter runs a metered chat completion.
type Chatter interface {
	Complete(ctx context.Context, id identity.Identity, chatID string,
		req goopenai.ChatCompletionRequest) (openaitr.Completion, error)
}

// ChatMessage is one turn of a conversation.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the body of POST /api/v1/chat.
type ChatRequest struct {
	ChatID   string        `json:"chat_id"`
	Model    string        `json:"model,omitempty"`
	Messages []ChatMessage `json:"messages"`
}

// ChatResponse carries the model reply and the debit outcome.
type ChatResponse struct {
	Content string             `json:"content"`
	Model   string             `json:"model"`
	Usage   UsageMetrics       `json:"usage"`
	Debited bool               `json:"debited"`
	State   TokenStateResponse `json:"state"`
}

// Chat handles POST /api/v1/chat.
func (s *Server) Chat(w http.ResponseWriter, r *http.Request) {
	id, ok := s.identity(w, r)
	if !ok {
		return
	}

	var req ChatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrorCodeBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, ErrorCodeValidationFailed, "messages must not be empty")
		return
	}

	msgs := make([]goopenai.ChatCompletionMessage, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = goopenai.ChatCompletionMessage{Role: m.Role, Content: m.Content}
	}

	c, err := s.chat.Complete(r.Context(), id, req.ChatID, goopenai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: msgs,
	})
	if err != nil {
		s.handleDomainError(w, err)
		return
	}

	if c.Debit.Success {
		s.notify(id)
	}

	var content string
	if len(c.Response.Choices) > 0 {
		content = c.Response.Choices[0].Message.Content
	}
	writeJSON(w, http.StatusOK, ChatResponse{
		Content: content,
		Model:   c.Response.Model,
		Usage: UsageMetrics{
			Calls:         1,
			Tokens:        c.Usage.TotalTokens,
			EstimatedCost: c.Usage.EstimatedCost,
		},
		Debited: c.Debit.Success,
		State:   stateToAPI(c.Debit.State),
	})
}
