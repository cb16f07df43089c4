package api

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Wire shapes for the OpenAI-compatible surface. Field sets mirror the
// upstream API closely enough for stock clients; sampling parameters are
// accepted and ignored since the remote app controls its own generation.

type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ChatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Stream      bool          `json:"stream,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
	TopP        *float64      `json:"top_p,omitempty"`
	// ConversationID pins the request to an existing conversation. Also
	// accepted as the x-conversation-id header.
	ConversationID string `json:"conversation_id,omitempty"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type ChatCompletionChoice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type ChatCompletionResponse struct {
	ID             string                 `json:"id"`
	Object         string                 `json:"object"`
	Created        int64                  `json:"created"`
	Model          string                 `json:"model"`
	Choices        []ChatCompletionChoice `json:"choices"`
	Usage          Usage                  `json:"usage"`
	ConversationID string                 `json:"conversation_id,omitempty"`
}

type DeltaContent struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

type StreamChoice struct {
	Index        int          `json:"index"`
	Delta        DeltaContent `json:"delta"`
	FinishReason *string      `json:"finish_reason"`
}

type ChatCompletionChunk struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Created int64          `json:"created"`
	Model   string         `json:"model"`
	Choices []StreamChoice `json:"choices"`
}

type ModelObject struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

type ModelListResponse struct {
	Object string        `json:"object"`
	Data   []ModelObject `json:"data"`
}

type errorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

func newCompletionResponse(model, convID, text string) ChatCompletionResponse {
	return ChatCompletionResponse{
		ID:      completionID(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []ChatCompletionChoice{{
			Index:        0,
			Message:      ChatMessage{Role: "assistant", Content: text},
			FinishReason: "stop",
		}},
		ConversationID: convID,
	}
}

func completionID() string {
	return "chatcmpl-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
}

// flattenMessages reduces an OpenAI message list to the single prompt the
// remote app receives: system content first as preamble, then the last
// user message. The remote app keeps its own history, so earlier turns
// are not replayed.
func flattenMessages(messages []ChatMessage) string {
	var system []string
	var lastUser string

	for _, m := range messages {
		switch m.Role {
		case "system":
			if m.Content != "" {
				system = append(system, m.Content)
			}
		case "user":
			lastUser = m.Content
		}
	}

	if lastUser == "" && len(messages) > 0 {
		lastUser = messages[len(messages)-1].Content
	}
	if len(system) == 0 {
		return lastUser
	}
	return strings.Join(system, "\n\n") + "\n\n" + lastUser
}
