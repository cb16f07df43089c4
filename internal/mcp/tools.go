package mcp

import (
	"context"
	"fmt"

	"ghostgpt-server/internal/session"
	"ghostgpt-server/internal/store"
)

// AskTool runs one prompt/answer turn on a conversation.
type AskTool struct {
	sessions *session.Manager
	store    *store.Store
}

func (t *AskTool) Name() string { return "ask" }

func (t *AskTool) Description() string {
	return "Send a prompt and wait for the full answer. Reuses the conversation named by conversation_id, or starts a new one. Optional gpt targets a specific GPT by id (g-...) or nickname."
}

func (t *AskTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"prompt": map[string]interface{}{
				"type":        "string",
				"description": "The prompt to send",
			},
			"conversation_id": map[string]interface{}{
				"type":        "string",
				"description": "Conversation to continue; omit to start a new one",
			},
			"gpt": map[string]interface{}{
				"type":        "string",
				"description": "GPT id (g-...) or starred nickname; omit for the base assistant",
			},
		},
		"required": []string{"prompt"},
	}
}

func (t *AskTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	prompt := getStringArg(args, "prompt")
	if prompt == "" {
		return nil, fmt.Errorf("prompt is required")
	}

	variantID := ""
	if gpt := getStringArg(args, "gpt"); gpt != "" {
		variantID = t.store.Resolve(gpt)
	}

	answer, convID, err := t.sessions.Ask(ctx, getStringArg(args, "conversation_id"), prompt, variantID)
	if err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"success":         true,
		"conversation_id": convID,
		"outcome":         answer.Outcome.String(),
		"answer":          answer.Text,
		"media":           answer.Media,
	}, nil
}

// ListGPTsTool enumerates the account's GPTs.
type ListGPTsTool struct {
	sessions *session.Manager
}

func (t *ListGPTsTool) Name() string { return "list_gpts" }

func (t *ListGPTsTool) Description() string {
	return "List the GPTs attached to the signed-in account, both pinned store GPTs and user-built ones."
}

func (t *ListGPTsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
}

func (t *ListGPTsTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	gpts, err := t.sessions.ListGPTs(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"success": true, "count": len(gpts), "gpts": gpts}, nil
}

// SearchGPTsTool searches the public GPT store.
type SearchGPTsTool struct {
	sessions *session.Manager
}

func (t *SearchGPTsTool) Name() string { return "search_gpts" }

func (t *SearchGPTsTool) Description() string {
	return "Search the public GPT store by keyword."
}

func (t *SearchGPTsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{
				"type":        "string",
				"description": "Search keyword",
			},
			"limit": map[string]interface{}{
				"type":        "integer",
				"description": "Maximum results (default 20)",
			},
		},
		"required": []string{"query"},
	}
}

func (t *SearchGPTsTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	query := getStringArg(args, "query")
	if query == "" {
		return nil, fmt.Errorf("query is required")
	}
	gpts, err := t.sessions.SearchGPTs(ctx, query, getIntArg(args, "limit", 20))
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"success": true, "count": len(gpts), "gpts": gpts}, nil
}

// StarGPTTool binds a nickname to a GPT id.
type StarGPTTool struct {
	store *store.Store
}

func (t *StarGPTTool) Name() string { return "star_gpt" }

func (t *StarGPTTool) Description() string {
	return "Star a GPT under a short nickname so later requests can target it by name."
}

func (t *StarGPTTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"nickname": map[string]interface{}{
				"type":        "string",
				"description": "Short name to bind",
			},
			"gpt_id": map[string]interface{}{
				"type":        "string",
				"description": "GPT id (g-...)",
			},
		},
		"required": []string{"nickname", "gpt_id"},
	}
}

func (t *StarGPTTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	nickname := getStringArg(args, "nickname")
	gptID := getStringArg(args, "gpt_id")
	if err := t.store.Star(nickname, gptID); err != nil {
		return nil, err
	}
	return map[string]interface{}{"success": true, "nickname": nickname, "gpt_id": gptID}, nil
}

// UnstarGPTTool removes a nickname binding.
type UnstarGPTTool struct {
	store *store.Store
}

func (t *UnstarGPTTool) Name() string { return "unstar_gpt" }

func (t *UnstarGPTTool) Description() string {
	return "Remove a starred GPT nickname."
}

func (t *UnstarGPTTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"nickname": map[string]interface{}{
				"type":        "string",
				"description": "Nickname to remove",
			},
		},
		"required": []string{"nickname"},
	}
}

func (t *UnstarGPTTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	nickname := getStringArg(args, "nickname")
	if err := t.store.Unstar(nickname); err != nil {
		return nil, err
	}
	return map[string]interface{}{"success": true, "nickname": nickname}, nil
}

// SetDefaultGPTTool names the GPT used when a request has no target.
type SetDefaultGPTTool struct {
	store *store.Store
}

func (t *SetDefaultGPTTool) Name() string { return "set_default_gpt" }

func (t *SetDefaultGPTTool) Description() string {
	return "Set the default GPT used when a request names no GPT. Accepts an id or a starred nickname."
}

func (t *SetDefaultGPTTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"gpt": map[string]interface{}{
				"type":        "string",
				"description": "GPT id or nickname",
			},
		},
		"required": []string{"gpt"},
	}
}

func (t *SetDefaultGPTTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	gpt := getStringArg(args, "gpt")
	if gpt == "" {
		return nil, fmt.Errorf("gpt is required")
	}
	if err := t.store.SetDefault(gpt); err != nil {
		return nil, err
	}
	return map[string]interface{}{"success": true, "default": gpt}, nil
}

// ListConversationsTool snapshots the live conversation registry.
type ListConversationsTool struct {
	sessions *session.Manager
}

func (t *ListConversationsTool) Name() string { return "list_conversations" }

func (t *ListConversationsTool) Description() string {
	return "List live conversations with turn counts and last activity."
}

func (t *ListConversationsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
}

func (t *ListConversationsTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	convs := t.sessions.List()
	return map[string]interface{}{"success": true, "count": len(convs), "conversations": convs}, nil
}

// CloseConversationTool ends a conversation and releases its tab.
type CloseConversationTool struct {
	sessions *session.Manager
}

func (t *CloseConversationTool) Name() string { return "close_conversation" }

func (t *CloseConversationTool) Description() string {
	return "Close a conversation by id, releasing its browser tab."
}

func (t *CloseConversationTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"conversation_id": map[string]interface{}{
				"type":        "string",
				"description": "Conversation to close",
			},
		},
		"required": []string{"conversation_id"},
	}
}

func (t *CloseConversationTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	id := getStringArg(args, "conversation_id")
	if id == "" {
		return nil, fmt.Errorf("conversation_id is required")
	}
	if err := t.sessions.Close(id); err != nil {
		return nil, err
	}
	return map[string]interface{}{"success": true, "conversation_id": id}, nil
}
