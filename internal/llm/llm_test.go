package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgehook/forgehook/internal/common/config"
	"github.com/forgehook/forgehook/internal/common/logger"
)

func testHTTPClient() *http.Client {
	return &http.Client{Timeout: 5 * time.Second}
}

func TestResolveModel(t *testing.T) {
	assert.Equal(t, "claude-sonnet-4-20250514", ResolveModel("claude-sonnet"))
	assert.Equal(t, "claude-sonnet-4-20250514", ResolveModel("Claude-Sonnet"))
	assert.Equal(t, "llama3.2", ResolveModel("llama3.2"))
}

func TestServiceUnknownProvider(t *testing.T) {
	svc := NewService(config.LLMConfig{RequestTimeout: 5}, logger.Default())
	resp := svc.Chat(context.Background(), Request{Provider: "mystery", Model: "m"})
	assert.Equal(t, FinishError, resp.FinishReason)
	assert.Contains(t, resp.Error, "unknown llm provider")
}

func TestServiceMissingCredential(t *testing.T) {
	svc := NewService(config.LLMConfig{RequestTimeout: 5}, logger.Default())

	resp := svc.Chat(context.Background(), Request{Provider: "openai", Model: "gpt-4o"})
	assert.Equal(t, FinishError, resp.FinishReason)
	assert.Contains(t, resp.Error, "OPENAI_API_KEY")

	resp = svc.Chat(context.Background(), Request{Provider: "anthropic", Model: "claude-sonnet"})
	assert.Equal(t, FinishError, resp.FinishReason)
	assert.Contains(t, resp.Error, "ANTHROPIC_API_KEY")
}

func TestOpenAIChat(t *testing.T) {
	var gotReq openAIRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"choices": [{
				"message": {
					"role": "assistant",
					"tool_calls": [{"id": "call_1", "type": "function",
						"function": {"name": "echo__post_run", "arguments": "{\"msg\":\"hi\"}"}}]
				},
				"finish_reason": "tool_calls"
			}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 7}
		}`))
	}))
	defer srv.Close()

	client := newOpenAIClient(srv.URL, "sk-test", false, testHTTPClient(), logger.Default())
	resp, err := client.Chat(context.Background(), Request{
		Model: "gpt-4o",
		Messages: []Message{
			{Role: RoleSystem, Content: "be helpful"},
			{Role: RoleUser, Content: "run echo"},
		},
		Tools: []Tool{{Name: "echo__post_run", Parameters: map[string]any{"type": "object"}}},
	})
	require.NoError(t, err)

	assert.Equal(t, FinishToolCalls, resp.FinishReason)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "echo__post_run", resp.ToolCalls[0].Function.Name)
	assert.Equal(t, `{"msg":"hi"}`, resp.ToolCalls[0].Function.Arguments)
	assert.Equal(t, 12, resp.Usage.InputTokens)
	assert.Equal(t, 7, resp.Usage.OutputTokens)

	// Dialect round-trip: system stays in the messages list for OpenAI.
	require.Len(t, gotReq.Messages, 2)
	assert.Equal(t, "system", gotReq.Messages[0].Role)
	require.Len(t, gotReq.Tools, 1)
	assert.Equal(t, "function", gotReq.Tools[0].Type)
}

func TestOpenAIChatProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error": {"message": "bad key"}}`))
	}))
	defer srv.Close()

	client := newOpenAIClient(srv.URL, "sk-bad", false, testHTTPClient(), logger.Default())
	_, err := client.Chat(context.Background(), Request{Model: "gpt-4o"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad key")
}

func TestAnthropicChat(t *testing.T) {
	var gotReq anthropicRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/messages", r.URL.Path)
		require.Equal(t, "key-test", r.Header.Get("x-api-key"))
		require.NotEmpty(t, r.Header.Get("anthropic-version"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"content": [
				{"type": "text", "text": "calling the tool"},
				{"type": "tool_use", "id": "toolu_1", "name": "echo__post_run", "input": {"msg": "hi"}}
			],
			"stop_reason": "tool_use",
			"usage": {"input_tokens": 20, "output_tokens": 9}
		}`))
	}))
	defer srv.Close()

	client := newAnthropicClient("key-test", testHTTPClient(), logger.Default())
	client.baseURL = srv.URL

	resp, err := client.Chat(context.Background(), Request{
		Model: "claude-sonnet-4-20250514",
		Messages: []Message{
			{Role: RoleSystem, Content: "be helpful"},
			{Role: RoleUser, Content: "run echo"},
			{Role: RoleAssistant, ToolCalls: []ToolCall{
				{ID: "toolu_0", Function: FunctionCall{Name: "echo__post_run", Arguments: `{"msg":"prev"}`}},
			}},
			{Role: RoleTool, ToolCallID: "toolu_0", Content: `{"ok":true}`},
		},
		Tools: []Tool{{Name: "echo__post_run", Parameters: map[string]any{"type": "object"}}},
	})
	require.NoError(t, err)

	assert.Equal(t, FinishToolCalls, resp.FinishReason)
	assert.Equal(t, "calling the tool", resp.Content)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "toolu_1", resp.ToolCalls[0].ID)
	assert.JSONEq(t, `{"msg":"hi"}`, resp.ToolCalls[0].Function.Arguments)
	assert.Equal(t, 20, resp.Usage.InputTokens)

	// Dialect round-trip: system lifted out, tool turns become blocks.
	assert.Equal(t, "be helpful", gotReq.System)
	require.Len(t, gotReq.Messages, 3)
	assert.Equal(t, "tool_use", gotReq.Messages[1].Content[0].Type)
	assert.Equal(t, "user", gotReq.Messages[2].Role)
	assert.Equal(t, "tool_result", gotReq.Messages[2].Content[0].Type)
	assert.Equal(t, "toolu_0", gotReq.Messages[2].Content[0].ToolUseID)
	require.Len(t, gotReq.Tools, 1)
	assert.NotNil(t, gotReq.Tools[0].InputSchema)
}

func TestOllamaChat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/chat", r.URL.Path)
		var req ollamaRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.False(t, req.Stream)

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"message": {
				"role": "assistant",
				"content": "",
				"tool_calls": [{"function": {"name": "echo__post_run", "arguments": {"msg": "hi"}}}]
			},
			"done_reason": "stop",
			"prompt_eval_count": 5,
			"eval_count": 3
		}`))
	}))
	defer srv.Close()

	client := newOllamaClient(srv.URL, testHTTPClient(), logger.Default())
	resp, err := client.Chat(context.Background(), Request{
		Model:    "llama3.2",
		Messages: []Message{{Role: RoleUser, Content: "run echo"}},
		Tools:    []Tool{{Name: "echo__post_run"}},
	})
	require.NoError(t, err)

	assert.Equal(t, FinishToolCalls, resp.FinishReason)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "call_0", resp.ToolCalls[0].ID)
	assert.JSONEq(t, `{"msg":"hi"}`, resp.ToolCalls[0].Function.Arguments)
	assert.Equal(t, 5, resp.Usage.InputTokens)
}

func TestServiceChatConvertsFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error": "model not loaded"}`))
	}))
	defer srv.Close()

	svc := NewService(config.LLMConfig{OllamaURL: srv.URL, RequestTimeout: 5}, logger.Default())
	resp := svc.Chat(context.Background(), Request{Provider: "ollama", Model: "llama3.2"})
	assert.Equal(t, FinishError, resp.FinishReason)
	assert.Contains(t, resp.Error, "model not loaded")
}
