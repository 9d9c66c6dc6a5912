package llmapi

import (
	"context"
	"encoding/json"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/mark3labs/mcp-go/mcp"
)

// toolCallDelta is one complete tool call assembled from streaming chunks.
type toolCallDelta struct {
	ID        string
	Name      string
	Arguments string
}

// modelResult is what one model turn produced, independent of whether it
// streamed or not.
type modelResult struct {
	Text      string
	ToolCalls []toolCallDelta
	Message   openai.ChatCompletionMessageParamUnion
}

// modelClient isolates the openai-go SDK's concrete streaming types behind a
// narrow seam, so the turn loop in llmapi.go can be exercised with a fake in
// tests without constructing real SSE bodies.
type modelClient interface {
	stream(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion, tools []openai.ChatCompletionToolParam, onDelta func(text string)) (modelResult, error)
}

// openAIClient is the real modelClient, driving chat completions against
// github.com/openai/openai-go the way deepnoodle-ai-dive and
// trpc-group-trpc-agent-go's core/model/openai package do: NewStreaming plus
// a ChatCompletionAccumulator to assemble the final message from chunks.
type openAIClient struct {
	client openai.Client
	model  string
}

func newOpenAIClient(apiKey, baseURL, model string) *openAIClient {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &openAIClient{client: openai.NewClient(opts...), model: model}
}

func (c *openAIClient) stream(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion, tools []openai.ChatCompletionToolParam, onDelta func(text string)) (modelResult, error) {
	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(c.model),
		Messages: messages,
		Tools:    tools,
		StreamOptions: openai.ChatCompletionStreamOptionsParam{
			IncludeUsage: openai.Bool(true),
		},
	}

	stream := c.client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()

	acc := openai.ChatCompletionAccumulator{}
	for stream.Next() {
		chunk := stream.Current()
		acc.AddChunk(chunk)

		if len(chunk.Choices) > 0 {
			if delta := chunk.Choices[0].Delta.Content; delta != "" && onDelta != nil {
				onDelta(delta)
			}
		}
	}
	if err := stream.Err(); err != nil {
		return modelResult{}, err
	}

	result := modelResult{}
	if len(acc.Choices) > 0 {
		msg := acc.Choices[0].Message
		result.Text = msg.Content

		assistant := &openai.ChatCompletionAssistantMessageParam{}
		if msg.Content != "" {
			assistant.Content = openai.ChatCompletionAssistantMessageParamContentUnion{OfString: openai.String(msg.Content)}
		}
		for _, tc := range msg.ToolCalls {
			result.ToolCalls = append(result.ToolCalls, toolCallDelta{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			})
			assistant.ToolCalls = append(assistant.ToolCalls, openai.ChatCompletionMessageToolCallParam{
				ID: tc.ID,
				Function: openai.ChatCompletionMessageToolCallFunctionParam{
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				},
			})
		}
		result.Message = openai.ChatCompletionMessageParamUnion{OfAssistant: assistant}
	}
	return result, nil
}

// convertTools maps the dispatcher's mcp.Tool declarations onto OpenAI's
// function-tool shape, mirroring trpc-agent-go's convertTools.
func convertTools(tools []mcp.Tool) []openai.ChatCompletionToolParam {
	if len(tools) == 0 {
		return nil
	}
	result := make([]openai.ChatCompletionToolParam, 0, len(tools))
	for _, t := range tools {
		schemaBytes, err := json.Marshal(t.InputSchema)
		if err != nil {
			continue
		}
		var params shared.FunctionParameters
		if err := json.Unmarshal(schemaBytes, &params); err != nil {
			continue
		}
		result = append(result, openai.ChatCompletionToolParam{
			Function: openai.FunctionDefinitionParam{
				Name:        t.Name,
				Description: openai.String(t.Description),
				Parameters:  params,
			},
		})
	}
	return result
}

// userMessage builds a plain user-role message param.
func userMessage(text string) openai.ChatCompletionMessageParamUnion {
	return openai.ChatCompletionMessageParamUnion{
		OfUser: &openai.ChatCompletionUserMessageParam{
			Content: openai.ChatCompletionUserMessageParamContentUnion{OfString: openai.String(text)},
		},
	}
}

// systemMessage builds a system-role message param.
func systemMessage(text string) openai.ChatCompletionMessageParamUnion {
	return openai.ChatCompletionMessageParamUnion{
		OfSystem: &openai.ChatCompletionSystemMessageParam{
			Content: openai.ChatCompletionSystemMessageParamContentUnion{OfString: openai.String(text)},
		},
	}
}

// toolResultMessage records a tool call's outcome as a user-role message.
// This deliberately avoids the OpenAI-specific `tool` role so the turn loop
// stays provider-agnostic at the Runner Protocol boundary.
func toolResultMessage(toolName string, result *mcp.CallToolResult) openai.ChatCompletionMessageParamUnion {
	text := renderToolResult(result)
	return userMessage("[tool result: " + toolName + "]\n" + text)
}

func renderToolResult(result *mcp.CallToolResult) string {
	if result == nil {
		return ""
	}
	var b []byte
	for _, c := range result.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			b = append(b, []byte(tc.Text)...)
			b = append(b, '\n')
		}
	}
	if len(b) == 0 {
		data, _ := json.Marshal(result)
		return string(data)
	}
	return string(b)
}
