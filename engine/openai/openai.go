// Package openai provides an implementation of engine.Engine using the OpenAI
// Chat Completions API (including streaming + function/tool calling). It
// adapts ModelBridge's normalized Request/Snapshot structures into the SDK's
// message format and back, and maps API failures onto status codes.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/openai/openai-go"

	"github.com/hupe1980/modelbridge/content"
	"github.com/hupe1980/modelbridge/core"
	"github.com/hupe1980/modelbridge/engine"
	"github.com/hupe1980/modelbridge/status"
)

// aggCall aggregates partial tool call streaming deltas (id, name, arguments)
// allowing reconstruction of complete calls when the finish reason is emitted.
// Internal helper (unexported).
type aggCall struct{ id, name, args string }

// Options configure the OpenAI engine adapter.
// Fields mirror a subset of Chat Completion parameters intentionally kept
// minimal; extend via functional options without breaking callers.
type Options struct {
	Model               string
	Temperature         float64
	MaxCompletionTokens int64
	MaxToolIterations   int
}

// Engine wraps the OpenAI Chat Completions API behind the generic
// engine.Engine interface.
type Engine struct {
	client *openai.Client
	opts   Options
}

// New creates a new OpenAI engine using the official client
func New(optFns ...func(o *Options)) *Engine {
	client := openai.NewClient()
	return NewFromClient(&client, optFns...)
}

// NewFromClient creates a new OpenAI engine from an existing client
func NewFromClient(client *openai.Client, optFns ...func(o *Options)) *Engine {
	opts := Options{
		Model:               openai.ChatModelGPT4oMini,
		Temperature:         0.7,
		MaxCompletionTokens: 4096,
		MaxToolIterations:   8,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Engine{client: client, opts: opts}
}

// Respond implements engine.Engine. Tool calls returned by the model are
// resolved against req.Tools and fed back until the model produces a final
// answer or the iteration limit is hit.
func (e *Engine) Respond(ctx context.Context, req engine.Request) (engine.Response, error) {
	params, err := e.buildParams(req)
	if err != nil {
		return engine.Response{}, err
	}

	var usage engine.Usage

	for i := 0; i < e.opts.MaxToolIterations; i++ {
		resp, err := e.client.Chat.Completions.New(ctx, params)
		if err != nil {
			return engine.Response{}, mapAPIError(err)
		}
		if len(resp.Choices) == 0 {
			return engine.Response{}, status.Errorf(status.Unknown, "openai: no choices returned")
		}

		usage.PromptTokens += int(resp.Usage.PromptTokens)
		usage.CompletionTokens += int(resp.Usage.CompletionTokens)
		usage.TotalTokens += int(resp.Usage.TotalTokens)

		ch0 := resp.Choices[0]

		if ch0.Message.Refusal != "" {
			return engine.Response{}, status.Errorf(status.Refusal, "openai: %s", ch0.Message.Refusal)
		}

		if len(ch0.Message.ToolCalls) > 0 {
			params.Messages = append(params.Messages, ch0.Message.ToParam())
			recordCallTurn(req, ch0.Message.Content, toCallRecords(ch0.Message.ToolCalls))
			if err := appendToolResults(ctx, &params, req, ch0.Message.ToolCalls); err != nil {
				return engine.Response{}, err
			}
			continue
		}

		if err := finishError(ch0.FinishReason); err != nil {
			return engine.Response{}, err
		}

		return engine.Response{Content: ch0.Message.Content, Usage: &usage}, nil
	}

	return engine.Response{}, status.Errorf(status.Unknown, "openai: tool iteration limit %d exceeded", e.opts.MaxToolIterations)
}

// Stream implements engine.Engine; emits cumulative snapshots, running the
// tool loop between streamed completions.
func (e *Engine) Stream(ctx context.Context, req engine.Request) (<-chan engine.Snapshot, <-chan error) {
	snapCh := make(chan engine.Snapshot, 32)
	errCh := make(chan error, 1)

	go func() {
		defer close(snapCh)
		defer close(errCh)

		params, err := e.buildParams(req)
		if err != nil {
			errCh <- err
			return
		}

		var text strings.Builder

		for i := 0; i < e.opts.MaxToolIterations; i++ {
			done, err := e.streamOnce(ctx, &params, req, &text, snapCh)
			if err != nil {
				errCh <- err
				return
			}
			if done {
				return
			}
		}

		errCh <- status.Errorf(status.Unknown, "openai: tool iteration limit %d exceeded", e.opts.MaxToolIterations)
	}()

	return snapCh, errCh
}

// streamOnce runs a single streamed completion. It reports done=true when the
// model finished without requesting tools; otherwise the tool results have
// been appended to params and the caller should stream again.
func (e *Engine) streamOnce(
	ctx context.Context,
	params *openai.ChatCompletionNewParams,
	req engine.Request,
	text *strings.Builder,
	snapCh chan<- engine.Snapshot,
) (bool, error) {
	stream := e.client.Chat.Completions.NewStreaming(ctx, *params)

	toolAgg := map[int64]*aggCall{}
	finish := ""
	refusal := ""

	for stream.Next() {
		ck := stream.Current()
		for _, ch := range ck.Choices {
			if ch.Delta.Content != "" {
				text.WriteString(ch.Delta.Content)
				select {
				case <-ctx.Done():
					return false, ctx.Err()
				case snapCh <- engine.Snapshot{Content: text.String()}:
				}
			}
			if ch.Delta.Refusal != "" {
				refusal += ch.Delta.Refusal
			}
			for _, tc := range ch.Delta.ToolCalls {
				ac, ok := toolAgg[tc.Index]
				if !ok {
					ac = &aggCall{}
					toolAgg[tc.Index] = ac
				}
				if tc.ID != "" {
					ac.id = tc.ID
				}
				if tc.Function.Name != "" {
					ac.name = tc.Function.Name
				}
				if tc.Function.Arguments != "" {
					ac.args += tc.Function.Arguments
				}
			}
			if ch.FinishReason != "" {
				finish = ch.FinishReason
			}
		}
	}
	if err := stream.Err(); err != nil {
		return false, mapAPIError(err)
	}

	if refusal != "" {
		return false, status.Errorf(status.Refusal, "openai: %s", refusal)
	}

	if len(toolAgg) > 0 {
		indexes := make([]int64, 0, len(toolAgg))
		for idx := range toolAgg {
			indexes = append(indexes, idx)
		}
		sort.Slice(indexes, func(i, j int) bool { return indexes[i] < indexes[j] })

		calls := make([]openai.ChatCompletionMessageToolCallParam, 0, len(indexes))
		records := make([]core.ToolCall, 0, len(indexes))
		for _, idx := range indexes {
			ac := toolAgg[idx]
			calls = append(calls, openai.ChatCompletionMessageToolCallParam{
				ID:   ac.id,
				Type: "function",
				Function: openai.ChatCompletionMessageToolCallFunctionParam{
					Name:      ac.name,
					Arguments: ac.args,
				},
			})
			records = append(records, core.ToolCall{ID: ac.id, Name: ac.name, Arguments: ac.args})
		}
		params.Messages = append(
			params.Messages,
			openai.ChatCompletionMessageParamUnion{OfAssistant: &openai.ChatCompletionAssistantMessageParam{
				Role:      "assistant",
				ToolCalls: calls,
			}},
		)
		recordCallTurn(req, "", records)

		for _, idx := range indexes {
			ac := toolAgg[idx]
			result, err := invokeTool(ctx, req.Tools, ac.name, ac.args)
			if err != nil {
				return false, err
			}
			params.Messages = append(params.Messages, openai.ToolMessage(result, ac.id))
			recordResult(req, ac.name, ac.id, result)
		}

		return false, nil
	}

	if err := finishError(finish); err != nil {
		return false, err
	}

	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case snapCh <- engine.Snapshot{Content: text.String(), Complete: true}:
	}
	return true, nil
}

// Availability implements engine.Engine. The adapter reports available
// whenever it holds a client; a deeper probe would cost a billable call.
func (e *Engine) Availability(_ context.Context) core.Availability {
	if e.client == nil {
		return core.Unavailable(core.ReasonModelNotReady)
	}
	return core.Available()
}

// Info returns metadata describing this OpenAI engine implementation.
func (e *Engine) Info() engine.Info {
	return engine.Info{
		Name:           e.opts.Model,
		Provider:       "openai",
		SupportsTools:  true,
		SupportsGuided: true,
	}
}

// buildParams assembles the request parameters: system + history + prompt
// messages, tool definitions and the guided generation response format.
func (e *Engine) buildParams(req engine.Request) (openai.ChatCompletionNewParams, error) {
	params := openai.ChatCompletionNewParams{
		Messages:            buildMessages(req),
		Model:               e.opts.Model,
		Temperature:         openai.Float(e.opts.Temperature),
		MaxCompletionTokens: openai.Int(e.opts.MaxCompletionTokens),
	}

	if len(req.Tools) > 0 {
		tools := make([]openai.ChatCompletionToolParam, len(req.Tools))
		for i, t := range req.Tools {
			schemaMap, err := toolParameters(t)
			if err != nil {
				return params, err
			}
			tools[i] = openai.ChatCompletionToolParam{
				Type: "function",
				Function: openai.FunctionDefinitionParam{
					Name:        t.Name(),
					Description: openai.String(t.Description()),
					Parameters:  schemaMap,
				},
			}
		}
		params.Tools = tools
	}

	if req.SchemaJSON != "" {
		var schemaMap map[string]interface{}
		if err := json.Unmarshal([]byte(req.SchemaJSON), &schemaMap); err != nil {
			return params, status.Wrap(status.InvalidSchema, "openai: guided schema", err)
		}
		name, _ := schemaMap["title"].(string)
		if name == "" {
			name = "output"
		}
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &openai.ResponseFormatJSONSchemaParam{
				JSONSchema: openai.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:   name,
					Schema: schemaMap,
				},
			},
		}
	}

	return params, nil
}

// buildMessages converts instructions, transcript history and the current
// prompt into OpenAI chat messages.
func buildMessages(req engine.Request) []openai.ChatCompletionMessageParamUnion {
	var messages []openai.ChatCompletionMessageParamUnion

	if req.Instructions != "" {
		messages = append(messages, openai.SystemMessage(req.Instructions))
	}

	for _, entry := range req.History {
		switch entry.Role {
		case core.RoleInstructions:
			messages = append(messages, openai.SystemMessage(entry.Content))
		case core.RoleUser:
			messages = append(messages, openai.UserMessage(entry.Content))
		case core.RoleResponse:
			if len(entry.ToolCalls) > 0 {
				messages = append(
					messages,
					openai.ChatCompletionMessageParamUnion{OfAssistant: &openai.ChatCompletionAssistantMessageParam{
						Role:      "assistant",
						ToolCalls: toToolCallParams(entry.ToolCalls),
					}},
				)
				continue
			}
			messages = append(messages, openai.AssistantMessage(entry.Content))
		case core.RoleTool:
			messages = append(messages, openai.ToolMessage(entry.Content, entry.CallID))
		default:
			if entry.Content != "" {
				messages = append(messages, openai.UserMessage(entry.Content))
			}
		}
	}

	messages = append(messages, openai.UserMessage(req.Prompt))

	return messages
}

// toToolCallParams converts transcript tool call records into OpenAI formatted tool calls.
func toToolCallParams(calls []core.ToolCall) []openai.ChatCompletionMessageToolCallParam {
	params := make([]openai.ChatCompletionMessageToolCallParam, len(calls))
	for i, tc := range calls {
		params[i] = openai.ChatCompletionMessageToolCallParam{
			ID:   tc.ID,
			Type: "function",
			Function: openai.ChatCompletionMessageToolCallFunctionParam{
				Name:      tc.Name,
				Arguments: tc.Arguments,
			},
		}
	}
	return params
}

// toolParameters decodes a tool's JSON Schema for the SDK's map-shaped field.
func toolParameters(t engine.Tool) (map[string]interface{}, error) {
	paramsJSON, err := t.ParametersJSON()
	if err != nil {
		return nil, err
	}
	var schemaMap map[string]interface{}
	if err := json.Unmarshal([]byte(paramsJSON), &schemaMap); err != nil {
		return nil, status.Wrap(status.InvalidSchema, fmt.Sprintf("openai: tool %q parameters", t.Name()), err)
	}
	return schemaMap, nil
}

// appendToolResults resolves the model's tool calls and appends their results
// as tool messages.
func appendToolResults(
	ctx context.Context,
	params *openai.ChatCompletionNewParams,
	req engine.Request,
	calls []openai.ChatCompletionMessageToolCall,
) error {
	for _, tc := range calls {
		result, err := invokeTool(ctx, req.Tools, tc.Function.Name, tc.Function.Arguments)
		if err != nil {
			return err
		}
		params.Messages = append(params.Messages, openai.ToolMessage(result, tc.ID))
		recordResult(req, tc.Function.Name, tc.ID, result)
	}
	return nil
}

// toCallRecords converts SDK tool calls into transcript records.
func toCallRecords(calls []openai.ChatCompletionMessageToolCall) []core.ToolCall {
	records := make([]core.ToolCall, len(calls))
	for i, tc := range calls {
		records[i] = core.ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: tc.Function.Arguments}
	}
	return records
}

// recordCallTurn forwards the assistant turn that requested tools to the
// request's recorder when one is attached.
func recordCallTurn(req engine.Request, text string, calls []core.ToolCall) {
	if req.Record == nil {
		return
	}
	entry := core.NewEntry(core.RoleResponse, text)
	entry.ToolCalls = calls
	req.Record(entry)
}

// recordResult forwards one resolved tool call to the request's recorder.
func recordResult(req engine.Request, name, callID, result string) {
	if req.Record == nil {
		return
	}
	entry := core.NewEntry(core.RoleTool, result)
	entry.ToolName = name
	entry.CallID = callID
	req.Record(entry)
}

// invokeTool runs the named tool with the JSON arguments the model produced.
func invokeTool(ctx context.Context, tools []engine.Tool, name, args string) (string, error) {
	var tool engine.Tool
	for _, t := range tools {
		if t.Name() == name {
			tool = t
			break
		}
	}
	if tool == nil {
		return "", status.Errorf(status.InvalidArgument, "openai: model called unknown tool %q", name)
	}

	decoded, err := content.Parse(args)
	if err != nil {
		return "", err
	}

	return tool.Invoke(ctx, decoded)
}

// finishError maps terminal finish reasons onto status codes.
func finishError(finishReason string) error {
	switch finishReason {
	case "length":
		return status.New(status.ExceededContextWindow)
	case "content_filter":
		return status.New(status.GuardrailViolation)
	default:
		return nil
	}
}

// mapAPIError converts SDK errors into status-coded errors, preserving the
// original message for diagnostics. Context cancellation passes through so
// callers can classify it as a cancelled outcome rather than a failure.
func mapAPIError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var apierr *openai.Error
	if errors.As(err, &apierr) {
		switch {
		case apierr.Code == "context_length_exceeded":
			return status.Wrap(status.ExceededContextWindow, "openai api error", err)
		case apierr.StatusCode == http.StatusTooManyRequests:
			return status.Wrap(status.RateLimited, "openai api error", err)
		case apierr.StatusCode == http.StatusNotFound:
			return status.Wrap(status.AssetsUnavailable, "openai api error", err)
		case apierr.StatusCode == http.StatusBadRequest:
			return status.Wrap(status.InvalidArgument, "openai api error", err)
		}
	}

	return status.Wrap(status.Unknown, "openai api error", err)
}
