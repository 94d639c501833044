// Package anthropic provides an engine adapter for the Anthropic Claude API.
//
// Guided generation is implemented with a forced tool whose input schema is
// the request schema: the model's tool input is the structured output.
// Streaming accumulates Messages API events into cumulative snapshots.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"

	"github.com/hupe1980/modelbridge/content"
	"github.com/hupe1980/modelbridge/core"
	"github.com/hupe1980/modelbridge/engine"
	"github.com/hupe1980/modelbridge/status"
)

// Options configures the Anthropic engine adapter (temperature, model id,
// max tokens, API key). Extend via functional options to preserve stability.
type Options struct {
	Model             anthropic.Model
	Temperature       float64
	MaxTokens         int64
	APIKey            string
	MaxToolIterations int
}

// Engine wraps the Anthropic Messages API behind the generic engine.Engine interface.
type Engine struct {
	client *anthropic.Client
	opts   Options
}

// New creates a new Anthropic engine using the official client
func New(optFns ...func(o *Options)) *Engine {
	opts := Options{
		Model:             anthropic.ModelClaude3_5Sonnet20241022,
		Temperature:       0.7,
		MaxTokens:         4096,
		MaxToolIterations: 8,
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}

	client := anthropic.NewClient(clientOpts...)

	return &Engine{
		client: &client,
		opts:   opts,
	}
}

// NewFromClient creates a new Anthropic engine from an existing client
func NewFromClient(client *anthropic.Client, optFns ...func(o *Options)) *Engine {
	opts := Options{
		Model:             anthropic.ModelClaude3_5Sonnet20241022,
		Temperature:       0.7,
		MaxTokens:         4096,
		MaxToolIterations: 8,
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	return &Engine{
		client: client,
		opts:   opts,
	}
}

// Respond implements engine.Engine. Tool use returned by the model is
// resolved against req.Tools and fed back until the model produces a final
// answer or the iteration limit is hit.
func (e *Engine) Respond(ctx context.Context, req engine.Request) (engine.Response, error) {
	params, forced, err := e.buildParams(req)
	if err != nil {
		return engine.Response{}, err
	}

	var usage engine.Usage

	for i := 0; i < e.opts.MaxToolIterations; i++ {
		resp, err := e.client.Messages.New(ctx, params)
		if err != nil {
			return engine.Response{}, mapAPIError(err)
		}

		usage.PromptTokens += int(resp.Usage.InputTokens)
		usage.CompletionTokens += int(resp.Usage.OutputTokens)
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens

		if forced != "" {
			out, ok := forcedOutput(resp.Content, forced)
			if !ok {
				return engine.Response{}, status.Errorf(status.DecodingFailure, "anthropic: model did not call the structured output tool")
			}
			return engine.Response{Content: out, Usage: &usage}, nil
		}

		switch string(resp.StopReason) {
		case "tool_use":
			params.Messages = append(params.Messages, resp.ToParam())
			resultBlocks, err := resolveToolUses(ctx, req, resp.Content)
			if err != nil {
				return engine.Response{}, err
			}
			params.Messages = append(params.Messages, anthropic.NewUserMessage(resultBlocks...))
			continue
		case "max_tokens":
			return engine.Response{}, status.New(status.ExceededContextWindow)
		case "refusal":
			return engine.Response{}, status.New(status.Refusal)
		}

		var sb strings.Builder
		for _, block := range resp.Content {
			if block.Type == "text" {
				sb.WriteString(block.AsText().Text)
			}
		}
		return engine.Response{Content: sb.String(), Usage: &usage}, nil
	}

	return engine.Response{}, status.Errorf(status.Unknown, "anthropic: tool iteration limit %d exceeded", e.opts.MaxToolIterations)
}

// Stream implements engine.Engine; emits cumulative snapshots, running the
// tool loop between streamed messages. Guided requests stream the forced
// tool's partial input JSON.
func (e *Engine) Stream(ctx context.Context, req engine.Request) (<-chan engine.Snapshot, <-chan error) {
	snapCh := make(chan engine.Snapshot, 32)
	errCh := make(chan error, 1)

	go func() {
		defer close(snapCh)
		defer close(errCh)

		params, forced, err := e.buildParams(req)
		if err != nil {
			errCh <- err
			return
		}

		var text strings.Builder

		for i := 0; i < e.opts.MaxToolIterations; i++ {
			done, err := e.streamOnce(ctx, &params, req, forced, &text, snapCh)
			if err != nil {
				errCh <- err
				return
			}
			if done {
				return
			}
		}

		errCh <- status.Errorf(status.Unknown, "anthropic: tool iteration limit %d exceeded", e.opts.MaxToolIterations)
	}()

	return snapCh, errCh
}

// streamOnce runs a single streamed message. It reports done=true when the
// model finished without requesting tools; otherwise the tool results have
// been appended to params and the caller should stream again.
func (e *Engine) streamOnce(
	ctx context.Context,
	params *anthropic.MessageNewParams,
	req engine.Request,
	forced string,
	text *strings.Builder,
	snapCh chan<- engine.Snapshot,
) (bool, error) {
	stream := e.client.Messages.NewStreaming(ctx, *params)

	message := anthropic.Message{}

	for stream.Next() {
		event := stream.Current()
		if err := message.Accumulate(event); err != nil {
			return false, status.Wrap(status.DecodingFailure, "anthropic: accumulate stream event", err)
		}

		eventVariant, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent)
		if !ok {
			continue
		}

		switch deltaVariant := eventVariant.Delta.AsAny().(type) {
		case anthropic.TextDelta:
			if deltaVariant.Text == "" {
				continue
			}
			text.WriteString(deltaVariant.Text)
		case anthropic.InputJSONDelta:
			// Partial tool input is only surfaced for the forced
			// structured output tool; regular tool calls resolve from
			// the accumulated message below.
			if forced == "" || deltaVariant.PartialJSON == "" {
				continue
			}
			text.WriteString(deltaVariant.PartialJSON)
		default:
			continue
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case snapCh <- engine.Snapshot{Content: text.String()}:
		}
	}
	if err := stream.Err(); err != nil {
		return false, mapAPIError(err)
	}

	if forced != "" {
		final := text.String()
		if final == "" {
			out, ok := forcedOutput(message.Content, forced)
			if !ok {
				return false, status.Errorf(status.DecodingFailure, "anthropic: model did not call the structured output tool")
			}
			final = out
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case snapCh <- engine.Snapshot{Content: final, Complete: true}:
		}
		return true, nil
	}

	switch string(message.StopReason) {
	case "tool_use":
		params.Messages = append(params.Messages, message.ToParam())
		resultBlocks, err := resolveToolUses(ctx, req, message.Content)
		if err != nil {
			return false, err
		}
		params.Messages = append(params.Messages, anthropic.NewUserMessage(resultBlocks...))
		return false, nil
	case "max_tokens":
		return false, status.New(status.ExceededContextWindow)
	case "refusal":
		return false, status.New(status.Refusal)
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

// Info returns metadata describing this Anthropic engine implementation.
func (e *Engine) Info() engine.Info {
	return engine.Info{
		Name:           string(e.opts.Model),
		Provider:       "anthropic",
		SupportsTools:  true,
		SupportsGuided: true,
	}
}

// buildParams assembles the message request: system blocks, history + prompt
// messages, tool definitions and the forced structured output tool. The
// returned string is the forced tool name, empty for plain requests.
func (e *Engine) buildParams(req engine.Request) (anthropic.MessageNewParams, string, error) {
	params := anthropic.MessageNewParams{
		Model:       e.opts.Model,
		Messages:    buildMessages(req),
		MaxTokens:   e.opts.MaxTokens,
		Temperature: anthropic.Float(e.opts.Temperature),
	}

	if systemBlocks := buildSystemBlocks(req); len(systemBlocks) > 0 {
		params.System = systemBlocks
	}

	var tools []anthropic.ToolUnionParam
	for _, t := range req.Tools {
		tool, err := buildTool(t)
		if err != nil {
			return params, "", err
		}
		tools = append(tools, tool)
	}

	forced := ""
	if req.SchemaJSON != "" {
		forcedTool, name, err := buildForcedTool(req.SchemaJSON)
		if err != nil {
			return params, "", err
		}
		forced = name
		tools = append(tools, forcedTool)
		params.ToolChoice = anthropic.ToolChoiceUnionParam{
			OfTool: &anthropic.ToolChoiceToolParam{Name: name},
		}
	}

	if len(tools) > 0 {
		params.Tools = tools
	}

	return params, forced, nil
}

// buildSystemBlocks collects instructions from the request and the transcript.
func buildSystemBlocks(req engine.Request) []anthropic.TextBlockParam {
	var blocks []anthropic.TextBlockParam

	if req.Instructions != "" {
		blocks = append(blocks, anthropic.TextBlockParam{Text: req.Instructions})
	}

	for _, entry := range req.History {
		if entry.Role == core.RoleInstructions && entry.Content != "" {
			blocks = append(blocks, anthropic.TextBlockParam{Text: entry.Content})
		}
	}

	return blocks
}

// buildMessages converts transcript history and the current prompt to
// Anthropic message format. Tool results live in user messages per the
// Messages API contract.
func buildMessages(req engine.Request) []anthropic.MessageParam {
	var messages []anthropic.MessageParam

	for _, entry := range req.History {
		switch entry.Role {
		case core.RoleInstructions:
			continue // handled as system blocks
		case core.RoleUser:
			if entry.Content != "" {
				messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(entry.Content)))
			}
		case core.RoleResponse:
			var blocks []anthropic.ContentBlockParamUnion
			if entry.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(entry.Content))
			}
			for _, tc := range entry.ToolCalls {
				// Parse the arguments JSON for the tool call
				var input interface{}
				if tc.Arguments != "" {
					if err := json.Unmarshal([]byte(tc.Arguments), &input); err != nil {
						input = tc.Arguments // fallback to string
					}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
			}
			if len(blocks) > 0 {
				messages = append(messages, anthropic.NewAssistantMessage(blocks...))
			}
		case core.RoleTool:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewToolResultBlock(entry.CallID, entry.Content, false)))
		default:
			// Treat unknown roles as user
			if entry.Content != "" {
				messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(entry.Content)))
			}
		}
	}

	messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)))

	return messages
}

// buildTool converts a bridge tool to Anthropic tool format.
func buildTool(t engine.Tool) (anthropic.ToolUnionParam, error) {
	paramsJSON, err := t.ParametersJSON()
	if err != nil {
		return anthropic.ToolUnionParam{}, err
	}

	var schemaMap map[string]interface{}
	if err := json.Unmarshal([]byte(paramsJSON), &schemaMap); err != nil {
		return anthropic.ToolUnionParam{}, status.Wrap(status.InvalidSchema, "anthropic: tool "+t.Name()+" parameters", err)
	}

	return anthropic.ToolUnionParamOfTool(inputSchemaFromMap(schemaMap), t.Name()), nil
}

// buildForcedTool turns the guided generation schema into a forced tool whose
// input is the structured output. References are inlined because the tool
// input schema has no $defs section.
func buildForcedTool(schemaJSON string) (anthropic.ToolUnionParam, string, error) {
	var schemaMap map[string]interface{}
	if err := json.Unmarshal([]byte(schemaJSON), &schemaMap); err != nil {
		return anthropic.ToolUnionParam{}, "", status.Wrap(status.InvalidSchema, "anthropic: guided schema", err)
	}

	name, _ := schemaMap["title"].(string)
	if name == "" {
		name = "structured_output"
	}

	inlined := inlineRefs(schemaMap, schemaMap, maxInlineDepth)

	return anthropic.ToolUnionParamOfTool(inputSchemaFromMap(inlined), name), name, nil
}

// inputSchemaFromMap copies the object-level schema keys the SDK exposes.
func inputSchemaFromMap(schemaMap map[string]interface{}) anthropic.ToolInputSchemaParam {
	inputSchema := anthropic.ToolInputSchemaParam{
		Type: constant.Object("object"),
	}

	if properties, exists := schemaMap["properties"]; exists {
		inputSchema.Properties = properties
	}

	if required, exists := schemaMap["required"]; exists {
		switch req := required.(type) {
		case []string:
			inputSchema.Required = req
		case []interface{}:
			var reqStrings []string
			for _, r := range req {
				if s, ok := r.(string); ok {
					reqStrings = append(reqStrings, s)
				}
			}
			inputSchema.Required = reqStrings
		}
	}

	return inputSchema
}

// maxInlineDepth bounds reference inlining so self-referential schemas cannot
// recurse forever; the truncated branch degrades to an unconstrained object.
const maxInlineDepth = 4

func inlineRefs(node, root map[string]interface{}, depth int) map[string]interface{} {
	out := make(map[string]interface{}, len(node))
	for k, v := range node {
		if k == "$defs" {
			continue
		}
		out[k] = inlineValue(v, root, depth)
	}
	return out
}

func inlineValue(v interface{}, root map[string]interface{}, depth int) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		if ref, ok := val["$ref"].(string); ok {
			if depth <= 0 {
				return map[string]interface{}{"type": "object"}
			}
			target := resolveRef(ref, root)
			if target == nil {
				return map[string]interface{}{"type": "object"}
			}
			return inlineRefs(target, root, depth-1)
		}
		return inlineRefs(val, root, depth)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = inlineValue(item, root, depth)
		}
		return out
	default:
		return v
	}
}

func resolveRef(ref string, root map[string]interface{}) map[string]interface{} {
	if ref == "#" {
		return root
	}
	defs, _ := root["$defs"].(map[string]interface{})
	target, _ := defs[strings.TrimPrefix(ref, "#/$defs/")].(map[string]interface{})
	return target
}

// forcedOutput extracts the structured output from the forced tool's input.
func forcedOutput(blocks []anthropic.ContentBlockUnion, forced string) (string, bool) {
	for _, block := range blocks {
		if block.Type != "tool_use" {
			continue
		}
		tu := block.AsToolUse()
		if tu.Name != forced {
			continue
		}
		args, err := json.Marshal(tu.Input)
		if err != nil {
			return "", false
		}
		return string(args), true
	}
	return "", false
}

// resolveToolUses invokes every tool_use block and returns the matching
// tool_result blocks.
func resolveToolUses(
	ctx context.Context,
	req engine.Request,
	blocks []anthropic.ContentBlockUnion,
) ([]anthropic.ContentBlockParamUnion, error) {
	type pendingUse struct {
		id, name, args string
	}

	var text strings.Builder
	var uses []pendingUse

	for _, block := range blocks {
		switch block.Type {
		case "text":
			text.WriteString(block.AsText().Text)
		case "tool_use":
			tu := block.AsToolUse()

			args := "{}"
			if argsBytes, err := json.Marshal(tu.Input); err == nil && string(argsBytes) != "null" {
				args = string(argsBytes)
			}

			uses = append(uses, pendingUse{id: tu.ID, name: tu.Name, args: args})
		}
	}

	if len(uses) == 0 {
		return nil, status.Errorf(status.Unknown, "anthropic: tool_use stop without tool_use blocks")
	}

	records := make([]core.ToolCall, len(uses))
	for i, u := range uses {
		records[i] = core.ToolCall{ID: u.id, Name: u.name, Arguments: u.args}
	}
	recordCallTurn(req, text.String(), records)

	results := make([]anthropic.ContentBlockParamUnion, 0, len(uses))
	for _, u := range uses {
		result, err := invokeTool(ctx, req.Tools, u.name, u.args)
		if err != nil {
			return nil, err
		}
		results = append(results, anthropic.NewToolResultBlock(u.id, result, false))
		recordResult(req, u.name, u.id, result)
	}

	return results, nil
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
		return "", status.Errorf(status.InvalidArgument, "anthropic: model called unknown tool %q", name)
	}

	decoded, err := content.Parse(args)
	if err != nil {
		return "", err
	}

	return tool.Invoke(ctx, decoded)
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

	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		switch apierr.StatusCode {
		case http.StatusTooManyRequests, 529:
			return status.Wrap(status.RateLimited, "anthropic api error", err)
		case http.StatusNotFound:
			return status.Wrap(status.AssetsUnavailable, "anthropic api error", err)
		case http.StatusBadRequest:
			return status.Wrap(status.InvalidArgument, "anthropic api error", err)
		}
	}

	return status.Wrap(status.Unknown, "anthropic api error", err)
}
