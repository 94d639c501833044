package engine

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/hupe1980/modelbridge/content"
	"github.com/hupe1980/modelbridge/core"
	"github.com/hupe1980/modelbridge/internal/util"
	"github.com/hupe1980/modelbridge/status"
)

// scriptedCall queues a tool invocation the mock performs before answering.
type scriptedCall struct {
	tool string
	args string
}

// Mock is a lightweight in‑memory Engine useful for tests & examples.
//
// Canned responses are rendered as text templates, guided requests are
// answered with an instance synthesized from the request schema (or a canned
// one registered via AddStructured), streaming emits per-rune cumulative
// snapshots and tool calls can be scripted to exercise Tool implementations.
// All mutation methods are safe for concurrent use with in-flight requests.
type Mock struct {
	mu         sync.Mutex
	info       Info
	avail      core.Availability
	responses  map[string]string
	structured map[string]string
	script     []scriptedCall
	fallback   string
	failCode   status.Code
	delay      time.Duration
}

// NewMock constructs a Mock with tool and guided generation support enabled.
func NewMock(name, provider string) *Mock {
	return &Mock{
		info: Info{
			Name:           name,
			Provider:       provider,
			SupportsTools:  true,
			SupportsGuided: true,
		},
		avail:      core.Available(),
		responses:  make(map[string]string),
		structured: make(map[string]string),
		fallback:   "Mock response to: {{.prompt}}",
	}
}

// AddResponse registers a deterministic canned completion for a prompt.
// The response may be a text template rendered with the keys "prompt",
// "instructions" and "results" (scripted tool results, in call order).
func (m *Mock) AddResponse(prompt, response string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[prompt] = response
}

// AddStructured registers canned guided output for a schema name. When a
// request carries a schema whose title matches, the canned JSON is returned
// instead of a synthesized instance. This is the escape hatch for schemas the
// synthesizer cannot satisfy, e.g. required self-references.
func (m *Mock) AddStructured(schemaName, jsonText string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.structured[schemaName] = jsonText
}

// SetFallback replaces the template used when no canned response matches.
func (m *Mock) SetFallback(tmpl string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallback = tmpl
}

// FailWith makes subsequent requests fail with the given status code.
// Passing status.Success clears the failure.
func (m *Mock) FailWith(code status.Code) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failCode = code
}

// SetAvailability overrides the reported availability.
func (m *Mock) SetAvailability(av core.Availability) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.avail = av
}

// SetDelay makes each request wait before producing output, honoring context
// cancellation. Useful to hold a generation in flight during tests.
func (m *Mock) SetDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
}

// ScriptToolCall queues a tool invocation that Respond and Stream perform, in
// order, before producing the final response. The named tool must be offered
// on the request.
func (m *Mock) ScriptToolCall(tool, argsJSON string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, scriptedCall{tool: tool, args: argsJSON})
}

// Info implements Engine.
func (m *Mock) Info() Info { return m.info }

// Availability implements Engine.
func (m *Mock) Availability(_ context.Context) core.Availability {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.avail
}

// Respond implements Engine.
func (m *Mock) Respond(ctx context.Context, req Request) (Response, error) {
	full, err := m.reply(ctx, req)
	if err != nil {
		return Response{}, err
	}
	return Response{Content: full, Usage: mockUsage(req.Prompt, full)}, nil
}

// Stream implements Engine; emits cumulative snapshots rune by rune.
func (m *Mock) Stream(ctx context.Context, req Request) (<-chan Snapshot, <-chan error) {
	snapCh := make(chan Snapshot, 16)
	errCh := make(chan error, 1)

	go func() {
		defer close(snapCh)
		defer close(errCh)

		full, err := m.reply(ctx, req)
		if err != nil {
			errCh <- err
			return
		}

		runes := []rune(full)
		if len(runes) == 0 {
			snapCh <- Snapshot{Content: "", Complete: true}
			return
		}

		var sb strings.Builder
		for i, r := range runes {
			sb.WriteRune(r)
			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			case snapCh <- Snapshot{Content: sb.String(), Complete: i == len(runes)-1}:
			}
		}
	}()

	return snapCh, errCh
}

// reply computes the full response text for a request.
func (m *Mock) reply(ctx context.Context, req Request) (string, error) {
	m.mu.Lock()
	failCode := m.failCode
	delay := m.delay
	script := append([]scriptedCall(nil), m.script...)
	canned, ok := m.responses[req.Prompt]
	fallback := m.fallback
	var structured string
	if req.SchemaJSON != "" {
		structured = m.structured[gjson.Get(req.SchemaJSON, "title").String()]
	}
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(delay):
		}
	}

	if failCode != status.Success {
		return "", status.New(failCode)
	}

	results, err := runScript(ctx, req, script)
	if err != nil {
		return "", err
	}

	if req.SchemaJSON != "" {
		if structured != "" {
			return structured, nil
		}
		return synthesize(req.SchemaJSON)
	}

	if !ok {
		canned = fallback
	}

	return util.RenderTemplate(canned, map[string]interface{}{
		"prompt":       req.Prompt,
		"instructions": req.Instructions,
		"results":      results,
	})
}

// runScript invokes scripted tool calls against the tools offered on the request.
func runScript(ctx context.Context, req Request, script []scriptedCall) ([]string, error) {
	if len(script) == 0 {
		return nil, nil
	}

	results := make([]string, 0, len(script))

	for i, call := range script {
		var tool Tool
		for _, t := range req.Tools {
			if t.Name() == call.tool {
				tool = t
				break
			}
		}
		if tool == nil {
			return nil, status.Errorf(status.InvalidArgument, "mock engine: tool %q not offered", call.tool)
		}

		args, err := content.Parse(call.args)
		if err != nil {
			return nil, err
		}

		callID := "mock-call-" + strconv.Itoa(i)

		if req.Record != nil {
			entry := core.NewEntry(core.RoleResponse, "")
			entry.ToolCalls = []core.ToolCall{{ID: callID, Name: call.tool, Arguments: call.args}}
			req.Record(entry)
		}

		result, err := tool.Invoke(ctx, args)
		if err != nil {
			return nil, err
		}

		if req.Record != nil {
			entry := core.NewEntry(core.RoleTool, result)
			entry.ToolName = call.tool
			entry.CallID = callID
			req.Record(entry)
		}

		results = append(results, result)
	}

	return results, nil
}

func mockUsage(prompt, completion string) *Usage {
	pt := len(prompt)/4 + 1
	ct := len(completion)/4 + 1
	return &Usage{PromptTokens: pt, CompletionTokens: ct, TotalTokens: pt + ct}
}

// maxSynthDepth bounds $ref chasing so required self-references cannot
// recurse forever; the truncated branch emits an empty object.
const maxSynthDepth = 4

// synthesize builds a schema-conforming instance from a guided request
// schema, filling each required property with a placeholder derived from its
// type and constraints. Built field by field with sjson so key order follows
// the schema's required list.
func synthesize(schemaJSON string) (string, error) {
	if !gjson.Valid(schemaJSON) {
		return "", status.Errorf(status.InvalidSchema, "mock engine: malformed schema JSON")
	}
	return synthesizeObject(schemaJSON, gjson.Parse(schemaJSON), 0)
}

func synthesizeObject(root string, node gjson.Result, depth int) (string, error) {
	out := "{}"

	required := node.Get("required")
	if !required.IsArray() {
		return out, nil
	}

	props := node.Get("properties")

	var synthErr error

	required.ForEach(func(_, name gjson.Result) bool {
		raw, err := synthesizeValue(root, props.Get(name.String()), depth)
		if err != nil {
			synthErr = err
			return false
		}
		if out, err = sjson.SetRaw(out, name.String(), raw); err != nil {
			synthErr = err
			return false
		}
		return true
	})

	if synthErr != nil {
		return "", synthErr
	}

	return out, nil
}

func synthesizeValue(root string, prop gjson.Result, depth int) (string, error) {
	if ref := prop.Get("$ref"); ref.Exists() {
		if depth >= maxSynthDepth {
			return "{}", nil
		}
		target := gjson.Parse(root)
		if ref.String() != "#" {
			name := strings.TrimPrefix(ref.String(), "#/$defs/")
			target = gjson.Get(root, "$defs").Get(name)
			if !target.Exists() {
				return "", status.Errorf(status.InvalidSchema, "mock engine: $ref to unknown definition %q", name)
			}
		}
		return synthesizeObject(root, target, depth+1)
	}

	if enum := prop.Get("enum"); enum.IsArray() {
		if vals := enum.Array(); len(vals) > 0 {
			return vals[0].Raw, nil
		}
	}

	switch prop.Get("type").String() {
	case "string":
		return `"mock"`, nil
	case "integer":
		if min := prop.Get("minimum"); min.Exists() {
			return strconv.FormatInt(int64(min.Float()), 10), nil
		}
		return "0", nil
	case "number":
		if min := prop.Get("minimum"); min.Exists() {
			return strconv.FormatFloat(min.Float(), 'f', -1, 64), nil
		}
		return "0", nil
	case "boolean":
		return "true", nil
	case "array":
		n := 0
		if mi := prop.Get("minItems"); mi.Exists() {
			n = int(mi.Int())
		}
		out := "[]"
		for i := 0; i < n; i++ {
			item, err := synthesizeValue(root, prop.Get("items"), depth+1)
			if err != nil {
				return "", err
			}
			if out, err = sjson.SetRaw(out, "-1", item); err != nil {
				return "", err
			}
		}
		return out, nil
	default:
		return "null", nil
	}
}
