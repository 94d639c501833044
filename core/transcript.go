package core

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/hupe1980/modelbridge/status"
)

// TranscriptVersion is the envelope version this package reads and writes.
const TranscriptVersion = 1

// TranscriptType identifies the envelope on the wire.
const TranscriptType = "ModelBridge.Transcript"

// Role names the author of a transcript entry.
type Role string

const (
	RoleInstructions Role = "instructions"
	RoleUser         Role = "user"
	RoleResponse     Role = "response"
	RoleTool         Role = "tool"
)

// ToolCall records one tool invocation the engine made while responding.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments,omitempty"`
}

// ToolInfo describes a tool that was attached to the session when its
// instructions entry was recorded.
type ToolInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Entry is one transcript element. Role-specific fields stay empty for the
// roles they do not belong to.
type Entry struct {
	ID        string     `json:"id"`
	Role      Role       `json:"role"`
	Content   string     `json:"content,omitempty"`
	Tools     []ToolInfo `json:"tools,omitempty"`     // instructions entries
	ToolCalls []ToolCall `json:"toolCalls,omitempty"` // response entries
	ToolName  string     `json:"toolName,omitempty"`  // tool entries
	CallID    string     `json:"callId,omitempty"`    // tool entries
}

// NewEntry creates an entry of the given role with a fresh id.
func NewEntry(role Role, content string) Entry {
	return Entry{ID: uuid.NewString(), Role: role, Content: content}
}

// Transcript is the ordered record of a session's exchanges. It is plain
// data; the session owning it is responsible for synchronization.
type Transcript struct {
	Entries []Entry `json:"entries"`
}

// Append adds entries in order.
func (tr *Transcript) Append(entries ...Entry) {
	tr.Entries = append(tr.Entries, entries...)
}

// Len returns the number of entries.
func (tr *Transcript) Len() int { return len(tr.Entries) }

// Clone returns a deep copy.
func (tr *Transcript) Clone() *Transcript {
	entries := make([]Entry, len(tr.Entries))
	copy(entries, tr.Entries)
	for i := range entries {
		if entries[i].Tools != nil {
			tools := make([]ToolInfo, len(entries[i].Tools))
			copy(tools, entries[i].Tools)
			entries[i].Tools = tools
		}
		if entries[i].ToolCalls != nil {
			calls := make([]ToolCall, len(entries[i].ToolCalls))
			copy(calls, entries[i].ToolCalls)
			entries[i].ToolCalls = calls
		}
	}
	return &Transcript{Entries: entries}
}

type transcriptEnvelope struct {
	Version    int    `json:"version"`
	Type       string `json:"type"`
	Transcript struct {
		Entries []Entry `json:"entries"`
	} `json:"transcript"`
}

// JSON serializes the transcript inside its versioned envelope.
func (tr *Transcript) JSON() (string, error) {
	env := transcriptEnvelope{Version: TranscriptVersion, Type: TranscriptType}
	env.Transcript.Entries = tr.Entries
	if env.Transcript.Entries == nil {
		env.Transcript.Entries = []Entry{}
	}
	data, err := json.Marshal(env)
	if err != nil {
		return "", status.Wrap(status.InvalidArgument, "marshal transcript", err)
	}
	return string(data), nil
}

// ParseTranscript decodes an envelope produced by JSON, rejecting unknown
// versions and envelope types.
func ParseTranscript(data string) (*Transcript, error) {
	var env transcriptEnvelope
	if err := json.Unmarshal([]byte(data), &env); err != nil {
		return nil, status.Wrap(status.InvalidArgument, "malformed transcript JSON", err)
	}
	if env.Type != TranscriptType {
		return nil, status.Errorf(status.InvalidArgument, "unexpected transcript type %q", env.Type)
	}
	if env.Version != TranscriptVersion {
		return nil, status.Errorf(status.InvalidArgument, "unsupported transcript version %d", env.Version)
	}
	return &Transcript{Entries: env.Transcript.Entries}, nil
}
