package session

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/samsaffron/llmchat/internal/llm"
)

// DefaultThreadTitle is the title of a thread before one is generated.
const DefaultThreadTitle = "New Thread"

// MessageStatus is the completion state of a message.
type MessageStatus string

const (
	StatusReady   MessageStatus = "ready"   // Finished normally
	StatusStopped MessageStatus = "stopped" // Cancelled mid-stream, content is partial
	StatusPending MessageStatus = "pending" // Still being produced
	StatusError   MessageStatus = "error"   // Turn failed
)

// ToolCallState tracks whether a requested tool ran.
type ToolCallState string

const (
	ToolCallPending  ToolCallState = "pending"
	ToolCallExecuted ToolCallState = "executed"
)

// NewID returns a new random identifier for threads and messages.
func NewID() string {
	return uuid.NewString()
}

// Thread is a persisted conversation.
type Thread struct {
	ID        string         `json:"id"`
	Title     string         `json:"title"`
	Provider  string         `json:"provider"`
	Model     string         `json:"model"`
	Archived  bool           `json:"archived,omitempty"`
	Metadata  ThreadMetadata `json:"metadata"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// ThreadMetadata is the free-form bag attached to a thread.
type ThreadMetadata struct {
	HasDocuments bool `json:"has_documents,omitempty"`
}

// Message is one turn of a thread. Parts stores the full llm.Part list so
// tool calls and results round-trip exactly.
type Message struct {
	ID        string          `json:"id"`
	ThreadID  string          `json:"thread_id"`
	Role      llm.Role        `json:"role"`
	Parts     []llm.Part      `json:"parts"`
	Status    MessageStatus   `json:"status,omitempty"`
	Metadata  MessageMetadata `json:"metadata"`
	CreatedAt time.Time       `json:"created_at"`
	Sequence  int             `json:"sequence"`
}

// MessageMetadata carries per-turn details that are not sent to the model.
type MessageMetadata struct {
	Error       string           `json:"error,omitempty"`
	Usage       *llm.Usage       `json:"usage,omitempty"`
	TokenSpeed  float64          `json:"token_speed,omitempty"`
	Assistant   string           `json:"assistant,omitempty"`
	ModelID     string           `json:"model_id,omitempty"`
	Provider    string           `json:"provider,omitempty"`
	ToolCalls   []ToolCallRecord `json:"tool_calls,omitempty"`
	InlineFiles []InlineFile     `json:"inline_files,omitempty"`
}

// ToolCallRecord is a tool invocation attached to an assistant message.
type ToolCallRecord struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Arguments   json.RawMessage `json:"arguments,omitempty"`
	Response    string          `json:"response,omitempty"`
	State       ToolCallState   `json:"state"`
}

// InlineFile is an attachment whose text was placed directly in the prompt.
type InlineFile struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

// Document is one searchable chunk of an embedded attachment.
type Document struct {
	ThreadID string `json:"thread_id"`
	Name     string `json:"name"`
	Chunk    int    `json:"chunk"`
	Content  string `json:"content"`
}

// ListOptions configures thread listing.
type ListOptions struct {
	Archived bool // List archived threads instead of active ones
	Limit    int  // Max results (0 = use default)
	Offset   int
}

// NewMessage creates a message from an llm.Message. Sequence -1 asks the
// store to allocate the next slot.
func NewMessage(threadID string, msg llm.Message) *Message {
	return &Message{
		ID:        NewID(),
		ThreadID:  threadID,
		Role:      msg.Role,
		Parts:     msg.Parts,
		Status:    StatusReady,
		CreatedAt: time.Now(),
		Sequence:  -1,
	}
}

// Text returns the concatenated text parts.
func (m *Message) Text() string {
	var b strings.Builder
	for _, p := range m.Parts {
		if p.Type == llm.PartText && p.Text != "" {
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// SetText replaces the text parts with a single text part, keeping the rest.
func (m *Message) SetText(text string) {
	parts := make([]llm.Part, 0, len(m.Parts)+1)
	parts = append(parts, llm.Part{Type: llm.PartText, Text: text})
	for _, p := range m.Parts {
		if p.Type != llm.PartText {
			parts = append(parts, p)
		}
	}
	m.Parts = parts
}

// IsFinal reports whether the message is complete; an empty status counts as
// ready for rows written before statuses existed.
func (m *Message) IsFinal() bool {
	return m.Status == "" || m.Status == StatusReady
}

// HasError reports whether the turn failed.
func (m *Message) HasError() bool {
	return m.Metadata.Error != ""
}

// ToLLMMessage converts a Message back to an llm.Message.
func (m *Message) ToLLMMessage() llm.Message {
	return llm.Message{Role: m.Role, Parts: m.Parts}
}

// PartsJSON returns the Parts field serialized to JSON for database storage.
func (m *Message) PartsJSON() (string, error) {
	data, err := json.Marshal(m.Parts)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// SetPartsFromJSON deserializes JSON into the Parts field.
func (m *Message) SetPartsFromJSON(data string) error {
	if data == "" {
		m.Parts = nil
		return nil
	}
	return json.Unmarshal([]byte(data), &m.Parts)
}

// TruncateTitle returns the first line of content, truncated to 100 chars.
func TruncateTitle(content string) string {
	content = strings.TrimSpace(content)
	if idx := strings.Index(content, "\n"); idx != -1 {
		content = content[:idx]
	}
	if len(content) > 100 {
		content = content[:97] + "..."
	}
	return content
}
