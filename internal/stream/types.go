package stream

import (
	"bytes"
	"encoding/json"
)

// wireLine is the union of every line shape the worker writes: the
// stream-json records on stdout and the records in its on-disk session
// JSONL. Only the fields cook reads are declared.
type wireLine struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`

	// system/init (stdout) and session files (sessionId).
	SessionID     string   `json:"session_id,omitempty"`
	SessionIDFile string   `json:"sessionId,omitempty"`
	Model         string   `json:"model,omitempty"`
	Tools         []string `json:"tools,omitempty"`

	// assistant / user records carry the full message payload.
	Message *wireMessage `json:"message,omitempty"`

	// Simplified and top-level shapes: message/text, tool_use, tool_result.
	Text      string          `json:"text,omitempty"`
	Name      string          `json:"name,omitempty"`
	ID        string          `json:"id,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`

	// result records.
	ResultText   string  `json:"result,omitempty"`
	IsError      bool    `json:"is_error,omitempty"`
	TotalCostUSD float64 `json:"total_cost_usd,omitempty"`
	DurationMS   float64 `json:"duration_ms,omitempty"`
	NumTurns     int     `json:"num_turns,omitempty"`
	Usage        *Usage  `json:"usage,omitempty"`

	// error records: {"error":{"message":"..."}} or {"error":"..."}.
	Error json.RawMessage `json:"error,omitempty"`

	Timestamp string `json:"timestamp,omitempty"`
}

// wireMessage is the message payload inside "assistant" and "user" records.
// Content is either a plain string (user prompts in session files) or a list
// of content blocks.
type wireMessage struct {
	ID         string          `json:"id,omitempty"`
	Model      string          `json:"model,omitempty"`
	Role       string          `json:"role,omitempty"`
	Content    json.RawMessage `json:"content,omitempty"`
	StopReason string          `json:"stop_reason,omitempty"`
	Usage      *Usage          `json:"usage,omitempty"`
}

// ContentBlock represents a content block within a message.
type ContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Thinking  string          `json:"thinking,omitempty"`
	Name      string          `json:"name,omitempty"`
	ID        string          `json:"id,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// Usage holds token usage information.
type Usage struct {
	InputTokens              int `json:"input_tokens,omitempty"`
	OutputTokens             int `json:"output_tokens,omitempty"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
}

// decodeContent accepts either a JSON string or a list of content blocks.
func decodeContent(raw json.RawMessage) (text string, blocks []ContentBlock, err error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil, nil
	}
	if raw[0] == '"' {
		err = json.Unmarshal(raw, &text)
		return text, nil, err
	}
	err = json.Unmarshal(raw, &blocks)
	return "", blocks, err
}

// flattenText joins the text of a string-or-blocks content value.
func flattenText(raw json.RawMessage) string {
	text, blocks, err := decodeContent(raw)
	if err != nil {
		return string(raw)
	}
	if text != "" {
		return text
	}
	var b bytes.Buffer
	for _, block := range blocks {
		if block.Type != "text" || block.Text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(block.Text)
	}
	return b.String()
}

// errorMessage pulls a message out of the error field's object or string form.
func errorMessage(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return ""
	}
	var s string
	if raw[0] == '"' && json.Unmarshal(raw, &s) == nil {
		return s
	}
	var obj struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &obj) == nil && obj.Message != "" {
		return obj.Message
	}
	return string(raw)
}
