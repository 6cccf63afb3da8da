// Package toolresult converts heterogeneous MCP tool responses into a
// uniform, ordered sequence of tagged entries.
package toolresult

import (
	"encoding/base64"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Kind tags a normalized entry.
type Kind string

const (
	KindText    Kind = "text"
	KindFile    Kind = "file"
	KindImage   Kind = "image"
	KindError   Kind = "error"
	KindUnknown Kind = "unknown"
)

// ErrorMessage is the fixed text of the entry produced for error-flagged results.
const ErrorMessage = "调用 MCP 工具失败"

// Entry is one normalized piece of a tool result.
type Entry struct {
	Kind  Kind   `json:"kind"`
	Value string `json:"value"`
}

// IsTextual reports whether the entry is folded into the textual answer.
func (e Entry) IsTextual() bool {
	return e.Kind == KindText || e.Kind == KindError
}

// IsSideChannel reports whether the entry is surfaced outside the textual answer.
func (e Entry) IsSideChannel() bool {
	return e.Kind == KindFile || e.Kind == KindImage
}

// Normalize converts a raw tool result. An error-flagged result yields exactly
// one error entry; otherwise each content item maps to one entry, in order.
func Normalize(result *mcp.CallToolResult) []Entry {
	if result == nil {
		return []Entry{{Kind: KindUnknown, Value: "<nil>"}}
	}
	if result.IsError {
		return []Entry{{Kind: KindError, Value: ErrorMessage}}
	}

	entries := make([]Entry, 0, len(result.Content))
	for _, item := range result.Content {
		entries = append(entries, classify(item))
	}
	return entries
}

func classify(item mcp.Content) Entry {
	switch c := item.(type) {
	case *mcp.TextContent:
		return Entry{Kind: KindText, Value: c.Text}
	case *mcp.ResourceLink:
		return Entry{Kind: KindFile, Value: c.URI}
	case *mcp.EmbeddedResource:
		if c.Resource != nil && c.Resource.URI != "" {
			return Entry{Kind: KindFile, Value: c.Resource.URI}
		}
	case *mcp.ImageContent:
		return Entry{Kind: KindImage, Value: dataURI(c.MIMEType, c.Data)}
	}
	return Entry{Kind: KindUnknown, Value: describe(item)}
}

func dataURI(mimeType string, data []byte) string {
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data)
}

func describe(item mcp.Content) string {
	switch c := item.(type) {
	case *mcp.AudioContent:
		return fmt.Sprintf("audio(%s, %d bytes)", c.MIMEType, len(c.Data))
	case nil:
		return "<nil>"
	default:
		return fmt.Sprintf("%T", item)
	}
}

// FirstValue returns the value of the first entry, used to bind a result variable.
func FirstValue(entries []Entry) (string, bool) {
	if len(entries) == 0 {
		return "", false
	}
	return entries[0].Value, true
}
