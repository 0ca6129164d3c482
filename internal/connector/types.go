// Package connector speaks the JSON-RPC tool protocol to provider
// connectors. A connector is a subprocess or HTTP endpoint exposing
// tools/list and tools/call behind an initialize handshake.
package connector

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/haasonsaas/crossquery/pkg/models"
)

// TransportType selects how the connector is reached.
type TransportType string

const (
	TransportStdio TransportType = "stdio"
	TransportHTTP  TransportType = "http"
)

// ProtocolVersion is the handshake version the connectors implement.
const ProtocolVersion = "2024-11-05"

// Definition is one provider entry from the connectors file.
type Definition struct {
	ID          models.ProviderID `yaml:"id" json:"id"`
	DisplayName string            `yaml:"display_name" json:"display_name"`
	Enabled     *bool             `yaml:"enabled" json:"enabled,omitempty"`
	Priority    int               `yaml:"priority" json:"priority,omitempty"`
	Transport   TransportType     `yaml:"transport" json:"transport"`

	// Stdio transport options
	Command string            `yaml:"command" json:"command,omitempty"`
	Args    []string          `yaml:"args" json:"args,omitempty"`
	Env     map[string]string `yaml:"env" json:"env,omitempty"`
	WorkDir string            `yaml:"workdir" json:"workdir,omitempty"`

	// HTTP transport options
	URL     string            `yaml:"url" json:"url,omitempty"`
	Headers map[string]string `yaml:"headers" json:"headers,omitempty"`

	// Common options
	TimeoutSeconds int `yaml:"timeout_seconds" json:"timeout_seconds,omitempty"`

	// Keywords is the weighted keyword set the detector scores against.
	Keywords map[string]float64 `yaml:"keywords" json:"keywords,omitempty"`
}

// IsEnabled reports whether the connector accepts traffic; absent means
// enabled.
func (d *Definition) IsEnabled() bool {
	return d.Enabled == nil || *d.Enabled
}

// Timeout returns the per-request transport timeout.
func (d *Definition) Timeout() time.Duration {
	if d.TimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(d.TimeoutSeconds) * time.Second
}

// Validate checks the definition for configuration and security issues.
func (d *Definition) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("connector id is required")
	}
	if !models.IsKnownProvider(d.ID) {
		return fmt.Errorf("unknown provider id %q", d.ID)
	}

	switch d.Transport {
	case TransportStdio, "":
		if err := d.validateStdio(); err != nil {
			return fmt.Errorf("stdio config for %s: %w", d.ID, err)
		}
	case TransportHTTP:
		if err := d.validateHTTP(); err != nil {
			return fmt.Errorf("http config for %s: %w", d.ID, err)
		}
	default:
		return fmt.Errorf("connector %s: unknown transport %q", d.ID, d.Transport)
	}

	for kw, weight := range d.Keywords {
		if weight < 0 || weight > 1 {
			return fmt.Errorf("connector %s: keyword %q weight %v outside [0,1]", d.ID, kw, weight)
		}
	}

	return nil
}

func (d *Definition) validateStdio() error {
	if d.Command == "" {
		return fmt.Errorf("command is required")
	}

	if err := validatePath(d.Command, "command"); err != nil {
		return err
	}
	if d.WorkDir != "" {
		if err := validatePath(d.WorkDir, "workdir"); err != nil {
			return err
		}
	}

	for i, arg := range d.Args {
		if containsShellMetachars(arg) {
			return fmt.Errorf("arg[%d] contains suspicious shell metacharacters: %q", i, arg)
		}
	}

	return nil
}

func (d *Definition) validateHTTP() error {
	if d.URL == "" {
		return fmt.Errorf("URL is required")
	}
	if !strings.HasPrefix(d.URL, "http://") && !strings.HasPrefix(d.URL, "https://") {
		return fmt.Errorf("URL must start with http:// or https://")
	}
	return nil
}

// validatePath checks a path for traversal attacks.
func validatePath(path, fieldName string) error {
	if path == "" {
		return nil
	}

	cleaned := filepath.Clean(path)
	if strings.Contains(cleaned, "..") {
		return fmt.Errorf("%s contains path traversal: %q", fieldName, path)
	}

	return nil
}

// containsShellMetachars checks for shell metacharacters that could indicate
// injection. Spaces and quotes are common in legitimate args, so only
// chaining patterns are flagged.
func containsShellMetachars(s string) bool {
	dangerousPatterns := []string{
		"$(", "${",
		"`",
		"&&", "||",
		";",
		"|",
		">", "<",
		"\n", "\r",
	}
	for _, pattern := range dangerousPatterns {
		if strings.Contains(s, pattern) {
			return true
		}
	}
	return false
}

// Tool is a tool descriptor as it appears on the wire.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// Descriptor converts the wire form to the API form.
func (t *Tool) Descriptor() models.ToolDescriptor {
	return models.ToolDescriptor{
		Name:        t.Name,
		Description: t.Description,
		InputSchema: t.InputSchema,
	}
}

// CallResult is the wire result of tools/call.
type CallResult struct {
	Content []ResultContent `json:"content"`
	IsError bool            `json:"isError,omitempty"`
}

// ResultContent is one piece of content from a tool result.
type ResultContent struct {
	Type     string `json:"type"` // text | image | resource
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// Text concatenates the textual content pieces.
func (r *CallResult) Text() string {
	var sb strings.Builder
	for _, c := range r.Content {
		if c.Type == "text" && c.Text != "" {
			if sb.Len() > 0 {
				sb.WriteByte('\n')
			}
			sb.WriteString(c.Text)
		}
	}
	return sb.String()
}

// JSON-RPC types

// Request is a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// Notification is a JSON-RPC 2.0 notification (no ID).
type Notification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// RPCError is a JSON-RPC 2.0 error.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Standard JSON-RPC error codes.
const (
	ErrCodeParseError     = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternalError  = -32603
)

// Protocol-specific error codes.
const (
	ErrCodeToolNotFound = -32002
	ErrCodeRateLimited  = -32029
)

// ServerInfo identifies a connector.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ClientInfo identifies this client in the handshake.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Capabilities advertises what a connector supports.
type Capabilities struct {
	Tools *ToolsCapability `json:"tools,omitempty"`
}

// ToolsCapability describes tool-related capabilities.
type ToolsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// InitializeResult holds the result of the initialize method.
type InitializeResult struct {
	ProtocolVersion string       `json:"protocolVersion"`
	Capabilities    Capabilities `json:"capabilities"`
	ServerInfo      ServerInfo   `json:"serverInfo"`
}

// ListToolsResult holds the result of tools/list.
type ListToolsResult struct {
	Tools []*Tool `json:"tools"`
}

// CallToolParams holds parameters for tools/call.
type CallToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}
