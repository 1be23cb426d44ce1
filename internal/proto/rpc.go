// Package proto defines the wire message catalogue for the IDE
// Multiplexer (spec §4.7): a closed set of JSON objects distinguished by
// a "type" discriminator, carried over a single duplex channel per
// client. Grounded on the teacher's JSON-RPC 2.0 envelope (Request/
// Response/RPCError, itself Connect()-proxied to an in-sandbox agent)
// but generalized from one "exec" conversation into the full message
// table the spec names: auth, file_*, terminal_*, lsp_*, dap_*, sync_*,
// heartbeat.
package proto

import "github.com/forgehq/runtime-core/internal/types"

// Message type discriminators, the closed set referenced by §4.7's table.
const (
	TypeAuth            = "auth"
	TypeAuthAck         = "auth_ack"
	TypeFileRead        = "file_read"
	TypeFileContent     = "file_content"
	TypeFileWrite       = "file_write"
	TypeFileWritten     = "file_written"
	TypeFileWatch       = "file_watch"
	TypeFileEvent       = "file_event"
	TypeFileChanged     = "file_changed"
	TypeTerminalCreate  = "terminal_create"
	TypeTerminalCreated = "terminal_created"
	TypeTerminalData    = "terminal_data"
	TypeTerminalOutput  = "terminal_output"
	TypeTerminalResize  = "terminal_resize"
	TypeTerminalClosed  = "terminal_closed"
	TypeLSPRequest      = "lsp_request"
	TypeLSPResponse     = "lsp_response"
	TypeDAPRequest      = "dap_request"
	TypeDAPResponse     = "dap_response"
	TypeSyncRequest     = "sync_request"
	TypeSyncResponse    = "sync_response"
	TypeHeartbeat       = "heartbeat"
	TypeHeartbeatAck    = "heartbeat_ack"
	TypeError           = "error"
)

// Close codes the server uses when terminating a connection, per spec §6.
const (
	CloseAuthRequired = 4001
	CloseInvalidToken = 4002
	CloseStale        = 4003
	CloseSlowClient   = 4004
)

// Envelope is decoded first from every inbound frame to read the type
// discriminator before unmarshaling the full, type-specific payload.
type Envelope struct {
	Type string `json:"type"`
}

// RPCError mirrors JSON-RPC 2.0's error object, reused by lsp_response
// and dap_response.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Auth is the mandatory first inbound message.
type Auth struct {
	Type    string                 `json:"type"`
	Token   string                 `json:"token"`
	Project string                 `json:"project"`
	Client  types.ClientDescriptor `json:"client"`
}

// AuthAck confirms a successful binding.
type AuthAck struct {
	Type               string   `json:"type"`
	SessionID          string   `json:"session_id"`
	ServerCapabilities []string `json:"server_capabilities"`
}

// FileRead requests file content from the bound sandbox.
type FileRead struct {
	Type string `json:"type"`
	Path string `json:"path"`
}

// FileContent answers FileRead.
type FileContent struct {
	Type     string `json:"type"`
	Path     string `json:"path"`
	Bytes    string `json:"bytes"`
	Encoding string `json:"encoding"`
}

// FileWrite writes content into the bound sandbox.
type FileWrite struct {
	Type     string `json:"type"`
	Path     string `json:"path"`
	Bytes    string `json:"bytes"`
	Encoding string `json:"encoding"`
}

// FileWritten acknowledges a FileWrite.
type FileWritten struct {
	Type string `json:"type"`
	Path string `json:"path"`
}

// FileWatch registers glob patterns to watch for the connection's
// lifetime.
type FileWatch struct {
	Type     string   `json:"type"`
	Patterns []string `json:"patterns"`
}

// FileEvent is emitted by a registered watcher.
type FileEvent struct {
	Type      string `json:"type"`
	EventType string `json:"event_type"`
	Path      string `json:"path"`
	TS        int64  `json:"ts"`
}

// FileChanged is the collaboration fan-out notification (spec §4.8).
type FileChanged struct {
	Type string `json:"type"`
	Path string `json:"path"`
	TS   int64  `json:"ts"`
}

// TerminalCreate opens a PTY via the Driver.
type TerminalCreate struct {
	Type  string            `json:"type"`
	Shell string            `json:"shell"`
	Env   map[string]string `json:"env,omitempty"`
	Cwd   string            `json:"cwd"`
	Rows  uint16            `json:"rows"`
	Cols  uint16            `json:"cols"`
}

// TerminalCreated answers TerminalCreate.
type TerminalCreated struct {
	Type       string `json:"type"`
	TerminalID string `json:"terminal_id"`
}

// TerminalData is unbuffered byte streaming, client -> server.
type TerminalData struct {
	Type       string `json:"type"`
	TerminalID string `json:"terminal_id"`
	Bytes      string `json:"bytes"`
}

// TerminalOutput is unbuffered byte streaming, server -> client.
type TerminalOutput struct {
	Type       string `json:"type"`
	TerminalID string `json:"terminal_id"`
	Bytes      string `json:"bytes"`
}

// TerminalResize forwards a resize to the PTY.
type TerminalResize struct {
	Type       string `json:"type"`
	TerminalID string `json:"terminal_id"`
	Rows       uint16 `json:"rows"`
	Cols       uint16 `json:"cols"`
}

// TerminalClosed is emitted once when the PTY's reader observes EOF.
type TerminalClosed struct {
	Type       string `json:"type"`
	TerminalID string `json:"terminal_id"`
}

// LSPRequest is proxied verbatim into the sandbox's language server; ID
// round-trips into LSPResponse unmodified.
type LSPRequest struct {
	Type     string         `json:"type"`
	ID       any            `json:"id"`
	Language string         `json:"language"`
	Method   string         `json:"method"`
	Params   map[string]any `json:"params,omitempty"`
}

// LSPResponse answers LSPRequest.
type LSPResponse struct {
	Type   string    `json:"type"`
	ID     any       `json:"id"`
	Result any       `json:"result,omitempty"`
	Error  *RPCError `json:"error,omitempty"`
}

// DAPRequest is proxied into the sandbox's debug adapter.
type DAPRequest struct {
	Type      string         `json:"type"`
	Seq       int            `json:"seq"`
	Command   string         `json:"command"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// DAPResponse answers DAPRequest.
type DAPResponse struct {
	Type       string `json:"type"`
	RequestSeq int    `json:"request_seq"`
	Success    bool   `json:"success"`
	Body       any    `json:"body,omitempty"`
}

// FileMeta is one entry of a SyncResponse.
type FileMeta struct {
	Path         string `json:"path"`
	Size         int64  `json:"size"`
	ModifiedUnix int64  `json:"modified_unix"`
	IsDir        bool   `json:"is_dir"`
}

// SyncRequest asks for a file metadata listing.
type SyncRequest struct {
	Type  string `json:"type"`
	Mode  string `json:"mode"` // "full" or "incremental"
	Since *int64 `json:"since,omitempty"`
}

// SyncResponse answers SyncRequest.
type SyncResponse struct {
	Type  string     `json:"type"`
	Files []FileMeta `json:"files"`
}

// Heartbeat is sent by the client to keep the connection alive.
type Heartbeat struct {
	Type string `json:"type"`
	TS   int64  `json:"ts"`
}

// HeartbeatAck answers Heartbeat.
type HeartbeatAck struct {
	Type string `json:"type"`
	TS   int64  `json:"ts"`
}

// ErrorMessage reports a handling failure without closing the connection.
type ErrorMessage struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}
