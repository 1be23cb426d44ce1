// Package multiplex implements the IDE Multiplexer (spec §4.7): one
// duplex message channel per client, the first message of which must be
// auth, carrying a closed set of typed messages (file_*, terminal_*,
// lsp_*, dap_*, sync_*, heartbeat) funneled through a single serializing
// writer per connection.
//
// Grounded on the teacher's interactSandbox handler in
// internal/api/handler.go: a gorilla/websocket connection paired with
// driver calls, bidirectional byte-proxying via goroutines and an error
// channel to detect either side closing, generalized from one
// "exec conversation" into the spec's full message table, and on
// original_source's IDEConnectorService (message_handlers dispatch
// table, per-connection terminals map, heartbeat monitor).
package multiplex

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/forgehq/runtime-core/internal/config"
	"github.com/forgehq/runtime-core/internal/driver"
	"github.com/forgehq/runtime-core/internal/log"
	"github.com/forgehq/runtime-core/internal/proto"
	"github.com/forgehq/runtime-core/internal/store"
)

// wsConn is the narrow view of *websocket.Conn this package depends on,
// so tests can drive a Session without a real network socket.
type wsConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	Close() error
}

// AuthValidator delegates token verification (spec §4.7: "Validates
// token (delegated)"); internal/authn implements this.
type AuthValidator interface {
	ValidateToken(ctx context.Context, token string) (userRef string, err error)
}

// SandboxBinder is the narrow Orchestrator view used to bind a Sandbox
// to a successfully authenticated connection.
type SandboxBinder interface {
	BindForProject(ctx context.Context, userRef, projectRef string) (sandboxID string, err error)
}

// Broadcaster is the narrow Collaboration Broadcaster view (spec §4.8)
// used to fan out file_changed notifications on successful file_write.
type Broadcaster interface {
	Join(projectRef, connID string, deliver func(path string, ts int64)) error
	Leave(projectRef, connID string)
	Publish(projectRef, connID, path string, ts int64)
}

// LanguageServerProxy proxies an lsp_request into the sandbox's language
// server and returns its result.
type LanguageServerProxy interface {
	Request(ctx context.Context, handle, language, method string, params map[string]any) (result any, err error)
}

// DebugAdapterProxy proxies a dap_request into the sandbox's debug adapter.
type DebugAdapterProxy interface {
	Request(ctx context.Context, handle, command string, arguments map[string]any) (body any, err error)
}

// filePollInterval is the cadence of the best-effort file_watch poller;
// the Driver has no native watch primitive, so watching is implemented
// as a diff of periodic ListFiles snapshots, per spec §4.7's "subscription
// lifetime = connection lifetime" wording (no stronger delivery guarantee
// is promised).
const filePollInterval = 2 * time.Second

// sendQueueDepth bounds the single serializing writer's backlog; a
// connection that cannot drain this many outbound messages is judged a
// slow client and closed, per spec §4.7's backpressure policy.
const sendQueueDepth = 256

// Session is one client's duplex connection: exactly one reader goroutine
// dispatching inbound messages, one writer goroutine serializing every
// outbound message (wire messages, PTY output, watch events, fan-out),
// and N subordinate goroutines (PTY readers, the watch poller) that only
// ever reach the wire through the writer's channel.
type Session struct {
	id      string
	conn    wsConn
	cfg     *config.Config
	st      store.Store
	drv     driver.Driver
	auth    AuthValidator
	binder  SandboxBinder
	bcast   Broadcaster
	lsp     LanguageServerProxy
	dap     DebugAdapterProxy
	logger  zerolog.Logger

	sendCh  chan []byte
	closeCh chan struct{}
	closed  sync.Once

	mu            sync.Mutex
	userRef       string
	projectRef    string
	sandboxID     string
	engineHandle  string
	authenticated bool
	lastHeartbeat time.Time
	terminals     map[string]driver.PtyHandle
	watchCancel   context.CancelFunc

	wg sync.WaitGroup
}

// New constructs a Session around an accepted connection. Call Run to
// drive it; Run blocks until the connection closes.
func New(id string, conn wsConn, cfg *config.Config, st store.Store, drv driver.Driver, auth AuthValidator, binder SandboxBinder, bcast Broadcaster, lsp LanguageServerProxy, dap DebugAdapterProxy) *Session {
	return &Session{
		id:            id,
		conn:          conn,
		cfg:           cfg,
		st:            st,
		drv:           drv,
		auth:          auth,
		binder:        binder,
		bcast:         bcast,
		lsp:           lsp,
		dap:           dap,
		logger:        log.Component("multiplex").With().Str("connection", id).Logger(),
		sendCh:        make(chan []byte, sendQueueDepth),
		closeCh:       make(chan struct{}),
		terminals:     make(map[string]driver.PtyHandle),
		lastHeartbeat: time.Now(),
	}
}

// Run drives the connection to completion: the first inbound message
// must be auth; every message after that is dispatched by type. Run
// returns once the connection is closed, by either side.
func (s *Session) Run(ctx context.Context) {
	s.wg.Add(2)
	go s.writeLoop()
	go s.heartbeatLoop()

	defer s.shutdown()

	if !s.authenticateFirst(ctx) {
		return
	}

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		s.touchHeartbeat()
		s.dispatch(ctx, raw)
	}
}

func (s *Session) shutdown() {
	s.closed.Do(func() {
		close(s.closeCh)
	})
	_ = s.conn.Close()

	s.mu.Lock()
	terminals := s.terminals
	s.terminals = nil
	cancel := s.watchCancel
	s.watchCancel = nil
	s.mu.Unlock()

	for _, pty := range terminals {
		_ = pty.Close()
	}
	if cancel != nil {
		cancel()
	}
	if s.bcast != nil && s.projectRef != "" {
		s.bcast.Leave(s.projectRef, s.id)
	}
	s.wg.Wait()
}

// writeLoop is the session's single serializing writer: every outbound
// frame, regardless of origin goroutine, is marshaled by send() and
// drained here in order, so the wire stays a well-formed stream.
func (s *Session) writeLoop() {
	defer s.wg.Done()
	for {
		select {
		case msg, ok := <-s.sendCh:
			if !ok {
				return
			}
			if err := s.conn.WriteMessage(1, msg); err != nil {
				return
			}
		case <-s.closeCh:
			return
		}
	}
}

// send enqueues a message for the writer; a full queue means the client
// cannot keep up and the connection is closed with cause slow_client.
func (s *Session) send(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to marshal outbound message")
		return
	}
	select {
	case s.sendCh <- b:
	default:
		s.logger.Warn().Msg("outbound queue full, closing as slow client")
		s.closeWithCode(proto.CloseSlowClient)
	}
}

func (s *Session) closeWithCode(code int) {
	s.closed.Do(func() {
		close(s.closeCh)
	})
	closeMsg := []byte{byte(code >> 8), byte(code)}
	_ = s.conn.WriteMessage(8, closeMsg) // 8 = websocket close frame opcode
	_ = s.conn.Close()
}

func (s *Session) touchHeartbeat() {
	s.mu.Lock()
	s.lastHeartbeat = time.Now()
	s.mu.Unlock()
}

func (s *Session) heartbeatLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.mu.Lock()
			last := s.lastHeartbeat
			s.mu.Unlock()
			if time.Since(last) > s.cfg.HeartbeatTimeout {
				s.logger.Warn().Msg("heartbeat timeout, closing as stale")
				s.closeWithCode(proto.CloseStale)
				return
			}
		case <-s.closeCh:
			return
		}
	}
}

// authenticateFirst enforces spec §4.7's "first message must be auth"
// rule and performs the Sandbox binding on success.
func (s *Session) authenticateFirst(ctx context.Context) bool {
	_, raw, err := s.conn.ReadMessage()
	if err != nil {
		return false
	}

	var env proto.Envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Type != proto.TypeAuth {
		s.closeWithCode(proto.CloseAuthRequired)
		return false
	}

	var msg proto.Auth
	if err := json.Unmarshal(raw, &msg); err != nil {
		s.closeWithCode(proto.CloseAuthRequired)
		return false
	}

	userRef, err := s.auth.ValidateToken(ctx, msg.Token)
	if err != nil {
		s.closeWithCode(proto.CloseInvalidToken)
		return false
	}

	sandboxID, err := s.binder.BindForProject(ctx, userRef, msg.Project)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to bind sandbox on auth")
		s.closeWithCode(proto.CloseInvalidToken)
		return false
	}

	sbx, err := s.st.GetSandbox(sandboxID)
	if err != nil {
		s.closeWithCode(proto.CloseInvalidToken)
		return false
	}

	s.mu.Lock()
	s.userRef = userRef
	s.projectRef = msg.Project
	s.sandboxID = sandboxID
	s.engineHandle = sbx.EngineHandle
	s.authenticated = true
	s.mu.Unlock()

	if s.bcast != nil {
		_ = s.bcast.Join(msg.Project, s.id, func(path string, ts int64) {
			s.send(proto.FileChanged{Type: proto.TypeFileChanged, Path: path, TS: ts})
		})
	}

	s.send(proto.AuthAck{
		Type:      proto.TypeAuthAck,
		SessionID: sandboxID,
		ServerCapabilities: []string{
			"file_sync", "terminal", "lsp_proxy", "dap_proxy", "sync", "heartbeat",
		},
	})
	return true
}

// dispatch routes one decoded inbound frame by its type discriminator,
// the tagged-variant dispatcher table the spec's design notes call for
// in place of the source's per-request attribute lookup.
func (s *Session) dispatch(ctx context.Context, raw []byte) {
	var env proto.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		s.send(proto.ErrorMessage{Type: proto.TypeError, Code: "parse_error", Message: "invalid JSON"})
		return
	}

	switch env.Type {
	case proto.TypeFileRead:
		s.handleFileRead(ctx, raw)
	case proto.TypeFileWrite:
		s.handleFileWrite(ctx, raw)
	case proto.TypeFileWatch:
		s.handleFileWatch(ctx, raw)
	case proto.TypeTerminalCreate:
		s.handleTerminalCreate(ctx, raw)
	case proto.TypeTerminalData:
		s.handleTerminalData(raw)
	case proto.TypeTerminalResize:
		s.handleTerminalResize(raw)
	case proto.TypeLSPRequest:
		s.handleLSPRequest(ctx, raw)
	case proto.TypeDAPRequest:
		s.handleDAPRequest(ctx, raw)
	case proto.TypeSyncRequest:
		s.handleSyncRequest(ctx, raw)
	case proto.TypeHeartbeat:
		s.handleHeartbeat(raw)
	case "ai_request":
		s.send(proto.ErrorMessage{Type: proto.TypeError, Code: "not_supported", Message: "ai_request is not supported by this server"})
	default:
		s.send(proto.ErrorMessage{Type: proto.TypeError, Code: "unknown_type", Message: "unknown message type: " + env.Type})
	}
}

func (s *Session) handle() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engineHandle
}

func (s *Session) handleFileRead(ctx context.Context, raw []byte) {
	var msg proto.FileRead
	if err := json.Unmarshal(raw, &msg); err != nil {
		s.send(proto.ErrorMessage{Type: proto.TypeError, Code: "parse_error", Message: "invalid file_read"})
		return
	}

	rc, err := s.drv.GetArchive(ctx, s.handle(), msg.Path)
	if err != nil {
		s.send(proto.ErrorMessage{Type: proto.TypeError, Code: "file_error", Message: err.Error()})
		return
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		s.send(proto.ErrorMessage{Type: proto.TypeError, Code: "file_error", Message: err.Error()})
		return
	}

	s.send(proto.FileContent{
		Type:     proto.TypeFileContent,
		Path:     msg.Path,
		Bytes:    base64.StdEncoding.EncodeToString(data),
		Encoding: "base64",
	})
}

func (s *Session) handleFileWrite(ctx context.Context, raw []byte) {
	var msg proto.FileWrite
	if err := json.Unmarshal(raw, &msg); err != nil {
		s.send(proto.ErrorMessage{Type: proto.TypeError, Code: "parse_error", Message: "invalid file_write"})
		return
	}

	data, err := base64.StdEncoding.DecodeString(msg.Bytes)
	if err != nil {
		s.send(proto.ErrorMessage{Type: proto.TypeError, Code: "parse_error", Message: "invalid base64 payload"})
		return
	}

	if err := s.drv.PutArchive(ctx, s.handle(), msg.Path, newBytesReader(data)); err != nil {
		s.send(proto.ErrorMessage{Type: proto.TypeError, Code: "file_error", Message: err.Error()})
		return
	}

	s.send(proto.FileWritten{Type: proto.TypeFileWritten, Path: msg.Path})

	if s.bcast != nil {
		s.bcast.Publish(s.projectRef, s.id, msg.Path, time.Now().Unix())
	}
}

func (s *Session) handleFileWatch(ctx context.Context, raw []byte) {
	var msg proto.FileWatch
	if err := json.Unmarshal(raw, &msg); err != nil {
		s.send(proto.ErrorMessage{Type: proto.TypeError, Code: "parse_error", Message: "invalid file_watch"})
		return
	}
	patterns := msg.Patterns
	if len(patterns) == 0 {
		patterns = []string{"**/*"}
	}

	s.mu.Lock()
	if s.watchCancel != nil {
		s.watchCancel()
	}
	watchCtx, cancel := context.WithCancel(context.Background())
	s.watchCancel = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go s.runFileWatch(watchCtx, patterns)
}

func (s *Session) runFileWatch(ctx context.Context, patterns []string) {
	defer s.wg.Done()
	ticker := time.NewTicker(filePollInterval)
	defer ticker.Stop()

	seen := make(map[string]time.Time)
	handle := s.handle()

	for {
		select {
		case <-ticker.C:
			entries, err := s.drv.ListFiles(context.Background(), handle, "/workspace")
			if err != nil {
				continue
			}
			fresh := make(map[string]time.Time, len(entries))
			for _, e := range entries {
				if !matchesAny(patterns, e.Path) {
					continue
				}
				fresh[e.Path] = e.LastModified
				prev, ok := seen[e.Path]
				eventType := "modified"
				if !ok {
					eventType = "created"
				} else if prev.Equal(e.LastModified) {
					continue
				}
				s.send(proto.FileEvent{Type: proto.TypeFileEvent, EventType: eventType, Path: e.Path, TS: time.Now().Unix()})
			}
			for path := range seen {
				if _, ok := fresh[path]; !ok {
					s.send(proto.FileEvent{Type: proto.TypeFileEvent, EventType: "deleted", Path: path, TS: time.Now().Unix()})
				}
			}
			seen = fresh
		case <-ctx.Done():
			return
		case <-s.closeCh:
			return
		}
	}
}

func matchesAny(patterns []string, path string) bool {
	for _, p := range patterns {
		if p == "**/*" || p == "*" {
			return true
		}
		if ok, _ := filepath.Match(p, path); ok {
			return true
		}
		if ok, _ := filepath.Match(p, filepath.Base(path)); ok {
			return true
		}
	}
	return false
}

func (s *Session) handleTerminalCreate(ctx context.Context, raw []byte) {
	var msg proto.TerminalCreate
	if err := json.Unmarshal(raw, &msg); err != nil {
		s.send(proto.ErrorMessage{Type: proto.TypeError, Code: "parse_error", Message: "invalid terminal_create"})
		return
	}

	rows, cols := msg.Rows, msg.Cols
	if rows == 0 {
		rows = 24
	}
	if cols == 0 {
		cols = 80
	}

	pty, err := s.drv.OpenPTY(ctx, s.handle(), cols, rows, msg.Shell)
	if err != nil {
		s.send(proto.ErrorMessage{Type: proto.TypeError, Code: "terminal_error", Message: err.Error()})
		return
	}

	terminalID := newID()
	s.mu.Lock()
	s.terminals[terminalID] = pty
	s.mu.Unlock()

	s.wg.Add(1)
	go s.readTerminal(terminalID, pty)

	s.send(proto.TerminalCreated{Type: proto.TypeTerminalCreated, TerminalID: terminalID})
}

// readTerminal is the subordinate PTY reader task: its only path to the
// wire is through s.send, which funnels into the single writer.
func (s *Session) readTerminal(terminalID string, pty driver.PtyHandle) {
	defer s.wg.Done()
	buf := make([]byte, 4096)
	for {
		n, err := pty.Read(buf)
		if n > 0 {
			s.send(proto.TerminalOutput{
				Type:       proto.TypeTerminalOutput,
				TerminalID: terminalID,
				Bytes:      base64.StdEncoding.EncodeToString(buf[:n]),
			})
		}
		if err != nil {
			s.send(proto.TerminalClosed{Type: proto.TypeTerminalClosed, TerminalID: terminalID})
			return
		}
		select {
		case <-s.closeCh:
			return
		default:
		}
	}
}

func (s *Session) terminal(id string) (driver.PtyHandle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pty, ok := s.terminals[id]
	return pty, ok
}

func (s *Session) handleTerminalData(raw []byte) {
	var msg proto.TerminalData
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}
	pty, ok := s.terminal(msg.TerminalID)
	if !ok {
		s.send(proto.ErrorMessage{Type: proto.TypeError, Code: "not_found", Message: "unknown terminal_id"})
		return
	}
	data, err := base64.StdEncoding.DecodeString(msg.Bytes)
	if err != nil {
		return
	}
	_, _ = pty.Write(data)
}

func (s *Session) handleTerminalResize(raw []byte) {
	var msg proto.TerminalResize
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}
	pty, ok := s.terminal(msg.TerminalID)
	if !ok {
		return
	}
	_ = pty.Resize(msg.Cols, msg.Rows)
}

func (s *Session) handleLSPRequest(ctx context.Context, raw []byte) {
	var msg proto.LSPRequest
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}
	if s.lsp == nil {
		s.send(proto.LSPResponse{Type: proto.TypeLSPResponse, ID: msg.ID, Error: &proto.RPCError{Code: -32601, Message: "no language server proxy configured"}})
		return
	}
	result, err := s.lsp.Request(ctx, s.handle(), msg.Language, msg.Method, msg.Params)
	if err != nil {
		s.send(proto.LSPResponse{Type: proto.TypeLSPResponse, ID: msg.ID, Error: &proto.RPCError{Code: -32603, Message: err.Error()}})
		return
	}
	s.send(proto.LSPResponse{Type: proto.TypeLSPResponse, ID: msg.ID, Result: result})
}

func (s *Session) handleDAPRequest(ctx context.Context, raw []byte) {
	var msg proto.DAPRequest
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}
	if s.dap == nil {
		s.send(proto.DAPResponse{Type: proto.TypeDAPResponse, RequestSeq: msg.Seq, Success: false})
		return
	}
	body, err := s.dap.Request(ctx, s.handle(), msg.Command, msg.Arguments)
	if err != nil {
		s.send(proto.DAPResponse{Type: proto.TypeDAPResponse, RequestSeq: msg.Seq, Success: false, Body: err.Error()})
		return
	}
	s.send(proto.DAPResponse{Type: proto.TypeDAPResponse, RequestSeq: msg.Seq, Success: true, Body: body})
}

func (s *Session) handleSyncRequest(ctx context.Context, raw []byte) {
	var msg proto.SyncRequest
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}

	entries, err := s.drv.ListFiles(ctx, s.handle(), "/workspace")
	if err != nil {
		s.send(proto.ErrorMessage{Type: proto.TypeError, Code: "sync_error", Message: err.Error()})
		return
	}

	var since time.Time
	if msg.Mode == "incremental" && msg.Since != nil {
		since = time.Unix(*msg.Since, 0)
	}

	files := make([]proto.FileMeta, 0, len(entries))
	for _, e := range entries {
		if msg.Mode == "incremental" && !e.LastModified.After(since) {
			continue
		}
		files = append(files, proto.FileMeta{
			Path:         e.Path,
			Size:         e.Size,
			ModifiedUnix: e.LastModified.Unix(),
			IsDir:        e.IsDir,
		})
	}

	s.send(proto.SyncResponse{Type: proto.TypeSyncResponse, Files: files})
}

func (s *Session) handleHeartbeat(raw []byte) {
	var msg proto.Heartbeat
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}
	s.send(proto.HeartbeatAck{Type: proto.TypeHeartbeatAck, TS: msg.TS})
}

func newID() string {
	return uuid.NewString()
}

func newBytesReader(data []byte) io.Reader {
	return bytes.NewReader(data)
}
