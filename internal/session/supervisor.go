package session

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"cli-supervisor/internal/guard"
	"cli-supervisor/internal/store"
)

const (
	DefaultMaxSessions   = 5
	DefaultExecutable    = "claude"
	DefaultMCPServerName = "actionflows-dashboard"
	DefaultBackendURL    = "http://localhost:3001"

	MaxInputBytes = 100_000

	readBufSize        = 32 * 1024
	readerDrainTimeout = 2 * time.Second
	storeTimeout       = 5 * time.Second
)

// requiredArgs put the CLI into non-interactive print mode with streaming
// newline-delimited JSON on both stdin and stdout.
var requiredArgs = []string{
	"--print",
	"--input-format", "stream-json",
	"--output-format", "stream-json",
	"--include-partial-messages",
	"--verbose",
	"--dangerously-skip-permissions",
	"--no-session-persistence",
}

// markerEnv is always present in the child environment and always wins
// over caller-supplied values.
var markerEnv = [][2]string{
	{"CI", "1"},
	{"CLAUDECODE", ""},
}

// Config holds supervisor settings. Zero values fall back to defaults.
type Config struct {
	MaxSessions   int
	Executable    string
	MCPServerPath string
	MCPServerName string
	BackendURL    string
	DefaultUser   string
}

func (c Config) withDefaults() Config {
	if c.MaxSessions <= 0 {
		c.MaxSessions = DefaultMaxSessions
	}
	if c.Executable == "" {
		c.Executable = DefaultExecutable
	}
	if c.MCPServerName == "" {
		c.MCPServerName = DefaultMCPServerName
	}
	if c.BackendURL == "" {
		c.BackendURL = DefaultBackendURL
	}
	return c
}

// Option customizes a Supervisor.
type Option func(*Supervisor)

func WithSpawner(sp Spawner) Option { return func(s *Supervisor) { s.spawner = sp } }

func WithStore(st Store) Option { return func(s *Supervisor) { s.store = st } }

func WithBroadcaster(b Broadcaster) Option { return func(s *Supervisor) { s.SetBroadcaster(b) } }

func WithLogger(l *slog.Logger) Option { return func(s *Supervisor) { s.logger = l } }

func WithClock(now func() time.Time) Option { return func(s *Supervisor) { s.now = now } }

// StartRequest are the caller-supplied parameters of StartSession.
type StartRequest struct {
	ID            string            `json:"sessionId"`
	Cwd           string            `json:"cwd"`
	Prompt        string            `json:"prompt,omitempty"`
	Flags         []string          `json:"flags,omitempty"`
	Env           map[string]string `json:"envVars,omitempty"`
	MCPConfigPath string            `json:"mcpConfigPath,omitempty"`
	User          string            `json:"user,omitempty"`
}

// Supervisor owns the registry of live CLI sessions and drives their
// process lifecycle.
type Supervisor struct {
	cfg     Config
	spawner Spawner
	store   Store
	logger  *slog.Logger
	now     func() time.Time

	mu       sync.Mutex
	sessions map[string]*managedSession

	sinkMu      sync.RWMutex
	broadcaster Broadcaster
}

// New creates a supervisor. Without options it spawns real processes and
// discards persistence and broadcasts.
func New(cfg Config, opts ...Option) *Supervisor {
	s := &Supervisor{
		cfg:         cfg.withDefaults(),
		spawner:     ExecSpawner{},
		store:       noopStore{},
		logger:      slog.Default(),
		now:         time.Now,
		sessions:    make(map[string]*managedSession),
		broadcaster: noopBroadcaster{},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.store == nil {
		s.store = noopStore{}
	}
	if s.spawner == nil {
		s.spawner = ExecSpawner{}
	}
	s.logger = s.logger.With("component", "session")
	return s
}

// MaxSessions returns the registry capacity.
func (s *Supervisor) MaxSessions() int { return s.cfg.MaxSessions }

// StartSession validates the request, spawns the CLI and registers the
// session. It returns once the process is running.
func (s *Supervisor) StartSession(ctx context.Context, req StartRequest) (Info, error) {
	if req.ID == "" {
		return Info{}, fmt.Errorf("%w: session id is required", ErrInvalidRequest)
	}
	if err := checkInput(req.Prompt); err != nil {
		return Info{}, err
	}

	// Reserve the slot under the lock so concurrent starts cannot both
	// pass the existence and capacity checks.
	s.mu.Lock()
	if _, exists := s.sessions[req.ID]; exists {
		s.mu.Unlock()
		return Info{}, fmt.Errorf("%w: %s", ErrAlreadyExists, req.ID)
	}
	if len(s.sessions) >= s.cfg.MaxSessions {
		s.mu.Unlock()
		return Info{}, fmt.Errorf("%w (%d)", ErrCapacityExceeded, s.cfg.MaxSessions)
	}
	ms := newManagedSession(req.ID, s.logger.With("sessionID", req.ID))
	s.sessions[req.ID] = ms
	s.mu.Unlock()

	cwd, err := guard.ValidatePath(req.Cwd)
	if err != nil {
		s.release(ms)
		return Info{}, err
	}
	flags, err := guard.ValidateFlags(req.Flags)
	if err != nil {
		s.release(ms)
		return Info{}, err
	}

	spec := SpawnSpec{
		Executable: s.cfg.Executable,
		Args:       s.buildArgs(flags, req.MCPConfigPath),
		Dir:        cwd,
		Env:        buildEnv(os.Environ(), req.Env, ms.logger),
	}
	ms.prepare(cwd, spec.Args, s.resolveUser(req.User), s.now().UTC())
	ms.agg = NewAggregator(ms.id, func(msg store.ChatMessage) { s.onChatMessage(ms, msg) })

	proc, err := s.spawner.Spawn(ctx, spec)
	if err != nil {
		s.release(ms)
		ms.logger.Error("Failed to spawn CLI", "executable", spec.Executable, "error", err)
		return Info{}, &SpawnError{Executable: spec.Executable, Err: err}
	}

	ms.markRunning(proc)
	ms.logger.Info("Session started", "pid", proc.PID(), "cwd", cwd)
	if !s.registered(ms) {
		// StopAllSessions ran while the process was spawning.
		if err := ms.stop(syscall.SIGTERM); err != nil {
			ms.logger.Warn("Failed to stop session", "error", err)
		}
	}

	s.broadcast(ms.id, StartedEvent{
		PID:       proc.PID(),
		Cwd:       cwd,
		Args:      spec.Args,
		Prompt:    req.Prompt,
		Timestamp: s.now().UTC(),
	})

	ms.readers.Add(2)
	go s.readStdout(ms, proc.Stdout())
	go s.readStderr(ms, proc.Stderr())
	go s.waitForExit(ms)

	if req.Prompt != "" {
		go s.writePrompt(ms, req.Prompt)
	} else {
		close(ms.promptDone)
	}

	s.persistStarted(ctx, ms, proc.PID())
	close(ms.ready)

	return ms.info(), nil
}

// GetSession returns a snapshot of a registered session.
func (s *Supervisor) GetSession(id string) (Info, bool) {
	s.mu.Lock()
	ms, ok := s.sessions[id]
	s.mu.Unlock()
	if !ok {
		return Info{}, false
	}
	return ms.info(), true
}

// StopSession requests termination of a session's process. It never
// waits for the process to exit and never removes the registry entry;
// that happens when the exit arrives. A nil sig means SIGTERM.
func (s *Supervisor) StopSession(id string, sig os.Signal) bool {
	s.mu.Lock()
	ms, ok := s.sessions[id]
	s.mu.Unlock()
	if !ok {
		return false
	}
	if sig == nil {
		sig = syscall.SIGTERM
	}
	if err := ms.stop(sig); err != nil {
		ms.logger.Warn("Failed to stop session", "signal", signalName(sig), "error", err)
		return false
	}
	ms.logger.Info("Stop requested", "signal", signalName(sig))
	return true
}

// ListSessions returns the registered ids, sorted.
func (s *Supervisor) ListSessions() []string {
	s.mu.Lock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// StopAllSessions sends SIGTERM to every session and clears the registry
// regardless of individual failures.
func (s *Supervisor) StopAllSessions() {
	s.mu.Lock()
	all := make([]*managedSession, 0, len(s.sessions))
	for _, ms := range s.sessions {
		all = append(all, ms)
	}
	s.sessions = make(map[string]*managedSession)
	s.mu.Unlock()

	for _, ms := range all {
		if err := ms.stop(syscall.SIGTERM); err != nil {
			ms.logger.Warn("Failed to stop session", "error", err)
		}
	}
	if len(all) > 0 {
		s.logger.Info("Stopped all sessions", "count", len(all))
	}
}

// SessionCount returns the current registry size.
func (s *Supervisor) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// SetBroadcaster installs the notification sink. nil installs a no-op.
func (s *Supervisor) SetBroadcaster(b Broadcaster) {
	if b == nil {
		b = noopBroadcaster{}
	}
	s.sinkMu.Lock()
	s.broadcaster = b
	s.sinkMu.Unlock()
}

// SetBroadcastFunc installs fn as the notification sink. nil installs a
// no-op.
func (s *Supervisor) SetBroadcastFunc(fn func(sessionID string, ev Event)) {
	if fn == nil {
		s.SetBroadcaster(nil)
		return
	}
	s.SetBroadcaster(BroadcastFunc(fn))
}

// SendInput writes a follow-up user turn to a running session.
func (s *Supervisor) SendInput(id, text string) error {
	s.mu.Lock()
	ms, ok := s.sessions[id]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if st := ms.status(); st != StatusRunning {
		return fmt.Errorf("%w: %s is %s", ErrSessionNotRunning, id, st)
	}
	if err := checkInput(text); err != nil {
		return err
	}

	// Follow-up turns go after the initial prompt.
	<-ms.promptDone
	if err := ms.writeUserMessage(text); err != nil {
		return fmt.Errorf("write input: %w", err)
	}
	ms.agg.AddUserMessage(text)
	return nil
}

func checkInput(text string) error {
	if len(text) > MaxInputBytes {
		return fmt.Errorf("%w: input exceeds %d bytes", ErrInputRejected, MaxInputBytes)
	}
	if strings.ContainsRune(text, 0) {
		return fmt.Errorf("%w: input contains NUL bytes", ErrInputRejected)
	}
	return nil
}

// writePrompt sends the initial user turn. It runs on its own goroutine so
// a child that is not reading stdin yet cannot hold up StartSession.
func (s *Supervisor) writePrompt(ms *managedSession, prompt string) {
	defer close(ms.promptDone)
	if err := ms.writeUserMessage(prompt); err != nil {
		ms.logger.Warn("Failed to write initial prompt", "error", err)
		return
	}
	ms.agg.AddUserMessage(prompt)
}

// Shutdown stops every session and waits for the processes to exit.
// Processes still alive when ctx is done are killed.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	all := make([]*managedSession, 0, len(s.sessions))
	for _, ms := range s.sessions {
		all = append(all, ms)
	}
	s.mu.Unlock()

	s.StopAllSessions()

	for _, ms := range all {
		select {
		case <-ms.done:
		case <-ctx.Done():
			for _, left := range all {
				select {
				case <-left.done:
				default:
					if err := left.stop(os.Kill); err != nil {
						left.logger.Warn("Failed to kill session", "error", err)
					}
				}
			}
			return ctx.Err()
		}
	}
	return nil
}

func (s *Supervisor) buildArgs(flags []string, mcpConfigPath string) []string {
	args := make([]string, 0, len(requiredArgs)+len(flags)+2)
	args = append(args, requiredArgs...)
	args = append(args, flags...)
	return append(args, "--mcp-config", s.mcpConfig(mcpConfigPath))
}

type mcpServer struct {
	Command string            `json:"command"`
	Args    []string          `json:"args"`
	Env     map[string]string `json:"env"`
}

// mcpConfig returns the caller's config path verbatim, or an inline JSON
// config pointing at the dashboard MCP server.
func (s *Supervisor) mcpConfig(path string) string {
	if path != "" {
		return path
	}
	cfg := map[string]map[string]mcpServer{
		"mcpServers": {
			s.cfg.MCPServerName: {
				Command: "node",
				Args:    []string{s.cfg.MCPServerPath},
				Env:     map[string]string{"AFW_BACKEND_URL": s.cfg.BackendURL},
			},
		},
	}
	data, _ := json.Marshal(cfg)
	return string(data)
}

// buildEnv merges extra over base and appends the marker variables last.
// Keys that cannot be represented in an environment are skipped.
func buildEnv(base []string, extra map[string]string, logger *slog.Logger) []string {
	env := make([]string, 0, len(base)+len(extra)+len(markerEnv))
	env = append(env, base...)

	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := extra[k]
		if k == "" || strings.ContainsAny(k, "=\x00") || strings.ContainsRune(v, 0) {
			logger.Warn("Skipping invalid environment variable", "key", k)
			continue
		}
		env = append(env, k+"="+v)
	}

	for _, kv := range markerEnv {
		env = append(env, kv[0]+"="+kv[1])
	}
	return env
}

func (s *Supervisor) resolveUser(user string) string {
	for _, u := range []string{user, s.cfg.DefaultUser, os.Getenv("USERNAME"), os.Getenv("USER")} {
		if u != "" {
			return u
		}
	}
	return "local"
}

// release drops a reservation that never got a process.
func (s *Supervisor) release(ms *managedSession) {
	s.remove(ms)
	close(ms.done)
}

func (s *Supervisor) registered(ms *managedSession) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[ms.id] == ms
}

// remove deletes ms from the registry unless the id was taken over by a
// newer session.
func (s *Supervisor) remove(ms *managedSession) {
	s.mu.Lock()
	if cur, ok := s.sessions[ms.id]; ok && cur == ms {
		delete(s.sessions, ms.id)
	}
	s.mu.Unlock()
}

func (s *Supervisor) broadcast(sessionID string, ev Event) {
	s.sinkMu.RLock()
	b := s.broadcaster
	s.sinkMu.RUnlock()
	b.Broadcast(sessionID, ev)
}

func (s *Supervisor) readStdout(ms *managedSession, r io.ReadCloser) {
	defer ms.readers.Done()
	defer r.Close()

	framer := newLineFramer(maxLineBytes)
	buf := make([]byte, readBufSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			lines, dropped := framer.Push(buf[:n])
			if dropped {
				ms.logger.Warn("Discarded stdout line over size limit", "limit", maxLineBytes)
			}
			for _, line := range lines {
				s.handleLine(ms, line)
			}
		}
		if err != nil {
			if rest := framer.Flush(); rest != nil {
				s.handleLine(ms, rest)
			}
			return
		}
	}
}

func (s *Supervisor) handleLine(ms *managedSession, line []byte) {
	if len(strings.TrimSpace(string(line))) == 0 {
		return
	}
	env, err := parseEnvelope(line)
	if err != nil {
		ms.logger.Debug("Ignoring unparseable stdout line", "error", err, "bytes", len(line))
		return
	}
	ms.agg.Observe(env)
	if text := outputText(env); text != "" {
		s.broadcast(ms.id, OutputEvent{
			SessionID: ms.id,
			Stream:    StreamStdout,
			Payload:   text,
			Timestamp: s.now().UTC(),
		})
	}
}

func (s *Supervisor) readStderr(ms *managedSession, r io.ReadCloser) {
	defer ms.readers.Done()
	defer r.Close()

	buf := make([]byte, readBufSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			s.broadcast(ms.id, OutputEvent{
				SessionID: ms.id,
				Stream:    StreamStderr,
				Payload:   string(buf[:n]),
				Timestamp: s.now().UTC(),
			})
		}
		if err != nil {
			return
		}
	}
}

// waitForExit runs for the lifetime of the process and performs the exit
// transition.
func (s *Supervisor) waitForExit(ms *managedSession) {
	defer close(ms.done)

	status, waitErr := ms.proc.Wait()
	<-ms.ready

	ms.drainReaders(readerDrainTimeout)
	ms.closeStdin()
	<-ms.promptDone
	ms.agg.Close()

	endedAt := s.now().UTC()
	duration := endedAt.Sub(ms.startedAt)

	if waitErr != nil {
		ms.markFailed(endedAt, duration)
		ms.logger.Error("Session process error", "error", waitErr)
		s.broadcast(ms.id, ErrorEvent{Message: waitErr.Error(), Timestamp: endedAt})
		s.remove(ms)
		return
	}

	final := ms.markExited(status, endedAt, duration)
	ms.logger.Info("Session exited", "status", final, "reason", endReason(status), "duration", duration)

	s.broadcast(ms.id, ExitedEvent{
		ExitCode:   status.Code,
		ExitSignal: status.Signal,
		Duration:   duration,
		Timestamp:  endedAt,
	})
	s.persistEnded(ms, status, endedAt, duration)
	s.remove(ms)
}

func endReason(st ExitStatus) string {
	if st.Signal != "" {
		return "signal:" + st.Signal
	}
	code := 0
	if st.Code != nil {
		code = *st.Code
	}
	return fmt.Sprintf("exit:%d", code)
}

func (s *Supervisor) persistStarted(ctx context.Context, ms *managedSession, pid int) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
	defer cancel()

	hostname, _ := os.Hostname()
	rec := store.Record{
		ID:        ms.id,
		User:      ms.user,
		Cwd:       ms.cwd,
		Hostname:  hostname,
		Platform:  runtime.GOOS,
		Status:    store.StatusInProgress,
		StartedAt: ms.startedAt,
		Metadata:  map[string]any{"type": "claude-cli", "pid": pid},
	}
	if err := s.store.SetSession(ctx, rec); err != nil {
		ms.logger.Error("Failed to persist session", "error", err)
	}
	ev := store.Event{
		Type:      store.EventSessionStarted,
		SessionID: ms.id,
		Timestamp: ms.startedAt,
		Cwd:       ms.cwd,
		Hostname:  hostname,
		Platform:  runtime.GOOS,
		User:      ms.user,
	}
	if err := s.store.AddEvent(ctx, ms.id, ev); err != nil {
		ms.logger.Error("Failed to persist started event", "error", err)
	}
}

func (s *Supervisor) persistEnded(ms *managedSession, st ExitStatus, endedAt time.Time, duration time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	rec, err := s.store.GetSession(ctx, ms.id)
	if err != nil {
		ms.logger.Error("Failed to load session record", "error", err)
	}
	if rec != nil {
		rec.Status = store.StatusFailed
		if st.Code != nil && *st.Code == 0 {
			rec.Status = store.StatusCompleted
		}
		rec.EndedAt = &endedAt
		rec.Duration = duration
		rec.EndReason = endReason(st)
		if err := s.store.SetSession(ctx, *rec); err != nil {
			ms.logger.Error("Failed to update session record", "error", err)
		}
	}

	ev := store.Event{
		Type:      store.EventSessionEnded,
		SessionID: ms.id,
		Timestamp: endedAt,
		Duration:  duration,
		Reason:    endReason(st),
	}
	if err := s.store.AddEvent(ctx, ms.id, ev); err != nil {
		ms.logger.Error("Failed to persist ended event", "error", err)
	}
}

func (s *Supervisor) onChatMessage(ms *managedSession, msg store.ChatMessage) {
	s.broadcast(ms.id, ChatMessageEvent{Message: msg})

	cs, ok := s.store.(ChatStore)
	if !ok {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		if err := cs.AddChatMessage(ctx, ms.id, msg); err != nil {
			ms.logger.Error("Failed to store chat message", "error", err)
		}
	}()
}
