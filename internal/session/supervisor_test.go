package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cli-supervisor/internal/guard"
	"cli-supervisor/internal/store"
)

func TestStartSession_Running(t *testing.T) {
	h := newHarness(t, Config{})
	canonical, err := filepath.EvalSymlinks(h.dir)
	require.NoError(t, err)

	info := h.start(t, "s1")

	assert.Equal(t, "s1", info.ID)
	assert.Equal(t, StatusRunning, info.Status)
	assert.Equal(t, 1000, info.PID)
	assert.Equal(t, canonical, info.Cwd)
	assert.Equal(t, 1, h.sup.SessionCount())
	assert.Equal(t, []string{"s1"}, h.sup.ListSessions())

	got, ok := h.sup.GetSession("s1")
	require.True(t, ok)
	assert.Equal(t, StatusRunning, got.Status)

	started := h.events.ofType("s1", EventStarted)
	require.Len(t, started, 1)
	ev := started[0].(StartedEvent)
	assert.Equal(t, 1000, ev.PID)
	assert.Equal(t, canonical, ev.Cwd)
}

func TestStartSession_SpawnSpec(t *testing.T) {
	h := newHarness(t, Config{Executable: "/usr/local/bin/claude", BackendURL: "http://backend:4000"})

	_, err := h.sup.StartSession(context.Background(), StartRequest{
		ID:    "s1",
		Cwd:   h.dir,
		Flags: []string{"--debug", "--fast"},
		Env:   map[string]string{"FOO": "bar", "CI": "0", "BAD=KEY": "x"},
	})
	require.NoError(t, err)

	spec := h.spawner.lastSpec()
	assert.Equal(t, "/usr/local/bin/claude", spec.Executable)

	n := len(requiredArgs)
	require.Len(t, spec.Args, n+4)
	assert.Equal(t, requiredArgs, spec.Args[:n])
	assert.Equal(t, []string{"--debug", "--fast", "--mcp-config"}, spec.Args[n:n+3])

	var mcp struct {
		MCPServers map[string]struct {
			Command string            `json:"command"`
			Args    []string          `json:"args"`
			Env     map[string]string `json:"env"`
		} `json:"mcpServers"`
	}
	require.NoError(t, json.Unmarshal([]byte(spec.Args[n+3]), &mcp))
	server, ok := mcp.MCPServers[DefaultMCPServerName]
	require.True(t, ok)
	assert.Equal(t, "node", server.Command)
	assert.Equal(t, []string{"/opt/mcp/index.js"}, server.Args)
	assert.Equal(t, "http://backend:4000", server.Env["AFW_BACKEND_URL"])

	ci, _ := envValue(spec.Env, "CI")
	assert.Equal(t, "1", ci)
	marker, ok := envValue(spec.Env, "CLAUDECODE")
	assert.True(t, ok)
	assert.Equal(t, "", marker)
	foo, _ := envValue(spec.Env, "FOO")
	assert.Equal(t, "bar", foo)
	for _, kv := range spec.Env {
		assert.False(t, strings.HasPrefix(kv, "BAD="), "invalid key leaked: %q", kv)
	}
}

func TestStartSession_MCPConfigPathVerbatim(t *testing.T) {
	h := newHarness(t, Config{})
	_, err := h.sup.StartSession(context.Background(), StartRequest{ID: "s1", Cwd: h.dir, MCPConfigPath: "./mcp.json"})
	require.NoError(t, err)

	args := h.spawner.lastSpec().Args
	assert.Equal(t, []string{"--mcp-config", "./mcp.json"}, args[len(args)-2:])
}

func TestStartSession_PromptWrittenOnce(t *testing.T) {
	h := newHarness(t, Config{})
	_, err := h.sup.StartSession(context.Background(), StartRequest{ID: "s1", Cwd: h.dir, Prompt: `say "hi"`})
	require.NoError(t, err)

	stdin := h.spawner.last().stdin
	require.Eventually(t, func() bool { return len(stdin.Writes()) > 0 }, 3*time.Second, 5*time.Millisecond)
	writes := stdin.Writes()
	require.Len(t, writes, 1)
	assert.Equal(t, `{"type":"user","message":{"role":"user","content":"say \"hi\""}}`+"\n", writes[0])
}

func TestStartSession_PromptRejected(t *testing.T) {
	tests := map[string]string{
		"too large": strings.Repeat("a", MaxInputBytes+1),
		"nul byte":  "hello\x00world",
	}

	for name, prompt := range tests {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, Config{})
			_, err := h.sup.StartSession(context.Background(), StartRequest{ID: "s1", Cwd: h.dir, Prompt: prompt})
			require.ErrorIs(t, err, ErrInputRejected)
			assert.Equal(t, 0, h.spawner.spawnCount())
			assert.Equal(t, 0, h.sup.SessionCount())
		})
	}
}

func TestStartSession_UnreadStdinDoesNotBlock(t *testing.T) {
	h := newHarness(t, Config{})
	h.spawner.stdinBlocked = true

	done := make(chan error, 1)
	go func() {
		_, err := h.sup.StartSession(context.Background(), StartRequest{ID: "s1", Cwd: h.dir, Prompt: "hi"})
		done <- err
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("StartSession blocked on the prompt write")
	}

	info, ok := h.sup.GetSession("s1")
	require.True(t, ok)
	assert.Equal(t, StatusRunning, info.Status)

	// Exit closes stdin, which releases the pending write.
	p := h.spawner.last()
	p.exit(0)
	waitGone(t, h.sup, "s1")
	assert.Empty(t, p.stdin.Writes())
	assert.Empty(t, h.events.ofType("s1", EventChatMessage))
}

func TestStartSession_NoPromptNoWrite(t *testing.T) {
	h := newHarness(t, Config{})
	h.start(t, "s1")
	assert.Empty(t, h.spawner.last().stdin.Writes())
}

func TestStartSession_AlreadyExists(t *testing.T) {
	h := newHarness(t, Config{})
	h.start(t, "s1")

	_, err := h.sup.StartSession(context.Background(), StartRequest{ID: "s1", Cwd: h.dir})
	assert.ErrorIs(t, err, ErrAlreadyExists)

	// Still a duplicate after a stop was requested.
	require.True(t, h.sup.StopSession("s1", nil))
	_, err = h.sup.StartSession(context.Background(), StartRequest{ID: "s1", Cwd: h.dir})
	assert.ErrorIs(t, err, ErrAlreadyExists)
	assert.Equal(t, 1, h.spawner.spawnCount())
}

func TestStartSession_EmptyID(t *testing.T) {
	h := newHarness(t, Config{})
	_, err := h.sup.StartSession(context.Background(), StartRequest{Cwd: h.dir})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestStartSession_Capacity(t *testing.T) {
	h := newHarness(t, Config{})
	require.Equal(t, DefaultMaxSessions, h.sup.MaxSessions())

	for i := 0; i < DefaultMaxSessions; i++ {
		h.start(t, fmt.Sprintf("s%d", i))
	}
	_, err := h.sup.StartSession(context.Background(), StartRequest{ID: "extra", Cwd: h.dir})
	require.ErrorIs(t, err, ErrCapacityExceeded)

	h.spawner.proc(0).exit(0)
	waitGone(t, h.sup, "s0")

	h.start(t, "s5")
	_, err = h.sup.StartSession(context.Background(), StartRequest{ID: "s6", Cwd: h.dir})
	assert.ErrorIs(t, err, ErrCapacityExceeded)
	assert.Equal(t, DefaultMaxSessions, h.sup.SessionCount())
}

func TestStartSession_ConcurrentCapacity(t *testing.T) {
	h := newHarness(t, Config{MaxSessions: 3})

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ok      int
		rejects int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.sup.StartSession(context.Background(), StartRequest{ID: fmt.Sprintf("c%d", i), Cwd: h.dir})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				ok++
			} else if errors.Is(err, ErrCapacityExceeded) {
				rejects++
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 3, ok)
	assert.Equal(t, 17, rejects)
	assert.Equal(t, 3, h.sup.SessionCount())
}

func TestStartSession_ConcurrentSameID(t *testing.T) {
	h := newHarness(t, Config{})

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.sup.StartSession(context.Background(), StartRequest{ID: "dup", Cwd: h.dir})
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestStartSession_ValidationFailures(t *testing.T) {
	h := newHarness(t, Config{})

	tests := []struct {
		name    string
		req     StartRequest
		wantErr error
	}{
		{"system dir", StartRequest{ID: "v", Cwd: "/etc"}, guard.ErrSystemDirectoryForbidden},
		{"traversal", StartRequest{ID: "v", Cwd: h.dir + "/../" + filepath.Base(h.dir)}, guard.ErrTraversalDetected},
		{"missing", StartRequest{ID: "v", Cwd: filepath.Join(h.dir, "nope")}, guard.ErrNotFound},
		{"bad flag format", StartRequest{ID: "v", Cwd: h.dir, Flags: []string{"no-dash"}}, guard.ErrInvalidFlagFormat},
		{"shell chars", StartRequest{ID: "v", Cwd: h.dir, Flags: []string{"--debug;rm -rf /"}}, guard.ErrForbiddenCharacters},
		{"disallowed", StartRequest{ID: "v", Cwd: h.dir, Flags: []string{"--unknown-flag"}}, guard.ErrDisallowedFlag},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.sup.StartSession(context.Background(), tt.req)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.True(t, guard.IsValidation(err))
			assert.Equal(t, 0, h.sup.SessionCount())
		})
	}
	assert.Equal(t, 0, h.spawner.spawnCount())
}

func TestStartSession_SpawnError(t *testing.T) {
	h := newHarness(t, Config{})
	cause := errors.New("executable file not found")
	h.spawner.err = cause

	_, err := h.sup.StartSession(context.Background(), StartRequest{ID: "s1", Cwd: h.dir})
	require.Error(t, err)

	var spawnErr *SpawnError
	require.ErrorAs(t, err, &spawnErr)
	assert.Equal(t, DefaultExecutable, spawnErr.Executable)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, 0, h.sup.SessionCount())

	rec, err := h.store.GetSession(context.Background(), "s1")
	require.NoError(t, err)
	assert.Nil(t, rec)
	assert.Empty(t, h.events.ofType("s1", EventStarted))
}

func TestStartSession_PersistsStarted(t *testing.T) {
	h := newHarness(t, Config{DefaultUser: "alice"})
	h.start(t, "s1")

	rec, err := h.store.GetSession(context.Background(), "s1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, store.StatusInProgress, rec.Status)
	assert.Equal(t, "alice", rec.User)
	assert.Equal(t, "claude-cli", rec.Metadata["type"])
	assert.Equal(t, 1000, rec.Metadata["pid"])

	events, err := h.store.Events(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, store.EventSessionStarted, events[0].Type)
}

func TestExit_Completed(t *testing.T) {
	h := newHarness(t, Config{})
	h.start(t, "s1")

	h.spawner.last().exit(0)
	waitGone(t, h.sup, "s1")

	exited := h.events.ofType("s1", EventExited)
	require.Len(t, exited, 1)
	ev := exited[0].(ExitedEvent)
	require.NotNil(t, ev.ExitCode)
	assert.Equal(t, 0, *ev.ExitCode)
	assert.Empty(t, ev.ExitSignal)

	rec, err := h.store.GetSession(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, rec.Status)
	assert.NotNil(t, rec.EndedAt)
	assert.Equal(t, "exit:0", rec.EndReason)

	events, err := h.store.Events(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, store.EventSessionEnded, events[1].Type)
	assert.Equal(t, "exit:0", events[1].Reason)
}

func TestExit_Failed(t *testing.T) {
	h := newHarness(t, Config{})
	h.start(t, "s1")

	h.spawner.last().exit(2)
	waitGone(t, h.sup, "s1")

	rec, err := h.store.GetSession(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, rec.Status)

	events, err := h.store.Events(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "exit:2", events[1].Reason)
}

func TestExit_DurationFromClock(t *testing.T) {
	base := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	var (
		mu  sync.Mutex
		now = base
	)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	h := newHarness(t, Config{}, WithClock(clock))
	h.start(t, "s1")

	mu.Lock()
	now = base.Add(42 * time.Second)
	mu.Unlock()
	h.spawner.last().exit(0)
	waitGone(t, h.sup, "s1")

	ev := h.events.ofType("s1", EventExited)[0].(ExitedEvent)
	assert.Equal(t, 42*time.Second, ev.Duration)

	rec, err := h.store.GetSession(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, 42*time.Second, rec.Duration)
}

func TestStopSession(t *testing.T) {
	h := newHarness(t, Config{})
	h.start(t, "s1")
	p := h.spawner.last()

	assert.False(t, h.sup.StopSession("unknown", nil))

	require.True(t, h.sup.StopSession("s1", nil))
	assert.Equal(t, []os.Signal{syscall.SIGTERM}, p.Signals())

	info, ok := h.sup.GetSession("s1")
	require.True(t, ok, "stop must not remove the entry")
	assert.Equal(t, StatusStopped, info.Status)

	p.killedBy("SIGTERM")
	waitGone(t, h.sup, "s1")

	ev := h.events.ofType("s1", EventExited)[0].(ExitedEvent)
	assert.Nil(t, ev.ExitCode)
	assert.Equal(t, "SIGTERM", ev.ExitSignal)

	rec, err := h.store.GetSession(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, rec.Status)
	assert.Equal(t, "signal:SIGTERM", rec.EndReason)

	events, err := h.store.Events(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, "signal:SIGTERM", events[len(events)-1].Reason)
}

func TestStopSession_CustomSignal(t *testing.T) {
	h := newHarness(t, Config{})
	h.start(t, "s1")

	require.True(t, h.sup.StopSession("s1", os.Interrupt))
	assert.Equal(t, []os.Signal{os.Interrupt}, h.spawner.last().Signals())
}

func TestStopSession_SignalFailure(t *testing.T) {
	h := newHarness(t, Config{})
	h.start(t, "s1")
	h.spawner.last().setSignalErr(errors.New("no such process"))

	assert.False(t, h.sup.StopSession("s1", nil))
	info, ok := h.sup.GetSession("s1")
	require.True(t, ok)
	assert.Equal(t, StatusRunning, info.Status)
}

func TestStopAllSessions(t *testing.T) {
	h := newHarness(t, Config{})
	h.start(t, "a")
	h.start(t, "b")
	h.start(t, "c")
	h.spawner.proc(1).setSignalErr(errors.New("permission denied"))

	h.sup.StopAllSessions()

	assert.Equal(t, 0, h.sup.SessionCount())
	assert.Empty(t, h.sup.ListSessions())
	for i := 0; i < 3; i++ {
		assert.Equal(t, []os.Signal{syscall.SIGTERM}, h.spawner.proc(i).Signals())
	}

	// Late exits still get persisted and do not disturb the empty registry.
	h.spawner.proc(0).killedBy("SIGTERM")
	require.Eventually(t, func() bool {
		return len(h.events.ofType("a", EventExited)) == 1
	}, 3*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, h.sup.SessionCount())

	// Ids are free again.
	h.start(t, "a")
}

func TestOutput_StdoutFramedAndParsed(t *testing.T) {
	h := newHarness(t, Config{})
	h.start(t, "s1")
	p := h.spawner.last()

	chunks := []string{
		`{"type":"assistant","message":{"content":"Hel`,
		`lo"}}` + "\nnot json at all\n\n",
		`{"type":"system","subtype":"init"}` + "\n",
		`{"type":"assistant","message":{"content":[{"type":"text","text":"A"},{"type":"tool_use","name":"Read"},{"type":"text","text":"B"}]}}` + "\n",
		`{"type":"error","error":"rate limited"}` + "\n" + `{"type":"result","result":"done"}`,
	}
	for _, c := range chunks {
		_, err := p.stdoutW.Write([]byte(c))
		require.NoError(t, err)
	}
	_, err := p.stderrW.Write([]byte("warning: slow network\n"))
	require.NoError(t, err)

	p.exit(0)
	waitGone(t, h.sup, "s1")

	assert.Equal(t, []string{"Hello", "AB", "[ERROR] rate limited", "done"}, h.events.output("s1", StreamStdout))
	assert.Equal(t, []string{"warning: slow network\n"}, h.events.output("s1", StreamStderr))
}

func TestOutput_OverlongLineDropped(t *testing.T) {
	h := newHarness(t, Config{})
	h.start(t, "s1")
	p := h.spawner.last()

	big := `{"type":"result","result":"` + strings.Repeat("x", maxLineBytes) + `"}` + "\n"
	_, err := p.stdoutW.Write([]byte(big))
	require.NoError(t, err)
	_, err = p.stdoutW.Write([]byte(`{"type":"result","result":"small"}` + "\n"))
	require.NoError(t, err)

	p.exit(0)
	waitGone(t, h.sup, "s1")
	assert.Equal(t, []string{"small"}, h.events.output("s1", StreamStdout))
}

func TestChatMessages(t *testing.T) {
	h := newHarness(t, Config{})
	_, err := h.sup.StartSession(context.Background(), StartRequest{ID: "s1", Cwd: h.dir, Prompt: "hi"})
	require.NoError(t, err)
	p := h.spawner.last()

	// The prompt is written asynchronously; let it land first.
	require.Eventually(t, func() bool {
		return len(h.events.ofType("s1", EventChatMessage)) == 1
	}, 3*time.Second, 5*time.Millisecond)

	lines := []string{
		`{"type":"stream_event","event":{"type":"content_block_delta","delta":{"type":"text_delta","text":"Hel"}}}`,
		`{"type":"stream_event","event":{"type":"content_block_delta","delta":{"type":"text_delta","text":"lo"}}}`,
		`{"type":"assistant","message":{"model":"claude-sonnet","content":"Hello"}}`,
		`{"type":"result","result":"Hello","duration_ms":12}`,
	}
	_, err = p.stdoutW.Write([]byte(strings.Join(lines, "\n") + "\n"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(h.events.ofType("s1", EventChatMessage)) == 2
	}, 3*time.Second, 5*time.Millisecond)

	msgs := h.events.ofType("s1", EventChatMessage)
	user := msgs[0].(ChatMessageEvent).Message
	assistant := msgs[1].(ChatMessageEvent).Message
	assert.Equal(t, RoleUser, user.Role)
	assert.Equal(t, "hi", user.Content)
	assert.Equal(t, RoleAssistant, assistant.Role)
	assert.Equal(t, "Hello", assistant.Content)
	assert.Equal(t, "claude-sonnet", assistant.Metadata["model"])

	require.Eventually(t, func() bool {
		history, err := h.store.ChatHistory(context.Background(), "s1")
		return err == nil && len(history) == 2
	}, 3*time.Second, 5*time.Millisecond)
}

func TestRuntimeError(t *testing.T) {
	h := newHarness(t, Config{})
	h.start(t, "s1")

	h.spawner.last().fail(errors.New("wait: no child processes"))
	waitGone(t, h.sup, "s1")

	errs := h.events.ofType("s1", EventError)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].(ErrorEvent).Message, "no child processes")
	assert.Empty(t, h.events.ofType("s1", EventExited))

	events, err := h.store.Events(context.Background(), "s1")
	require.NoError(t, err)
	assert.Len(t, events, 1, "no ended event for runtime errors")
}

func TestStoreFailuresAreNotFatal(t *testing.T) {
	sp := &fakeSpawner{}
	rec := &recorder{}
	sup := New(Config{}, WithSpawner(sp), WithStore(failingStore{}), WithBroadcaster(rec), WithLogger(discardLogger()))
	t.Cleanup(sp.exitAll)

	_, err := sup.StartSession(context.Background(), StartRequest{ID: "s1", Cwd: t.TempDir()})
	require.NoError(t, err)

	sp.last().exit(1)
	waitGone(t, sup, "s1")
	assert.Len(t, rec.ofType("s1", EventExited), 1)
}

func TestSetBroadcastFunc(t *testing.T) {
	h := newHarness(t, Config{})

	var (
		mu    sync.Mutex
		types []string
	)
	h.sup.SetBroadcastFunc(func(_ string, ev Event) {
		mu.Lock()
		types = append(types, ev.EventType())
		mu.Unlock()
	})
	h.start(t, "s1")
	mu.Lock()
	assert.Equal(t, []string{EventStarted}, types)
	mu.Unlock()

	// Clearing the sink makes broadcasting a silent no-op.
	h.sup.SetBroadcastFunc(nil)
	h.spawner.last().exit(0)
	waitGone(t, h.sup, "s1")
	mu.Lock()
	assert.Equal(t, []string{EventStarted}, types)
	mu.Unlock()
}

func TestSendInput(t *testing.T) {
	h := newHarness(t, Config{})
	h.start(t, "s1")
	p := h.spawner.last()

	assert.ErrorIs(t, h.sup.SendInput("missing", "x"), ErrSessionNotFound)
	assert.ErrorIs(t, h.sup.SendInput("s1", strings.Repeat("a", MaxInputBytes+1)), ErrInputRejected)
	assert.ErrorIs(t, h.sup.SendInput("s1", "bad\x00byte"), ErrInputRejected)
	assert.Empty(t, p.stdin.Writes())

	require.NoError(t, h.sup.SendInput("s1", "next"))
	assert.Equal(t, []string{`{"type":"user","message":{"role":"user","content":"next"}}` + "\n"}, p.stdin.Writes())

	require.True(t, h.sup.StopSession("s1", nil))
	assert.ErrorIs(t, h.sup.SendInput("s1", "late"), ErrSessionNotRunning)
}

func TestShutdown_WaitsForExit(t *testing.T) {
	h := newHarness(t, Config{})
	h.spawner.exitOnSignal = true
	h.start(t, "a")
	h.start(t, "b")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, h.sup.Shutdown(ctx))

	assert.Equal(t, 0, h.sup.SessionCount())
	assert.Len(t, h.events.ofType("a", EventExited), 1)
	assert.Len(t, h.events.ofType("b", EventExited), 1)
}

func TestShutdown_KillsStragglers(t *testing.T) {
	h := newHarness(t, Config{})
	h.start(t, "a")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := h.sup.Shutdown(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, []os.Signal{syscall.SIGTERM, os.Kill}, h.spawner.last().Signals())
}

func TestEndReason(t *testing.T) {
	zero, three := 0, 3
	assert.Equal(t, "exit:0", endReason(ExitStatus{Code: &zero}))
	assert.Equal(t, "exit:3", endReason(ExitStatus{Code: &three}))
	assert.Equal(t, "signal:SIGKILL", endReason(ExitStatus{Signal: "SIGKILL"}))
}
