package session

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"
)

var (
	errNotSpawned   = errors.New("process not spawned yet")
	errStdinClosed  = errors.New("stdin pipe closed")
	errAlreadyEnded = errors.New("process already exited")
)

// managedSession is the registry entry of one session. Its process handle
// is never exposed outside the supervisor.
type managedSession struct {
	id     string
	logger *slog.Logger

	mu        sync.Mutex
	cwd       string
	args      []string
	user      string
	startedAt time.Time
	state     Status
	pid       int
	exit      *ExitInfo
	proc      Process

	stdinMu     sync.Mutex
	stdin       io.WriteCloser
	stdinClosed bool
	writeMu     sync.Mutex // serializes user messages; not held by closeStdin

	agg        *Aggregator
	readers    sync.WaitGroup
	ready      chan struct{} // closed once StartSession has finished
	promptDone chan struct{} // closed once the initial prompt write returned
	done       chan struct{} // closed once the exit has been handled
}

func newManagedSession(id string, logger *slog.Logger) *managedSession {
	return &managedSession{
		id:         id,
		logger:     logger,
		state:      StatusStarting,
		ready:      make(chan struct{}),
		promptDone: make(chan struct{}),
		done:       make(chan struct{}),
	}
}

func (ms *managedSession) prepare(cwd string, args []string, user string, startedAt time.Time) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.cwd = cwd
	ms.args = args
	ms.user = user
	ms.startedAt = startedAt
}

func (ms *managedSession) info() Info {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	info := Info{
		ID:        ms.id,
		Cwd:       ms.cwd,
		Status:    ms.state,
		PID:       ms.pid,
		StartedAt: ms.startedAt,
		Args:      append([]string(nil), ms.args...),
	}
	if ms.exit != nil {
		exit := *ms.exit
		info.Exit = &exit
	}
	return info
}

func (ms *managedSession) status() Status {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.state
}

// markRunning is the spawn confirmation transition.
func (ms *managedSession) markRunning(proc Process) {
	ms.mu.Lock()
	ms.proc = proc
	ms.pid = proc.PID()
	ms.state = StatusRunning
	ms.mu.Unlock()

	ms.stdinMu.Lock()
	ms.stdin = proc.Stdin()
	ms.stdinMu.Unlock()
}

// stop signals the process. A running session becomes stopped once the
// signal has been delivered.
func (ms *managedSession) stop(sig os.Signal) error {
	ms.mu.Lock()
	proc := ms.proc
	state := ms.state
	ms.mu.Unlock()

	if proc == nil {
		return errNotSpawned
	}
	if state == StatusCompleted || state == StatusFailed {
		return errAlreadyEnded
	}
	if err := proc.Signal(sig); err != nil {
		return err
	}

	ms.mu.Lock()
	if ms.state == StatusRunning {
		ms.state = StatusStopped
	}
	ms.mu.Unlock()

	if ms.agg != nil {
		ms.agg.Flush()
	}
	return nil
}

// markExited is the exit transition. A stopped session stays stopped;
// otherwise exit code 0 completes and anything else fails.
func (ms *managedSession) markExited(st ExitStatus, endedAt time.Time, duration time.Duration) Status {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.state != StatusStopped {
		if st.Code != nil && *st.Code == 0 {
			ms.state = StatusCompleted
		} else {
			ms.state = StatusFailed
		}
	}
	ms.exit = &ExitInfo{Code: st.Code, Signal: st.Signal, EndedAt: endedAt, Duration: duration}
	return ms.state
}

// markFailed is the runtime error transition.
func (ms *managedSession) markFailed(endedAt time.Time, duration time.Duration) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.state = StatusFailed
	ms.exit = &ExitInfo{EndedAt: endedAt, Duration: duration}
}

type userMessage struct {
	Type    string      `json:"type"`
	Message userContent `json:"message"`
}

type userContent struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// encodeUserMessage serializes one stream-json user turn, newline
// terminated.
func encodeUserMessage(text string) ([]byte, error) {
	data, err := json.Marshal(userMessage{
		Type:    "user",
		Message: userContent{Role: RoleUser, Content: text},
	})
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// writeUserMessage performs exactly one Write on stdin. A Write blocked on
// a full pipe returns once closeStdin closes the pipe.
func (ms *managedSession) writeUserMessage(text string) error {
	data, err := encodeUserMessage(text)
	if err != nil {
		return err
	}

	ms.writeMu.Lock()
	defer ms.writeMu.Unlock()

	ms.stdinMu.Lock()
	w, closed := ms.stdin, ms.stdinClosed
	ms.stdinMu.Unlock()
	if w == nil || closed {
		return errStdinClosed
	}
	_, err = w.Write(data)
	return err
}

func (ms *managedSession) closeStdin() {
	ms.stdinMu.Lock()
	defer ms.stdinMu.Unlock()
	if ms.stdin != nil && !ms.stdinClosed {
		ms.stdin.Close()
		ms.stdinClosed = true
	}
}

// drainReaders waits for the output readers to hit EOF. Descendants of the
// CLI can keep the pipes open after it exits, so after timeout the read
// ends are closed.
func (ms *managedSession) drainReaders(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		ms.readers.Wait()
		close(done)
	}()

	select {
	case <-done:
		return
	case <-time.After(timeout):
	}

	ms.logger.Warn("Output pipes still open after exit, closing")
	ms.proc.Stdout().Close()
	ms.proc.Stderr().Close()
	<-done
}
