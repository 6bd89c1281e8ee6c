package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"cli-supervisor/internal/store"
)

type recordingWriter struct {
	mu     sync.Mutex
	writes [][]byte
	closed bool

	// gate, when set, blocks every Write until Close, like a child that
	// never reads its stdin.
	gate chan struct{}
}

func (w *recordingWriter) Write(p []byte) (int, error) {
	if w.gate != nil {
		<-w.gate
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, io.ErrClosedPipe
	}
	w.writes = append(w.writes, append([]byte(nil), p...))
	return len(p), nil
}

func (w *recordingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.gate != nil && !w.closed {
		close(w.gate)
	}
	w.closed = true
	return nil
}

func (w *recordingWriter) Writes() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, len(w.writes))
	for i, b := range w.writes {
		out[i] = string(b)
	}
	return out
}

type fakeExit struct {
	status ExitStatus
	err    error
}

type fakeProcess struct {
	pid     int
	stdin   *recordingWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderrR *io.PipeReader
	stderrW *io.PipeWriter
	exitCh  chan fakeExit
	once    sync.Once

	mu           sync.Mutex
	signals      []os.Signal
	signalErr    error
	exitOnSignal bool
}

func newFakeProcess(pid int) *fakeProcess {
	p := &fakeProcess{
		pid:    pid,
		stdin:  &recordingWriter{},
		exitCh: make(chan fakeExit, 1),
	}
	p.stdoutR, p.stdoutW = io.Pipe()
	p.stderrR, p.stderrW = io.Pipe()
	return p
}

func (p *fakeProcess) PID() int              { return p.pid }
func (p *fakeProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *fakeProcess) Stdout() io.ReadCloser { return p.stdoutR }
func (p *fakeProcess) Stderr() io.ReadCloser { return p.stderrR }

func (p *fakeProcess) Signal(sig os.Signal) error {
	p.mu.Lock()
	p.signals = append(p.signals, sig)
	err := p.signalErr
	exit := p.exitOnSignal
	p.mu.Unlock()
	if err != nil {
		return err
	}
	if exit {
		go p.killedBy(signalName(sig))
	}
	return nil
}

func (p *fakeProcess) Wait() (ExitStatus, error) {
	r := <-p.exitCh
	return r.status, r.err
}

func (p *fakeProcess) Signals() []os.Signal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]os.Signal(nil), p.signals...)
}

func (p *fakeProcess) setSignalErr(err error) {
	p.mu.Lock()
	p.signalErr = err
	p.mu.Unlock()
}

func (p *fakeProcess) finish(r fakeExit) {
	p.once.Do(func() {
		p.stdoutW.Close()
		p.stderrW.Close()
		p.exitCh <- r
	})
}

func (p *fakeProcess) exit(code int) {
	p.finish(fakeExit{status: ExitStatus{Code: &code}})
}

func (p *fakeProcess) killedBy(sig string) {
	p.finish(fakeExit{status: ExitStatus{Signal: sig}})
}

func (p *fakeProcess) fail(err error) {
	p.finish(fakeExit{err: err})
}

type fakeSpawner struct {
	mu           sync.Mutex
	specs        []SpawnSpec
	procs        []*fakeProcess
	err          error
	exitOnSignal bool
	stdinBlocked bool
}

func (sp *fakeSpawner) Spawn(_ context.Context, spec SpawnSpec) (Process, error) {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	sp.specs = append(sp.specs, spec)
	if sp.err != nil {
		return nil, sp.err
	}
	p := newFakeProcess(1000 + len(sp.procs))
	p.exitOnSignal = sp.exitOnSignal
	if sp.stdinBlocked {
		p.stdin.gate = make(chan struct{})
	}
	sp.procs = append(sp.procs, p)
	return p, nil
}

func (sp *fakeSpawner) proc(i int) *fakeProcess {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	return sp.procs[i]
}

func (sp *fakeSpawner) last() *fakeProcess {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	return sp.procs[len(sp.procs)-1]
}

func (sp *fakeSpawner) lastSpec() SpawnSpec {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	return sp.specs[len(sp.specs)-1]
}

func (sp *fakeSpawner) spawnCount() int {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	return len(sp.specs)
}

func (sp *fakeSpawner) exitAll() {
	sp.mu.Lock()
	procs := append([]*fakeProcess(nil), sp.procs...)
	sp.mu.Unlock()
	for _, p := range procs {
		p.exit(0)
	}
}

type recordedEvent struct {
	sessionID string
	ev        Event
}

type recorder struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (r *recorder) Broadcast(sessionID string, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recordedEvent{sessionID: sessionID, ev: ev})
}

func (r *recorder) ofType(sessionID, typ string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.sessionID == sessionID && e.ev.EventType() == typ {
			out = append(out, e.ev)
		}
	}
	return out
}

func (r *recorder) output(sessionID string, stream Stream) []string {
	var out []string
	for _, ev := range r.ofType(sessionID, EventOutput) {
		if oe := ev.(OutputEvent); oe.Stream == stream {
			out = append(out, oe.Payload)
		}
	}
	return out
}

// failingStore rejects every write.
type failingStore struct{}

var errStoreDown = errors.New("store unavailable")

func (failingStore) SetSession(context.Context, store.Record) error { return errStoreDown }

func (failingStore) GetSession(context.Context, string) (*store.Record, error) {
	return nil, errStoreDown
}

func (failingStore) AddEvent(context.Context, string, store.Event) error { return errStoreDown }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type harness struct {
	sup     *Supervisor
	spawner *fakeSpawner
	events  *recorder
	store   *store.Memory
	dir     string
}

func newHarness(t *testing.T, cfg Config, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		spawner: &fakeSpawner{},
		events:  &recorder{},
		store:   store.NewMemory(),
		dir:     t.TempDir(),
	}
	if cfg.MCPServerPath == "" {
		cfg.MCPServerPath = "/opt/mcp/index.js"
	}
	h.sup = New(cfg, append([]Option{
		WithSpawner(h.spawner),
		WithStore(h.store),
		WithBroadcaster(h.events),
		WithLogger(discardLogger()),
	}, opts...)...)
	t.Cleanup(h.spawner.exitAll)
	return h
}

func (h *harness) start(t *testing.T, id string) Info {
	t.Helper()
	info, err := h.sup.StartSession(context.Background(), StartRequest{ID: id, Cwd: h.dir})
	require.NoError(t, err)
	return info
}

func waitGone(t *testing.T, s *Supervisor, id string) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, ok := s.GetSession(id)
		return !ok
	}, 3*time.Second, 5*time.Millisecond, "session %s still registered", id)
}

func envValue(env []string, key string) (string, bool) {
	for i := len(env) - 1; i >= 0; i-- {
		if k, v, ok := strings.Cut(env[i], "="); ok && k == key {
			return v, true
		}
	}
	return "", false
}
