package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"
)

const (
	defaultReadyTimeout = 10 * time.Second
	defaultMaxOutput    = 1 << 20
	drainTimeout        = 2 * time.Second
)

// ProcessOptions configures a Process backend.
type ProcessOptions struct {
	// Command is the argv template. {agent}, {task_id} and {prompt} are
	// replaced inside every element; the result is never passed to a shell.
	Command      []string
	Dir          string
	Env          []string
	ReadyTimeout time.Duration
	// MaxOutput bounds the bytes kept per session; older output is dropped.
	MaxOutput int
	Logger    *slog.Logger
}

// Process runs each session as a child process attached to its own PTY.
type Process struct {
	opts   ProcessOptions
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

type session struct {
	id        string
	agentType string
	taskID    string
	started   time.Time

	cancel context.CancelFunc
	ready  chan struct{}
	done   chan struct{}

	// guarded by Process.mu
	status    Status
	output    []byte
	exitErr   error
	cancelled bool
}

// SessionInfo is a snapshot of one session.
type SessionInfo struct {
	ID        string
	AgentType string
	TaskID    string
	Status    Status
	Started   time.Time
	Error     string
}

// NewProcess validates opts and returns a Process backend.
func NewProcess(opts ProcessOptions) (*Process, error) {
	if len(opts.Command) == 0 || strings.TrimSpace(opts.Command[0]) == "" {
		return nil, errors.New("agent command must not be empty")
	}
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = defaultReadyTimeout
	}
	if opts.MaxOutput <= 0 {
		opts.MaxOutput = defaultMaxOutput
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Process{opts: opts, logger: logger, sessions: make(map[string]*session)}, nil
}

func expandArgs(tmpl []string, agentType, taskID, prompt string) []string {
	r := strings.NewReplacer("{agent}", agentType, "{task_id}", taskID, "{prompt}", prompt)
	out := make([]string, len(tmpl))
	for i, a := range tmpl {
		out[i] = r.Replace(a)
	}
	return out
}

func (p *Process) Spawn(ctx context.Context, agentType, taskID, prompt string, waitForReady bool) (string, error) {
	argv := expandArgs(p.opts.Command, agentType, taskID, prompt)
	id := agentType + "-" + uuid.NewString()[:8]

	// The session outlives the request that created it.
	sessCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(sessCtx, argv[0], argv[1:]...)
	cmd.Dir = p.opts.Dir
	cmd.Env = append(os.Environ(), p.opts.Env...)
	cmd.Env = append(cmd.Env,
		"SPAWNGATE_AGENT="+agentType,
		"SPAWNGATE_TASK_ID="+taskID,
		"SPAWNGATE_SESSION_ID="+id,
	)

	ptmx, err := pty.Start(cmd)
	if err != nil {
		cancel()
		return "", &SpawnError{AgentType: agentType, Op: "start", Err: err}
	}

	s := &session{
		id:        id,
		agentType: agentType,
		taskID:    taskID,
		started:   time.Now(),
		cancel:    cancel,
		ready:     make(chan struct{}),
		done:      make(chan struct{}),
		status:    StatusRunning,
	}
	p.mu.Lock()
	p.sessions[id] = s
	p.mu.Unlock()

	go p.run(s, cmd, ptmx)

	p.logger.Info("agent session started",
		slog.String("session_id", id),
		slog.String("agent_type", agentType),
		slog.Int("pid", cmd.Process.Pid))

	if !waitForReady {
		return id, nil
	}
	timer := time.NewTimer(p.opts.ReadyTimeout)
	defer timer.Stop()
	select {
	case <-s.ready:
		return id, nil
	case <-s.done:
		return id, nil
	case <-timer.C:
		p.kill(s)
		return "", &SpawnError{AgentType: agentType, Op: "ready", Err: fmt.Errorf("no output within %s", p.opts.ReadyTimeout)}
	case <-ctx.Done():
		p.kill(s)
		return "", &SpawnError{AgentType: agentType, Op: "ready", Err: ctx.Err()}
	}
}

// run pumps PTY output into the session until the child exits. Grandchildren
// may keep the terminal open, so the drain after exit is bounded.
func (p *Process) run(s *session, cmd *exec.Cmd, ptmx *os.File) {
	defer close(s.done)

	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		var readyOnce sync.Once
		buf := make([]byte, 4096)
		for {
			n, err := ptmx.Read(buf)
			if n > 0 {
				p.appendOutput(s, buf[:n])
				readyOnce.Do(func() { close(s.ready) })
			}
			if err != nil {
				// Linux returns EIO once the child side closes.
				if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) &&
					!strings.Contains(err.Error(), "input/output error") {
					p.logger.Debug("pty read failed", slog.String("session_id", s.id), slog.String("error", err.Error()))
				}
				return
			}
		}
	}()

	waitErr := <-exited
	select {
	case <-readDone:
	case <-time.After(drainTimeout):
	}
	_ = ptmx.Close()
	<-readDone

	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case s.cancelled:
		s.status = StatusCancelled
	case waitErr != nil:
		s.status = StatusFailed
		s.exitErr = waitErr
	default:
		s.status = StatusDone
	}
	s.cancel()
	p.logger.Info("agent session finished",
		slog.String("session_id", s.id),
		slog.String("status", string(s.status)),
		slog.Duration("elapsed", time.Since(s.started)))
}

func (p *Process) appendOutput(s *session, b []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s.output = append(s.output, b...)
	if over := len(s.output) - p.opts.MaxOutput; over > 0 {
		s.output = s.output[over:]
	}
}

func (p *Process) kill(s *session) {
	p.mu.Lock()
	if s.status == StatusRunning {
		s.cancelled = true
	}
	p.mu.Unlock()
	s.cancel()
}

// Wait polls until every session finished, the timeout passes or ctx ends.
// An id the backend does not know can never finish, so it yields false.
func (p *Process) Wait(ctx context.Context, sessionIDs []string, timeout, poll time.Duration) bool {
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		finished, known := p.allFinished(sessionIDs)
		if !known {
			return false
		}
		if finished {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			finished, _ := p.allFinished(sessionIDs)
			return finished
		case <-ticker.C:
		}
	}
}

func (p *Process) allFinished(ids []string) (finished, known bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range ids {
		s, ok := p.sessions[id]
		if !ok {
			return false, false
		}
		if !s.status.Finished() {
			return false, true
		}
	}
	return true, true
}

// Result returns the output captured so far.
func (p *Process) Result(sessionID string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[sessionID]
	if !ok {
		return "", false
	}
	return string(s.output), true
}

// Status returns the state of one session.
func (p *Process) Status(sessionID string) (SessionInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[sessionID]
	if !ok {
		return SessionInfo{}, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	return s.info(), nil
}

// Sessions lists all sessions, oldest first.
func (p *Process) Sessions() []SessionInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]SessionInfo, 0, len(p.sessions))
	for _, s := range p.sessions {
		out = append(out, s.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Started.Before(out[j].Started) })
	return out
}

func (s *session) info() SessionInfo {
	si := SessionInfo{ID: s.id, AgentType: s.agentType, TaskID: s.taskID, Status: s.status, Started: s.started}
	if s.exitErr != nil {
		si.Error = s.exitErr.Error()
	}
	return si
}

// Cleanup cancels every running session, waits for the children to be
// reaped and forgets all sessions.
func (p *Process) Cleanup(ctx context.Context) error {
	p.mu.Lock()
	sessions := make([]*session, 0, len(p.sessions))
	for _, s := range p.sessions {
		sessions = append(sessions, s)
	}
	p.mu.Unlock()

	for _, s := range sessions {
		p.kill(s)
	}
	for _, s := range sessions {
		select {
		case <-s.done:
		case <-ctx.Done():
			return fmt.Errorf("cleanup: %w", ctx.Err())
		}
	}

	p.mu.Lock()
	p.sessions = make(map[string]*session)
	p.mu.Unlock()
	return nil
}
