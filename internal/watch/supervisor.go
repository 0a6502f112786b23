package watch

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/lambdev/lambdev/internal/config"
	"github.com/lambdev/lambdev/internal/logger"
)

// FunctionState is the lifecycle state of a managed function process.
type FunctionState int

const (
	StateStopped FunctionState = iota
	StateBuilding
	StateStarting
	StateRunning
	StateCrashed
)

func (s FunctionState) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateBuilding:
		return "building"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateCrashed:
		return "crashed"
	default:
		return "unknown"
	}
}

// Supervisor is the single authority over function process lifecycle.
// All state transitions run on one actor goroutine fed by a message
// queue, so rebuild-triggered restarts and invocation-triggered cold
// starts never race on the same function's state.
type Supervisor struct {
	cfg      *config.ResolvedConfig
	log      *logger.Logger
	builds   *BuildQueue
	launcher Launcher

	// runtimeAPI yields the AWS_LAMBDA_RUNTIME_API address for a function.
	runtimeAPI func(function string) string

	procs  map[string]*functionProc
	queues map[string]*invocationQueue

	cmds    chan supervisorMsg
	stopped chan struct{}
	runCtx  context.Context
}

type functionProc struct {
	cfg         config.Function
	state       FunctionState
	handle      Handle
	gen         int
	binary      string
	lastBuildAt time.Time
	waiters     []chan error
	// rebuild records a restart request that arrived while a build or
	// termination was in flight; the result is rebuilt once more.
	rebuild     bool
	terminating bool
}

type supervisorMsg interface{}

type ensureMsg struct {
	name  string
	reply chan error
}

type restartMsg struct{ name string }

type buildDoneMsg struct {
	name string
	path string
	err  error
}

type handleGoneMsg struct{ name string }

type exitedMsg struct {
	name   string
	gen    int
	status ExitStatus
}

type runningMsg struct{ name string }

type initErrorMsg struct{ name string }

type stopAllMsg struct {
	grace time.Duration
	reply chan struct{}
}

type stateMsg struct {
	name  string
	reply chan FunctionState
}

// NewSupervisor creates the supervisor for the configured functions.
// runtimeAPI maps a function name to the runtime API address handed to
// its process.
func NewSupervisor(cfg *config.ResolvedConfig, log *logger.Logger, builds *BuildQueue, launcher Launcher, runtimeAPI func(string) string) *Supervisor {
	s := &Supervisor{
		cfg:        cfg,
		log:        log,
		builds:     builds,
		launcher:   launcher,
		runtimeAPI: runtimeAPI,
		procs:      make(map[string]*functionProc),
		queues:     make(map[string]*invocationQueue),
		cmds:       make(chan supervisorMsg, 64),
		stopped:    make(chan struct{}),
	}
	for _, fn := range cfg.Functions {
		s.procs[fn.Name] = &functionProc{cfg: fn, state: StateStopped}
		s.queues[fn.Name] = newInvocationQueue()
	}
	return s
}

// Queue returns the pending invocation queue for a function.
func (s *Supervisor) Queue(name string) (*invocationQueue, bool) {
	q, ok := s.queues[name]
	return q, ok
}

// Run processes supervisor messages until ctx is canceled. Call StopAll
// before canceling ctx to terminate function processes cleanly.
func (s *Supervisor) Run(ctx context.Context) error {
	s.runCtx = ctx
	defer close(s.stopped)
	for {
		select {
		case msg := <-s.cmds:
			s.handle(msg)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Supervisor) send(msg supervisorMsg) bool {
	select {
	case s.cmds <- msg:
		return true
	case <-s.stopped:
		return false
	}
}

// EnsureRunning makes sure a process for the function exists, building
// first if needed. Concurrent callers for the same function coalesce onto
// the single in-flight build. A build failure is returned to every caller
// and leaves the function Stopped.
func (s *Supervisor) EnsureRunning(ctx context.Context, name string) error {
	reply := make(chan error, 1)
	if !s.send(ensureMsg{name: name, reply: reply}) {
		return ErrShuttingDown
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Restart rebuilds the function and replaces its process. Pending
// invocations are failed with a restart error.
func (s *Supervisor) Restart(name string) {
	s.send(restartMsg{name: name})
}

// MarkRunning records that the function process reached the runtime API.
func (s *Supervisor) MarkRunning(name string) {
	s.send(runningMsg{name: name})
}

// RecordInitError marks the function Crashed after it reported an
// initialization failure, failing everything queued for it.
func (s *Supervisor) RecordInitError(name string) {
	s.send(initErrorMsg{name: name})
}

// State reports the current lifecycle state of a function.
func (s *Supervisor) State(name string) FunctionState {
	reply := make(chan FunctionState, 1)
	if !s.send(stateMsg{name: name, reply: reply}) {
		return StateStopped
	}
	select {
	case state := <-reply:
		return state
	case <-s.stopped:
		return StateStopped
	}
}

// StopAll terminates every live process, force-killing any that outlive
// the grace window. It blocks until all processes are gone.
func (s *Supervisor) StopAll(grace time.Duration) {
	reply := make(chan struct{})
	if !s.send(stopAllMsg{grace: grace, reply: reply}) {
		return
	}
	select {
	case <-reply:
	case <-s.stopped:
	}
}

func (s *Supervisor) handle(msg supervisorMsg) {
	switch m := msg.(type) {
	case ensureMsg:
		s.handleEnsure(m)
	case restartMsg:
		s.handleRestart(m.name)
	case buildDoneMsg:
		s.handleBuildDone(m)
	case handleGoneMsg:
		s.handleHandleGone(m.name)
	case exitedMsg:
		s.handleExited(m)
	case runningMsg:
		s.handleRunning(m.name)
	case initErrorMsg:
		s.handleInitError(m.name)
	case stopAllMsg:
		s.handleStopAll(m)
	case stateMsg:
		if p, ok := s.procs[m.name]; ok {
			m.reply <- p.state
		} else {
			m.reply <- StateStopped
		}
	}
}

func (s *Supervisor) handleEnsure(m ensureMsg) {
	p, ok := s.procs[m.name]
	if !ok {
		m.reply <- fmt.Errorf("unknown function: %s", m.name)
		return
	}
	if s.cfg.OnlyLambdaAPIs {
		// The process is managed externally; the queue is served as soon
		// as it polls.
		m.reply <- nil
		return
	}
	switch p.state {
	case StateRunning, StateStarting:
		m.reply <- nil
	case StateBuilding:
		p.waiters = append(p.waiters, m.reply)
	case StateStopped, StateCrashed:
		p.waiters = append(p.waiters, m.reply)
		s.startBuild(p)
	}
}

func (s *Supervisor) handleRestart(name string) {
	p, ok := s.procs[name]
	if !ok || s.cfg.OnlyLambdaAPIs {
		return
	}
	s.failPending(name, ErrRestarted)

	switch p.state {
	case StateBuilding:
		p.rebuild = true
	case StateStarting, StateRunning:
		h := p.handle
		p.handle = nil
		p.gen++
		p.state = StateBuilding
		p.terminating = true
		s.log.Info("restarting function %s", name)
		go func() {
			s.terminate(h, s.cfg.RestartGrace, name)
			s.send(handleGoneMsg{name: name})
		}()
	case StateStopped, StateCrashed:
		s.startBuild(p)
	}
}

func (s *Supervisor) handleHandleGone(name string) {
	p, ok := s.procs[name]
	if !ok {
		return
	}
	p.terminating = false
	p.rebuild = false
	// The old handle is gone; only now may the replacement build start.
	s.submitBuild(p)
}

func (s *Supervisor) startBuild(p *functionProc) {
	p.state = StateBuilding
	s.submitBuild(p)
}

func (s *Supervisor) submitBuild(p *functionProc) {
	name := p.cfg.Name
	fn := p.cfg
	go func() {
		path, err := s.builds.Submit(s.runCtx, fn)
		s.send(buildDoneMsg{name: name, path: path, err: err})
	}()
}

func (s *Supervisor) handleBuildDone(m buildDoneMsg) {
	p, ok := s.procs[m.name]
	if !ok || p.state != StateBuilding || p.terminating {
		return
	}
	if m.err != nil {
		p.state = StateStopped
		p.rebuild = false
		s.notifyWaiters(p, m.err)
		return
	}
	if p.rebuild {
		// A change arrived while this build ran; rebuild to pick it up.
		p.rebuild = false
		s.submitBuild(p)
		return
	}

	p.binary = m.path
	p.lastBuildAt = time.Now()

	handle, err := s.launcher.Start(ProcessSpec{
		FunctionName: m.name,
		BinaryPath:   m.path,
		Dir:          s.cfg.ProjectBase,
		Env:          s.processEnv(p.cfg),
	})
	if err != nil {
		p.state = StateStopped
		s.log.Error("failed to start function %s: %v", m.name, err)
		s.notifyWaiters(p, err)
		return
	}

	p.handle = handle
	p.gen++
	p.state = StateStarting
	gen := p.gen
	s.log.Info("function %s started (pid %d)", m.name, handle.PID())
	s.notifyWaiters(p, nil)

	go func() {
		status := <-handle.Done()
		s.send(exitedMsg{name: m.name, gen: gen, status: status})
	}()
}

func (s *Supervisor) handleExited(m exitedMsg) {
	p, ok := s.procs[m.name]
	if !ok || m.gen != p.gen {
		return
	}
	p.handle = nil
	if p.state == StateStarting || p.state == StateRunning {
		p.state = StateCrashed
		s.log.Warning("function %s exited unexpectedly (code %d)", m.name, m.status.Code)
		s.failPending(m.name, ErrProcessCrashed)
	}
}

func (s *Supervisor) handleRunning(name string) {
	p, ok := s.procs[name]
	if !ok {
		return
	}
	if p.state == StateStarting {
		p.state = StateRunning
		s.log.Debug("function %s is ready", name)
	}
}

func (s *Supervisor) handleInitError(name string) {
	p, ok := s.procs[name]
	if !ok {
		return
	}
	s.log.Error("function %s failed to initialize", name)
	if h := p.handle; h != nil {
		p.handle = nil
		p.gen++
		go func() {
			s.terminate(h, s.cfg.RestartGrace, name)
		}()
	}
	p.state = StateCrashed
	s.failPending(name, ErrProcessCrashed)
}

func (s *Supervisor) handleStopAll(m stopAllMsg) {
	var wg sync.WaitGroup
	for name, p := range s.procs {
		s.failPending(name, ErrShuttingDown)
		if p.handle == nil {
			p.state = StateStopped
			continue
		}
		h := p.handle
		p.handle = nil
		p.gen++
		p.state = StateStopped
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			s.terminate(h, m.grace, name)
		}(name)
	}
	go func() {
		wg.Wait()
		close(m.reply)
	}()
}

// terminate signals the process group and force-kills after the grace
// window elapses.
func (s *Supervisor) terminate(h Handle, grace time.Duration, name string) {
	if err := h.Terminate(); err != nil {
		// Already gone, or signals unsupported; make sure.
		_ = h.Kill()
		<-h.Done()
		return
	}
	select {
	case <-h.Done():
	case <-time.After(grace):
		s.log.Warning("function %s did not stop within %s, force killing", name, grace)
		_ = h.Kill()
		<-h.Done()
	}
}

func (s *Supervisor) failPending(name string, reason error) {
	q, ok := s.queues[name]
	if !ok {
		return
	}
	for _, inv := range q.drain() {
		inv.fail(reason)
	}
}

func (s *Supervisor) notifyWaiters(p *functionProc, err error) {
	for _, w := range p.waiters {
		w <- err
	}
	p.waiters = nil
}

func (s *Supervisor) processEnv(fn config.Function) []string {
	env := os.Environ()
	env = append(env,
		"AWS_LAMBDA_FUNCTION_VERSION=1",
		"AWS_LAMBDA_FUNCTION_MEMORY_SIZE=4096",
	)
	for k, v := range fn.Env {
		env = append(env, k+"="+v)
	}
	// These always win over per-function metadata.
	env = append(env,
		"AWS_LAMBDA_RUNTIME_API="+s.runtimeAPI(fn.Name),
		"AWS_LAMBDA_FUNCTION_NAME="+fn.Name,
	)
	return env
}
