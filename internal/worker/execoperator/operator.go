// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package execoperator executes service units as host processes. It
// implements the engine's operator contract: calls on the engine loop
// only kick work off, and outcomes travel back asynchronously through
// the deliverer.
//
// The payload of a service unit drives it:
//
//	exec-start        command line run to bring the unit up (required)
//	exec-reload       command line run on reload
//	type              "simple" (default) or "oneshot"
//	remain-after-exit oneshot only: stay active once the command is done
//
// Command lines are split on whitespace; there is no shell quoting.
// Simple services are up as soon as the process runs and go down when
// it exits. Oneshot services are up once the command finishes cleanly.
package execoperator

import (
	"context"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"gopkg.in/tomb.v2"

	"github.com/canonical/cairn/core/job"
	"github.com/canonical/cairn/core/logger"
	"github.com/canonical/cairn/core/unit"
	"github.com/canonical/cairn/internal/engine"
)

// defaultStopGrace bounds how long a stopped service may outlive its
// SIGTERM before it is killed outright.
const defaultStopGrace = 10 * time.Second

// Deliverer receives the outcomes of operations. The engine implements
// it; tests substitute their own.
type Deliverer interface {
	DeliverJobResult(ctx context.Context, id job.ID, result job.Result) error
	DeliverUnitState(ctx context.Context, name unit.Name, state unit.ActiveState, invocationID string) error
}

// Config holds the dependencies and settings of an Operator.
type Config struct {
	// Logger receives the operator's log output.
	Logger logger.Logger

	// Clock times the stop grace period.
	Clock clock.Clock

	// StopGrace overrides the SIGTERM grace period. Zero keeps the
	// default.
	StopGrace time.Duration
}

// Validate returns an error when the configuration cannot run an
// operator.
func (config Config) Validate() error {
	if config.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	return nil
}

// Operator runs service unit processes. It tracks one process per
// unit and one in-flight attempt per job, so cancellations and stops
// find their targets. Operations must stop arriving before Kill.
type Operator struct {
	tomb   tomb.Tomb
	config Config

	mu        sync.Mutex
	deliverer Deliverer
	procs     map[unit.Name]*process
	attempts  map[job.ID]*attempt
}

// process is one live service process.
type process struct {
	unit         unit.Name
	invocationID string
	cmd          *exec.Cmd

	// exited closes once Wait has returned and err is valid.
	exited chan struct{}
	err    error
}

// attempt is one in-flight operation, kept so Cancel can reach it.
type attempt struct {
	canceled chan struct{}
	once     sync.Once
}

func (a *attempt) cancel() {
	a.once.Do(func() { close(a.canceled) })
}

func (a *attempt) isCanceled() bool {
	select {
	case <-a.canceled:
		return true
	default:
		return false
	}
}

// New returns an Operator ready for operations.
func New(config Config) (*Operator, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if config.StopGrace == 0 {
		config.StopGrace = defaultStopGrace
	}
	return &Operator{
		config:   config,
		procs:    make(map[unit.Name]*process),
		attempts: make(map[job.ID]*attempt),
	}, nil
}

// Bind points the operator at the engine receiving its outcomes. It
// must be called before the first operation arrives.
func (o *Operator) Bind(d Deliverer) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.deliverer = d
}

// Kill stops the operator. Tracked processes are killed so their
// watchers can finish; graceful teardown happens through stop jobs
// before this point.
func (o *Operator) Kill() {
	o.tomb.Kill(nil)
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, p := range o.procs {
		p.signal(syscall.SIGKILL)
	}
	o.procs = make(map[unit.Name]*process)
}

// Wait returns once every operation goroutine has finished.
func (o *Operator) Wait() error {
	return o.tomb.Wait()
}

// Start is part of the engine.Operator interface.
func (o *Operator) Start(_ context.Context, op engine.Operation) error {
	argv, err := commandLine(op.Payload, "exec-start")
	if err != nil {
		return errors.Trace(err)
	}
	oneshot, remain, err := serviceKind(op.Payload)
	if err != nil {
		return errors.Trace(err)
	}
	a := o.newAttempt(op.Job)
	return o.spawn(func() {
		defer o.dropAttempt(op.Job)
		if oneshot {
			o.runOneshot(op, argv, remain, a)
		} else {
			o.runSimple(op, argv, a)
		}
	})
}

// Stop is part of the engine.Operator interface.
func (o *Operator) Stop(_ context.Context, op engine.Operation) error {
	a := o.newAttempt(op.Job)
	return o.spawn(func() {
		defer o.dropAttempt(op.Job)
		o.runStop(op, a)
	})
}

// Reload is part of the engine.Operator interface.
func (o *Operator) Reload(_ context.Context, op engine.Operation) error {
	argv, err := commandLine(op.Payload, "exec-reload")
	if err != nil {
		return errors.Trace(err)
	}
	a := o.newAttempt(op.Job)
	return o.spawn(func() {
		defer o.dropAttempt(op.Job)
		o.runReload(op, argv, a)
	})
}

// Cancel is part of the engine.Operator interface. A canceled start or
// reload loses its command; a canceled stop runs to the end anyway.
// Either way the unit's eventual state still gets reported.
func (o *Operator) Cancel(_ context.Context, id job.ID) error {
	o.mu.Lock()
	a := o.attempts[id]
	o.mu.Unlock()
	if a != nil {
		a.cancel()
	}
	return nil
}

// runSimple brings up a simple service: active once the process runs,
// down again when it exits.
func (o *Operator) runSimple(op engine.Operation, argv []string, a *attempt) {
	ctx := context.Background()
	p, err := o.startProcess(op, argv)
	if err != nil {
		o.logger().Errorf(ctx, "starting %q: %v", op.Unit, err)
		o.deliverResult(ctx, op.Job, job.ResultFailed)
		return
	}
	if a.isCanceled() {
		o.killAndReport(ctx, op.Unit, p)
		return
	}
	o.track(p)
	o.deliverResult(ctx, op.Job, job.ResultDone)

	select {
	case <-p.exited:
	case <-a.canceled:
		if o.displace(op.Unit, p) == nil {
			// A stop or a newer start owns the process now.
			return
		}
		o.killAndReport(ctx, op.Unit, p)
		return
	case <-o.tomb.Dying():
		return
	}
	if !o.untrack(p) {
		// A stop displaced the process and owns the outcome.
		return
	}
	state := unit.Inactive
	if !cleanExit(p.err) {
		o.logger().Warningf(ctx, "service %q exited: %v", op.Unit, p.err)
		state = unit.Failed
	}
	o.deliverState(ctx, op.Unit, state, p.invocationID)
}

// killAndReport takes an unwanted process down hard and reports the
// unit inactive, settling units left mid-transition by a canceled job.
func (o *Operator) killAndReport(ctx context.Context, name unit.Name, p *process) {
	p.signal(syscall.SIGKILL)
	select {
	case <-p.exited:
	case <-o.tomb.Dying():
		return
	}
	o.deliverState(ctx, name, unit.Inactive, "")
}

// runOneshot runs the command to completion; the unit is up once it
// finishes cleanly, and immediately down again unless it remains.
func (o *Operator) runOneshot(op engine.Operation, argv []string, remain bool, a *attempt) {
	ctx := context.Background()
	p, err := o.startProcess(op, argv)
	if err != nil {
		o.logger().Errorf(ctx, "starting %q: %v", op.Unit, err)
		o.deliverResult(ctx, op.Job, job.ResultFailed)
		return
	}
	select {
	case <-p.exited:
	case <-a.canceled:
		o.killAndReport(ctx, op.Unit, p)
		return
	case <-o.tomb.Dying():
		return
	}
	if !cleanExit(p.err) {
		o.logger().Warningf(ctx, "service %q failed: %v", op.Unit, p.err)
		o.deliverResult(ctx, op.Job, job.ResultFailed)
		return
	}
	o.deliverResult(ctx, op.Job, job.ResultDone)
	if !remain {
		o.deliverState(ctx, op.Unit, unit.Inactive, "")
	}
}

// runStop takes the unit's process down: SIGTERM, a grace period, then
// SIGKILL. Units without a live process are already down.
func (o *Operator) runStop(op engine.Operation, a *attempt) {
	ctx := context.Background()
	if p := o.displace(op.Unit, nil); p != nil {
		p.signal(syscall.SIGTERM)
		select {
		case <-p.exited:
		case <-o.config.Clock.After(o.config.StopGrace):
			o.logger().Warningf(ctx, "service %q ignored SIGTERM, killing", op.Unit)
			p.signal(syscall.SIGKILL)
			select {
			case <-p.exited:
			case <-o.tomb.Dying():
				return
			}
		case <-o.tomb.Dying():
			return
		}
	}
	o.deliverResult(ctx, op.Job, job.ResultDone)
	if a.isCanceled() {
		// The job result found nobody, so report the state directly.
		o.deliverState(ctx, op.Unit, unit.Inactive, "")
	}
}

// runReload runs the reload command against the live service. Whatever
// happens to the command, the service itself stays up, so every path
// that does not complete the job settles the unit back to active.
func (o *Operator) runReload(op engine.Operation, argv []string, a *attempt) {
	ctx := context.Background()
	p, err := o.startProcess(op, argv)
	if err != nil {
		o.logger().Errorf(ctx, "reloading %q: %v", op.Unit, err)
		o.deliverResult(ctx, op.Job, job.ResultFailed)
		o.deliverState(ctx, op.Unit, unit.Active, "")
		return
	}
	select {
	case <-p.exited:
	case <-a.canceled:
		p.signal(syscall.SIGKILL)
		select {
		case <-p.exited:
		case <-o.tomb.Dying():
			return
		}
		o.deliverState(ctx, op.Unit, unit.Active, "")
		return
	case <-o.tomb.Dying():
		return
	}
	if !cleanExit(p.err) {
		o.logger().Warningf(ctx, "reloading %q: %v", op.Unit, p.err)
		o.deliverResult(ctx, op.Job, job.ResultFailed)
		o.deliverState(ctx, op.Unit, unit.Active, "")
		return
	}
	o.deliverResult(ctx, op.Job, job.ResultDone)
}

// startProcess launches argv in its own process group and arranges for
// exited to close when it is gone.
func (o *Operator) startProcess(op engine.Operation, argv []string) (*process, error) {
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return nil, errors.Trace(err)
	}
	p := &process{
		unit:         op.Unit,
		invocationID: op.InvocationID,
		cmd:          cmd,
		exited:       make(chan struct{}),
	}
	if err := o.spawn(func() {
		p.err = cmd.Wait()
		close(p.exited)
	}); err != nil {
		p.signal(syscall.SIGKILL)
		return nil, errors.Trace(err)
	}
	return p, nil
}

// signal delivers sig to the whole process group.
func (p *process) signal(sig syscall.Signal) {
	if p.cmd.Process == nil {
		return
	}
	_ = syscall.Kill(-p.cmd.Process.Pid, sig)
}

// spawn runs f on a tracked goroutine.
func (o *Operator) spawn(f func()) error {
	select {
	case <-o.tomb.Dying():
		return errors.New("operator is stopping")
	default:
	}
	o.tomb.Go(func() error {
		f()
		return nil
	})
	return nil
}

func (o *Operator) newAttempt(id job.ID) *attempt {
	a := &attempt{canceled: make(chan struct{})}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.attempts[id] = a
	return a
}

func (o *Operator) dropAttempt(id job.ID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.attempts, id)
}

// track records p as the unit's current process. A leftover entry can
// only be a process whose start job was canceled under this one's
// feet, so it is not allowed to linger.
func (o *Operator) track(p *process) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if prev := o.procs[p.unit]; prev != nil {
		prev.signal(syscall.SIGKILL)
	}
	o.procs[p.unit] = p
}

// untrack removes p if it is still the unit's current process, and
// reports whether it was.
func (o *Operator) untrack(p *process) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.procs[p.unit] != p {
		return false
	}
	delete(o.procs, p.unit)
	return true
}

// displace takes ownership of the unit's process away from its exit
// watcher. Passing a specific process only displaces that one.
func (o *Operator) displace(name unit.Name, only *process) *process {
	o.mu.Lock()
	defer o.mu.Unlock()
	p := o.procs[name]
	if p == nil || (only != nil && p != only) {
		return nil
	}
	delete(o.procs, name)
	return p
}

func (o *Operator) logger() logger.Logger {
	return o.config.Logger
}

func (o *Operator) getDeliverer() Deliverer {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.deliverer
}

// deliverResult reports a job outcome. Results can arrive after the
// job is gone, for example when it was canceled or timed out first;
// the engine refuses those and the refusal is fine.
func (o *Operator) deliverResult(ctx context.Context, id job.ID, result job.Result) {
	d := o.getDeliverer()
	if d == nil {
		o.logger().Errorf(ctx, "no deliverer bound, dropping result %q for job %d", result, id)
		return
	}
	if err := d.DeliverJobResult(ctx, id, result); err != nil {
		o.logger().Debugf(ctx, "delivering result for job %d: %v", id, err)
	}
}

// deliverState reports a unit state observed outside a job result.
func (o *Operator) deliverState(ctx context.Context, name unit.Name, state unit.ActiveState, invocationID string) {
	d := o.getDeliverer()
	if d == nil {
		o.logger().Errorf(ctx, "no deliverer bound, dropping state %q of %q", state, name)
		return
	}
	if err := d.DeliverUnitState(ctx, name, state, invocationID); err != nil {
		o.logger().Debugf(ctx, "delivering state of %q: %v", name, err)
	}
}

// commandLine splits the named payload command into argv.
func commandLine(payload map[string]string, key string) ([]string, error) {
	line := strings.TrimSpace(payload[key])
	if line == "" {
		return nil, errors.NotValidf("unit without %s", key)
	}
	return strings.Fields(line), nil
}

// serviceKind interprets the payload's service type settings.
func serviceKind(payload map[string]string) (oneshot, remain bool, err error) {
	switch t := payload["type"]; t {
	case "", "simple":
	case "oneshot":
		oneshot = true
	default:
		return false, false, errors.NotSupportedf("service type %q", t)
	}
	if v := payload["remain-after-exit"]; v != "" {
		remain, err = strconv.ParseBool(v)
		if err != nil {
			return false, false, errors.NotValidf("remain-after-exit %q", v)
		}
	}
	return oneshot, remain && oneshot, nil
}

// cleanExit reports whether the process ended the way a healthy
// service does.
func cleanExit(err error) bool {
	return err == nil
}
