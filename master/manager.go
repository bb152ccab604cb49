// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

// Package master implements the Panther master: a single-threaded dispatch
// loop that hands queued runs to idle workers, tracks in-flight runs,
// retries failures, kills overdue runs, and heartbeats busy workers,
// fronted by a non-blocking driver API. One goroutine owns all scheduling
// state; every other goroutine talks to it through channels.
package master

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/desertbit/timer"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/anvil-labs/panther/clog"
	"github.com/anvil-labs/panther/config"
	"github.com/anvil-labs/panther/schema"
	"github.com/anvil-labs/panther/transport"
	"github.com/anvil-labs/panther/vector"
	"github.com/anvil-labs/panther/wire"
)

// ErrManagerStopped is returned by driver API calls made after Shutdown.
var ErrManagerStopped = errors.New("master: manager is shut down")

// ErrUnknownRun is returned by Cancel for a run ID the manager never issued.
var ErrUnknownRun = errors.New("master: unknown run id")

// Manager is a Panther master instance. Build one with NewManager, call
// Start, submit runs with Submit, wait for them with WaitAll, and collect
// results with PollComplete.
type Manager struct {
	cfg     config.Config
	control *schema.ControlFile
	log     *clog.CLogger

	board *ResultBoard

	listener net.Listener
	addr     string

	mailbox  chan func(*state)
	events   chan workerEvent
	accepted chan *workerHandle
	stopC    chan struct{}
	stopped  chan struct{}

	group errgroup.Group // bounds acceptLoop + dispatch loop lifetimes for Shutdown
}

// workerEvent is a frame (or loss notification) arriving from one worker's
// dedicated reader goroutine, forwarded to the manager loop.
type workerEvent struct {
	workerID string
	frame    wire.Frame
	lost     bool
	corrupt  bool
	err      error
}

// state is the manager loop's private, single-owner bookkeeping. Nothing
// outside the loop goroutine touches it directly.
type state struct {
	nextRunID int32
	queue     []*Run
	runs      map[int32]*Run
	workers   map[string]*workerHandle
	idle      []string // FIFO of idle worker ids

	pending  int // runs submitted but not yet in a final state
	waitDone []chan struct{}
}

// NewManager builds a Manager that will listen on addr and dispatch runs
// against control.
func NewManager(addr string, cfg config.Config, control *schema.ControlFile) *Manager {
	return &Manager{
		cfg:      cfg,
		control:  control,
		log:      clog.New("master: "),
		board:    NewResultBoard(),
		addr:     addr,
		mailbox:  make(chan func(*state)),
		events:   make(chan workerEvent, 64),
		accepted: make(chan *workerHandle),
		stopC:    make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

// Start binds the listener and launches the accept and dispatch loops. It
// returns once the listener is bound; accept errors surface asynchronously
// through the log.
func (m *Manager) Start() error {
	ln, err := net.Listen("tcp", m.addr)
	if err != nil {
		return fmt.Errorf("master: listening on %s: %w", m.addr, err)
	}
	m.listener = ln
	m.addr = ln.Addr().String()

	m.group.Go(func() error { m.acceptLoop(); return nil })
	m.group.Go(func() error { m.loop(); return nil })
	return nil
}

// Addr returns the bound listen address (useful when addr was ":0").
func (m *Manager) Addr() string { return m.addr }

func (m *Manager) acceptLoop() {
	for {
		conn, err := m.listener.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				m.log.Errorf("accept: %v", err)
			}
			return
		}
		go m.handleConnection(conn)
	}
}

// handleConnection performs the schema handshake synchronously, then
// registers the worker with the dispatch loop and becomes its reader
// goroutine.
func (m *Manager) handleConnection(conn net.Conn) {
	sess := transport.New(conn, transport.Config{
		MaxRecvFails:        m.cfg.MaxRecvFails,
		MaxSendFails:        m.cfg.MaxSendFails,
		PayloadCeilingBytes: m.cfg.PayloadCeilingBytes,
	})

	// The master opens the handshake: REQ_RUNDIR, and the worker reports
	// its absolute sandbox directory back in the RUNDIR frame's desc.
	if err := sess.Send(wire.NewFrame(wire.ReqRunDir, 0, 0, nil)); err != nil {
		m.log.Errorf("sending REQ_RUNDIR to %s: %v", sess.RemoteEndpoint(), err)
		sess.Close()
		return
	}
	f, outcome, err := sess.Receive(30 * time.Second)
	if outcome != transport.Message || f.Type != wire.RunDir {
		m.log.Errorf("handshake from %s: expected RUNDIR, got outcome=%v err=%v", sess.RemoteEndpoint(), outcome, err)
		sess.Close()
		return
	}

	id := uuid.NewString()
	wh := &workerHandle{id: id, sess: sess, state: WorkerConnected, runDir: f.Desc, lastActivity: time.Now()}

	// REQ_LINPACK must round-trip before PAR_NAMES/OBS_NAMES: a worker's
	// schema-wait loop stops reading schema frames the moment it has
	// collected all of them, so sending this any later risks the reply
	// landing after the worker has already moved on to READY.
	if err := sess.Send(wire.NewFrame(wire.ReqLinpack, 0, 0, nil)); err == nil {
		if lf, outcome, err := sess.Receive(5 * time.Second); outcome == transport.Message && lf.Type == wire.Linpack {
			if vals, err := vector.DecodeValues(lf.Payload, 1); err == nil {
				wh.linpack = vals[0]
			}
		} else if err != nil {
			m.log.Printf("worker %s did not answer REQ_LINPACK: %v", id, err)
		}
	}

	if err := sess.Send(wire.NewFrame(wire.ParNames, 0, 0, vector.EncodeNames(m.control.ParNames()))); err != nil {
		m.log.Errorf("sending PAR_NAMES to %s: %v", sess.RemoteEndpoint(), err)
		sess.Close()
		return
	}
	if err := sess.Send(wire.NewFrame(wire.ObsNames, 0, 0, vector.EncodeNames(m.control.ObsNames()))); err != nil {
		m.log.Errorf("sending OBS_NAMES to %s: %v", sess.RemoteEndpoint(), err)
		sess.Close()
		return
	}

	select {
	case m.accepted <- wh:
	case <-m.stopC:
		sess.Close()
		return
	}

	for {
		f, outcome, err := sess.Receive(0)
		switch outcome {
		case transport.Timeout:
			continue
		case transport.Lost, transport.Corrupt:
			select {
			case m.events <- workerEvent{workerID: id, lost: true, corrupt: outcome == transport.Corrupt, err: err}:
			case <-m.stopC:
			}
			return
		}
		select {
		case m.events <- workerEvent{workerID: id, frame: f}:
		case <-m.stopC:
			return
		}
		if f.Type == wire.Terminate {
			return
		}
	}
}

// loop is the manager's single dispatch goroutine: every read and mutation
// of st happens here, so st never needs a mutex.
func (m *Manager) loop() {
	st := &state{runs: make(map[int32]*Run), workers: make(map[string]*workerHandle)}

	sweepInterval := 1 * time.Second
	if m.cfg.PingInterval() > 0 && m.cfg.PingInterval() < sweepInterval {
		sweepInterval = m.cfg.PingInterval()
	}
	sweep := timer.NewTimer(sweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-m.stopC:
			close(m.stopped)
			return

		case wh := <-m.accepted:
			// Registered but not yet dispatchable; the worker joins the
			// idle list when its first READY frame arrives.
			st.workers[wh.id] = wh

		case ev := <-m.events:
			m.handleEvent(st, ev)
			m.dispatch(st)

		case fn := <-m.mailbox:
			fn(st)
			m.dispatch(st)

		case <-sweep.C:
			m.sweep(st)
			m.dispatch(st)
			sweep.Reset(sweepInterval)
		}
	}
}

// dispatch hands as many queued runs as possible to idle workers, FIFO on
// both sides.
func (m *Manager) dispatch(st *state) {
	for len(st.queue) > 0 && len(st.idle) > 0 {
		run := st.queue[0]
		st.queue = st.queue[1:]

		workerID := st.idle[0]
		st.idle = st.idle[1:]
		wh := st.workers[workerID]
		if wh == nil {
			continue
		}

		m.send(st, run, wh)
	}
}

// send performs a fresh FIFO dispatch of a QUEUED run: it counts as an
// attempt and starts the run's deadline clock.
func (m *Manager) send(st *state, run *Run, wh *workerHandle) {
	run.Attempts++
	run.State = RunDispatched
	run.DispatchedAt = time.Now()
	run.KillRequestedAt = time.Time{}
	m.sendTo(st, run, wh)
}

// sendSpeculative hands an already-DISPATCHED, overdue run to a second idle
// worker without touching Attempts or the deadline clock: it is a race for
// the same attempt, not a new one.
func (m *Manager) sendSpeculative(st *state, run *Run, wh *workerHandle) {
	m.sendTo(st, run, wh)
}

func (m *Manager) sendTo(st *state, run *Run, wh *workerHandle) {
	run.Workers = append(run.Workers, wh.id)
	wh.state = WorkerBusy
	wh.currentRun = run.ID
	wh.awaitingPingAck = false

	payload := vector.EncodeValues(run.Parameters.Values)
	if err := wh.sess.Send(wire.NewFrame(wire.StartRun, run.GroupID, run.ID, payload)); err != nil {
		m.log.Errorf("dispatching run %d to worker %s: %v", run.ID, wh.id, err)
		m.loseWorker(st, wh.id, err)
	}
}

func (m *Manager) handleEvent(st *state, ev workerEvent) {
	if ev.lost {
		if ev.corrupt {
			// An undecodable frame earns the peer one CORRUPT_MESG before
			// the session is dropped.
			if wh := st.workers[ev.workerID]; wh != nil {
				wh.sess.Send(wire.NewFrame(wire.CorruptMesg, 0, 0, nil))
			}
		}
		m.loseWorker(st, ev.workerID, ev.err)
		return
	}

	wh := st.workers[ev.workerID]
	if wh == nil {
		return
	}
	wh.lastActivity = time.Now()

	switch ev.frame.Type {
	case wire.Ready:
		// A duplicate READY from an already-idle worker must not enter the
		// FIFO twice, or the same worker would be double-dispatched.
		if wh.state == WorkerConnected || wh.state == WorkerBusy {
			wh.state = WorkerIdle
			wh.currentRun = 0
			st.idle = append(st.idle, wh.id)
		}
	case wire.Ping:
		wh.awaitingPingAck = false
	case wire.Linpack:
		if vals, err := vector.DecodeValues(ev.frame.Payload, 1); err == nil {
			wh.linpack = vals[0]
		}
	case wire.RunFinished:
		m.completeRun(st, wh, ev.frame, RunCompleted, nil)
	case wire.RunFailed:
		m.completeRun(st, wh, ev.frame, RunFailed, fmt.Errorf("worker %s reported run failure", wh.id))
	case wire.RunKilled:
		m.completeRun(st, wh, ev.frame, RunKilled, nil)
	case wire.Terminate:
		// Acknowledgement of a master-initiated TERMINATE (Shutdown); the
		// worker has already closed its end.
		delete(st.workers, wh.id)
		st.idle = removeID(st.idle, wh.id)
	default:
		m.log.Errorf("protocol violation from worker %s: unexpected %s frame", wh.id, ev.frame.Type)
		m.loseWorker(st, wh.id, fmt.Errorf("protocol violation: %s", ev.frame.Type))
	}
}

// completeRun finalizes one worker's report for a run, retrying on failure
// up to MaxRunFail and otherwise recording the outcome.
func (m *Manager) completeRun(st *state, wh *workerHandle, f wire.Frame, outcome RunState, runErr error) {
	run := st.runs[f.RunID]
	if run == nil || run.State != RunDispatched || !containsID(run.Workers, wh.id) {
		// Stale report: either already finalized by another dispatch
		// attempt, or for a run this worker no longer owns.
		return
	}

	// A speculative duplicate dispatch leaves a run with two workers in
	// flight; whichever reports first wins here, and the other
	// is kill-requested and its eventual report discarded by the
	// membership check above (run.Workers is cleared below).
	for _, other := range run.Workers {
		if other == wh.id {
			continue
		}
		if ow := st.workers[other]; ow != nil {
			ow.sess.Send(wire.NewFrame(wire.ReqKill, run.GroupID, run.ID, nil))
		}
	}
	run.Workers = nil

	if outcome == RunCompleted {
		numPars := len(run.Parameters.Values)
		_, obsValues, duration, err := vector.DecodeRunFinishedPayload(f.Payload, numPars, len(m.control.ObsNames()))
		if err != nil {
			outcome = RunFailed
			runErr = fmt.Errorf("decoding RUN_FINISHED payload: %w", err)
		} else {
			run.Observations = vector.Vector{Names: m.control.ObsNames(), Values: obsValues}
			run.DurationSeconds = duration
		}
	}

	// A cancelled run that still manages to fail (rather than being killed
	// outright) is done, not retried: resolve it as CANCELLED instead of
	// requeueing. A FINISHED or KILLED report is taken at face value.
	if run.CancelRequested && outcome == RunFailed {
		outcome = RunCancelled
	}

	if outcome == RunFailed && run.Attempts < m.control.Numerical.MaxRunFail {
		run.State = RunQueued
		st.queue = append(st.queue, run)
		return
	}

	run.State = outcome
	run.Err = runErr
	st.pending--
	m.board.Record(RunOutcome{RunID: run.ID, State: run.State, Attempts: run.Attempts, Observations: run.Observations, DurationSeconds: run.DurationSeconds, Err: run.Err})
	m.notifyIfDrained(st)
}

// loseWorker marks a worker dead, requeueing any run it was running unless
// that run's cancellation was already requested, in which case it resolves
// straight to CANCELLED.
func (m *Manager) loseWorker(st *state, workerID string, cause error) {
	wh := st.workers[workerID]
	if wh == nil || wh.state == WorkerLost {
		return
	}
	wh.state = WorkerLost
	wh.sess.Close()
	delete(st.workers, workerID)

	st.idle = removeID(st.idle, workerID)

	if wh.currentRun != 0 {
		if run := st.runs[wh.currentRun]; run != nil && run.State == RunDispatched {
			run.Workers = removeID(run.Workers, workerID)
			if len(run.Workers) > 0 {
				// A speculative duplicate is still in flight on another
				// worker; let it run rather than requeueing or cancelling.
				m.log.Printf("worker %s lost mid-run %d (%v), speculative duplicate still in flight", workerID, run.ID, cause)
				return
			}
			switch {
			case run.CancelRequested:
				m.log.Printf("worker %s lost while run %d was cancel-requested (%v), marking CANCELLED", workerID, run.ID, cause)
				run.State = RunCancelled
				st.pending--
				m.board.Record(RunOutcome{RunID: run.ID, State: RunCancelled, Attempts: run.Attempts})
				m.notifyIfDrained(st)
			case run.Attempts >= m.control.Numerical.MaxRunFail:
				// The loss consumed the run's last attempt.
				m.log.Errorf("worker %s lost mid-run %d (%v), retries exhausted", workerID, run.ID, cause)
				run.State = RunFailed
				run.Err = fmt.Errorf("worker lost after %d attempts: %v", run.Attempts, cause)
				st.pending--
				m.board.Record(RunOutcome{RunID: run.ID, State: RunFailed, Attempts: run.Attempts, Err: run.Err})
				m.notifyIfDrained(st)
			default:
				m.log.Printf("worker %s lost mid-run %d (%v), requeueing", workerID, run.ID, cause)
				run.State = RunQueued
				st.queue = append(st.queue, run)
			}
		}
	}
}

// idleCeilingFactor scales the ping interval into the idle ceiling: an idle
// worker silent for this many ping intervals is pinged, and demoted to LOST
// if it misses the grace window.
const idleCeilingFactor = 3

// sweep runs the periodic liveness/deadline/speculative-dispatch pass.
func (m *Manager) sweep(st *state) {
	now := time.Now()
	pingInterval := m.cfg.PingInterval()
	pingGrace := m.cfg.PingGrace()
	perRunTimeout := m.cfg.PerRunTimeout()
	overdueGiveup := m.cfg.OverdueGiveup()

	for id, wh := range st.workers {
		if wh.state != WorkerBusy && wh.state != WorkerIdle {
			continue
		}

		if wh.awaitingPingAck && pingGrace > 0 && now.Sub(wh.pingSentAt) > pingGrace {
			m.log.Errorf("worker %s missed ping ack, declaring lost", id)
			m.loseWorker(st, id, errors.New("missed ping acknowledgement"))
			continue
		}

		// Busy workers are pinged at the configured interval; idle workers
		// only once their silence exceeds the idle ceiling.
		pingAfter := pingInterval
		if wh.state == WorkerIdle {
			pingAfter = idleCeilingFactor * pingInterval
		}
		if pingInterval > 0 && !wh.awaitingPingAck && now.Sub(wh.lastActivity) >= pingAfter {
			if err := wh.sess.Send(wire.NewFrame(wire.Ping, 0, wh.currentRun, nil)); err != nil {
				m.loseWorker(st, id, err)
				continue
			}
			wh.awaitingPingAck = true
			wh.pingSentAt = now
		}

		if wh.state != WorkerBusy {
			continue
		}

		run := st.runs[wh.currentRun]
		if run == nil || run.State != RunDispatched {
			continue
		}

		if !run.KillRequestedAt.IsZero() {
			// REQ_KILL already went out; a worker that misses its grace
			// window without confirming RUN_KILLED is demoted to LOST.
			if pingGrace > 0 && now.Sub(run.KillRequestedAt) > pingGrace {
				m.log.Errorf("worker %s missed the kill grace window for run %d, declaring lost", id, run.ID)
				m.loseWorker(st, id, errors.New("missed kill grace window"))
			}
			continue
		}

		if perRunTimeout > 0 && now.Sub(run.DispatchedAt) > perRunTimeout {
			m.log.Printf("run %d on worker %s exceeded per-run timeout, requesting kill", run.ID, id)
			run.KillRequestedAt = now
			wh.sess.Send(wire.NewFrame(wire.ReqKill, run.GroupID, run.ID, nil))
			continue
		}

		if m.cfg.SpeculativeDispatch && overdueGiveup > 0 && now.Sub(run.DispatchedAt) > overdueGiveup &&
			len(st.idle) > 0 && len(run.Workers) == 1 {
			spareID := st.idle[0]
			st.idle = st.idle[1:]
			spare := st.workers[spareID]
			if spare != nil {
				m.log.Printf("run %d overdue, speculatively dispatching a duplicate attempt to worker %s", run.ID, spareID)
				m.sendSpeculative(st, run, spare)
			}
		}
	}
}

// containsID reports whether target appears in ids.
func containsID(ids []string, target string) bool {
	for _, id := range ids {
		if id == target {
			return true
		}
	}
	return false
}

// removeID returns ids with every occurrence of target removed, reusing
// the backing array.
func removeID(ids []string, target string) []string {
	out := ids[:0]
	for _, id := range ids {
		if id != target {
			out = append(out, id)
		}
	}
	return out
}

func (m *Manager) notifyIfDrained(st *state) {
	if st.pending > 0 {
		return
	}
	for _, ch := range st.waitDone {
		close(ch)
	}
	st.waitDone = nil
}

// Submit enqueues parameters as a new run tagged with the driver's opaque
// batch groupID and returns the assigned run ID. It never blocks on
// dispatch.
func (m *Manager) Submit(parameters vector.Vector, groupID int32) (int32, error) {
	type result struct {
		id int32
	}
	res := make(chan result, 1)
	select {
	case m.mailbox <- func(st *state) {
		st.nextRunID++
		id := st.nextRunID
		run := &Run{ID: id, GroupID: groupID, Parameters: parameters, State: RunQueued}
		st.runs[id] = run
		st.queue = append(st.queue, run)
		st.pending++
		res <- result{id: id}
	}:
	case <-m.stopped:
		return 0, ErrManagerStopped
	}
	return (<-res).id, nil
}

// PollComplete returns every run that has reached a final state since the
// last call, without blocking.
func (m *Manager) PollComplete() []RunOutcome {
	return m.board.Drain()
}

// NumFailed returns runID's attempt count, for the driver's retry
// bookkeeping.
func (m *Manager) NumFailed(runID int32) (int, error) {
	type result struct {
		attempts int
		err      error
	}
	res := make(chan result, 1)
	select {
	case m.mailbox <- func(st *state) {
		run := st.runs[runID]
		if run == nil {
			res <- result{err: ErrUnknownRun}
			return
		}
		res <- result{attempts: run.Attempts}
	}:
	case <-m.stopped:
		return 0, ErrManagerStopped
	}
	r := <-res
	return r.attempts, r.err
}

// WaitAll blocks until every submitted run has reached a final state, or
// ctx is done.
func (m *Manager) WaitAll(ctx context.Context) error {
	done := make(chan struct{})
	select {
	case m.mailbox <- func(st *state) {
		if st.pending == 0 {
			close(done)
			return
		}
		st.waitDone = append(st.waitDone, done)
	}:
	case <-m.stopped:
		return ErrManagerStopped
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-m.stopped:
		return ErrManagerStopped
	}
}

// Cancel requests that runID be abandoned: removed from the queue if not
// yet dispatched, or sent REQ_KILL if a worker is running it.
func (m *Manager) Cancel(runID int32) error {
	errc := make(chan error, 1)
	select {
	case m.mailbox <- func(st *state) {
		run := st.runs[runID]
		if run == nil {
			errc <- ErrUnknownRun
			return
		}
		switch run.State {
		case RunQueued:
			for i, r := range st.queue {
				if r.ID == runID {
					st.queue = append(st.queue[:i], st.queue[i+1:]...)
					break
				}
			}
			run.State = RunCancelled
			st.pending--
			m.board.Record(RunOutcome{RunID: run.ID, State: RunCancelled, Attempts: run.Attempts})
			m.notifyIfDrained(st)
		case RunDispatched:
			run.CancelRequested = true
			if run.KillRequestedAt.IsZero() {
				run.KillRequestedAt = time.Now()
			}
			for _, workerID := range run.Workers {
				if wh := st.workers[workerID]; wh != nil {
					wh.sess.Send(wire.NewFrame(wire.ReqKill, run.GroupID, run.ID, nil))
				}
			}
		}
		errc <- nil
	}:
	case <-m.stopped:
		return ErrManagerStopped
	}
	return <-errc
}

// Shutdown sends TERMINATE to every connected worker, waits (bounded by
// ctx) for their acknowledgements, and closes the listener. TERMINATE is
// sent from the dispatch loop itself (the sole writer of any Session), so
// this never races the loop's own Send calls; draining the acknowledgements
// is done by polling the loop's worker count rather than reading sockets
// directly, since each Session's reads belong to its own connection's
// reader goroutine.
func (m *Manager) Shutdown(ctx context.Context) error {
	if m.listener != nil {
		m.listener.Close()
	}

	sent := make(chan struct{})
	select {
	case m.mailbox <- func(st *state) {
		for _, wh := range st.workers {
			wh.sess.Send(wire.NewFrame(wire.Terminate, 0, 0, nil))
		}
		close(sent)
	}:
	case <-m.stopped:
		return nil
	}
	select {
	case <-sent:
	case <-ctx.Done():
	}

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		remaining := make(chan int, 1)
		select {
		case m.mailbox <- func(st *state) { remaining <- len(st.workers) }:
		case <-m.stopped:
			return nil
		}
		if n := <-remaining; n == 0 {
			break
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			goto drainTimedOut
		}
	}

drainTimedOut:
	close(m.stopC)

	groupDone := make(chan error, 1)
	go func() { groupDone <- m.group.Wait() }()

	select {
	case err := <-groupDone:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
