// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package master

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/anvil-labs/panther/config"
	"github.com/anvil-labs/panther/schema"
	"github.com/anvil-labs/panther/transport"
	"github.com/anvil-labs/panther/vector"
	"github.com/anvil-labs/panther/wire"
)

// fakeWorker is a hand-driven worker connection used to exercise the
// master's scheduling behavior without a real worker agent.
type fakeWorker struct {
	t    *testing.T
	sess *transport.Session
}

func dialFakeWorker(t *testing.T, addr string) *fakeWorker {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	sess := transport.New(conn, transport.DefaultConfig())
	return &fakeWorker{t: t, sess: sess}
}

// handshake drives a fakeWorker through SCHEMA_WAIT and leaves it READY.
func (w *fakeWorker) handshake(numPars, numObs int) {
	w.t.Helper()
	req := w.recv(5 * time.Second)
	require.Equal(w.t, wire.ReqRunDir, req.Type)
	require.NoError(w.t, w.sess.Send(wire.Frame{Type: wire.RunDir, Desc: "/tmp/panther-fake-worker"}))

	havePar, haveObs := false, false
	for !havePar || !haveObs {
		f, outcome, err := w.sess.Receive(5 * time.Second)
		require.NoError(w.t, err)
		require.Equal(w.t, transport.Message, outcome)
		switch f.Type {
		case wire.ParNames:
			names, err := vector.DecodeNames(f.Payload)
			require.NoError(w.t, err)
			require.Len(w.t, names, numPars)
			havePar = true
		case wire.ObsNames:
			names, err := vector.DecodeNames(f.Payload)
			require.NoError(w.t, err)
			require.Len(w.t, names, numObs)
			haveObs = true
		case wire.ReqLinpack:
			require.NoError(w.t, w.sess.Send(wire.NewFrame(wire.Linpack, 0, 0, vector.EncodeValues([]float64{0.01}))))
		default:
			w.t.Fatalf("unexpected frame %s during handshake", f.Type)
		}
	}
	require.NoError(w.t, w.sess.Send(wire.NewFrame(wire.Ready, 0, 0, nil)))
}

func (w *fakeWorker) recv(timeout time.Duration) wire.Frame {
	w.t.Helper()
	f, outcome, err := w.sess.Receive(timeout)
	require.NoError(w.t, err)
	require.Equal(w.t, transport.Message, outcome)
	return f
}

func testControlFile() *schema.ControlFile {
	return &schema.ControlFile{
		Parameters: []schema.Parameter{
			{Name: "hk1", Transform: "log", ChangeLimit: schema.ChangeLimitFactor, Initial: 1, LowerBound: 0.1, UpperBound: 10},
		},
		ParameterIndex: map[string]int{"hk1": 0},
		Observations:   []schema.Observation{{Name: "h1", Value: 10, Weight: 1}},
		Numerical:      schema.NumericalControls{NOPTMAX: 20, MaxRunFail: 3},
	}
}

func startTestManager(t *testing.T, cfg config.Config) *Manager {
	t.Helper()
	m := NewManager("127.0.0.1:0", cfg, testControlFile())
	require.NoError(t, m.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		m.Shutdown(ctx)
	})
	return m
}

// Happy path: one worker, one run completes with its observations and
// reported duration.
func TestManagerHappyPathSingleRun(t *testing.T) {
	cfg := config.Default()
	m := startTestManager(t, cfg)

	w := dialFakeWorker(t, m.Addr())
	w.handshake(1, 1)

	runID, err := m.Submit(vector.Vector{Names: []string{"hk1"}, Values: []float64{2.0}}, 0)
	require.NoError(t, err)

	start := w.recv(5 * time.Second)
	require.Equal(t, wire.StartRun, start.Type)
	require.Equal(t, runID, start.RunID)

	payload := vector.EncodeRunFinishedPayload([]float64{2.0}, []float64{11.0}, 0.5)
	require.NoError(t, w.sess.Send(wire.NewFrame(wire.RunFinished, start.GroupID, start.RunID, payload)))
	require.NoError(t, w.sess.Send(wire.NewFrame(wire.Ready, 0, 0, nil)))

	require.NoError(t, m.WaitAll(context.Background()))
	outcomes := m.PollComplete()
	require.Len(t, outcomes, 1)
	require.Equal(t, RunCompleted, outcomes[0].State)
	require.Equal(t, []float64{11.0}, outcomes[0].Observations.Values)
	require.Equal(t, 0.5, outcomes[0].DurationSeconds)
}

// A failing run is retried up to MaxRunFail before being recorded failed.
func TestManagerRetriesFailedRunUpToLimit(t *testing.T) {
	cfg := config.Default()
	m := startTestManager(t, cfg)

	w := dialFakeWorker(t, m.Addr())
	w.handshake(1, 1)

	runID, err := m.Submit(vector.Vector{Names: []string{"hk1"}, Values: []float64{2.0}}, 0)
	require.NoError(t, err)

	for attempt := 1; attempt <= 3; attempt++ {
		start := w.recv(5 * time.Second)
		require.Equal(t, wire.StartRun, start.Type)
		require.Equal(t, runID, start.RunID)
		require.NoError(t, w.sess.Send(wire.NewFrame(wire.RunFailed, start.GroupID, start.RunID, nil)))
		require.NoError(t, w.sess.Send(wire.NewFrame(wire.Ready, 0, 0, nil)))
	}

	require.NoError(t, m.WaitAll(context.Background()))
	outcomes := m.PollComplete()
	require.Len(t, outcomes, 1)
	require.Equal(t, RunFailed, outcomes[0].State)
	require.Equal(t, 3, outcomes[0].Attempts)

	attempts, err := m.NumFailed(runID)
	require.NoError(t, err)
	require.Equal(t, 3, attempts)
}

// A worker that disappears mid-run has its run requeued and completed
// by a second worker.
func TestManagerRequeuesRunWhenWorkerIsLost(t *testing.T) {
	cfg := config.Default()
	m := startTestManager(t, cfg)

	w1 := dialFakeWorker(t, m.Addr())
	w1.handshake(1, 1)

	runID, err := m.Submit(vector.Vector{Names: []string{"hk1"}, Values: []float64{2.0}}, 0)
	require.NoError(t, err)

	start := w1.recv(5 * time.Second)
	require.Equal(t, runID, start.RunID)
	require.NoError(t, w1.sess.Close()) // simulate worker loss mid-run

	w2 := dialFakeWorker(t, m.Addr())
	w2.handshake(1, 1)

	start2 := w2.recv(5 * time.Second)
	require.Equal(t, runID, start2.RunID)
	payload := vector.EncodeRunFinishedPayload([]float64{2.0}, []float64{9.0}, 0.1)
	require.NoError(t, w2.sess.Send(wire.NewFrame(wire.RunFinished, start2.GroupID, start2.RunID, payload)))
	require.NoError(t, w2.sess.Send(wire.NewFrame(wire.Ready, 0, 0, nil)))

	require.NoError(t, m.WaitAll(context.Background()))
	outcomes := m.PollComplete()
	require.Len(t, outcomes, 1)
	require.Equal(t, RunCompleted, outcomes[0].State)
}

// A worker sending an out-of-protocol frame is disconnected and its run
// requeued rather than the manager crashing or hanging.
func TestManagerDisconnectsWorkerOnProtocolViolation(t *testing.T) {
	cfg := config.Default()
	m := startTestManager(t, cfg)

	w1 := dialFakeWorker(t, m.Addr())
	w1.handshake(1, 1)

	runID, err := m.Submit(vector.Vector{Names: []string{"hk1"}, Values: []float64{2.0}}, 0)
	require.NoError(t, err)

	start := w1.recv(5 * time.Second)
	require.Equal(t, runID, start.RunID)

	// RUNDIR is only valid during the handshake; mid-run it is a protocol
	// violation and the connection is dropped.
	require.NoError(t, w1.sess.Send(wire.NewFrame(wire.RunDir, 0, 0, nil)))

	w2 := dialFakeWorker(t, m.Addr())
	w2.handshake(1, 1)
	start2 := w2.recv(5 * time.Second)
	require.Equal(t, runID, start2.RunID)
	require.NoError(t, w2.sess.Send(wire.NewFrame(wire.RunKilled, start2.GroupID, start2.RunID, nil)))
	require.NoError(t, w2.sess.Send(wire.NewFrame(wire.Ready, 0, 0, nil)))

	require.NoError(t, m.WaitAll(context.Background()))
}

// Shutdown sends TERMINATE to connected workers and returns once they
// acknowledge.
func TestManagerShutdownTerminatesWorkers(t *testing.T) {
	cfg := config.Default()
	m := NewManager("127.0.0.1:0", cfg, testControlFile())
	require.NoError(t, m.Start())

	w := dialFakeWorker(t, m.Addr())
	w.handshake(1, 1)

	shutdownDone := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		shutdownDone <- m.Shutdown(ctx)
	}()

	term := w.recv(5 * time.Second)
	require.Equal(t, wire.Terminate, term.Type)
	require.NoError(t, w.sess.Send(wire.NewFrame(wire.Terminate, 0, 0, nil)))

	select {
	case err := <-shutdownDone:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Shutdown did not return after worker acknowledged TERMINATE")
	}
}

// Cancelling a still-queued run marks it CANCELLED without ever dispatching
// it, and a repeated Cancel call is a no-op.
func TestManagerCancelQueuedRunIsCancelledAndIdempotent(t *testing.T) {
	cfg := config.Default()
	m := startTestManager(t, cfg)

	// No worker connects, so the run stays QUEUED until cancelled.
	runID, err := m.Submit(vector.Vector{Names: []string{"hk1"}, Values: []float64{2.0}}, 0)
	require.NoError(t, err)

	require.NoError(t, m.Cancel(runID))
	require.NoError(t, m.Cancel(runID)) // idempotent

	require.NoError(t, m.WaitAll(context.Background()))
	outcomes := m.PollComplete()
	require.Len(t, outcomes, 1)
	require.Equal(t, RunCancelled, outcomes[0].State)
}

// Cancelling a DISPATCHED run whose worker then disappears before
// confirming the kill resolves the run as CANCELLED rather than silently
// requeueing it for another attempt: cancellation is terminal once
// requested.
func TestManagerCancelDispatchedRunSurvivesWorkerLoss(t *testing.T) {
	cfg := config.Default()
	m := startTestManager(t, cfg)

	w := dialFakeWorker(t, m.Addr())
	w.handshake(1, 1)

	runID, err := m.Submit(vector.Vector{Names: []string{"hk1"}, Values: []float64{2.0}}, 0)
	require.NoError(t, err)

	start := w.recv(5 * time.Second)
	require.Equal(t, runID, start.RunID)

	require.NoError(t, m.Cancel(runID))
	kill := w.recv(5 * time.Second)
	require.Equal(t, wire.ReqKill, kill.Type)

	require.NoError(t, w.sess.Close()) // worker vanishes before RUN_KILLED

	require.NoError(t, m.WaitAll(context.Background()))
	outcomes := m.PollComplete()
	require.Len(t, outcomes, 1)
	require.Equal(t, RunCancelled, outcomes[0].State)
}

// Speculative dispatch: an overdue run with an idle worker available gets a
// duplicate dispatch; the worker that reports first wins, the loser is
// kill-requested, and its eventual report is discarded rather than
// corrupting the already-finalized run.
func TestManagerSpeculativeDispatchFirstReportWins(t *testing.T) {
	cfg := config.Default()
	cfg.SpeculativeDispatch = true
	cfg.OverdueGiveupMinutes = 0.05 / 60 // ~50ms
	m := startTestManager(t, cfg)

	slow := dialFakeWorker(t, m.Addr())
	slow.handshake(1, 1)

	runID, err := m.Submit(vector.Vector{Names: []string{"hk1"}, Values: []float64{2.0}}, 0)
	require.NoError(t, err)

	start := slow.recv(5 * time.Second)
	require.Equal(t, runID, start.RunID)

	// The spare worker connects only after the first dispatch, so it is
	// idle and available once the run goes overdue.
	fast := dialFakeWorker(t, m.Addr())
	fast.handshake(1, 1)

	dup := fast.recv(5 * time.Second)
	require.Equal(t, wire.StartRun, dup.Type)
	require.Equal(t, runID, dup.RunID)

	payload := vector.EncodeRunFinishedPayload([]float64{2.0}, []float64{7.0}, 0.2)
	require.NoError(t, fast.sess.Send(wire.NewFrame(wire.RunFinished, dup.GroupID, dup.RunID, payload)))
	require.NoError(t, fast.sess.Send(wire.NewFrame(wire.Ready, 0, 0, nil)))

	// The loser is sent REQ_KILL once the winner's report lands.
	kill := slow.recv(5 * time.Second)
	require.Equal(t, wire.ReqKill, kill.Type)
	require.Equal(t, runID, kill.RunID)
	require.NoError(t, slow.sess.Send(wire.NewFrame(wire.RunFinished, start.GroupID, start.RunID,
		vector.EncodeRunFinishedPayload([]float64{2.0}, []float64{99.0}, 9.9))))
	require.NoError(t, slow.sess.Send(wire.NewFrame(wire.Ready, 0, 0, nil)))

	require.NoError(t, m.WaitAll(context.Background()))
	outcomes := m.PollComplete()
	require.Len(t, outcomes, 1)
	require.Equal(t, RunCompleted, outcomes[0].State)
	require.Equal(t, []float64{7.0}, outcomes[0].Observations.Values)
}

// A run exceeding its per-run timeout is sent REQ_KILL and ends KILLED
// once the worker confirms.
func TestManagerKillsRunExceedingDeadline(t *testing.T) {
	cfg := config.Default()
	cfg.PerRunTimeoutSeconds = 0.05
	m := startTestManager(t, cfg)

	w := dialFakeWorker(t, m.Addr())
	w.handshake(1, 1)

	runID, err := m.Submit(vector.Vector{Names: []string{"hk1"}, Values: []float64{2.0}}, 0)
	require.NoError(t, err)

	start := w.recv(5 * time.Second)
	require.Equal(t, runID, start.RunID)

	kill := w.recv(5 * time.Second)
	require.Equal(t, wire.ReqKill, kill.Type)

	require.NoError(t, w.sess.Send(wire.NewFrame(wire.RunKilled, kill.GroupID, kill.RunID, nil)))
	require.NoError(t, w.sess.Send(wire.NewFrame(wire.Ready, 0, 0, nil)))

	require.NoError(t, m.WaitAll(context.Background()))
	outcomes := m.PollComplete()
	require.Len(t, outcomes, 1)
	require.Equal(t, RunKilled, outcomes[0].State)
}

// A worker that never confirms REQ_KILL within the grace window is demoted
// to LOST and its run is retried on another worker.
func TestManagerDemotesWorkerMissingKillGrace(t *testing.T) {
	cfg := config.Default()
	cfg.PerRunTimeoutSeconds = 0.05
	cfg.PingGraceSeconds = 0.1
	m := startTestManager(t, cfg)

	stuck := dialFakeWorker(t, m.Addr())
	stuck.handshake(1, 1)

	runID, err := m.Submit(vector.Vector{Names: []string{"hk1"}, Values: []float64{2.0}}, 0)
	require.NoError(t, err)

	start := stuck.recv(5 * time.Second)
	require.Equal(t, runID, start.RunID)

	kill := stuck.recv(5 * time.Second)
	require.Equal(t, wire.ReqKill, kill.Type)
	// The stuck worker ignores the kill request entirely.

	spare := dialFakeWorker(t, m.Addr())
	spare.handshake(1, 1)

	start2 := spare.recv(10 * time.Second)
	require.Equal(t, wire.StartRun, start2.Type)
	require.Equal(t, runID, start2.RunID)

	payload := vector.EncodeRunFinishedPayload([]float64{2.0}, []float64{3.0}, 0.1)
	require.NoError(t, spare.sess.Send(wire.NewFrame(wire.RunFinished, start2.GroupID, start2.RunID, payload)))
	require.NoError(t, spare.sess.Send(wire.NewFrame(wire.Ready, 0, 0, nil)))

	require.NoError(t, m.WaitAll(context.Background()))
	outcomes := m.PollComplete()
	require.Len(t, outcomes, 1)
	require.Equal(t, RunCompleted, outcomes[0].State)
	require.Equal(t, 2, outcomes[0].Attempts)
}
