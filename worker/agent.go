// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

// Package worker implements the Panther worker agent: connect to a master,
// negotiate the parameter/observation schema, then loop accepting runs
// until told to terminate. The state machine is
// DISCONNECTED -> CONNECTING -> SCHEMA_WAIT -> READY <-> RUNNING ->
// (READY | TERMINATING).
package worker

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/anvil-labs/panther/clog"
	"github.com/anvil-labs/panther/config"
	"github.com/anvil-labs/panther/modelif"
	"github.com/anvil-labs/panther/transport"
	"github.com/anvil-labs/panther/vector"
	"github.com/anvil-labs/panther/wire"
)

// socketPollInterval is how often the agent polls its socket for control
// frames while a model run is in flight.
const socketPollInterval = 100 * time.Millisecond

// State is the agent's externally observable lifecycle state.
type State int

const (
	Disconnected State = iota
	Connecting
	SchemaWait
	Ready
	Running
	Terminating
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "CONNECTING"
	case SchemaWait:
		return "SCHEMA_WAIT"
	case Ready:
		return "READY"
	case Running:
		return "RUNNING"
	case Terminating:
		return "TERMINATING"
	default:
		return "DISCONNECTED"
	}
}

// ErrProtocolViolation is returned when the master sends a frame type the
// agent's current state does not accept.
var ErrProtocolViolation = errors.New("worker: protocol violation")

// ModelFactory builds the modelif.Interface runs should execute, given
// the agent's run directory. Supplied by the caller because the model
// interface is derived from the control file the worker loaded locally.
type ModelFactory func(runDir string) (*modelif.Interface, error)

// Agent is one worker's connection to a master and its run loop.
type Agent struct {
	masterAddr string
	cfg        config.Config
	newModel   ModelFactory
	log        *clog.CLogger

	state   State
	groupID int32

	parNames []string
	obsNames []string
}

// New builds an Agent that will dial masterAddr and build model interfaces
// via newModel.
func New(masterAddr string, cfg config.Config, newModel ModelFactory) *Agent {
	return &Agent{
		masterAddr: masterAddr,
		cfg:        cfg,
		newModel:   newModel,
		log:        clog.New("worker %s: ", masterAddr),
		state:      Disconnected,
	}
}

// State returns the agent's current lifecycle state.
func (a *Agent) State() State { return a.state }

// Run drives the agent until the master sends TERMINATE, the master commits
// a protocol violation, or stop is closed; a failed or lost connection is
// redialed with backoff indefinitely. It returns nil on a clean TERMINATE or
// when stop is closed, and an error wrapping ErrProtocolViolation otherwise.
func (a *Agent) Run(stop <-chan struct{}) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = a.cfg.WorkerPollInterval()
	bo.MaxInterval = a.cfg.WorkerPollMaxInterval()
	bo.MaxElapsedTime = 0 // retry indefinitely; only stop or TERMINATE ends the loop

	for {
		select {
		case <-stop:
			return nil
		default:
		}

		a.state = Connecting
		sess, err := a.connect()
		if err != nil {
			wait := bo.NextBackOff()
			if wait == backoff.Stop {
				return fmt.Errorf("worker: giving up reconnecting to %s: %w", a.masterAddr, err)
			}
			a.log.Printf("connect to %s failed: %v, retrying in %s", a.masterAddr, err, wait)
			select {
			case <-time.After(wait):
				continue
			case <-stop:
				return nil
			}
		}
		bo.Reset()

		err = a.serve(sess, stop)
		sess.Close()
		if errors.Is(err, errTerminated) {
			return nil
		}
		if errors.Is(err, ErrProtocolViolation) {
			return err
		}
		if err != nil {
			a.log.Printf("session with %s ended: %v, reconnecting", a.masterAddr, err)
		}
	}
}

func (a *Agent) connect() (*transport.Session, error) {
	conn, err := net.DialTimeout("tcp", a.masterAddr, 10*time.Second)
	if err != nil {
		return nil, err
	}
	return transport.New(conn, transport.Config{
		MaxRecvFails:        a.cfg.MaxRecvFails,
		MaxSendFails:        a.cfg.MaxSendFails,
		PayloadCeilingBytes: a.cfg.PayloadCeilingBytes,
	}), nil
}

// errTerminated signals a clean TERMINATE exit out of serve.
var errTerminated = errors.New("worker: terminated by master")

// serve drives one connection through SCHEMA_WAIT, then the READY/RUNNING
// loop, until the connection breaks or the master terminates the agent.
func (a *Agent) serve(sess *transport.Session, stop <-chan struct{}) error {
	runDir, err := a.negotiateSchema(sess)
	if err != nil {
		return err
	}

	model, err := a.newModel(runDir)
	if err != nil {
		return fmt.Errorf("worker: building model interface: %w", err)
	}
	if err := model.CheckIOAccess(); err != nil {
		return fmt.Errorf("worker: model interface not usable: %w", err)
	}

	for {
		// Entering READY: announced exactly once per idle period, after
		// the handshake and after every reported run outcome.
		a.state = Ready
		if err := sess.Send(wire.NewFrame(wire.Ready, a.groupID, 0, nil)); err != nil {
			return err
		}

	waitStart:
		for {
			select {
			case <-stop:
				return nil
			default:
			}

			f, outcome, err := sess.Receive(time.Second)
			switch outcome {
			case transport.Timeout:
				continue
			case transport.Corrupt:
				sess.Send(wire.NewFrame(wire.CorruptMesg, 0, 0, nil))
				return fmt.Errorf("worker: %v", err)
			case transport.Lost:
				return fmt.Errorf("worker: %v", err)
			}

			switch f.Type {
			case wire.Ping:
				if err := sess.Send(wire.NewFrame(wire.Ping, f.GroupID, f.RunID, nil)); err != nil {
					return err
				}
			case wire.Terminate:
				sess.Send(wire.NewFrame(wire.Terminate, f.GroupID, f.RunID, nil))
				return errTerminated
			case wire.ReqKill:
				// Nothing running; a kill request while READY is a no-op ack.
				if err := sess.Send(wire.NewFrame(wire.RunKilled, f.GroupID, f.RunID, nil)); err != nil {
					return err
				}
			case wire.StartRun:
				if err := a.runOnce(sess, model, f); err != nil {
					return err
				}
				break waitStart
			default:
				return fmt.Errorf("%w: unexpected %s frame while READY", ErrProtocolViolation, f.Type)
			}
		}
	}
}

// negotiateSchema implements the SCHEMA_WAIT state: answer the master's
// REQ_RUNDIR with this agent's absolute sandbox directory, then collect
// PAR_NAMES and OBS_NAMES in either order, answering any REQ_LINPACK along
// the way.
func (a *Agent) negotiateSchema(sess *transport.Session) (string, error) {
	a.state = SchemaWait

	runDir, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("worker: resolving working directory: %w", err)
	}

	sentRunDir, havePar, haveObs := false, false, false

	for !sentRunDir || !havePar || !haveObs {
		f, outcome, err := sess.Receive(0)
		switch outcome {
		case transport.Lost, transport.Corrupt:
			return "", fmt.Errorf("worker: schema negotiation: %v", err)
		case transport.Timeout:
			continue
		}

		switch f.Type {
		case wire.ReqRunDir:
			if err := sess.Send(wire.Frame{Type: wire.RunDir, Desc: runDir}); err != nil {
				return "", err
			}
			sentRunDir = true
		case wire.ParNames:
			names, err := decodeSafeNames(f.Payload)
			if err != nil {
				return "", fmt.Errorf("worker: decoding PAR_NAMES: %w", err)
			}
			a.parNames = names
			havePar = true
		case wire.ObsNames:
			names, err := decodeSafeNames(f.Payload)
			if err != nil {
				return "", fmt.Errorf("worker: decoding OBS_NAMES: %w", err)
			}
			a.obsNames = names
			haveObs = true
		case wire.ReqLinpack:
			v := runLinpackBenchmark()
			if err := sess.Send(wire.NewFrame(wire.Linpack, f.GroupID, f.RunID, vector.EncodeValues([]float64{v}))); err != nil {
				return "", err
			}
		default:
			return "", fmt.Errorf("%w: unexpected %s frame during schema negotiation", ErrProtocolViolation, f.Type)
		}
	}

	return runDir, nil
}

// decodeSafeNames unserializes a schema name list, rejecting names that
// are empty or contain whitespace, non-printable or non-ASCII bytes.
func decodeSafeNames(payload []byte) ([]string, error) {
	names, err := vector.DecodeNames(payload)
	if err != nil {
		return nil, err
	}
	for _, n := range names {
		if n == "" {
			return nil, errors.New("empty name in schema list")
		}
		for i := 0; i < len(n); i++ {
			if n[i] < 0x21 || n[i] > 0x7e {
				return nil, fmt.Errorf("name %q contains unsafe byte 0x%02x", n, n[i])
			}
		}
	}
	return names, nil
}

// runOnce executes one model run to completion, reporting exactly one of
// RUN_FINISHED, RUN_FAILED, RUN_KILLED, or returning errTerminated/an error
// if the master interjects a TERMINATE or sends an invalid frame.
func (a *Agent) runOnce(sess *transport.Session, model *modelif.Interface, start wire.Frame) error {
	a.state = Running
	a.groupID = start.GroupID

	parameters, err := vector.DecodeValues(start.Payload, len(a.parNames))
	if err != nil {
		return fmt.Errorf("worker: decoding START_RUN payload: %w", err)
	}
	pv := vector.Vector{Names: a.parNames, Values: parameters}

	cancel := &modelif.CancelFlag{}
	done := make(chan runResult, 1)
	startedAt := time.Now()

	go func() {
		// Any fault in the model pipeline, including a panic, must surface
		// as RUN_FAILED rather than taking the agent process down.
		defer func() {
			if r := recover(); r != nil {
				done <- runResult{err: fmt.Errorf("model pipeline panic: %v", r)}
			}
		}()
		obs, err := model.Run(pv, a.obsNames, cancel)
		done <- runResult{obs: obs, err: err}
	}()

	killedByMaster := false

	for {
		select {
		case res := <-done:
			a.state = Ready
			return a.reportOutcome(sess, start, res, time.Since(startedAt).Seconds(), killedByMaster)
		default:
		}

		f, outcome, err := sess.Receive(socketPollInterval)
		switch outcome {
		case transport.Timeout:
			continue
		case transport.Corrupt:
			sess.Send(wire.NewFrame(wire.CorruptMesg, start.GroupID, start.RunID, nil))
			cancel.Set()
			<-done
			return fmt.Errorf("worker: %v", err)
		case transport.Lost:
			cancel.Set()
			<-done
			return fmt.Errorf("worker: %v", err)
		}

		switch f.Type {
		case wire.Ping:
			if err := sess.Send(wire.NewFrame(wire.Ping, f.GroupID, f.RunID, nil)); err != nil {
				cancel.Set()
				<-done
				return err
			}
		case wire.ReqKill:
			cancel.Set()
			killedByMaster = true
		case wire.Terminate:
			cancel.Set()
			res := <-done
			_ = res
			sess.Send(wire.NewFrame(wire.Terminate, f.GroupID, f.RunID, nil))
			return errTerminated
		default:
			cancel.Set()
			<-done
			return fmt.Errorf("%w: unexpected %s frame while RUNNING", ErrProtocolViolation, f.Type)
		}
	}
}

type runResult struct {
	obs vector.Vector
	err error
}

func (a *Agent) reportOutcome(sess *transport.Session, start wire.Frame, res runResult, durationSeconds float64, killedByMaster bool) error {
	if killedByMaster || errors.Is(res.err, modelif.ErrCancelled) {
		return sess.Send(wire.NewFrame(wire.RunKilled, start.GroupID, start.RunID, nil))
	}
	if res.err != nil {
		a.log.Printf("run %d failed: %v", start.RunID, res.err)
		return sess.Send(wire.NewFrame(wire.RunFailed, start.GroupID, start.RunID, nil))
	}

	parameters, err := vector.DecodeValues(start.Payload, len(a.parNames))
	if err != nil {
		return sess.Send(wire.NewFrame(wire.RunFailed, start.GroupID, start.RunID, nil))
	}
	payload := vector.EncodeRunFinishedPayload(parameters, res.obs.Values, durationSeconds)
	return sess.Send(wire.NewFrame(wire.RunFinished, start.GroupID, start.RunID, payload))
}
