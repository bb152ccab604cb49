// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

// Package transport wraps a single TCP connection with the protocol's
// send/receive discipline: soft-failure retry counters, a poll-style
// timeout on receive, and explicit detection of an orderly peer close. It
// never interprets frame payloads.
package transport

import (
	"errors"
	"io"
	"net"
	"time"

	"github.com/anvil-labs/panther/wire"
)

// Outcome classifies the result of a Receive call.
type Outcome int

const (
	// Message indicates a frame was read successfully.
	Message Outcome = iota
	// Timeout indicates the poll window expired with nothing to read.
	Timeout
	// Corrupt indicates the frame failed to decode: its header declared a
	// payload length over the ceiling (a negative length included). The
	// frame type is not checked here.
	Corrupt
	// Lost indicates the peer closed the connection or a fatal I/O error
	// occurred; the session should be considered dead.
	Lost
)

// ErrConnectionClosed is surfaced when a zero-byte read after a readable
// socket indicates an orderly peer close.
var ErrConnectionClosed = errors.New("transport: connection closed by peer")

// Session owns a single TCP connection and its soft-failure budget.
type Session struct {
	conn         net.Conn
	remote       string
	maxRecvFails int
	maxSendFails int
	recvFails    int
	sendFails    int
	payloadCeil  int64
}

// Config bounds a Session's retry and payload-size behavior.
type Config struct {
	MaxRecvFails        int
	MaxSendFails        int
	PayloadCeilingBytes int64
}

// DefaultConfig returns conservative defaults.
func DefaultConfig() Config {
	return Config{
		MaxRecvFails:        3,
		MaxSendFails:        3,
		PayloadCeilingBytes: wire.DefaultPayloadCeiling,
	}
}

// New wraps conn in a Session using cfg's retry/ceiling bounds.
func New(conn net.Conn, cfg Config) *Session {
	if cfg.MaxRecvFails <= 0 {
		cfg.MaxRecvFails = DefaultConfig().MaxRecvFails
	}
	if cfg.MaxSendFails <= 0 {
		cfg.MaxSendFails = DefaultConfig().MaxSendFails
	}
	if cfg.PayloadCeilingBytes <= 0 {
		cfg.PayloadCeilingBytes = wire.DefaultPayloadCeiling
	}
	return &Session{
		conn:         conn,
		remote:       conn.RemoteAddr().String(),
		maxRecvFails: cfg.MaxRecvFails,
		maxSendFails: cfg.MaxSendFails,
		payloadCeil:  cfg.PayloadCeilingBytes,
	}
}

// RemoteEndpoint returns the remote address string captured at connect time.
func (s *Session) RemoteEndpoint() string { return s.remote }

// Close closes the underlying connection.
func (s *Session) Close() error { return s.conn.Close() }

// Send encodes and writes f, retrying transient write errors up to
// maxSendFails times before giving up and returning the last error. Once
// that budget is spent, later calls write nothing and return an error.
func (s *Session) Send(f wire.Frame) error {
	buf, err := wire.Encode(f)
	if err != nil {
		return err
	}

	lastErr := errors.New("transport: exceeded max send failures")
	for s.sendFails < s.maxSendFails {
		if _, err := s.conn.Write(buf); err != nil {
			s.sendFails++
			lastErr = err
			continue
		}
		s.sendFails = 0
		return nil
	}
	return lastErr
}

// Receive blocks for up to timeout waiting for one frame. A zero timeout
// blocks indefinitely (no deadline is set). It returns one of Message,
// Timeout, Corrupt, or Lost; payloads are never interpreted here.
func (s *Session) Receive(timeout time.Duration) (wire.Frame, Outcome, error) {
	for s.recvFails < s.maxRecvFails {
		if timeout > 0 {
			if err := s.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
				return wire.Frame{}, Lost, err
			}
		} else {
			if err := s.conn.SetReadDeadline(time.Time{}); err != nil {
				return wire.Frame{}, Lost, err
			}
		}

		f, err := wire.Decode(s.conn, s.payloadCeil)
		if err == nil {
			s.recvFails = 0
			return f, Message, nil
		}

		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return wire.Frame{}, Timeout, nil
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return wire.Frame{}, Lost, ErrConnectionClosed
		}
		if errors.Is(err, wire.ErrPayloadTooLarge) {
			return wire.Frame{}, Corrupt, err
		}

		// Any other decode error counts as a soft failure; retry up to the
		// configured budget before declaring the peer lost.
		s.recvFails++
		if s.recvFails >= s.maxRecvFails {
			return wire.Frame{}, Lost, err
		}
	}
	return wire.Frame{}, Lost, errors.New("transport: exceeded max receive failures")
}
