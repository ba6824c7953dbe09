// EBB command framing
//
// The EBB speaks a line protocol: CR-terminated commands, CR/LF
// terminated replies, possibly multi-line, with mutation commands
// finishing on an "OK" line and errors prefixed with "!". The firmware
// is single threaded per port, so the connection serialises commands:
// at most one request is outstanding, and a background reader owns the
// receive side and feeds complete lines to the pending request's reply
// state machine.
//
// Copyright (C) 2026  AxiDraw Go Authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package ebb

import (
	"bufio"
	"io"
	"strings"
	"sync"
	"time"

	"axidraw-go/pkg/errors"
	"axidraw-go/pkg/log"
)

// replyMode selects the reply state machine for a request.
type replyMode int

const (
	// awaitOne resolves after a single reply line. Used for queries.
	awaitOne replyMode = iota

	// awaitUntilOK collects lines until an "OK" line arrives. Used for
	// mutation commands.
	awaitUntilOK
)

// request is one in-flight command and its reply accumulator.
type request struct {
	cmd   string
	mode  replyMode
	lines []string
	done  chan error
}

// Conn is a line-framed connection to an EBB. It owns the read side of
// the transport for its lifetime.
type Conn struct {
	mu sync.Mutex // serialises command; one outstanding request

	rw io.ReadWriteCloser

	pendingMu sync.Mutex
	pending   []*request

	closeOnce sync.Once
	closedErr error
	closed    chan struct{}

	// Timeout waiting for a complete reply. The EBB replies within a
	// few milliseconds; a stalled reply means a wedged port.
	replyTimeout time.Duration

	logger *log.Logger
}

// DefaultReplyTimeout bounds the wait for an EBB reply.
const DefaultReplyTimeout = 5 * time.Second

// NewConn wraps a byte transport in a line-framed EBB connection and
// starts the background reader.
func NewConn(rw io.ReadWriteCloser) *Conn {
	c := &Conn{
		rw:           rw,
		closed:       make(chan struct{}),
		replyTimeout: DefaultReplyTimeout,
		logger:       log.GetLogger("ebb"),
	}
	go c.readLoop()
	return c
}

// Done returns a channel closed when the connection dies, whether by
// Close or by a transport failure.
func (c *Conn) Done() <-chan struct{} {
	return c.closed
}

// SetReplyTimeout overrides the per-command reply timeout.
func (c *Conn) SetReplyTimeout(d time.Duration) {
	c.replyTimeout = d
}

// command writes one command line and waits for its reply per the given
// mode. It returns the collected reply lines, without the trailing "OK"
// for mutation commands.
func (c *Conn) command(cmd string, mode replyMode) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.closed:
		return nil, errors.TransportError("write", c.closedErr).SetCommand(cmd)
	default:
	}

	req := &request{cmd: cmd, mode: mode, done: make(chan error, 1)}
	c.pendingMu.Lock()
	c.pending = append(c.pending, req)
	c.pendingMu.Unlock()

	if _, err := io.WriteString(c.rw, cmd+"\r"); err != nil {
		c.dropRequest(req)
		return nil, errors.TransportError("write", err).SetCommand(cmd)
	}

	select {
	case err := <-req.done:
		if err != nil {
			return nil, err
		}
		return req.lines, nil
	case <-time.After(c.replyTimeout):
		c.dropRequest(req)
		return nil, errors.New(errors.ErrProtocol, "reply timed out").SetCommand(cmd)
	case <-c.closed:
		return nil, errors.TransportError("read", c.closedErr).SetCommand(cmd)
	}
}

// Query sends a query command expecting a single reply line.
func (c *Conn) Query(cmd string) (string, error) {
	lines, err := c.command(cmd, awaitOne)
	if err != nil {
		return "", err
	}
	if len(lines) != 1 {
		return "", errors.ProtocolError(cmd, strings.Join(lines, "/"))
	}
	return lines[0], nil
}

// Execute sends a mutation command and waits for its OK.
func (c *Conn) Execute(cmd string) error {
	_, err := c.command(cmd, awaitUntilOK)
	return err
}

// Close tears down the transport. Pending and future commands reject
// with a transport error.
func (c *Conn) Close() error {
	c.fail(errors.New(errors.ErrTransport, "connection closed"))
	return nil
}

// dropRequest removes a request that will never be resolved.
func (c *Conn) dropRequest(req *request) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for i, r := range c.pending {
		if r == req {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return
		}
	}
}

// fail rejects every pending request and marks the connection dead.
func (c *Conn) fail(cause error) {
	c.closeOnce.Do(func() {
		c.closedErr = cause
		close(c.closed)
		c.rw.Close()

		c.pendingMu.Lock()
		pending := c.pending
		c.pending = nil
		c.pendingMu.Unlock()
		for _, req := range pending {
			req.done <- errors.TransportError("read", cause).SetCommand(req.cmd)
		}
	})
}

// readLoop owns the receive side: it splits the byte stream into lines
// and feeds each line to the front pending request's state machine.
func (c *Conn) readLoop() {
	scanner := bufio.NewScanner(c.rw)
	scanner.Split(scanCRLF)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r\n")
		if line == "" {
			continue
		}
		c.feed(line)
	}
	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	c.fail(err)
}

// feed advances the front request's reply state machine with one line.
func (c *Conn) feed(line string) {
	c.pendingMu.Lock()
	if len(c.pending) == 0 {
		c.pendingMu.Unlock()
		c.logger.Warn("unsolicited reply line %q", line)
		return
	}
	req := c.pending[0]

	var resolved error
	finished := false
	switch {
	case strings.HasPrefix(line, "!"):
		resolved = errors.ProtocolError(req.cmd, line)
		finished = true
	case req.mode == awaitOne:
		req.lines = append(req.lines, line)
		finished = true
	case line == "OK":
		finished = true
	default:
		req.lines = append(req.lines, line)
	}

	if finished {
		c.pending = c.pending[1:]
	}
	c.pendingMu.Unlock()

	if finished {
		req.done <- resolved
	}
}

// scanCRLF splits on CR, LF or CR/LF so both reply terminators the
// firmware uses frame correctly.
func scanCRLF(data []byte, atEOF bool) (advance int, token []byte, err error) {
	for i, b := range data {
		if b == '\n' || b == '\r' {
			// Swallow a LF following a CR.
			if b == '\r' && i+1 < len(data) && data[i+1] == '\n' {
				return i + 2, data[:i], nil
			}
			if b == '\r' && i+1 == len(data) && !atEOF {
				// Might be the first half of CR/LF.
				return 0, nil, nil
			}
			return i + 1, data[:i], nil
		}
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}
