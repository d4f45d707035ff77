// Copyright 2025 Outreach Corporation. All Rights Reserved.

// Description:

// Package protocol:
package protocol

import (
	"bufio"
	"io"
	"log/slog"
	"sync"
)

type ConnOptions struct {
	NewWriter func(io.Writer) bufio.Writer
	NewReader func(io.Reader) bufio.Reader
	Logger    *slog.Logger
}

// NewConnection wraps conn in a buffered, thread-safe RESP connection.
func NewConnection(conn io.ReadWriter) *Conn {
	return &Conn{
		RW:     bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn)),
		Logger: slog.With("comp", "conn"),
		r:      newReader(),
		w:      newWriter(),
	}
}

// Conn represents a thread-safe connection that provides read, write, and logging capabilities.
type Conn struct {
	sync.Mutex
	RW     *bufio.ReadWriter
	Logger *slog.Logger

	r *reader
	w *writer
}

// Read locks the connection and reads the next message off it.
func (conn *Conn) Read() (*Message, error) {
	conn.Lock()
	defer conn.Unlock()
	return conn.r.Read(conn.RW)
}

// Write encodes m onto the connection's buffered writer. Callers must Flush.
func (conn *Conn) Write(m *Message) (int, error) {
	conn.Lock()
	defer conn.Unlock()
	return conn.w.Write(conn.RW, m)
}

// Flush writes any buffered data to the underlying writer.
func (conn *Conn) Flush() error {
	conn.Lock()
	defer conn.Unlock()
	return conn.RW.Flush()
}

// RawRoundtrip sends raw byte data through the connection, flushes it, and reads the response.
func (conn *Conn) RawRoundtrip(data []byte) (*Message, error) {
	conn.Lock()
	_, err := conn.RW.Write(data)
	if err != nil {
		conn.Unlock()
		return nil, err
	}
	err = conn.RW.Flush()
	conn.Unlock()
	if err != nil {
		return nil, err
	}

	return conn.Read()
}

// RoundTrip writes msg, flushes, and reads the reply.
func (conn *Conn) RoundTrip(msg *Message) (*Message, error) {
	_, err := conn.Write(msg)
	if err != nil {
		return nil, err
	}
	err = conn.Flush()
	if err != nil {
		return nil, err
	}
	resp, err := conn.Read()

	conn.Logger.Debug("command", "cmd", msg, "resp", resp, "err", err)
	return resp, err
}

// Read decodes a single Message from rw without any connection bookkeeping.
// It is the free-function counterpart to Conn.Read, used by callers that
// already own a *bufio.ReadWriter (e.g. the handshake FSM before a Conn
// exists).
func Read(rw *bufio.ReadWriter) (*Message, error) {
	return newReader().Read(rw)
}

// Write encodes m onto rw. Callers must flush rw themselves.
func Write(rw *bufio.ReadWriter, m *Message) (int, error) {
	return newWriter().Write(rw, m)
}
