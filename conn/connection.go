// Copyright (C) MongoKit, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package conn contains the types for building and pooling connections that
// speak the database's wire protocol. It purposefully hides the underlying
// net.Conn and exposes only framed reads and atomic framed writes; demuxing
// replies by correlation ID is the caller's (the server's) job.
package conn

import (
	"context"
	"net"
	"sync"
	"time"
)

// Connection owns one socket. A Connection is never written to
// concurrently; the Pool enforces this by issuing reservations.
type Connection struct {
	nc       net.Conn
	addr     string
	id       uint64
	mu       sync.Mutex
	reserved bool
	poisoned bool
	readBuf  []byte
}

// Dial opens a new Connection to addr ("host:port").
func Dial(ctx context.Context, addr string, id uint64) (*Connection, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, Error{Op: "dial", Addr: addr, Wrapped: err}
	}
	return &Connection{nc: nc, addr: addr, id: id}, nil
}

// ID returns an opaque identifier for this connection, stable for its
// lifetime. Used only for logging.
func (c *Connection) ID() uint64 { return c.id }

// Poisoned reports whether an I/O error has been observed on this
// connection. A poisoned connection is never returned to service by the
// pool.
func (c *Connection) Poisoned() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.poisoned
}

func (c *Connection) poison() {
	c.mu.Lock()
	c.poisoned = true
	c.mu.Unlock()
}

// WriteFrame writes a fully framed message in a single atomic write,
// looping internally if the underlying net.Conn only accepts a short
// write. deadline may be the zero Time to disable a write deadline.
func (c *Connection) WriteFrame(frame []byte, deadline time.Time) error {
	if err := c.nc.SetWriteDeadline(deadline); err != nil {
		c.poison()
		return Error{Op: "set write deadline", Addr: c.addr, Wrapped: err}
	}
	for written := 0; written < len(frame); {
		n, err := c.nc.Write(frame[written:])
		if err != nil {
			c.poison()
			return Error{Op: "write", Addr: c.addr, Wrapped: err}
		}
		written += n
	}
	return nil
}

// ReadFrame blocks until a full length-prefixed frame has been read off the
// socket, growing its internal buffer on short reads, and returns the raw
// frame bytes (header included). deadline may be the zero Time to disable
// a read deadline.
func (c *Connection) ReadFrame(deadline time.Time) ([]byte, error) {
	if err := c.nc.SetReadDeadline(deadline); err != nil {
		c.poison()
		return nil, Error{Op: "set read deadline", Addr: c.addr, Wrapped: err}
	}

	var sizeBuf [4]byte
	if _, err := readFull(c.nc, sizeBuf[:]); err != nil {
		c.poison()
		return nil, Error{Op: "read length", Addr: c.addr, Wrapped: err}
	}
	size := int32(sizeBuf[0]) | int32(sizeBuf[1])<<8 | int32(sizeBuf[2])<<16 | int32(sizeBuf[3])<<24
	if size < 16 {
		c.poison()
		return nil, Error{Op: "read frame", Addr: c.addr, Wrapped: errShortFrame}
	}

	if cap(c.readBuf) < int(size) {
		c.readBuf = make([]byte, size)
	}
	buf := c.readBuf[:size]
	copy(buf, sizeBuf[:])
	if _, err := readFull(c.nc, buf[4:]); err != nil {
		c.poison()
		return nil, Error{Op: "read body", Addr: c.addr, Wrapped: err}
	}
	out := make([]byte, size)
	copy(out, buf)
	return out, nil
}

func readFull(r net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Close closes the underlying socket.
func (c *Connection) Close() error {
	return c.nc.Close()
}
