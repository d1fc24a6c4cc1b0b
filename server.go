// Copyright (C) MongoKit, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package mongowire implements a client driver for a document database
// speaking a binary request/response wire protocol: connection pooling,
// request/reply correlation, and the CRUD/command surface built on top.
package mongowire

import (
	"context"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/kschlieper/mongowire/conn"
	"github.com/kschlieper/mongowire/internal/log"
	"github.com/kschlieper/mongowire/wire"
)

// defaultTimeout is used by any operation that does not specify its own.
const defaultTimeout = 10 * time.Second

// reaperInterval is how often the orphan-reply sweep runs.
const reaperInterval = time.Second

type pendingReply struct {
	id         int32
	reply      wire.Reply
	receivedAt time.Time
}

// Server represents one logical peer: the connection pool, the reader
// goroutine(s) that demultiplex replies, the reply-routing map, and the
// cached handshake result used for version-gated dispatch.
type Server struct {
	addr     string
	poolSize int64
	log      logr.Logger

	mu             sync.Mutex
	connected      bool
	pool           *conn.Pool
	nextID         int32
	inbox          []pendingReply
	waiters        map[int32]chan struct{}
	readerStarted  map[uint64]bool
	maxWireVersion int32
	maxSeenTimeout time.Duration

	reaperStop chan struct{}
	reaperDone chan struct{}
}

// Option configures a Server at construction time.
type Option func(*Server)

// WithLogger installs a structured logger for connection, pool, and
// dispatch events. The default discards everything.
func WithLogger(l logr.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithPoolSize overrides the connection pool's cap (default
// conn.DefaultMaxConnections).
func WithPoolSize(n int64) Option {
	return func(s *Server) { s.poolSize = n }
}

// NewServer constructs a Server targeting addr ("host:port"). The
// connection pool is not created, and no socket is opened, until Connect
// is called.
func NewServer(addr string, opts ...Option) *Server {
	s := &Server{
		addr:           addr,
		log:            log.Discard(),
		nextID:         -1,
		waiters:        make(map[int32]chan struct{}),
		readerStarted:  make(map[uint64]bool),
		maxSeenTimeout: defaultTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Connect opens the connection pool, starts the orphan reaper, and then
// performs a handshake round trip to discover the peer's maximum wire
// version. It fails with ErrAlreadyConnected if already connected.
func (s *Server) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.connected {
		s.mu.Unlock()
		return ErrAlreadyConnected
	}
	s.pool = conn.NewPool(s.addr, s.poolSize)
	s.connected = true
	s.mu.Unlock()

	s.reaperStop = make(chan struct{})
	s.reaperDone = make(chan struct{})
	go s.reapLoop()

	if err := s.handshake(ctx); err != nil {
		_ = s.Disconnect()
		return err
	}
	return nil
}

// Disconnect stops the reaper and closes every pooled connection. In-flight
// waiters observe ErrTimeout on their own deadlines; the reader goroutines
// exit as their sockets close.
func (s *Server) Disconnect() error {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return ErrNotYetConnected
	}
	s.connected = false
	pool := s.pool
	s.mu.Unlock()

	close(s.reaperStop)
	<-s.reaperDone

	pool.Close()
	return nil
}

// MaxWireVersion returns the peer's cached handshake result, 0 if
// Connect has not run yet.
func (s *Server) MaxWireVersion() int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxWireVersion
}

// Database returns a handle scoped to the named database. It performs no
// I/O.
func (s *Server) Database(name string) *Database {
	return &Database{server: s, name: name}
}

func (s *Server) handshake(ctx context.Context) error {
	cmd, err := bson.Marshal(bson.D{{Key: "isMaster", Value: int32(1)}})
	if err != nil {
		return err
	}
	reply, err := s.sendAndAwait(ctx, wire.Query{
		FullCollection: "admin.$cmd",
		NumberToReturn: 1,
		Query:          bson.Raw(cmd),
	}, defaultTimeout)
	if err != nil {
		return err
	}
	if len(reply.Documents) == 0 {
		return InvalidReplyError{Operation: "handshake", Reason: "no documents in reply"}
	}

	var maxWireVersion int32
	if v, err := reply.Documents[0].LookupErr("maxWireVersion"); err == nil {
		if mv, ok := v.Int32OK(); ok {
			maxWireVersion = mv
		}
	}

	s.mu.Lock()
	s.maxWireVersion = maxWireVersion
	s.mu.Unlock()

	s.log.V(1).Info("handshake complete", "maxWireVersion", maxWireVersion)
	return nil
}

// reserve checks out a connection from the pool and, the first time this
// particular connection is seen, starts a dedicated reader goroutine for
// it. Go has no way to block-read several sockets from one goroutine, so
// the peer-scoped demultiplexer described by the design is realized as
// one reader per physical connection, all funneling into the single
// shared inbox below.
func (s *Server) reserve(ctx context.Context) (*conn.Connection, error) {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return nil, ErrNotYetConnected
	}
	pool := s.pool
	s.mu.Unlock()

	c, err := pool.Reserve(ctx)
	if err != nil {
		return nil, err
	}
	s.ensureReader(c)
	return c, nil
}

func (s *Server) ensureReader(c *conn.Connection) {
	s.mu.Lock()
	if s.readerStarted[c.ID()] {
		s.mu.Unlock()
		return
	}
	s.readerStarted[c.ID()] = true
	s.mu.Unlock()
	go s.readLoop(c)
}

func (s *Server) readLoop(c *conn.Connection) {
	s.log.V(1).Info("reader starting", "connID", c.ID())
	defer s.log.V(1).Info("reader stopped", "connID", c.ID())
	for {
		frame, err := c.ReadFrame(time.Time{})
		if err != nil {
			return
		}
		reply, err := wire.DecodeReply(frame)
		if err != nil {
			s.log.Error(err, "discarding malformed reply frame")
			continue
		}
		s.postReply(reply)
	}
}

func (s *Server) postReply(reply wire.Reply) {
	id := reply.Header.ResponseTo

	s.mu.Lock()
	s.inbox = append(s.inbox, pendingReply{id: id, reply: reply, receivedAt: time.Now()})
	ch, hasWaiter := s.waiters[id]
	s.mu.Unlock()

	if hasWaiter {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// send writes message to c, assigning it a fresh monotonic request ID,
// and returns that ID for correlation. A connection already poisoned by
// an I/O error is not written to; send fails with ErrNotYetConnected.
func (s *Server) send(m wire.Message, c *conn.Connection, deadline time.Time) (int32, error) {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return 0, ErrNotYetConnected
	}
	if c.Poisoned() {
		s.mu.Unlock()
		return 0, ErrNotYetConnected
	}
	s.nextID++
	id := s.nextID
	s.mu.Unlock()

	if err := c.WriteFrame(m.Encode(nil, id), deadline); err != nil {
		return 0, err
	}
	return id, nil
}

// awaitResponse installs a wakeup channel for requestID and blocks until
// either a matching reply arrives, the timeout elapses (ErrTimeout), ctx
// is done (also ErrTimeout, the context.Context-deadline entry point),
// or the waiter is woken with nothing to show for it
// (ErrInternalInconsistency).
func (s *Server) awaitResponse(ctx context.Context, requestID int32, timeout time.Duration) (wire.Reply, error) {
	ch := make(chan struct{}, 1)

	s.mu.Lock()
	s.waiters[requestID] = ch
	if timeout > s.maxSeenTimeout {
		s.maxSeenTimeout = timeout
	}
	// The reply may already have been posted between send() returning and
	// this waiter being registered; check the inbox now, still under the
	// same lock, instead of relying on a signal that already fired into a
	// channel nobody was listening on yet.
	for i, p := range s.inbox {
		if p.id == requestID {
			s.inbox = append(s.inbox[:i], s.inbox[i+1:]...)
			delete(s.waiters, requestID)
			s.mu.Unlock()
			return p.reply, nil
		}
	}
	s.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ch:
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.waiters, requestID)
		for i, p := range s.inbox {
			if p.id == requestID {
				s.inbox = append(s.inbox[:i], s.inbox[i+1:]...)
				return p.reply, nil
			}
		}
		return wire.Reply{}, ErrInternalInconsistency
	case <-timer.C:
		s.mu.Lock()
		delete(s.waiters, requestID)
		s.mu.Unlock()
		return wire.Reply{}, ErrTimeout
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.waiters, requestID)
		s.mu.Unlock()
		return wire.Reply{}, ErrTimeout
	}
}

// effectiveTimeout narrows fallback to ctx's deadline when that deadline
// is sooner, so a caller-supplied context.Context composes with the
// default wall-clock timeout instead of being ignored by it.
func effectiveTimeout(ctx context.Context, fallback time.Duration) time.Duration {
	if dl, ok := ctx.Deadline(); ok {
		if d := time.Until(dl); d < fallback {
			return d
		}
	}
	return fallback
}

// sendAndAwait reserves a connection, sends m, waits up to timeout (or
// ctx's deadline, if sooner) for the correlated reply, and returns the
// connection to the pool.
func (s *Server) sendAndAwait(ctx context.Context, m wire.Message, timeout time.Duration) (wire.Reply, error) {
	c, err := s.reserve(ctx)
	if err != nil {
		return wire.Reply{}, err
	}
	defer s.pool.Return(c)

	deadline, _ := ctx.Deadline()
	id, err := s.send(m, c, deadline)
	if err != nil {
		return wire.Reply{}, err
	}
	return s.awaitResponse(ctx, id, effectiveTimeout(ctx, timeout))
}

// sendOneWay reserves a connection and writes m, with no reply expected
// (the legacy Insert/Update/Delete/KillCursors opcodes).
func (s *Server) sendOneWay(ctx context.Context, m wire.Message) error {
	c, err := s.reserve(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Return(c)

	deadline, _ := ctx.Deadline()
	_, err = s.send(m, c, deadline)
	return err
}

func (s *Server) reapLoop() {
	defer close(s.reaperDone)
	ticker := time.NewTicker(reaperInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.reaperStop:
			return
		case <-ticker.C:
			s.reapOrphans()
		}
	}
}

func (s *Server) reapOrphans() {
	s.mu.Lock()
	defer s.mu.Unlock()

	watermark := 5 * s.maxSeenTimeout
	cutoff := time.Now().Add(-watermark)
	kept := s.inbox[:0]
	for _, p := range s.inbox {
		if p.receivedAt.Before(cutoff) {
			continue
		}
		kept = append(kept, p)
	}
	s.inbox = kept
}
