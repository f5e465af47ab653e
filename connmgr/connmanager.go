// Copyright (c) 2016 The btcsuite developers
// Copyright (c) 2017-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package connmgr

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/decred/dcrd/crypto/rand"
)

// maxRetryDuration caps the backoff between attempts of a permanent
// connection.
var maxRetryDuration = time.Minute * 5

const (
	// maxFailedAttempts is the number of successive failed automatic
	// connection attempts after which a network outage is assumed and new
	// attempts are delayed by the retry duration.
	maxFailedAttempts = 25

	// maxRetryShift bounds the exponent of the permanent connection backoff.
	maxRetryShift = 8

	// defaultRetryDuration is the default base backoff of permanent
	// connections.
	defaultRetryDuration = time.Second * 5

	// defaultTargetOutbound is the default number of outbound connections to
	// maintain.
	defaultTargetOutbound = uint32(8)

	// defaultDialTimeout is the default duration a dial may take.
	defaultDialTimeout = time.Second * 30
)

// ConnState represents the state of the requested connection.
type ConnState uint32

// ConnState can be either pending, established, disconnected or failed.  When
// a new connection is requested, it is attempted and categorized as
// established or failed depending on the connection result.  An established
// connection which was disconnected is categorized as disconnected.
const (
	ConnPending ConnState = iota
	ConnEstablished
	ConnDisconnected
	ConnFailed
	ConnCanceled
)

// connStateStrings is a map of connection states back to their constant names
// for pretty printing.
var connStateStrings = map[ConnState]string{
	ConnPending:      "ConnPending",
	ConnEstablished:  "ConnEstablished",
	ConnDisconnected: "ConnDisconnected",
	ConnFailed:       "ConnFailed",
	ConnCanceled:     "ConnCanceled",
}

// String returns the ConnState in human-readable form.
func (s ConnState) String() string {
	if str, ok := connStateStrings[s]; ok {
		return str
	}
	return fmt.Sprintf("Unknown ConnState (%d)", uint32(s))
}

// ConnReq is a request to maintain a connection to a peer address.  Permanent
// requests are retried with an increasing backoff until removed.
type ConnReq struct {
	id    atomic.Uint64
	state atomic.Uint32

	// retryCount is the number of failed attempts of a permanent request
	// since its last successful connection.  conn is the established
	// connection.  Both are owned by the connection handler.
	retryCount uint32
	conn       net.Conn

	// Addr is the address of the peer.
	Addr net.Addr

	// Permanent marks a request whose connection is kept up by the
	// connection manager until the request is removed.
	Permanent bool
}

// updateState updates the state of the connection request.
func (c *ConnReq) updateState(state ConnState) {
	c.state.Store(uint32(state))
}

// ID returns a unique identifier for the connection request.
func (c *ConnReq) ID() uint64 {
	return c.id.Load()
}

// State is the connection state of the requested connection.
func (c *ConnReq) State() ConnState {
	return ConnState(c.state.Load())
}

// String returns a human-readable string for the connection request.
func (c *ConnReq) String() string {
	if c.Addr == nil || c.Addr.String() == "" {
		return fmt.Sprintf("reqid %d", c.ID())
	}
	return fmt.Sprintf("%s (reqid %d)", c.Addr, c.ID())
}

// Config holds the configuration options related to the connection manager.
type Config struct {
	// Listeners are owned by the connection manager once it runs and are
	// closed when it stops.  Accepted connections are passed to OnAccept.
	// Listeners are not served when OnAccept is nil.
	Listeners []net.Listener

	// OnAccept is invoked with every accepted inbound connection.  The
	// callee owns the connection and must close it.
	OnAccept func(net.Conn)

	// AcceptFilter is consulted with the remote address of every accepted
	// connection before OnAccept is invoked.  Connections it rejects are
	// closed immediately.  All connections are accepted when it is nil.
	AcceptFilter func(net.Addr) bool

	// TargetOutbound is the number of automatic outbound connections to
	// maintain.  Defaults to 8.
	TargetOutbound uint32

	// RetryDuration is the base backoff of permanent connections and the
	// delay applied to automatic connections after repeated failures.
	// Defaults to 5s.
	RetryDuration time.Duration

	// DialTimeout bounds every dial.  Defaults to 30s.
	DialTimeout time.Duration

	// OnConnection is invoked with every established outbound connection.
	OnConnection func(*ConnReq, net.Conn)

	// OnDisconnection is invoked when an established outbound connection is
	// disconnected.
	OnDisconnection func(*ConnReq)

	// GetNewAddress returns the address of the next automatic outbound
	// connection.  No automatic connections are made when it is nil.
	GetNewAddress func() (net.Addr, error)

	// Dial connects to the address on the named network.  It is required.
	Dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

// registerPending registers a new connection request with the handler.
type registerPending struct {
	c    *ConnReq
	done chan error
}

// handleConnected reports a successful dial.
type handleConnected struct {
	c    *ConnReq
	conn net.Conn
}

// handleDisconnected drops a connection.  Permanent requests are retried when
// retry is set.
type handleDisconnected struct {
	id    uint64
	retry bool
}

// handleFailed reports a failed dial or address selection.
type handleFailed struct {
	c   *ConnReq
	err error
}

// getConnCount queries the number of established and pending requests.
type getConnCount struct {
	reply chan [2]int
}

// handleCancelPending cancels the pending request for an address.
type handleCancelPending struct {
	addr net.Addr
	done chan error
}

// connSet is the state of the connection handler.
type connSet struct {
	// pending holds the requests that are not connected.
	pending map[uint64]*ConnReq

	// conns holds the established requests.
	conns map[uint64]*ConnReq

	// failedAttempts counts the failed automatic connection attempts since
	// the last successful connection.
	failedAttempts int
}

// hasAddr returns whether a pending or established request targets the
// address.
func (s *connSet) hasAddr(addr net.Addr) bool {
	key := addr.String()
	for _, reqs := range []map[uint64]*ConnReq{s.pending, s.conns} {
		for _, c := range reqs {
			if c.Addr != nil && c.Addr.String() == key {
				return true
			}
		}
	}
	return false
}

// ConnManager maintains the outbound connections of a node and accepts its
// inbound connections.
type ConnManager struct {
	connReqCount atomic.Uint64

	wg   sync.WaitGroup
	quit chan struct{}

	// cfg is a copy of the configuration passed to New.
	cfg Config

	// requests is served by the connection handler goroutine.
	requests chan interface{}
}

// retryDelay returns the backoff of a permanent request after the given
// number of failed attempts.  The delay doubles with every attempt and is
// spread by up to a quarter to keep reconnecting peers from synchronizing.
func (cm *ConnManager) retryDelay(retryCount uint32) time.Duration {
	shift := retryCount
	if shift > 0 {
		shift--
	}
	if shift > maxRetryShift {
		shift = maxRetryShift
	}
	d := cm.cfg.RetryDuration << shift
	if d > maxRetryDuration {
		d = maxRetryDuration
	}
	if jitter := d / 4; jitter > 0 {
		d += rand.Duration(jitter)
	}
	return d
}

// after runs fn once the duration elapsed unless the connection manager stops
// first.
func (cm *ConnManager) after(d time.Duration, fn func()) {
	go func() {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-t.C:
			fn()
		case <-cm.quit:
		}
	}()
}

// handleFailedConn schedules the next attempt after a request failed or
// disconnected.  Permanent requests are retried with backoff and automatic
// ones are replaced by a new request.
func (cm *ConnManager) handleFailedConn(ctx context.Context, s *connSet, c *ConnReq, failed bool) {
	if ctx.Err() != nil {
		return
	}

	if c.Permanent {
		c.retryCount++
		d := cm.retryDelay(c.retryCount)
		log.Debugf("Retrying connection to %v in %v", c, d)
		cm.after(d, func() { cm.Connect(ctx, c) })
		return
	}
	if cm.cfg.GetNewAddress == nil {
		return
	}
	if failed {
		s.failedAttempts++
	}
	if s.failedAttempts >= maxFailedAttempts {
		log.Debugf("Max failed connection attempts reached: [%d] -- "+
			"retrying connection in: %v", maxFailedAttempts,
			cm.cfg.RetryDuration)
		cm.after(cm.cfg.RetryDuration, func() { cm.newConnReq(ctx) })
		return
	}
	go cm.newConnReq(ctx)
}

// connHandler serves the requests of the connection manager.  It must be run
// as a goroutine.
func (cm *ConnManager) connHandler(ctx context.Context) {
	s := &connSet{
		pending: make(map[uint64]*ConnReq),
		conns:   make(map[uint64]*ConnReq, cm.cfg.TargetOutbound),
	}

out:
	for {
		select {
		case req := <-cm.requests:
			switch msg := req.(type) {
			case registerPending:
				c := msg.c
				if c.Addr != nil && s.hasAddr(c.Addr) {
					str := fmt.Sprintf("already connected or connecting to %v",
						c.Addr)
					msg.done <- MakeError(ErrDuplicateConn, str)
					continue
				}
				c.updateState(ConnPending)
				s.pending[c.ID()] = c
				msg.done <- nil

			case handleConnected:
				c := msg.c
				if _, ok := s.pending[c.ID()]; !ok {
					msg.conn.Close()
					log.Debugf("Ignoring connection for canceled connreq=%v",
						c)
					continue
				}
				delete(s.pending, c.ID())
				c.updateState(ConnEstablished)
				c.conn = msg.conn
				c.retryCount = 0
				s.conns[c.ID()] = c
				s.failedAttempts = 0
				log.Debugf("Connected to %v", c)
				if cm.cfg.OnConnection != nil {
					go cm.cfg.OnConnection(c, msg.conn)
				}

			case handleDisconnected:
				c, ok := s.conns[msg.id]
				if !ok {
					// Removing a pending request cancels it so a later dial
					// result is ignored.
					if c, ok := s.pending[msg.id]; ok {
						c.updateState(ConnCanceled)
						delete(s.pending, msg.id)
						log.Debugf("Canceling: %v", c)
						continue
					}
					log.Errorf("Unknown connid=%d", msg.id)
					continue
				}

				log.Debugf("Disconnected from %v", c)
				delete(s.conns, msg.id)
				if c.conn != nil {
					c.conn.Close()
					c.conn = nil
				}
				if cm.cfg.OnDisconnection != nil {
					go cm.cfg.OnDisconnection(c)
				}
				if !msg.retry {
					c.updateState(ConnDisconnected)
					continue
				}

				// Permanent requests stay registered while they are
				// retried.  Automatic ones are replaced when below target.
				if c.Permanent {
					c.updateState(ConnPending)
					s.pending[msg.id] = c
					cm.handleFailedConn(ctx, s, c, false)
					continue
				}
				c.updateState(ConnDisconnected)
				if uint32(len(s.conns)) < cm.cfg.TargetOutbound {
					cm.handleFailedConn(ctx, s, c, false)
				}

			case handleFailed:
				c := msg.c
				if c.State() == ConnCanceled {
					log.Debugf("Ignoring failure of canceled connreq=%v", c)
					continue
				}
				if c.Permanent {
					if _, ok := s.pending[c.ID()]; !ok {
						continue
					}
				} else {
					delete(s.pending, c.ID())
				}
				c.updateState(ConnFailed)
				log.Debugf("Failed to connect to %v: %v", c, msg.err)
				cm.handleFailedConn(ctx, s, c, true)

			case getConnCount:
				msg.reply <- [2]int{len(s.conns), len(s.pending)}

			case handleCancelPending:
				key := msg.addr.String()
				var canceled *ConnReq
				for id, c := range s.pending {
					if c.Addr != nil && c.Addr.String() == key {
						canceled = c
						delete(s.pending, id)
						break
					}
				}
				if canceled == nil {
					str := fmt.Sprintf("no pending connection to %v", msg.addr)
					msg.done <- MakeError(ErrNoPendingConn, str)
					continue
				}
				canceled.updateState(ConnCanceled)
				log.Debugf("Canceled pending connection to %v", msg.addr)
				msg.done <- nil
			}

		case <-ctx.Done():
			break out
		}
	}

	cm.wg.Done()
	log.Trace("Connection handler done")
}

// register assigns an id to the request and registers it with the handler.
func (cm *ConnManager) register(c *ConnReq) error {
	c.id.Store(cm.connReqCount.Add(1))
	done := make(chan error, 1)
	select {
	case cm.requests <- registerPending{c, done}:
	case <-cm.quit:
		return MakeError(ErrShutdown, "connection manager stopped")
	}
	select {
	case err := <-done:
		return err
	case <-cm.quit:
		return MakeError(ErrShutdown, "connection manager stopped")
	}
}

// report hands a handler message over unless the manager stopped.
func (cm *ConnManager) report(msg interface{}) {
	select {
	case cm.requests <- msg:
	case <-cm.quit:
	}
}

// newConnReq requests an automatic connection to the next address returned
// by GetNewAddress.
func (cm *ConnManager) newConnReq(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	c := new(ConnReq)
	addr, err := cm.cfg.GetNewAddress()
	if err != nil {
		cm.report(handleFailed{c, err})
		return
	}
	c.Addr = addr
	if err := cm.register(c); err != nil {
		cm.report(handleFailed{c, err})
		return
	}
	cm.dial(ctx, c)
}

// Connect dials the address of the request and keeps the resulting connection
// registered with the connection manager.  New requests are assigned an id
// first and rejected when a connection to the address is already pending or
// established.
//
// The attempt is ignored once the connection manager stopped, the context is
// done or the request was canceled.
func (cm *ConnManager) Connect(ctx context.Context, c *ConnReq) {
	select {
	case <-cm.quit:
		return
	default:
	}
	if ctx.Err() != nil {
		return
	}
	if c.State() == ConnCanceled {
		log.Debugf("Ignoring connect for canceled connreq=%v", c)
		return
	}

	if c.ID() == 0 {
		if err := cm.register(c); err != nil {
			log.Debugf("Not connecting to %v: %v", c.Addr, err)
			c.updateState(ConnFailed)
			return
		}
	}
	cm.dial(ctx, c)
}

// dial connects a registered request.
func (cm *ConnManager) dial(ctx context.Context, c *ConnReq) {
	log.Debugf("Attempting to connect to %v", c)

	ctx, cancel := context.WithTimeout(ctx, cm.cfg.DialTimeout)
	defer cancel()
	conn, err := cm.cfg.Dial(ctx, c.Addr.Network(), c.Addr.String())
	if err != nil {
		cm.report(handleFailed{c, err})
		return
	}
	cm.report(handleConnected{c, conn})
}

// Disconnect disconnects the connection of the request with the id.
// Permanent requests are retried with backoff and automatic ones replaced.
func (cm *ConnManager) Disconnect(id uint64) {
	cm.report(handleDisconnected{id, true})
}

// Remove disconnects the connection of the request with the id without
// retrying it.  It also cancels a pending request.
func (cm *ConnManager) Remove(id uint64) {
	cm.report(handleDisconnected{id, false})
}

// CancelPending cancels the pending request for the address.  An error is
// returned when the manager stopped or no request for the address is
// pending.
func (cm *ConnManager) CancelPending(addr net.Addr) error {
	done := make(chan error, 1)
	select {
	case cm.requests <- handleCancelPending{addr, done}:
	case <-cm.quit:
		return MakeError(ErrShutdown, "connection manager stopped")
	}
	select {
	case err := <-done:
		return err
	case <-cm.quit:
		return MakeError(ErrShutdown, "connection manager stopped")
	}
}

// ConnCounts returns the number of established and pending outbound
// connection requests.  Both are zero once the connection manager is stopped.
func (cm *ConnManager) ConnCounts() (established, pending int) {
	reply := make(chan [2]int, 1)
	select {
	case cm.requests <- getConnCount{reply}:
	case <-cm.quit:
		return 0, 0
	}
	select {
	case counts := <-reply:
		return counts[0], counts[1]
	case <-cm.quit:
		return 0, 0
	}
}

// listenHandler accepts incoming connections on a given listener.  It must be
// run as a goroutine.
func (cm *ConnManager) listenHandler(ctx context.Context, listener net.Listener) {
	log.Infof("Server listening on %s", listener.Addr())
	for ctx.Err() == nil {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() == nil {
				log.Errorf("Can't accept connection: %v", err)
			}
			continue
		}
		if cm.cfg.AcceptFilter != nil && !cm.cfg.AcceptFilter(conn.RemoteAddr()) {
			log.Debugf("Rejected inbound connection from %s",
				conn.RemoteAddr())
			conn.Close()
			continue
		}
		go cm.cfg.OnAccept(conn)
	}

	cm.wg.Done()
	log.Tracef("Listener handler done for %s", listener.Addr())
}

// Run serves the listeners and maintains the outbound connections until the
// context is canceled.
func (cm *ConnManager) Run(ctx context.Context) {
	log.Trace("Starting connection manager")

	cm.wg.Add(1)
	go cm.connHandler(ctx)

	var listeners []net.Listener
	if cm.cfg.OnAccept != nil {
		listeners = cm.cfg.Listeners
	}
	for _, listener := range listeners {
		cm.wg.Add(1)
		go cm.listenHandler(ctx, listener)
	}

	if cm.cfg.GetNewAddress != nil {
		for i := uint32(0); i < cm.cfg.TargetOutbound; i++ {
			go cm.newConnReq(ctx)
		}
	}

	cm.wg.Add(1)
	go func() {
		<-ctx.Done()
		close(cm.quit)
		for _, listener := range listeners {
			_ = listener.Close()
		}
		cm.wg.Done()
	}()

	cm.wg.Wait()
	log.Trace("Connection manager stopped")
}

// New returns a new connection manager with the provided configuration.
//
// Use Run to start listening and/or connecting to the network.
func New(cfg *Config) (*ConnManager, error) {
	if cfg.Dial == nil {
		return nil, MakeError(ErrDialNil, "config: dial cannot be nil")
	}
	cm := ConnManager{
		cfg:      *cfg,
		requests: make(chan interface{}),
		quit:     make(chan struct{}),
	}
	if cm.cfg.RetryDuration <= 0 {
		cm.cfg.RetryDuration = defaultRetryDuration
	}
	if cm.cfg.TargetOutbound == 0 {
		cm.cfg.TargetOutbound = defaultTargetOutbound
	}
	if cm.cfg.DialTimeout <= 0 {
		cm.cfg.DialTimeout = defaultDialTimeout
	}
	return &cm, nil
}
