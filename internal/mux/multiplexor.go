/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

// Package mux carries up to ten logical runtime-protocol channels over one physical connection.
// Each channel sees its own message ids; notifications are broadcast to every channel that enabled
// the notification's domain.
package mux

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/smallnest/chanx"
)

// DefaultNotificationGrace is how long a notification for a domain that a channel has not enabled yet
// is kept, so that it can be delivered when the channel enables the domain.
const DefaultNotificationGrace = 60 * time.Second

const inboundInitialCapacity = 16

var (
	ErrTooManyChannels = errors.New("the connection already carries the maximum number of channels")
	ErrChannelClosed   = errors.New("the channel is closed")
)

type Config struct {
	NotificationGrace time.Duration
}

func DefaultConfig() Config {
	return Config{NotificationGrace: DefaultNotificationGrace}
}

type Multiplexor struct {
	conn  PhysicalConn
	grace time.Duration
	log   logr.Logger

	// Channels deliver into unbounded queues that live as long as this context.
	lifetimeCtx context.Context
	cancel      context.CancelFunc

	lock     sync.Mutex
	channels [MaxChannels]*Channel
	closed   bool
	done     chan struct{}
	runErr   error
}

func NewMultiplexor(conn PhysicalConn, cfg Config, log logr.Logger) *Multiplexor {
	grace := cfg.NotificationGrace
	if grace <= 0 {
		grace = DefaultNotificationGrace
	}

	lifetimeCtx, cancel := context.WithCancel(context.Background())
	return &Multiplexor{
		conn:        conn,
		grace:       grace,
		log:         log,
		lifetimeCtx: lifetimeCtx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
}

// AddChannel allocates the lowest free channel id.
func (m *Multiplexor) AddChannel(name string) (*Channel, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	if m.closed {
		return nil, ErrChannelClosed
	}

	for id, existing := range m.channels {
		if existing != nil {
			continue
		}

		ch := &Channel{
			mux:        m,
			id:         id,
			name:       name,
			enabled:    make(map[string]bool),
			inbound:    chanx.NewUnboundedChan[RPCMessage](m.lifetimeCtx, inboundInitialCapacity),
			timeSource: time.Now,
			log:        m.log.WithValues("Channel", name),
		}
		m.channels[id] = ch
		return ch, nil
	}

	return nil, ErrTooManyChannels
}

// Run reads from the physical connection and dispatches messages until the connection fails,
// the context is cancelled, or Close is called. All channels are closed when Run returns.
func (m *Multiplexor) Run(ctx context.Context) error {
	defer m.shutdown()

	go func() {
		select {
		case <-ctx.Done():
			// Unblocks the pending read.
			_ = m.conn.Close()
		case <-m.lifetimeCtx.Done():
			_ = m.conn.Close()
		}
	}()

	for {
		data, readErr := m.conn.ReadMessage()
		if readErr != nil {
			if ctx.Err() != nil || m.lifetimeCtx.Err() != nil {
				return nil
			}
			m.lock.Lock()
			m.runErr = readErr
			m.lock.Unlock()
			return readErr
		}

		var msg RPCMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			m.log.V(1).Info("Ignoring malformed runtime message", "Error", err.Error())
			continue
		}

		m.dispatch(msg)
	}
}

func (m *Multiplexor) dispatch(msg RPCMessage) {
	if msg.ID != nil {
		channelID, localID, err := DecodeID(*msg.ID)
		if err != nil {
			m.log.V(1).Info("Dropping runtime message with invalid id", "ID", *msg.ID)
			return
		}

		m.lock.Lock()
		ch := m.channels[channelID]
		m.lock.Unlock()

		if ch == nil {
			m.log.V(1).Info("Dropping runtime message for unknown channel", "ChannelID", channelID, "Method", msg.Method)
			return
		}

		msg.ID = &localID
		ch.deliver(msg)
		return
	}

	if msg.Method == "" {
		m.log.V(1).Info("Dropping runtime message that is neither a response nor a notification")
		return
	}

	m.lock.Lock()
	targets := make([]*Channel, 0, MaxChannels)
	for _, ch := range m.channels {
		if ch != nil {
			targets = append(targets, ch)
		}
	}
	m.lock.Unlock()

	for _, ch := range targets {
		ch.notify(msg)
	}
}

// Done is closed when the multiplexor stopped reading from the connection.
func (m *Multiplexor) Done() <-chan struct{} {
	return m.done
}

// Err returns the error that stopped Run, if any.
func (m *Multiplexor) Err() error {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.runErr
}

// Close stops the multiplexor and closes the physical connection.
func (m *Multiplexor) Close() error {
	m.cancel()
	return m.conn.Close()
}

func (m *Multiplexor) shutdown() {
	m.lock.Lock()
	if m.closed {
		m.lock.Unlock()
		return
	}
	m.closed = true
	channels := m.channels
	m.lock.Unlock()

	for _, ch := range channels {
		if ch != nil {
			_ = ch.Close()
		}
	}
	_ = m.conn.Close()
	close(m.done)
	m.cancel()
}

func (m *Multiplexor) send(ch *Channel, msg RPCMessage) error {
	if msg.ID != nil {
		wireID, err := EncodeID(ch.id, *msg.ID)
		if err != nil {
			return err
		}
		msg.ID = &wireID
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("could not serialize runtime message '%s': %w", msg.Method, err)
	}
	return m.conn.WriteMessage(data)
}

func (m *Multiplexor) remove(ch *Channel) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.channels[ch.id] == ch {
		m.channels[ch.id] = nil
	}
}

type bufferedNotification struct {
	msg      RPCMessage
	received time.Time
}

// Channel is one logical connection to the runtime.
type Channel struct {
	mux  *Multiplexor
	id   int
	name string
	log  logr.Logger

	lock       sync.Mutex
	enabled    map[string]bool
	buffered   []bufferedNotification
	pruneTimer *time.Timer
	inbound    *chanx.UnboundedChan[RPCMessage]
	closed     bool
	timeSource func() time.Time
}

func (c *Channel) ID() int {
	return c.id
}

func (c *Channel) Name() string {
	return c.name
}

// Messages returns responses addressed to this channel and the notifications of enabled domains, in arrival order.
// The channel is closed when the Channel or the Multiplexor is closed.
func (c *Channel) Messages() <-chan RPCMessage {
	return c.inbound.Out
}

// Send forwards a message to the runtime. The message id is channel-local.
// Sending "<Domain>.enable" turns on notification delivery for the domain and flushes
// the notifications of that domain received within the grace period.
func (c *Channel) Send(msg RPCMessage) error {
	c.lock.Lock()
	closed := c.closed
	c.lock.Unlock()
	if closed {
		return ErrChannelClosed
	}

	if err := c.mux.send(c, msg); err != nil {
		return err
	}

	if msg.IsEnable() {
		c.enable(msg.Domain())
	}
	return nil
}

// Close detaches the channel from the multiplexor. The physical connection stays open.
func (c *Channel) Close() error {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	c.buffered = nil
	if c.pruneTimer != nil {
		c.pruneTimer.Stop()
		c.pruneTimer = nil
	}
	close(c.inbound.In)
	c.mux.remove(c)
	return nil
}

// Buffered returns the number of notifications held for domains the channel has not enabled.
func (c *Channel) Buffered() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return len(c.buffered)
}

func (c *Channel) enable(domain string) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.closed {
		return
	}
	c.enabled[domain] = true

	now := c.timeSource()
	kept := c.buffered[:0]
	for _, n := range c.buffered {
		switch {
		case now.Sub(n.received) >= c.mux.grace:
			// Expired; dropped.
		case n.msg.Domain() == domain:
			c.pushLocked(n.msg)
		default:
			kept = append(kept, n)
		}
	}
	clear(c.buffered[len(kept):])
	c.buffered = kept
}

func (c *Channel) deliver(msg RPCMessage) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if !c.closed {
		c.pushLocked(msg)
	}
}

func (c *Channel) notify(msg RPCMessage) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.closed {
		return
	}
	if c.enabled[msg.Domain()] {
		c.pushLocked(msg)
		return
	}

	c.buffered = append(c.buffered, bufferedNotification{msg: msg, received: c.timeSource()})
	if c.pruneTimer == nil {
		c.pruneTimer = time.AfterFunc(c.mux.grace, c.prune)
	}
}

func (c *Channel) prune() {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.pruneTimer = nil
	if c.closed {
		return
	}

	now := c.timeSource()
	kept := c.buffered[:0]
	for _, n := range c.buffered {
		if now.Sub(n.received) < c.mux.grace {
			kept = append(kept, n)
		}
	}
	if dropped := len(c.buffered) - len(kept); dropped > 0 {
		c.log.V(1).Info("Dropped buffered notifications for domains that were never enabled", "Count", dropped)
	}
	clear(c.buffered[len(kept):])
	c.buffered = kept

	if len(kept) > 0 {
		next := kept[0].received.Add(c.mux.grace).Sub(now)
		c.pruneTimer = time.AfterFunc(next, c.prune)
	}
}

// pushLocked must be called with the lock held and the channel open.
func (c *Channel) pushLocked(msg RPCMessage) {
	select {
	case c.inbound.In <- msg:
	case <-c.mux.lifetimeCtx.Done():
	}
}
