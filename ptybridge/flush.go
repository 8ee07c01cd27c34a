// Copyright (c) 2024 Mavis Contributors
// SPDX-License-Identifier: MIT

package ptybridge

import (
	"strings"
	"sync"
	"time"

	"github.com/zeebo/blake3"
)

const (
	DefaultFlushInterval = 500 * time.Millisecond
	DefaultDedupTTL      = 60 * time.Second
	maxDedupEntries      = 512
	finalDeliveryWait    = 5 * time.Second
)

// Update is one outward delivery of user-facing text. Text is cumulative
// since the last prompt response. Final is set when the end-of-run flush
// delivers new text; if that text already went out no further update is
// sent. The closed Updates channel is what marks the end of a run.
type Update struct {
	Text  string
	Final bool
	At    time.Time
}

// flusher decides whether a filtered text may be sent outward: no faster
// than interval, and never the same content twice within ttl. It belongs
// to a single session.
type flusher struct {
	clock     Clock
	interval  time.Duration
	ttl       time.Duration
	seen      map[[32]byte]time.Time
	lastFlush time.Time
	lastPrune time.Time
}

func newFlusher(clock Clock, interval, ttl time.Duration) *flusher {
	return &flusher{
		clock:    clock,
		interval: interval,
		ttl:      ttl,
		seen:     make(map[[32]byte]time.Time),
	}
}

// offer returns the update to deliver, if any. force skips the rate limit
// but not deduplication.
func (f *flusher) offer(text string, force bool) (Update, bool) {
	if strings.TrimSpace(text) == "" {
		return Update{}, false
	}
	now := f.clock.Now()
	if !force && !f.lastFlush.IsZero() && now.Sub(f.lastFlush) < f.interval {
		return Update{}, false
	}
	f.prune(now)

	key := blake3.Sum256([]byte(text))
	if exp, ok := f.seen[key]; ok && now.Before(exp) {
		return Update{}, false
	}
	f.seen[key] = now.Add(f.ttl)
	f.lastFlush = now
	return Update{Text: text, Final: force, At: now}, true
}

// prune drops expired digests. If the cache is still over its cap the
// entries closest to expiry go first.
func (f *flusher) prune(now time.Time) {
	if len(f.seen) < maxDedupEntries && now.Sub(f.lastPrune) < f.ttl {
		return
	}
	f.lastPrune = now
	for k, exp := range f.seen {
		if !now.Before(exp) {
			delete(f.seen, k)
		}
	}
	for len(f.seen) >= maxDedupEntries {
		var oldest [32]byte
		var oldestExp time.Time
		for k, exp := range f.seen {
			if oldestExp.IsZero() || exp.Before(oldestExp) {
				oldest, oldestExp = k, exp
			}
		}
		delete(f.seen, oldest)
	}
}

func (f *flusher) reset() {
	clear(f.seen)
}

// outbox hands updates to the consumer from its own goroutine so a slow
// reader never blocks the PTY drain. It holds at most one undelivered
// update; a newer one replaces it. Delivery order is preserved.
type outbox struct {
	dst     chan<- Update
	mu      sync.Mutex
	next    *Update
	wake    chan struct{}
	closing chan struct{}
	done    chan struct{}
}

func newOutbox(dst chan<- Update) *outbox {
	o := &outbox{
		dst:     dst,
		wake:    make(chan struct{}, 1),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
	go o.run()
	return o
}

func (o *outbox) push(u Update) {
	o.mu.Lock()
	o.next = &u
	o.mu.Unlock()
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// close delivers whatever is pending, waiting at most finalDeliveryWait,
// then closes the consumer channel.
func (o *outbox) close() {
	close(o.closing)
	<-o.done
}

func (o *outbox) run() {
	defer close(o.done)
	defer close(o.dst)
	for {
		select {
		case <-o.wake:
			o.deliver(o.closing)
		case <-o.closing:
			abort := make(chan struct{})
			t := time.AfterFunc(finalDeliveryWait, func() { close(abort) })
			o.deliver(abort)
			t.Stop()
			return
		}
	}
}

func (o *outbox) deliver(abort <-chan struct{}) {
	o.mu.Lock()
	u := o.next
	o.next = nil
	o.mu.Unlock()
	if u == nil {
		return
	}
	select {
	case o.dst <- *u:
	case <-abort:
		o.mu.Lock()
		if o.next == nil {
			o.next = u
		}
		o.mu.Unlock()
	}
}

// Stream applies the outward flush policy to text produced without a
// terminal session, such as a CLI's structured print mode.
type Stream struct {
	f   *flusher
	out *outbox
}

func NewStream(dst chan<- Update, interval, ttl time.Duration) *Stream {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}
	s := &Stream{f: newFlusher(RealClock(), interval, ttl)}
	if dst != nil {
		s.out = newOutbox(dst)
	}
	return s
}

// Offer delivers text if the rate limit and dedup window allow it.
func (s *Stream) Offer(text string) {
	if s.out == nil {
		return
	}
	if u, ok := s.f.offer(text, false); ok {
		s.out.push(u)
	}
}

// Close forces out the final text and closes the destination channel.
func (s *Stream) Close(final string) {
	if s.out == nil {
		return
	}
	if u, ok := s.f.offer(final, true); ok {
		s.out.push(u)
	}
	s.out.close()
}
