// Package timer implements the Timer service: a single long-lived task
// that tracks one-shot and repeating expirations keyed by opaque 64-bit
// tokens supplied by the caller, and delivers fired tokens on a channel.
package timer

import (
	"context"
	"time"
)

// Expiration is delivered when a scheduled token's deadline elapses.
type Expiration struct {
	Token uint64
}

type entry struct {
	token     uint64
	fireAt    time.Time
	duration  time.Duration
	repeat    bool
	cancelled bool
}

type scheduleCmd struct {
	token    uint64
	duration time.Duration
	repeat   bool
}

type cancelCmd struct {
	token uint64
}

// Service tracks pending timers and delivers their expirations. The zero
// value is not usable; construct with New.
type Service struct {
	schedule chan scheduleCmd
	cancel   chan cancelCmd
	out      chan Expiration
}

// New returns a Timer service. Run must be called to start delivering
// expirations.
func New() *Service {
	return &Service{
		schedule: make(chan scheduleCmd),
		cancel:   make(chan cancelCmd),
		out:      make(chan Expiration, 64),
	}
}

// Expirations returns the channel on which fired tokens are delivered, in
// due-time order.
func (s *Service) Expirations() <-chan Expiration {
	return s.out
}

// Schedule arranges for token to fire after duration elapses. If repeat is
// true the timer re-arms itself with the same duration each time it fires;
// otherwise it is discarded after firing once.
func (s *Service) Schedule(ctx context.Context, token uint64, duration time.Duration, repeat bool) {
	select {
	case s.schedule <- scheduleCmd{token: token, duration: duration, repeat: repeat}:
	case <-ctx.Done():
	}
}

// Cancel removes token if it is still pending. A token whose expiration has
// already been handed off for delivery may still be delivered afterwards;
// consumers must tolerate that race by checking their own bookkeeping.
func (s *Service) Cancel(ctx context.Context, token uint64) {
	select {
	case s.cancel <- cancelCmd{token: token}:
	case <-ctx.Done():
	}
}

// Run drives the service until ctx is cancelled. Fired tokens are queued
// into an outbox and delivered from the same select that takes commands,
// so a consumer that is itself blocked in Schedule or Cancel can never
// wedge the service.
func (s *Service) Run(ctx context.Context) error {
	var pending pendingQueue
	byToken := make(map[uint64]*entry)
	var outbox []Expiration

	for {
		var (
			wake    <-chan time.Time
			wakeTmr *time.Timer
		)
		if next := pending.next(); next != nil {
			d := time.Until(next.fireAt)
			if d < 0 {
				d = 0
			}
			wakeTmr = time.NewTimer(d)
			wake = wakeTmr.C
		}

		var (
			deliver chan<- Expiration
			head    Expiration
		)
		if len(outbox) > 0 {
			deliver = s.out
			head = outbox[0]
		}

		select {
		case <-ctx.Done():
			if wakeTmr != nil {
				wakeTmr.Stop()
			}
			return ctx.Err()

		case deliver <- head:
			outbox = outbox[1:]

		case cmd := <-s.schedule:
			if old, ok := byToken[cmd.token]; ok {
				old.cancelled = true
			}
			e := &entry{
				token:    cmd.token,
				fireAt:   time.Now().Add(cmd.duration),
				duration: cmd.duration,
				repeat:   cmd.repeat,
			}
			byToken[cmd.token] = e
			pending.add(e)

		case cmd := <-s.cancel:
			if e, ok := byToken[cmd.token]; ok {
				e.cancelled = true
				delete(byToken, cmd.token)
			}

		case <-wake:
			outbox = collectDue(&pending, byToken, outbox)
		}

		if wakeTmr != nil {
			wakeTmr.Stop()
		}
	}
}

// collectDue pops every entry whose deadline has elapsed, appending its
// expiration to the outbox in due-time order and re-arming repeats.
func collectDue(pending *pendingQueue, byToken map[uint64]*entry, outbox []Expiration) []Expiration {
	now := time.Now()
	for {
		next := pending.next()
		if next == nil || next.fireAt.After(now) {
			return outbox
		}
		e := pending.take()

		if e.cancelled {
			continue
		}
		delete(byToken, e.token)

		outbox = append(outbox, Expiration{Token: e.token})

		if e.repeat {
			re := &entry{
				token:    e.token,
				fireAt:   now.Add(e.duration),
				duration: e.duration,
				repeat:   true,
			}
			byToken[e.token] = re
			pending.add(re)
		}
	}
}
