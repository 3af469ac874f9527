// Package ratelimit tracks exponential-backoff penalties keyed
// independently by IP subnet, actor identity and request domain. The ip
// dimension is always enforced; actor and domain are togglable per
// handler.
package ratelimit

import (
	"context"
	"math"
	"time"

	"pkd/pkg/pkderr"
)

// Dimension is one independent rate-limit key space.
type Dimension string

const (
	DimIP     Dimension = "ip"
	DimActor  Dimension = "actor"
	DimDomain Dimension = "domain"
)

// Data is the penalty state for one (dimension, id). Values are
// copy-on-write: every mutation produces a new instance.
type Data struct {
	Failures      int       `json:"failures"`
	LastFailTime  time.Time `json:"last_fail_time"`
	CooldownStart time.Time `json:"cooldown_start"`
}

// Interval maps a failure count to its penalty duration:
// base * 2^(failures-1), zero for failures <= 0.
func Interval(base time.Duration, failures int) time.Duration {
	if failures <= 0 {
		return 0
	}
	shift := failures - 1
	if shift > 40 {
		return time.Duration(math.MaxInt64)
	}
	iv := base << uint(shift)
	if iv < 0 || iv/base != 1<<uint(shift) {
		return time.Duration(math.MaxInt64)
	}
	return iv
}

// PenaltyEnd is the instant the penalty window closes. A positive max
// caps the window at LastFailTime + max; zero means uncapped.
func (d Data) PenaltyEnd(base, max time.Duration) time.Time {
	iv := Interval(base, d.Failures)
	if max > 0 && iv > max {
		iv = max
	}
	return d.LastFailTime.Add(iv)
}

// CooledDown steps the failure count back down for every full cooldown
// window (three penalty intervals) that has elapsed without a new
// failure. Recovery is gradual rather than an instant reset, so rapid
// penalty/cooldown oscillation gains nothing.
func (d Data) CooledDown(base time.Duration, now time.Time) Data {
	failures := d.Failures
	mark := d.CooldownStart
	for failures > 0 {
		next := mark.Add(3 * Interval(base, failures))
		if next.After(now) {
			break
		}
		mark = next
		failures--
	}
	if failures == d.Failures {
		return d
	}
	return Data{Failures: failures, LastFailTime: d.LastFailTime, CooldownStart: mark}
}

// Storage persists penalty state. Implementations delete entries whose
// failure count has decayed to zero.
type Storage interface {
	Get(ctx context.Context, dim Dimension, id string) (Data, bool, error)
	Put(ctx context.Context, dim Dimension, id string, d Data) error
	Del(ctx context.Context, dim Dimension, id string) error
}

// Limiter is the penalty engine consulted by middleware around the
// protocol endpoints.
type Limiter struct {
	Base    time.Duration
	Max     map[Dimension]time.Duration
	Storage Storage

	now func() time.Time
}

func New(base time.Duration, storage Storage) *Limiter {
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	return &Limiter{
		Base:    base,
		Max:     map[Dimension]time.Duration{},
		Storage: storage,
		now:     time.Now,
	}
}

// Enforce checks every requested dimension. If any is still inside its
// penalty window it returns a RateLimitError carrying the exact
// retry-after instant; otherwise the stored cooldown is reduced in place.
func (l *Limiter) Enforce(ctx context.Context, ids map[Dimension]string) error {
	now := l.now()
	for dim, id := range ids {
		if id == "" {
			continue
		}
		data, ok, err := l.Storage.Get(ctx, dim, id)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		cooled := data.CooledDown(l.Base, now)
		if cooled.Failures == 0 {
			if err := l.Storage.Del(ctx, dim, id); err != nil {
				return err
			}
			continue
		}
		if cooled != data {
			if err := l.Storage.Put(ctx, dim, id, cooled); err != nil {
				return err
			}
		}
		if end := cooled.PenaltyEnd(l.Base, l.Max[dim]); now.Before(end) {
			return &pkderr.RateLimitError{RateLimitedUntil: end}
		}
	}
	return nil
}

// RecordPenalty increments the failure count for one dimension and
// restarts both the penalty and cooldown clocks.
func (l *Limiter) RecordPenalty(ctx context.Context, dim Dimension, id string) error {
	if id == "" {
		return nil
	}
	now := l.now()
	data, ok, err := l.Storage.Get(ctx, dim, id)
	if err != nil {
		return err
	}
	if ok {
		data = data.CooledDown(l.Base, now)
	}
	next := Data{Failures: data.Failures + 1, LastFailTime: now, CooldownStart: now}
	return l.Storage.Put(ctx, dim, id, next)
}
