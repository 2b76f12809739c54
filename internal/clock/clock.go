// Package clock makes wall-clock time an explicit input so that cache TTLs,
// behavior retention and probe timing can be driven deterministically in tests.
package clock

import (
	"sync"
	"time"
)

// Clock returns the current time and hands out tickers driven by it.
type Clock interface {
	Now() time.Time
	NewTicker(period time.Duration) Ticker
}

// Ticker delivers ticks on C until Stop. Like time.Ticker, ticks are dropped
// when the receiver falls behind.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type realClock struct{}

// Real returns a Clock backed by time.Now (UTC).
func Real() Clock {
	return realClock{}
}

func (realClock) Now() time.Time {
	return time.Now().UTC()
}

func (realClock) NewTicker(period time.Duration) Ticker {
	return realTicker{ticker: time.NewTicker(period)}
}

type realTicker struct {
	ticker *time.Ticker
}

func (ticker realTicker) C() <-chan time.Time { return ticker.ticker.C }
func (ticker realTicker) Stop()               { ticker.ticker.Stop() }

// Manual is a Clock that only moves when told to. It is safe for concurrent use.
// Its tickers fire from Advance and Set.
type Manual struct {
	mutexForNow sync.Mutex
	now         time.Time
	tickers     []*manualTicker
}

// NewManual creates a Manual clock starting at the given instant.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

// Now implements Clock.
func (manual *Manual) Now() time.Time {
	manual.mutexForNow.Lock()
	defer manual.mutexForNow.Unlock()
	return manual.now
}

// NewTicker implements Clock. The first tick is due one period from now.
func (manual *Manual) NewTicker(period time.Duration) Ticker {
	if period <= 0 {
		panic("clock: non-positive ticker period")
	}
	manual.mutexForNow.Lock()
	defer manual.mutexForNow.Unlock()

	ticker := &manualTicker{
		owner:   manual,
		period:  period,
		nextDue: manual.now.Add(period),
		channel: make(chan time.Time, 1),
	}
	manual.tickers = append(manual.tickers, ticker)
	return ticker
}

// Advance moves the clock forward by delta.
func (manual *Manual) Advance(delta time.Duration) {
	manual.mutexForNow.Lock()
	defer manual.mutexForNow.Unlock()
	manual.now = manual.now.Add(delta)
	manual.fireLocked()
}

// Set moves the clock to an absolute instant.
func (manual *Manual) Set(instant time.Time) {
	manual.mutexForNow.Lock()
	defer manual.mutexForNow.Unlock()
	manual.now = instant
	manual.fireLocked()
}

// fireLocked sends at most one tick per ticker whose deadline has passed.
func (manual *Manual) fireLocked() {
	for _, ticker := range manual.tickers {
		if manual.now.Before(ticker.nextDue) {
			continue
		}
		select {
		case ticker.channel <- manual.now:
		default:
		}
		for !manual.now.Before(ticker.nextDue) {
			ticker.nextDue = ticker.nextDue.Add(ticker.period)
		}
	}
}

func (manual *Manual) removeTicker(target *manualTicker) {
	manual.mutexForNow.Lock()
	defer manual.mutexForNow.Unlock()
	for index, ticker := range manual.tickers {
		if ticker == target {
			manual.tickers = append(manual.tickers[:index], manual.tickers[index+1:]...)
			return
		}
	}
}

type manualTicker struct {
	owner   *Manual
	period  time.Duration
	nextDue time.Time
	channel chan time.Time
}

func (ticker *manualTicker) C() <-chan time.Time { return ticker.channel }
func (ticker *manualTicker) Stop()               { ticker.owner.removeTicker(ticker) }
