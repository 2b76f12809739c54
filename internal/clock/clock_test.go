package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var clockEpoch = time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)

func TestManual_AdvanceAndSet(t *testing.T) {
	manual := NewManual(clockEpoch)
	manual.Advance(90 * time.Second)
	assert.Equal(t, clockEpoch.Add(90*time.Second), manual.Now())

	manual.Set(clockEpoch)
	assert.Equal(t, clockEpoch, manual.Now())
}

func TestManualTicker_FiresOncePerDeadline(t *testing.T) {
	manual := NewManual(clockEpoch)
	ticker := manual.NewTicker(10 * time.Second)

	manual.Advance(9 * time.Second)
	select {
	case <-ticker.C():
		t.Fatal("tick before the period elapsed")
	default:
	}

	manual.Advance(time.Second)
	assert.Equal(t, clockEpoch.Add(10*time.Second), <-ticker.C())

	// a jump over several periods delivers a single tick, like time.Ticker
	manual.Advance(35 * time.Second)
	assert.Equal(t, clockEpoch.Add(45*time.Second), <-ticker.C())
	select {
	case <-ticker.C():
		t.Fatal("missed ticks must be dropped")
	default:
	}

	// the next deadline stays on the period grid
	manual.Advance(4 * time.Second)
	select {
	case <-ticker.C():
		t.Fatal("tick before the next grid deadline")
	default:
	}
	manual.Advance(time.Second)
	assert.Equal(t, clockEpoch.Add(50*time.Second), <-ticker.C())
}

func TestManualTicker_StopSilences(t *testing.T) {
	manual := NewManual(clockEpoch)
	ticker := manual.NewTicker(time.Second)
	ticker.Stop()

	manual.Advance(5 * time.Second)
	select {
	case <-ticker.C():
		t.Fatal("stopped ticker fired")
	default:
	}
}

func TestReal_TickerTicks(t *testing.T) {
	ticker := Real().NewTicker(time.Millisecond)
	defer ticker.Stop()

	select {
	case <-ticker.C():
	case <-time.After(time.Second):
		t.Fatal("real ticker never fired")
	}
}
