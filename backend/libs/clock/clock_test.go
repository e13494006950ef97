package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRealClockIsUTC(t *testing.T) {
	t.Parallel()

	assert.Equal(t, time.UTC, RealClock{}.Now().Location())
}

func TestFakeClockSetAndAdvance(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	clk := NewFakeClock(start)
	assert.True(t, clk.Now().Equal(start))
	assert.True(t, clk.Now().Equal(start), "no step configured, time must not move")

	clk.Advance(5 * time.Minute)
	assert.True(t, clk.Now().Equal(start.Add(5*time.Minute)))

	later := time.Date(2024, 2, 1, 0, 0, 0, 0, time.FixedZone("X", 3600))
	clk.Set(later)
	assert.True(t, clk.Now().Equal(later))
	assert.Equal(t, time.UTC, clk.Now().Location())
}

func TestFakeClockStep(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clk := NewFakeClock(start)
	clk.SetStep(time.Second)

	first := clk.Now()
	second := clk.Now()
	assert.Equal(t, time.Second, second.Sub(first))
	assert.True(t, first.Equal(start))
}
