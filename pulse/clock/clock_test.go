package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestVirtualClock(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	c := NewVirtual(t0)

	assert.Equal(t, t0, c.Now())
	assert.Equal(t, t0.Add(59*time.Minute), c.Advance(59*time.Minute))
	assert.Equal(t, t0.Add(59*time.Minute), c.Now())

	c.Set(t0)
	assert.Equal(t, t0, c.Now())
}

func TestVirtualClockNormalizesToUTC(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*60*60)
	c := NewVirtual(time.Date(2024, 1, 1, 14, 0, 0, 0, loc))

	assert.Equal(t, time.UTC, c.Now().Location())
	assert.Equal(t, 12, c.Now().Hour())
}

func TestSystemClock(t *testing.T) {
	before := time.Now()
	now := System{}.Now()

	assert.Equal(t, time.UTC, now.Location())
	assert.WithinDuration(t, before, now, time.Second)
}

func TestFuncClock(t *testing.T) {
	fixed := time.Date(2030, 6, 1, 0, 0, 0, 0, time.UTC)
	var c Clock = Func(func() time.Time { return fixed })
	assert.Equal(t, fixed, c.Now())
}
