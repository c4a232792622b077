package clock

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFake_AdvanceIsMonotonic(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewFake(start)

	c.Advance(2 * time.Second)
	assert.Equal(t, start.Add(2*time.Second), c.Now())

	c.Advance(-time.Hour)
	assert.Equal(t, start.Add(2*time.Second), c.Now(), "negative advance must be ignored")

	c.Set(start)
	assert.Equal(t, start.Add(2*time.Second), c.Now(), "Set must not move backwards")

	c.Set(start.Add(time.Minute))
	assert.Equal(t, start.Add(time.Minute), c.Now())
}

func TestFake_ConcurrentAdvance(t *testing.T) {
	start := time.Unix(0, 0)
	c := NewFake(start)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Advance(time.Millisecond)
		}()
	}
	wg.Wait()

	assert.Equal(t, start.Add(100*time.Millisecond), c.Now())
}

func TestReal_Now(t *testing.T) {
	before := time.Now()
	got := Real{}.Now()
	assert.False(t, got.Before(before))
}
