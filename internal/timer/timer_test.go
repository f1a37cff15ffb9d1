package timer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct{ t time.Time }

func (f *fakeClock) Now() time.Time        { return f.t }
func (f *fakeClock) Sleep(d time.Duration) { f.t = f.t.Add(d) }

func TestSource_ArmsAfterInterval(t *testing.T) {
	fc := &fakeClock{t: time.Unix(0, 0)}
	s := NewSource(10*time.Second, fc)

	s.Poll()
	assert.False(t, s.TakeIfSet())

	fc.t = fc.t.Add(11 * time.Second)
	s.Poll()
	assert.True(t, s.TakeIfSet())
	assert.False(t, s.TakeIfSet())
}

func TestSource_RearmsOnNextInterval(t *testing.T) {
	fc := &fakeClock{t: time.Unix(0, 0)}
	s := NewSource(5*time.Second, fc)

	fc.t = fc.t.Add(5 * time.Second)
	s.Poll()
	assert.True(t, s.TakeIfSet())

	fc.t = fc.t.Add(5 * time.Second)
	s.Poll()
	assert.True(t, s.TakeIfSet())
}
