package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCache_SetGet(t *testing.T) {
	c := NewCache(time.Minute)
	defer c.Stop()

	c.Set("call-1", "conv-1")
	v, ok := c.Get("call-1")
	assert.True(t, ok)
	assert.Equal(t, "conv-1", v)

	_, ok = c.Get("missing")
	assert.False(t, ok)

	c.Delete("call-1")
	_, ok = c.Get("call-1")
	assert.False(t, ok)
}

func TestCache_Expiry(t *testing.T) {
	c := NewCache(time.Minute)
	defer c.Stop()

	c.SetWithTTL("call-1", true, 10*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	_, ok := c.Get("call-1")
	assert.False(t, ok)
	assert.Equal(t, 1, c.Size())

	c.removeExpired()
	assert.Equal(t, 0, c.Size())
}

func TestCache_SetIfAbsent(t *testing.T) {
	c := NewCache(time.Minute)
	defer c.Stop()

	assert.True(t, c.SetIfAbsent("call-1", true))
	assert.False(t, c.SetIfAbsent("call-1", true))

	c.SetWithTTL("call-2", true, time.Nanosecond)
	time.Sleep(time.Millisecond)
	assert.True(t, c.SetIfAbsent("call-2", true))
}

func TestCache_StopIsIdempotent(t *testing.T) {
	c := NewCache(time.Minute)
	c.Stop()
	c.Stop()
	c.Clear()
	assert.Equal(t, 0, c.Size())
}
