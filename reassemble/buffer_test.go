package reassemble

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppendWithinLimit(t *testing.T) {
	b := NewBuffer(16)
	dropped := b.Append([]byte("hello"))
	assert.False(t, dropped)
	assert.Equal(t, []byte("hello"), b.Bytes())
	assert.Equal(t, 5, b.Len())
}

func TestOverflowDiscardsOldestFirst(t *testing.T) {
	b := NewBuffer(4)
	dropped := b.Append([]byte("abcdef"))
	assert.True(t, dropped)
	assert.Equal(t, []byte("cdef"), b.Bytes())
	assert.Equal(t, 1, b.Dropped())
}

func TestConsume(t *testing.T) {
	b := NewBuffer(64)
	b.Append([]byte("request-bytes"))
	b.Consume(8)
	assert.Equal(t, []byte("bytes"), b.Bytes())

	b.Consume(100)
	assert.Zero(t, b.Len())
}

func TestReset(t *testing.T) {
	b := NewBuffer(64)
	b.Append([]byte("stale"))
	b.Reset()
	assert.Zero(t, b.Len())
	assert.Zero(t, b.Dropped())
}

func TestZeroLimitMeansUnbounded(t *testing.T) {
	b := NewBuffer(0)
	dropped := b.Append(make([]byte, 1<<16))
	assert.False(t, dropped)
	assert.Equal(t, 1<<16, b.Len())
}
