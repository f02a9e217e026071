package pool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFreeListBounded(t *testing.T) {
	var released []int
	l := NewFreeList(2, func(v int) { released = append(released, v) })

	assert.True(t, l.Put(1))
	assert.True(t, l.Put(2))
	assert.False(t, l.Put(3))
	assert.Equal(t, []int{3}, released)
	assert.Equal(t, 2, l.Len())

	v, ok := l.Get()
	require.True(t, ok)
	assert.Equal(t, 2, v, "most recent first")
}

func TestFreeListLimitAndDrain(t *testing.T) {
	var released []int
	l := NewFreeList(4, func(v int) { released = append(released, v) })
	for i := 0; i < 4; i++ {
		l.Put(i)
	}
	l.SetLimit(1)
	assert.Equal(t, []int{1, 2, 3}, released)
	assert.Equal(t, 1, l.Drain())
	_, ok := l.Get()
	assert.False(t, ok)
}
