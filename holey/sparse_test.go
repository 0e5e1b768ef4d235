package holey_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/momentics/netplay/holey"
)

func TestSparsePutGetRemove(t *testing.T) {
	var s holey.Sparse[string]
	s.Allocate(4)
	s.Put(2, "two")
	s.Put(0, "zero")
	assert.Equal(t, 2, s.Len())
	assert.Equal(t, "two", *s.Get(2))
	assert.Equal(t, "zero", *s.Get(0))
	assert.Nil(t, s.Get(1))

	assert.True(t, s.Remove(2))
	assert.False(t, s.Remove(2))
	assert.Nil(t, s.Get(2))
	assert.Equal(t, 1, s.Len())
}

func TestSparseGrowsPastAllocation(t *testing.T) {
	var s holey.Sparse[int]
	s.Allocate(2)
	s.Put(9, 90)
	assert.Equal(t, 90, *s.Get(9))
}

func TestSparseForEachAscendingIDOrder(t *testing.T) {
	var s holey.Sparse[int]
	for _, id := range []int{7, 1, 4} {
		s.Put(id, id*10)
	}
	var ids, denses []int
	s.ForEach(func(dense, id int, v *int) {
		denses = append(denses, dense)
		ids = append(ids, id)
		assert.Equal(t, id*10, *v)
	})
	assert.Equal(t, []int{0, 1, 2}, denses)
	assert.Equal(t, []int{1, 4, 7}, ids)
}
