package ring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestBuffer_EvictsOldestFirst(t *testing.T) {
	b := New[int](3)

	for i := 1; i <= 3; i++ {
		_, evicted := b.Push(i)
		assert.False(t, evicted)
	}
	assert.Equal(t, []int{1, 2, 3}, b.Slice())

	old, evicted := b.Push(4)
	assert.True(t, evicted)
	assert.Equal(t, 1, old)
	assert.Equal(t, []int{2, 3, 4}, b.Slice())
	assert.Equal(t, 3, b.Len())
	assert.Equal(t, 3, b.Cap())
}

func TestBuffer_Reset(t *testing.T) {
	b := New[string](2)
	b.Push("a")
	b.Push("b")
	b.Reset()

	assert.Equal(t, 0, b.Len())
	assert.Empty(t, b.Slice())

	b.Push("c")
	assert.Equal(t, []string{"c"}, b.Slice())
}

func TestNew_PanicsOnZeroCapacity(t *testing.T) {
	assert.Panics(t, func() { New[int](0) })
}

func TestBuffer_KeepsMostRecentN(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		capacity := rapid.IntRange(1, 16).Draw(t, "capacity")
		values := rapid.SliceOf(rapid.Int()).Draw(t, "values")

		b := New[int](capacity)
		for _, v := range values {
			b.Push(v)
		}

		want := values
		if len(want) > capacity {
			want = want[len(want)-capacity:]
		}
		got := b.Slice()
		if len(got) != len(want) {
			t.Fatalf("len = %d, want %d", len(got), len(want))
		}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("item %d = %d, want %d", i, got[i], want[i])
			}
		}
	})
}
