package core

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCredentialRing_RotateModulo(t *testing.T) {
	for n := 1; n <= 5; n++ {
		keys := make([]string, n)
		for i := range keys {
			keys[i] = string(rune('a' + i))
		}
		r := NewCredentialRing(keys)

		for k := 1; k <= 12; k++ {
			r.Rotate(r.Index())
			want := k % n
			if n == 1 {
				want = 0
			}
			assert.Equal(t, want, r.Index(), "n=%d k=%d", n, k)
		}
	}
}

func TestCredentialRing_Empty(t *testing.T) {
	r := NewCredentialRing(nil)
	_, _, ok := r.Current()
	assert.False(t, ok)
	assert.Equal(t, 0, r.Count())
	assert.Equal(t, 0, r.Rotate(0))
}

func TestCredentialRing_StaleRotateIsNoop(t *testing.T) {
	r := NewCredentialRing([]string{"a", "b", "c"})
	assert.Equal(t, 1, r.Rotate(0))
	// 另一个请求还以为当前在 0
	assert.Equal(t, 1, r.Rotate(0))

	key, idx, ok := r.Current()
	assert.True(t, ok)
	assert.Equal(t, "b", key)
	assert.Equal(t, 1, idx)
}

func TestCredentialRing_CopiesKeys(t *testing.T) {
	keys := []string{"a", "b"}
	r := NewCredentialRing(keys)
	keys[0] = "changed"

	key, _, _ := r.Current()
	assert.Equal(t, "a", key)
}

func TestCredentialRing_ConcurrentRotate(t *testing.T) {
	r := NewCredentialRing([]string{"a", "b", "c", "d"})

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, idx, _ := r.Current()
			r.Rotate(idx)
		}()
	}
	wg.Wait()

	idx := r.Index()
	assert.GreaterOrEqual(t, idx, 0)
	assert.Less(t, idx, 4)
}
