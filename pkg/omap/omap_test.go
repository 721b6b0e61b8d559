package omap

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMapInsertLookupErase(t *testing.T) {
	m := New[uint32, string]()

	_, ok := m.Lookup(1)
	require.False(t, ok)

	m.Insert(1, "a")
	v, ok := m.Lookup(1)
	require.True(t, ok)
	require.Equal(t, "a", v)
	require.Equal(t, 1, m.Size())

	m.Insert(1, "b")
	v, ok = m.Lookup(1)
	require.True(t, ok)
	require.Equal(t, "b", v)
	require.Equal(t, 1, m.Size())

	v, ok = m.Erase(1)
	require.True(t, ok)
	require.Equal(t, "b", v)
	require.Equal(t, 0, m.Size())

	_, ok = m.Erase(1)
	require.False(t, ok)
}

func TestMapInsertNewRejectsDuplicateKey(t *testing.T) {
	m := New[uint32, string]()

	require.True(t, m.InsertNew(1, "a"))
	require.False(t, m.InsertNew(1, "b"))

	v, ok := m.Lookup(1)
	require.True(t, ok)
	require.Equal(t, "a", v)
}

func TestMapClearRunsCallbackAfterUnlock(t *testing.T) {
	m := New[uint32, int]()
	m.Insert(1, 10)
	m.Insert(2, 20)

	seen := map[uint32]int{}
	m.Clear(func(k uint32, v int) {
		seen[k] = v
		// Reentrant use of m must not deadlock: Clear has already
		// unlocked before invoking callbacks.
		m.Size()
	})

	require.Equal(t, map[uint32]int{1: 10, 2: 20}, seen)
	require.Equal(t, 0, m.Size())
}

func TestMapEach(t *testing.T) {
	m := New[uint32, int]()
	m.Insert(1, 10)
	m.Insert(2, 20)

	total := 0
	m.Each(func(_ uint32, v int) { total += v })
	require.Equal(t, 30, total)
}
