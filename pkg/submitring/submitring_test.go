package submitring

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSubmitRingPushPop(t *testing.T) {
	r := require.New(t)

	sr := New(10)
	r.True(sr.Empty())

	r.True(sr.Push(100))
	r.False(sr.Empty())

	seq, ok := sr.Pop()
	r.True(ok)
	r.EqualValues(100, seq)
	r.True(sr.Empty())
}

func TestSubmitRingRejectsPastDepth(t *testing.T) {
	r := require.New(t)

	sr := New(2)
	r.False(sr.Full())

	r.True(sr.Push(1))
	r.False(sr.Full())

	r.True(sr.Push(2))
	r.True(sr.Full())

	r.False(sr.Push(3))
	r.Equal(2, sr.InFlight())
}

func TestSubmitRingWrapsAround(t *testing.T) {
	r := require.New(t)

	sr := New(4)
	r.True(sr.Push(1))
	r.True(sr.Push(2))
	r.True(sr.Push(3))
	r.True(sr.Push(4))

	_, ok := sr.Pop()
	r.True(ok)
	_, ok = sr.Pop()
	r.True(ok)

	r.False(sr.Full())
	r.True(sr.Push(5))
	r.True(sr.Push(6))
	r.True(sr.Full())

	r.Equal(4, sr.InFlight())

	for _, want := range []uint64{3, 4, 5, 6} {
		got, ok := sr.Pop()
		r.True(ok)
		r.Equal(want, got)
	}
}
