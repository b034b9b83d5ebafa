package xmessenger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

type traceStamp struct{ N int }

func (traceStamp) StampName() string { return "trace" }

func TestEnvelope_WithDoesNotMutateReceiver(t *testing.T) {
	base := NewEnvelope("msg", BusNameStamp{BusName: "a"})
	left := base.With(traceStamp{N: 1})
	right := base.With(traceStamp{N: 2})

	assert.Len(t, base.Stamps(), 1)
	assert.Equal(t, []traceStamp{{N: 1}}, All[traceStamp](left))
	assert.Equal(t, []traceStamp{{N: 2}}, All[traceStamp](right))
	assert.Same(t, base, base.With(), "no stamps returns the receiver")
	assert.Same(t, base, base.With(nil))
}

func TestEnvelope_StampsReturnsCopy(t *testing.T) {
	env := NewEnvelope("msg", traceStamp{N: 1})
	s := env.Stamps()
	s[0] = traceStamp{N: 99}
	last, _ := Last[traceStamp](env)
	assert.Equal(t, 1, last.N)
}

func TestEnvelope_Accessors(t *testing.T) {
	env := NewEnvelope("msg", traceStamp{N: 1}, BusNameStamp{BusName: "a"}, traceStamp{N: 2})

	last, ok := Last[traceStamp](env)
	require.True(t, ok)
	assert.Equal(t, 2, last.N)
	assert.Equal(t, []traceStamp{{N: 1}, {N: 2}}, All[traceStamp](env))
	assert.True(t, Has[BusNameStamp](env))
	assert.False(t, Has[SentStamp](env))

	_, ok = Last[SentStamp](env)
	assert.False(t, ok)

	stripped := WithoutAll[traceStamp](env)
	assert.False(t, Has[traceStamp](stripped))
	assert.True(t, Has[BusNameStamp](stripped))
	assert.Len(t, env.Stamps(), 3)
}

func TestWrap_ReusesEnvelope(t *testing.T) {
	env := NewEnvelope("msg", traceStamp{N: 1})
	wrapped := Wrap(env, traceStamp{N: 2})
	assert.Equal(t, "msg", wrapped.Message())
	assert.Len(t, All[traceStamp](wrapped), 2)
	assert.Len(t, All[traceStamp](env), 1)

	plain := Wrap(42)
	assert.Equal(t, 42, plain.Message())
}

func TestEnvelope_CopyOnWriteProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		initial := rapid.SliceOfN(rapid.IntRange(0, 1000), 0, 8).Draw(t, "initial")
		branches := rapid.SliceOfN(rapid.SliceOfN(rapid.IntRange(0, 1000), 1, 4), 1, 5).Draw(t, "branches")

		base := NewEnvelope("msg")
		for _, n := range initial {
			base = base.With(traceStamp{N: n})
		}
		before := All[traceStamp](base)

		for _, br := range branches {
			env := base
			for _, n := range br {
				env = env.With(traceStamp{N: n})
			}
			got := All[traceStamp](env)
			if len(got) != len(initial)+len(br) {
				t.Fatalf("branch has %d stamps, want %d", len(got), len(initial)+len(br))
			}
			for i, n := range br {
				if got[len(initial)+i].N != n {
					t.Fatalf("branch stamp %d = %d, want %d", i, got[len(initial)+i].N, n)
				}
			}
		}

		after := All[traceStamp](base)
		if len(after) != len(before) {
			t.Fatalf("base grew from %d to %d stamps", len(before), len(after))
		}
		for i := range before {
			if before[i] != after[i] {
				t.Fatalf("base stamp %d changed", i)
			}
		}
	})
}

func TestMessageName(t *testing.T) {
	type local struct{}

	assert.Equal(t, "local", MessageName(local{}))
	assert.Equal(t, "local", MessageName(&local{}))
	assert.Equal(t, "local", MessageName(NewEnvelope(&local{})))
	assert.Equal(t, "", MessageName(nil))
	assert.Equal(t, "[]string", MessageName([]string{}))
}
