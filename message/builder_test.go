package message

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuilderProducesMessage(t *testing.T) {
	store := NewStore(DefaultAllocator)
	b, err := store.Start()
	require.NoError(t, err)

	m, err := b.AddInt32(1).AddFloat32(2.5).AddString("hi").Finish(0.0, "/synth/vol")
	require.NoError(t, err)
	assert.Equal(t, "ifs", m.Typetag)
	assert.Equal(t, "/synth/vol", m.Address)
}

func TestStoreRejectsConcurrentBuilders(t *testing.T) {
	store := NewStore(DefaultAllocator)
	_, err := store.Start()
	require.NoError(t, err)

	_, err = store.Start()
	assert.ErrorIs(t, err, ErrBuilderBusy)
}

func TestStoreAllowsNewBuilderAfterFinish(t *testing.T) {
	store := NewStore(DefaultAllocator)
	b, err := store.Start()
	require.NoError(t, err)
	_, err = b.Finish(0, "/a")
	require.NoError(t, err)

	_, err = store.Start()
	assert.NoError(t, err)
}

func TestExtractorCoercesAndAdvances(t *testing.T) {
	m := &Message{Args: []Arg{{Type: TypeInt32, I: 7}, {Type: TypeString, S: "x"}}}
	e := Start(m)

	v, ok := e.GetNext(TypeFloat64)
	require.True(t, ok)
	assert.Equal(t, float64(7), v.D)

	_, ok = e.GetNext(TypeInt32)
	assert.False(t, ok, "cursor should not advance past a non-numeric argument when asking for i")

	v, ok = e.GetNext(TypeSymbol)
	require.True(t, ok)
	assert.Equal(t, "x", v.S)

	_, ok = e.GetNext(TypeInt32)
	assert.False(t, ok, "extractor exhausted")
}
