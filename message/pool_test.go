package message

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassForPicksSmallestFittingClass(t *testing.T) {
	assert.Equal(t, 64, classFor(10))
	assert.Equal(t, 256, classFor(64+1))
	assert.Equal(t, 16384, classFor(16384))
}

func TestStoreRecyclesBuffersBySizeClass(t *testing.T) {
	store := NewStore(DefaultAllocator)
	buf := store.acquire(100)
	assert.Equal(t, 0, len(buf))
	m := &Message{buf: append(buf, make([]byte, 100)...), allocated: 256}
	store.Recycle(m)
	assert.Nil(t, m.buf)
	assert.Len(t, store.freeLists[256], 1)
}

func TestEncodeMessageReusesRecycledBuffer(t *testing.T) {
	store := NewStore(DefaultAllocator)
	m := &Message{Address: "/a", Typetag: "i", Args: []Arg{{Type: TypeInt32, I: 1}}}
	raw, err := EncodeMessage(store, m)
	require.NoError(t, err)
	first := &raw[0]
	store.Recycle(m)

	m2 := &Message{Address: "/a", Typetag: "i", Args: []Arg{{Type: TypeInt32, I: 2}}}
	raw2, err := EncodeMessage(store, m2)
	require.NoError(t, err)
	assert.Same(t, first, &raw2[0])
}
