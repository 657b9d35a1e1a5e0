package message

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCoerceWidensWithoutLoss(t *testing.T) {
	a := Arg{Type: TypeInt32, I: 7}
	got, ok := Coerce(a, TypeInt64)
	assert.True(t, ok)
	assert.Equal(t, int64(7), got.H)

	got, ok = Coerce(a, TypeFloat64)
	assert.True(t, ok)
	assert.Equal(t, float64(7), got.D)
}

func TestCoerceNarrowsWhenRepresentable(t *testing.T) {
	a := Arg{Type: TypeFloat64, D: 3.9}
	got, ok := Coerce(a, TypeInt32)
	assert.True(t, ok)
	assert.Equal(t, int32(3), got.I) // rounds toward zero
}

func TestCoerceFailsWhenNotRepresentable(t *testing.T) {
	huge := Arg{Type: TypeFloat64, D: 1e18}
	_, ok := Coerce(huge, TypeInt32)
	assert.False(t, ok)
}

func TestCoerceStringSymbolIsNoOp(t *testing.T) {
	a := Arg{Type: TypeString, S: "x"}
	got, ok := Coerce(a, TypeSymbol)
	assert.True(t, ok)
	assert.Equal(t, "x", got.S)
}

func TestCoerceBoolInterconvertsWithInt(t *testing.T) {
	one := Arg{Type: TypeInt32, I: 1}
	got, ok := Coerce(one, TypeTrue)
	assert.True(t, ok)
	assert.Equal(t, byte(TypeTrue), got.Type)

	zero := Arg{Type: TypeInt32, I: 0}
	_, ok = Coerce(zero, TypeTrue)
	assert.False(t, ok)
}

// TestCoerceTotality is property P8: every (from, to) pair either
// deterministically converts or returns ok=false -- it never panics
// and never returns a value tagged with the wrong type.
func TestCoerceTotality(t *testing.T) {
	codes := []byte{TypeInt32, TypeInt64, TypeFloat32, TypeFloat64, TypeTimetag,
		TypeString, TypeSymbol, TypeBlob, TypeChar, TypeMidi, TypeTrue, TypeFalse,
		TypeNil, TypeInfinity, TypeBool}
	samples := map[byte]Arg{
		TypeInt32:    {Type: TypeInt32, I: 5},
		TypeInt64:    {Type: TypeInt64, H: 5},
		TypeFloat32:  {Type: TypeFloat32, F: 5.5},
		TypeFloat64:  {Type: TypeFloat64, D: 5.5},
		TypeTimetag:  {Type: TypeTimetag, D: 5.5},
		TypeString:   {Type: TypeString, S: "s"},
		TypeSymbol:   {Type: TypeSymbol, S: "s"},
		TypeBlob:     {Type: TypeBlob, Blob: NewBlob([]byte{1})},
		TypeChar:     {Type: TypeChar, I: 65},
		TypeMidi:     {Type: TypeMidi},
		TypeTrue:     {Type: TypeTrue},
		TypeFalse:    {Type: TypeFalse},
		TypeNil:      {Type: TypeNil},
		TypeInfinity: {Type: TypeInfinity},
		TypeBool:     {Type: TypeBool, I: 1},
	}
	for _, from := range codes {
		for _, to := range codes {
			got, ok := Coerce(samples[from], to)
			if ok {
				assert.Equal(t, to, got.Type, "from %c to %c produced wrong type", from, to)
			}
		}
	}
}
