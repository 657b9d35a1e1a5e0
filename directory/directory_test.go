package directory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aaronvark/o2/message"
)

func TestAddServiceRejectsDuplicate(t *testing.T) {
	d := New()
	_, err := d.AddService("synth", KindLocal, "")
	require.NoError(t, err)
	_, err = d.AddService("synth", KindLocal, "")
	assert.ErrorIs(t, err, ErrServiceExists)
}

func TestLocalImmediateDispatch(t *testing.T) {
	d := New()
	_, err := d.AddService("synth", KindLocal, "")
	require.NoError(t, err)

	var got float32
	_, err = d.AddMethod("/synth/vol", "f", true, false, true, func(msg *message.Message, argv []message.Arg, userData interface{}) {
		got = argv[0].F
	}, nil)
	require.NoError(t, err)

	msg := &message.Message{Address: "/synth/vol", Typetag: "f", Args: []message.Arg{{Type: message.TypeFloat32, F: 0.5}}}
	svc, segs, err := d.Resolve(msg.Address)
	require.NoError(t, err)
	invoked := d.DispatchLocal(svc, segs, msg)
	assert.Equal(t, 1, invoked)
	assert.Equal(t, float32(0.5), got)
}

func TestPatternMatchInvokesBothInInstallationOrder(t *testing.T) {
	d := New()
	_, err := d.AddService("s", KindLocal, "")
	require.NoError(t, err)

	var order []string
	handler := func(name string) Handler {
		return func(msg *message.Message, argv []message.Arg, userData interface{}) {
			order = append(order, name)
			assert.Equal(t, int32(7), argv[0].I)
		}
	}
	_, err = d.AddMethod("/s/a", "i", true, false, true, handler("a"), nil)
	require.NoError(t, err)
	_, err = d.AddMethod("/s/b", "i", true, false, true, handler("b"), nil)
	require.NoError(t, err)

	msg := &message.Message{Address: "/s/*", Typetag: "i", Args: []message.Arg{{Type: message.TypeInt32, I: 7}}}
	svc, segs, err := d.Resolve(msg.Address)
	require.NoError(t, err)
	invoked := d.DispatchLocal(svc, segs, msg)
	assert.Equal(t, 2, invoked)
	assert.Equal(t, []string{"a", "b"}, order)
}

func TestTypespecMismatchWithoutCoerceSkipsMethod(t *testing.T) {
	d := New()
	_, err := d.AddService("s", KindLocal, "")
	require.NoError(t, err)
	called := false
	_, err = d.AddMethod("/s/x", "i", true, false, true, func(*message.Message, []message.Arg, interface{}) {
		called = true
	}, nil)
	require.NoError(t, err)

	msg := &message.Message{Address: "/s/x", Typetag: "f", Args: []message.Arg{{Type: message.TypeFloat32, F: 1}}}
	svc, segs, _ := d.Resolve(msg.Address)
	invoked := d.DispatchLocal(svc, segs, msg)
	assert.Equal(t, 0, invoked)
	assert.False(t, called)
}

func TestCoerceAllowsTypeMismatchWhenRepresentable(t *testing.T) {
	d := New()
	_, err := d.AddService("s", KindLocal, "")
	require.NoError(t, err)
	var got int32
	_, err = d.AddMethod("/s/x", "i", true, true, true, func(_ *message.Message, argv []message.Arg, _ interface{}) {
		got = argv[0].I
	}, nil)
	require.NoError(t, err)

	msg := &message.Message{Address: "/s/x", Typetag: "f", Args: []message.Arg{{Type: message.TypeFloat32, F: 3}}}
	svc, segs, _ := d.Resolve(msg.Address)
	invoked := d.DispatchLocal(svc, segs, msg)
	assert.Equal(t, 1, invoked)
	assert.Equal(t, int32(3), got)
}

func TestResolveUnknownServiceFails(t *testing.T) {
	d := New()
	_, _, err := d.Resolve("/nope/x")
	assert.ErrorIs(t, err, ErrUnknownService)
}

func TestBangPrefixDisablesWildcardExpansion(t *testing.T) {
	d := New()
	_, err := d.AddService("s", KindLocal, "")
	require.NoError(t, err)
	called := false
	_, err = d.AddMethod("/s/*lit", "", false, false, false, func(*message.Message, []message.Arg, interface{}) {
		called = true
	}, nil)
	require.NoError(t, err)

	msg := &message.Message{Address: "!s/*lit", Typetag: ""}
	svc, segs, err := d.Resolve(msg.Address)
	require.NoError(t, err)
	invoked := d.DispatchLocal(svc, segs, msg)
	assert.Equal(t, 1, invoked, "the literal segment '*lit' must be matched exactly under the '!' hint")
	assert.True(t, called)
}
