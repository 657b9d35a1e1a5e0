package directory

import "github.com/aaronvark/o2/message"

// Handler is invoked once per matching method per dispatched message.
// argv is nil when Parse is false, in which case the handler is
// expected to read arguments itself via message.Start(msg). Handlers
// return nothing and must not retain msg beyond the call.
type Handler func(msg *message.Message, argv []message.Arg, userData interface{})

// Method is a handler bound to one trie node, with an optional
// typespec and coercion/parsing behavior, matching o2_add_method's
// parameters in the original API.
type Method struct {
	Typespec    string
	HasTypespec bool
	Coerce      bool
	Parse       bool
	Handler     Handler
	UserData    interface{}
}

// matchAndExtract reports whether this method accepts msg, applying the
// typespec-exact-match-or-coerce rule. When it matches and Parse is
// true, the coerced argument vector is returned; otherwise argv is
// nil.
func (m *Method) matchAndExtract(msg *message.Message) (argv []message.Arg, ok bool) {
	if !m.HasTypespec {
		if m.Parse {
			return msg.Args, true
		}
		return nil, true
	}
	if m.Typespec == msg.Typetag {
		if m.Parse {
			return msg.Args, true
		}
		return nil, true
	}
	if !m.Coerce {
		return nil, false
	}
	if len(m.Typespec) != len(msg.Args) {
		return nil, false
	}
	coerced := make([]message.Arg, len(msg.Args))
	for i, want := range []byte(m.Typespec) {
		a, ok := message.Coerce(msg.Args[i], want)
		if !ok {
			return nil, false
		}
		coerced[i] = a
	}
	if m.Parse {
		return coerced, true
	}
	return nil, true
}
