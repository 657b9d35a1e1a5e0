package message

// Builder is the streaming message construction API: a sequence of
// Add<Type> calls followed by Finish. Only one Builder may be in
// progress per Store at a time; Store.Start enforces this.
type Builder struct {
	store   *Store
	args    []Arg
	done    bool
	invalid bool
}

func newBuilder(s *Store) *Builder {
	return &Builder{store: s}
}

func (b *Builder) add(a Arg) *Builder {
	if b.done {
		b.invalid = true
		return b
	}
	b.args = append(b.args, a)
	return b
}

func (b *Builder) AddInt32(v int32) *Builder     { return b.add(Arg{Type: TypeInt32, I: v}) }
func (b *Builder) AddInt64(v int64) *Builder     { return b.add(Arg{Type: TypeInt64, H: v}) }
func (b *Builder) AddFloat32(v float32) *Builder { return b.add(Arg{Type: TypeFloat32, F: v}) }
func (b *Builder) AddFloat64(v float64) *Builder { return b.add(Arg{Type: TypeFloat64, D: v}) }
func (b *Builder) AddTimetag(v float64) *Builder { return b.add(Arg{Type: TypeTimetag, D: v}) }
func (b *Builder) AddString(v string) *Builder   { return b.add(Arg{Type: TypeString, S: v}) }
func (b *Builder) AddSymbol(v string) *Builder   { return b.add(Arg{Type: TypeSymbol, S: v}) }
func (b *Builder) AddBlob(v []byte) *Builder      { return b.add(Arg{Type: TypeBlob, Blob: NewBlob(v)}) }
func (b *Builder) AddChar(v int32) *Builder      { return b.add(Arg{Type: TypeChar, I: v}) }
func (b *Builder) AddMidi(v [4]byte) *Builder    { return b.add(Arg{Type: TypeMidi, Midi: v}) }
func (b *Builder) AddBool(v bool) *Builder {
	i := int32(0)
	if v {
		i = 1
	}
	return b.add(Arg{Type: TypeBool, I: i})
}
func (b *Builder) AddTrue() *Builder     { return b.add(Arg{Type: TypeTrue}) }
func (b *Builder) AddFalse() *Builder    { return b.add(Arg{Type: TypeFalse}) }
func (b *Builder) AddNil() *Builder      { return b.add(Arg{Type: TypeNil}) }
func (b *Builder) AddInfinitum() *Builder { return b.add(Arg{Type: TypeInfinity}) }

// Abort releases the builder slot without producing a message, for
// callers that fail validation after Start but before Finish; without
// it the store's single builder slot stays wedged and every later
// Start call returns ErrBuilderBusy.
func (b *Builder) Abort() {
	b.store.release()
}

// Finish completes the message with the given timestamp and address,
// releases the builder slot, and returns the built message. The
// message is owned by the caller until passed to Send or Schedule.
func (b *Builder) Finish(timestamp float64, address string) (*Message, error) {
	defer b.store.release()
	if b.invalid {
		return nil, ErrBuilderIdle
	}
	b.done = true
	if len(address) == 0 || (address[0] != '/' && address[0] != '!') {
		return nil, ErrAddressInvalid
	}
	tt := make([]byte, len(b.args))
	for i, a := range b.args {
		tt[i] = a.Type
	}
	m := &Message{
		Timestamp: timestamp,
		Address:   address,
		Typetag:   string(tt),
		Args:      b.args,
	}
	m.length = m.Len()
	return m, nil
}
