package schedule

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aaronvark/o2/message"
)

func msgAt(addr string) *message.Message {
	return &message.Message{Address: addr}
}

func TestSweepFiresOnlyDueMessages(t *testing.T) {
	w := New(0.1)
	a := msgAt("/a")
	b := msgAt("/b")
	w.Schedule(a, 1.0)
	w.Schedule(b, 5.0)

	due := w.Sweep(1.0)
	require.Len(t, due, 1)
	assert.Same(t, a, due[0])
	assert.Equal(t, 1, w.Pending())
}

func TestSweepOrdersByTimestampThenArrival(t *testing.T) {
	w := New(0.1)
	msgs := make([]*message.Message, 0, 3)
	for i := 0; i < 3; i++ {
		msgs = append(msgs, msgAt("/x"))
	}
	// schedule out of order, two with the same timestamp.
	w.Schedule(msgs[2], 2.0)
	w.Schedule(msgs[0], 1.0)
	w.Schedule(msgs[1], 1.0)

	due := w.Sweep(10.0)
	require.Len(t, due, 3)
	assert.Same(t, msgs[0], due[0])
	assert.Same(t, msgs[1], due[1])
	assert.Same(t, msgs[2], due[2])
}

func TestSweepHandlesManyMessagesInTimestampOrder(t *testing.T) {
	w := New(0.05)
	const n = 300
	perm := rand.New(rand.NewSource(1)).Perm(n)
	msgs := make([]*message.Message, n)
	for _, i := range perm {
		ts := float64(i) * (10.0 / n)
		msgs[i] = msgAt("/t/x")
		w.Schedule(msgs[i], ts)
	}

	var due []*message.Message
	for now := 0.0; now <= 11.0; now += 0.05 {
		due = append(due, w.Sweep(now)...)
	}
	require.Len(t, due, n)
	for i := 1; i < len(due); i++ {
		assert.True(t, messageIndex(msgs, due[i-1]) <= messageIndex(msgs, due[i]))
	}
	assert.Equal(t, 0, w.Pending())
}

func messageIndex(msgs []*message.Message, target *message.Message) int {
	for i, m := range msgs {
		if m == target {
			return i
		}
	}
	return -1
}

func TestSweepWithoutBinAdvanceOnlyChecksCurrentBin(t *testing.T) {
	w := New(1.0)
	w.Sweep(0.0) // establishes lastBin
	a := msgAt("/a")
	w.Schedule(a, 0.5)
	due := w.Sweep(0.4) // still bin 0, not yet due
	assert.Empty(t, due)
	due = w.Sweep(0.6)
	assert.Len(t, due, 1)
}
