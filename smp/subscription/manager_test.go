package subscription_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/simplexmq/simplexmq/smp/subscription"
	"github.com/simplexmq/simplexmq/smp/wire"
)

type fakeHandle struct {
	id     string
	pushed []*wire.ResponseTransmission
}

func (f *fakeHandle) Push(resp *wire.ResponseTransmission) { f.pushed = append(f.pushed, resp) }
func (f *fakeHandle) ID() string                           { return f.id }

func TestSubscribeEvictsPriorSubscriber(t *testing.T) {
	m := subscription.New()
	recv := []byte("recv-id")
	a := &fakeHandle{id: "session-a"}
	b := &fakeHandle{id: "session-b"}

	m.Subscribe(recv, a)
	require.Empty(t, a.pushed)

	m.Subscribe(recv, b)
	require.Len(t, a.pushed, 1)
	_, isEnd := a.pushed[0].Response.(*wire.End)
	require.True(t, isEnd)

	require.True(t, m.IsSubscribed(recv))
}

func TestSameSessionResubscribeNoEviction(t *testing.T) {
	m := subscription.New()
	recv := []byte("recv-id")
	a := &fakeHandle{id: "session-a"}

	m.Subscribe(recv, a)
	m.Subscribe(recv, a)
	require.Empty(t, a.pushed)
}

func TestUnsubscribeOnlyCurrentHolder(t *testing.T) {
	m := subscription.New()
	recv := []byte("recv-id")
	a := &fakeHandle{id: "session-a"}
	b := &fakeHandle{id: "session-b"}

	m.Subscribe(recv, a)
	m.Subscribe(recv, b) // a is now evicted

	// a's belated Unsubscribe must not remove b's subscription.
	m.Unsubscribe(recv, a)
	require.True(t, m.IsSubscribed(recv))

	m.Unsubscribe(recv, b)
	require.False(t, m.IsSubscribed(recv))
}

func TestDeliverToSubscriber(t *testing.T) {
	m := subscription.New()
	recv := []byte("recv-id")
	a := &fakeHandle{id: "session-a"}
	m.Subscribe(recv, a)

	msg := &wire.ResponseTransmission{QueueID: recv, Response: &wire.Msg{MsgID: 1, Body: []byte("hi")}}
	require.True(t, m.Deliver(recv, msg))
	require.Len(t, a.pushed, 1)

	require.False(t, m.Deliver([]byte("other"), msg))
}

func TestUnsubscribeAll(t *testing.T) {
	m := subscription.New()
	a := &fakeHandle{id: "session-a"}
	m.Subscribe([]byte("q1"), a)
	m.Subscribe([]byte("q2"), a)

	m.UnsubscribeAll(a)
	require.False(t, m.IsSubscribed([]byte("q1")))
	require.False(t, m.IsSubscribed([]byte("q2")))
}
