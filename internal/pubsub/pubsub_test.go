package pubsub

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeEvent struct {
	Value string
}

func TestPubSub(t *testing.T) {
	testee := New[fakeEvent]()
	s := testee.Subscribe(context.Background())

	for i := 0; i < 3; i++ {
		testee.Publish(fakeEvent{Value: fmt.Sprintf("fake value %d", i)})
	}
	s.Stop()
	testee.Publish(fakeEvent{Value: "event sent after stop"})

	actual := make([]string, 0, 3)
	for evt := range s.ResultChan() {
		actual = append(actual, evt.Value)
	}
	require.Equal(t, []string{"fake value 0", "fake value 1", "fake value 2"}, actual, "received events")
}

func TestPubSubContextCancelUnsubscribes(t *testing.T) {
	testee := New[fakeEvent]()
	ctx, cancel := context.WithCancel(context.Background())
	s := testee.Subscribe(ctx)
	require.Equal(t, 1, testee.Len())
	cancel()
	require.Eventually(t, func() bool { return testee.Len() == 0 }, time.Second, 5*time.Millisecond)
	_, open := <-s.ResultChan()
	require.False(t, open)
}

func TestPubSubDropsSlowSubscriber(t *testing.T) {
	testee := New[fakeEvent]()
	slow := testee.Subscribe(context.Background())
	for i := 0; i < defaultBuffer+1; i++ {
		testee.Publish(fakeEvent{Value: "x"})
	}
	require.Zero(t, testee.Len())
	n := 0
	for range slow.ResultChan() {
		n++
	}
	require.Equal(t, defaultBuffer, n)
}

func TestPubSubStop(t *testing.T) {
	testee := New[fakeEvent]()
	s := testee.Subscribe(context.Background())
	testee.Stop()
	_, open := <-s.ResultChan()
	require.False(t, open)
	late := testee.Subscribe(context.Background())
	_, open = <-late.ResultChan()
	require.False(t, open)
	late.Stop()
}
