package bus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recvOne(t *testing.T, sub *Subscription) Message {
	t.Helper()
	select {
	case msg, ok := <-sub.C:
		require.True(t, ok, "channel closed before a message arrived")
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
		return Message{}
	}
}

func TestPublishSubscribe(t *testing.T) {
	b := New(nil)
	defer b.Close()

	sub := b.Subscribe(TopicWorkflows, 4)
	defer sub.Close()

	b.Publish(TopicWorkflows, map[string]any{"workflow_id": "wf-1", "status": "running"})

	msg := recvOne(t, sub)
	assert.Equal(t, TopicWorkflows, msg.Topic)
	assert.False(t, msg.Timestamp.IsZero())
	payload, ok := msg.Payload.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "wf-1", payload["workflow_id"])
}

func TestTopicsAreIsolated(t *testing.T) {
	b := New(nil)
	defer b.Close()

	one := b.Subscribe(WorkflowTopic("wf-1"), 4)
	two := b.Subscribe(WorkflowTopic("wf-2"), 4)
	defer one.Close()
	defer two.Close()

	b.Publish(WorkflowTopic("wf-1"), "update")

	msg := recvOne(t, one)
	assert.Equal(t, "workflow:wf-1", msg.Topic)
	select {
	case <-two.C:
		t.Fatal("message leaked to an unrelated topic")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestFanOut(t *testing.T) {
	b := New(nil)
	defer b.Close()

	a := b.Subscribe(TopicAlerts, 4)
	c := b.Subscribe(TopicAlerts, 4)
	defer a.Close()
	defer c.Close()

	b.Publish(TopicAlerts, "ping")
	assert.Equal(t, "ping", recvOne(t, a).Payload)
	assert.Equal(t, "ping", recvOne(t, c).Payload)
	assert.Equal(t, 2, b.SubscriberCount(TopicAlerts))
}

func TestSlowSubscriberDrops(t *testing.T) {
	b := New(nil)
	defer b.Close()

	sub := b.Subscribe("busy", 1)
	defer sub.Close()

	b.Publish("busy", 1)
	b.Publish("busy", 2)
	b.Publish("busy", 3)

	assert.Equal(t, int64(2), b.Dropped(), "full buffers drop, never block")
	assert.Equal(t, 1, recvOne(t, sub).Payload, "oldest buffered message survives")
}

func TestSubscriptionClose(t *testing.T) {
	b := New(nil)
	defer b.Close()

	sub := b.Subscribe("t", 1)
	sub.Close()
	sub.Close() // idempotent

	_, ok := <-sub.C
	assert.False(t, ok, "closed subscription channel must be closed")
	assert.Zero(t, b.SubscriberCount("t"))

	// Publishing after unsubscribe is a no-op, not a panic.
	b.Publish("t", "late")
}

func TestBusClose(t *testing.T) {
	b := New(nil)
	sub := b.Subscribe("t", 1)
	b.Close()

	_, ok := <-sub.C
	assert.False(t, ok, "close must close every subscriber channel")

	b.Publish("t", "ignored")
	late := b.Subscribe("t", 1)
	_, ok = <-late.C
	assert.False(t, ok, "subscribing on a closed bus yields a closed channel")
}

func TestTopics(t *testing.T) {
	b := New(nil)
	defer b.Close()

	s1 := b.Subscribe("a", 1)
	s2 := b.Subscribe("b", 1)
	defer s2.Close()

	assert.ElementsMatch(t, []string{"a", "b"}, b.Topics())
	s1.Close()
	assert.ElementsMatch(t, []string{"b"}, b.Topics())
}

func TestTopicHelpers(t *testing.T) {
	assert.Equal(t, "workflow:wf-9", WorkflowTopic("wf-9"))
	assert.Equal(t, "alerts:critical", AlertTopic("critical"))
	assert.Equal(t, "critical", SeverityOf("alerts:critical"))
	assert.Equal(t, "", SeverityOf("workflows"))
}
