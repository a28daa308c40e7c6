package bus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishEnqueuesMediumAndLowFIFO(t *testing.T) {
	b := NewBus()
	m1 := New(TypeData, CodeItems, "first", Medium)
	m1.SenderID = "worker-1"
	m1.ReceiverID = OrchestratorID
	m2 := New(TypeData, CodeItems, "second", Low)
	m2.SenderID = "worker-1"
	m2.ReceiverID = OrchestratorID

	b.Publish(m1)
	b.Publish(m2)

	q := b.Queue(OrchestratorID)
	got1 := <-q
	got2 := <-q
	assert.Equal(t, "first", got1.Payload)
	assert.Equal(t, "second", got2.Payload)
}

func TestHighPriorityFromOrchestratorBypassesQueue(t *testing.T) {
	b := NewBus()
	var handled *Message
	b.RegisterHandler("coordinator-1", func(m *Message) { handled = m })

	msg := New(TypeControl, CodeStop, nil, High)
	msg.SenderID = OrchestratorID
	msg.ReceiverID = "coordinator-1"
	b.Publish(msg)

	require.NotNil(t, handled)
	assert.Equal(t, CodeStop, handled.Code)

	// Nothing should have landed on the queue.
	select {
	case <-b.Queue("coordinator-1"):
		t.Fatal("expected no queued message, handler should have bypassed it")
	default:
	}
}

func TestHighPriorityFromOtherSenderIsEnqueued(t *testing.T) {
	b := NewBus()
	b.RegisterHandler(OrchestratorID, func(m *Message) { t.Fatal("handler should not be used for non-orchestrator sender") })

	msg := New(TypeControl, CodeACK, "item-1", High)
	msg.SenderID = "worker-1"
	msg.ReceiverID = OrchestratorID
	b.Publish(msg)

	select {
	case got := <-b.Queue(OrchestratorID):
		assert.Equal(t, "item-1", got.Payload)
	case <-time.After(time.Second):
		t.Fatal("expected message on queue")
	}
}

func TestSendRPCInlineWhenSenderIsOrchestrator(t *testing.T) {
	b := NewBus()
	b.RegisterHandler(OrchestratorID, func(m *Message) {
		Respond(m, RPCResult{OK: true, Value: 42})
	})

	req := NewRPC(CodeRPCRequest, "get_pending")
	req.SenderID = OrchestratorID
	req.ReceiverID = OrchestratorID

	result := b.SendRPC(req)
	assert.True(t, result.OK)
	assert.Equal(t, 42, result.Value)
}

func TestSendRPCFromWorkerWaitsOnQueueConsumer(t *testing.T) {
	b := NewBus()

	req := NewRPC(CodeRPCRequest, "get_pending")
	req.SenderID = "worker-1"
	req.ReceiverID = OrchestratorID

	go func() {
		m := <-b.Queue(OrchestratorID)
		Respond(m, RPCResult{OK: true, Value: "done"})
	}()

	result := b.SendRPC(req)
	assert.True(t, result.OK)
	assert.Equal(t, "done", result.Value)
}
