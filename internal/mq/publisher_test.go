package mq_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/Teamhub/internal/mq"
	"github.com/shaiso/Teamhub/internal/mq/mqtest"
)

func declare(t *testing.T, broker *mqtest.Broker, descriptors ...mq.QueueDescriptor) *mq.Topology {
	t.Helper()

	topo, err := mq.DeclareTopology(context.Background(), connect(t, broker), descriptors, discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { topo.Close() })

	return topo
}

func TestPublisher_PersistentToQueue(t *testing.T) {
	broker := mqtest.NewBroker()
	topo := declare(t, broker, mq.OutboundQueue("x_to_y"))
	p := mq.NewPublisher(topo.Channel, discardLogger(), nil)

	require.NoError(t, p.Publish(context.Background(), mq.ToQueue("x_to_y"), []byte("ping")))

	msgs := broker.Messages("x_to_y")
	require.Len(t, msgs, 1)
	assert.Equal(t, "ping", string(msgs[0].Body))
	assert.Equal(t, amqp.Persistent, msgs[0].DeliveryMode)
	assert.NotEmpty(t, msgs[0].MessageId)
	assert.False(t, msgs[0].Timestamp.IsZero())
}

func TestPublisher_ExchangeRouting(t *testing.T) {
	broker := mqtest.NewBroker()
	topo := declare(t, broker, mq.OutboundQueue("team_events"))
	broker.BindExchange("teamhub", "team.created", "team_events")

	p := mq.NewPublisher(topo.Channel, discardLogger(), nil)
	require.NoError(t, p.Publish(context.Background(), mq.ToExchange("teamhub", "team.created"), []byte("{}")))
	require.NoError(t, p.Publish(context.Background(), mq.ToExchange("teamhub", "team.deleted"), []byte("{}")))

	assert.Equal(t, 1, broker.Ready("team_events"))
}

func TestPublisher_ClosedChannel(t *testing.T) {
	broker := mqtest.NewBroker()
	topo := declare(t, broker, mq.OutboundQueue("x_to_y"))
	p := mq.NewPublisher(topo.Channel, discardLogger(), nil)

	require.NoError(t, topo.Close())

	err := p.Publish(context.Background(), mq.ToQueue("x_to_y"), []byte("ping"))
	assert.ErrorIs(t, err, mq.ErrChannelClosed)
	assert.Equal(t, 0, broker.Ready("x_to_y"))
}

func TestPublisher_NilChannel(t *testing.T) {
	p := mq.NewPublisher(nil, nil, nil)
	err := p.Publish(context.Background(), mq.ToQueue("x_to_y"), nil)
	assert.ErrorIs(t, err, mq.ErrChannelClosed)
}

func TestPublisher_ConcurrentPublishesAreAtomic(t *testing.T) {
	broker := mqtest.NewBroker()
	topo := declare(t, broker, mq.OutboundQueue("x_to_y"))
	p := mq.NewPublisher(topo.Channel, discardLogger(), nil)

	const workers, perWorker = 8, 50

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				body := []byte(fmt.Sprintf("worker-%d-msg-%d", w, i))
				assert.NoError(t, p.Publish(context.Background(), mq.ToQueue("x_to_y"), body))
			}
		}(w)
	}
	wg.Wait()

	msgs := broker.Messages("x_to_y")
	require.Len(t, msgs, workers*perWorker)

	seen := make(map[string]bool, len(msgs))
	for _, m := range msgs {
		seen[string(m.Body)] = true
	}
	assert.Len(t, seen, workers*perWorker)
}

func TestPublisher_PublishJSON(t *testing.T) {
	type teamPayload struct {
		TeamID int `json:"team_id"`
	}

	broker := mqtest.NewBroker()
	topo := declare(t, broker, mq.OutboundQueue("team_from_organization"))
	p := mq.NewPublisher(topo.Channel, discardLogger(), nil)

	err := p.PublishJSON(context.Background(), mq.ToQueue("team_from_organization"), "team.check", teamPayload{TeamID: 42})
	require.NoError(t, err)

	msgs := broker.Messages("team_from_organization")
	require.Len(t, msgs, 1)
	assert.Equal(t, "application/json", msgs[0].ContentType)
	assert.Equal(t, "team.check", msgs[0].Type)

	msg, err := mq.DecodeMessage(msgs[0].Body)
	require.NoError(t, err)
	assert.Equal(t, msgs[0].MessageId, msg.ID)
	assert.Equal(t, mq.MessageType("team.check"), msg.Type)

	payload, err := mq.ParsePayload[teamPayload](msg)
	require.NoError(t, err)
	assert.Equal(t, 42, payload.TeamID)
}

func TestDecodeMessage_Invalid(t *testing.T) {
	_, err := mq.DecodeMessage([]byte("not json"))
	assert.Error(t, err)

	_, err = mq.DecodeMessage([]byte(`{"id":"1","payload":{}}`))
	assert.Error(t, err)
}
