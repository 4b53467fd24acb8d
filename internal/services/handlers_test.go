package services

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/Teamhub/internal/lifecycle"
	"github.com/shaiso/Teamhub/internal/mq"
	"github.com/shaiso/Teamhub/internal/mq/mqtest"
)

type published struct {
	dest    mq.Destination
	msgType mq.MessageType
	payload any
}

type recordingProducer struct {
	mu   sync.Mutex
	err  error
	sent []published
}

func (p *recordingProducer) Publish(_ context.Context, dest mq.Destination, body []byte) error {
	return p.PublishJSON(context.Background(), dest, "", body)
}

func (p *recordingProducer) PublishJSON(_ context.Context, dest mq.Destination, msgType mq.MessageType, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.err != nil {
		return p.err
	}
	p.sent = append(p.sent, published{dest: dest, msgType: msgType, payload: payload})
	return nil
}

type teamsStub struct {
	exists bool
	err    error
}

func (s teamsStub) Exists(context.Context, int64) (bool, error) { return s.exists, s.err }

func envelope(t *testing.T, msgType mq.MessageType, payload any) *mq.Delivery {
	t.Helper()

	body, err := json.Marshal(mq.Message{ID: "m-1", Type: msgType, Payload: payload, Timestamp: time.Now()})
	require.NoError(t, err)
	return &mq.Delivery{Body: body}
}

func handlerFor(t *testing.T, service, queue string, deps Deps, p mq.Producer) mq.Handler {
	t.Helper()

	d, err := Lookup(service)
	require.NoError(t, err)

	handlers, err := d.Factory(deps)(p)
	require.NoError(t, err)
	require.Contains(t, handlers, queue)

	return handlers[queue]
}

func TestAcceptHandlers(t *testing.T) {
	tests := []struct {
		name     string
		service  string
		queue    string
		delivery func(t *testing.T) *mq.Delivery
		want     mq.Outcome
	}{
		{
			name:    "team membership",
			service: Team,
			queue:   QueueUserToTeam,
			delivery: func(t *testing.T) *mq.Delivery {
				return envelope(t, TypeTeamMembershipCreate, MembershipPayload{UserID: 1, TeamID: 2})
			},
			want: mq.Ack,
		},
		{
			name:    "team membership without team",
			service: Team,
			queue:   QueueUserToTeam,
			delivery: func(t *testing.T) *mq.Delivery {
				return envelope(t, TypeTeamMembershipCreate, MembershipPayload{UserID: 1})
			},
			want: mq.RejectDiscard,
		},
		{
			name:    "wrong type",
			service: Team,
			queue:   QueueUserToTeam,
			delivery: func(t *testing.T) *mq.Delivery {
				return envelope(t, TypeTaskUserAdd, TaskUserPayload{TaskID: 1, UserID: 2})
			},
			want: mq.RejectDiscard,
		},
		{
			name:    "not json",
			service: Mark,
			queue:   QueueMarkFromTask,
			delivery: func(*testing.T) *mq.Delivery {
				return &mq.Delivery{Body: []byte("42")}
			},
			want: mq.RejectDiscard,
		},
		{
			name:    "task add user",
			service: Mark,
			queue:   QueueMarkFromTask,
			delivery: func(t *testing.T) *mq.Delivery {
				return envelope(t, TypeTaskUserAdd, TaskUserPayload{TaskID: 7, UserID: 3})
			},
			want: mq.Ack,
		},
		{
			name:    "meeting membership",
			service: Meeting,
			queue:   QueueUserToMeeting,
			delivery: func(t *testing.T) *mq.Delivery {
				return envelope(t, TypeMeetingMembershipCreate, MembershipPayload{UserID: 3, MeetingID: 9})
			},
			want: mq.Ack,
		},
		{
			name:    "team checked",
			service: Organization,
			queue:   QueueTeamToOrganization,
			delivery: func(t *testing.T) *mq.Delivery {
				return envelope(t, TypeTeamChecked, TeamCheckedPayload{TeamID: 5, Exists: true})
			},
			want: mq.Ack,
		},
		{
			name:    "payload of wrong shape",
			service: Organization,
			queue:   QueueTeamToOrganization,
			delivery: func(t *testing.T) *mq.Delivery {
				return envelope(t, TypeTeamChecked, map[string]any{"team_id": "five"})
			},
			want: mq.RejectDiscard,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := handlerFor(t, tt.service, tt.queue, Deps{}, &recordingProducer{})

			outcome, err := h(context.Background(), tt.delivery(t))
			require.NoError(t, err)
			assert.Equal(t, tt.want, outcome)
		})
	}
}

func TestCheckTeam_RepliesToRequester(t *testing.T) {
	p := &recordingProducer{}
	h := handlerFor(t, Team, QueueTeamFromCalendar, Deps{Teams: teamsStub{exists: false}}, p)

	outcome, err := h(context.Background(), envelope(t, TypeTeamCheck, TeamCheckPayload{TeamID: 12}))
	require.NoError(t, err)
	assert.Equal(t, mq.Ack, outcome)

	require.Len(t, p.sent, 1)
	assert.Equal(t, mq.ToQueue(QueueTeamToCalendar), p.sent[0].dest)
	assert.Equal(t, TypeTeamChecked, p.sent[0].msgType)
	assert.Equal(t, TeamCheckedPayload{TeamID: 12, Exists: false}, p.sent[0].payload)
}

func TestCheckTeam_StorageErrorIsHandlerFailure(t *testing.T) {
	p := &recordingProducer{}
	h := handlerFor(t, Team, QueueTeamFromOrganization, Deps{Teams: teamsStub{err: errors.New("conn refused")}}, p)

	_, err := h(context.Background(), envelope(t, TypeTeamCheck, TeamCheckPayload{TeamID: 12}))
	assert.Error(t, err)
	assert.Empty(t, p.sent)
}

func TestCheckTeam_ReplyFailureRequeues(t *testing.T) {
	p := &recordingProducer{err: mq.ErrChannelClosed}
	h := handlerFor(t, Team, QueueTeamFromOrganization, Deps{}, p)

	outcome, err := h(context.Background(), envelope(t, TypeTeamCheck, TeamCheckPayload{TeamID: 12}))
	require.NoError(t, err)
	assert.Equal(t, mq.RejectRequeue, outcome)
}

func TestCheckTeam_InvalidID(t *testing.T) {
	h := handlerFor(t, Team, QueueTeamFromOrganization, Deps{}, &recordingProducer{})

	outcome, err := h(context.Background(), envelope(t, TypeTeamCheck, TeamCheckPayload{TeamID: 0}))
	require.NoError(t, err)
	assert.Equal(t, mq.RejectDiscard, outcome)
}

func TestPublishTeamID(t *testing.T) {
	p := &recordingProducer{}

	require.NoError(t, PublishTeamID(context.Background(), p, 3))
	require.Len(t, p.sent, 1)
	assert.Equal(t, mq.ToQueue(QueueTeamFromOrganization), p.sent[0].dest)
	assert.Equal(t, TypeTeamCheck, p.sent[0].msgType)

	assert.ErrorIs(t, PublishTeamID(context.Background(), p, 0), ErrInvalidPayload)
}

// Организация спрашивает team id, team отвечает, организация принимает ответ.
func TestTeamCheckRoundTrip(t *testing.T) {
	broker := mqtest.NewBroker()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	start := func(name string) *lifecycle.Service {
		d, err := Lookup(name)
		require.NoError(t, err)

		svc, err := lifecycle.New(lifecycle.Config{
			ServiceName: name,
			Connector: mq.ConnectorConfig{
				URL:            "amqp://localhost/",
				MaxAttempts:    1,
				AttemptTimeout: time.Second,
			},
			Dialer:        broker.Dial,
			Queues:        d.Queues,
			Handlers:      d.Factory(Deps{Teams: teamsStub{exists: true}}),
			ShutdownGrace: time.Second,
			Logger:        logger,
		})
		require.NoError(t, err)
		require.NoError(t, svc.Start(context.Background()))
		t.Cleanup(func() { svc.Shutdown(context.Background()) })
		return svc
	}

	org := start(Organization)
	start(Team)

	require.NoError(t, PublishTeamID(context.Background(), org.Producer(), 77))

	// Запрос и ответ обработаны и подтверждены
	require.Eventually(t, func() bool {
		return broker.Published() == 2 &&
			broker.Ready(QueueTeamFromOrganization) == 0 &&
			broker.Ready(QueueTeamToOrganization) == 0 &&
			broker.Unacked(QueueTeamToOrganization) == 0
	}, 2*time.Second, 5*time.Millisecond)

	assert.Empty(t, broker.Discarded(QueueTeamToOrganization))
	assert.Equal(t, 0, broker.Ready(mq.DeadLetterQueue(QueueTeamToOrganization)))
}
