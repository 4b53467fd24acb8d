package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/shaiso/Teamhub/internal/mq"
	"github.com/shaiso/Teamhub/internal/telemetry"
)

// Типы сообщений конверта.
const (
	TypeTeamMembershipCreate    mq.MessageType = "team.membership.create"
	TypeTeamCheck               mq.MessageType = "team.check"
	TypeTeamChecked             mq.MessageType = "team.checked"
	TypeTaskUserAdd             mq.MessageType = "task.user.add"
	TypeMeetingMembershipCreate mq.MessageType = "meeting.membership.create"
)

// ErrInvalidPayload — сообщение структурно некорректно, повтор не поможет.
var ErrInvalidPayload = errors.New("invalid payload")

// TeamLookup проверяет существование команды. *repo.TeamRepo удовлетворяет
// интерфейсу.
type TeamLookup interface {
	Exists(ctx context.Context, id int64) (bool, error)
}

// MembershipPayload — пользователь добавляется в команду или встречу.
type MembershipPayload struct {
	UserID    int64  `json:"user_id"`
	TeamID    int64  `json:"team_id,omitempty"`
	MeetingID int64  `json:"meeting_id,omitempty"`
	Role      string `json:"role,omitempty"`
}

// TeamCheckPayload — запрос на проверку team id.
type TeamCheckPayload struct {
	TeamID int64 `json:"team_id"`
}

// TeamCheckedPayload — ответ на проверку team id.
type TeamCheckedPayload struct {
	TeamID int64 `json:"team_id"`
	Exists bool  `json:"exists"`
}

// TaskUserPayload — пользователь добавляется в задачу.
type TaskUserPayload struct {
	TaskID int64 `json:"task_id"`
	UserID int64 `json:"user_id"`
}

func teamHandlers(deps Deps, p mq.Producer) map[string]mq.Handler {
	return map[string]mq.Handler{
		QueueUserToTeam: accept(TypeTeamMembershipCreate, func(m MembershipPayload) error {
			if m.UserID <= 0 || m.TeamID <= 0 {
				return fmt.Errorf("%w: user_id and team_id are required", ErrInvalidPayload)
			}
			return nil
		}),
		QueueTeamFromOrganization: checkTeam(deps.Teams, p, QueueTeamToOrganization),
		QueueTeamFromCalendar:     checkTeam(deps.Teams, p, QueueTeamToCalendar),
	}
}

func markHandlers(_ Deps, _ mq.Producer) map[string]mq.Handler {
	return map[string]mq.Handler{
		QueueMarkFromTask: accept(TypeTaskUserAdd, func(m TaskUserPayload) error {
			if m.TaskID <= 0 || m.UserID <= 0 {
				return fmt.Errorf("%w: task_id and user_id are required", ErrInvalidPayload)
			}
			return nil
		}),
	}
}

func meetingHandlers(_ Deps, _ mq.Producer) map[string]mq.Handler {
	return map[string]mq.Handler{
		QueueUserToMeeting: accept(TypeMeetingMembershipCreate, func(m MembershipPayload) error {
			if m.UserID <= 0 || m.MeetingID <= 0 {
				return fmt.Errorf("%w: user_id and meeting_id are required", ErrInvalidPayload)
			}
			return nil
		}),
	}
}

func organizationHandlers(_ Deps, _ mq.Producer) map[string]mq.Handler {
	return map[string]mq.Handler{
		QueueTeamToOrganization: accept(TypeTeamChecked, func(m TeamCheckedPayload) error {
			if m.TeamID <= 0 {
				return fmt.Errorf("%w: team_id is required", ErrInvalidPayload)
			}
			return nil
		}),
	}
}

// accept разбирает конверт ожидаемого типа и подтверждает сообщение.
// Некорректное сообщение выбрасывается.
func accept[T any](want mq.MessageType, validate func(T) error) mq.Handler {
	return func(ctx context.Context, d *mq.Delivery) (mq.Outcome, error) {
		logger := telemetry.FromContext(ctx)

		payload, err := decode[T](d, want)
		if err == nil {
			err = validate(payload)
		}
		if err != nil {
			logger.Warn("discarding message", "message_id", d.Raw.MessageId, "error", err)
			return mq.RejectDiscard, nil
		}

		logger.Info("message accepted", "type", string(want), "message_id", d.Raw.MessageId)
		return mq.Ack, nil
	}
}

// checkTeam отвечает на проверку team id в очередь reply.
//
// Ошибка хранилища — сбой обработчика (повтор, затем DLQ). Ошибка
// публикации ответа — RejectRequeue: канал временно недоступен.
func checkTeam(teams TeamLookup, p mq.Producer, reply string) mq.Handler {
	return func(ctx context.Context, d *mq.Delivery) (mq.Outcome, error) {
		logger := telemetry.FromContext(ctx)

		req, err := decode[TeamCheckPayload](d, TypeTeamCheck)
		if err == nil && req.TeamID <= 0 {
			err = fmt.Errorf("%w: team_id must be positive", ErrInvalidPayload)
		}
		if err != nil {
			logger.Warn("discarding team check", "message_id", d.Raw.MessageId, "error", err)
			return mq.RejectDiscard, nil
		}

		exists := true
		if teams != nil {
			if exists, err = teams.Exists(ctx, req.TeamID); err != nil {
				return 0, fmt.Errorf("lookup team %d: %w", req.TeamID, err)
			}
		}

		resp := TeamCheckedPayload{TeamID: req.TeamID, Exists: exists}
		if err := p.PublishJSON(ctx, mq.ToQueue(reply), TypeTeamChecked, resp); err != nil {
			logger.Error("failed to reply to team check", "reply", reply, "error", err)
			return mq.RejectRequeue, nil
		}

		logger.Info("team checked", "team_id", req.TeamID, "exists", exists, "reply", reply)
		return mq.Ack, nil
	}
}

func decode[T any](d *mq.Delivery, want mq.MessageType) (T, error) {
	var zero T

	msg, err := mq.DecodeMessage(d.Body)
	if err != nil {
		return zero, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	if msg.Type != want {
		return zero, fmt.Errorf("%w: unexpected type %q, want %q", ErrInvalidPayload, msg.Type, want)
	}

	payload, err := mq.ParsePayload[T](msg)
	if err != nil {
		return zero, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	return payload, nil
}

// PublishTeamID отправляет в team сервис запрос на проверку team id.
func PublishTeamID(ctx context.Context, p mq.Producer, teamID int64) error {
	if teamID <= 0 {
		return fmt.Errorf("%w: team_id must be positive", ErrInvalidPayload)
	}
	return p.PublishJSON(ctx, mq.ToQueue(QueueTeamFromOrganization), TypeTeamCheck, TeamCheckPayload{TeamID: teamID})
}
