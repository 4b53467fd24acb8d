package services

import (
	"errors"
	"fmt"
	"sort"

	"github.com/shaiso/Teamhub/internal/lifecycle"
	"github.com/shaiso/Teamhub/internal/mq"
)

// Имена сервисов.
const (
	Team         = "team"
	Mark         = "mark"
	Meeting      = "meeting"
	Organization = "organization"
)

// Очереди — контракт между сервисами.
const (
	QueueUserToTeam           = "user_to_team"
	QueueUserEmailFromTeam    = "user_email_from_team"
	QueueTeamToOrganization   = "team_to_organization"
	QueueTeamFromOrganization = "team_from_organization"
	QueueTeamFromCalendar     = "team_from_calendar"
	QueueTeamToCalendar       = "team_to_calendar"

	QueueMarkToTask   = "mark_to_task"
	QueueMarkFromTask = "mark_from_task"

	QueueUserToMeeting        = "user_to_meeting"
	QueueUserEmailFromMeeting = "user_email_from_meeting"
)

// ErrUnknownService — сервиса нет в каталоге.
var ErrUnknownService = errors.New("unknown service")

// Deps — внешние зависимости обработчиков.
type Deps struct {
	// Teams отвечает на проверку team id. nil — считаем существующей
	// любую команду с положительным id.
	Teams TeamLookup
}

// Definition — фиксированная топология сервиса и его обработчики.
type Definition struct {
	Name   string
	Queues []mq.QueueDescriptor

	handlers func(deps Deps, p mq.Producer) map[string]mq.Handler
}

// Factory возвращает фабрику обработчиков для lifecycle.Service.
func (d Definition) Factory(deps Deps) lifecycle.HandlerFactory {
	return func(p mq.Producer) (map[string]mq.Handler, error) {
		if p == nil {
			return nil, fmt.Errorf("%s handlers: nil producer", d.Name)
		}
		return d.handlers(deps, p), nil
	}
}

// Inbound возвращает входящие очереди сервиса.
func (d Definition) Inbound() []string {
	var out []string
	for _, q := range d.Queues {
		if q.Direction == mq.Inbound {
			out = append(out, q.Name)
		}
	}
	return out
}

// Outbound возвращает исходящие очереди сервиса.
func (d Definition) Outbound() []string {
	var out []string
	for _, q := range d.Queues {
		if q.Direction == mq.Outbound {
			out = append(out, q.Name)
		}
	}
	return out
}

var catalog = map[string]Definition{
	Team: {
		Name: Team,
		Queues: []mq.QueueDescriptor{
			mq.InboundQueue(QueueUserToTeam),
			mq.OutboundQueue(QueueUserEmailFromTeam),
			mq.OutboundQueue(QueueTeamToOrganization),
			mq.InboundQueue(QueueTeamFromOrganization),
			mq.InboundQueue(QueueTeamFromCalendar),
			mq.OutboundQueue(QueueTeamToCalendar),
		},
		handlers: teamHandlers,
	},
	Mark: {
		Name: Mark,
		Queues: []mq.QueueDescriptor{
			mq.OutboundQueue(QueueMarkToTask),
			mq.InboundQueue(QueueMarkFromTask),
		},
		handlers: markHandlers,
	},
	Meeting: {
		Name: Meeting,
		Queues: []mq.QueueDescriptor{
			mq.InboundQueue(QueueUserToMeeting),
			mq.OutboundQueue(QueueUserEmailFromMeeting),
		},
		handlers: meetingHandlers,
	},
	Organization: {
		Name: Organization,
		Queues: []mq.QueueDescriptor{
			mq.InboundQueue(QueueTeamToOrganization),
			mq.OutboundQueue(QueueTeamFromOrganization),
		},
		handlers: organizationHandlers,
	},
}

// Lookup возвращает определение сервиса по имени.
func Lookup(name string) (Definition, error) {
	d, ok := catalog[name]
	if !ok {
		return Definition{}, fmt.Errorf("%w: %q (known: %v)", ErrUnknownService, name, Names())
	}
	return d, nil
}

// Names возвращает имена сервисов каталога по алфавиту.
func Names() []string {
	names := make([]string, 0, len(catalog))
	for name := range catalog {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Owners возвращает, кто публикует в очередь и кто её потребляет.
// Пустая строка — сторона вне каталога (например, task или user сервис).
func Owners(queue string) (producer, consumer string) {
	for _, name := range Names() {
		for _, q := range catalog[name].Queues {
			if q.Name != queue {
				continue
			}
			if q.Direction == mq.Outbound {
				producer = name
			} else {
				consumer = name
			}
		}
	}
	return producer, consumer
}
