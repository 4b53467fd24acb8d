// Package services — каталог сервисов Teamhub: фиксированная топология
// очередей каждого сервиса и обработчики его входящих очередей.
//
// Имена очередей — контракт между сервисами. У каждой очереди одна
// сторона-producer и одна сторона-consumer; объявляют её обе.
//
//	team:         <- user_to_team, team_from_organization, team_from_calendar
//	              -> user_email_from_team, team_to_organization, team_to_calendar
//	mark:         <- mark_from_task
//	              -> mark_to_task
//	meeting:      <- user_to_meeting
//	              -> user_email_from_meeting
//	organization: <- team_to_organization
//	              -> team_from_organization
//
// Сообщения — JSON-конверт mq.Message. Некорректный конверт или payload
// выбрасывается (RejectDiscard), сбой ответа другому сервису —
// RejectRequeue, ошибка хранилища — сбой обработчика.
package services
