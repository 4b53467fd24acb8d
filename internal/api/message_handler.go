package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/shaiso/Teamhub/internal/mq"
	"github.com/shaiso/Teamhub/internal/services"
	"github.com/shaiso/Teamhub/internal/telemetry"
)

// PublishResponse — ответ на принятую публикацию.
type PublishResponse struct {
	Queue string `json:"queue"`
	Bytes int    `json:"bytes,omitempty"`
}

// PublishMessage публикует тело запроса в исходящую очередь сервиса.
// POST /v1/messages/{queue}
func (h *Handler) PublishMessage(w http.ResponseWriter, r *http.Request) {
	logger := telemetry.FromContext(r.Context())
	queue := r.PathValue("queue")

	if !h.service.Outbound(queue) {
		NotFound(w, "queue is not an outbound queue of "+h.service.Name())
		return
	}

	producer := h.service.Producer()
	if producer == nil {
		ServiceUnavailable(w, "service is not started")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxMessageBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			TooLarge(w, "message body is too large")
			return
		}
		BadRequest(w, "failed to read body")
		return
	}
	if len(body) == 0 {
		BadRequest(w, "message body is required")
		return
	}

	if HandlePublishError(w, logger, producer.Publish(r.Context(), mq.ToQueue(queue), body)) {
		return
	}

	logger.Info("message published", "queue", queue, "bytes", len(body))
	Accepted(w, PublishResponse{Queue: queue, Bytes: len(body)})
}

// CheckTeam отправляет в team сервис запрос на проверку team id.
// POST /v1/teams/{id}/check
func (h *Handler) CheckTeam(w http.ResponseWriter, r *http.Request) {
	logger := telemetry.FromContext(r.Context())

	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		BadRequest(w, "invalid team id")
		return
	}

	if !h.service.Outbound(services.QueueTeamFromOrganization) {
		NotFound(w, "team check is not available for "+h.service.Name())
		return
	}

	producer := h.service.Producer()
	if producer == nil {
		ServiceUnavailable(w, "service is not started")
		return
	}

	if HandlePublishError(w, logger, services.PublishTeamID(r.Context(), producer, id)) {
		return
	}

	logger.Info("team check requested", "team_id", id)
	Accepted(w, PublishResponse{Queue: services.QueueTeamFromOrganization})
}
