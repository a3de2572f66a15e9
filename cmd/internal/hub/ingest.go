package hub

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	v1 "slidehub/contracts/hub/v1"
)

const maxIngestBodyBytes = 256 << 10

// Intake is the producer-facing HTTP surface. Generation workers post job
// progress here and backend services post notifications; both fan out to
// subscribers through the same topic path connections use.
//
// These endpoints are meant to be mounted on an internal network. When Token
// is set, requests must carry it as a bearer token.
type Intake struct {
	log      *slog.Logger
	notifier *Notifier
	progress *ProgressTracker
	metrics  *Metrics
	token    string
}

// NewIntake constructs the intake surface. token is optional; empty disables
// the bearer check.
func NewIntake(log *slog.Logger, notifier *Notifier, progress *ProgressTracker, m *Metrics, token string) *Intake {
	if m == nil {
		m = NewMetrics(nil)
	}
	return &Intake{log: log, notifier: notifier, progress: progress, metrics: m, token: token}
}

// HandleJobProgress ingests one progress event for the job named in the path.
func (in *Intake) HandleJobProgress(w http.ResponseWriter, r *http.Request) {
	if !in.authorized(w, r) {
		return
	}

	jobID := strings.TrimSpace(r.PathValue("jobID"))
	if jobID == "" {
		writeIngestError(w, http.StatusNotFound, "unknown job")
		return
	}

	var upd v1.JobProgressBody
	if !in.readBody(w, r, &upd) {
		return
	}
	if !knownJobStatus(upd.Status) {
		writeIngestError(w, http.StatusUnprocessableEntity, "unknown status: "+upd.Status)
		return
	}

	now := time.Now().UTC()
	if err := in.progress.Publish(jobID, upd, now); err != nil {
		in.log.Error("intake.progress.fail", "job", jobID, "err", err)
		in.metrics.Error("intake")
		writeIngestError(w, http.StatusInternalServerError, "publish failed")
		return
	}

	writeIngestJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID, "status": upd.Status})
}

// HandleNotification ingests one notification and routes it to its channel.
func (in *Intake) HandleNotification(w http.ResponseWriter, r *http.Request) {
	if !in.authorized(w, r) {
		return
	}

	var note v1.NotificationBody
	if !in.readBody(w, r, &note) {
		return
	}
	if strings.TrimSpace(note.Channel) == "" {
		writeIngestError(w, http.StatusUnprocessableEntity, "missing field: channel")
		return
	}

	stored := in.notifier.Publish(note.Channel, note, time.Now().UTC())
	writeIngestJSON(w, http.StatusCreated, stored)
}

func (in *Intake) authorized(w http.ResponseWriter, r *http.Request) bool {
	if in.token == "" {
		return true
	}
	got := bearerToken(r)
	if subtle.ConstantTimeCompare([]byte(got), []byte(in.token)) != 1 {
		in.log.Info("intake.reject.auth", "remote", r.RemoteAddr)
		writeIngestError(w, http.StatusUnauthorized, "unauthorized")
		return false
	}
	return true
}

func (in *Intake) readBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxIngestBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeIngestError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return false
	}
	return true
}

func knownJobStatus(status string) bool {
	switch status {
	case v1.JobQueued, v1.JobProcessing, v1.JobCompleted, v1.JobFailed, v1.JobCancelled:
		return true
	default:
		return false
	}
}

func writeIngestJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeIngestError(w http.ResponseWriter, status int, msg string) {
	writeIngestJSON(w, status, map[string]string{"error": msg})
}
