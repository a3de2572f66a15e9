package hub

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	v1 "slidehub/contracts/hub/v1"
)

func newIntakeHarness(token string) (*Intake, *ProgressTracker, *Notifier, *Registry) {
	reg := NewRegistry(testLogger(), time.Minute, NewMetrics(nil))
	progress := NewProgressTracker(testLogger(), reg, NewMetrics(nil), 5*time.Second)
	notifier := NewNotifier(testLogger(), reg, NewMetrics(nil), 10)
	return NewIntake(testLogger(), notifier, progress, NewMetrics(nil), token), progress, notifier, reg
}

func TestIntakeJobProgress(t *testing.T) {
	t.Parallel()

	in, progress, _, _ := newIntakeHarness("")

	r := httptest.NewRequest(http.MethodPost, "/internal/jobs/j1/progress",
		strings.NewReader(`{"status":"processing","progress":0.4,"step":"outline"}`))
	r.SetPathValue("jobID", "j1")
	w := httptest.NewRecorder()

	in.HandleJobProgress(w, r)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	snap, ok := progress.Snapshot("j1")
	if !ok || snap.Progress != 0.4 || snap.Step != "outline" {
		t.Fatalf("snapshot %+v ok=%v", snap, ok)
	}
}

func TestIntakeJobProgressRejectsUnknownStatus(t *testing.T) {
	t.Parallel()

	in, _, _, _ := newIntakeHarness("")

	r := httptest.NewRequest(http.MethodPost, "/internal/jobs/j1/progress",
		strings.NewReader(`{"status":"paused"}`))
	r.SetPathValue("jobID", "j1")
	w := httptest.NewRecorder()

	in.HandleJobProgress(w, r)
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestIntakeJobProgressRejectsBadJSON(t *testing.T) {
	t.Parallel()

	in, _, _, _ := newIntakeHarness("")

	r := httptest.NewRequest(http.MethodPost, "/internal/jobs/j1/progress", strings.NewReader(`{`))
	r.SetPathValue("jobID", "j1")
	w := httptest.NewRecorder()

	in.HandleJobProgress(w, r)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestIntakeNotification(t *testing.T) {
	t.Parallel()

	in, _, notifier, _ := newIntakeHarness("")

	r := httptest.NewRequest(http.MethodPost, "/internal/notifications",
		strings.NewReader(`{"channel":"user_u1","title":"export ready"}`))
	w := httptest.NewRecorder()

	in.HandleNotification(w, r)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var stored v1.NotificationBody
	if err := json.Unmarshal(w.Body.Bytes(), &stored); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if stored.ID == "" || stored.Channel != "user_u1" {
		t.Fatalf("unexpected stored notification: %+v", stored)
	}

	// A later subscriber catches the notification from replay.
	c := NewClient("c1", "u1", 32)
	if replayed := notifier.Subscribe(c, "user_u1", time.Now().UTC()); replayed != 1 {
		t.Fatalf("replayed = %d", replayed)
	}
}

func TestIntakeNotificationRequiresChannel(t *testing.T) {
	t.Parallel()

	in, _, _, _ := newIntakeHarness("")

	r := httptest.NewRequest(http.MethodPost, "/internal/notifications",
		strings.NewReader(`{"title":"no channel"}`))
	w := httptest.NewRecorder()

	in.HandleNotification(w, r)
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestIntakeBearerToken(t *testing.T) {
	t.Parallel()

	in, _, _, _ := newIntakeHarness("s3cret")

	r := httptest.NewRequest(http.MethodPost, "/internal/notifications",
		strings.NewReader(`{"channel":"general"}`))
	w := httptest.NewRecorder()
	in.HandleNotification(w, r)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("missing token: status = %d", w.Code)
	}

	r = httptest.NewRequest(http.MethodPost, "/internal/notifications",
		strings.NewReader(`{"channel":"general"}`))
	r.Header.Set("Authorization", "Bearer s3cret")
	w = httptest.NewRecorder()
	in.HandleNotification(w, r)
	if w.Code != http.StatusCreated {
		t.Fatalf("valid token: status = %d", w.Code)
	}
}
