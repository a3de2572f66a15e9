package v1

import (
	"encoding/json"
	"testing"
	"time"
)

func TestEnvelopeValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		env     Envelope
		wantErr bool
	}{
		{name: "ok minimal", env: Envelope{Type: TypePing}},
		{name: "ok with body", env: Envelope{Type: TypeEditOperation, Body: json.RawMessage(`{}`)}},
		{name: "unknown type passes structural check", env: Envelope{Type: "future_thing"}},
		{name: "missing type", env: Envelope{}, wantErr: true},
		{name: "blank type", env: Envelope{Type: "   "}, wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.env.Validate()
			if tc.wantErr && err == nil {
				t.Fatalf("expected error")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestNewEventRoundTrip(t *testing.T) {
	t.Parallel()

	ts := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	env, err := NewEvent(TypeJobProgress, JobTopic("j1"), JobProgressBody{
		JobID:     "j1",
		Status:    JobProcessing,
		Progress:  0.25,
		UpdatedAt: ts,
	}, ts)
	if err != nil {
		t.Fatalf("NewEvent: %v", err)
	}
	if env.Type != TypeJobProgress || env.Topic != "job:j1" {
		t.Fatalf("unexpected envelope header: %+v", env)
	}

	var body JobProgressBody
	if err := json.Unmarshal(env.Body, &body); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if body.Progress != 0.25 || body.Status != JobProcessing {
		t.Fatalf("unexpected body: %+v", body)
	}
}

func TestNewErrorShape(t *testing.T) {
	t.Parallel()

	ts := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	env := NewError(CodeLockConflict, "slide locked", map[string]string{"owner": "u2"}, ts)
	if env.Type != TypeError {
		t.Fatalf("expected error type, got %q", env.Type)
	}
	if env.ErrorCode != CodeLockConflict || env.Details["owner"] != "u2" {
		t.Fatalf("unexpected error envelope: %+v", env)
	}
	if len(env.Body) != 0 {
		t.Fatalf("error envelopes carry no body, got %s", env.Body)
	}
}

func TestTopicHelpers(t *testing.T) {
	t.Parallel()

	if got := JobTopic("abc"); got != "job:abc" {
		t.Fatalf("JobTopic = %q", got)
	}
	if got := DocumentTopic("p1"); got != "doc:p1" {
		t.Fatalf("DocumentTopic = %q", got)
	}
	if got := ChannelTopic("general"); got != "channel:general" {
		t.Fatalf("ChannelTopic = %q", got)
	}
	if got := UserChannel("u42"); got != "user_u42" {
		t.Fatalf("UserChannel = %q", got)
	}
}

func TestTerminalJobStatus(t *testing.T) {
	t.Parallel()

	for _, s := range []string{JobCompleted, JobFailed, JobCancelled} {
		if !TerminalJobStatus(s) {
			t.Fatalf("expected %q to be terminal", s)
		}
	}
	for _, s := range []string{JobQueued, JobProcessing, "", "paused"} {
		if TerminalJobStatus(s) {
			t.Fatalf("expected %q to be non-terminal", s)
		}
	}
}
