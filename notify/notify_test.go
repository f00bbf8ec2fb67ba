package notify_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/promo-engine/notify"
	"github.com/warp/promo-engine/promo"
)

// hook records every event posted to it.
type hook struct {
	mu     sync.Mutex
	events []notify.Event
	status int
}

func (h *hook) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var ev notify.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.mu.Lock()
	h.events = append(h.events, ev)
	status := h.status
	h.mu.Unlock()
	if status == 0 {
		status = http.StatusNoContent
	}
	w.WriteHeader(status)
}

func newHook(t *testing.T, status int) (*hook, *notify.Webhook) {
	t.Helper()
	h := &hook{status: status}
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return h, notify.NewWebhook(srv.URL, time.Second)
}

func TestWebhook_Notify(t *testing.T) {
	h, w := newHook(t, 0)

	err := w.Notify(context.Background(), "p1", []promo.CodeID{"A", "B"})

	require.NoError(t, err)
	require.Len(t, h.events, 1)
	ev := h.events[0]
	assert.Equal(t, notify.EventCodesIssued, ev.Type)
	assert.Equal(t, promo.ParticipantID("p1"), ev.Participant)
	assert.Equal(t, []promo.CodeID{"A", "B"}, ev.Codes)
	assert.False(t, ev.At.IsZero())
}

func TestWebhook_ConfirmationRequested(t *testing.T) {
	h, w := newHook(t, http.StatusOK)
	req := promo.ConfirmationRequest{
		Period: "2026-10-18",
		State:  promo.StateAwaiting,
		Preview: promo.Allocation{Grants: []promo.Grant{
			{Rank: 1, Participant: "p1", Codes: []promo.CodeID{"A", "B"}},
		}},
		Actions: promo.Actions{
			Confirm:     promo.ActionID(promo.ActionConfirm, "2026-10-18"),
			ReportError: promo.ActionID(promo.ActionReportError, "2026-10-18"),
			InspectPlan: promo.ActionID(promo.ActionInspectPlan, "2026-10-18"),
		},
	}

	require.NoError(t, w.ConfirmationRequested(context.Background(), req))

	require.Len(t, h.events, 1)
	ev := h.events[0]
	assert.Equal(t, notify.EventConfirmationRequested, ev.Type)
	assert.Equal(t, map[string][]string{"p1": {"A", "B"}}, ev.Plan)
	assert.Equal(t, "confirm:2026-10-18", ev.Actions["confirm"])
	assert.Equal(t, "error:2026-10-18", ev.Actions["report_error"])
}

func TestWebhook_ConfirmationReminder(t *testing.T) {
	h, w := newHook(t, 0)

	require.NoError(t, w.ConfirmationReminder(context.Background(), "2026-10-18"))

	require.Len(t, h.events, 1)
	assert.Equal(t, notify.EventConfirmationReminder, h.events[0].Type)
	assert.Equal(t, promo.PeriodKey("2026-10-18"), h.events[0].Period)
}

func TestWebhook_Non2xxIsError(t *testing.T) {
	_, w := newHook(t, http.StatusBadGateway)

	err := w.Notify(context.Background(), "p1", []promo.CodeID{"A"})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestWebhook_UnreachableIsError(t *testing.T) {
	w := notify.NewWebhook("http://127.0.0.1:1", 100*time.Millisecond)
	assert.Error(t, w.ConfirmationReminder(context.Background(), "2026-10-18"))
}

func TestLog_WritesStructuredRecords(t *testing.T) {
	var buf bytes.Buffer
	l := notify.NewLog(slog.New(slog.NewJSONHandler(&buf, nil)))

	require.NoError(t, l.Notify(context.Background(), "p1", []promo.CodeID{"A"}))

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "codes issued", rec["msg"])
	assert.Equal(t, "notify", rec["component"])
	assert.Equal(t, "p1", rec["participant"])
}

func TestMulti_DeliversToAllAndJoinsErrors(t *testing.T) {
	okHook, okSink := newHook(t, 0)
	_, badSink := newHook(t, http.StatusInternalServerError)
	m := notify.Multi{badSink, okSink, notify.NewLog(slog.New(slog.NewTextHandler(io.Discard, nil)))}

	err := m.Notify(context.Background(), "p1", []promo.CodeID{"A"})

	assert.Error(t, err)
	assert.Len(t, okHook.events, 1, "a failing sink does not stop the others")
	assert.NoError(t, notify.Multi{okSink}.ConfirmationReminder(context.Background(), "2026-10-18"))
}
