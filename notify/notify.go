// Package notify delivers issuance and confirmation events to the outside
// world. Delivery is best-effort; the engine logs failures and moves on.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/warp/promo-engine/promo"
)

// Sink is both a participant and an operator notifier.
type Sink interface {
	promo.Notifier
	promo.OperatorNotifier
}

// =============================================================================
// LOG SINK
// =============================================================================

// Log writes every event to a structured logger.
type Log struct {
	logger *slog.Logger
}

func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{logger: logger.With("component", "notify")}
}

func (l *Log) Notify(ctx context.Context, participant promo.ParticipantID, codes []promo.CodeID) error {
	l.logger.InfoContext(ctx, "codes issued", "participant", participant, "codes", codes)
	return nil
}

func (l *Log) ConfirmationRequested(ctx context.Context, req promo.ConfirmationRequest) error {
	l.logger.InfoContext(ctx, "confirmation requested",
		"period", req.Period,
		"participants", len(req.Preview.Grants),
		"units", req.Preview.Units(),
		"confirm", req.Actions.Confirm)
	return nil
}

func (l *Log) ConfirmationReminder(ctx context.Context, period promo.PeriodKey) error {
	l.logger.InfoContext(ctx, "confirmation still pending", "period", period)
	return nil
}

// =============================================================================
// WEBHOOK SINK
// =============================================================================

const (
	EventCodesIssued           = "codes_issued"
	EventConfirmationRequested = "confirmation_requested"
	EventConfirmationReminder  = "confirmation_reminder"
)

// Event is the JSON body posted to the webhook.
type Event struct {
	Type        string              `json:"type"`
	At          time.Time           `json:"at"`
	Participant promo.ParticipantID `json:"participant,omitempty"`
	Codes       []promo.CodeID      `json:"codes,omitempty"`
	Period      promo.PeriodKey     `json:"period,omitempty"`
	Plan        map[string][]string `json:"plan,omitempty"`
	Actions     map[string]string   `json:"actions,omitempty"`
}

// Webhook posts events as JSON to a URL. Non-2xx responses are errors.
type Webhook struct {
	URL    string
	Client *http.Client
	now    func() time.Time
}

func NewWebhook(url string, timeout time.Duration) *Webhook {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Webhook{
		URL:    url,
		Client: &http.Client{Timeout: timeout},
		now:    time.Now,
	}
}

func (w *Webhook) Notify(ctx context.Context, participant promo.ParticipantID, codes []promo.CodeID) error {
	return w.post(ctx, Event{Type: EventCodesIssued, Participant: participant, Codes: codes})
}

func (w *Webhook) ConfirmationRequested(ctx context.Context, req promo.ConfirmationRequest) error {
	plan := make(map[string][]string, len(req.Preview.Grants))
	for _, g := range req.Preview.Grants {
		codes := make([]string, len(g.Codes))
		for i, c := range g.Codes {
			codes[i] = string(c)
		}
		plan[string(g.Participant)] = codes
	}
	return w.post(ctx, Event{
		Type:   EventConfirmationRequested,
		Period: req.Period,
		Plan:   plan,
		Actions: map[string]string{
			"confirm":      req.Actions.Confirm,
			"report_error": req.Actions.ReportError,
			"inspect_plan": req.Actions.InspectPlan,
		},
	})
}

func (w *Webhook) ConfirmationReminder(ctx context.Context, period promo.PeriodKey) error {
	return w.post(ctx, Event{Type: EventConfirmationReminder, Period: period})
}

func (w *Webhook) post(ctx context.Context, ev Event) error {
	ev.At = w.now().UTC()
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.Client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook %s: %w", ev.Type, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook %s: unexpected status %d", ev.Type, resp.StatusCode)
	}
	return nil
}

// =============================================================================
// FAN-OUT
// =============================================================================

// Multi delivers to every sink and joins their errors.
type Multi []Sink

func (m Multi) Notify(ctx context.Context, participant promo.ParticipantID, codes []promo.CodeID) error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.Notify(ctx, participant, codes))
	}
	return errors.Join(errs...)
}

func (m Multi) ConfirmationRequested(ctx context.Context, req promo.ConfirmationRequest) error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.ConfirmationRequested(ctx, req))
	}
	return errors.Join(errs...)
}

func (m Multi) ConfirmationReminder(ctx context.Context, period promo.PeriodKey) error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.ConfirmationReminder(ctx, period))
	}
	return errors.Join(errs...)
}
