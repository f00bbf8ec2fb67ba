/*
handlers.go - HTTP API handlers for the promo engine

ENDPOINTS:
  Periods:
    GET    /api/periods/current                  Current period key and anchor
    GET    /api/periods/{period}/state           Confirmation state
    GET    /api/periods/{period}/preview         Allocation preview (read-only)
    POST   /api/periods/{period}/confirmation    Request confirmation (admin)
    POST   /api/periods/{period}/confirm         Confirm (admin)
    POST   /api/periods/{period}/report-error    Report a wrong plan (admin)
    POST   /api/periods/{period}/remediation     Acknowledge a remediation hint (admin)
    POST   /api/periods/{period}/execute         Manual execution (admin)
    GET    /api/periods/{period}/results         Entries issued in the period
    GET    /api/periods/{period}/roster          Roster slots
    PUT    /api/periods/{period}/roster          Replace roster (admin)
    POST   /api/periods/{period}/roster/bind     Bind participant to an empty slot
    GET    /api/periods/{period}/roster/missing  Unbound slots

  Callbacks:
    POST   /api/actions/{action}                 Dispatch a confirm:/error:/plan: id

  Pool & issuance:
    GET    /api/codes                            List codes
    POST   /api/codes                            Add codes (admin)
    GET    /api/reserve                          Reserve value
    POST   /api/reserve/adjust                   Adjust reserve (admin)
    POST   /api/issuances                        Manual issuance (admin)
    GET    /api/participants/{id}/entries        Participant's entries
    GET    /api/participants/{id}/available      Codes the participant may still get
    GET    /api/stats                            Pool statistics

AUTHORIZATION:
  The X-Admin-ID header is checked against the configured operator ids and
  passed to the engine as a boolean. The engine rejects unauthorized calls.

ERROR HANDLING:
  - 400: Validation errors, invalid input
  - 403: Unauthorized
  - 404: Resource not found
  - 409: Conflict (exhausted, duplicate, invalid transition)
  - 500: Internal errors
*/
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/warp/promo-engine/promo"
)

// AdminHeader carries the caller's operator id.
const AdminHeader = "X-Admin-ID"

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

type Handler struct {
	Engine  *promo.Engine
	IsAdmin func(id string) bool
	Logger  *slog.Logger
}

func NewHandler(engine *promo.Engine, isAdmin func(string) bool, logger *slog.Logger) *Handler {
	if isAdmin == nil {
		isAdmin = func(string) bool { return false }
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{Engine: engine, IsAdmin: isAdmin, Logger: logger.With("component", "api")}
}

func (h *Handler) authorized(r *http.Request) bool {
	return h.IsAdmin(r.Header.Get(AdminHeader))
}

func (h *Handler) period(w http.ResponseWriter, r *http.Request) (promo.PeriodKey, bool) {
	key, err := promo.ParsePeriodKey(chi.URLParam(r, "period"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid period", err)
		return "", false
	}
	return key, true
}

// =============================================================================
// PERIOD HANDLERS
// =============================================================================

func (h *Handler) CurrentPeriod(w http.ResponseWriter, r *http.Request) {
	key := h.Engine.CurrentPeriod()
	anchor, _ := h.Engine.Calendar().Anchor(key)
	state, err := h.Engine.State(r.Context(), key)
	if err != nil {
		h.fail(w, "Failed to load state", err)
		return
	}
	writeJSON(w, http.StatusOK, PeriodDTO{Period: string(key), Anchor: anchor, State: string(state)})
}

func (h *Handler) GetState(w http.ResponseWriter, r *http.Request) {
	key, ok := h.period(w, r)
	if !ok {
		return
	}
	state, err := h.Engine.State(r.Context(), key)
	if err != nil {
		h.fail(w, "Failed to load state", err)
		return
	}
	anchor, _ := h.Engine.Calendar().Anchor(key)
	writeJSON(w, http.StatusOK, PeriodDTO{Period: string(key), Anchor: anchor, State: string(state)})
}

func (h *Handler) Preview(w http.ResponseWriter, r *http.Request) {
	key, ok := h.period(w, r)
	if !ok {
		return
	}
	h.writePreview(w, r, key)
}

func (h *Handler) writePreview(w http.ResponseWriter, r *http.Request, key promo.PeriodKey) {
	plan, err := h.Engine.Preview(r.Context(), key)
	if err != nil {
		h.fail(w, "Failed to compute preview", err)
		return
	}
	writeJSON(w, http.StatusOK, ToAllocationDTO(key, plan))
}

func (h *Handler) RequestConfirmation(w http.ResponseWriter, r *http.Request) {
	key, ok := h.period(w, r)
	if !ok {
		return
	}
	if !h.authorized(r) {
		writeError(w, http.StatusForbidden, "Operator rights required", promo.ErrUnauthorized)
		return
	}
	req, err := h.Engine.RequestConfirmation(r.Context(), key)
	if err != nil {
		h.fail(w, "Failed to request confirmation", err)
		return
	}
	dto := ConfirmationDTO{
		Period:  string(req.Period),
		State:   string(req.State),
		Preview: ToAllocationDTO(req.Period, req.Preview),
		Actions: ActionsDTO{
			Confirm:     req.Actions.Confirm,
			ReportError: req.Actions.ReportError,
			InspectPlan: req.Actions.InspectPlan,
		},
	}
	if !req.RemindersStop.IsZero() {
		dto.RemindersStop = &req.RemindersStop
	}
	writeJSON(w, http.StatusOK, dto)
}

func (h *Handler) Confirm(w http.ResponseWriter, r *http.Request) {
	key, ok := h.period(w, r)
	if !ok {
		return
	}
	h.confirm(w, r, key)
}

func (h *Handler) confirm(w http.ResponseWriter, r *http.Request, key promo.PeriodKey) {
	if err := h.Engine.Confirm(r.Context(), h.authorized(r), key); err != nil {
		h.fail(w, "Failed to confirm", err)
		return
	}
	writeJSON(w, http.StatusOK, PeriodDTO{Period: string(key), State: string(promo.StateConfirmed)})
}

func (h *Handler) ReportError(w http.ResponseWriter, r *http.Request) {
	key, ok := h.period(w, r)
	if !ok {
		return
	}
	var req ReportErrorRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	h.reportError(w, r, key, req.Reason)
}

func (h *Handler) reportError(w http.ResponseWriter, r *http.Request, key promo.PeriodKey, reason string) {
	hints, err := h.Engine.ReportError(r.Context(), h.authorized(r), key, reason)
	if err != nil {
		h.fail(w, "Failed to report error", err)
		return
	}
	dto := RemediationsDTO{Period: string(key), Remediations: make([]string, len(hints))}
	for i, hint := range hints {
		dto.Remediations[i] = string(hint)
	}
	writeJSON(w, http.StatusOK, dto)
}

func (h *Handler) AcknowledgeRemediation(w http.ResponseWriter, r *http.Request) {
	key, ok := h.period(w, r)
	if !ok {
		return
	}
	var req AcknowledgeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if err := h.Engine.AcknowledgeRemediation(r.Context(), h.authorized(r), key, promo.Remediation(req.Hint)); err != nil {
		h.fail(w, "Failed to acknowledge remediation", err)
		return
	}
	writeJSON(w, http.StatusOK, PeriodDTO{Period: string(key), State: string(promo.StateIdle)})
}

func (h *Handler) Execute(w http.ResponseWriter, r *http.Request) {
	key, ok := h.period(w, r)
	if !ok {
		return
	}
	res, err := h.Engine.ExecuteNow(r.Context(), h.authorized(r), key)
	if err != nil {
		h.fail(w, "Failed to execute period", err)
		return
	}
	writeJSON(w, http.StatusOK, ToRunResultDTO(res))
}

func (h *Handler) PeriodResults(w http.ResponseWriter, r *http.Request) {
	key, ok := h.period(w, r)
	if !ok {
		return
	}
	groups, err := h.Engine.PeriodResults(r.Context(), key)
	if err != nil {
		h.fail(w, "Failed to load results", err)
		return
	}
	out := make([]ParticipantResultDTO, len(groups))
	for i, g := range groups {
		out[i] = ParticipantResultDTO{Participant: string(g.Participant), Entries: toEntryDTOs(g.Entries)}
	}
	writeJSON(w, http.StatusOK, out)
}

// DispatchAction resolves a callback id handed out with a confirmation
// request. The report-error body is optional.
func (h *Handler) DispatchAction(w http.ResponseWriter, r *http.Request) {
	action, key, err := promo.ParseActionID(chi.URLParam(r, "action"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid action", err)
		return
	}
	switch action {
	case promo.ActionConfirm:
		h.confirm(w, r, key)
	case promo.ActionReportError:
		var req ReportErrorRequest
		if err := decodeOptional(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body", err)
			return
		}
		h.reportError(w, r, key, req.Reason)
	case promo.ActionInspectPlan:
		h.writePreview(w, r, key)
	}
}

// =============================================================================
// ROSTER HANDLERS
// =============================================================================

func (h *Handler) GetRoster(w http.ResponseWriter, r *http.Request) {
	key, ok := h.period(w, r)
	if !ok {
		return
	}
	slots, err := h.Engine.Roster(r.Context(), key)
	if err != nil {
		h.fail(w, "Failed to load roster", err)
		return
	}
	writeJSON(w, http.StatusOK, toSlotDTOs(slots))
}

func (h *Handler) SetRoster(w http.ResponseWriter, r *http.Request) {
	key, ok := h.period(w, r)
	if !ok {
		return
	}
	var req SetRosterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	entries := make([]promo.RosterEntry, len(req.Slots))
	for i, s := range req.Slots {
		entries[i] = promo.RosterEntry{Label: s.Label, Participant: promo.ParticipantID(s.Participant)}
	}
	slots, err := h.Engine.SetRoster(r.Context(), h.authorized(r), key, entries)
	if err != nil {
		h.fail(w, "Failed to set roster", err)
		return
	}
	writeJSON(w, http.StatusOK, toSlotDTOs(slots))
}

func (h *Handler) BindSlot(w http.ResponseWriter, r *http.Request) {
	key, ok := h.period(w, r)
	if !ok {
		return
	}
	var req BindSlotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if err := h.Engine.BindSlot(r.Context(), key, req.Rank, promo.ParticipantID(req.Participant)); err != nil {
		h.fail(w, "Failed to bind slot", err)
		return
	}
	writeJSON(w, http.StatusOK, SlotDTO{Rank: req.Rank, Participant: req.Participant})
}

func (h *Handler) MissingSlots(w http.ResponseWriter, r *http.Request) {
	key, ok := h.period(w, r)
	if !ok {
		return
	}
	slots, err := h.Engine.MissingSlots(r.Context(), key)
	if err != nil {
		h.fail(w, "Failed to load roster", err)
		return
	}
	writeJSON(w, http.StatusOK, toSlotDTOs(slots))
}

// =============================================================================
// POOL & ISSUANCE HANDLERS
// =============================================================================

func (h *Handler) ListCodes(w http.ResponseWriter, r *http.Request) {
	codes, err := h.Engine.Codes(r.Context())
	if err != nil {
		h.fail(w, "Failed to list codes", err)
		return
	}
	out := make([]CodeDTO, len(codes))
	for i, c := range codes {
		out[i] = toCodeDTO(c)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) AddCodes(w http.ResponseWriter, r *http.Request) {
	var req AddCodesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	res, err := h.Engine.AddCodes(r.Context(), h.authorized(r), codeIDs(req.Codes), req.Budget, req.ReservePut)
	if err != nil {
		h.fail(w, "Failed to add codes", err)
		return
	}
	writeJSON(w, http.StatusCreated, AddCodesResponse{Added: res.Added, Reserve: res.Reserve})
}

func (h *Handler) GetReserve(w http.ResponseWriter, r *http.Request) {
	v, err := h.Engine.Reserve().Value(r.Context())
	if err != nil {
		h.fail(w, "Failed to read reserve", err)
		return
	}
	writeJSON(w, http.StatusOK, ReserveDTO{Reserve: v})
}

func (h *Handler) AdjustReserve(w http.ResponseWriter, r *http.Request) {
	var req AdjustReserveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	v, err := h.Engine.AdjustReserve(r.Context(), h.authorized(r), req.Delta)
	if err != nil {
		h.fail(w, "Failed to adjust reserve", err)
		return
	}
	writeJSON(w, http.StatusOK, ReserveDTO{Reserve: v})
}

func (h *Handler) IssueManual(w http.ResponseWriter, r *http.Request) {
	var req ManualIssueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	entries, err := h.Engine.IssueManual(r.Context(), h.authorized(r), promo.ManualIssuance{
		Participant: promo.ParticipantID(req.Participant),
		Codes:       codeIDs(req.Codes),
		Channel:     promo.Channel(req.Channel),
	})
	if err != nil {
		h.fail(w, "Failed to issue codes", err)
		return
	}
	writeJSON(w, http.StatusCreated, toEntryDTOs(entries))
}

func (h *Handler) ParticipantEntries(w http.ResponseWriter, r *http.Request) {
	participant := promo.ParticipantID(chi.URLParam(r, "id"))
	var period promo.PeriodKey
	if p := r.URL.Query().Get("period"); p != "" {
		key, err := promo.ParsePeriodKey(p)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid period", err)
			return
		}
		period = key
	}
	entries, err := h.Engine.IssuedTo(r.Context(), participant, period)
	if err != nil {
		h.fail(w, "Failed to load entries", err)
		return
	}
	writeJSON(w, http.StatusOK, toEntryDTOs(entries))
}

func (h *Handler) AvailableCodes(w http.ResponseWriter, r *http.Request) {
	codes, err := h.Engine.AvailableFor(r.Context(), promo.ParticipantID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, "Failed to list codes", err)
		return
	}
	out := make([]CodeDTO, len(codes))
	for i, c := range codes {
		out[i] = toCodeDTO(c)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	rep, err := h.Engine.PoolStats(r.Context())
	if err != nil {
		h.fail(w, "Failed to compute stats", err)
		return
	}
	dto := PoolStatsDTO{
		Codes:         make([]CodeStatDTO, len(rep.Codes)),
		Budget:        rep.Budget,
		Consumed:      rep.Consumed,
		Remaining:     rep.Remaining,
		Reserve:       rep.Reserve,
		Distributable: rep.Distributable,
		Utilization:   rep.Utilization.StringFixed(2),
	}
	for i, c := range rep.Codes {
		dto.Codes[i] = CodeStatDTO{
			ID:          string(c.ID),
			Budget:      c.Budget,
			Consumed:    c.Consumed,
			Remaining:   c.Remaining,
			Utilization: c.Utilization.StringFixed(2),
		}
	}
	writeJSON(w, http.StatusOK, dto)
}

// =============================================================================
// HELPERS
// =============================================================================

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, promo.ErrUnauthorized):
		return http.StatusForbidden
	case promo.IsClientError(err):
		return http.StatusBadRequest
	case promo.IsNotFound(err):
		return http.StatusNotFound
	case promo.IsConflict(err):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// decodeOptional decodes a JSON body into v. An empty body leaves v zero.
func decodeOptional(r *http.Request, v any) error {
	if r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (h *Handler) fail(w http.ResponseWriter, message string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.Logger.Error(message, "error", err)
	}
	writeError(w, status, message, err)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

func healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
