/*
dto.go - Data Transfer Objects for API requests and responses

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Validation is done by the engine, not in DTOs. DTOs are pure data carriers.
*/
package api

import (
	"time"

	"github.com/warp/promo-engine/promo"
)

// =============================================================================
// CODE POOL
// =============================================================================

type CodeDTO struct {
	ID        string    `json:"id"`
	Budget    int       `json:"budget"`
	Consumed  int       `json:"consumed"`
	Remaining int       `json:"remaining"`
	AddedAt   time.Time `json:"addedAt"`
}

type AddCodesRequest struct {
	Codes      []string `json:"codes"`
	Budget     int      `json:"budget"`
	ReservePut int      `json:"reservePut"`
}

type AddCodesResponse struct {
	Added   int `json:"added"`
	Reserve int `json:"reserve"`
}

type ReserveDTO struct {
	Reserve int `json:"reserve"`
}

type AdjustReserveRequest struct {
	Delta int `json:"delta"`
}

// =============================================================================
// ROSTER
// =============================================================================

type SlotDTO struct {
	Rank        int    `json:"rank"`
	Label       string `json:"label"`
	Participant string `json:"participant,omitempty"`
}

type SetRosterRequest struct {
	Slots []RosterEntryDTO `json:"slots"`
}

type RosterEntryDTO struct {
	Label       string `json:"label"`
	Participant string `json:"participant,omitempty"`
}

type BindSlotRequest struct {
	Rank        int    `json:"rank"`
	Participant string `json:"participant"`
}

// =============================================================================
// ALLOCATION & CONFIRMATION
// =============================================================================

type PeriodDTO struct {
	Period string    `json:"period"`
	Anchor time.Time `json:"anchor"`
	State  string    `json:"state,omitempty"`
}

type GrantDTO struct {
	Rank        int      `json:"rank"`
	Label       string   `json:"label"`
	Participant string   `json:"participant"`
	Entitled    int      `json:"entitled"`
	Codes       []string `json:"codes"`
}

type AllocationDTO struct {
	Period        string     `json:"period"`
	Distributable int        `json:"distributable"`
	Units         int        `json:"units"`
	Grants        []GrantDTO `json:"grants"`
}

type ActionsDTO struct {
	Confirm     string `json:"confirm"`
	ReportError string `json:"reportError"`
	InspectPlan string `json:"inspectPlan"`
}

type ConfirmationDTO struct {
	Period        string        `json:"period"`
	State         string        `json:"state"`
	Preview       AllocationDTO `json:"preview"`
	Actions       ActionsDTO    `json:"actions"`
	RemindersStop *time.Time    `json:"remindersStop,omitempty"`
}

type ReportErrorRequest struct {
	Reason string `json:"reason"`
}

type RemediationsDTO struct {
	Period       string   `json:"period"`
	Remediations []string `json:"remediations"`
}

type AcknowledgeRequest struct {
	Hint string `json:"hint"`
}

// =============================================================================
// ISSUANCE
// =============================================================================

type EntryDTO struct {
	ID          string    `json:"id"`
	Participant string    `json:"participant"`
	Code        string    `json:"code"`
	Period      string    `json:"period"`
	Channel     string    `json:"channel"`
	IssuedAt    time.Time `json:"issuedAt"`
}

type SkippedDTO struct {
	Participant string `json:"participant"`
	Code        string `json:"code"`
	Reason      string `json:"reason"`
}

type RunResultDTO struct {
	Period  string       `json:"period"`
	Channel string       `json:"channel"`
	Status  string       `json:"status"`
	Planned int          `json:"planned"`
	Issued  []EntryDTO   `json:"issued"`
	Skipped []SkippedDTO `json:"skipped"`
}

type ManualIssueRequest struct {
	Participant string   `json:"participant"`
	Codes       []string `json:"codes"`
	Channel     string   `json:"channel"`
}

// =============================================================================
// REPORTS
// =============================================================================

type CodeStatDTO struct {
	ID          string `json:"id"`
	Budget      int    `json:"budget"`
	Consumed    int    `json:"consumed"`
	Remaining   int    `json:"remaining"`
	Utilization string `json:"utilization"`
}

type PoolStatsDTO struct {
	Codes         []CodeStatDTO `json:"codes"`
	Budget        int           `json:"budget"`
	Consumed      int           `json:"consumed"`
	Remaining     int           `json:"remaining"`
	Reserve       int           `json:"reserve"`
	Distributable int           `json:"distributable"`
	Utilization   string        `json:"utilization"`
}

type ParticipantResultDTO struct {
	Participant string     `json:"participant"`
	Entries     []EntryDTO `json:"entries"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toCodeDTO(c promo.Code) CodeDTO {
	return CodeDTO{
		ID:        string(c.ID),
		Budget:    c.Budget,
		Consumed:  c.Consumed,
		Remaining: c.Remaining(),
		AddedAt:   c.AddedAt,
	}
}

func toSlotDTOs(slots []promo.Slot) []SlotDTO {
	out := make([]SlotDTO, len(slots))
	for i, s := range slots {
		out[i] = SlotDTO{Rank: s.Rank, Label: s.Label, Participant: string(s.Participant)}
	}
	return out
}

func ToAllocationDTO(period promo.PeriodKey, a promo.Allocation) AllocationDTO {
	dto := AllocationDTO{
		Period:        string(period),
		Distributable: a.Distributable,
		Units:         a.Units(),
		Grants:        make([]GrantDTO, len(a.Grants)),
	}
	for i, g := range a.Grants {
		dto.Grants[i] = GrantDTO{
			Rank:        g.Rank,
			Label:       g.Label,
			Participant: string(g.Participant),
			Entitled:    g.Entitled,
			Codes:       codeStrings(g.Codes),
		}
	}
	return dto
}

func toEntryDTOs(entries []promo.Entry) []EntryDTO {
	out := make([]EntryDTO, len(entries))
	for i, e := range entries {
		out[i] = EntryDTO{
			ID:          string(e.ID),
			Participant: string(e.Participant),
			Code:        string(e.Code),
			Period:      string(e.Period),
			Channel:     string(e.Channel),
			IssuedAt:    e.IssuedAt,
		}
	}
	return out
}

func ToRunResultDTO(r promo.RunResult) RunResultDTO {
	dto := RunResultDTO{
		Period:  string(r.Period),
		Channel: string(r.Channel),
		Status:  string(r.Status),
		Planned: r.Planned,
		Issued:  toEntryDTOs(r.Issued),
		Skipped: make([]SkippedDTO, len(r.Skipped)),
	}
	for i, s := range r.Skipped {
		dto.Skipped[i] = SkippedDTO{Participant: string(s.Participant), Code: string(s.Code), Reason: s.Reason}
	}
	return dto
}

func codeStrings(ids []promo.CodeID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}

func codeIDs(ss []string) []promo.CodeID {
	out := make([]promo.CodeID, len(ss))
	for i, s := range ss {
		out[i] = promo.CodeID(s)
	}
	return out
}
