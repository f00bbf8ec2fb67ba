/*
allocation.go - Quota allocation and code selection

PURPOSE:
  Turns (roster, code snapshot, reserve, ledger snapshot) into a per-participant
  list of codes for one period. Allocate is pure: same input, same plan. It is
  used both for previews and, recomputed fresh, for execution.

ALGORITHM:
  1. distributable = remaining budget - reserve. <= 0 means no plan.
  2. Quota pass, in rank order over occupied slots:
       rank <= TopRanks  → min(TopQuota, distributable)
       rank >  TopRanks  → min(TailQuota, distributable)
  3. Spillover: leftover units go out one at a time, round-robin over occupied
     slots ranked beyond TopRanks, or over every occupied slot when there are
     none beyond TopRanks.
  4. Code selection: for each entitled unit scan codes in creation order from
     a rolling cursor shared by all participants. Pick the first code with
     snapshot budget left that this participant neither picked in this pass
     nor holds in the ledger. The cursor stays on the picked code. When no
     code qualifies the participant stops receiving units.
  5. Participants with zero codes are left out of the plan.

  Steps 2-3 only conserve distributable; step 4 only cares about
  per-participant uniqueness and pool availability.

SMALL ROSTERS:
  With nobody beyond TopRanks the spillover falls back to every occupied slot,
  so top-ranked participants can be entitled to more than TopQuota units.

EXAMPLE:
  2 codes × budget 5, reserve 2, 3 occupied slots:
    distributable = 8 → entitlements 3, 3, 2
    each participant can hold at most 2 distinct codes → 2, 2, 2

SEE ALSO:
  - trigger.go: Executes a fresh allocation
  - confirmation.go: Shows a preview to operators
*/
package promo

import (
	"fmt"
	"sort"
)

// =============================================================================
// POLICY - Quota shape
// =============================================================================

type Policy struct {
	TopRanks  int // ranks 1..TopRanks form the top tier
	TopQuota  int // units per occupied top-tier slot in the quota pass
	TailQuota int // units per occupied slot beyond the top tier
}

func DefaultPolicy() Policy {
	return Policy{TopRanks: 15, TopQuota: 3, TailQuota: 1}
}

func (p Policy) Validate() error {
	if p.TopRanks < 0 || p.TopQuota < 0 || p.TailQuota < 0 {
		return fmt.Errorf("allocation policy values must be non-negative: %+v", p)
	}
	return nil
}

func (p Policy) orDefault() Policy {
	if p == (Policy{}) {
		return DefaultPolicy()
	}
	return p
}

// =============================================================================
// INPUT / OUTPUT
// =============================================================================

type AllocationInput struct {
	Slots   []Slot
	Codes   []Code
	Reserve int
	Issued  IssuedSet
	Policy  Policy
}

// Entitlement is how many units an occupied slot may receive.
type Entitlement struct {
	Rank        int
	Participant ParticipantID
	Units       int
}

// Grant is the codes picked for one participant.
type Grant struct {
	Rank        int
	Label       string
	Participant ParticipantID
	Entitled    int
	Codes       []CodeID
}

type Allocation struct {
	Distributable int
	Entitlements  []Entitlement // every occupied slot in rank order
	Grants        []Grant       // participants with at least one code, rank order
}

// Empty reports whether there is nothing to execute.
func (a Allocation) Empty() bool { return len(a.Grants) == 0 }

// Units returns the number of codes in the plan.
func (a Allocation) Units() int {
	n := 0
	for _, g := range a.Grants {
		n += len(g.Codes)
	}
	return n
}

// ByParticipant returns the plan as participant → codes.
func (a Allocation) ByParticipant() map[ParticipantID][]CodeID {
	out := make(map[ParticipantID][]CodeID, len(a.Grants))
	for _, g := range a.Grants {
		out[g.Participant] = append(out[g.Participant], g.Codes...)
	}
	return out
}

// =============================================================================
// ALLOCATE
// =============================================================================

// Allocate computes the plan. It never fails: an infeasible input simply
// yields an empty Allocation.
func Allocate(in AllocationInput) Allocation {
	policy := in.Policy.orDefault()
	slots := occupiedSlots(in.Slots)
	distributable := RemainingBudget(in.Codes) - in.Reserve
	if len(slots) == 0 || distributable <= 0 {
		return Allocation{Distributable: max(distributable, 0)}
	}

	units, left := quotaPass(slots, distributable, policy)
	units = spillover(slots, units, left, policy)

	ents := make([]Entitlement, len(slots))
	for i, s := range slots {
		ents[i] = Entitlement{Rank: s.Rank, Participant: s.Participant, Units: units[i]}
	}

	return Allocation{
		Distributable: distributable,
		Entitlements:  ents,
		Grants:        selectCodes(slots, ents, in.Codes, in.Issued),
	}
}

func occupiedSlots(all []Slot) []Slot {
	out := make([]Slot, 0, len(all))
	for _, s := range all {
		if s.Occupied() {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Rank < out[j].Rank })
	return out
}

// quotaPass hands out the tiered quota and returns what is left.
func quotaPass(slots []Slot, distributable int, p Policy) ([]int, int) {
	units := make([]int, len(slots))
	for i, s := range slots {
		if distributable <= 0 {
			break
		}
		quota := p.TailQuota
		if s.Rank <= p.TopRanks {
			quota = p.TopQuota
		}
		give := min(quota, distributable)
		units[i] += give
		distributable -= give
	}
	return units, distributable
}

// spillover distributes the leftover round-robin.
func spillover(slots []Slot, units []int, left int, p Policy) []int {
	if left <= 0 {
		return units
	}
	var eligible []int
	for i, s := range slots {
		if s.Rank > p.TopRanks {
			eligible = append(eligible, i)
		}
	}
	if len(eligible) == 0 {
		for i := range slots {
			eligible = append(eligible, i)
		}
	}
	for next := 0; left > 0 && len(eligible) > 0; next++ {
		units[eligible[next%len(eligible)]]++
		left--
	}
	return units
}

// =============================================================================
// CODE SELECTION
// =============================================================================

type poolCode struct {
	id        CodeID
	remaining int
}

func selectCodes(slots []Slot, ents []Entitlement, codes []Code, issued IssuedSet) []Grant {
	pool := availableCodes(codes)
	if len(pool) == 0 {
		return nil
	}

	var grants []Grant
	byParticipant := make(map[ParticipantID]int)
	picked := make(IssuedSet)
	cursor := 0

	for i, ent := range ents {
		if ent.Units <= 0 {
			continue
		}
		var got []CodeID
		got, cursor = pickCodes(pool, cursor, ent.Participant, ent.Units, issued, picked)
		if len(got) == 0 {
			continue
		}
		if idx, ok := byParticipant[ent.Participant]; ok {
			grants[idx].Codes = append(grants[idx].Codes, got...)
			grants[idx].Entitled += ent.Units
			continue
		}
		byParticipant[ent.Participant] = len(grants)
		grants = append(grants, Grant{
			Rank:        ent.Rank,
			Label:       slots[i].Label,
			Participant: ent.Participant,
			Entitled:    ent.Units,
			Codes:       got,
		})
	}
	return grants
}

// pickCodes selects up to units codes for one participant starting at cursor
// and returns them with the cursor for the next participant. It decrements
// the snapshot budgets in pool and records picks in picked.
func pickCodes(pool []poolCode, cursor int, p ParticipantID, units int, issued, picked IssuedSet) ([]CodeID, int) {
	var got []CodeID
	for range units {
		found := false
		for offset := range len(pool) {
			idx := (cursor + offset) % len(pool)
			c := &pool[idx]
			if c.remaining <= 0 || picked.Has(p, c.id) || issued.Has(p, c.id) {
				continue
			}
			c.remaining--
			picked.Add(p, c.id)
			got = append(got, c.id)
			cursor = idx
			found = true
			break
		}
		if !found {
			break
		}
	}
	return got, cursor
}

func availableCodes(codes []Code) []poolCode {
	ordered := make([]Code, len(codes))
	copy(ordered, codes)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Seq < ordered[j].Seq })

	pool := make([]poolCode, 0, len(ordered))
	for _, c := range ordered {
		if r := c.Remaining(); r > 0 {
			pool = append(pool, poolCode{id: c.ID, remaining: r})
		}
	}
	return pool
}
