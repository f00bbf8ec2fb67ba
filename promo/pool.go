package promo

import "context"

// =============================================================================
// CODE POOL - Budget view over CodeStore
// =============================================================================

// Pool answers budget questions about the code pool.
type Pool struct {
	Store CodeStore
}

func NewPool(store CodeStore) *Pool {
	return &Pool{Store: store}
}

// RemainingBudget sums max(0, budget-consumed) over every code.
func (p *Pool) RemainingBudget(ctx context.Context) (int, error) {
	codes, err := p.Store.ListCodes(ctx)
	if err != nil {
		return 0, err
	}
	return RemainingBudget(codes), nil
}

// Consume takes one unit of a code. Concurrency is the store's job.
func (p *Pool) Consume(ctx context.Context, id CodeID) error {
	return p.Store.Consume(ctx, id)
}

// RemainingBudget sums remaining units across a code snapshot.
func RemainingBudget(codes []Code) int {
	total := 0
	for _, c := range codes {
		total += c.Remaining()
	}
	return total
}
