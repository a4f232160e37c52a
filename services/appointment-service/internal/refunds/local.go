package refunds

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// LocalGateway stands in for the processor in development. References that
// start with "fail_" are rejected, which makes the failure path reachable
// without a processor account.
type LocalGateway struct {
	mu     sync.Mutex
	issued map[string]Receipt
}

func NewLocalGateway() *LocalGateway {
	return &LocalGateway{issued: map[string]Receipt{}}
}

func (g *LocalGateway) Refund(ctx context.Context, transactionRef string, amount decimal.Decimal, meta Metadata) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, classify(ctx, "local", err)
	}
	if strings.HasPrefix(transactionRef, "fail_") {
		return Receipt{}, &GatewayError{Provider: "local", Code: "card_declined", Message: "simulated processor rejection"}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	key := meta.IdempotencyKey()
	if r, ok := g.issued[key]; ok {
		return r, nil
	}
	r := Receipt{RefundID: "re_local_" + uuid.NewString(), Amount: amount, Status: "succeeded"}
	g.issued[key] = r
	return r, nil
}
