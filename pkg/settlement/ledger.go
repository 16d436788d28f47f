// Package settlement hands matched orders to the ledger client.
package settlement

import (
	"context"
	"time"
)

// Receipt acknowledges that the ledger accepted a settlement request.
// It says nothing about finality.
type Receipt struct {
	OrderID     string
	Ref         string // ledger-specific handle, e.g. topic/partition
	SubmittedAt time.Time
}

type Ledger interface {
	Submit(ctx context.Context, orderID string) (Receipt, error)
}
