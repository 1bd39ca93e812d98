package service

import "context"

// TransactionManager groups writes that must land together, such as the
// refund rows of one Stripe charge.
type TransactionManager interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}
