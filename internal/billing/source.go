package billing

import (
	"context"
	"errors"
)

// ErrPlatformUnavailable is returned when the billing platform cannot be
// reached. Callers recover by serving the last cached status.
var ErrPlatformUnavailable = errors.New("billing platform unreachable")

// Source is the authoritative subscription status boundary.
// Implementations must be safe for concurrent use.
type Source interface {
	// FetchStatus pulls the current platform-side status.
	FetchStatus(ctx context.Context) (Status, error)

	// Purchase attempts to buy the given product. Returns false when the
	// platform declines without error (user canceled, payment failed).
	Purchase(ctx context.Context, productID string) (bool, error)

	// Restore re-applies a previous purchase on this account.
	Restore(ctx context.Context) (bool, error)

	// StatusChanges delivers push notifications of platform-side changes.
	// The channel is closed when the source shuts down.
	StatusChanges() <-chan Status
}
