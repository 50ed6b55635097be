// Package pricing provides the spot-price fetch capability and the
// Redis read-through cache in front of it.
package pricing

import (
	"context"

	"spotqueue/model"
)

// Fetcher retrieves spot prices from the cloud provider. Calls are
// slow (network round trips), independently retryable, and safe to
// repeat with the same arguments.
type Fetcher interface {
	Regions(ctx context.Context) ([]string, error)
	SpotPrice(ctx context.Context, instanceType, region string) (*model.PriceObservation, error)
}
