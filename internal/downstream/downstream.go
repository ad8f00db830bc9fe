// Package downstream names the copies of accepted events kept outside the
// authoritative store.
package downstream

import (
	"context"

	usagedomain "github.com/smallbiznis/meterflow/internal/usage/domain"
)

// Copy receives accepted events and derives its own totals from them.
// Publish must tolerate redelivery of events it already holds.
type Copy interface {
	Name() string
	Publish(ctx context.Context, events []usagedomain.UsageEvent) error
	Totals(ctx context.Context, q usagedomain.TotalsQuery) ([]usagedomain.Total, error)
}

// Copies is the set of configured copies. Disabled copies are absent.
type Copies []Copy

func (c Copies) Names() []string {
	names := make([]string, 0, len(c))
	for _, cp := range c {
		names = append(names, cp.Name())
	}
	return names
}
