package downstream

import (
	"github.com/smallbiznis/meterflow/internal/analytics"
	"github.com/smallbiznis/meterflow/internal/archive"
	"go.uber.org/fx"
)

var Module = fx.Module("downstream",
	archive.Module,
	analytics.Module,
	fx.Provide(NewCopies),
)

// NewCopies lists the enabled copies; either may be nil when not configured.
func NewCopies(a *archive.Archive, s *analytics.Store) Copies {
	copies := Copies{}
	if a != nil {
		copies = append(copies, a)
	}
	if s != nil {
		copies = append(copies, s)
	}
	return copies
}
