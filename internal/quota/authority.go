package quota

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrTenantCeiling = errors.New("tenant bot limit reached")
	ErrGlobalCeiling = errors.New("system is at capacity")
)

// BotCounter is the slice of the registry the authority needs.
type BotCounter interface {
	Count(ctx context.Context, tenant string) (int, error)
	Owner(botID string) (string, bool)
}

// Authority decides admission from registry counts and live counts.
// It holds no locks itself: callers serialize the decision with the
// registration it gates.
type Authority struct {
	bots       BotCounter
	perTenant  int
	globalLive int
}

func NewAuthority(bots BotCounter, perTenant, globalLive int) *Authority {
	return &Authority{bots: bots, perTenant: perTenant, globalLive: globalLive}
}

// CanAdmit checks the per-tenant and global ceilings. A botId the tenant
// already owns does not count as a new bot against the tenant ceiling.
func (a *Authority) CanAdmit(ctx context.Context, tenant, botID string, live int) error {
	if a.globalLive > 0 && live >= a.globalLive {
		return fmt.Errorf("%w (%d/%d live)", ErrGlobalCeiling, live, a.globalLive)
	}
	if a.perTenant <= 0 {
		return nil
	}
	if owner, ok := a.bots.Owner(botID); ok && owner == tenant {
		return nil
	}
	n, err := a.bots.Count(ctx, tenant)
	if err != nil {
		return fmt.Errorf("count bots: %w", err)
	}
	if n >= a.perTenant {
		return fmt.Errorf("%w (%d/%d)", ErrTenantCeiling, n, a.perTenant)
	}
	return nil
}

func (a *Authority) GlobalCeiling() int    { return a.globalLive }
func (a *Authority) PerTenantCeiling() int { return a.perTenant }
