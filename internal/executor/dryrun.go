package executor

import (
	"context"
	"sync"
)

// DryRunPlane records disable calls in memory without touching any provider.
type DryRunPlane struct {
	mu       sync.Mutex
	disabled map[string]int
}

// NewDryRunPlane returns an empty in-memory plane.
func NewDryRunPlane() *DryRunPlane {
	return &DryRunPlane{disabled: make(map[string]int)}
}

// Name implements ControlPlane.
func (p *DryRunPlane) Name() string { return "dry_run" }

// IsDisabled implements ControlPlane.
func (p *DryRunPlane) IsDisabled(ctx context.Context, accountID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.disabled[accountID] > 0, nil
}

// Disable implements ControlPlane.
func (p *DryRunPlane) Disable(ctx context.Context, accountID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	p.disabled[accountID]++
	p.mu.Unlock()
	return nil
}

// Calls returns how many disable calls the account received.
func (p *DryRunPlane) Calls(accountID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.disabled[accountID]
}

var _ ControlPlane = (*DryRunPlane)(nil)
