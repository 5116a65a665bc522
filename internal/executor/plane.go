package executor

import (
	"context"
	"fmt"

	"google.golang.org/api/option"

	"budget-guard/internal/config"
)

// NewPlane builds the control plane selected by executor.action.
func NewPlane(ctx context.Context, cfg config.ExecutorConfig, opts ...option.ClientOption) (ControlPlane, error) {
	switch cfg.Action {
	case config.ActionDisableBilling:
		return NewBillingPlane(ctx, cfg.Projects, opts...)
	case config.ActionDisableServices:
		return NewServicesPlane(ctx, cfg.Projects, cfg.Services, opts...)
	case config.ActionDryRun:
		return NewDryRunPlane(), nil
	default:
		return nil, fmt.Errorf("unsupported executor action %q", cfg.Action)
	}
}
