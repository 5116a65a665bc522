package executor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"google.golang.org/api/option"
	"google.golang.org/api/serviceusage/v1"
)

const (
	serviceStateDisabled = "DISABLED"
	defaultPollInterval  = 2 * time.Second
)

// ServicesPlane throttles spend by disabling selected APIs on selected projects
// instead of detaching billing.
type ServicesPlane struct {
	services     *serviceusage.ServicesService
	operations   *serviceusage.OperationsService
	targets      []string
	pollInterval time.Duration
}

// NewServicesPlane builds the plane for every project/service pair.
func NewServicesPlane(ctx context.Context, projects, services []string, opts ...option.ClientOption) (*ServicesPlane, error) {
	if len(projects) == 0 || len(services) == 0 {
		return nil, fmt.Errorf("services plane needs at least one project and one service")
	}
	svc, err := serviceusage.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create serviceusage service: %w", err)
	}

	targets := make([]string, 0, len(projects)*len(services))
	for _, project := range projects {
		project = strings.TrimPrefix(strings.TrimSpace(project), "projects/")
		for _, service := range services {
			targets = append(targets, fmt.Sprintf("projects/%s/services/%s", project, strings.TrimSpace(service)))
		}
	}
	return &ServicesPlane{
		services:     svc.Services,
		operations:   svc.Operations,
		targets:      targets,
		pollInterval: defaultPollInterval,
	}, nil
}

// Name implements ControlPlane.
func (p *ServicesPlane) Name() string { return "disable_services" }

// IsDisabled reports true when every targeted service is in the DISABLED state.
func (p *ServicesPlane) IsDisabled(ctx context.Context, _ string) (bool, error) {
	pending, err := p.enabledTargets(ctx)
	if err != nil {
		return false, err
	}
	return len(pending) == 0, nil
}

// Disable requests disabling of every targeted service that is still enabled and waits
// for the long-running operations to finish, bounded by ctx.
func (p *ServicesPlane) Disable(ctx context.Context, _ string) error {
	pending, err := p.enabledTargets(ctx)
	if err != nil {
		return err
	}
	ops := make(map[string]*serviceusage.Operation, len(pending))
	for _, name := range pending {
		req := &serviceusage.DisableServiceRequest{DisableDependentServices: true}
		op, err := p.services.Disable(name, req).Context(ctx).Do()
		if err != nil {
			return fmt.Errorf("disable %s: %w", name, err)
		}
		ops[name] = op
	}
	for name, op := range ops {
		if err := p.wait(ctx, op); err != nil {
			return fmt.Errorf("disable %s: %w", name, err)
		}
	}
	return nil
}

// wait polls a long-running operation until it is done.
func (p *ServicesPlane) wait(ctx context.Context, op *serviceusage.Operation) error {
	for op != nil && !op.Done {
		if op.Name == "" {
			return nil
		}
		if err := sleepContext(ctx, p.pollInterval); err != nil {
			return fmt.Errorf("wait for operation %s: %w", op.Name, err)
		}
		next, err := p.operations.Get(op.Name).Context(ctx).Do()
		if err != nil {
			return fmt.Errorf("get operation %s: %w", op.Name, err)
		}
		op = next
	}
	if op != nil && op.Error != nil {
		return fmt.Errorf("operation %s failed: code %d: %s", op.Name, op.Error.Code, op.Error.Message)
	}
	return nil
}

func (p *ServicesPlane) enabledTargets(ctx context.Context) ([]string, error) {
	var pending []string
	for _, name := range p.targets {
		state, err := p.services.Get(name).Context(ctx).Do()
		if err != nil {
			return nil, fmt.Errorf("get %s: %w", name, err)
		}
		if state.State != serviceStateDisabled {
			pending = append(pending, name)
		}
	}
	return pending, nil
}

var _ ControlPlane = (*ServicesPlane)(nil)
