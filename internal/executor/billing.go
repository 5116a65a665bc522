package executor

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/api/cloudbilling/v1"
	"google.golang.org/api/option"
)

const billingAccountPrefix = "billingAccounts/"

// BillingPlane detaches projects from a billing account through the Cloud Billing API.
// Detaching billing stops all paid usage on the project.
type BillingPlane struct {
	accountProjects *cloudbilling.BillingAccountsProjectsService
	projects        *cloudbilling.ProjectsService
	only            map[string]struct{}
}

// NewBillingPlane builds the plane. When projects is non-empty only those projects are
// detached; otherwise every project linked to the account is.
func NewBillingPlane(ctx context.Context, projects []string, opts ...option.ClientOption) (*BillingPlane, error) {
	svc, err := cloudbilling.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create cloudbilling service: %w", err)
	}

	only := make(map[string]struct{}, len(projects))
	for _, p := range projects {
		p = strings.TrimPrefix(strings.TrimSpace(p), "projects/")
		if p != "" {
			only[p] = struct{}{}
		}
	}

	return &BillingPlane{
		accountProjects: svc.BillingAccounts.Projects,
		projects:        svc.Projects,
		only:            only,
	}, nil
}

// Name implements ControlPlane.
func (p *BillingPlane) Name() string { return "disable_billing" }

// IsDisabled reports true when no targeted project still bills to the account.
func (p *BillingPlane) IsDisabled(ctx context.Context, accountID string) (bool, error) {
	active, err := p.activeProjects(ctx, accountID)
	if err != nil {
		return false, err
	}
	return len(active) == 0, nil
}

// Disable detaches every targeted project that still bills to the account.
func (p *BillingPlane) Disable(ctx context.Context, accountID string) error {
	active, err := p.activeProjects(ctx, accountID)
	if err != nil {
		return err
	}
	for _, projectID := range active {
		update := &cloudbilling.ProjectBillingInfo{
			BillingAccountName: "",
			ForceSendFields:    []string{"BillingAccountName"},
		}
		if _, err := p.projects.UpdateBillingInfo("projects/"+projectID, update).Context(ctx).Do(); err != nil {
			return fmt.Errorf("detach billing from project %s: %w", projectID, err)
		}
	}
	return nil
}

func (p *BillingPlane) activeProjects(ctx context.Context, accountID string) ([]string, error) {
	accountName := billingAccountName(accountID)
	if accountName == billingAccountPrefix {
		return nil, Permanent(fmt.Errorf("empty billing account id"))
	}

	if len(p.only) > 0 {
		return p.activeConfiguredProjects(ctx, accountName)
	}

	var active []string
	err := p.accountProjects.List(accountName).Pages(ctx, func(resp *cloudbilling.ListProjectBillingInfoResponse) error {
		for _, info := range resp.ProjectBillingInfo {
			if info.BillingEnabled {
				active = append(active, info.ProjectId)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list projects of %s: %w", accountName, err)
	}
	return active, nil
}

func (p *BillingPlane) activeConfiguredProjects(ctx context.Context, accountName string) ([]string, error) {
	var active []string
	for projectID := range p.only {
		info, err := p.projects.GetBillingInfo("projects/" + projectID).Context(ctx).Do()
		if err != nil {
			return nil, fmt.Errorf("get billing info of project %s: %w", projectID, err)
		}
		if info.BillingEnabled && info.BillingAccountName == accountName {
			active = append(active, projectID)
		}
	}
	return active, nil
}

func billingAccountName(accountID string) string {
	return billingAccountPrefix + strings.TrimPrefix(strings.TrimSpace(accountID), billingAccountPrefix)
}

var _ ControlPlane = (*BillingPlane)(nil)
