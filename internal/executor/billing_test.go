package executor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

// fakeBilling serves the subset of the Cloud Billing REST surface the plane uses.
type fakeBilling struct {
	mu       sync.Mutex
	account  string
	enabled  map[string]bool
	updates  []string
	denyPuts bool
}

func (f *fakeBilling) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	path := strings.TrimPrefix(r.URL.Path, "/v1/")
	switch {
	case r.Method == http.MethodGet && strings.HasPrefix(path, "billingAccounts/") && strings.HasSuffix(path, "/projects"):
		infos := make([]map[string]interface{}, 0)
		for project, enabled := range f.enabled {
			if !enabled {
				continue
			}
			infos = append(infos, map[string]interface{}{
				"name":               "projects/" + project + "/billingInfo",
				"projectId":          project,
				"billingAccountName": f.account,
				"billingEnabled":     true,
			})
		}
		writeJSON(w, map[string]interface{}{"projectBillingInfo": infos})
	case strings.HasPrefix(path, "projects/") && strings.HasSuffix(path, "/billingInfo"):
		project := strings.TrimSuffix(strings.TrimPrefix(path, "projects/"), "/billingInfo")
		if r.Method == http.MethodPut {
			if f.denyPuts {
				w.WriteHeader(http.StatusForbidden)
				writeJSON(w, map[string]interface{}{"error": map[string]interface{}{"code": 403, "message": "denied"}})
				return
			}
			f.updates = append(f.updates, project)
			f.enabled[project] = false
		}
		info := map[string]interface{}{
			"name":           "projects/" + project + "/billingInfo",
			"projectId":      project,
			"billingEnabled": f.enabled[project],
		}
		if f.enabled[project] {
			info["billingAccountName"] = f.account
		}
		writeJSON(w, info)
	default:
		http.NotFound(w, r)
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func newFakeBillingPlane(t *testing.T, fake *fakeBilling, projects []string) *BillingPlane {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	plane, err := NewBillingPlane(context.Background(), projects,
		option.WithEndpoint(srv.URL+"/"),
		option.WithoutAuthentication(),
		option.WithHTTPClient(srv.Client()),
	)
	require.NoError(t, err)
	return plane
}

func TestBillingPlaneDetachesLinkedProjects(t *testing.T) {
	fake := &fakeBilling{
		account: "billingAccounts/0000AA-BBBBBB-CCCCCC",
		enabled: map[string]bool{"proj-a": true, "proj-b": true},
	}
	plane := newFakeBillingPlane(t, fake, nil)
	ctx := context.Background()

	disabled, err := plane.IsDisabled(ctx, "0000AA-BBBBBB-CCCCCC")
	require.NoError(t, err)
	assert.False(t, disabled)

	require.NoError(t, plane.Disable(ctx, "billingAccounts/0000AA-BBBBBB-CCCCCC"))
	assert.ElementsMatch(t, []string{"proj-a", "proj-b"}, fake.updates)

	disabled, err = plane.IsDisabled(ctx, "0000AA-BBBBBB-CCCCCC")
	require.NoError(t, err)
	assert.True(t, disabled)
}

func TestBillingPlaneRestrictsToConfiguredProjects(t *testing.T) {
	fake := &fakeBilling{
		account: "billingAccounts/0000AA-BBBBBB-CCCCCC",
		enabled: map[string]bool{"proj-a": true, "proj-b": true},
	}
	plane := newFakeBillingPlane(t, fake, []string{"projects/proj-a"})
	ctx := context.Background()

	require.NoError(t, plane.Disable(ctx, "0000AA-BBBBBB-CCCCCC"))
	assert.Equal(t, []string{"proj-a"}, fake.updates)

	disabled, err := plane.IsDisabled(ctx, "0000AA-BBBBBB-CCCCCC")
	require.NoError(t, err)
	assert.True(t, disabled)
	assert.True(t, fake.enabled["proj-b"])
}

func TestBillingPlanePermissionDeniedIsFatal(t *testing.T) {
	fake := &fakeBilling{
		account:  "billingAccounts/0000AA-BBBBBB-CCCCCC",
		enabled:  map[string]bool{"proj-a": true},
		denyPuts: true,
	}
	plane := newFakeBillingPlane(t, fake, nil)

	err := plane.Disable(context.Background(), "0000AA-BBBBBB-CCCCCC")
	require.Error(t, err)
	assert.Equal(t, FatalFailure, classify(err))
}

func TestBillingPlaneRejectsEmptyAccount(t *testing.T) {
	plane := newFakeBillingPlane(t, &fakeBilling{enabled: map[string]bool{}}, nil)

	_, err := plane.IsDisabled(context.Background(), "  ")
	require.Error(t, err)
	assert.Equal(t, FatalFailure, classify(err))
}
