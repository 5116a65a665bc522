package executor

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

// fakeServiceUsage serves services get/disable and operations get. A disable only takes
// effect once its operation has been polled.
type fakeServiceUsage struct {
	mu       sync.Mutex
	states   map[string]string
	ops      map[string]string
	polls    int
	disables int
	failOps  bool
}

func (f *fakeServiceUsage) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	path := strings.TrimPrefix(r.URL.Path, "/v1/")
	switch {
	case r.Method == http.MethodPost && strings.HasSuffix(path, ":disable"):
		name := strings.TrimSuffix(path, ":disable")
		f.disables++
		op := fmt.Sprintf("operations/%d", f.disables)
		f.ops[op] = name
		writeJSON(w, map[string]interface{}{"name": op, "done": false})
	case r.Method == http.MethodGet && strings.HasPrefix(path, "operations/"):
		f.polls++
		name, ok := f.ops[path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		resp := map[string]interface{}{"name": path, "done": true}
		if f.failOps {
			resp["error"] = map[string]interface{}{"code": 9, "message": "dependent services enabled"}
		} else {
			f.states[name] = "DISABLED"
		}
		writeJSON(w, resp)
	case r.Method == http.MethodGet && strings.HasPrefix(path, "projects/"):
		state, ok := f.states[path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, map[string]interface{}{"name": path, "state": state})
	default:
		http.NotFound(w, r)
	}
}

func newFakeServicesPlane(t *testing.T, fake *fakeServiceUsage) *ServicesPlane {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	plane, err := NewServicesPlane(context.Background(), []string{"proj-a"}, []string{"compute.googleapis.com", "bigquery.googleapis.com"},
		option.WithEndpoint(srv.URL+"/"),
		option.WithoutAuthentication(),
		option.WithHTTPClient(srv.Client()),
	)
	require.NoError(t, err)
	plane.pollInterval = time.Millisecond
	return plane
}

func TestServicesPlaneWaitsForOperations(t *testing.T) {
	fake := &fakeServiceUsage{
		states: map[string]string{
			"projects/proj-a/services/compute.googleapis.com":  "ENABLED",
			"projects/proj-a/services/bigquery.googleapis.com": "DISABLED",
		},
		ops: map[string]string{},
	}
	plane := newFakeServicesPlane(t, fake)
	ctx := context.Background()

	disabled, err := plane.IsDisabled(ctx, "acct")
	require.NoError(t, err)
	assert.False(t, disabled)

	require.NoError(t, plane.Disable(ctx, "acct"))
	assert.Equal(t, 1, fake.disables)
	assert.Equal(t, 1, fake.polls)

	disabled, err = plane.IsDisabled(ctx, "acct")
	require.NoError(t, err)
	assert.True(t, disabled)
}

func TestServicesPlaneSurfacesOperationError(t *testing.T) {
	fake := &fakeServiceUsage{
		states: map[string]string{
			"projects/proj-a/services/compute.googleapis.com":  "ENABLED",
			"projects/proj-a/services/bigquery.googleapis.com": "ENABLED",
		},
		ops:     map[string]string{},
		failOps: true,
	}
	plane := newFakeServicesPlane(t, fake)

	err := plane.Disable(context.Background(), "acct")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dependent services enabled")
	assert.Equal(t, RetryableFailure, classify(err))
}

func TestServicesPlaneWaitStopsOnCancel(t *testing.T) {
	fake := &fakeServiceUsage{
		states: map[string]string{
			"projects/proj-a/services/compute.googleapis.com":  "ENABLED",
			"projects/proj-a/services/bigquery.googleapis.com": "DISABLED",
		},
		ops: map[string]string{},
	}
	plane := newFakeServicesPlane(t, fake)
	plane.pollInterval = time.Hour

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := plane.Disable(ctx, "acct")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, fake.polls)
}
