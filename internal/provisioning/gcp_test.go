package provisioning

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"vmforge/internal/machine"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/compute/v1"
	"google.golang.org/api/option"
)

func TestCustomMachineType(t *testing.T) {
	tests := []struct {
		cores int
		ram   int
		want  string
	}{
		{1, 1024, "custom-1-1024"},
		{2, 2048, "custom-2-2048"},
		{3, 4096, "custom-4-4096"},
		{2, 1000, "custom-2-1024"},
		{0, 0, "custom-1-256"},
	}
	for _, tt := range tests {
		if got := customMachineType(tt.cores, tt.ram); got != tt.want {
			t.Errorf("customMachineType(%v, %v) = %v, want %v", tt.cores, tt.ram, got, tt.want)
		}
	}
}

func TestMapGCPStatus(t *testing.T) {
	tests := map[string]machine.NodeState{
		"RUNNING":      machine.NodeRunning,
		"PROVISIONING": machine.NodePending,
		"STAGING":      machine.NodePending,
		"TERMINATED":   machine.NodeStopped,
		"SUSPENDED":    machine.NodeStopped,
		"":             machine.NodeUnknown,
	}
	for in, want := range tests {
		if got := mapGCPStatus(in); got != want {
			t.Errorf("mapGCPStatus(%q) = %v, want %v", in, got, want)
		}
	}
}

func newGCPTestDriver(t *testing.T, mux *http.ServeMux) *GCPDriver {
	t.Helper()
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	service, err := compute.NewService(context.Background(),
		option.WithEndpoint(server.URL+"/"),
		option.WithoutAuthentication())
	require.NoError(t, err)
	return &GCPDriver{service: service, projectID: "proj", zone: "europe-west1-b", username: "root"}
}

func gcpInsertMux(t *testing.T, operation http.HandlerFunc) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/projects/proj/zones/europe-west1-b/instances", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		jsonResponse(w, http.StatusOK, map[string]string{"name": "op-1", "status": "RUNNING"})
	})
	mux.HandleFunc("/projects/proj/zones/europe-west1-b/operations/op-1", operation)
	return mux
}

func TestGCPDriver_CreateNode_KeepsAcceptedInsert(t *testing.T) {
	d := newGCPTestDriver(t, gcpInsertMux(t, func(w http.ResponseWriter, _ *http.Request) {
		jsonResponse(w, http.StatusNotFound, map[string]interface{}{
			"error": map[string]interface{}{"code": 404, "message": "operation not found"},
		})
	}))

	node, err := d.CreateNode(context.Background(), machine.NodeSpec{
		Name: "web", CPU: 2, RAM: 2048, Disk: 20,
		Image: machine.Image{ID: "projects/proj/global/images/nixos-base", Name: "nixos-base"},
	})
	require.Error(t, err)
	require.NotNil(t, node)
	assert.Equal(t, "web", node.ID)
	assert.Equal(t, machine.NodePending, node.State)
}

func TestGCPDriver_CreateNode_FailedOperation(t *testing.T) {
	d := newGCPTestDriver(t, gcpInsertMux(t, func(w http.ResponseWriter, _ *http.Request) {
		jsonResponse(w, http.StatusOK, map[string]interface{}{
			"name":   "op-1",
			"status": "DONE",
			"error": map[string]interface{}{
				"errors": []map[string]string{{"code": "QUOTA_EXCEEDED", "message": "quota exceeded"}},
			},
		})
	}))

	node, err := d.CreateNode(context.Background(), machine.NodeSpec{
		Name: "web", CPU: 2, RAM: 2048, Disk: 20,
		Image: machine.Image{ID: "projects/proj/global/images/nixos-base", Name: "nixos-base"},
	})
	assert.Nil(t, node)
	var opErr *gcpOperationError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, "quota exceeded", opErr.Message)
}
