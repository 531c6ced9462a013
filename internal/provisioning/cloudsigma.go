package provisioning

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"vmforge/internal/config"
	"vmforge/internal/logging"
	"vmforge/internal/machine"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

const (
	// cloudSigmaMHzPerCore is the CPU allocation requested per declared core
	cloudSigmaMHzPerCore = 2000
	cloudSigmaCloneWait  = 10 * time.Minute
	gib                  = int64(1) << 30
	mib                  = int64(1) << 20
)

// APIError is a non-2xx response from a REST provider API.
type APIError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s %s: HTTP %d: %s", e.Method, e.URL, e.StatusCode, e.Body)
}

// CloudSigmaDriver implements machine.Driver for the CloudSigma API 2.0
type CloudSigmaDriver struct {
	http     *retryablehttp.Client
	base     string
	username string
	password string
	// pollInterval paces waits on drive operations
	pollInterval time.Duration
}

type csDrive struct {
	UUID   string `json:"uuid,omitempty"`
	Name   string `json:"name"`
	Size   int64  `json:"size"`
	Media  string `json:"media,omitempty"`
	Status string `json:"status,omitempty"`
}

type csServerDrive struct {
	BootOrder  int    `json:"boot_order"`
	DevChannel string `json:"dev_channel"`
	Device     string `json:"device"`
	Drive      string `json:"drive"`
}

type csIPConf struct {
	Conf string `json:"conf"`
}

type csNIC struct {
	IPv4Conf *csIPConf `json:"ip_v4_conf,omitempty"`
	Model    string    `json:"model,omitempty"`
}

type csRuntimeNIC struct {
	InterfaceType string `json:"interface_type"`
	IPv4          *struct {
		UUID string `json:"uuid"`
	} `json:"ip_v4"`
}

type csServer struct {
	UUID        string          `json:"uuid,omitempty"`
	Name        string          `json:"name"`
	CPU         int             `json:"cpu"`
	SMP         int             `json:"smp,omitempty"`
	Mem         int64           `json:"mem"`
	VNCPassword string          `json:"vnc_password"`
	Status      string          `json:"status,omitempty"`
	Drives      []csServerDrive `json:"drives"`
	NICs        []csNIC         `json:"nics"`
	PubKeys     []string        `json:"pubkeys"`
	Runtime     *struct {
		NICs []csRuntimeNIC `json:"nics"`
	} `json:"runtime,omitempty"`
}

type csDriveList struct {
	Objects []csDrive `json:"objects"`
}

type csServerList struct {
	Objects []csServer `json:"objects"`
}

// NewCloudSigmaDriver opens a session against the region's API endpoint
func NewCloudSigmaDriver(username, password, region string, p config.ProviderConfig, api config.APIConfig) (*CloudSigmaDriver, error) {
	if username == "" || password == "" {
		return nil, fmt.Errorf("cloudsigma username and password are required")
	}

	base := p.Endpoint
	if base == "" {
		base = fmt.Sprintf("https://%s.cloudsigma.com/api/2.0", region)
	}

	client := retryablehttp.NewClient()
	client.RetryMax = api.Retries
	client.HTTPClient.Timeout = api.Timeout
	client.Logger = logging.Leveled(logging.Logger().With(zap.String("provider", ProviderCloudSigma)))
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &CloudSigmaDriver{
		http:         client,
		base:         strings.TrimSuffix(base, "/"),
		username:     username,
		password:     password,
		pollInterval: time.Second,
	}, nil
}

func (d *CloudSigmaDriver) Provider() string { return ProviderCloudSigma }

// ListImages lists the account's drives
func (d *CloudSigmaDriver) ListImages(ctx context.Context) ([]machine.Image, error) {
	var list csDriveList
	if err := d.do(ctx, http.MethodGet, "/drives/detail/", url.Values{"limit": {"0"}}, nil, &list); err != nil {
		return nil, fmt.Errorf("failed to list drives: %w", err)
	}
	images := make([]machine.Image, 0, len(list.Objects))
	for _, drv := range list.Objects {
		images = append(images, machine.Image{ID: drv.UUID, Name: drv.Name})
	}
	return images, nil
}

// CreateNode clones the image drive, sizes it, creates a server around it and
// boots it. Once the server exists it is returned even if booting fails, so the
// caller can record it; a drive that never got a server is deleted again.
func (d *CloudSigmaDriver) CreateNode(ctx context.Context, spec machine.NodeSpec) (*machine.Node, error) {
	for _, key := range spec.PublicKeys {
		if _, err := uuid.Parse(key); err != nil {
			return nil, fmt.Errorf("public key reference %q is not a UUID: %w", key, err)
		}
	}

	drive, err := d.cloneDrive(ctx, spec.Image.ID, spec.Name)
	if err != nil {
		return nil, err
	}
	if want := int64(spec.Disk) * gib; want > drive.Size {
		resized, err := d.resizeDrive(ctx, drive, want)
		if err != nil {
			d.deleteDrive(ctx, drive.UUID)
			return nil, err
		}
		drive = resized
	}

	pubkeys := spec.PublicKeys
	if pubkeys == nil {
		pubkeys = []string{}
	}
	req := csServerList{Objects: []csServer{{
		Name:        spec.Name,
		CPU:         spec.CPU * cloudSigmaMHzPerCore,
		SMP:         spec.CPU,
		Mem:         int64(spec.RAM) * mib,
		VNCPassword: vncPassword(),
		Drives: []csServerDrive{{
			BootOrder:  1,
			DevChannel: "0:0",
			Device:     "virtio",
			Drive:      drive.UUID,
		}},
		NICs:    []csNIC{{IPv4Conf: &csIPConf{Conf: "dhcp"}, Model: "virtio"}},
		PubKeys: pubkeys,
	}}}

	var created csServerList
	if err := d.do(ctx, http.MethodPost, "/servers/", nil, req, &created); err != nil {
		d.deleteDrive(ctx, drive.UUID)
		return nil, fmt.Errorf("failed to create server: %w", err)
	}
	if len(created.Objects) == 0 || created.Objects[0].UUID == "" {
		d.deleteDrive(ctx, drive.UUID)
		return nil, fmt.Errorf("failed to create server: empty response")
	}
	node := d.toNode(created.Objects[0])

	if err := d.StartNode(ctx, node.ID); err != nil {
		node.State = machine.NodeStopped
		return node, err
	}
	return node, nil
}

// GetNode fetches the server's status and addresses
func (d *CloudSigmaDriver) GetNode(ctx context.Context, id string) (*machine.Node, error) {
	var server csServer
	if err := d.do(ctx, http.MethodGet, "/servers/"+id+"/", nil, nil, &server); err != nil {
		return nil, fmt.Errorf("failed to get server %s: %w", id, err)
	}
	return d.toNode(server), nil
}

// StartNode boots a stopped server
func (d *CloudSigmaDriver) StartNode(ctx context.Context, id string) error {
	if err := d.do(ctx, http.MethodPost, "/servers/"+id+"/action/", url.Values{"do": {"start"}}, nil, nil); err != nil {
		return fmt.Errorf("failed to start server %s: %w", id, err)
	}
	return nil
}

// Close releases idle connections
func (d *CloudSigmaDriver) Close() error {
	d.http.HTTPClient.CloseIdleConnections()
	return nil
}

func (d *CloudSigmaDriver) cloneDrive(ctx context.Context, imageID, name string) (*csDrive, error) {
	var cloned csDriveList
	body := map[string]string{"name": name, "media": "disk"}
	if err := d.do(ctx, http.MethodPost, "/drives/"+imageID+"/action/", url.Values{"do": {"clone"}}, body, &cloned); err != nil {
		return nil, fmt.Errorf("failed to clone drive %s: %w", imageID, err)
	}
	if len(cloned.Objects) == 0 {
		return nil, fmt.Errorf("failed to clone drive %s: empty response", imageID)
	}
	drive, err := d.waitForDrive(ctx, cloned.Objects[0].UUID)
	if err != nil {
		d.deleteDrive(ctx, cloned.Objects[0].UUID)
		return nil, err
	}
	return drive, nil
}

// deleteDrive removes a drive left over from a failed create. Failures are only logged.
func (d *CloudSigmaDriver) deleteDrive(ctx context.Context, id string) {
	// the create context may already be cancelled
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	if err := d.do(ctx, http.MethodDelete, "/drives/"+id+"/", nil, nil, nil); err != nil {
		logging.Logger().Warn("Failed to delete orphaned drive, remove it manually",
			zap.String("provider", ProviderCloudSigma), zap.String("drive", id), zap.Error(err))
	}
}

func (d *CloudSigmaDriver) resizeDrive(ctx context.Context, drive *csDrive, size int64) (*csDrive, error) {
	var resized csDriveList
	body := csDrive{Name: drive.Name, Size: size, Media: "disk"}
	if err := d.do(ctx, http.MethodPost, "/drives/"+drive.UUID+"/action/", url.Values{"do": {"resize"}}, body, &resized); err != nil {
		return nil, fmt.Errorf("failed to resize drive %s: %w", drive.UUID, err)
	}
	return d.waitForDrive(ctx, drive.UUID)
}

// waitForDrive waits until a drive has left its transitional state
func (d *CloudSigmaDriver) waitForDrive(ctx context.Context, id string) (*csDrive, error) {
	ctx, cancel := context.WithTimeout(ctx, cloudSigmaCloneWait)
	defer cancel()

	for {
		var drv csDrive
		if err := d.do(ctx, http.MethodGet, "/drives/"+id+"/", nil, nil, &drv); err != nil {
			return nil, fmt.Errorf("failed to get drive %s: %w", id, err)
		}
		switch drv.Status {
		case "unmounted", "mounted":
			return &drv, nil
		case "unavailable":
			return nil, fmt.Errorf("drive %s became unavailable", id)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("timed out waiting for drive %s (status %s): %w", id, drv.Status, ctx.Err())
		case <-time.After(d.pollInterval):
		}
	}
}

func (d *CloudSigmaDriver) toNode(s csServer) *machine.Node {
	node := &machine.Node{
		ID:    s.UUID,
		Name:  s.Name,
		State: mapCloudSigmaStatus(s.Status),
	}
	if s.Runtime != nil {
		for _, nic := range s.Runtime.NICs {
			if nic.IPv4 == nil || nic.IPv4.UUID == "" {
				continue
			}
			if nic.InterfaceType == "public" {
				node.PublicIPs = append(node.PublicIPs, nic.IPv4.UUID)
			} else {
				node.PrivateIPs = append(node.PrivateIPs, nic.IPv4.UUID)
			}
		}
	}
	return node
}

func (d *CloudSigmaDriver) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	u := d.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var body any
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = data
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return err
	}
	req.SetBasicAuth(d.username, d.password)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := d.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{Method: method, URL: u, StatusCode: resp.StatusCode, Body: logging.Truncate(string(data))}
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func mapCloudSigmaStatus(status string) machine.NodeState {
	switch status {
	case "running":
		return machine.NodeRunning
	case "stopped", "paused":
		return machine.NodeStopped
	case "starting", "stopping":
		return machine.NodePending
	}
	return machine.NodeUnknown
}

func vncPassword() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}
