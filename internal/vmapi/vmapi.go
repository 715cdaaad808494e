// Package vmapi adapts the VM control service's REST API: creating,
// branching, committing, restoring, and destroying micro-VMs, and
// fetching/caching the SSH key material used to reach them.
package vmapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentfleet/orchestrator/internal/metrics"
)

// VmState is the power state of a VM as reported by the control service.
type VmState string

const (
	StateRunning VmState = "Running"
	StatePaused  VmState = "Paused"
)

// VmApiError wraps a non-2xx response from the control service.
type VmApiError struct {
	Status int
	Body   string
}

func (e *VmApiError) Error() string {
	return fmt.Sprintf("vm api: status %d: %s", e.Status, e.Body)
}

// VmInfo describes one entry from list().
type VmInfo struct {
	VmId      string  `json:"vm_id"`
	State     VmState `json:"state"`
	CreatedAt string  `json:"created_at"`
}

// VmConfig describes the resources requested for a new root VM.
type VmConfig struct {
	VcpuCount  int `json:"vcpu_count,omitempty"`
	MemSizeMib int `json:"mem_size_mib,omitempty"`
	FsSizeMib  int `json:"fs_size_mib,omitempty"`
}

// SshKey is the private key material and connection port for a VM.
type SshKey struct {
	SshPort       int    `json:"ssh_port"`
	SshPrivateKey string `json:"ssh_private_key"`
}

// Client talks to the VM control service over HTTP with bearer auth. It
// caches SSH key material per VM id in memory; callers are responsible
// for persisting it to disk (see internal/sshtransport).
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client

	mu       sync.Mutex
	keyCache map[string]SshKey
}

// New constructs a Client. token follows the priority chain: explicit
// argument here takes precedence over anything internal/config resolved
// from the environment or credentials file, since config.Load already
// applied that chain before callers reach this constructor.
func New(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		keyCache: make(map[string]SshKey),
	}
}

func (c *Client) do(ctx context.Context, method, path string, body any, idempotent bool, out any) error {
	start := time.Now()
	op := method + " " + path
	defer func() {
		metrics.VMAPIRequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}()

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotent {
		req.Header.Set("Idempotency-Key", uuid.NewString())
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.VMAPIRequestsTotal.WithLabelValues(op, "error").Inc()
		return fmt.Errorf("vm api request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		metrics.VMAPIRequestsTotal.WithLabelValues(op, "error").Inc()
		return fmt.Errorf("read response body: %w", err)
	}

	metrics.VMAPIRequestsTotal.WithLabelValues(op, fmt.Sprintf("%d", resp.StatusCode)).Inc()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &VmApiError{Status: resp.StatusCode, Body: string(respBody)}
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// List enumerates all VMs known to the control service.
func (c *Client) List(ctx context.Context) ([]VmInfo, error) {
	var out []VmInfo
	if err := c.do(ctx, http.MethodGet, "/vms", nil, false, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateRoot creates a fresh VM. If waitBoot is true the control service
// blocks the response until the VM has finished booting.
func (c *Client) CreateRoot(ctx context.Context, cfg VmConfig, waitBoot bool) (string, error) {
	path := fmt.Sprintf("/vm/new_root?wait_boot=%t", waitBoot)
	var out struct {
		VmId string `json:"vm_id"`
	}
	body := struct {
		VmConfig VmConfig `json:"vm_config"`
	}{VmConfig: cfg}
	if err := c.do(ctx, http.MethodPost, path, body, true, &out); err != nil {
		return "", err
	}
	return out.VmId, nil
}

// Delete destroys a VM. It is idempotent from the caller's perspective:
// deleting an already-absent VM is not treated as an error by callers
// that check for a 404 VmApiError themselves.
func (c *Client) Delete(ctx context.Context, vmId string) error {
	c.evictKey(vmId)
	return c.do(ctx, http.MethodDelete, "/vm/"+vmId, nil, false, nil)
}

// Branch creates a copy-on-write clone of a running VM.
func (c *Client) Branch(ctx context.Context, vmId string) (string, error) {
	var out struct {
		VmId string `json:"vm_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/vm/"+vmId+"/branch", nil, true, &out); err != nil {
		return "", err
	}
	return out.VmId, nil
}

// Commit snapshots a VM's state, optionally leaving it paused.
func (c *Client) Commit(ctx context.Context, vmId string, keepPaused bool) (string, error) {
	path := fmt.Sprintf("/vm/%s/commit?keep_paused=%t", vmId, keepPaused)
	var out struct {
		CommitId string `json:"commit_id"`
	}
	if err := c.do(ctx, http.MethodPost, path, nil, true, &out); err != nil {
		return "", err
	}
	return out.CommitId, nil
}

// RestoreFromCommit materializes a new VM from a prior snapshot.
func (c *Client) RestoreFromCommit(ctx context.Context, commitId string) (string, error) {
	var out struct {
		VmId string `json:"vm_id"`
	}
	body := struct {
		CommitId string `json:"commit_id"`
	}{CommitId: commitId}
	if err := c.do(ctx, http.MethodPost, "/vm/from_commit", body, true, &out); err != nil {
		return "", err
	}
	return out.VmId, nil
}

// UpdateState transitions a VM's power state.
func (c *Client) UpdateState(ctx context.Context, vmId string, state VmState) error {
	body := struct {
		State VmState `json:"state"`
	}{State: state}
	return c.do(ctx, http.MethodPatch, "/vm/"+vmId+"/state", body, false, nil)
}

// GetStatus returns the VM's current power state.
func (c *Client) GetStatus(ctx context.Context, vmId string) (VmState, error) {
	var out struct {
		State VmState `json:"state"`
	}
	if err := c.do(ctx, http.MethodGet, "/vm/"+vmId+"/status", nil, false, &out); err != nil {
		return "", err
	}
	return out.State, nil
}

// GetSshKey fetches SSH key material for a VM, serving from the
// in-memory cache when available. On a cache miss it fetches from the
// control service and populates the cache; on-disk persistence of the
// key is the caller's responsibility (internal/sshtransport.KeyStore).
func (c *Client) GetSshKey(ctx context.Context, vmId string) (SshKey, error) {
	c.mu.Lock()
	key, ok := c.keyCache[vmId]
	c.mu.Unlock()
	if ok {
		return key, nil
	}

	var out SshKey
	if err := c.do(ctx, http.MethodGet, "/vm/"+vmId+"/ssh_key", nil, false, &out); err != nil {
		return SshKey{}, err
	}

	c.mu.Lock()
	c.keyCache[vmId] = out
	c.mu.Unlock()
	return out, nil
}

func (c *Client) evictKey(vmId string) {
	c.mu.Lock()
	delete(c.keyCache, vmId)
	c.mu.Unlock()
}
