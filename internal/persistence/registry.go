package persistence

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// registeredBy is the discriminator this orchestrator stamps on every
// registry entry it publishes, and filters by on discovery.
const registeredBy = "vers-lieutenant"

// lieutenantRole is the registry-level worker-kind marker lieutenants
// publish under, distinct from the free-text role description the
// caller gives a lieutenant (which is not published to the registry).
const lieutenantRole = "lieutenant"

// RegistryEntry is one row of the external registry's VM list.
type RegistryEntry struct {
	Id           string            `json:"id"`
	Name         string            `json:"name"`
	Role         string            `json:"role"`
	Address      string            `json:"address,omitempty"`
	RegisteredBy string            `json:"registeredBy,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// RegistryClient talks to the external worker registry. Every method
// is best-effort by design: callers (swarm.Manager, lieutenant.Manager)
// must not let a registry failure fail the operation that triggered
// it. RegistryClient satisfies both managers' RegistryPublisher
// interface structurally.
type RegistryClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewRegistryClient constructs a client against baseURL, authenticating
// with token as a bearer credential.
func NewRegistryClient(baseURL, token string) *RegistryClient {
	return &RegistryClient{
		baseURL:    baseURL,
		token:      token,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

// Publish registers vmId under name with registry-level role kind
// (e.g. "swarm" or "lieutenant", not the user-supplied free-text role
// description).
func (c *RegistryClient) Publish(ctx context.Context, vmId, name, role string) error {
	entry := RegistryEntry{
		Id: vmId, Name: name, Role: role, Address: vmId, RegisteredBy: registeredBy,
	}
	_, err := c.do(ctx, http.MethodPost, "/registry/vms", entry)
	return err
}

// Deregister removes vmId from the registry.
func (c *RegistryClient) Deregister(ctx context.Context, vmId string) error {
	_, err := c.do(ctx, http.MethodDelete, "/registry/vms/"+vmId, nil)
	return err
}

// List fetches every registered entry, transparently handling the
// registry's polymorphic response shape (see DecodeRegistryList).
func (c *RegistryClient) List(ctx context.Context) ([]RegistryEntry, error) {
	data, err := c.do(ctx, http.MethodGet, "/registry/vms", nil)
	if err != nil {
		return nil, err
	}
	return DecodeRegistryList(data)
}

// DiscoverLieutenants lists the registry and filters to entries this
// orchestrator's lieutenants publish under, matching spec's discover()
// semantics ({registeredBy: "vers-lieutenant", role: "lieutenant"}).
func (c *RegistryClient) DiscoverLieutenants(ctx context.Context) ([]RegistryEntry, error) {
	all, err := c.List(ctx)
	if err != nil {
		return nil, err
	}
	var out []RegistryEntry
	for _, e := range all {
		if e.RegisteredBy == registeredBy && e.Role == lieutenantRole {
			out = append(out, e)
		}
	}
	return out, nil
}

// DecodeRegistryList accepts either a bare JSON array of entries or an
// object wrapping them as {"vms": [...]}, since real registry
// implementations in the wild disagree on which shape to return.
func DecodeRegistryList(data []byte) ([]RegistryEntry, error) {
	var arr []RegistryEntry
	if err := json.Unmarshal(data, &arr); err == nil {
		return arr, nil
	}
	var wrapped struct {
		Vms []RegistryEntry `json:"vms"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, fmt.Errorf("persistence: decode registry list: %w", err)
	}
	return wrapped.Vms, nil
}

func (c *RegistryClient) do(ctx context.Context, method, path string, body any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("persistence: marshal registry request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("persistence: build registry request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("persistence: registry request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("persistence: read registry response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("persistence: registry status %d: %s", resp.StatusCode, string(data))
	}
	return data, nil
}
