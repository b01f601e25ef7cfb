// Package peer implements the pull ("collect") and push ("dispatch")
// sides of federated registry exchange between nodes (spec §4.5).
package peer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/federator/federator/internal/registry"
)

// requestTimeout bounds every outbound peer HTTP call (spec §5 "Timeouts").
// No retries are attempted; failures are logged and the next trigger
// (harvest or startup) retries organically.
const requestTimeout = 5 * time.Second

// Exchanger pulls peers' public services and pushes this node's public
// services to peers.
type Exchanger struct {
	store  *registry.Store
	client *http.Client
	log    *slog.Logger
}

// New constructs an Exchanger around a shared store.
func New(store *registry.Store, log *slog.Logger) *Exchanger {
	return &Exchanger{
		store:  store,
		client: &http.Client{Timeout: requestTimeout},
		log:    log,
	}
}

// Collect pulls GET {peer.URL}/api/self/services from every peer and
// replaces that peer's public set on success. Pulls run sequentially; on
// transport error, parse error, or non-2xx, the prior set is kept and the
// failure is logged (spec §4.5, §7). Runs once at startup (spec §4.5).
func (e *Exchanger) Collect(ctx context.Context) {
	for _, p := range e.store.Peers() {
		u := *p.URL()
		u.Path = "/api/self/services"

		services, err := e.get(ctx, u.String())
		if err != nil {
			e.log.Error("failed to collect public services from peer", "peer", p.Hostname(), "error", err)
			continue
		}

		p.ReplacePublic(services)
		e.log.Info("collected public services from peer", "peer", p.Hostname(), "services", services)
	}
}

// Dispatch pushes this node's public services to every peer via
// PUT {peer.URL}/api/{self.hostname}/services. Runs once at startup and
// after every harvest refresh (spec §4.5).
func (e *Exchanger) Dispatch(ctx context.Context) {
	self := e.store.Self()
	body, err := json.Marshal(self.PublicServices())
	if err != nil {
		e.log.Error("failed to encode self public services", "error", err)
		return
	}

	for _, p := range e.store.Peers() {
		u := *p.URL()
		u.Path = fmt.Sprintf("/api/%s/services", self.Hostname())

		if err := e.put(ctx, u.String(), body); err != nil {
			e.log.Error("failed to dispatch public services to peer", "peer", p.Hostname(), "error", err)
			continue
		}
		e.log.Info("dispatched public services to peer", "peer", p.Hostname(), "services", self.PublicServices())
	}
}

func (e *Exchanger) get(ctx context.Context, url string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response from %s: %w", url, err)
	}

	var services []string
	if err := json.Unmarshal(data, &services); err != nil {
		return nil, fmt.Errorf("decoding response from %s: %w", url, err)
	}
	return services, nil
}

func (e *Exchanger) put(ctx context.Context, url string, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("requesting %s: %w", url, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
	}
	return nil
}
