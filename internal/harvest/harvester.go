package harvest

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/events"
	"github.com/docker/docker/api/types/filters"
	dockerclient "github.com/docker/docker/client"

	"github.com/federator/federator/internal/registry"
)

// DockerClient is the narrow surface the harvester needs from the
// container runtime (spec §6's "Out of scope: container listing and event
// subscription are opaque collaborators"). Satisfied by *dockerAdapter
// below; tests supply a fake.
type DockerClient interface {
	ListRunning(ctx context.Context) ([]ContainerLabels, error)
	WatchStarts(ctx context.Context) (<-chan struct{}, <-chan error)
}

// dockerAdapter wraps the real Docker client, translating container
// summaries and events into the harvester's narrow types.
type dockerAdapter struct {
	cli *dockerclient.Client
}

// NewDockerClient connects to the local Docker daemon exactly as the
// teacher's watcher does: DOCKER_HOST / DOCKER_CERT_PATH / DOCKER_TLS_VERIFY
// from the environment, with API version negotiation.
func NewDockerClient() (DockerClient, error) {
	cli, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to Docker daemon: %w", err)
	}
	return &dockerAdapter{cli: cli}, nil
}

func (d *dockerAdapter) ListRunning(ctx context.Context) ([]ContainerLabels, error) {
	summaries, err := d.cli.ContainerList(ctx, container.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("listing running containers: %w", err)
	}
	out := make([]ContainerLabels, 0, len(summaries))
	for _, c := range summaries {
		name := strings.TrimPrefix(firstOrEmpty(c.Names), "/")
		out = append(out, ContainerLabels{Name: name, Labels: c.Labels})
	}
	return out, nil
}

func (d *dockerAdapter) WatchStarts(ctx context.Context) (<-chan struct{}, <-chan error) {
	starts := make(chan struct{})
	errs := make(chan error, 1)

	f := filters.NewArgs()
	f.Add("type", string(events.ContainerEventType))
	eventCh, errCh := d.cli.Events(ctx, events.ListOptions{Filters: f})

	go func() {
		defer close(starts)
		for {
			select {
			case <-ctx.Done():
				return
			case err := <-errCh:
				if ctx.Err() != nil {
					return
				}
				errs <- fmt.Errorf("docker event stream: %w", err)
				return
			case event := <-eventCh:
				// Only the start action rebuilds state (spec §4.4):
				// reverse-proxy labels are fixed at container creation
				// time, and start is the first event with full labels.
				if event.Action == events.ActionStart {
					select {
					case starts <- struct{}{}:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	return starts, errs
}

func firstOrEmpty(names []string) string {
	if len(names) == 0 {
		return ""
	}
	return names[0]
}

func keys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

// Harvester rebuilds the self registry's service sets from running
// container labels on startup and on every container "start" event,
// then triggers dispatch to peers (spec §4.4).
type Harvester struct {
	docker   DockerClient
	store    *registry.Store
	dispatch func(context.Context)
	log      *slog.Logger
}

// New constructs a Harvester. dispatch is invoked after every successful
// harvest — normally peer.Exchanger.Dispatch, injected by main to avoid a
// harvest<->peer import cycle.
func New(docker DockerClient, store *registry.Store, dispatch func(context.Context), log *slog.Logger) *Harvester {
	return &Harvester{docker: docker, store: store, dispatch: dispatch, log: log}
}

// Run performs an initial harvest, then blocks processing container start
// events until ctx is canceled. A mid-life event-stream error is logged and
// ends the harvester alone — it is never treated as fatal to the process
// (only the startup-time connection failure in NewDockerClient is fatal).
// Run does not resubscribe to the event stream: after such an error no
// further start events are processed and self's service sets keep their
// last harvested values. The caller must not correlate this return value
// with the DNS or HTTP server lifetimes, matching the teacher's own watcher,
// which only logs stream errors and never signals its siblings.
func (h *Harvester) Run(ctx context.Context) error {
	h.harvestOnce(ctx)

	starts, errs := h.docker.WatchStarts(ctx)
	for {
		select {
		case <-ctx.Done():
			h.log.Info("harvester stopped")
			return nil
		case err, ok := <-errs:
			if !ok {
				return nil
			}
			h.log.Error("docker event stream failed, harvester stopping", "error", err)
			return nil
		case _, ok := <-starts:
			if !ok {
				return nil
			}
			h.log.Info("detected container start event")
			h.harvestOnce(ctx)
		}
	}
}

// harvestOnce implements spec §4.4 steps 1-4. If listing fails, the prior
// state is left untouched — the error is logged and the loop continues
// waiting for the next trigger. The rebuilt sets are swapped in with
// ReplacePublic/ReplacePrivate, each a single lock acquisition, so a
// concurrent reader (the DNS resolver) always observes either the
// pre-harvest or the post-harvest set, never an empty or partially
// repopulated one (spec §5).
func (h *Harvester) harvestOnce(ctx context.Context) {
	containers, err := h.docker.ListRunning(ctx)
	if err != nil {
		h.log.Error("harvest aborted: failed to list running containers", "error", err)
		return
	}

	public, private := Parse(containers)
	self := h.store.Self()
	self.ReplacePublic(keys(public))
	self.ReplacePrivate(keys(private))

	h.log.Info("harvested self registry",
		"public_services", self.PublicServices(),
		"private_services", self.PrivateServices(),
		"containers_scanned", len(containers),
	)

	if h.dispatch != nil {
		h.dispatch(ctx)
	}
}
