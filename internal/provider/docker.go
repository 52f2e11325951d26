package provider

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/scrapelane/internal/logging"
)

const (
	managedByLabel = "managed-by"
	managedByValue = "scrapelane"
	profileLabel   = "scrapelane.profile"
	browserPort    = "3000/tcp"
)

var unsafeName = regexp.MustCompile(`[^a-zA-Z0-9_.-]+`)

// DockerOptions configure the local container backend.
type DockerOptions struct {
	Image      string
	ProfileDir string
}

type instance struct {
	containerID string
	endpoint    string
	dataDir     string
}

// Docker runs one browserless container per profile on the local daemon.
// Profile user data is archived on stop and restored on the next start.
type Docker struct {
	client   *client.Client
	image    string
	profiles *ProfileStore
	log      *zap.Logger

	mu        sync.Mutex
	instances map[string]*instance
}

func NewDocker(opts DockerOptions, log *zap.Logger) (*Docker, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	profiles, err := NewProfileStore(opts.ProfileDir)
	if err != nil {
		cli.Close()
		return nil, err
	}
	img := opts.Image
	if img == "" {
		img = "browserless/chrome:latest"
	}
	return &Docker{
		client:    cli,
		image:     img,
		profiles:  profiles,
		log:       logging.OrNop(log),
		instances: make(map[string]*instance),
	}, nil
}

func (d *Docker) Name() string { return "docker" }

// profileKey names the container and archive. Without a profile id the lane
// token stands in, hashed so it never lands on disk.
func profileKey(token, profileID string) string {
	if profileID != "" {
		return unsafeName.ReplaceAllString(profileID, "_")
	}
	sum := sha256.Sum256([]byte(token))
	return "lane-" + hex.EncodeToString(sum[:])[:12]
}

func (d *Docker) StartProfile(ctx context.Context, token, profileID string) (string, error) {
	key := profileKey(token, profileID)

	d.mu.Lock()
	existing := d.instances[key]
	d.mu.Unlock()
	if existing != nil {
		if d.isRunning(ctx, existing.containerID) {
			return existing.endpoint, nil
		}
		d.forget(key)
	}

	dataDir, err := d.profiles.Restore(key)
	if err != nil {
		return "", fmt.Errorf("restore profile data: %w", err)
	}

	containerConfig := &container.Config{
		Image: d.image,
		Labels: map[string]string{
			managedByLabel: managedByValue,
			profileLabel:   key,
		},
		Env: []string{
			"CONNECTION_TIMEOUT=-1",
			"MAX_CONCURRENT_SESSIONS=1",
			"PREBOOT_CHROME=true",
			"KEEP_ALIVE=true",
			"EXIT_ON_HEALTH_FAILURE=false",
		},
		ExposedPorts: nat.PortSet{browserPort: struct{}{}},
	}
	hostConfig := &container.HostConfig{
		PortBindings: nat.PortMap{
			browserPort: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: "0"}},
		},
		Mounts: []mount.Mount{{Type: mount.TypeBind, Source: dataDir, Target: "/data"}},
	}

	resp, err := d.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, "scrapelane-"+key)
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}
	if err := d.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		d.remove(resp.ID)
		return "", fmt.Errorf("failed to start container: %w", err)
	}

	inspect, err := d.client.ContainerInspect(ctx, resp.ID)
	if err != nil {
		d.remove(resp.ID)
		return "", fmt.Errorf("failed to inspect container: %w", err)
	}
	bindings := inspect.NetworkSettings.Ports[browserPort]
	if len(bindings) == 0 {
		d.remove(resp.ID)
		return "", fmt.Errorf("container %s exposes no browser port", resp.ID[:12])
	}
	port := bindings[0].HostPort

	if err := waitForBrowserReady(ctx, port); err != nil {
		d.remove(resp.ID)
		return "", fmt.Errorf("browser failed to become ready: %w", err)
	}

	inst := &instance{containerID: resp.ID, endpoint: fmt.Sprintf("ws://localhost:%s", port), dataDir: dataDir}
	d.mu.Lock()
	d.instances[key] = inst
	d.mu.Unlock()

	d.log.Info("browser container started", logging.ProfileID(key), zap.String("container", resp.ID[:12]))
	return inst.endpoint, nil
}

// StopProfile stops the container and archives its user data. Stopping a
// profile that is not running is not an error.
func (d *Docker) StopProfile(ctx context.Context, token, profileID string) error {
	key := profileKey(token, profileID)
	d.mu.Lock()
	inst := d.instances[key]
	delete(d.instances, key)
	d.mu.Unlock()
	if inst == nil {
		return nil
	}

	timeout := 10
	if err := d.client.ContainerStop(ctx, inst.containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("failed to stop container: %w", err)
	}
	if err := d.profiles.Save(key, inst.dataDir); err != nil {
		d.log.Warn("failed to archive profile data", logging.ProfileID(key), zap.Error(err))
	}
	if err := d.client.ContainerRemove(ctx, inst.containerID, container.RemoveOptions{}); err != nil {
		return fmt.Errorf("failed to remove container: %w", err)
	}
	d.profiles.Discard(inst.dataDir)
	return nil
}

func (d *Docker) isRunning(ctx context.Context, containerID string) bool {
	inspect, err := d.client.ContainerInspect(ctx, containerID)
	if err != nil {
		return false
	}
	return inspect.State != nil && inspect.State.Running
}

func (d *Docker) forget(key string) {
	d.mu.Lock()
	delete(d.instances, key)
	d.mu.Unlock()
}

func (d *Docker) remove(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := d.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		d.log.Warn("failed to remove container", zap.String("container", containerID), zap.Error(err))
	}
}

// EnsureImage pulls the browser image if the daemon does not have it.
func (d *Docker) EnsureImage(ctx context.Context) error {
	images, err := d.client.ImageList(ctx, image.ListOptions{})
	if err != nil {
		return err
	}
	for _, img := range images {
		for _, tag := range img.RepoTags {
			if tag == d.image {
				return nil
			}
		}
	}

	d.log.Info("pulling browser image", zap.String("image", d.image))
	reader, err := d.client.ImagePull(ctx, d.image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image: %w", err)
	}
	defer reader.Close()
	_, err = io.Copy(io.Discard, reader)
	return err
}

// RemoveOrphans removes containers left behind by a previous process.
func (d *Docker) RemoveOrphans(ctx context.Context) (int, error) {
	list, err := d.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", managedByLabel+"="+managedByValue)),
	})
	if err != nil {
		return 0, fmt.Errorf("list containers: %w", err)
	}

	d.mu.Lock()
	known := make(map[string]bool, len(d.instances))
	for _, inst := range d.instances {
		known[inst.containerID] = true
	}
	d.mu.Unlock()

	removed := 0
	for _, c := range list {
		if known[c.ID] {
			continue
		}
		d.remove(c.ID)
		removed++
	}
	return removed, nil
}

// Prepare pulls the image and clears containers from an earlier run.
func (d *Docker) Prepare(ctx context.Context) error {
	if err := d.EnsureImage(ctx); err != nil {
		return err
	}
	n, err := d.RemoveOrphans(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		d.log.Info("removed orphaned browser containers", zap.Int("count", n))
	}
	return nil
}

func (d *Docker) Close() error {
	return d.client.Close()
}

// waitForBrowserReady polls /json/version until the browser answers.
func waitForBrowserReady(ctx context.Context, port string) error {
	url := fmt.Sprintf("http://localhost:%s/json/version", port)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for attempt := 0; attempt < 40; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := http.DefaultClient.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return fmt.Errorf("browser did not answer on port %s", port)
}
