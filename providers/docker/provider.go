// Package docker reconciles containers, networks, volumes and images on a
// Docker engine and runs autoscaled fleets as groups of labelled containers.
package docker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/go-connections/nat"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/picklr-io/fleetform/internal/ir"
	"github.com/picklr-io/fleetform/internal/logging"
	"github.com/picklr-io/fleetform/internal/provider"
)

// Name is the registry name of this provider.
const Name = "docker"

const (
	KindContainer = "docker_container"
	KindNetwork   = "docker_network"
	KindVolume    = "docker_volume"
	KindImage     = "docker_image"
)

type Provider struct {
	api client.APIClient

	// openStats returns a one-shot stats document for a container.
	openStats     func(ctx context.Context, id string) (io.ReadCloser, error)
	statsInterval time.Duration

	mu        sync.Mutex
	templates map[string]*FleetTemplate
}

// New wraps an engine API client.
func New(api client.APIClient) *Provider {
	p := &Provider{
		api:           api,
		statsInterval: defaultStatsInterval,
		templates:     make(map[string]*FleetTemplate),
	}
	p.openStats = func(ctx context.Context, id string) (io.ReadCloser, error) {
		resp, err := p.api.ContainerStats(ctx, id, false)
		if err != nil {
			return nil, err
		}
		return resp.Body, nil
	}
	return p
}

// Factory connects to the engine named by the environment (DOCKER_HOST and
// friends). host overrides the endpoint; stats_interval sets how often
// fleet metrics are sampled.
func Factory(cfg map[string]string) (provider.Provider, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host := cfg["host"]; host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}
	p := New(cli)
	if v := cfg["stats_interval"]; v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("invalid stats_interval %q", v)
		}
		p.statsInterval = d
	}
	return p, nil
}

func (p *Provider) Apply(ctx context.Context, node *ir.Resource, action ir.Action, attrs map[string]any) (*provider.Result, error) {
	switch node.Kind {
	case KindContainer:
		return p.applyContainer(ctx, node, action, attrs)
	case KindNetwork:
		return p.applyNetwork(ctx, node, attrs)
	case KindVolume:
		return p.applyVolume(ctx, node, attrs)
	case KindImage:
		return p.applyImage(ctx, attrs)
	case ir.FleetKind:
		return p.applyFleet(ctx, node, action, attrs)
	}
	return nil, provider.Permanent("apply", fmt.Errorf("unknown resource type: %s", node.Kind))
}

func (p *Provider) Delete(ctx context.Context, prior *ir.ActualState) error {
	id, _ := prior.Attributes["id"].(string)
	if id == "" {
		return nil
	}

	var err error
	switch prior.Kind {
	case KindContainer:
		err = p.removeContainer(ctx, id)
	case KindNetwork:
		err = p.api.NetworkRemove(ctx, id)
	case KindVolume:
		err = p.api.VolumeRemove(ctx, id, true)
	case KindImage:
		_, err = p.api.ImageRemove(ctx, id, image.RemoveOptions{Force: true})
	case ir.FleetKind:
		fleetID, _ := prior.Attributes["fleet_id"].(string)
		err = p.deleteFleet(ctx, fleetID)
	default:
		return provider.Permanent("delete", fmt.Errorf("unknown resource type: %s", prior.Kind))
	}
	if err != nil && !errdefs.IsNotFound(err) {
		return classify("delete "+prior.ID, err)
	}
	return nil
}

func (p *Provider) applyImage(ctx context.Context, attrs map[string]any) (*provider.Result, error) {
	var desired ImageConfig
	if err := decode(attrs, &desired); err != nil {
		return nil, err
	}

	if desired.BuildContext != "" {
		tar, err := archive.TarWithOptions(desired.BuildContext, &archive.TarOptions{})
		if err != nil {
			return nil, provider.Permanent("build image", fmt.Errorf("failed to create build context tar: %w", err))
		}
		resp, err := p.api.ImageBuild(ctx, tar, types.ImageBuildOptions{
			Tags:       []string{desired.Name},
			Dockerfile: desired.Dockerfile,
			Remove:     true,
		})
		if err != nil {
			return nil, classify("build image", err)
		}
		defer resp.Body.Close()
		if err := drain(resp.Body); err != nil {
			return nil, classify("build image", err)
		}
	} else if err := p.pull(ctx, desired.Name); err != nil {
		return nil, err
	}

	inspect, _, err := p.api.ImageInspectWithRaw(ctx, desired.Name)
	if err != nil {
		return nil, classify("inspect image", err)
	}
	return &provider.Result{Attributes: map[string]any{
		"id":   inspect.ID,
		"name": desired.Name,
	}}, nil
}

func (p *Provider) applyContainer(ctx context.Context, node *ir.Resource, action ir.Action, attrs map[string]any) (*provider.Result, error) {
	var desired ContainerConfig
	if err := decode(attrs, &desired); err != nil {
		return nil, err
	}
	if desired.Name == "" {
		desired.Name = containerName(node.ID)
	}

	// Containers are immutable; an update replaces the container.
	if action == ir.ActionUpdate {
		if err := p.removeContainer(ctx, desired.Name); err != nil && !errdefs.IsNotFound(err) {
			return nil, classify("replace container", err)
		}
	}

	id, err := p.runContainer(ctx, desired, nil)
	if err != nil {
		return nil, err
	}
	return &provider.Result{Attributes: map[string]any{
		"id":    id,
		"name":  desired.Name,
		"image": desired.Image,
	}}, nil
}

// runContainer pulls the image, then creates and starts one container.
func (p *Provider) runContainer(ctx context.Context, desired ContainerConfig, extraLabels map[string]string) (string, error) {
	if err := p.pull(ctx, desired.Image); err != nil {
		return "", err
	}
	config, hostConfig, err := desired.build(extraLabels)
	if err != nil {
		return "", provider.Permanent("create container", err)
	}

	resp, err := p.api.ContainerCreate(ctx, config, hostConfig, &network.NetworkingConfig{}, &v1.Platform{}, desired.Name)
	if err != nil {
		return "", classify("create container", err)
	}
	if err := p.api.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return "", classify("start container", err)
	}
	logging.Debug("container started", "name", desired.Name, "id", shortID(resp.ID))
	return resp.ID, nil
}

func (p *Provider) removeContainer(ctx context.Context, id string) error {
	timeout := 10
	_ = p.api.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout})
	return p.api.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
}

func (p *Provider) pull(ctx context.Context, ref string) error {
	if ref == "" {
		return provider.Permanent("pull image", errors.New("image is required"))
	}
	reader, err := p.api.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return classify("pull image "+ref, err)
	}
	defer reader.Close()
	if err := drain(reader); err != nil {
		return classify("pull image "+ref, err)
	}
	return nil
}

func (p *Provider) applyNetwork(ctx context.Context, node *ir.Resource, attrs map[string]any) (*provider.Result, error) {
	var desired NetworkConfig
	if err := decode(attrs, &desired); err != nil {
		return nil, err
	}
	if desired.Name == "" {
		desired.Name = containerName(node.ID)
	}

	// Networks cannot be changed in place; an existing one is adopted.
	if existing, err := p.api.NetworkInspect(ctx, desired.Name, network.InspectOptions{}); err == nil {
		return &provider.Result{Attributes: map[string]any{
			"id": existing.ID, "name": desired.Name, "driver": existing.Driver,
		}}, nil
	}

	resp, err := p.api.NetworkCreate(ctx, desired.Name, network.CreateOptions{
		Driver:   desired.Driver,
		Internal: desired.Internal,
		Labels:   desired.Labels,
	})
	if err != nil {
		return nil, classify("create network", err)
	}
	return &provider.Result{Attributes: map[string]any{
		"id": resp.ID, "name": desired.Name, "driver": desired.Driver,
	}}, nil
}

func (p *Provider) applyVolume(ctx context.Context, node *ir.Resource, attrs map[string]any) (*provider.Result, error) {
	var desired VolumeConfig
	if err := decode(attrs, &desired); err != nil {
		return nil, err
	}
	if desired.Name == "" {
		desired.Name = containerName(node.ID)
	}

	vol, err := p.api.VolumeCreate(ctx, volume.CreateOptions{
		Name:   desired.Name,
		Driver: desired.Driver,
		Labels: desired.Labels,
	})
	if err != nil {
		return nil, classify("create volume", err)
	}
	return &provider.Result{Attributes: map[string]any{
		"id": vol.Name, "name": vol.Name, "driver": vol.Driver,
	}}, nil
}

// classify sorts engine errors into retryable and permanent ones.
func classify(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return provider.Transient(op, err)
	case client.IsErrConnectionFailed(err), errdefs.IsUnavailable(err), errdefs.IsDeadline(err), errdefs.IsSystem(err):
		return provider.Transient(op, err)
	case errdefs.IsConflict(err):
		// Usually a name still held by a container being removed.
		return provider.Transient(op, err)
	default:
		return provider.Permanent(op, err)
	}
}

// decode maps resolved attributes onto a typed config.
func decode(attrs map[string]any, out any) error {
	data, err := json.Marshal(attrs)
	if err != nil {
		return provider.Permanent("decode attributes", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return provider.Permanent("decode attributes", err)
	}
	return nil
}

func drain(r io.Reader) error {
	_, err := io.Copy(io.Discard, r)
	return err
}

var invalidName = regexp.MustCompile(`[^a-zA-Z0-9_.-]+`)

// containerName derives an engine-safe name from a node id such as
// "web[0]".
func containerName(id string) string {
	return strings.Trim(invalidName.ReplaceAllString(id, "-"), "-")
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

type ContainerConfig struct {
	Image       string             `json:"image"`
	Name        string             `json:"name"`
	Command     []string           `json:"command"`
	Ports       map[string]int     `json:"ports"`
	Env         map[string]string  `json:"env"`
	Networks    []string           `json:"networks"`
	Volumes     []string           `json:"volumes"`
	Labels      map[string]string  `json:"labels"`
	WorkingDir  string             `json:"workingDir"`
	User        string             `json:"user"`
	Restart     string             `json:"restart"`
	Healthcheck *HealthcheckConfig `json:"healthcheck"`
}

type HealthcheckConfig struct {
	Test        []string `json:"test"`
	Interval    string   `json:"interval"`
	Timeout     string   `json:"timeout"`
	StartPeriod string   `json:"startPeriod"`
	Retries     int      `json:"retries"`
}

// build renders the engine create request.
func (c ContainerConfig) build(extraLabels map[string]string) (*container.Config, *container.HostConfig, error) {
	portBindings := nat.PortMap{}
	for hostPort, containerPort := range c.Ports {
		port := nat.Port(fmt.Sprintf("%d/tcp", containerPort))
		portBindings[port] = []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: hostPort}}
	}

	var binds []string
	for _, v := range c.Volumes {
		src, rest, found := strings.Cut(v, ":")
		if found && (strings.HasPrefix(src, "./") || strings.HasPrefix(src, "../")) {
			if abs, err := filepath.Abs(src); err == nil {
				v = abs + ":" + rest
			}
		}
		binds = append(binds, v)
	}

	hostConfig := &container.HostConfig{
		PortBindings: portBindings,
		Binds:        binds,
	}
	if len(c.Networks) > 0 {
		hostConfig.NetworkMode = container.NetworkMode(c.Networks[0])
	}
	if c.Restart != "" {
		hostConfig.RestartPolicy = container.RestartPolicy{Name: container.RestartPolicyMode(c.Restart)}
	}

	labels := make(map[string]string, len(c.Labels)+len(extraLabels))
	for k, v := range c.Labels {
		labels[k] = v
	}
	for k, v := range extraLabels {
		labels[k] = v
	}

	config := &container.Config{
		Image:      c.Image,
		Cmd:        c.Command,
		Env:        envList(c.Env),
		Labels:     labels,
		WorkingDir: c.WorkingDir,
		User:       c.User,
	}

	if hc := c.Healthcheck; hc != nil {
		test := hc.Test
		if len(test) == 0 {
			test = []string{"NONE"}
		}
		durations := make([]time.Duration, 3)
		for i, s := range []string{hc.Interval, hc.Timeout, hc.StartPeriod} {
			if s == "" {
				continue
			}
			d, err := time.ParseDuration(s)
			if err != nil {
				return nil, nil, fmt.Errorf("invalid healthcheck duration %q: %w", s, err)
			}
			durations[i] = d
		}
		config.Healthcheck = &container.HealthConfig{
			Test:        test,
			Interval:    durations[0],
			Timeout:     durations[1],
			StartPeriod: durations[2],
			Retries:     hc.Retries,
		}
	}
	return config, hostConfig, nil
}

func envList(m map[string]string) []string {
	env := make([]string, 0, len(m))
	for k, v := range m {
		env = append(env, k+"="+v)
	}
	return env
}

type NetworkConfig struct {
	Name     string            `json:"name"`
	Driver   string            `json:"driver"`
	Internal bool              `json:"internal"`
	Labels   map[string]string `json:"labels"`
}

type VolumeConfig struct {
	Name   string            `json:"name"`
	Driver string            `json:"driver"`
	Labels map[string]string `json:"labels"`
}

type ImageConfig struct {
	Name         string `json:"name"`
	BuildContext string `json:"buildContext"`
	Dockerfile   string `json:"dockerfile"`
}

var (
	_ provider.Provider      = (*Provider)(nil)
	_ provider.FleetProvider = (*Provider)(nil)
	_ provider.Router        = (*Provider)(nil)
)
