package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/picklr-io/fleetform/internal/ir"
	"github.com/picklr-io/fleetform/internal/provider"
)

type fakeContainer struct {
	id      string
	name    string
	created int64
	config  container.Config
	host    container.HostConfig
	running bool
	health  string
}

// fakeEngine implements the parts of the engine API the provider uses.
// Anything else panics through the nil embedded interface.
type fakeEngine struct {
	client.APIClient

	mu         sync.Mutex
	seq        int64
	containers map[string]*fakeContainer
	pulled     []string
	connected  map[string]map[string]bool
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		containers: make(map[string]*fakeContainer),
		connected:  make(map[string]map[string]bool),
	}
}

func (f *fakeEngine) ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulled = append(f.pulled, ref)
	return io.NopCloser(strings.NewReader(`{"status":"done"}`)), nil
}

func (f *fakeEngine) ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *v1.Platform, name string) (container.CreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.containers {
		if c.name == name {
			return container.CreateResponse{}, errdefs.Conflict(fmt.Errorf("name %s in use", name))
		}
	}
	f.seq++
	id := fmt.Sprintf("c%011d", f.seq)
	f.containers[id] = &fakeContainer{id: id, name: name, created: f.seq, config: *config, host: *hostConfig}
	return container.CreateResponse{ID: id}, nil
}

func (f *fakeEngine) ContainerStart(ctx context.Context, id string, options container.StartOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return errdefs.NotFound(errors.New("no such container"))
	}
	c.running = true
	return nil
}

func (f *fakeEngine) ContainerStop(ctx context.Context, id string, options container.StopOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c := f.lookup(id); c != nil {
		c.running = false
	}
	return nil
}

func (f *fakeEngine) ContainerRemove(ctx context.Context, id string, options container.RemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.lookup(id)
	if c == nil {
		return errdefs.NotFound(errors.New("no such container"))
	}
	delete(f.containers, c.id)
	return nil
}

func (f *fakeEngine) ContainerList(ctx context.Context, options container.ListOptions) ([]types.Container, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	want := options.Filters.Get("label")
	var out []types.Container
	for _, c := range f.containers {
		match := true
		for _, kv := range want {
			k, v, _ := strings.Cut(kv, "=")
			if c.config.Labels[k] != v {
				match = false
			}
		}
		if !match {
			continue
		}
		state := "exited"
		if c.running {
			state = "running"
		}
		out = append(out, types.Container{ID: c.id, Names: []string{"/" + c.name}, Labels: c.config.Labels, Created: c.created, State: state})
	}
	return out, nil
}

func (f *fakeEngine) ContainerInspect(ctx context.Context, id string) (types.ContainerJSON, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.lookup(id)
	if c == nil {
		return types.ContainerJSON{}, errdefs.NotFound(errors.New("no such container"))
	}
	st := &types.ContainerState{Running: c.running}
	if c.health != "" {
		st.Health = &types.Health{Status: c.health}
	}
	cfg := c.config
	host := c.host
	return types.ContainerJSON{
		ContainerJSONBase: &types.ContainerJSONBase{ID: c.id, Name: "/" + c.name, State: st, HostConfig: &host},
		Config:            &cfg,
	}, nil
}

func (f *fakeEngine) NetworkConnect(ctx context.Context, networkID, containerID string, config *network.EndpointSettings) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connected[networkID] == nil {
		f.connected[networkID] = make(map[string]bool)
	}
	if f.connected[networkID][containerID] {
		return errdefs.Forbidden(errors.New("already connected"))
	}
	f.connected[networkID][containerID] = true
	return nil
}

func (f *fakeEngine) NetworkDisconnect(ctx context.Context, networkID, containerID string, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected[networkID][containerID] {
		return errdefs.NotFound(errors.New("not connected"))
	}
	delete(f.connected[networkID], containerID)
	return nil
}

// lookup finds a container by id or name. Callers hold mu.
func (f *fakeEngine) lookup(ref string) *fakeContainer {
	if c, ok := f.containers[ref]; ok {
		return c
	}
	for _, c := range f.containers {
		if c.name == ref {
			return c
		}
	}
	return nil
}

func (f *fakeEngine) set(id string, running bool, health string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.containers[id]
	c.running = running
	c.health = health
}

func fleetNode() *ir.Resource {
	return &ir.Resource{ID: "web", Kind: ir.FleetKind, Provider: Name}
}

func fleetAttrsMap(extra map[string]any) map[string]any {
	attrs := map[string]any{
		"name":     "web",
		"min_size": 2,
		"max_size": 4,
		"image":    "nginx:1.27",
		"env":      map[string]any{"MODE": "prod"},
		"network":  "front",
	}
	for k, v := range extra {
		attrs[k] = v
	}
	return attrs
}

func TestApplyFleet_CreatesMinMembers(t *testing.T) {
	eng := newFakeEngine()
	p := New(eng)
	ctx := context.Background()

	res, err := p.Apply(ctx, fleetNode(), ir.ActionCreate, fleetAttrsMap(nil))
	require.NoError(t, err)
	assert.Equal(t, "web", res.Attributes["fleet_id"])
	assert.Equal(t, 2, res.Attributes["desired_capacity"])

	instances, err := p.ListInstances(ctx, "web")
	require.NoError(t, err)
	require.Len(t, instances, 2)
	for _, in := range instances {
		c := eng.containers[in.ID]
		assert.Equal(t, "web", c.config.Labels[LabelFleet])
		assert.Equal(t, "front", c.config.Labels[LabelNetwork])
		assert.Equal(t, []string{"MODE=prod"}, c.config.Env)
		assert.True(t, strings.HasPrefix(c.name, "web-"))
	}
	assert.Equal(t, []string{"nginx:1.27", "nginx:1.27"}, eng.pulled)
}

func TestApplyFleet_DesiredOnCreateOnly(t *testing.T) {
	p := New(newFakeEngine())
	ctx := context.Background()

	res, err := p.Apply(ctx, fleetNode(), ir.ActionCreate, fleetAttrsMap(map[string]any{"desired_capacity": 3}))
	require.NoError(t, err)
	assert.Equal(t, 3, res.Attributes["desired_capacity"])

	// a scale-out by the controller survives an update of the template
	require.NoError(t, p.SetFleetDesiredCapacity(ctx, "web", 4))
	res, err = p.Apply(ctx, fleetNode(), ir.ActionUpdate, fleetAttrsMap(nil))
	require.NoError(t, err)
	assert.Equal(t, 4, res.Attributes["desired_capacity"])

	// shrinking max_size clamps the fleet
	res, err = p.Apply(ctx, fleetNode(), ir.ActionUpdate, fleetAttrsMap(map[string]any{"max_size": 3}))
	require.NoError(t, err)
	assert.Equal(t, 3, res.Attributes["desired_capacity"])
}

func TestApplyFleet_InvalidBounds(t *testing.T) {
	p := New(newFakeEngine())
	_, err := p.Apply(context.Background(), fleetNode(), ir.ActionCreate, fleetAttrsMap(map[string]any{"max_size": 1}))
	var perm *provider.PermanentError
	assert.ErrorAs(t, err, &perm)
}

func TestSetFleetDesiredCapacity_RemovesNewestFirst(t *testing.T) {
	eng := newFakeEngine()
	p := New(eng)
	ctx := context.Background()
	_, err := p.Apply(ctx, fleetNode(), ir.ActionCreate, fleetAttrsMap(nil))
	require.NoError(t, err)

	before, err := p.ListInstances(ctx, "web")
	require.NoError(t, err)
	require.NoError(t, p.SetFleetDesiredCapacity(ctx, "web", 4))
	require.NoError(t, p.SetFleetDesiredCapacity(ctx, "web", 2))

	after, err := p.ListInstances(ctx, "web")
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestSetFleetDesiredCapacity_UnknownFleet(t *testing.T) {
	p := New(newFakeEngine())
	err := p.SetFleetDesiredCapacity(context.Background(), "ghost", 1)
	assert.ErrorIs(t, err, ErrUnknownFleet)
	assert.False(t, provider.IsTransient(err))
}

func TestTemplateRecoveredFromMember(t *testing.T) {
	eng := newFakeEngine()
	ctx := context.Background()
	_, err := New(eng).Apply(ctx, fleetNode(), ir.ActionCreate, fleetAttrsMap(nil))
	require.NoError(t, err)

	// a fresh provider, as in a separate agent process
	p := New(eng)
	require.NoError(t, p.SetFleetDesiredCapacity(ctx, "web", 3))
	instances, err := p.ListInstances(ctx, "web")
	require.NoError(t, err)
	require.Len(t, instances, 3)

	newest := eng.containers[instances[2].ID]
	assert.Equal(t, "nginx:1.27", newest.config.Image)
	assert.Equal(t, "front", newest.config.Labels[LabelNetwork])
	assert.Equal(t, []string{"MODE=prod"}, newest.config.Env)
}

func TestDescribeHealth(t *testing.T) {
	eng := newFakeEngine()
	p := New(eng)
	ctx := context.Background()
	_, err := p.Apply(ctx, fleetNode(), ir.ActionCreate, fleetAttrsMap(map[string]any{"min_size": 1}))
	require.NoError(t, err)
	instances, err := p.ListInstances(ctx, "web")
	require.NoError(t, err)
	id := instances[0].ID

	tests := []struct {
		running bool
		health  string
		want    provider.Health
	}{
		{true, "", provider.Healthy},
		{true, "healthy", provider.Healthy},
		{true, "starting", provider.Unknown},
		{true, "unhealthy", provider.Unhealthy},
		{false, "", provider.Unhealthy},
	}
	for _, tt := range tests {
		eng.set(id, tt.running, tt.health)
		got, err := p.DescribeHealth(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "running=%v health=%q", tt.running, tt.health)
	}

	got, err := p.DescribeHealth(ctx, "missing")
	require.NoError(t, err)
	assert.Equal(t, provider.Unhealthy, got)
}

func TestTerminateInstance(t *testing.T) {
	p := New(newFakeEngine())
	ctx := context.Background()
	_, err := p.Apply(ctx, fleetNode(), ir.ActionCreate, fleetAttrsMap(nil))
	require.NoError(t, err)
	instances, err := p.ListInstances(ctx, "web")
	require.NoError(t, err)

	require.NoError(t, p.TerminateInstance(ctx, "web", instances[0].ID))
	require.NoError(t, p.TerminateInstance(ctx, "web", instances[0].ID), "terminating twice is harmless")

	left, err := p.ListInstances(ctx, "web")
	require.NoError(t, err)
	assert.Len(t, left, 1)
}

func TestRouter(t *testing.T) {
	eng := newFakeEngine()
	p := New(eng)
	ctx := context.Background()
	_, err := p.Apply(ctx, fleetNode(), ir.ActionCreate, fleetAttrsMap(nil))
	require.NoError(t, err)
	instances, err := p.ListInstances(ctx, "web")
	require.NoError(t, err)
	id := instances[0].ID

	require.NoError(t, p.Register(ctx, "web", id))
	require.NoError(t, p.Register(ctx, "web", id))
	assert.True(t, eng.connected["front"][id])

	require.NoError(t, p.Deregister(ctx, "web", id))
	require.NoError(t, p.Deregister(ctx, "web", id))
	assert.False(t, eng.connected["front"][id])

	// unknown fleets have nothing to route
	assert.NoError(t, p.Register(ctx, "ghost", "x"))
}

func TestDeleteFleet(t *testing.T) {
	p := New(newFakeEngine())
	ctx := context.Background()
	res, err := p.Apply(ctx, fleetNode(), ir.ActionCreate, fleetAttrsMap(nil))
	require.NoError(t, err)

	prior := &ir.ActualState{ID: "web", Kind: ir.FleetKind, Attributes: res.Attributes}
	require.NoError(t, p.Delete(ctx, prior))
	instances, err := p.ListInstances(ctx, "web")
	require.NoError(t, err)
	assert.Empty(t, instances)
}

func TestApplyContainer_UpdateReplaces(t *testing.T) {
	eng := newFakeEngine()
	p := New(eng)
	ctx := context.Background()
	node := &ir.Resource{ID: "app[0]", Kind: KindContainer, Provider: Name}

	first, err := p.Apply(ctx, node, ir.ActionCreate, map[string]any{"image": "redis:7"})
	require.NoError(t, err)
	assert.Equal(t, "app-0", first.Attributes["name"])

	second, err := p.Apply(ctx, node, ir.ActionUpdate, map[string]any{"image": "redis:7.2"})
	require.NoError(t, err)
	assert.NotEqual(t, first.Attributes["id"], second.Attributes["id"])
	assert.Len(t, eng.containers, 1)

	require.NoError(t, p.Delete(ctx, &ir.ActualState{ID: "app[0]", Kind: KindContainer, Attributes: second.Attributes}))
	assert.Empty(t, eng.containers)
}

func TestApply_UnknownKind(t *testing.T) {
	p := New(newFakeEngine())
	_, err := p.Apply(context.Background(), &ir.Resource{ID: "x", Kind: "docker_swarm"}, ir.ActionCreate, nil)
	assert.ErrorContains(t, err, "unknown resource type")
}

func TestContainerConfigBuild(t *testing.T) {
	cfg := ContainerConfig{
		Image:   "nginx",
		Ports:   map[string]int{"8080": 80},
		Restart: "always",
		Labels:  map[string]string{"team": "edge"},
		Healthcheck: &HealthcheckConfig{
			Test:     []string{"CMD", "curl", "-f", "localhost"},
			Interval: "5s",
			Retries:  3,
		},
	}
	config, host, err := cfg.build(map[string]string{LabelFleet: "web"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"team": "edge", LabelFleet: "web"}, config.Labels)
	assert.Equal(t, 5*time.Second, config.Healthcheck.Interval)
	assert.Equal(t, "8080", host.PortBindings["80/tcp"][0].HostPort)
	assert.Equal(t, container.RestartPolicyMode("always"), host.RestartPolicy.Name)

	cfg.Healthcheck.Timeout = "soon"
	_, _, err = cfg.build(nil)
	assert.Error(t, err)
}

func TestClassify(t *testing.T) {
	assert.True(t, provider.IsTransient(classify("op", errdefs.Unavailable(errors.New("busy")))))
	assert.True(t, provider.IsTransient(classify("op", errdefs.Conflict(errors.New("name in use")))))
	assert.True(t, provider.IsTransient(classify("op", context.DeadlineExceeded)))
	assert.False(t, provider.IsTransient(classify("op", errdefs.InvalidParameter(errors.New("bad")))))
	assert.NoError(t, classify("op", nil))
}

func TestContainerName(t *testing.T) {
	assert.Equal(t, "web-0", containerName("web[0]"))
	assert.Equal(t, "web-a", containerName(`web["a"]`))
	assert.Equal(t, "net.front", containerName("net.front"))
}
