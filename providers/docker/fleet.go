package docker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/errdefs"
	"github.com/google/uuid"

	"github.com/picklr-io/fleetform/internal/ir"
	"github.com/picklr-io/fleetform/internal/logging"
	"github.com/picklr-io/fleetform/internal/provider"
)

const (
	// LabelFleet marks a container as a member of a fleet.
	LabelFleet = "io.fleetform.fleet"
	// LabelNetwork records the network healthy members are attached to.
	LabelNetwork = "io.fleetform.network"
)

// ErrUnknownFleet is returned when a fleet has neither a template nor any
// member to copy one from.
var ErrUnknownFleet = errors.New("unknown fleet")

// FleetTemplate describes how members of a fleet are launched.
type FleetTemplate struct {
	Container ContainerConfig
	// Network is joined by members once they report healthy.
	Network string
}

type fleetAttrs struct {
	ContainerConfig
	Name            string `json:"name"`
	MinSize         int    `json:"min_size"`
	MaxSize         int    `json:"max_size"`
	DesiredCapacity *int   `json:"desired_capacity"`
	Network         string `json:"network"`
}

// applyFleet records the launch template and brings the member count within
// bounds. desired_capacity only counts on create; afterwards it belongs to
// the autoscaling controller.
func (p *Provider) applyFleet(ctx context.Context, node *ir.Resource, action ir.Action, attrs map[string]any) (*provider.Result, error) {
	var a fleetAttrs
	if err := decode(attrs, &a); err != nil {
		return nil, err
	}
	fleetID := a.Name
	if fleetID == "" {
		fleetID = containerName(node.ID)
	}
	if a.MaxSize < a.MinSize {
		return nil, provider.Permanent("apply fleet", fmt.Errorf("max_size %d is below min_size %d", a.MaxSize, a.MinSize))
	}

	tmpl := &FleetTemplate{Container: a.ContainerConfig, Network: a.Network}
	tmpl.Container.Name = ""
	p.mu.Lock()
	p.templates[fleetID] = tmpl
	p.mu.Unlock()

	members, err := p.members(ctx, fleetID)
	if err != nil {
		return nil, err
	}
	target := len(members)
	if action == ir.ActionCreate {
		target = a.MinSize
		if a.DesiredCapacity != nil {
			target = *a.DesiredCapacity
		}
	}
	if target < a.MinSize {
		target = a.MinSize
	}
	if target > a.MaxSize {
		target = a.MaxSize
	}
	if err := p.SetFleetDesiredCapacity(ctx, fleetID, target); err != nil {
		return nil, err
	}

	return &provider.Result{Attributes: map[string]any{
		"id":               fleetID,
		"fleet_id":         fleetID,
		"desired_capacity": target,
	}}, nil
}

func (p *Provider) deleteFleet(ctx context.Context, fleetID string) error {
	members, err := p.members(ctx, fleetID)
	if err != nil {
		return err
	}
	for _, c := range members {
		if err := p.removeContainer(ctx, c.ID); err != nil && !errdefs.IsNotFound(err) {
			return err
		}
	}
	p.mu.Lock()
	delete(p.templates, fleetID)
	p.mu.Unlock()
	return nil
}

// members lists a fleet's containers, oldest first.
func (p *Provider) members(ctx context.Context, fleetID string) ([]types.Container, error) {
	list, err := p.api.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", LabelFleet+"="+fleetID)),
	})
	if err != nil {
		return nil, classify("list containers", err)
	}
	sort.SliceStable(list, func(i, j int) bool { return list[i].Created < list[j].Created })
	return list, nil
}

// template returns the fleet's launch template. A provider that did not
// apply the fleet itself rebuilds it from an existing member.
func (p *Provider) template(ctx context.Context, fleetID string, members []types.Container) (*FleetTemplate, error) {
	p.mu.Lock()
	tmpl, ok := p.templates[fleetID]
	p.mu.Unlock()
	if ok {
		return tmpl, nil
	}
	if len(members) == 0 {
		return nil, provider.Permanent("fleet template", fmt.Errorf("%s: %w", fleetID, ErrUnknownFleet))
	}

	inspect, err := p.api.ContainerInspect(ctx, members[0].ID)
	if err != nil {
		return nil, classify("inspect container", err)
	}
	tmpl = templateFrom(inspect)

	p.mu.Lock()
	p.templates[fleetID] = tmpl
	p.mu.Unlock()
	logging.Debug("fleet template recovered from member", "fleet", fleetID, "image", tmpl.Container.Image)
	return tmpl, nil
}

func templateFrom(inspect types.ContainerJSON) *FleetTemplate {
	tmpl := &FleetTemplate{}
	cfg := inspect.Config
	if cfg == nil {
		return tmpl
	}
	tmpl.Network = cfg.Labels[LabelNetwork]
	labels := make(map[string]string, len(cfg.Labels))
	for k, v := range cfg.Labels {
		if k != LabelFleet && k != LabelNetwork {
			labels[k] = v
		}
	}
	env := make(map[string]string, len(cfg.Env))
	for _, kv := range cfg.Env {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	tmpl.Container = ContainerConfig{
		Image:      cfg.Image,
		Command:    cfg.Cmd,
		Env:        env,
		Labels:     labels,
		WorkingDir: cfg.WorkingDir,
		User:       cfg.User,
	}
	if inspect.ContainerJSONBase != nil && inspect.HostConfig != nil {
		if mode := string(inspect.HostConfig.NetworkMode); mode != "" && mode != "default" {
			tmpl.Container.Networks = []string{mode}
		}
		tmpl.Container.Restart = string(inspect.HostConfig.RestartPolicy.Name)
	}
	return tmpl
}

// SetFleetDesiredCapacity launches or removes members until the fleet has n.
// The newest members are removed first.
func (p *Provider) SetFleetDesiredCapacity(ctx context.Context, fleetID string, n int) error {
	if n < 0 {
		return provider.Permanent("set desired capacity", fmt.Errorf("negative capacity %d", n))
	}
	members, err := p.members(ctx, fleetID)
	if err != nil {
		return err
	}

	if len(members) < n {
		tmpl, err := p.template(ctx, fleetID, members)
		if err != nil {
			return err
		}
		labels := map[string]string{LabelFleet: fleetID}
		if tmpl.Network != "" {
			labels[LabelNetwork] = tmpl.Network
		}
		for i := len(members); i < n; i++ {
			cfg := tmpl.Container
			cfg.Name = fleetID + "-" + uuid.NewString()[:8]
			if _, err := p.runContainer(ctx, cfg, labels); err != nil {
				return err
			}
		}
	}
	for i := len(members) - 1; i >= n; i-- {
		if err := p.removeContainer(ctx, members[i].ID); err != nil && !errdefs.IsNotFound(err) {
			return classify("remove container", err)
		}
	}
	if len(members) != n {
		logging.Info("fleet resized", "fleet", fleetID, "from", len(members), "to", n)
	}
	return nil
}

func (p *Provider) ListInstances(ctx context.Context, fleetID string) ([]provider.Instance, error) {
	members, err := p.members(ctx, fleetID)
	if err != nil {
		return nil, err
	}
	out := make([]provider.Instance, 0, len(members))
	for _, c := range members {
		out = append(out, provider.Instance{ID: c.ID, LaunchedAt: time.Unix(c.Created, 0)})
	}
	return out, nil
}

// DescribeHealth maps the container state and its healthcheck onto a probe
// result. A running container without a healthcheck counts as healthy;
// one still in its start period is Unknown.
func (p *Provider) DescribeHealth(ctx context.Context, instanceID string) (provider.Health, error) {
	inspect, err := p.api.ContainerInspect(ctx, instanceID)
	if errdefs.IsNotFound(err) {
		return provider.Unhealthy, nil
	}
	if err != nil {
		return provider.Unknown, classify("inspect container", err)
	}
	if inspect.ContainerJSONBase == nil || inspect.State == nil {
		return provider.Unknown, nil
	}
	st := inspect.State
	if !st.Running {
		return provider.Unhealthy, nil
	}
	if st.Health == nil {
		return provider.Healthy, nil
	}
	switch st.Health.Status {
	case "healthy":
		return provider.Healthy, nil
	case "unhealthy":
		return provider.Unhealthy, nil
	default:
		return provider.Unknown, nil
	}
}

// TerminateInstance removes one member. The fleet is not refilled.
func (p *Provider) TerminateInstance(ctx context.Context, fleetID, instanceID string) error {
	if err := p.removeContainer(ctx, instanceID); err != nil && !errdefs.IsNotFound(err) {
		return classify("terminate "+shortID(instanceID), err)
	}
	return nil
}

// Register attaches the instance to the fleet's network. Fleets without a
// network have nothing to route.
func (p *Provider) Register(ctx context.Context, fleetID, instanceID string) error {
	network, err := p.routerNetwork(ctx, fleetID)
	if err != nil || network == "" {
		return err
	}
	err = p.api.NetworkConnect(ctx, network, instanceID, nil)
	if err != nil && !errdefs.IsConflict(err) && !errdefs.IsForbidden(err) {
		return classify("register "+shortID(instanceID), err)
	}
	return nil
}

func (p *Provider) Deregister(ctx context.Context, fleetID, instanceID string) error {
	network, err := p.routerNetwork(ctx, fleetID)
	if err != nil || network == "" {
		return err
	}
	err = p.api.NetworkDisconnect(ctx, network, instanceID, true)
	if err != nil && !errdefs.IsNotFound(err) {
		return classify("deregister "+shortID(instanceID), err)
	}
	return nil
}

func (p *Provider) routerNetwork(ctx context.Context, fleetID string) (string, error) {
	members, err := p.members(ctx, fleetID)
	if err != nil {
		return "", err
	}
	tmpl, err := p.template(ctx, fleetID, members)
	if errors.Is(err, ErrUnknownFleet) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return tmpl.Network, nil
}
