package aws

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling/types"
	"github.com/aws/aws-sdk-go-v2/service/ec2"

	"github.com/picklr-io/fleetform/internal/awsutil"
	"github.com/picklr-io/fleetform/internal/ir"
	"github.com/picklr-io/fleetform/internal/logging"
	"github.com/picklr-io/fleetform/internal/provider"
)

// ErrGroupNotFound is returned when an Auto Scaling group does not exist.
var ErrGroupNotFound = errors.New("auto scaling group not found")

type GroupConfig struct {
	Name                   string   `json:"name"`
	LaunchTemplate         string   `json:"launch_template"`
	LaunchTemplateVersion  string   `json:"launch_template_version"`
	MinSize                int      `json:"min_size"`
	MaxSize                int      `json:"max_size"`
	DesiredCapacity        *int     `json:"desired_capacity"`
	Subnets                []string `json:"subnets"`
	TargetGroupARNs        []string `json:"target_group_arns"`
	HealthCheckGracePeriod int      `json:"health_check_grace_period"`
}

// applyGroup creates or updates an Auto Scaling group. desired_capacity is
// only sent when declared, so an update never undoes a scaling action.
func (p *Provider) applyGroup(ctx context.Context, node *ir.Resource, action ir.Action, attrs map[string]any) (*provider.Result, error) {
	var desired GroupConfig
	if err := decode(attrs, &desired); err != nil {
		return nil, err
	}
	if desired.Name == "" {
		desired.Name = node.ID
	}
	if desired.MaxSize < desired.MinSize {
		return nil, provider.Permanent("apply group", fmt.Errorf("max_size %d is below min_size %d", desired.MaxSize, desired.MinSize))
	}

	var lt *types.LaunchTemplateSpecification
	if desired.LaunchTemplate != "" {
		version := desired.LaunchTemplateVersion
		if version == "" {
			version = "$Default"
		}
		lt = &types.LaunchTemplateSpecification{
			LaunchTemplateName: aws.String(desired.LaunchTemplate),
			Version:            aws.String(version),
		}
	}
	var capacity *int32
	if desired.DesiredCapacity != nil {
		capacity = aws.Int32(int32(*desired.DesiredCapacity))
	}
	var zones *string
	if len(desired.Subnets) > 0 {
		zones = aws.String(strings.Join(desired.Subnets, ","))
	}
	var grace *int32
	if desired.HealthCheckGracePeriod > 0 {
		grace = aws.Int32(int32(desired.HealthCheckGracePeriod))
	}

	var err error
	if action == ir.ActionCreate {
		_, err = p.autoscaling.CreateAutoScalingGroup(ctx, &autoscaling.CreateAutoScalingGroupInput{
			AutoScalingGroupName:   aws.String(desired.Name),
			MinSize:                aws.Int32(int32(desired.MinSize)),
			MaxSize:                aws.Int32(int32(desired.MaxSize)),
			DesiredCapacity:        capacity,
			LaunchTemplate:         lt,
			VPCZoneIdentifier:      zones,
			TargetGroupARNs:        desired.TargetGroupARNs,
			HealthCheckGracePeriod: grace,
		})
	}
	// A group left behind by an interrupted session is adopted.
	if action != ir.ActionCreate || awsutil.IsCode(err, "AlreadyExists") {
		_, err = p.autoscaling.UpdateAutoScalingGroup(ctx, &autoscaling.UpdateAutoScalingGroupInput{
			AutoScalingGroupName:   aws.String(desired.Name),
			MinSize:                aws.Int32(int32(desired.MinSize)),
			MaxSize:                aws.Int32(int32(desired.MaxSize)),
			DesiredCapacity:        capacity,
			LaunchTemplate:         lt,
			VPCZoneIdentifier:      zones,
			HealthCheckGracePeriod: grace,
		})
	}
	if err != nil {
		return nil, classify("apply group "+desired.Name, err)
	}

	group, err := p.describeGroup(ctx, desired.Name)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.targetGroups[desired.Name] = group.TargetGroupARNs
	p.mu.Unlock()

	return &provider.Result{Attributes: map[string]any{
		"id":               desired.Name,
		"fleet_id":         desired.Name,
		"arn":              aws.ToString(group.AutoScalingGroupARN),
		"desired_capacity": int(aws.ToInt32(group.DesiredCapacity)),
	}}, nil
}

func (p *Provider) deleteGroup(ctx context.Context, name string) error {
	_, err := p.autoscaling.DeleteAutoScalingGroup(ctx, &autoscaling.DeleteAutoScalingGroupInput{
		AutoScalingGroupName: aws.String(name),
		ForceDelete:          aws.Bool(true),
	})
	if err != nil && !awsutil.IsCode(err, "ValidationError") {
		return classify("delete group "+name, err)
	}
	p.mu.Lock()
	delete(p.targetGroups, name)
	p.mu.Unlock()
	return nil
}

func (p *Provider) describeGroup(ctx context.Context, name string) (*types.AutoScalingGroup, error) {
	out, err := p.autoscaling.DescribeAutoScalingGroups(ctx, &autoscaling.DescribeAutoScalingGroupsInput{
		AutoScalingGroupNames: []string{name},
	})
	if err != nil {
		return nil, classify("describe group "+name, err)
	}
	if len(out.AutoScalingGroups) == 0 {
		return nil, provider.Permanent("describe group", fmt.Errorf("%s: %w", name, ErrGroupNotFound))
	}
	return &out.AutoScalingGroups[0], nil
}

// SetFleetDesiredCapacity asks the group for n instances. Cooldowns are
// enforced by the controller, so the group's own are not honoured.
func (p *Provider) SetFleetDesiredCapacity(ctx context.Context, fleetID string, n int) error {
	_, err := p.autoscaling.SetDesiredCapacity(ctx, &autoscaling.SetDesiredCapacityInput{
		AutoScalingGroupName: aws.String(fleetID),
		DesiredCapacity:      aws.Int32(int32(n)),
		HonorCooldown:        aws.Bool(false),
	})
	if err != nil {
		return classify("set desired capacity of "+fleetID, err)
	}
	logging.Debug("desired capacity set", "group", fleetID, "desired", n)
	return nil
}

// ListInstances returns the group's members that are not on their way out.
// Launch times come from EC2.
func (p *Provider) ListInstances(ctx context.Context, fleetID string) ([]provider.Instance, error) {
	group, err := p.describeGroup(ctx, fleetID)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, in := range group.Instances {
		switch in.LifecycleState {
		case types.LifecycleStateTerminating, types.LifecycleStateTerminatingWait,
			types.LifecycleStateTerminatingProceed, types.LifecycleStateTerminated:
			continue
		}
		ids = append(ids, aws.ToString(in.InstanceId))
	}
	if len(ids) == 0 {
		return nil, nil
	}

	launched := make(map[string]time.Time, len(ids))
	paginator := ec2.NewDescribeInstancesPaginator(p.ec2, &ec2.DescribeInstancesInput{InstanceIds: ids})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, classify("describe instances", err)
		}
		for _, r := range page.Reservations {
			for _, in := range r.Instances {
				launched[aws.ToString(in.InstanceId)] = aws.ToTime(in.LaunchTime)
			}
		}
	}

	out := make([]provider.Instance, 0, len(ids))
	for _, id := range ids {
		out = append(out, provider.Instance{ID: id, LaunchedAt: launched[id]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LaunchedAt.Before(out[j].LaunchedAt) })
	return out, nil
}

// TerminateInstance terminates one member without lowering the group's
// desired capacity; the group launches the replacement itself.
func (p *Provider) TerminateInstance(ctx context.Context, fleetID, instanceID string) error {
	_, err := p.autoscaling.TerminateInstanceInAutoScalingGroup(ctx, &autoscaling.TerminateInstanceInAutoScalingGroupInput{
		InstanceId:                     aws.String(instanceID),
		ShouldDecrementDesiredCapacity: aws.Bool(false),
	})
	if err != nil && !awsutil.IsCode(err, "ValidationError") {
		return classify("terminate "+instanceID, err)
	}
	return nil
}
