package aws

import (
	"context"
	"errors"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"
	"github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2/types"

	"github.com/picklr-io/fleetform/internal/awsutil"
	"github.com/picklr-io/fleetform/internal/logging"
	"github.com/picklr-io/fleetform/internal/provider"
)

type TargetGroupConfig struct {
	Name            string `json:"name"`
	Port            int    `json:"port"`
	Protocol        string `json:"protocol"`
	VpcID           string `json:"vpc_id"`
	TargetType      string `json:"target_type"`
	HealthCheckPath string `json:"health_check_path"`
}

func (p *Provider) applyTargetGroup(ctx context.Context, attrs map[string]any) (*provider.Result, error) {
	var desired TargetGroupConfig
	if err := decode(attrs, &desired); err != nil {
		return nil, err
	}
	if desired.TargetType == "" {
		desired.TargetType = string(types.TargetTypeEnumInstance)
	}

	input := &elasticloadbalancingv2.CreateTargetGroupInput{
		Name:       aws.String(desired.Name),
		Port:       aws.Int32(int32(desired.Port)),
		Protocol:   types.ProtocolEnum(desired.Protocol),
		VpcId:      aws.String(desired.VpcID),
		TargetType: types.TargetTypeEnum(desired.TargetType),
	}
	if desired.HealthCheckPath != "" {
		input.HealthCheckPath = aws.String(desired.HealthCheckPath)
	}

	// CreateTargetGroup is idempotent for identical settings.
	resp, err := p.elbv2.CreateTargetGroup(ctx, input)
	if err != nil {
		return nil, classify("create target group", err)
	}
	if len(resp.TargetGroups) == 0 {
		return nil, provider.Permanent("create target group", errors.New("empty response"))
	}
	arn := aws.ToString(resp.TargetGroups[0].TargetGroupArn)
	return &provider.Result{Attributes: map[string]any{
		"id":   arn,
		"arn":  arn,
		"name": desired.Name,
	}}, nil
}

func (p *Provider) deleteTargetGroup(ctx context.Context, arn string) error {
	_, err := p.elbv2.DeleteTargetGroup(ctx, &elasticloadbalancingv2.DeleteTargetGroupInput{TargetGroupArn: aws.String(arn)})
	if err != nil && !awsutil.IsCode(err, "TargetGroupNotFound") {
		return classify("delete target group", err)
	}
	return nil
}

// Register adds the instance to every target group attached to the fleet.
func (p *Provider) Register(ctx context.Context, fleetID, instanceID string) error {
	arns, err := p.fleetTargetGroups(ctx, fleetID)
	if err != nil {
		return err
	}
	for _, arn := range arns {
		if _, err := p.elbv2.RegisterTargets(ctx, &elasticloadbalancingv2.RegisterTargetsInput{
			TargetGroupArn: aws.String(arn),
			Targets:        []types.TargetDescription{p.target(instanceID)},
		}); err != nil {
			return classify("register "+instanceID, err)
		}
		logging.Debug("target registered", "fleet", fleetID, "instance", instanceID, "target_group", arn)
	}
	return nil
}

func (p *Provider) Deregister(ctx context.Context, fleetID, instanceID string) error {
	arns, err := p.fleetTargetGroups(ctx, fleetID)
	if err != nil {
		return err
	}
	for _, arn := range arns {
		_, err := p.elbv2.DeregisterTargets(ctx, &elasticloadbalancingv2.DeregisterTargetsInput{
			TargetGroupArn: aws.String(arn),
			Targets:        []types.TargetDescription{p.target(instanceID)},
		})
		if err != nil && !awsutil.IsCode(err, "InvalidTarget") {
			return classify("deregister "+instanceID, err)
		}
	}
	return nil
}

func (p *Provider) target(instanceID string) types.TargetDescription {
	t := types.TargetDescription{Id: aws.String(instanceID)}
	if p.opts.TargetPort > 0 {
		t.Port = aws.Int32(p.opts.TargetPort)
	}
	return t
}

// fleetTargetGroups returns the target groups attached to the group,
// cached after the first lookup.
func (p *Provider) fleetTargetGroups(ctx context.Context, fleetID string) ([]string, error) {
	p.mu.Lock()
	arns, ok := p.targetGroups[fleetID]
	p.mu.Unlock()
	if ok {
		return arns, nil
	}
	group, err := p.describeGroup(ctx, fleetID)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.targetGroups[fleetID] = group.TargetGroupARNs
	p.mu.Unlock()
	return group.TargetGroupARNs, nil
}
