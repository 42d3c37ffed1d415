// Package aws runs fleets as EC2 Auto Scaling groups. It reconciles groups,
// launch templates and target groups, and drives the autoscaling
// controller through Auto Scaling, EC2, ELBv2 and CloudWatch.
package aws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"

	"github.com/picklr-io/fleetform/internal/awsutil"
	"github.com/picklr-io/fleetform/internal/ir"
	"github.com/picklr-io/fleetform/internal/provider"
)

// Name is the registry name of this provider.
const Name = "aws"

const (
	KindGroup          = "aws:AutoScaling.Group"
	KindLaunchTemplate = "aws:EC2.LaunchTemplate"
	KindTargetGroup    = "aws:ELBv2.TargetGroup"
)

type autoscalingAPI interface {
	CreateAutoScalingGroup(ctx context.Context, in *autoscaling.CreateAutoScalingGroupInput, optFns ...func(*autoscaling.Options)) (*autoscaling.CreateAutoScalingGroupOutput, error)
	UpdateAutoScalingGroup(ctx context.Context, in *autoscaling.UpdateAutoScalingGroupInput, optFns ...func(*autoscaling.Options)) (*autoscaling.UpdateAutoScalingGroupOutput, error)
	DeleteAutoScalingGroup(ctx context.Context, in *autoscaling.DeleteAutoScalingGroupInput, optFns ...func(*autoscaling.Options)) (*autoscaling.DeleteAutoScalingGroupOutput, error)
	DescribeAutoScalingGroups(ctx context.Context, in *autoscaling.DescribeAutoScalingGroupsInput, optFns ...func(*autoscaling.Options)) (*autoscaling.DescribeAutoScalingGroupsOutput, error)
	SetDesiredCapacity(ctx context.Context, in *autoscaling.SetDesiredCapacityInput, optFns ...func(*autoscaling.Options)) (*autoscaling.SetDesiredCapacityOutput, error)
	TerminateInstanceInAutoScalingGroup(ctx context.Context, in *autoscaling.TerminateInstanceInAutoScalingGroupInput, optFns ...func(*autoscaling.Options)) (*autoscaling.TerminateInstanceInAutoScalingGroupOutput, error)
}

type ec2API interface {
	CreateLaunchTemplate(ctx context.Context, in *ec2.CreateLaunchTemplateInput, optFns ...func(*ec2.Options)) (*ec2.CreateLaunchTemplateOutput, error)
	CreateLaunchTemplateVersion(ctx context.Context, in *ec2.CreateLaunchTemplateVersionInput, optFns ...func(*ec2.Options)) (*ec2.CreateLaunchTemplateVersionOutput, error)
	ModifyLaunchTemplate(ctx context.Context, in *ec2.ModifyLaunchTemplateInput, optFns ...func(*ec2.Options)) (*ec2.ModifyLaunchTemplateOutput, error)
	DeleteLaunchTemplate(ctx context.Context, in *ec2.DeleteLaunchTemplateInput, optFns ...func(*ec2.Options)) (*ec2.DeleteLaunchTemplateOutput, error)
	DescribeInstances(ctx context.Context, in *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	DescribeInstanceStatus(ctx context.Context, in *ec2.DescribeInstanceStatusInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstanceStatusOutput, error)
}

type elbv2API interface {
	CreateTargetGroup(ctx context.Context, in *elasticloadbalancingv2.CreateTargetGroupInput, optFns ...func(*elasticloadbalancingv2.Options)) (*elasticloadbalancingv2.CreateTargetGroupOutput, error)
	DeleteTargetGroup(ctx context.Context, in *elasticloadbalancingv2.DeleteTargetGroupInput, optFns ...func(*elasticloadbalancingv2.Options)) (*elasticloadbalancingv2.DeleteTargetGroupOutput, error)
	RegisterTargets(ctx context.Context, in *elasticloadbalancingv2.RegisterTargetsInput, optFns ...func(*elasticloadbalancingv2.Options)) (*elasticloadbalancingv2.RegisterTargetsOutput, error)
	DeregisterTargets(ctx context.Context, in *elasticloadbalancingv2.DeregisterTargetsInput, optFns ...func(*elasticloadbalancingv2.Options)) (*elasticloadbalancingv2.DeregisterTargetsOutput, error)
}

type cloudwatchAPI interface {
	GetMetricData(ctx context.Context, in *cloudwatch.GetMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.GetMetricDataOutput, error)
}

// Options tune the fleet surface.
type Options struct {
	// Namespace is the CloudWatch namespace of fleet metrics.
	Namespace string
	// PollInterval is how often CloudWatch is polled for new datapoints.
	PollInterval time.Duration
	// MetricPeriod is the CloudWatch aggregation period in seconds.
	MetricPeriod int32
	// TargetPort is used when registering instances with target groups.
	TargetPort int32
}

func (o Options) withDefaults() Options {
	if o.Namespace == "" {
		o.Namespace = "AWS/EC2"
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Minute
	}
	if o.MetricPeriod <= 0 {
		o.MetricPeriod = 60
	}
	return o
}

type Provider struct {
	autoscaling autoscalingAPI
	ec2         ec2API
	elbv2       elbv2API
	cloudwatch  cloudwatchAPI
	opts        Options

	mu           sync.Mutex
	targetGroups map[string][]string
}

// New builds a provider from a loaded SDK configuration.
func New(cfg aws.Config, opts Options) *Provider {
	return newProvider(
		autoscaling.NewFromConfig(cfg),
		ec2.NewFromConfig(cfg),
		elasticloadbalancingv2.NewFromConfig(cfg),
		cloudwatch.NewFromConfig(cfg),
		opts,
	)
}

func newProvider(as autoscalingAPI, ec ec2API, lb elbv2API, cw cloudwatchAPI, opts Options) *Provider {
	return &Provider{
		autoscaling:  as,
		ec2:          ec,
		elbv2:        lb,
		cloudwatch:   cw,
		opts:         opts.withDefaults(),
		targetGroups: make(map[string][]string),
	}
}

// Factory loads the default credential chain. Recognised options: region,
// profile, namespace, poll_interval, metric_period (seconds), target_port.
func Factory(cfg map[string]string) (provider.Provider, error) {
	opts := Options{Namespace: cfg["namespace"]}
	if v := cfg["poll_interval"]; v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid poll_interval %q: %w", v, err)
		}
		opts.PollInterval = d
	}
	for key, dst := range map[string]*int32{"metric_period": &opts.MetricPeriod, "target_port": &opts.TargetPort} {
		if v := cfg[key]; v != "" {
			n, err := strconv.ParseInt(v, 10, 32)
			if err != nil {
				return nil, fmt.Errorf("invalid %s %q: %w", key, v, err)
			}
			*dst = int32(n)
		}
	}

	awsCfg, err := awsutil.LoadConfig(context.Background(), cfg["region"], cfg["profile"])
	if err != nil {
		return nil, err
	}
	return New(awsCfg, opts), nil
}

func (p *Provider) Apply(ctx context.Context, node *ir.Resource, action ir.Action, attrs map[string]any) (*provider.Result, error) {
	switch node.Kind {
	case KindGroup, ir.FleetKind:
		return p.applyGroup(ctx, node, action, attrs)
	case KindLaunchTemplate:
		return p.applyLaunchTemplate(ctx, action, attrs)
	case KindTargetGroup:
		return p.applyTargetGroup(ctx, attrs)
	}
	return nil, provider.Permanent("apply", fmt.Errorf("unknown resource type: %s", node.Kind))
}

func (p *Provider) Delete(ctx context.Context, prior *ir.ActualState) error {
	id, _ := prior.Attributes["id"].(string)
	if id == "" {
		return nil
	}
	switch prior.Kind {
	case KindGroup, ir.FleetKind:
		return p.deleteGroup(ctx, id)
	case KindLaunchTemplate:
		return p.deleteLaunchTemplate(ctx, id)
	case KindTargetGroup:
		return p.deleteTargetGroup(ctx, id)
	}
	return provider.Permanent("delete", fmt.Errorf("unknown resource type: %s", prior.Kind))
}

// classify sorts SDK errors into retryable and permanent ones.
func classify(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return provider.Transient(op, err)
	case awsutil.IsCode(err, "Throttling", "ThrottlingException", "RequestLimitExceeded",
		"ResourceContention", "ScalingActivityInProgress", "ServiceUnavailable", "RequestTimeout"):
		return provider.Transient(op, err)
	case awsutil.IsServerFault(err):
		return provider.Transient(op, err)
	case retry.IsErrorRetryables(retry.DefaultRetryables).IsErrorRetryable(err) == aws.TrueTernary:
		// Connection resets, dial failures and the SDK's own retryable codes.
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

var (
	_ provider.Provider      = (*Provider)(nil)
	_ provider.FleetProvider = (*Provider)(nil)
	_ provider.Router        = (*Provider)(nil)
)
