package aws

import (
	"context"
	"encoding/base64"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/picklr-io/fleetform/internal/awsutil"
	"github.com/picklr-io/fleetform/internal/ir"
	"github.com/picklr-io/fleetform/internal/provider"
)

type BlockDeviceMapping struct {
	DeviceName string `json:"device_name"`
	EBS        struct {
		VolumeSize          int    `json:"volume_size"`
		VolumeType          string `json:"volume_type"`
		DeleteOnTermination bool   `json:"delete_on_termination"`
	} `json:"ebs"`
}

type LaunchTemplateConfig struct {
	Name               string               `json:"name"`
	ImageID            string               `json:"image_id"`
	InstanceType       string               `json:"instance_type"`
	KeyName            string               `json:"key_name"`
	UserData           string               `json:"user_data"`
	InstanceProfileARN string               `json:"instance_profile_arn"`
	SecurityGroupIDs   []string             `json:"security_group_ids"`
	BlockDevices       []BlockDeviceMapping `json:"block_device_mappings"`
}

func (c LaunchTemplateConfig) data() *types.RequestLaunchTemplateData {
	data := &types.RequestLaunchTemplateData{
		ImageId:      aws.String(c.ImageID),
		InstanceType: types.InstanceType(c.InstanceType),
	}
	if c.KeyName != "" {
		data.KeyName = aws.String(c.KeyName)
	}
	if c.UserData != "" {
		data.UserData = aws.String(base64.StdEncoding.EncodeToString([]byte(c.UserData)))
	}
	if len(c.SecurityGroupIDs) > 0 {
		data.SecurityGroupIds = c.SecurityGroupIDs
	}
	if c.InstanceProfileARN != "" {
		data.IamInstanceProfile = &types.LaunchTemplateIamInstanceProfileSpecificationRequest{
			Arn: aws.String(c.InstanceProfileARN),
		}
	}
	for _, bd := range c.BlockDevices {
		data.BlockDeviceMappings = append(data.BlockDeviceMappings, types.LaunchTemplateBlockDeviceMappingRequest{
			DeviceName: aws.String(bd.DeviceName),
			Ebs: &types.LaunchTemplateEbsBlockDeviceRequest{
				VolumeSize:          aws.Int32(int32(bd.EBS.VolumeSize)),
				VolumeType:          types.VolumeType(bd.EBS.VolumeType),
				DeleteOnTermination: aws.Bool(bd.EBS.DeleteOnTermination),
			},
		})
	}
	return data
}

// applyLaunchTemplate creates the template, or on update adds a version and
// makes it the default so groups using "$Default" pick it up.
func (p *Provider) applyLaunchTemplate(ctx context.Context, action ir.Action, attrs map[string]any) (*provider.Result, error) {
	var desired LaunchTemplateConfig
	if err := decode(attrs, &desired); err != nil {
		return nil, err
	}

	if action == ir.ActionCreate {
		resp, err := p.ec2.CreateLaunchTemplate(ctx, &ec2.CreateLaunchTemplateInput{
			LaunchTemplateName: aws.String(desired.Name),
			LaunchTemplateData: desired.data(),
		})
		if err == nil {
			return &provider.Result{Attributes: map[string]any{
				"id":      desired.Name,
				"name":    desired.Name,
				"version": strconv.FormatInt(aws.ToInt64(resp.LaunchTemplate.LatestVersionNumber), 10),
			}}, nil
		}
		if !awsutil.IsCode(err, "InvalidLaunchTemplateName.AlreadyExistsException") {
			return nil, classify("create launch template", err)
		}
	}

	resp, err := p.ec2.CreateLaunchTemplateVersion(ctx, &ec2.CreateLaunchTemplateVersionInput{
		LaunchTemplateName: aws.String(desired.Name),
		LaunchTemplateData: desired.data(),
	})
	if err != nil {
		return nil, classify("create launch template version", err)
	}
	version := strconv.FormatInt(aws.ToInt64(resp.LaunchTemplateVersion.VersionNumber), 10)
	if _, err := p.ec2.ModifyLaunchTemplate(ctx, &ec2.ModifyLaunchTemplateInput{
		LaunchTemplateName: aws.String(desired.Name),
		DefaultVersion:     aws.String(version),
	}); err != nil {
		return nil, classify("set default launch template version", err)
	}
	return &provider.Result{Attributes: map[string]any{
		"id":      desired.Name,
		"name":    desired.Name,
		"version": version,
	}}, nil
}

func (p *Provider) deleteLaunchTemplate(ctx context.Context, name string) error {
	_, err := p.ec2.DeleteLaunchTemplate(ctx, &ec2.DeleteLaunchTemplateInput{LaunchTemplateName: aws.String(name)})
	if err != nil && !awsutil.IsCode(err, "InvalidLaunchTemplateName.NotFoundException", "InvalidLaunchTemplateId.NotFound") {
		return classify("delete launch template "+name, err)
	}
	return nil
}

// DescribeHealth combines the instance state with its EC2 status checks.
// Instances still initialising report Unknown.
func (p *Provider) DescribeHealth(ctx context.Context, instanceID string) (provider.Health, error) {
	out, err := p.ec2.DescribeInstanceStatus(ctx, &ec2.DescribeInstanceStatusInput{
		InstanceIds:         []string{instanceID},
		IncludeAllInstances: aws.Bool(true),
	})
	if awsutil.IsCode(err, "InvalidInstanceID.NotFound") {
		return provider.Unhealthy, nil
	}
	if err != nil {
		return provider.Unknown, classify("describe instance status", err)
	}
	if len(out.InstanceStatuses) == 0 {
		return provider.Unhealthy, nil
	}
	return healthOf(out.InstanceStatuses[0]), nil
}

func healthOf(st types.InstanceStatus) provider.Health {
	if st.InstanceState == nil {
		return provider.Unknown
	}
	switch st.InstanceState.Name {
	case types.InstanceStateNamePending:
		return provider.Unknown
	case types.InstanceStateNameRunning:
	default:
		return provider.Unhealthy
	}

	health := provider.Healthy
	for _, s := range []*types.InstanceStatusSummary{st.SystemStatus, st.InstanceStatus} {
		if s == nil {
			return provider.Unknown
		}
		switch s.Status {
		case types.SummaryStatusOk, types.SummaryStatusNotApplicable:
		case types.SummaryStatusImpaired:
			return provider.Unhealthy
		default:
			health = provider.Unknown
		}
	}
	return health
}
