package aws

import (
	"context"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"github.com/picklr-io/fleetform/internal/ir"
)

// lookbackPeriods bounds how far back the first poll reaches.
const lookbackPeriods = 5

// splitMetric accepts "CPUUtilization" or "Namespace:MetricName".
func (p *Provider) splitMetric(metric string) (namespace, name string) {
	if ns, n, ok := strings.Cut(metric, ":"); ok {
		return ns, n
	}
	return p.opts.Namespace, metric
}

// StreamMetric polls CloudWatch GetMetricData for the group's metric and
// emits each new datapoint once, oldest first.
func (p *Provider) StreamMetric(ctx context.Context, fleetID, metric string) (<-chan ir.MetricSample, <-chan error) {
	samples := make(chan ir.MetricSample, 64)
	errs := make(chan error, 1)
	namespace, name := p.splitMetric(metric)

	go func() {
		defer close(errs)
		defer close(samples)

		period := time.Duration(p.opts.MetricPeriod) * time.Second
		last := time.Now().Add(-lookbackPeriods * period)
		ticker := time.NewTicker(p.opts.PollInterval)
		defer ticker.Stop()

		for {
			points, err := p.fetch(ctx, fleetID, namespace, name, last)
			if err != nil {
				if ctx.Err() == nil {
					errs <- err
				}
				return
			}
			for _, s := range points {
				if !s.Timestamp.After(last) {
					continue
				}
				select {
				case samples <- s:
					last = s.Timestamp
				case <-ctx.Done():
					return
				}
			}

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return samples, errs
}

func (p *Provider) fetch(ctx context.Context, fleetID, namespace, name string, since time.Time) ([]ir.MetricSample, error) {
	input := &cloudwatch.GetMetricDataInput{
		StartTime: aws.Time(since),
		EndTime:   aws.Time(time.Now()),
		ScanBy:    types.ScanByTimestampAscending,
		MetricDataQueries: []types.MetricDataQuery{{
			Id: aws.String("m0"),
			MetricStat: &types.MetricStat{
				Metric: &types.Metric{
					Namespace:  aws.String(namespace),
					MetricName: aws.String(name),
					Dimensions: []types.Dimension{{
						Name:  aws.String("AutoScalingGroupName"),
						Value: aws.String(fleetID),
					}},
				},
				Period: aws.Int32(p.opts.MetricPeriod),
				Stat:   aws.String("Average"),
			},
			ReturnData: aws.Bool(true),
		}},
	}

	var out []ir.MetricSample
	paginator := cloudwatch.NewGetMetricDataPaginator(p.cloudwatch, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, classify("get metric data", err)
		}
		for _, r := range page.MetricDataResults {
			for i, ts := range r.Timestamps {
				if i < len(r.Values) {
					out = append(out, ir.MetricSample{Timestamp: ts, Value: r.Values[i]})
				}
			}
		}
	}
	return out, nil
}
