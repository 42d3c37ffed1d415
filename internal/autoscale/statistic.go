package autoscale

import "fmt"

// Statistic reduces the samples of one evaluation period to one value.
type Statistic string

const (
	Average     Statistic = "Average"
	Maximum     Statistic = "Maximum"
	Minimum     Statistic = "Minimum"
	Sum         Statistic = "Sum"
	SampleCount Statistic = "SampleCount"
)

func (s Statistic) Validate() error {
	switch s {
	case Average, Maximum, Minimum, Sum, SampleCount:
		return nil
	}
	return fmt.Errorf("unsupported statistic %q", s)
}

// Aggregate applies s to values. ok is false for an empty period.
func (s Statistic) Aggregate(values []float64) (v float64, ok bool) {
	if len(values) == 0 {
		return 0, false
	}
	switch s {
	case Maximum:
		v = values[0]
		for _, x := range values[1:] {
			if x > v {
				v = x
			}
		}
	case Minimum:
		v = values[0]
		for _, x := range values[1:] {
			if x < v {
				v = x
			}
		}
	case Sum:
		for _, x := range values {
			v += x
		}
	case SampleCount:
		v = float64(len(values))
	default:
		for _, x := range values {
			v += x
		}
		v /= float64(len(values))
	}
	return v, true
}
