package ir

// Config is the top-level declaration document.
type Config struct {
	Resources []*Resource    `pkl:"resources" yaml:"resources"`
	Outputs   map[string]any `pkl:"outputs" yaml:"outputs"`
}
