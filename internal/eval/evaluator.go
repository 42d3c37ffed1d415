package eval

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/apple/pkl-go/pkl"
	"gopkg.in/yaml.v3"

	"github.com/picklr-io/fleetform/internal/ir"
	"github.com/picklr-io/fleetform/internal/logging"
)

// Evaluator turns declaration files into IR types. Pkl modules are
// evaluated through pkl-go; .yaml and .yml files are decoded directly.
type Evaluator struct {
	projectDir string
}

func NewEvaluator(projectDir string) *Evaluator {
	return &Evaluator{
		projectDir: projectDir,
	}
}

// LoadConfig evaluates the main Pkl module and returns the IR.
func (e *Evaluator) LoadConfig(ctx context.Context, entryPoint string, properties map[string]string) (*ir.Config, error) {
	u, err := url.Parse("file://" + e.projectDir + "/")
	if err != nil {
		return nil, fmt.Errorf("failed to parse project directory URL: %w", err)
	}

	opts := []func(*pkl.EvaluatorOptions){pkl.PreconfiguredOptions}
	if len(properties) > 0 {
		opts = append(opts, func(o *pkl.EvaluatorOptions) {
			if o.Properties == nil {
				o.Properties = make(map[string]string)
			}
			for k, v := range properties {
				o.Properties[k] = v
			}
		})
	}

	evaluator, err := pkl.NewProjectEvaluator(ctx, u, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create PKL evaluator: %w", err)
	}
	defer evaluator.Close()

	var cfg ir.Config
	if err := evaluator.EvaluateModule(ctx, pkl.FileSource(e.resolve(entryPoint)), &cfg); err != nil {
		return nil, fmt.Errorf("failed to evaluate config: %w", err)
	}

	return &cfg, nil
}

// LoadYAML decodes a YAML declaration document.
func (e *Evaluator) LoadYAML(path string) (*ir.Config, error) {
	data, err := os.ReadFile(e.resolve(path))
	if err != nil {
		return nil, err
	}
	var cfg ir.Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	for _, res := range cfg.Resources {
		res.Properties = normalize(res.Properties)
		res.ForEach = normalize(res.ForEach)
	}
	return &cfg, nil
}

// LoadFile picks the loader by file extension.
func (e *Evaluator) LoadFile(ctx context.Context, path string, properties map[string]string) (*ir.Config, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return e.LoadYAML(path)
	case ".pkl":
		return e.LoadConfig(ctx, path, properties)
	default:
		return nil, fmt.Errorf("unsupported declaration file %s", path)
	}
}

// LoadAll loads every path and concatenates their resources. Later files
// win on conflicting outputs; duplicate resource ids are left for the
// graph builder to reject.
func (e *Evaluator) LoadAll(ctx context.Context, paths []string, properties map[string]string) (*ir.Config, error) {
	merged := &ir.Config{Outputs: map[string]any{}}
	for _, p := range paths {
		cfg, err := e.LoadFile(ctx, p, properties)
		if err != nil {
			return nil, err
		}
		logging.Debug("loaded declarations", "file", p, "resources", len(cfg.Resources))
		merged.Resources = append(merged.Resources, cfg.Resources...)
		for k, v := range cfg.Outputs {
			merged.Outputs[k] = v
		}
	}
	return merged, nil
}

func (e *Evaluator) resolve(path string) string {
	if filepath.IsAbs(path) || e.projectDir == "" {
		return path
	}
	return filepath.Join(e.projectDir, path)
}

// normalize rewrites the map[any]any nodes yaml can produce for
// non-string keys so property values have the same shape as pkl output.
func normalize(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	for k, v := range m {
		m[k] = normalizeValue(v)
	}
	return m
}

func normalizeValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return normalize(val)
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[fmt.Sprint(k)] = normalizeValue(item)
		}
		return out
	case []any:
		for i, item := range val {
			val[i] = normalizeValue(item)
		}
		return val
	default:
		return v
	}
}
