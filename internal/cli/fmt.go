package cli

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	fmtCheck bool
	fmtWrite bool
)

var fmtCmd = &cobra.Command{
	Use:   "fmt [paths...]",
	Short: "Format declaration files",
	Long: `Formats .pkl, .yaml and .yml files to a canonical style.

By default, formats all declaration files under the current directory.
Use --check to verify formatting without making changes.

Formatting rules:
  - YAML is re-encoded with 2 space indentation, comments kept
  - Trailing newline
  - Trim trailing whitespace from lines`,
	RunE: runFmt,
}

func init() {
	fmtCmd.Flags().BoolVar(&fmtCheck, "check", false, "Check formatting without making changes (exit 1 if not formatted)")
	fmtCmd.Flags().BoolVar(&fmtWrite, "write", true, "Write formatted output back to files")
}

func runFmt(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	paths := args
	if len(paths) == 0 {
		paths = []string{"."}
	}

	var files []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return fmt.Errorf("failed to stat %s: %w", p, err)
		}
		if info.IsDir() {
			entries, err := findDeclarationFiles(p)
			if err != nil {
				return err
			}
			files = append(files, entries...)
		} else {
			files = append(files, p)
		}
	}

	if len(files) == 0 {
		fmt.Fprintln(out, "No declaration files found.")
		return nil
	}

	unformatted := 0
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", file, err)
		}

		formatted, err := formatFile(file, data)
		if err != nil {
			return fmt.Errorf("failed to format %s: %w", file, err)
		}
		if bytes.Equal(data, formatted) {
			continue
		}
		unformatted++
		if fmtCheck {
			fmt.Fprintf(out, "%s: not formatted\n", file)
		} else if fmtWrite {
			if err := os.WriteFile(file, formatted, 0644); err != nil {
				return fmt.Errorf("failed to write %s: %w", file, err)
			}
			fmt.Fprintf(out, "%s: formatted\n", file)
		}
	}

	if fmtCheck && unformatted > 0 {
		return fmt.Errorf("%d file(s) not formatted", unformatted)
	}
	if unformatted == 0 {
		fmt.Fprintf(out, "All %d file(s) are properly formatted.\n", len(files))
	} else if !fmtCheck {
		fmt.Fprintf(out, "Formatted %d file(s).\n", unformatted)
	}
	return nil
}

func findDeclarationFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		switch filepath.Ext(path) {
		case ".pkl", ".yaml", ".yml":
			files = append(files, path)
		}
		return nil
	})
	return files, err
}

func formatFile(path string, data []byte) ([]byte, error) {
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		return formatYAML(data)
	}
	return []byte(formatPkl(string(data))), nil
}

// formatYAML re-encodes every document in data through yaml.v3 nodes so
// comments survive.
func formatYAML(data []byte) ([]byte, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	for {
		var doc yaml.Node
		if err := dec.Decode(&doc); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, err
		}
		if err := enc.Encode(&doc); err != nil {
			return nil, err
		}
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return []byte(formatPkl(buf.String())), nil
}

// formatPkl applies basic formatting rules to PKL content.
func formatPkl(content string) string {
	lines := strings.Split(content, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	result := strings.Join(lines, "\n")

	if !strings.HasSuffix(result, "\n") {
		result += "\n"
	}
	// Keep at most one blank line.
	for strings.Contains(result, "\n\n\n") {
		result = strings.ReplaceAll(result, "\n\n\n", "\n\n")
	}
	return result
}
