// internal/supervisor/definition.go
// Service definitions: what the supervisor spawns, where, and in which
// order.  Definitions come from a YAML file; the dependency graph must be a
// DAG and is rejected at load time otherwise.
package supervisor

import (
	"os"

	"github.com/cockroachdb/errors"
	"github.com/kballard/go-shellquote"
	"gopkg.in/yaml.v3"
)

// Definition describes one supervised backend process.
type Definition struct {
	Key          string   `yaml:"key"`
	Command      string   `yaml:"command"`                 // argv, shell-quoted
	WorkDir      string   `yaml:"workdir,omitempty"`
	PreShell     string   `yaml:"pre_shell,omitempty"`     // optional shell prelude (sourcing env, conda…)
	ProbeCommand string   `yaml:"probe,omitempty"`         // health probe; empty => process-alive
	KillPatterns []string `yaml:"kill_patterns,omitempty"` // process-name patterns for forceful cleanup
	AutoRestart  bool     `yaml:"auto_restart,omitempty"`
	DependsOn    []string `yaml:"depends_on,omitempty"`
}

// Argv splits the command line into exec argv.
func (d Definition) Argv() ([]string, error) {
	argv, err := shellquote.Split(d.Command)
	if err != nil {
		return nil, errors.Wrapf(err, "service %s: bad command", d.Key)
	}
	if len(argv) == 0 {
		return nil, errors.Newf("service %s: empty command", d.Key)
	}
	return argv, nil
}

type definitionsFile struct {
	Services []Definition `yaml:"services"`
}

// LoadDefinitions reads and validates a YAML definitions file.
func LoadDefinitions(path string) ([]Definition, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read service definitions")
	}
	var f definitionsFile
	if err := yaml.Unmarshal(buf, &f); err != nil {
		return nil, errors.Wrap(err, "parse service definitions")
	}
	if err := ValidateGraph(f.Services); err != nil {
		return nil, err
	}
	return f.Services, nil
}

// ValidateGraph rejects duplicate keys, unknown dependencies and cycles.
func ValidateGraph(defs []Definition) error {
	byKey := make(map[string]Definition, len(defs))
	for _, d := range defs {
		if d.Key == "" {
			return errors.New("service with empty key")
		}
		if _, dup := byKey[d.Key]; dup {
			return errors.Newf("duplicate service key %q", d.Key)
		}
		byKey[d.Key] = d
	}
	for _, d := range defs {
		for _, dep := range d.DependsOn {
			if _, ok := byKey[dep]; !ok {
				return errors.Newf("service %q depends on unknown service %q", d.Key, dep)
			}
		}
	}
	// Cycle check: DFS with colouring.
	const (
		white = iota
		grey
		black
	)
	colour := make(map[string]int, len(defs))
	var visit func(key string) error
	visit = func(key string) error {
		switch colour[key] {
		case grey:
			return errors.Newf("dependency cycle through service %q", key)
		case black:
			return nil
		}
		colour[key] = grey
		for _, dep := range byKey[key].DependsOn {
			if err := visit(dep); err != nil {
				return err
			}
		}
		colour[key] = black
		return nil
	}
	for _, d := range defs {
		if err := visit(d.Key); err != nil {
			return err
		}
	}
	return nil
}

// StartOrder returns keys topologically sorted so that dependencies come
// before dependents.  Assumes a validated graph.
func StartOrder(defs []Definition) []string {
	byKey := make(map[string]Definition, len(defs))
	for _, d := range defs {
		byKey[d.Key] = d
	}
	seen := make(map[string]bool, len(defs))
	var order []string
	var visit func(key string)
	visit = func(key string) {
		if seen[key] {
			return
		}
		seen[key] = true
		for _, dep := range byKey[key].DependsOn {
			visit(dep)
		}
		order = append(order, key)
	}
	for _, d := range defs {
		visit(d.Key)
	}
	return order
}
