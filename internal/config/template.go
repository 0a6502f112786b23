package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// samTemplate covers the subset of an AWS SAM template needed to derive
// the route table: Api events under each function resource.
type samTemplate struct {
	Resources map[string]struct {
		Type       string `yaml:"Type"`
		Properties struct {
			FunctionName string `yaml:"FunctionName"`
			Events       map[string]struct {
				Type       string `yaml:"Type"`
				Properties struct {
					Path   string `yaml:"Path"`
					Method string `yaml:"Method"`
				} `yaml:"Properties"`
			} `yaml:"Events"`
		} `yaml:"Properties"`
	} `yaml:"Resources"`
}

// LoadRouteTemplate reads routes from a SAM-style template and appends
// them to the route table. The function name defaults to the resource name
// when FunctionName is not set.
func (c *ResolvedConfig) LoadRouteTemplate(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read template %s: %w", path, err)
	}

	var tmpl samTemplate
	if err := yaml.Unmarshal(data, &tmpl); err != nil {
		return fmt.Errorf("failed to parse template %s: %w", path, err)
	}

	for resource, def := range tmpl.Resources {
		name := def.Properties.FunctionName
		if name == "" {
			name = resource
		}
		for _, event := range def.Properties.Events {
			if event.Properties.Path == "" {
				continue
			}
			c.Routes = append(c.Routes, Route{
				Path:     event.Properties.Path,
				Method:   event.Properties.Method,
				Function: name,
			})
		}
	}

	return nil
}

func parseDuration(s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration must be positive: %s", s)
	}
	return d, nil
}
