package workflow

import (
	"fmt"
	"sort"
)

// Template versions are recorded on every run as GraphVersion.
const (
	TemplateFullstack = "fullstack"
	TemplateMinimal   = "minimal"
)

var templates = map[string]func() Graph{
	TemplateFullstack: fullstackGraph,
	TemplateMinimal:   minimalGraph,
}

// Template returns a fresh copy of the named graph.
func Template(name string) (Graph, error) {
	build, ok := templates[name]
	if !ok {
		return Graph{}, fmt.Errorf("%w: %q", ErrUnknownTemplate, name)
	}
	return build(), nil
}

// TemplateNames lists the registered templates in sorted order.
func TemplateNames() []string {
	names := make([]string, 0, len(templates))
	for name := range templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func fullstackGraph() Graph {
	return Graph{
		Name:    TemplateFullstack,
		Version: "fullstack/v3",
		Steps: []Step{
			{
				Name:        "architecture",
				Criticality: Critical,
				MaxAttempts: 3,
				Description: "system architecture, data contracts and module boundaries",
			},
			{
				Name:         "backend_models",
				DependsOn:    []string{"architecture"},
				Criticality:  Critical,
				MaxAttempts:  3,
				AllowPartial: true,
				Description:  "persistence models, schemas and validation rules",
			},
			{
				Name:         "frontend_mock",
				DependsOn:    []string{"architecture"},
				Criticality:  BestEffort,
				MaxAttempts:  2,
				AllowPartial: true,
				Description:  "user interface screens backed by mock data",
			},
			{
				Name:         "backend_routes",
				DependsOn:    []string{"backend_models"},
				Criticality:  Critical,
				MaxAttempts:  3,
				AllowPartial: true,
				Description:  "HTTP routes, handlers and request validation",
			},
			{
				Name:        "testing_backend",
				DependsOn:   []string{"backend_routes"},
				Criticality: BestEffort,
				MaxAttempts: 3,
				Description: "backend unit and integration tests",
			},
			{
				Name:         "frontend_integration",
				DependsOn:    []string{"frontend_mock", "backend_routes"},
				Criticality:  Critical,
				MaxAttempts:  3,
				AllowPartial: true,
				Description:  "wire user interface to backend API",
			},
			{
				Name:        "testing_frontend",
				DependsOn:   []string{"frontend_integration"},
				Criticality: BestEffort,
				MaxAttempts: 2,
				Description: "frontend component and end-to-end tests",
			},
		},
	}
}

func minimalGraph() Graph {
	return Graph{
		Name:    TemplateMinimal,
		Version: "minimal/v1",
		Steps: []Step{
			{
				Name:        "plan",
				Criticality: Critical,
				MaxAttempts: 2,
				Description: "outline of the requested change",
			},
			{
				Name:         "implement",
				DependsOn:    []string{"plan"},
				Criticality:  Critical,
				MaxAttempts:  3,
				AllowPartial: true,
				Description:  "code implementing the plan",
			},
			{
				Name:        "review_notes",
				DependsOn:   []string{"implement"},
				Criticality: BestEffort,
				MaxAttempts: 1,
				Description: "summary of the produced change",
			},
		},
	}
}
