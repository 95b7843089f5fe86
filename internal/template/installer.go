// Package template installs named-task templates: the catalog rows
// (namespace, dependent systems, named steps, and the step bindings with
// their dependency lists) that task submission later materializes a DAG
// from. Definitions are validated before anything is written, so the edge
// set a task inherits is acyclic by construction.
package template

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/ardenhq/flowengine/internal/data/repos/catalog"
	types "github.com/ardenhq/flowengine/internal/domain"
	flowerrors "github.com/ardenhq/flowengine/internal/errors"
	"github.com/ardenhq/flowengine/internal/platform/logger"
)

// StepDefinition declares one step of a template. DependsOn names other
// steps of the same template by their Name.
type StepDefinition struct {
	DependentSystem string
	Name            string

	Skippable  bool
	Retryable  bool
	RetryLimit *int

	DependsOn []string
}

// Definition declares a whole named-task template.
type Definition struct {
	Namespace     string
	Name          string
	Version       string
	Configuration datatypes.JSON

	Steps []StepDefinition
}

// Validate checks a definition without touching the database: the name
// triple is present, step names are unique and non-empty, every DependsOn
// entry names a step in the same definition, and the dependency graph has
// no cycle.
func Validate(def Definition) error {
	if def.Namespace == "" || def.Name == "" || def.Version == "" {
		return &flowerrors.ValidationError{Message: "namespace, name, and version are required"}
	}
	if len(def.Steps) == 0 {
		return &flowerrors.ValidationError{Field: "steps", Message: "a template needs at least one step"}
	}

	byName := make(map[string]StepDefinition, len(def.Steps))
	for _, s := range def.Steps {
		if s.Name == "" {
			return &flowerrors.ValidationError{Field: "steps", Message: "step name must not be empty"}
		}
		if s.DependentSystem == "" {
			return &flowerrors.ValidationError{Field: "steps", Message: fmt.Sprintf("step %q has no dependent system", s.Name)}
		}
		if _, dup := byName[s.Name]; dup {
			return &flowerrors.ValidationError{Field: "steps", Message: fmt.Sprintf("duplicate step name %q", s.Name)}
		}
		byName[s.Name] = s
	}

	for _, s := range def.Steps {
		for _, dep := range s.DependsOn {
			if _, ok := byName[dep]; !ok {
				return &flowerrors.ValidationError{
					Field:   "steps",
					Message: fmt.Sprintf("step %q depends on unknown step %q", s.Name, dep),
				}
			}
			if dep == s.Name {
				return &flowerrors.ValidationError{
					Field:   "steps",
					Message: fmt.Sprintf("step %q depends on itself", s.Name),
				}
			}
		}
	}

	if cycle := findCycle(def.Steps); len(cycle) > 0 {
		return &flowerrors.ValidationError{
			Field:   "steps",
			Message: fmt.Sprintf("dependency cycle: %v", cycle),
		}
	}
	return nil
}

// findCycle runs Kahn's algorithm over the step dependency graph and
// returns the names left unresolved when no cycle-free order exists.
func findCycle(steps []StepDefinition) []string {
	indegree := make(map[string]int, len(steps))
	dependents := make(map[string][]string, len(steps))
	for _, s := range steps {
		indegree[s.Name] += 0
		for _, dep := range s.DependsOn {
			indegree[s.Name]++
			dependents[dep] = append(dependents[dep], s.Name)
		}
	}

	var queue []string
	for name, d := range indegree {
		if d == 0 {
			queue = append(queue, name)
		}
	}
	resolved := 0
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		resolved++
		for _, next := range dependents[name] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if resolved == len(indegree) {
		return nil
	}
	var stuck []string
	for name, d := range indegree {
		if d > 0 {
			stuck = append(stuck, name)
		}
	}
	return stuck
}

// Installer writes validated definitions into the catalog tables.
type Installer struct {
	db      *gorm.DB
	catalog catalog.Repo
	log     *logger.Logger
}

func NewInstaller(db *gorm.DB, catalogRepo catalog.Repo, baseLog *logger.Logger) *Installer {
	return &Installer{db: db, catalog: catalogRepo, log: baseLog.With("component", "TemplateInstaller")}
}

// Install validates def and writes its catalog rows in one transaction. It
// is idempotent per (namespace, name, version): re-installing an existing
// template returns the existing NamedTask without rewriting its bindings.
func (i *Installer) Install(ctx context.Context, def Definition) (*types.NamedTask, error) {
	if err := Validate(def); err != nil {
		return nil, err
	}

	var installed *types.NamedTask
	err := i.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := i.catalog.EnsureTaskNamespace(ctx, tx, def.Namespace); err != nil {
			return err
		}

		existing, err := i.catalog.GetNamedTaskByNNV(ctx, tx, def.Namespace, def.Name, def.Version)
		if err != nil {
			return err
		}
		if existing != nil {
			installed = existing
			return nil
		}

		namedTask, err := i.catalog.EnsureNamedTask(ctx, tx, &types.NamedTask{
			Namespace:     def.Namespace,
			Name:          def.Name,
			Version:       def.Version,
			Configuration: def.Configuration,
		})
		if err != nil {
			return err
		}
		installed = namedTask

		stepIDByName := make(map[string]uuid.UUID, len(def.Steps))
		for _, s := range def.Steps {
			system, err := i.catalog.EnsureDependentSystem(ctx, tx, s.DependentSystem)
			if err != nil {
				return err
			}
			namedStep, err := i.catalog.EnsureNamedStep(ctx, tx, system.ID, s.Name)
			if err != nil {
				return err
			}
			stepIDByName[s.Name] = namedStep.ID
		}

		for _, s := range def.Steps {
			deps := make([]uuid.UUID, 0, len(s.DependsOn))
			for _, dep := range s.DependsOn {
				deps = append(deps, stepIDByName[dep])
			}
			retryable := s.Retryable
			binding := &types.NamedTasksNamedSteps{
				NamedTaskID:           namedTask.ID,
				NamedStepID:           stepIDByName[s.Name],
				Skippable:             s.Skippable,
				DefaultRetryable:      retryable,
				DefaultRetryLimit:     s.RetryLimit,
				DependsOnNamedStepIDs: deps,
			}
			if _, err := i.catalog.CreateBinding(ctx, tx, binding); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	i.log.Info("template installed",
		"namespace", def.Namespace, "name", def.Name, "version", def.Version,
		"steps", len(def.Steps))
	return installed, nil
}
