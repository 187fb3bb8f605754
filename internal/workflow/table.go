package workflow

import (
	"fmt"
	"slices"
	"sort"

	"pressline/internal/config"
)

// Table is one department's workflow: its ordered steps and reopen rule.
type Table struct {
	Department string
	Managers   []string
	Steps      []config.Step
	Reopen     *config.Reopen
	index      map[string]int
}

func (t *Table) Step(status string) (config.Step, bool) {
	i, ok := t.index[status]
	if !ok {
		return config.Step{}, false
	}
	return t.Steps[i], true
}

// Initial is the status new tasks start in.
func (t *Table) Initial() string {
	return t.Steps[0].Status
}

func (t *Table) Statuses() []string {
	out := make([]string, len(t.Steps))
	for i, s := range t.Steps {
		out[i] = s.Status
	}
	return out
}

func (t *Table) Terminal() []string {
	var out []string
	for _, s := range t.Steps {
		if s.Terminal {
			out = append(out, s.Status)
		}
	}
	return out
}

func (t *Table) IsTerminal(status string) bool {
	s, ok := t.Step(status)
	return ok && s.Terminal
}

func buildTables(cfg *config.Config, hooks map[string]Hook) (map[string]*Table, error) {
	tables := make(map[string]*Table, len(cfg.Departments))
	names := make([]string, 0, len(cfg.Departments))
	for name := range cfg.Departments {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		d := cfg.Departments[name]
		t := &Table{
			Department: name,
			Managers:   slices.Clone(d.Managers),
			Steps:      slices.Clone(d.Steps),
			Reopen:     d.Reopen,
			index:      make(map[string]int, len(d.Steps)),
		}
		for i, s := range t.Steps {
			if s.Hook != "" {
				if _, ok := hooks[s.Hook]; !ok {
					return nil, fmt.Errorf("department %s step %s uses unknown hook %q", name, s.Status, s.Hook)
				}
			}
			t.index[s.Status] = i
		}
		tables[name] = t
	}
	return tables, nil
}
