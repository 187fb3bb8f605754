package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models pressline.yml.
type Config struct {
	Departments   map[string]Department `yaml:"departments"`
	Automation    Automation            `yaml:"automation"`
	Approval      Approval              `yaml:"approval"`
	Deadlines     Deadlines             `yaml:"deadlines"`
	Notifications Notifications         `yaml:"notifications"`
	Scheduler     Scheduler             `yaml:"scheduler"`
	Permissions   map[string][]string   `yaml:"permissions"`
	Webhooks      []Webhook             `yaml:"webhooks"`
	Users         []User                `yaml:"users"`
}

// Department holds one department's workflow table and its manager roles.
type Department struct {
	Managers []string `yaml:"managers"`
	Steps    []Step   `yaml:"steps"`
	Reopen   *Reopen  `yaml:"reopen"`
}

// Step declares a status, where it may go next, who may enter it and its on-enter hook.
type Step struct {
	Status   string   `yaml:"status"`
	Next     []string `yaml:"next"`
	Roles    []string `yaml:"roles"`
	Hook     string   `yaml:"hook"`
	Terminal bool     `yaml:"terminal"`
}

type Reopen struct {
	To    string   `yaml:"to"`
	Roles []string `yaml:"roles"`
}

type TaskTemplate struct {
	Title                string `yaml:"title"`
	Description          string `yaml:"description"`
	Department           string `yaml:"department"`
	Priority             string `yaml:"priority"`
	OffsetBusinessDays   int    `yaml:"offset_business_days"`
	DeadlineBusinessDays int    `yaml:"deadline_business_days"`
}

// ChainRule maps the title of a completed automated task to the next action.
type ChainRule struct {
	Trigger    string        `yaml:"trigger"`
	Action     string        `yaml:"action"`
	DelayHours int           `yaml:"delay_hours"`
	Task       *TaskTemplate `yaml:"task"`
}

// Chain actions understood by the orchestrator.
const (
	ActionCreateTask           = "create_task"
	ActionRequestPrintApproval = "request_print_approval"
	ActionFinalizeEdition      = "finalize_edition"
)

var chainActions = []string{ActionCreateTask, ActionRequestPrintApproval, ActionFinalizeEdition}

type Automation struct {
	MaxConcurrentEditions int            `yaml:"max_concurrent_editions"`
	FirstSteps            []TaskTemplate `yaml:"first_steps"`
	Chain                 []ChainRule    `yaml:"chain"`
}

type Approval struct {
	ExpiryDays int          `yaml:"expiry_days"`
	PrintTask  TaskTemplate `yaml:"print_task"`
}

type Deadlines struct {
	ApproachingDays      int      `yaml:"approaching_days"`
	OverdueGraceDays     int      `yaml:"overdue_grace_days"`
	SweepIntervalSeconds int      `yaml:"sweep_interval_seconds"`
	EscalationRoles      []string `yaml:"escalation_roles"`
}

type Notifications struct {
	RetentionDays  int                 `yaml:"retention_days"`
	ExtraAudiences map[string][]string `yaml:"extra_audiences"`
}

type Scheduler struct {
	PollIntervalSeconds int `yaml:"poll_interval_seconds"`
	BatchSize           int `yaml:"batch_size"`
}

type Webhook struct {
	ID             string   `yaml:"id"`
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        bool     `yaml:"enabled"`
}

type User struct {
	ID         string `yaml:"id"`
	Name       string `yaml:"name"`
	Email      string `yaml:"email"`
	Role       string `yaml:"role"`
	Department string `yaml:"department"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if len(c.Departments) == 0 {
		return fmt.Errorf("config.departments is required")
	}
	for name, d := range c.Departments {
		if err := d.validate(name); err != nil {
			return err
		}
	}
	checkTemplate := func(where string, t TaskTemplate) error {
		if t.Title == "" {
			return fmt.Errorf("%s: title is required", where)
		}
		if _, ok := c.Departments[t.Department]; !ok {
			return fmt.Errorf("%s: unknown department %q", where, t.Department)
		}
		if t.OffsetBusinessDays < 0 || t.DeadlineBusinessDays < 0 {
			return fmt.Errorf("%s: business day offsets must not be negative", where)
		}
		return nil
	}
	for i, t := range c.Automation.FirstSteps {
		if err := checkTemplate(fmt.Sprintf("automation.first_steps[%d]", i), t); err != nil {
			return err
		}
	}
	seen := map[string]bool{}
	for i, r := range c.Automation.Chain {
		where := fmt.Sprintf("automation.chain[%d]", i)
		if r.Trigger == "" {
			return fmt.Errorf("%s: trigger is required", where)
		}
		if seen[r.Trigger] {
			return fmt.Errorf("%s: duplicate trigger %q", where, r.Trigger)
		}
		seen[r.Trigger] = true
		if !slices.Contains(chainActions, r.Action) {
			return fmt.Errorf("%s: unknown action %q", where, r.Action)
		}
		if r.DelayHours < 0 {
			return fmt.Errorf("%s: delay_hours must not be negative", where)
		}
		if r.Action == ActionCreateTask {
			if r.Task == nil {
				return fmt.Errorf("%s: create_task needs a task template", where)
			}
			if err := checkTemplate(where+".task", *r.Task); err != nil {
				return err
			}
		}
	}
	if c.Approval.ExpiryDays <= 0 {
		return fmt.Errorf("config.approval.expiry_days must be positive")
	}
	if err := checkTemplate("approval.print_task", c.Approval.PrintTask); err != nil {
		return err
	}
	if c.Deadlines.ApproachingDays <= 0 || c.Deadlines.OverdueGraceDays < 0 {
		return fmt.Errorf("config.deadlines: approaching_days must be positive and overdue_grace_days not negative")
	}
	if c.Notifications.RetentionDays <= 0 {
		return fmt.Errorf("config.notifications.retention_days must be positive")
	}
	for perm, roles := range c.Permissions {
		if len(roles) == 0 {
			return fmt.Errorf("permission %s lists no roles", perm)
		}
	}
	for _, w := range c.Webhooks {
		if w.URL == "" {
			return fmt.Errorf("webhook %s has empty url", w.ID)
		}
	}
	for _, u := range c.Users {
		if u.ID == "" || u.Role == "" {
			return fmt.Errorf("config.users entries need id and role")
		}
	}
	return nil
}

func (d Department) validate(name string) error {
	if len(d.Steps) == 0 {
		return fmt.Errorf("department %s has no steps", name)
	}
	statuses := map[string]bool{}
	for _, s := range d.Steps {
		if s.Status == "" {
			return fmt.Errorf("department %s has a step without status", name)
		}
		if statuses[s.Status] {
			return fmt.Errorf("department %s declares status %s twice", name, s.Status)
		}
		statuses[s.Status] = true
	}
	for _, s := range d.Steps {
		if len(s.Roles) == 0 {
			return fmt.Errorf("department %s step %s lists no roles", name, s.Status)
		}
		if s.Terminal && len(s.Next) > 0 {
			return fmt.Errorf("department %s terminal step %s must not have next steps", name, s.Status)
		}
		for _, n := range s.Next {
			if !statuses[n] {
				return fmt.Errorf("department %s step %s points to unknown status %s", name, s.Status, n)
			}
		}
	}
	if d.Reopen != nil {
		if !statuses[d.Reopen.To] {
			return fmt.Errorf("department %s reopens into unknown status %s", name, d.Reopen.To)
		}
		if len(d.Reopen.Roles) == 0 {
			return fmt.Errorf("department %s reopen lists no roles", name)
		}
	}
	return nil
}

// ManagerRoles returns the manager roles of a department.
func (c *Config) ManagerRoles(department string) []string {
	return c.Departments[department].Managers
}

// RolesFor returns the roles granted a boundary permission.
func (c *Config) RolesFor(permission string) []string {
	return c.Permissions[permission]
}

func (c *Config) PollInterval() time.Duration {
	if c.Scheduler.PollIntervalSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.Scheduler.PollIntervalSeconds) * time.Second
}

func (c *Config) SweepInterval() time.Duration {
	if c.Deadlines.SweepIntervalSeconds <= 0 {
		return time.Hour
	}
	return time.Duration(c.Deadlines.SweepIntervalSeconds) * time.Second
}

func (c *Config) Retention() time.Duration {
	return time.Duration(c.Notifications.RetentionDays) * 24 * time.Hour
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "pressline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Load reads the workspace config, falling back to the defaults when the file is absent.
func Load(workspace string) (*Config, error) {
	cfg, err := LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return Default(), nil
	}
	return cfg, nil
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `departments:
  Sales:
    managers: [sales_manager]
    steps:
      - status: pending
        next: [in_progress, on_hold]
        roles: [sales_team, sales_manager, admin]
      - status: in_progress
        next: [review, on_hold]
        roles: [sales_team, sales_manager, admin]
        hook: mark_started
      - status: on_hold
        next: [in_progress]
        roles: [sales_team, sales_manager, admin]
        hook: notify_status
      - status: review
        next: [completed, in_progress]
        roles: [sales_team, sales_manager, admin]
        hook: request_review
      - status: completed
        roles: [sales_manager, admin]
        hook: mark_completed
        terminal: true
    reopen:
      to: in_progress
      roles: [sales_manager]

  Editorial:
    managers: [editorial_manager]
    steps:
      - status: draft
        next: [in_progress]
        roles: [editorial_team, editorial_manager, admin]
      - status: in_progress
        next: [review_requested]
        roles: [editorial_team, editorial_manager, admin]
        hook: mark_started
      - status: review_requested
        next: [approved, changes_requested]
        roles: [editorial_team, editorial_manager, admin]
        hook: request_review
      - status: changes_requested
        next: [in_progress]
        roles: [editorial_manager, sales_manager, admin]
        hook: request_changes
      - status: approved
        next: [completed]
        roles: [editorial_manager, sales_manager, admin]
        hook: notify_status
      - status: completed
        roles: [editorial_manager, sales_manager, admin]
        hook: mark_completed
        terminal: true
    reopen:
      to: in_progress
      roles: [editorial_manager]

  Design:
    managers: [design_manager]
    steps:
      - status: pending
        next: [in_progress]
        roles: [design_team, design_manager, admin]
      - status: in_progress
        next: [proof_ready]
        roles: [design_team, design_manager, admin]
        hook: mark_started
      - status: proof_ready
        next: [approved, revisions_requested]
        roles: [design_team, design_manager, admin]
        hook: request_review
      - status: revisions_requested
        next: [in_progress]
        roles: [design_manager, editorial_manager, admin]
        hook: request_changes
      - status: approved
        next: [completed]
        roles: [design_manager, editorial_manager, admin]
        hook: notify_status
      - status: completed
        roles: [design_manager, admin]
        hook: mark_completed
        terminal: true
    reopen:
      to: in_progress
      roles: [design_manager]

automation:
  max_concurrent_editions: 4
  first_steps:
    - title: Prepare Reprints
      department: Editorial
      priority: high
      offset_business_days: 2
      deadline_business_days: 2
    - title: Prepare Twitter Marketing
      department: Sales
      priority: medium
      offset_business_days: 3
      deadline_business_days: 2
  chain:
    - trigger: Prepare Reprints
      action: create_task
      delay_hours: 24
      task:
        title: Reprint Marketing Follow-up
        department: Sales
        priority: medium
        deadline_business_days: 2
    - trigger: Prepare Twitter Marketing
      action: request_print_approval
    - trigger: Generate Print
      action: finalize_edition

approval:
  expiry_days: 7
  print_task:
    title: Generate Print
    department: Design
    priority: high
    deadline_business_days: 2

deadlines:
  approaching_days: 3
  overdue_grace_days: 2
  sweep_interval_seconds: 3600
  escalation_roles: [admin]

notifications:
  retention_days: 30
  extra_audiences:
    print_approval_requested: [admin]
    automation_task_created: [sales_manager]
    edition_finalized: [admin]
    deadline_missed: [admin]

scheduler:
  poll_interval_seconds: 5
  batch_size: 50

permissions:
  automation.manage: [sales_manager, admin]
  schedule.override: [sales_manager, admin]
  approval.request: [sales_manager, editorial_manager, admin]
  edition.create: [sales_manager, editorial_manager, admin]
  edition.launch: [sales_manager, admin]
  edition.sign_off: [sales_manager, admin]
  task.create: [sales_manager, editorial_manager, design_manager, admin]
  task.assign: [sales_manager, editorial_manager, design_manager, admin]
  deadlines.sweep: [admin]
  user.manage: [admin]

users:
  - id: admin
    name: Administrator
    role: admin
`
