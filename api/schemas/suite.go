// api/schemas/suite.go
package schemas

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// -- Suite Schemas --

// Suite is a declarative set of scenarios sharing a base URL, variables and a target library.
type Suite struct {
	Name      string                `yaml:"name" json:"name"`
	BaseURL   string                `yaml:"base_url" json:"base_url"`
	Vars      map[string]string     `yaml:"vars,omitempty" json:"vars,omitempty"`
	Targets   map[string]TargetSpec `yaml:"targets,omitempty" json:"targets,omitempty"`
	Faults    []Fault               `yaml:"faults,omitempty" json:"faults,omitempty"`
	Scenarios []Scenario            `yaml:"scenarios" json:"scenarios"`
}

// Scenario is an ordered list of steps run against one isolated browser session.
type Scenario struct {
	Name  string            `yaml:"name" json:"name"`
	Tags  []string          `yaml:"tags,omitempty" json:"tags,omitempty"`
	Mode  string            `yaml:"mode,omitempty" json:"mode,omitempty"`
	Vars  map[string]string `yaml:"vars,omitempty" json:"vars,omitempty"`
	Steps []Step            `yaml:"steps" json:"steps"`
}

// Fault declares a response or delay the fault proxy injects for matching requests.
type Fault struct {
	URLContains string        `yaml:"url_contains" json:"url_contains"`
	Method      string        `yaml:"method,omitempty" json:"method,omitempty"`
	Status      int           `yaml:"status,omitempty" json:"status,omitempty"`
	Delay       time.Duration `yaml:"delay,omitempty" json:"delay,omitempty"`
	Body        string        `yaml:"body,omitempty" json:"body,omitempty"`
}

// -- Target Schemas --

// StrategySpec is one locator strategy. Exactly one of the kind fields must be set.
type StrategySpec struct {
	TestID      string `yaml:"test_id,omitempty" json:"test_id,omitempty"`
	Role        string `yaml:"role,omitempty" json:"role,omitempty"`
	Name        string `yaml:"name,omitempty" json:"name,omitempty"`
	CSS         string `yaml:"css,omitempty" json:"css,omitempty"`
	Text        string `yaml:"text,omitempty" json:"text,omitempty"`
	Label       string `yaml:"label,omitempty" json:"label,omitempty"`
	Placeholder string `yaml:"placeholder,omitempty" json:"placeholder,omitempty"`
	Exact       bool   `yaml:"exact,omitempty" json:"exact,omitempty"`
}

// Kind returns the strategy kind and value, or an error unless exactly one kind is set.
func (s StrategySpec) Kind() (kind, value string, err error) {
	set := 0
	for _, kv := range [...][2]string{
		{"test_id", s.TestID},
		{"role", s.Role},
		{"css", s.CSS},
		{"text", s.Text},
		{"label", s.Label},
		{"placeholder", s.Placeholder},
	} {
		if kv[1] == "" {
			continue
		}
		set++
		kind, value = kv[0], kv[1]
	}
	switch {
	case set == 0:
		return "", "", errors.New("strategy sets no kind (want one of test_id, role, css, text, label, placeholder)")
	case set > 1:
		return "", "", fmt.Errorf("strategy sets %d kinds, want exactly one", set)
	}
	if s.Name != "" && kind != "role" {
		return "", "", fmt.Errorf("strategy %s does not take a name", kind)
	}
	return kind, value, nil
}

// TargetSpec is a logical UI element. In YAML it is either the name of a library
// target or an inline mapping.
type TargetSpec struct {
	// Ref names a library target. It is set when the YAML node is a plain string.
	Ref string `yaml:"-" json:"ref,omitempty"`

	Name   string                    `yaml:"name,omitempty" json:"name,omitempty"`
	Unique bool                      `yaml:"unique,omitempty" json:"unique,omitempty"`
	By     []StrategySpec            `yaml:"by,omitempty" json:"by,omitempty"`
	Modes  map[string][]StrategySpec `yaml:"modes,omitempty" json:"modes,omitempty"`
}

// UnmarshalYAML accepts a scalar reference or an inline target mapping.
func (t *TargetSpec) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		if strings.TrimSpace(node.Value) == "" {
			return fmt.Errorf("line %d: empty target reference", node.Line)
		}
		*t = TargetSpec{Ref: node.Value}
		return nil
	}
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: target must be a name or a mapping", node.Line)
	}
	type plain TargetSpec
	var p plain
	if err := node.Decode(&p); err != nil {
		return err
	}
	*t = TargetSpec(p)
	return nil
}

// MarshalYAML writes references back as plain strings.
func (t TargetSpec) MarshalYAML() (interface{}, error) {
	if t.Ref != "" {
		return t.Ref, nil
	}
	type plain TargetSpec
	return plain(t), nil
}

// IsRef reports whether the target points into the suite's target library.
func (t TargetSpec) IsRef() bool { return t.Ref != "" }

// Validate checks an inline target. References are checked against the library by Suite.Validate.
func (t TargetSpec) Validate() error {
	if t.IsRef() {
		return nil
	}
	if len(t.By) == 0 && len(t.Modes) == 0 {
		return fmt.Errorf("target %q has no strategies", t.Name)
	}
	for i, s := range t.By {
		if _, _, err := s.Kind(); err != nil {
			return fmt.Errorf("target %q strategy %d: %w", t.Name, i, err)
		}
	}
	for mode, list := range t.Modes {
		if mode != "add" && mode != "edit" {
			return fmt.Errorf("target %q has unknown mode %q", t.Name, mode)
		}
		for i, s := range list {
			if _, _, err := s.Kind(); err != nil {
				return fmt.Errorf("target %q mode %s strategy %d: %w", t.Name, mode, i, err)
			}
		}
	}
	return nil
}

// -- Condition Schemas --

// ResponseSpec matches a network response. URL is a substring match.
type ResponseSpec struct {
	URL          string `yaml:"url,omitempty" json:"url,omitempty"`
	Method       string `yaml:"method,omitempty" json:"method,omitempty"`
	Status       int    `yaml:"status,omitempty" json:"status,omitempty"`
	StatusClass  int    `yaml:"status_class,omitempty" json:"status_class,omitempty"`
	BodyContains string `yaml:"body_contains,omitempty" json:"body_contains,omitempty"`
}

// ElementSpec waits for a target to reach a state.
type ElementSpec struct {
	Target TargetSpec `yaml:"target" json:"target"`
	State  string     `yaml:"state,omitempty" json:"state,omitempty"`
}

// ConditionSpec is a waitable condition. Exactly one kind field must be set.
type ConditionSpec struct {
	URL      string          `yaml:"url,omitempty" json:"url,omitempty"`
	Response *ResponseSpec   `yaml:"response,omitempty" json:"response,omitempty"`
	Element  *ElementSpec    `yaml:"element,omitempty" json:"element,omitempty"`
	Idle     *time.Duration  `yaml:"idle,omitempty" json:"idle,omitempty"`
	Delay    time.Duration   `yaml:"delay,omitempty" json:"delay,omitempty"`
	All      []ConditionSpec `yaml:"all,omitempty" json:"all,omitempty"`
	Any      []ConditionSpec `yaml:"any,omitempty" json:"any,omitempty"`

	// Within bounds this condition independently of the enclosing timeout.
	Within time.Duration `yaml:"within,omitempty" json:"within,omitempty"`
}

// Kind names the condition, or returns an error unless exactly one kind is set.
func (c ConditionSpec) Kind() (string, error) {
	var kinds []string
	if c.URL != "" {
		kinds = append(kinds, "url")
	}
	if c.Response != nil {
		kinds = append(kinds, "response")
	}
	if c.Element != nil {
		kinds = append(kinds, "element")
	}
	if c.Idle != nil {
		kinds = append(kinds, "idle")
	}
	if c.Delay > 0 {
		kinds = append(kinds, "delay")
	}
	if len(c.All) > 0 {
		kinds = append(kinds, "all")
	}
	if len(c.Any) > 0 {
		kinds = append(kinds, "any")
	}
	switch len(kinds) {
	case 0:
		return "", errors.New("condition sets no kind (want one of url, response, element, idle, delay, all, any)")
	case 1:
		return kinds[0], nil
	default:
		return "", fmt.Errorf("condition sets several kinds %v, wrap them in all or any", kinds)
	}
}

func (c ConditionSpec) validate(s *Suite) error {
	kind, err := c.Kind()
	if err != nil {
		return err
	}
	switch kind {
	case "element":
		return s.checkTarget(c.Element.Target)
	case "all", "any":
		children := c.All
		if kind == "any" {
			children = c.Any
		}
		for i, child := range children {
			if err := child.validate(s); err != nil {
				return fmt.Errorf("%s[%d]: %w", kind, i, err)
			}
		}
	}
	return nil
}

// -- Step Schemas --

// FillSpec types a value into a target. The value is read back afterwards unless NoVerify is set.
type FillSpec struct {
	Target   TargetSpec `yaml:"target" json:"target"`
	Value    string     `yaml:"value" json:"value"`
	NoVerify bool       `yaml:"no_verify,omitempty" json:"no_verify,omitempty"`
}

// SelectSpec picks an option by value, label or visible text.
type SelectSpec struct {
	Target TargetSpec `yaml:"target" json:"target"`
	Option string     `yaml:"option" json:"option"`
}

// ExpectSpec reads a value and compares it. Read is value, text or url.
type ExpectSpec struct {
	Target   *TargetSpec `yaml:"target,omitempty" json:"target,omitempty"`
	Read     string      `yaml:"read,omitempty" json:"read,omitempty"`
	Equals   *string     `yaml:"equals,omitempty" json:"equals,omitempty"`
	Contains string      `yaml:"contains,omitempty" json:"contains,omitempty"`
	Expr     string      `yaml:"expr,omitempty" json:"expr,omitempty"`
}

// Step kinds.
const (
	StepNavigate = "navigate"
	StepClick    = "click"
	StepFill     = "fill"
	StepSelect   = "select"
	StepClear    = "clear"
	StepAwait    = "await"
	StepExpect   = "expect"
	StepSet      = "set"
	StepMode     = "mode"
	StepSleep    = "sleep"
)

// Step is one scenario instruction. Exactly one action field must be set; the remaining
// fields tune how it runs.
type Step struct {
	Name string `yaml:"name,omitempty" json:"name,omitempty"`

	Navigate string            `yaml:"navigate,omitempty" json:"navigate,omitempty"`
	Click    *TargetSpec       `yaml:"click,omitempty" json:"click,omitempty"`
	Fill     *FillSpec         `yaml:"fill,omitempty" json:"fill,omitempty"`
	Select   *SelectSpec       `yaml:"select,omitempty" json:"select,omitempty"`
	Clear    *TargetSpec       `yaml:"clear,omitempty" json:"clear,omitempty"`
	Await    *ConditionSpec    `yaml:"await,omitempty" json:"await,omitempty"`
	Expect   *ExpectSpec       `yaml:"expect,omitempty" json:"expect,omitempty"`
	Set      map[string]string `yaml:"set,omitempty" json:"set,omitempty"`
	Mode     string            `yaml:"mode,omitempty" json:"mode,omitempty"`
	Sleep    time.Duration     `yaml:"sleep,omitempty" json:"sleep,omitempty"`

	WaitFor  *ConditionSpec `yaml:"wait_for,omitempty" json:"wait_for,omitempty"`
	Timeout  time.Duration  `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Attempts int            `yaml:"attempts,omitempty" json:"attempts,omitempty"`
	Soft     bool           `yaml:"soft,omitempty" json:"soft,omitempty"`
}

// Kind names the step action, or returns an error unless exactly one action is set.
func (s Step) Kind() (string, error) {
	var kinds []string
	add := func(ok bool, k string) {
		if ok {
			kinds = append(kinds, k)
		}
	}
	add(s.Navigate != "", StepNavigate)
	add(s.Click != nil, StepClick)
	add(s.Fill != nil, StepFill)
	add(s.Select != nil, StepSelect)
	add(s.Clear != nil, StepClear)
	add(s.Await != nil, StepAwait)
	add(s.Expect != nil, StepExpect)
	add(len(s.Set) > 0, StepSet)
	add(s.Mode != "", StepMode)
	add(s.Sleep > 0, StepSleep)

	switch len(kinds) {
	case 0:
		return "", errors.New("step has no action")
	case 1:
		return kinds[0], nil
	default:
		return "", fmt.Errorf("step sets several actions %v", kinds)
	}
}

func (s Step) validate(suite *Suite) error {
	kind, err := s.Kind()
	if err != nil {
		return err
	}
	if s.Timeout < 0 || s.Attempts < 0 {
		return errors.New("timeout and attempts must not be negative")
	}
	if s.WaitFor != nil {
		switch kind {
		case StepClick, StepFill, StepSelect, StepClear, StepNavigate:
		default:
			return fmt.Errorf("wait_for is not supported on %s steps", kind)
		}
		if err := s.WaitFor.validate(suite); err != nil {
			return fmt.Errorf("wait_for: %w", err)
		}
	}

	switch kind {
	case StepClick:
		return suite.checkTarget(*s.Click)
	case StepClear:
		return suite.checkTarget(*s.Clear)
	case StepFill:
		return suite.checkTarget(s.Fill.Target)
	case StepSelect:
		if s.Select.Option == "" {
			return errors.New("select requires an option")
		}
		return suite.checkTarget(s.Select.Target)
	case StepAwait:
		return s.Await.validate(suite)
	case StepExpect:
		return s.Expect.validate(suite)
	case StepMode:
		if m := strings.ToLower(s.Mode); m != "add" && m != "edit" {
			return fmt.Errorf("unknown mode %q (want add or edit)", s.Mode)
		}
	}
	return nil
}

func (e *ExpectSpec) validate(s *Suite) error {
	switch e.Read {
	case "url":
		if e.Target != nil {
			return errors.New("expect with read url takes no target")
		}
	case "", "value", "text":
		if e.Target == nil {
			return errors.New("expect requires a target")
		}
		if err := s.checkTarget(*e.Target); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown read %q (want value, text or url)", e.Read)
	}
	if e.Equals == nil && e.Contains == "" && e.Expr == "" {
		return errors.New("expect requires equals, contains or expr")
	}
	return nil
}

// -- Loading --

// ParseSuite decodes and validates a suite document. Unknown fields are rejected.
func ParseSuite(data []byte) (*Suite, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var s Suite
	if err := dec.Decode(&s); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("suite document is empty")
		}
		return nil, fmt.Errorf("failed to decode suite: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// LoadSuite reads and parses a suite file.
func LoadSuite(path string) (*Suite, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read suite file: %w", err)
	}
	s, err := ParseSuite(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// Validate checks scenario names, steps and target references.
func (s *Suite) Validate() error {
	if len(s.Scenarios) == 0 {
		return errors.New("suite has no scenarios")
	}
	for name, t := range s.Targets {
		if t.IsRef() {
			return fmt.Errorf("library target %q must be defined inline", name)
		}
		if err := t.Validate(); err != nil {
			return fmt.Errorf("library target %q: %w", name, err)
		}
	}
	for i, f := range s.Faults {
		if f.URLContains == "" {
			return fmt.Errorf("fault %d requires url_contains", i)
		}
	}

	seen := make(map[string]bool, len(s.Scenarios))
	for i, sc := range s.Scenarios {
		if strings.TrimSpace(sc.Name) == "" {
			return fmt.Errorf("scenario %d has no name", i)
		}
		if seen[sc.Name] {
			return fmt.Errorf("duplicate scenario name %q", sc.Name)
		}
		seen[sc.Name] = true
		if m := strings.ToLower(sc.Mode); m != "" && m != "add" && m != "edit" {
			return fmt.Errorf("scenario %q: unknown mode %q", sc.Name, sc.Mode)
		}
		if len(sc.Steps) == 0 {
			return fmt.Errorf("scenario %q has no steps", sc.Name)
		}
		for j, step := range sc.Steps {
			if err := step.validate(s); err != nil {
				return fmt.Errorf("scenario %q step %d: %w", sc.Name, j+1, err)
			}
		}
	}
	return nil
}

// Target returns the library target called name.
func (s *Suite) Target(name string) (TargetSpec, bool) {
	t, ok := s.Targets[name]
	if ok && t.Name == "" {
		t.Name = name
	}
	return t, ok
}

func (s *Suite) checkTarget(t TargetSpec) error {
	if !t.IsRef() {
		return t.Validate()
	}
	if _, ok := s.Targets[t.Ref]; !ok {
		return fmt.Errorf("unknown target %q", t.Ref)
	}
	return nil
}
