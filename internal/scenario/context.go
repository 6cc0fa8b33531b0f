// internal/scenario/context.go
package scenario

import (
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/xkilldash9x/tether/api/schemas"
	"github.com/xkilldash9x/tether/internal/browser/session"
	"github.com/xkilldash9x/tether/internal/config"
	"github.com/xkilldash9x/tether/internal/interaction"
)

// Options carries everything a scenario context needs besides its session.
type Options struct {
	RunID       string
	Suite       *schemas.Suite
	Scenario    schemas.Scenario
	Interaction config.InteractionConfig
	// IdleQuiet is the quiet period used by idle conditions that do not set one.
	IdleQuiet time.Duration
	Logger    *zap.Logger
	Recorder  interaction.Recorder
	Now       func() time.Time
}

// Context is the per-scenario state: ids, mode, variables, the page and the engine bound
// to it. It is created when a scenario starts and discarded when it ends.
type Context struct {
	RunID     string
	Scenario  string
	SessionID string
	Mode      interaction.Mode

	Vars   *Vars
	Page   interaction.Page
	Engine *interaction.Engine

	suite     *schemas.Suite
	cfg       config.InteractionConfig
	idleQuiet time.Duration
	logger    *zap.Logger
}

// NewContext binds a fresh interaction engine to the session's page.
func NewContext(sess session.Session, opts Options) (*Context, error) {
	if sess == nil {
		panic("scenario context created with nil Session reference")
	}
	if opts.Suite == nil {
		return nil, fmt.Errorf("scenario %q has no suite", opts.Scenario.Name)
	}
	mode, err := interaction.ParseMode(opts.Scenario.Mode)
	if err != nil {
		return nil, fmt.Errorf("scenario %q: %w", opts.Scenario.Name, err)
	}
	if opts.RunID == "" {
		opts.RunID = ulid.Make().String()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.IdleQuiet <= 0 {
		opts.IdleQuiet = 500 * time.Millisecond
	}

	logger := opts.Logger.With(
		zap.String("scenario", opts.Scenario.Name),
		zap.String("session_id", sess.ID()),
	)
	builtins := map[string]string{
		VarRunID:    opts.RunID,
		VarScenario: opts.Scenario.Name,
		VarToday:    opts.Now().Format("2006-01-02"),
		VarUnique:   uniqueSuffix(),
		VarBaseURL:  strings.TrimRight(opts.Suite.BaseURL, "/"),
	}

	page := sess.Page()
	return &Context{
		RunID:     opts.RunID,
		Scenario:  opts.Scenario.Name,
		SessionID: sess.ID(),
		Mode:      mode,
		Vars:      newVars(opts.Scenario.Vars, opts.Suite.Vars, builtins),
		Page:      page,
		Engine:    interaction.New(page, opts.Interaction, logger, opts.Recorder),
		suite:     opts.Suite,
		cfg:       opts.Interaction,
		idleQuiet: opts.IdleQuiet,
		logger:    logger.Named("scenario"),
	}, nil
}

// uniqueSuffix is the random tail of a fresh ULID, lowercased.
func uniqueSuffix() string {
	id := ulid.Make().String()
	return strings.ToLower(id[len(id)-8:])
}

// URL resolves placeholders and makes paths relative to the suite base URL absolute.
func (c *Context) URL(raw string) (string, error) {
	u, err := c.Vars.Resolve(raw)
	if err != nil {
		return "", err
	}
	if strings.HasPrefix(u, "/") && c.suite.BaseURL != "" {
		u = strings.TrimRight(c.suite.BaseURL, "/") + u
	}
	return u, nil
}

// Target turns a target spec into an interaction target, following library references
// and resolving placeholders in strategy values.
func (c *Context) Target(spec schemas.TargetSpec) (interaction.Target, error) {
	if spec.IsRef() {
		lib, ok := c.suite.Target(spec.Ref)
		if !ok {
			return interaction.Target{}, fmt.Errorf("unknown target %q", spec.Ref)
		}
		spec = lib
	}

	t := interaction.Target{Description: spec.Name, Unique: spec.Unique}
	var err error
	if t.Strategies, err = c.strategies(spec.By); err != nil {
		return interaction.Target{}, fmt.Errorf("target %q: %w", spec.Name, err)
	}
	if len(spec.Modes) > 0 {
		t.PerMode = make(map[interaction.Mode][]interaction.Strategy, len(spec.Modes))
		for name, list := range spec.Modes {
			mode, err := interaction.ParseMode(name)
			if err != nil {
				return interaction.Target{}, fmt.Errorf("target %q: %w", spec.Name, err)
			}
			if t.PerMode[mode], err = c.strategies(list); err != nil {
				return interaction.Target{}, fmt.Errorf("target %q mode %s: %w", spec.Name, name, err)
			}
		}
	}
	return t, nil
}

func (c *Context) strategies(specs []schemas.StrategySpec) ([]interaction.Strategy, error) {
	out := make([]interaction.Strategy, 0, len(specs))
	for _, s := range specs {
		kind, value, err := s.Kind()
		if err != nil {
			return nil, err
		}
		if value, err = c.Vars.Resolve(value); err != nil {
			return nil, err
		}
		name, err := c.Vars.Resolve(s.Name)
		if err != nil {
			return nil, err
		}
		out = append(out, interaction.Strategy{
			Kind:  interaction.StrategyKind(kind),
			Value: value,
			Name:  name,
			Exact: s.Exact,
		})
	}
	return out, nil
}

// Condition turns a condition spec into an interaction condition. Element conditions are
// fixed to the current mode.
func (c *Context) Condition(spec schemas.ConditionSpec) (interaction.Condition, error) {
	kind, err := spec.Kind()
	if err != nil {
		return nil, err
	}

	var cond interaction.Condition
	switch kind {
	case "url":
		pattern, err := c.Vars.Resolve(spec.URL)
		if err != nil {
			return nil, err
		}
		if cond, err = interaction.URLMatches(pattern); err != nil {
			return nil, err
		}
	case "response":
		r := spec.Response
		urlPart, err := c.Vars.Resolve(r.URL)
		if err != nil {
			return nil, err
		}
		body, err := c.Vars.Resolve(r.BodyContains)
		if err != nil {
			return nil, err
		}
		cond = interaction.Response(interaction.ResponseMatch{
			URLContains:  urlPart,
			Method:       r.Method,
			Status:       interaction.StatusMatch{Code: r.Status, Class: r.StatusClass},
			BodyContains: body,
		})
	case "element":
		t, err := c.Target(spec.Element.Target)
		if err != nil {
			return nil, err
		}
		if t, err = t.ForMode(c.Mode); err != nil {
			return nil, err
		}
		state := interaction.StateVisible
		if spec.Element.State != "" {
			if state, err = interaction.ParseState(spec.Element.State); err != nil {
				return nil, err
			}
		}
		cond = interaction.ElementIs(t, state)
	case "idle":
		quiet := *spec.Idle
		if quiet <= 0 {
			quiet = c.idleQuiet
		}
		cond = interaction.NetworkIdle(quiet)
	case "delay":
		cond = interaction.Delay(spec.Delay)
	case "all", "any":
		children := spec.All
		if kind == "any" {
			children = spec.Any
		}
		built := make([]interaction.Condition, 0, len(children))
		for i, child := range children {
			cc, err := c.Condition(child)
			if err != nil {
				return nil, fmt.Errorf("%s[%d]: %w", kind, i, err)
			}
			built = append(built, cc)
		}
		if kind == "all" {
			cond = interaction.All(built...)
		} else {
			cond = interaction.Any(built...)
		}
	}

	if spec.Within > 0 {
		cond = interaction.Within(cond, spec.Within)
	}
	return cond, nil
}

// Logger returns the scenario-scoped logger.
func (c *Context) Logger() *zap.Logger { return c.logger }
