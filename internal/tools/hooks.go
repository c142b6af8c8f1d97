package tools

import (
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"

	"github.com/haasonsaas/agenthub/internal/agent"
)

// RuleAction tells the pipeline what a matched rule does.
type RuleAction string

const (
	// ActionDeny rejects the call with the rule's reason.
	ActionDeny RuleAction = "deny"

	// ActionAllow passes the call through, bypassing all remaining
	// pre-hooks.
	ActionAllow RuleAction = "allow"

	// ActionLog records the match and keeps evaluating.
	ActionLog RuleAction = "log"

	// ActionScript runs the rule's script; its completion value
	// ("deny", "allow", or anything else for no verdict) decides.
	ActionScript RuleAction = "script"
)

// HookPhase says when a rule runs relative to dispatch.
type HookPhase string

const (
	PhasePre  HookPhase = "pre"
	PhasePost HookPhase = "post"
)

// scriptTimeout bounds one hook script evaluation. Scripts are screening
// predicates, not programs; anything that runs longer is broken or hostile.
const scriptTimeout = 50 * time.Millisecond

// HookRule is a declarative screening rule. Matcher is a regexp applied to
// the tool name; InputMatchers are regexps applied to the string rendering
// of named input fields, all of which must match. Higher Priority rules
// evaluate first.
type HookRule struct {
	Name          string            `json:"name"`
	Phase         HookPhase         `json:"phase,omitempty"`
	Matcher       string            `json:"matcher"`
	InputMatchers map[string]string `json:"inputMatchers,omitempty"`
	Action        RuleAction        `json:"action"`
	Reason        string            `json:"reason,omitempty"`
	Script        string            `json:"script,omitempty"`
	Priority      int               `json:"priority,omitempty"`
}

type compiledRule struct {
	HookRule
	seq     int
	matcher *regexp.Regexp
	inputs  map[string]*regexp.Regexp
	prog    *goja.Program
}

// Decision is a pre-hook verdict. A zero Decision lets the call continue.
type Decision struct {
	Action RuleAction
	Reason string
}

// Deny builds a denying decision.
func Deny(reason string) Decision { return Decision{Action: ActionDeny, Reason: reason} }

// Allow builds a decision that bypasses the remaining pre-hooks.
func Allow() Decision { return Decision{Action: ActionAllow} }

// PreHookFunc is an imperative pre-hook. It runs after the declarative
// rules, in registration order, and may deny or allow the call.
type PreHookFunc func(call Call) Decision

// PostHookFunc observes a completed call. It cannot alter the outcome.
type PostHookFunc func(call Call, outcome agent.ToolOutcome)

// hookEngine holds the compiled rule set and the imperative hooks. Rule
// registration is rare; evaluation is per tool call, so reads take the
// shared lock.
type hookEngine struct {
	log *slog.Logger

	mu      sync.RWMutex
	seq     int
	pre     []*compiledRule
	post    []*compiledRule
	preFns  []PreHookFunc
	postFns []PostHookFunc
}

func newHookEngine(log *slog.Logger) *hookEngine {
	if log == nil {
		log = slog.Default()
	}
	return &hookEngine{log: log}
}

// AddRule compiles and registers a declarative rule. Bad regexps and script
// parse errors reject the rule here, never at call time.
func (e *hookEngine) AddRule(r HookRule) error {
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("hook rule needs a name")
	}
	if strings.TrimSpace(r.Matcher) == "" {
		return fmt.Errorf("hook rule %s: matcher is required", r.Name)
	}
	if r.Phase == "" {
		r.Phase = PhasePre
	}
	if r.Phase != PhasePre && r.Phase != PhasePost {
		return fmt.Errorf("hook rule %s: unknown phase %q", r.Name, r.Phase)
	}

	switch r.Action {
	case ActionDeny, ActionAllow, ActionLog, ActionScript:
	default:
		return fmt.Errorf("hook rule %s: unknown action %q", r.Name, r.Action)
	}
	if r.Phase == PhasePost && (r.Action == ActionDeny || r.Action == ActionAllow) {
		return fmt.Errorf("hook rule %s: post-dispatch rules can only log or script", r.Name)
	}
	if r.Action == ActionScript && strings.TrimSpace(r.Script) == "" {
		return fmt.Errorf("hook rule %s: script action needs a script", r.Name)
	}

	c := &compiledRule{HookRule: r}
	matcher, err := regexp.Compile(r.Matcher)
	if err != nil {
		return fmt.Errorf("hook rule %s: matcher: %w", r.Name, err)
	}
	c.matcher = matcher

	if len(r.InputMatchers) > 0 {
		c.inputs = make(map[string]*regexp.Regexp, len(r.InputMatchers))
		for field, pattern := range r.InputMatchers {
			re, err := regexp.Compile(pattern)
			if err != nil {
				return fmt.Errorf("hook rule %s: input matcher %s: %w", r.Name, field, err)
			}
			c.inputs[field] = re
		}
	}

	if r.Action == ActionScript {
		prog, err := goja.Compile(r.Name, r.Script, true)
		if err != nil {
			return fmt.Errorf("hook rule %s: script: %w", r.Name, err)
		}
		c.prog = prog
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.seq++
	c.seq = e.seq
	if r.Phase == PhasePost {
		e.post = insertByPriority(e.post, c)
	} else {
		e.pre = insertByPriority(e.pre, c)
	}
	e.log.Debug("hook rule registered", "rule", r.Name, "phase", r.Phase, "action", r.Action, "priority", r.Priority)
	return nil
}

// RemoveRule drops a rule by name from both phases. Returns how many were
// removed.
func (e *hookEngine) RemoveRule(name string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	removed := 0
	filter := func(rules []*compiledRule) []*compiledRule {
		out := rules[:0]
		for _, r := range rules {
			if r.Name == name {
				removed++
				continue
			}
			out = append(out, r)
		}
		return out
	}
	e.pre = filter(e.pre)
	e.post = filter(e.post)
	return removed
}

// Rules returns the registered declarative rules, pre phase first.
func (e *hookEngine) Rules() []HookRule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]HookRule, 0, len(e.pre)+len(e.post))
	for _, r := range e.pre {
		out = append(out, r.HookRule)
	}
	for _, r := range e.post {
		out = append(out, r.HookRule)
	}
	return out
}

func (e *hookEngine) AddPreHook(fn PreHookFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.preFns = append(e.preFns, fn)
}

func (e *hookEngine) AddPostHook(fn PostHookFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.postFns = append(e.postFns, fn)
}

// insertByPriority keeps rules ordered by descending priority, then by
// registration order within a priority.
func insertByPriority(rules []*compiledRule, c *compiledRule) []*compiledRule {
	rules = append(rules, c)
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority > rules[j].Priority
		}
		return rules[i].seq < rules[j].seq
	})
	return rules
}

// evaluatePre screens a call. Declarative rules run first in priority order,
// then the imperative hooks; the first deny wins, and an allow skips
// everything after it.
func (e *hookEngine) evaluatePre(call Call) Decision {
	e.mu.RLock()
	rules := make([]*compiledRule, len(e.pre))
	copy(rules, e.pre)
	fns := make([]PreHookFunc, len(e.preFns))
	copy(fns, e.preFns)
	e.mu.RUnlock()

	var input map[string]any
	inputLoaded := false
	loadInput := func() map[string]any {
		if !inputLoaded {
			m, err := call.inputMap()
			if err != nil {
				e.log.Warn("hook input decode failed", "tool", call.Tool, "error", err)
				m = map[string]any{}
			}
			input = m
			inputLoaded = true
		}
		return input
	}

	for _, r := range rules {
		if !r.matches(call.Tool, loadInput) {
			continue
		}
		switch r.Action {
		case ActionDeny:
			return Deny(r.denyReason())
		case ActionAllow:
			return Allow()
		case ActionLog:
			e.log.Info("tool call matched hook rule",
				"rule", r.Name, "agent", call.AgentID, "tool", call.Tool)
		case ActionScript:
			verdict := e.runScript(r, call.Tool, loadInput())
			switch verdict {
			case "deny":
				return Deny(r.denyReason())
			case "allow":
				return Allow()
			}
		}
	}

	for _, fn := range fns {
		d := fn(call)
		switch d.Action {
		case ActionDeny:
			if d.Reason == "" {
				d.Reason = "denied by hook"
			}
			return d
		case ActionAllow:
			return d
		}
	}
	return Decision{}
}

// runPost feeds the finished call to the post-phase rules and observers.
func (e *hookEngine) runPost(call Call, outcome agent.ToolOutcome) {
	e.mu.RLock()
	rules := make([]*compiledRule, len(e.post))
	copy(rules, e.post)
	fns := make([]PostHookFunc, len(e.postFns))
	copy(fns, e.postFns)
	e.mu.RUnlock()

	var input map[string]any
	inputLoaded := false
	loadInput := func() map[string]any {
		if !inputLoaded {
			m, err := call.inputMap()
			if err != nil {
				m = map[string]any{}
			}
			input = m
			inputLoaded = true
		}
		return input
	}

	for _, r := range rules {
		if !r.matches(call.Tool, loadInput) {
			continue
		}
		switch r.Action {
		case ActionLog:
			e.log.Info("tool call observed by hook rule",
				"rule", r.Name, "agent", call.AgentID, "tool", call.Tool, "is_error", outcome.IsError)
		case ActionScript:
			e.runScript(r, call.Tool, loadInput())
		}
	}
	for _, fn := range fns {
		fn(call, outcome)
	}
}

func (r *compiledRule) matches(tool string, loadInput func() map[string]any) bool {
	if !r.matcher.MatchString(tool) {
		return false
	}
	if len(r.inputs) == 0 {
		return true
	}
	input := loadInput()
	for field, re := range r.inputs {
		v, ok := input[field]
		if !ok {
			return false
		}
		if !re.MatchString(stringifyField(v)) {
			return false
		}
	}
	return true
}

func (r *compiledRule) denyReason() string {
	if r.Reason != "" {
		return r.Reason
	}
	return "denied by rule " + r.Name
}

// runScript evaluates a rule script against a frozen {tool, input} view and
// returns its verdict. The copy handed to the VM is the script's to mangle;
// the call itself never changes.
func (e *hookEngine) runScript(r *compiledRule, tool string, input map[string]any) string {
	vm := goja.New()
	_ = vm.Set("tool", tool)
	_ = vm.Set("input", input)

	timer := time.AfterFunc(scriptTimeout, func() {
		vm.Interrupt("hook script timeout")
	})
	defer timer.Stop()

	v, err := vm.RunProgram(r.prog)
	if err != nil {
		e.log.Warn("hook script failed", "rule", r.Name, "tool", tool, "error", err)
		return ""
	}
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return ""
	}
	s, ok := v.Export().(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(s)
}

// stringifyField renders an input field for regexp matching. Strings pass
// through; everything else takes its fmt rendering, which keeps numbers and
// bools matchable without a type ladder.
func stringifyField(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
