// Package policy implements the command filter that gates every shell
// command before execution: a dangerous-command classifier that forces a
// confirmation round-trip, and an ordered blacklist/whitelist evaluation
// over normalized command text.
package policy

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"unicode"
)

// deletePrefixRe matches commands that start with rm, allowing leading
// whitespace. Help and version lookups are excluded separately.
var deletePrefixRe = regexp.MustCompile(`^\s*rm\s+`)

// helpFlags exclude non-destructive rm invocations from the
// confirmation workflow.
var helpFlags = []string{"--help", "--version", "-h", "-v", "--usage"}

// Rule is one compiled filter pattern. Rules are immutable after
// construction, so an Engine is safe for concurrent use without locking.
type Rule struct {
	// Pattern is the source text the rule was compiled from. It is
	// carried into deny reasons so operators can trace a rejection back
	// to their config.
	Pattern string

	// anchored is true when the pattern begins with "^". Anchored rules
	// are only ever matched against the start of the command.
	anchored bool

	// start matches at the beginning of the text only.
	start *regexp.Regexp

	// search matches anywhere in the text.
	search *regexp.Regexp
}

// Diagnostic records a pattern that failed to compile during engine
// construction. Bad patterns are dropped, never fatal: the remaining
// rules still load.
type Diagnostic struct {
	// List is "blacklist" or "whitelist".
	List    string
	Pattern string
	Err     error
}

// Decision is the outcome of evaluating one command.
type Decision struct {
	Allowed bool
	Reason  string

	// MatchedRule is the source pattern of the deny rule that fired,
	// empty for every other outcome.
	MatchedRule string
}

// Engine evaluates commands against ordered deny and allow rules.
//
// Rule order is part of the security contract: the first matching deny
// rule wins, and anchored rules match differently from unanchored ones.
// The rule lists never change after construction.
type Engine struct {
	denyRules   []Rule
	allowRules  []Rule
	allowActive bool
	diagnostics []Diagnostic
	logger      *slog.Logger
}

// NewEngine compiles the given pattern lists into an Engine.
//
// Patterns that fail to compile are dropped and recorded as diagnostics;
// construction itself never fails. An empty whitelist deactivates the
// allow-list check entirely. If more than half of the deny patterns fail
// to compile the engine logs at error level, since that silently narrows
// the deny-list.
func NewEngine(blacklist, whitelist []string, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "policy")

	e := &Engine{logger: logger}

	for _, pattern := range blacklist {
		rule, err := compileRule(pattern)
		if err != nil {
			e.diagnostics = append(e.diagnostics, Diagnostic{List: "blacklist", Pattern: pattern, Err: err})
			logger.Warn("blacklist pattern failed to compile", "pattern", pattern, "error", err)
			continue
		}
		e.denyRules = append(e.denyRules, rule)
	}

	for _, pattern := range whitelist {
		rule, err := compileRule(pattern)
		if err != nil {
			e.diagnostics = append(e.diagnostics, Diagnostic{List: "whitelist", Pattern: pattern, Err: err})
			logger.Warn("whitelist pattern failed to compile", "pattern", pattern, "error", err)
			continue
		}
		e.allowRules = append(e.allowRules, rule)
	}

	// The allow-list is active when the config names any whitelist
	// pattern, even if none of them compiled.
	e.allowActive = len(whitelist) > 0

	logger.Info("command filter initialized",
		"blacklist_rules", len(e.denyRules),
		"blacklist_patterns", len(blacklist),
		"whitelist_rules", len(e.allowRules),
		"whitelist_patterns", len(whitelist),
		"whitelist_active", e.allowActive,
	)

	if failed := len(blacklist) - len(e.denyRules); failed > 0 {
		logger.Warn("blacklist rules failed to compile", "failed", failed)
		if failed > len(blacklist)/2 {
			logger.Error("majority of blacklist rules failed to compile, deny-list is severely narrowed",
				"failed", failed, "total", len(blacklist))
		}
	}

	return e
}

func compileRule(pattern string) (Rule, error) {
	search, err := regexp.Compile(pattern)
	if err != nil {
		return Rule{}, err
	}
	// \A pins the alternative start matcher to the beginning of the
	// text regardless of what the pattern itself anchors.
	start, err := regexp.Compile(`\A(?:` + pattern + `)`)
	if err != nil {
		return Rule{}, err
	}
	return Rule{
		Pattern:  pattern,
		anchored: strings.HasPrefix(pattern, "^"),
		start:    start,
		search:   search,
	}, nil
}

// Diagnostics returns the patterns dropped during construction.
func (e *Engine) Diagnostics() []Diagnostic {
	return e.diagnostics
}

// ClassifyDangerous reports whether a command needs an explicit
// confirmation round-trip before it may run, and the category of danger.
//
// Currently this flags delete commands: normalized text starting with
// "rm" followed by whitespace, unless the invocation is a help or
// version lookup. The check runs before and independent of Evaluate.
func ClassifyDangerous(command string) (bool, string) {
	main := Normalize(command)
	if !deletePrefixRe.MatchString(main) {
		return false, ""
	}
	lower := strings.ToLower(main)
	for _, flag := range helpFlags {
		if strings.Contains(lower, flag) {
			return false, ""
		}
	}
	return true, "deletion command"
}

// Evaluate checks a command against the deny rules and, when active, the
// allow rules.
//
// Deny rules are walked in declared order and the first match wins. An
// anchored rule (pattern starting with "^") is matched against the start
// of the normalized command only. An unanchored rule is first tried
// against the start, then searched anywhere in the text; the anywhere
// pass is what catches chained commands like "; rm -rf". When no deny
// rule matches and the allow-list is active, some allow rule must match
// (start or anywhere) or the command is rejected.
func (e *Engine) Evaluate(command string) Decision {
	main := Normalize(command)

	for _, rule := range e.denyRules {
		if rule.anchored {
			if rule.start.MatchString(main) {
				return Decision{
					Allowed:     false,
					Reason:      fmt.Sprintf("command blocked by blacklist rule: %s", rule.Pattern),
					MatchedRule: rule.Pattern,
				}
			}
			continue
		}
		if rule.start.MatchString(main) || rule.search.MatchString(main) {
			return Decision{
				Allowed:     false,
				Reason:      fmt.Sprintf("command blocked by blacklist rule: %s", rule.Pattern),
				MatchedRule: rule.Pattern,
			}
		}
	}

	if e.allowActive {
		for _, rule := range e.allowRules {
			if rule.start.MatchString(main) || rule.search.MatchString(main) {
				return Decision{Allowed: true, Reason: "command passed whitelist check"}
			}
		}
		return Decision{Allowed: false, Reason: "command not in whitelist"}
	}

	return Decision{Allowed: true, Reason: "command passed filter check"}
}

// Normalize extracts the part of a command the filter rules should see:
// one leading NAME=value assignment token is stripped, everything from
// the first "#" is dropped, and surrounding whitespace is trimmed.
//
// "VAR=1 rm -rf /" therefore normalizes to "rm -rf /", so an assignment
// prefix cannot smuggle a command past an anchored rule.
func Normalize(command string) string {
	command = strings.TrimSpace(command)

	if strings.Contains(command, "=") && !strings.HasPrefix(command, "=") {
		if idx := strings.IndexFunc(command, unicode.IsSpace); idx > 0 {
			first := command[:idx]
			rest := strings.TrimLeftFunc(command[idx:], unicode.IsSpace)
			if strings.Contains(first, "=") && !strings.HasPrefix(first, "=") && rest != "" {
				command = rest
			}
		}
	}

	if i := strings.Index(command, "#"); i >= 0 {
		command = command[:i]
	}

	return strings.TrimSpace(command)
}
