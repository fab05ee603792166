package waf

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/lfrfrfr/beon-guard/internal/config"
	"github.com/lfrfrfr/beon-guard/pkg/models"
)

const (
	defaultBudget          = 5 * time.Millisecond
	defaultMaxInspectBytes = 64 << 10
	defaultLabel           = "CUSTOM_RULE_VIOLATION"
)

// Rule is a compiled pattern rule
type Rule struct {
	ID       string
	Label    string
	Severity models.Severity
	Block    bool
	re       *regexp.Regexp
}

// Category is a named list of rules evaluated together
type Category struct {
	Name        string
	ExemptPaths []string
	Rules       []Rule
}

// Match describes one rule that matched the probe
type Match struct {
	Category string          `json:"category"`
	RuleID   string          `json:"rule_id"`
	Label    string          `json:"label"`
	Severity models.Severity `json:"severity"`
	Block    bool            `json:"block"`
}

// Result is the outcome of classifying one request
type Result struct {
	Categories []string      `json:"categories"`
	Matches    []Match       `json:"matches"`
	TimedOut   bool          `json:"timed_out"`
	Truncated  bool          `json:"truncated"`
	Elapsed    time.Duration `json:"elapsed"`
}

// Blocking returns the first match whose rule demands a rejection
func (r Result) Blocking() (Match, bool) {
	for _, m := range r.Matches {
		if m.Block {
			return m, true
		}
	}
	return Match{}, false
}

// Has reports whether a category matched
func (r Result) Has(category string) bool {
	for _, c := range r.Categories {
		if c == category {
			return true
		}
	}
	return false
}

// Options tunes the matcher
type Options struct {
	Budget          time.Duration
	MaxInspectBytes int
}

// Matcher classifies requests against a compiled rule table. It holds no
// mutable state and is safe for concurrent use.
type Matcher struct {
	categories []Category
	budget     time.Duration
	maxInspect int
	now        func() time.Time
}

// New compiles the enabled categories of a rule table
func New(rules *config.RulesConfig, opts Options) (*Matcher, error) {
	if opts.Budget <= 0 {
		opts.Budget = defaultBudget
	}
	if opts.MaxInspectBytes <= 0 {
		opts.MaxInspectBytes = defaultMaxInspectBytes
	}

	m := &Matcher{
		budget:     opts.Budget,
		maxInspect: opts.MaxInspectBytes,
		now:        time.Now,
	}

	for _, cc := range rules.EnabledCategories() {
		cat := Category{Name: cc.Name, ExemptPaths: cc.ExemptPaths}
		for _, rc := range cc.Rules {
			rule, err := compileRule(rc)
			if err != nil {
				return nil, fmt.Errorf("category %s: %w", cc.Name, err)
			}
			cat.Rules = append(cat.Rules, rule)
		}
		m.categories = append(m.categories, cat)
	}

	return m, nil
}

func compileRule(rc config.RuleConfig) (Rule, error) {
	expr := rc.Pattern
	if flags := normalizeFlags(rc.Flags); flags != "" {
		expr = "(?" + flags + ")" + expr
	}

	re, err := regexp.Compile(expr)
	if err != nil {
		return Rule{}, fmt.Errorf("rule %s: invalid pattern: %w", rc.ID, err)
	}

	label := rc.Label
	if label == "" {
		label = defaultLabel
	}
	// An unset severity stays empty so the event takes its label's default
	severity := models.Severity(rc.Severity)
	if severity.Rank() == 0 {
		severity = ""
	}

	return Rule{ID: rc.ID, Label: label, Severity: severity, Block: rc.Block, re: re}, nil
}

// normalizeFlags keeps the flags RE2 understands; "g" and the like are
// meaningless for a match test and are dropped
func normalizeFlags(flags string) string {
	var b strings.Builder
	for _, f := range "ims" {
		if strings.ContainsRune(flags, f) {
			b.WriteRune(f)
		}
	}
	return b.String()
}

// Categories returns the names of the compiled categories
func (m *Matcher) Categories() []string {
	names := make([]string, len(m.categories))
	for i, c := range m.categories {
		names[i] = c.Name
	}
	return names
}

// RuleCount returns the number of compiled rules
func (m *Matcher) RuleCount() int {
	n := 0
	for _, c := range m.categories {
		n += len(c.Rules)
	}
	return n
}

// Probe builds the normalized string inspected by the rules
func Probe(req models.Request) string {
	url := req.URL
	if url == "" {
		url = req.Path
	}
	return strings.ToLower(url + " " + req.UserAgent + " " + req.Query + " " + req.Body)
}

// Classify evaluates every category against the request. Categories are
// independent; each reports at most once. Evaluation stops when the
// per-request budget or ctx expires and the result is flagged TimedOut;
// rules that were not evaluated count as no match.
func (m *Matcher) Classify(ctx context.Context, req models.Request) Result {
	start := m.now()
	deadline := start.Add(m.budget)

	probe := Probe(req)
	res := Result{}
	if len(probe) > m.maxInspect {
		probe = probe[:m.maxInspect]
		res.Truncated = true
	}

	path := strings.ToLower(req.Path)

categories:
	for _, cat := range m.categories {
		if isExempt(path, cat.ExemptPaths) {
			continue
		}

		matched := false
		for _, rule := range cat.Rules {
			if ctx.Err() != nil || m.now().After(deadline) {
				res.TimedOut = true
				break categories
			}
			if rule.re.MatchString(probe) {
				matched = true
				res.Matches = append(res.Matches, Match{
					Category: cat.Name,
					RuleID:   rule.ID,
					Label:    rule.Label,
					Severity: rule.Severity,
					Block:    rule.Block,
				})
			}
		}
		if matched {
			res.Categories = append(res.Categories, cat.Name)
		}
	}

	res.Elapsed = m.now().Sub(start)
	return res
}

func isExempt(path string, exempt []string) bool {
	for _, p := range exempt {
		if strings.HasPrefix(path, strings.ToLower(p)) {
			return true
		}
	}
	return false
}
