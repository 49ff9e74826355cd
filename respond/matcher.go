package respond

import (
	"sort"
	"sync"
	"time"

	"github.com/dlclark/regexp2"
	"go.uber.org/zap"

	"sentinel/core"
)

// patternMatchTimeout bounds regex evaluation so a pathological pattern in an
// operator-authored playbook cannot stall the match path.
const patternMatchTimeout = 500 * time.Millisecond

// Matcher selects the playbook for a threat. Selection is deterministic:
// highest priority first, playbook ID as the tiebreak, first match wins.
type Matcher struct {
	logger *zap.SugaredLogger

	mu    sync.Mutex
	cache map[string]*regexp2.Regexp
}

func NewMatcher(logger *zap.SugaredLogger) *Matcher {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Matcher{
		logger: logger,
		cache:  make(map[string]*regexp2.Regexp),
	}
}

// Match returns the first enabled playbook whose trigger accepts the threat,
// or nil when none applies.
func (m *Matcher) Match(threat *core.ThreatEvent, playbooks []*core.ResponsePlaybook) *core.ResponsePlaybook {
	ordered := make([]*core.ResponsePlaybook, 0, len(playbooks))
	for _, p := range playbooks {
		if p.Enabled {
			ordered = append(ordered, p)
		}
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].Priority != ordered[j].Priority {
			return ordered[i].Priority > ordered[j].Priority
		}
		return ordered[i].ID < ordered[j].ID
	})

	for _, p := range ordered {
		if m.triggerMatches(&p.Trigger, threat) {
			return p
		}
	}
	return nil
}

func (m *Matcher) triggerMatches(cond *core.TriggerCondition, threat *core.ThreatEvent) bool {
	if len(cond.ThreatTypes) > 0 {
		found := false
		for _, tt := range cond.ThreatTypes {
			if tt == threat.ThreatType {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if cond.MinSeverity != "" && threat.Severity.Ordinal() < cond.MinSeverity.Ordinal() {
		return false
	}
	if threat.RiskScore < cond.MinRiskScore {
		return false
	}
	if threat.Confidence < cond.MinConfidence {
		return false
	}

	if len(cond.SourcePatterns) > 0 {
		matched := false
		for _, pattern := range cond.SourcePatterns {
			if m.patternMatches(pattern, threat.SourceIP) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

func (m *Matcher) patternMatches(pattern, source string) bool {
	if source == "" {
		return false
	}

	re, err := m.compile(pattern)
	if err != nil {
		m.logger.Warnw("invalid source pattern", "pattern", pattern, "error", err)
		return false
	}
	ok, err := re.MatchString(source)
	if err != nil {
		// Timeout or evaluation failure counts as no match.
		m.logger.Warnw("source pattern evaluation failed", "pattern", pattern, "error", err)
		return false
	}
	return ok
}

func (m *Matcher) compile(pattern string) (*regexp2.Regexp, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if re, ok := m.cache[pattern]; ok {
		return re, nil
	}
	re, err := regexp2.Compile(pattern, regexp2.RE2)
	if err != nil {
		return nil, err
	}
	re.MatchTimeout = patternMatchTimeout
	m.cache[pattern] = re
	return re, nil
}
