package moderation

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/harun/mailpilot/internal/config"
)

// ContentFilter screens chat submissions against configured keywords and
// patterns. Rules can be swapped at runtime with Update.
type ContentFilter struct {
	mu       sync.RWMutex
	enabled  bool
	keywords []string
	patterns []*regexp.Regexp
}

// New creates a new content filter.
func New(cfg config.ModerationConfig) (*ContentFilter, error) {
	f := &ContentFilter{}
	if err := f.Update(cfg); err != nil {
		return nil, err
	}
	return f, nil
}

// Update replaces the filter rules. On error the old rules stay in place.
func (f *ContentFilter) Update(cfg config.ModerationConfig) error {
	patterns := make([]*regexp.Regexp, 0, len(cfg.BlockedPatterns))
	for _, p := range cfg.BlockedPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return fmt.Errorf("invalid pattern %s: %w", p, err)
		}
		patterns = append(patterns, re)
	}

	keywords := make([]string, 0, len(cfg.BlockedKeywords))
	for _, kw := range cfg.BlockedKeywords {
		if kw = strings.TrimSpace(kw); kw != "" {
			keywords = append(keywords, strings.ToLower(kw))
		}
	}

	f.mu.Lock()
	f.enabled = cfg.Enabled
	f.keywords = keywords
	f.patterns = patterns
	f.mu.Unlock()
	return nil
}

// Check returns an error if text contains blocked content.
func (f *ContentFilter) Check(text string) error {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if !f.enabled {
		return nil
	}

	normalized := strings.ToLower(text)
	for _, kw := range f.keywords {
		if strings.Contains(normalized, kw) {
			return fmt.Errorf("contains blocked keyword: %s", kw)
		}
	}
	for i, re := range f.patterns {
		if re.MatchString(text) {
			return fmt.Errorf("matches blocked pattern #%d", i+1)
		}
	}
	return nil
}

// Allow reports whether a prompt may be submitted, with the reason when it
// may not.
func (f *ContentFilter) Allow(text string) (bool, string) {
	if err := f.Check(text); err != nil {
		return false, err.Error()
	}
	return true, ""
}
