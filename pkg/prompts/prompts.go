// Package prompts serves the skill prompt templates. Embedded defaults are
// always available; runtime overrides (e.g. tenant-specific templates) sit
// in front of them with a TTL.
package prompts

import (
	"embed"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Well-known template names.
const (
	System          = "system"
	Quotation       = "quotation"
	Contract        = "contract"
	DeliveryNote    = "delivery_note"
	FinancialReport = "financial_report"
	Comparison      = "comparison"
	General         = "general"
	Summarize       = "summarize"
)

// WriterSkills lists the skills the writer node accepts.
var WriterSkills = []string{Quotation, Contract, DeliveryNote, FinancialReport, Comparison, General}

//go:embed templates/*.md
var templateFS embed.FS

type cacheEntry struct {
	content  string
	expireAt time.Time
}

// Loader resolves template names to prompt text. Overrides expire after
// the configured TTL and reads fall back to the embedded default.
type Loader struct {
	ttl time.Duration

	mu        sync.RWMutex
	overrides map[string]cacheEntry
	defaults  map[string]string
}

// NewLoader reads the embedded defaults. TTL <= 0 means overrides never
// expire.
func NewLoader(ttl time.Duration) (*Loader, error) {
	entries, err := templateFS.ReadDir("templates")
	if err != nil {
		return nil, fmt.Errorf("failed to read embedded templates: %w", err)
	}

	defaults := make(map[string]string, len(entries))
	for _, entry := range entries {
		name := strings.TrimSuffix(entry.Name(), ".md")
		raw, err := templateFS.ReadFile("templates/" + entry.Name())
		if err != nil {
			return nil, fmt.Errorf("failed to read template %s: %w", entry.Name(), err)
		}
		defaults[name] = string(raw)
	}

	return &Loader{
		ttl:       ttl,
		overrides: make(map[string]cacheEntry),
		defaults:  defaults,
	}, nil
}

// Get returns the template text, preferring a live override.
func (l *Loader) Get(name string) (string, error) {
	l.mu.RLock()
	entry, hasOverride := l.overrides[name]
	content, hasDefault := l.defaults[name]
	l.mu.RUnlock()

	if hasOverride && (entry.expireAt.IsZero() || time.Now().Before(entry.expireAt)) {
		return entry.content, nil
	}
	if hasDefault {
		return content, nil
	}
	return "", fmt.Errorf("unknown prompt template %q", name)
}

// Put installs an override for name, expiring after the loader TTL.
func (l *Loader) Put(name, content string) {
	entry := cacheEntry{content: content}
	if l.ttl > 0 {
		entry.expireAt = time.Now().Add(l.ttl)
	}
	l.mu.Lock()
	l.overrides[name] = entry
	l.mu.Unlock()
}

// IsWriterSkill reports whether name is an accepted writer skill.
func IsWriterSkill(name string) bool {
	for _, skill := range WriterSkills {
		if skill == name {
			return true
		}
	}
	return false
}
