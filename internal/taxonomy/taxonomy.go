// Package taxonomy maps free-text export labels onto canonical codes.
// Lookups are pure over an injectable table; misses resolve to
// "unknown_<table>:<folded label>" and are reported to a Sink for triage.
package taxonomy

import (
	"strings"
	"sync"
	"unicode"

	"go.uber.org/zap"
	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Sink receives labels a table could not map.
type Sink interface {
	RecordMiss(table, raw string)
}

// Table is one label -> code mapping.
type Table struct {
	name    string
	entries map[string]string
	sink    Sink
}

// New builds a table. Entry keys are folded the same way lookups are, so
// "On Approval", "ON-APPROVAL" and "on approval" share one entry.
func New(name string, entries map[string]string, sink Sink) *Table {
	folded := make(map[string]string, len(entries))
	for label, code := range entries {
		folded[Fold(label)] = code
	}
	return &Table{name: name, entries: folded, sink: sink}
}

// Name returns the table name.
func (t *Table) Name() string { return t.name }

// Unknown is the catch-all prefix for unmapped labels.
func (t *Table) Unknown() string { return "unknown_" + t.name }

// IsUnknown reports whether code came from an unmapped label.
func (t *Table) IsUnknown(code string) bool {
	return strings.HasPrefix(code, t.Unknown()+":")
}

// Lookup returns the code for raw. Empty labels map to "". Unmapped labels
// keep their folded form after the catch-all prefix, so two different
// unmapped labels never compare equal.
func (t *Table) Lookup(raw string) string {
	key := Fold(raw)
	if key == "" {
		return ""
	}
	if code, ok := t.entries[key]; ok {
		return code
	}
	if t.sink != nil {
		t.sink.RecordMiss(t.name, raw)
	}
	return t.Unknown() + ":" + key
}

var folder = cases.Fold()

// Fold reduces a label to its lookup key: accents stripped, case folded,
// runs of non-alphanumerics collapsed to a single underscore.
func Fold(s string) string {
	stripped, _, err := transform.String(transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC), s)
	if err != nil {
		stripped = s
	}
	stripped = folder.String(stripped)

	var b strings.Builder
	pendingSep := false
	for _, r := range stripped {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if pendingSep && b.Len() > 0 {
				b.WriteByte('_')
			}
			pendingSep = false
			b.WriteRune(r)
			continue
		}
		pendingSep = true
	}
	return b.String()
}

// CountingSink counts misses per table and label and logs the first
// occurrence of each.
type CountingSink struct {
	mu     sync.Mutex
	counts map[string]map[string]int
}

// NewCountingSink creates an empty CountingSink.
func NewCountingSink() *CountingSink {
	return &CountingSink{counts: make(map[string]map[string]int)}
}

// RecordMiss implements Sink.
func (s *CountingSink) RecordMiss(table, raw string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byLabel, ok := s.counts[table]
	if !ok {
		byLabel = make(map[string]int)
		s.counts[table] = byLabel
	}
	if byLabel[raw] == 0 {
		zap.L().Debug("taxonomy: unmapped label", zap.String("table", table), zap.String("label", raw))
	}
	byLabel[raw]++
}

// Counts returns a copy of the miss counters.
func (s *CountingSink) Counts() map[string]map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]map[string]int, len(s.counts))
	for table, byLabel := range s.counts {
		cp := make(map[string]int, len(byLabel))
		for label, n := range byLabel {
			cp[label] = n
		}
		out[table] = cp
	}
	return out
}

// Total returns the number of misses recorded.
func (s *CountingSink) Total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, byLabel := range s.counts {
		for _, c := range byLabel {
			n += c
		}
	}
	return n
}
