package models

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// CollectionWindow describes the span a fetch call must cover. Start is
// inclusive, End exclusive. Symbols optionally scopes the window to a set of
// entities; an empty set means "every entity the collector knows about".
type CollectionWindow struct {
	Start   time.Time `json:"start"`
	End     time.Time `json:"end"`
	Symbols []string  `json:"symbols,omitempty"`
}

// NewWindow builds a window with a normalised (deduplicated, sorted) copy of
// the provided symbols so callers cannot mutate it afterwards.
func NewWindow(start, end time.Time, symbols ...string) CollectionWindow {
	return CollectionWindow{
		Start:   start.UTC(),
		End:     end.UTC(),
		Symbols: normalizeSymbols(symbols),
	}
}

func normalizeSymbols(symbols []string) []string {
	if len(symbols) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, ok := set[s]; ok {
			continue
		}
		set[s] = struct{}{}
		out = append(out, s)
	}
	if len(out) == 0 {
		return nil
	}
	sort.Strings(out)
	return out
}

// Span returns the duration covered by the window.
func (w CollectionWindow) Span() time.Duration {
	return w.End.Sub(w.Start)
}

// IsEmpty reports whether the window covers no time at all.
func (w CollectionWindow) IsEmpty() bool {
	return !w.End.After(w.Start)
}

// Contains reports whether t falls inside [Start, End).
func (w CollectionWindow) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// HasSymbol reports whether the window is scoped to the given symbol. An
// unscoped window matches every symbol.
func (w CollectionWindow) HasSymbol(symbol string) bool {
	if len(w.Symbols) == 0 {
		return true
	}
	i := sort.SearchStrings(w.Symbols, symbol)
	return i < len(w.Symbols) && w.Symbols[i] == symbol
}

// Split cuts the window into consecutive sub-windows no longer than maxSpan.
// A non-positive maxSpan returns the window unchanged.
func (w CollectionWindow) Split(maxSpan time.Duration) []CollectionWindow {
	if maxSpan <= 0 || w.Span() <= maxSpan {
		return []CollectionWindow{w}
	}
	out := make([]CollectionWindow, 0, int(w.Span()/maxSpan)+1)
	for start := w.Start; start.Before(w.End); start = start.Add(maxSpan) {
		end := start.Add(maxSpan)
		if end.After(w.End) {
			end = w.End
		}
		out = append(out, CollectionWindow{Start: start, End: end, Symbols: w.Symbols})
	}
	return out
}

func (w CollectionWindow) String() string {
	s := fmt.Sprintf("[%s, %s)", w.Start.Format(time.RFC3339), w.End.Format(time.RFC3339))
	if len(w.Symbols) > 0 {
		s += " " + strings.Join(w.Symbols, ",")
	}
	return s
}

// GapReason classifies why a window needs to be backfilled.
type GapReason string

const (
	GapMissing    GapReason = "missing"
	GapStale      GapReason = "stale"
	GapLowQuality GapReason = "low_quality"
)

// GapDescriptor is a window that must be replayed together with the reason it
// was selected. It is derived from the store on every backfill request and is
// never persisted.
type GapDescriptor struct {
	Window CollectionWindow `json:"window"`
	Reason GapReason        `json:"reason"`
}
