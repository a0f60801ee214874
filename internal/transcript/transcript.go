package transcript

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrEmpty is returned when exporting a transcript with no retained entries
var ErrEmpty = errors.New("transcript: no entries to export")

// Speaker attributes a fragment
type Speaker string

const (
	SpeakerUser Speaker = "user"
	SpeakerAI   Speaker = "ai"
)

// Source names the transport a fragment arrived on
type Source string

const (
	SourceSocket    Source = "socket"
	SourceMediaRoom Source = "media-room"
)

// Fragment is one piece of text as delivered by a transport
type Fragment struct {
	Speaker       Speaker
	Text          string
	IsFinal       bool
	Duration      *float64 // seconds
	Confidence    *float64 // 0-1
	Source        Source
	ParticipantID string
	Timestamp     time.Time
}

// Entry is a retained, normalized, final utterance. Entries are never mutated.
type Entry struct {
	ID              string    `json:"id"`
	Timestamp       time.Time `json:"timestamp"`
	Speaker         Speaker   `json:"speaker"`
	Text            string    `json:"text"`
	IsFinal         bool      `json:"is_final"`
	DurationSeconds *float64  `json:"duration_seconds,omitempty"`
	Confidence      *float64  `json:"confidence,omitempty"`
	Source          Source    `json:"source"`
	ParticipantID   string    `json:"participant_id,omitempty"`
}

// Agent-side markers; other bracketed text such as "[1]" or "[inaudible]" is speech content
var annotationPattern = regexp.MustCompile(`(?i)\s*\[(?:interrupted|error:[^\]]*)\]`)

// Normalize strips [interrupted] and [error: ...] markers and trims the result
func Normalize(text string) string {
	return strings.TrimSpace(annotationPattern.ReplaceAllString(text, ""))
}

// Aggregator accumulates final fragments in arrival order
type Aggregator struct {
	logger zerolog.Logger
	now    func() time.Time

	mu       sync.Mutex
	entries  []Entry
	partial  map[Speaker]string
	speaking map[Speaker]time.Time
	spoken   map[Speaker]float64
	onEntry  func(Entry)
}

// NewAggregator creates an empty aggregator
func NewAggregator(logger zerolog.Logger) *Aggregator {
	return &Aggregator{
		logger:   logger,
		now:      time.Now,
		partial:  make(map[Speaker]string),
		speaking: make(map[Speaker]time.Time),
		spoken:   make(map[Speaker]float64),
	}
}

// OnEntry registers a hook called with every retained entry
func (a *Aggregator) OnEntry(fn func(Entry)) {
	a.mu.Lock()
	a.onEntry = fn
	a.mu.Unlock()
}

// Add accepts a fragment. It returns the retained entry, or false when the
// fragment was partial or empty after normalization.
func (a *Aggregator) Add(f Fragment) (Entry, bool) {
	text := Normalize(f.Text)

	a.mu.Lock()
	if !f.IsFinal {
		if text != "" {
			a.partial[f.Speaker] = text
		}
		a.mu.Unlock()
		return Entry{}, false
	}
	delete(a.partial, f.Speaker)
	if text == "" {
		a.mu.Unlock()
		return Entry{}, false
	}

	ts := f.Timestamp
	if ts.IsZero() {
		ts = a.now()
	}

	duration := f.Duration
	if duration == nil {
		if d, ok := a.spoken[f.Speaker]; ok {
			duration = &d
			delete(a.spoken, f.Speaker)
		} else if since, ok := a.speaking[f.Speaker]; ok {
			d := a.now().Sub(since).Seconds()
			duration = &d
		}
	}

	entry := Entry{
		ID:              uuid.NewString(),
		Timestamp:       ts,
		Speaker:         f.Speaker,
		Text:            text,
		IsFinal:         true,
		DurationSeconds: duration,
		Confidence:      f.Confidence,
		Source:          f.Source,
		ParticipantID:   f.ParticipantID,
	}
	a.entries = append(a.entries, entry)
	hook := a.onEntry
	a.mu.Unlock()

	a.logger.Debug().
		Str("speaker", string(entry.Speaker)).
		Str("source", string(entry.Source)).
		Int("chars", len(entry.Text)).
		Msg("Transcript entry added")

	if hook != nil {
		hook(entry)
	}
	return entry, true
}

// MarkSpeaking brackets a speaker's activity. The measured span becomes the
// duration of that speaker's next final entry if it carries none.
func (a *Aggregator) MarkSpeaking(speaker Speaker, speaking bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if speaking {
		if _, ok := a.speaking[speaker]; !ok {
			a.speaking[speaker] = a.now()
		}
		return
	}
	if since, ok := a.speaking[speaker]; ok {
		a.spoken[speaker] = a.now().Sub(since).Seconds()
		delete(a.speaking, speaker)
	}
}

// Partial returns the latest in-progress text for a speaker
func (a *Aggregator) Partial(speaker Speaker) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.partial[speaker]
}

// Flush drops in-progress text and open speaking brackets. Retained entries stay.
func (a *Aggregator) Flush() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.partial = make(map[Speaker]string)
	a.speaking = make(map[Speaker]time.Time)
	a.spoken = make(map[Speaker]float64)
}

// Clear drops everything
func (a *Aggregator) Clear() {
	a.Flush()
	a.mu.Lock()
	a.entries = nil
	a.mu.Unlock()
}

// Entries returns a copy of the retained entries in arrival order
func (a *Aggregator) Entries() []Entry {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Entry(nil), a.entries...)
}

// Len returns the number of retained entries
func (a *Aggregator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.entries)
}

// Render formats the retained entries, one line each
func (a *Aggregator) Render() string {
	return Render(a.Entries())
}

// Export writes the transcript to dir and returns the file path
func (a *Aggregator) Export(dir, agentID string) (string, error) {
	entries := a.Entries()
	if len(entries) == 0 {
		return "", ErrEmpty
	}

	path := filepath.Join(dir, FileName(agentID))
	if err := os.WriteFile(path, []byte(Render(entries)), 0o644); err != nil {
		return "", fmt.Errorf("failed to write transcript: %w", err)
	}

	a.logger.Info().Str("path", path).Int("entries", len(entries)).Msg("Transcript exported")
	return path, nil
}

// FileName returns the export file name for an agent
func FileName(agentID string) string {
	safe := strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', ' ':
			return '_'
		}
		return r
	}, agentID)
	return fmt.Sprintf("transcript-%s.txt", safe)
}

// Render formats entries as
// [time] speaker (duration) [confidence] [source] (participant): text
func Render(entries []Entry) string {
	var b strings.Builder
	for _, e := range entries {
		b.WriteString(FormatLine(e))
		b.WriteByte('\n')
	}
	return b.String()
}

// FormatLine formats one entry. Missing duration, confidence and participant are omitted.
func FormatLine(e Entry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.Timestamp.Format("15:04:05"), e.Speaker)
	if e.DurationSeconds != nil {
		fmt.Fprintf(&b, " (%.1fs)", *e.DurationSeconds)
	}
	if e.Confidence != nil {
		fmt.Fprintf(&b, " [%.0f%%]", *e.Confidence*100)
	}
	fmt.Fprintf(&b, " [%s]", e.Source)
	if e.ParticipantID != "" {
		fmt.Fprintf(&b, " (%s)", e.ParticipantID)
	}
	fmt.Fprintf(&b, ": %s", e.Text)
	return b.String()
}
