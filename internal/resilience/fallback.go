package resilience

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// FallbackContext is the small bundle a fallback may key on.
type FallbackContext struct {
	Domain    Domain
	Operation string
	Input     map[string]string
}

// FallbackProvider returns a deterministic stand-in result for kind. It must
// be side-effect free; ok=false means no fallback exists for this case.
type FallbackProvider[T any] interface {
	Fallback(kind Kind, fc FallbackContext) (T, bool)
}

// FallbackFunc adapts a function to FallbackProvider.
type FallbackFunc[T any] func(kind Kind, fc FallbackContext) (T, bool)

func (f FallbackFunc[T]) Fallback(kind Kind, fc FallbackContext) (T, bool) {
	return f(kind, fc)
}

// StaticFallback always returns v.
func StaticFallback[T any](v T) FallbackProvider[T] {
	return FallbackFunc[T](func(Kind, FallbackContext) (T, bool) { return v, true })
}

// AgendaFallback builds a plain agenda from the meeting details when the AI
// service cannot. Recognized inputs: title, duration (minutes), attendees
// (comma separated), description.
type AgendaFallback struct{}

func (AgendaFallback) Fallback(kind Kind, fc FallbackContext) (string, bool) {
	if kind == KindCancelled {
		return "", false
	}

	title := strings.TrimSpace(fc.Input["title"])
	if title == "" {
		title = "Meeting"
	}
	minutes, err := strconv.Atoi(strings.TrimSpace(fc.Input["duration"]))
	if err != nil || minutes <= 0 {
		minutes = 30
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Agenda: %s (%d min)\n", title, minutes)

	attendees := splitList(fc.Input["attendees"])
	if len(attendees) > 0 {
		fmt.Fprintf(&b, "Attendees: %s\n", strings.Join(attendees, ", "))
	}
	if desc := strings.TrimSpace(fc.Input["description"]); desc != "" {
		fmt.Fprintf(&b, "Purpose: %s\n", desc)
	}

	for i, item := range agendaItems(minutes) {
		fmt.Fprintf(&b, "%d. %s (%d min)\n", i+1, item.name, item.minutes)
	}
	return strings.TrimRight(b.String(), "\n"), true
}

type agendaItem struct {
	name    string
	minutes int
}

// agendaItems splits the meeting into fixed proportions: 10% welcome,
// 70% discussion, 20% next steps, with rounding absorbed by discussion.
func agendaItems(minutes int) []agendaItem {
	welcome := max(minutes/10, 1)
	next := max(minutes/5, 1)
	discussion := max(minutes-welcome-next, 1)
	return []agendaItem{
		{"Welcome and objectives", welcome},
		{"Discussion", discussion},
		{"Action items and next steps", next},
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

// messageFallbacks are deterministic assistant replies per domain and kind.
var messageFallbacks = map[Domain]map[Kind]string{
	DomainAIService: {
		KindContentFiltered:   "I can't help with that request as written. Could you rephrase it?",
		KindContextLength:     "That's a bit long for me to handle at once. Could you shorten it?",
		KindRateLimitExceeded: "I'm getting a lot of requests right now. Here's a basic version while I catch up.",
		KindQuotaExceeded:     "Smart suggestions are paused for now. Here's a basic version instead.",
	},
	DomainCalendarAPI: {
		KindInvalidRequest: "I couldn't create that event as entered. Please check the date, time and attendees.",
		KindNotFound:       "That event no longer exists on your calendar.",
		KindConflict:       "That event was changed elsewhere. Refresh and try again.",
	},
}

// MessageFallbacks returns deterministic user-facing text by domain and
// kind, falling back to the generic message for the kind.
type MessageFallbacks struct{}

func (MessageFallbacks) Fallback(kind Kind, fc FallbackContext) (string, bool) {
	if kind == KindCancelled {
		return "", false
	}
	if byKind, ok := messageFallbacks[fc.Domain]; ok {
		if msg, ok := byKind[kind]; ok {
			return msg, true
		}
	}
	if msg, ok := userMessages[kind]; ok {
		return msg, true
	}
	return userMessages[KindUnknown], true
}
