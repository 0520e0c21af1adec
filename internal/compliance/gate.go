// Package compliance redacts child-privacy-sensitive fields from event
// properties before a batch is sealed.
//
// Classification is fail-closed: a key is either explicitly allowed,
// explicitly disallowed (stripped), or ambiguous (value replaced by
// RedactedValue). Allowed string values that look like contact details are
// also replaced.
package compliance

import (
	"regexp"
	"strings"

	"github.com/vincentbai/heroes-agent/internal/models"
)

// RedactedValue replaces the value of an ambiguous or suspicious field.
const RedactedValue = "[REDACTED]"

// DefaultDisallowed are normalized keys that identify a child or carry free text.
var DefaultDisallowed = []string{
	"name", "firstname", "lastname", "fullname", "studentname", "nickname", "username",
	"email", "emailaddress", "phone", "phonenumber", "mobile",
	"address", "streetaddress", "city", "zipcode", "postcode",
	"birthdate", "dateofbirth", "dob", "birthday", "age",
	"freetext", "comment", "comments", "notes", "note", "message", "response", "answertext",
	"journal", "journalentry", "description",
	"ipaddress", "ip", "latitude", "longitude", "location", "deviceid", "advertisingid",
	"parentname", "guardianname", "school", "schoolname", "teachername",
}

// disallowedFragments strip any key containing them, e.g. "guardianEmail".
var disallowedFragments = []string{"name", "email", "phone", "address", "birth"}

// DefaultAllowed are normalized keys known to carry no personal data.
var DefaultAllowed = []string{
	"screen", "activityid", "activitytype", "questionid", "step", "stepindex",
	"position", "count", "score", "maxscore", "correct", "attempt", "attempts",
	"durationms", "durationseconds", "elapsedms", "progress", "percentcomplete",
	"mood", "emotion", "intensity", "checkintype", "badgeid", "videoid", "buttonid",
	"completed", "skipped", "result", "level", "lessonnumber", "appversion", "platform", "locale",
}

var (
	emailPattern = regexp.MustCompile(`(?i)[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}`)
	phonePattern = regexp.MustCompile(`\+?\d[\d\s().\-]{7,}\d`)
)

// minPhoneDigits keeps dates and dotted versions such as 2026.03.02 from
// reading as phone numbers.
const minPhoneDigits = 10

func containsPhone(s string) bool {
	for _, match := range phonePattern.FindAllString(s, -1) {
		digits := 0
		for _, r := range match {
			if r >= '0' && r <= '9' {
				digits++
			}
		}
		if digits >= minPhoneDigits {
			return true
		}
	}
	return false
}

// Report counts what Apply changed.
type Report struct {
	Stripped int
	Replaced int
}

// Violations is the total number of redacted fields.
func (r Report) Violations() int { return r.Stripped + r.Replaced }

// Gate applies the redaction rules. A Gate is immutable after construction and
// safe for concurrent use.
type Gate struct {
	disallowed map[string]bool
	allowed    map[string]bool
}

// New builds a gate from the default lists extended with extra keys.
// A key present in both lists is treated as disallowed.
func New(extraDisallowed, extraAllowed []string) *Gate {
	g := &Gate{
		disallowed: make(map[string]bool),
		allowed:    make(map[string]bool),
	}
	for _, k := range DefaultDisallowed {
		g.disallowed[normalize(k)] = true
	}
	for _, k := range extraDisallowed {
		if n := normalize(k); n != "" {
			g.disallowed[n] = true
		}
	}
	for _, k := range DefaultAllowed {
		g.allowed[normalize(k)] = true
	}
	for _, k := range extraAllowed {
		if n := normalize(k); n != "" {
			g.allowed[n] = true
		}
	}
	return g
}

// Apply returns redacted copies of events. The input is not modified.
func (g *Gate) Apply(events []models.Event) ([]models.Event, Report) {
	var report Report
	out := make([]models.Event, len(events))
	for i, e := range events {
		out[i] = e
		out[i].Properties = g.redactMap(e.Properties, &report)
	}
	return out, report
}

// Disallowed reports whether key would be stripped.
func (g *Gate) Disallowed(key string) bool {
	n := normalize(key)
	if g.disallowed[n] {
		return true
	}
	for _, fragment := range disallowedFragments {
		if strings.Contains(n, fragment) && !g.allowed[n] {
			return true
		}
	}
	return false
}

func (g *Gate) redactMap(in map[string]any, report *Report) map[string]any {
	out := make(map[string]any, len(in))
	for key, value := range in {
		switch {
		case g.Disallowed(key):
			report.Stripped++
		case g.allowed[normalize(key)]:
			out[key] = g.redactValue(value, report)
		default:
			if nested, ok := value.(map[string]any); ok {
				// containers are classified by their contents
				out[key] = g.redactMap(nested, report)
				continue
			}
			out[key] = RedactedValue
			report.Replaced++
		}
	}
	return out
}

func (g *Gate) redactValue(value any, report *Report) any {
	switch v := value.(type) {
	case map[string]any:
		return g.redactMap(v, report)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = g.redactValue(item, report)
		}
		return out
	case string:
		if emailPattern.MatchString(v) || containsPhone(v) {
			report.Replaced++
			return RedactedValue
		}
		return v
	case nil, bool, float64, float32, int, int32, int64, uint, uint32, uint64:
		return v
	default:
		// unknown types cannot be classified
		report.Replaced++
		return RedactedValue
	}
}

func normalize(key string) string {
	var b strings.Builder
	b.Grow(len(key))
	for _, r := range strings.ToLower(key) {
		switch r {
		case '_', '-', '.', ' ':
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
