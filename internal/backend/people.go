package backend

import (
	"encoding/json"
	"strings"
	"time"
	"unicode"
)

// Person is a people record as served by /glasses/api/people.
type Person struct {
	ID                 int64           `json:"id"`
	DisplayName        string          `json:"display_name"`
	Relation           string          `json:"relation"`
	PhotoURL           string          `json:"photo_url"`
	LastMetAt          string          `json:"last_met_at"`
	LastSummaryCached  string          `json:"last_summary_cached"`
	LatestConversation json.RawMessage `json:"latest_conversation,omitempty"`
}

const placeholderAvatar = "https://via.placeholder.com/160x160.png?text=?"

// Profile is what the profile view shows for a person.
type Profile struct {
	ID                 int64           `json:"id"`
	Name               string          `json:"name"`
	Relation           string          `json:"relation"`
	Avatar             string          `json:"avatar"`
	LastMet            *time.Time      `json:"last_met,omitempty"`
	LastMetPretty      string          `json:"last_met_pretty"`
	SummaryBullets     []string        `json:"summary_bullets"`
	LatestConversation json.RawMessage `json:"latest_conversation,omitempty"`
}

// Profile converts the API record into the view model.
func (p Person) Profile() Profile {
	out := Profile{
		ID:                 p.ID,
		Name:               p.DisplayName,
		Relation:           p.Relation,
		Avatar:             p.PhotoURL,
		LastMetPretty:      "—",
		SummaryBullets:     ParseSummaryBullets(p.LastSummaryCached),
		LatestConversation: p.LatestConversation,
	}
	if out.Relation == "" {
		out.Relation = "—"
	}
	if out.Avatar == "" {
		out.Avatar = placeholderAvatar
	}
	if t, ok := parseTimestamp(p.LastMetAt); ok {
		out.LastMet = &t
		out.LastMetPretty = t.Format("Jan 2, 2006 3:04 PM")
	}
	if string(out.LatestConversation) == "null" {
		out.LatestConversation = nil
	}
	return out
}

// ParseSummaryBullets splits a cached summary into lines and strips list
// markers such as "•", "-", "*" or "2)".
func ParseSummaryBullets(text string) []string {
	bullets := []string{}
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimLeftFunc(strings.TrimSpace(line), isBulletMarker)
		if line != "" {
			bullets = append(bullets, line)
		}
	}
	return bullets
}

func isBulletMarker(r rune) bool {
	switch r {
	case '•', '*', '-', '.', ')':
		return true
	}
	return unicode.IsDigit(r) || unicode.IsSpace(r)
}

func parseTimestamp(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
