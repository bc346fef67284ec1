// Package grounding assembles verified platform data into bounded, labeled
// text blocks. The delimiter contract around every data-derived block is
// what lets the prompt layer forbid the model from inventing facts, so the
// exact wording here is load-bearing, not cosmetic.
package grounding

import (
	"fmt"
	"strings"

	"commonground/internal/models"
)

const (
	// OpenDelimiter and CloseDelimiter fence every data-derived block.
	OpenDelimiter  = "=== REAL DATA — USE ONLY THIS ==="
	CloseDelimiter = "=== END OF REAL DATA — ANYTHING ELSE IS FABRICATED ==="

	// EmptyMarker is printed for every enumerable section with no rows so
	// the model cannot treat missing data as unconstrained.
	EmptyMarker = "(none — do not invent any)"

	descriptionBudget = 140
	// DefaultMaxChars bounds the whole assembled context.
	DefaultMaxChars = 6000
)

// Input carries everything the assembler may fold into the context. Any
// field may be nil/empty; empty sections are still emitted with an explicit
// empty marker.
type Input struct {
	Profile       *models.UserProfile
	Snapshot      *models.Snapshot
	Candidates    []models.CandidateRecord
	NearbyMatches []models.CandidateRecord

	// Activity replaces the candidate sections with per-category activity
	// sections (recent offers, recent requests, upcoming events) when
	// non-nil. Generation tasks enumerate each category separately so an
	// idle platform yields one explicit empty marker per category.
	Activity *Activity
}

// Activity is the per-category platform activity for generation tasks.
type Activity struct {
	RecentOffers   []models.CandidateRecord
	RecentRequests []models.CandidateRecord
	UpcomingEvents []models.EventRecord
}

// Assemble renders the labeled context block. When the assembled sections
// exceed maxChars, whole sections are dropped lowest-priority first (for a
// chat turn: generic candidates, then nearby matches, then the platform
// snapshot) rather than truncating mid-section.
func Assemble(in Input, maxChars int) string {
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}

	profile := profileSection(in.Profile)
	snapshot := snapshotSection(in.Snapshot)

	// Drop order is fixed: last section first, working backwards towards
	// the snapshot. The profile section is always kept.
	sections := []string{profile, snapshot}
	if in.Activity != nil {
		sections = append(sections,
			candidateSection("RECENT OFFERS", in.Activity.RecentOffers, false),
			candidateSection("RECENT REQUESTS", in.Activity.RecentRequests, false),
			eventSection(in.Activity.UpcomingEvents),
		)
	} else {
		sections = append(sections,
			candidateSection("NEARBY MATCHES", in.NearbyMatches, true),
			candidateSection("RELEVANT LISTINGS", in.Candidates, false),
		)
	}
	for assembledLen(sections) > maxChars && len(sections) > 1 {
		sections = sections[:len(sections)-1]
	}

	var b strings.Builder
	b.WriteString(OpenDelimiter)
	b.WriteString("\n")
	for _, s := range sections {
		b.WriteString(s)
		b.WriteString("\n")
	}
	b.WriteString(CloseDelimiter)
	return b.String()
}

func assembledLen(sections []string) int {
	n := len(OpenDelimiter) + len(CloseDelimiter) + len(sections) + 1
	for _, s := range sections {
		n += len(s)
	}
	return n
}

func profileSection(p *models.UserProfile) string {
	var b strings.Builder
	b.WriteString("USER PROFILE\n")
	if p == nil {
		b.WriteString(EmptyMarker)
		return b.String()
	}
	fmt.Fprintf(&b, "Name: %s\n", sanitize(p.Name))
	if p.Skills != "" {
		fmt.Fprintf(&b, "Skills: %s\n", truncate(sanitize(p.Skills), descriptionBudget))
	}
	if p.Location != "" {
		fmt.Fprintf(&b, "Location: %s", sanitize(p.Location))
	} else {
		b.WriteString("Location: not set")
	}
	return b.String()
}

func snapshotSection(s *models.Snapshot) string {
	var b strings.Builder
	b.WriteString("PLATFORM SNAPSHOT\n")
	if s == nil {
		b.WriteString(EmptyMarker)
		return b.String()
	}
	fmt.Fprintf(&b, "Members: %d\n", s.MemberCount)
	fmt.Fprintf(&b, "Active offers: %d\n", s.ActiveOffers)
	fmt.Fprintf(&b, "Open requests: %d\n", s.OpenRequests)
	fmt.Fprintf(&b, "Upcoming events: %d\n", s.OpenEvents)
	fmt.Fprintf(&b, "Active groups: %d", s.ActiveGroups)
	return b.String()
}

func candidateSection(label string, records []models.CandidateRecord, withDistance bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\nCount: %d\n", label, len(records))
	if len(records) == 0 {
		b.WriteString(EmptyMarker)
		return b.String()
	}
	for i, rec := range records {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "- [%s] %s", rec.Type, sanitize(rec.Title))
		if desc := truncate(sanitize(rec.Description), descriptionBudget); desc != "" {
			fmt.Fprintf(&b, ": %s", desc)
		}
		if rec.OwnerName != "" {
			fmt.Fprintf(&b, " (by %s", sanitize(rec.OwnerName))
			if rec.Location != "" {
				fmt.Fprintf(&b, ", %s", sanitize(rec.Location))
			}
			b.WriteString(")")
		}
		if withDistance && rec.DistanceKm != nil {
			fmt.Fprintf(&b, " — %.1f km away", *rec.DistanceKm)
		}
	}
	return b.String()
}

func eventSection(events []models.EventRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "UPCOMING EVENTS\nCount: %d\n", len(events))
	if len(events) == 0 {
		b.WriteString(EmptyMarker)
		return b.String()
	}
	for i, ev := range events {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "- %s (starts %s)", sanitize(ev.Title), ev.StartsAt.Format("2006-01-02 15:04"))
	}
	return b.String()
}

// sanitize collapses newlines in user-supplied text so it cannot break out
// of its labeled line and inject prompt structure.
func sanitize(s string) string {
	s = strings.ReplaceAll(s, "\r", " ")
	s = strings.ReplaceAll(s, "\n", " ")
	return strings.Join(strings.Fields(s), " ")
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := s[:limit]
	if idx := strings.LastIndex(cut, " "); idx > limit/2 {
		cut = cut[:idx]
	}
	return cut + "…"
}
