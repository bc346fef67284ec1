// Package retriever performs tenant-scoped structured retrieval over the
// platform's relational records: candidate listings ranked by geo-distance
// or recency, platform snapshot stats, and member profiles.
package retriever

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"commonground/internal/models"
)

const (
	maxKeywords    = 3
	fetchLimit     = 25
	maxCandidates  = 5
	defaultTimeout = 5 * time.Second
)

// Coords is a user location in decimal degrees.
type Coords struct {
	Lat float64
	Lng float64
}

// Result carries ranked candidates. Degraded is set when the user had no
// coordinates, so callers can suggest adding a location.
type Result struct {
	Candidates []models.CandidateRecord
	Degraded   bool
}

type Retriever struct {
	db            *sql.DB
	defaultTenant int64
	timeout       time.Duration
	logger        *slog.Logger
}

func New(db *sql.DB, defaultTenant int64, logger *slog.Logger) *Retriever {
	if logger == nil {
		logger = slog.Default()
	}
	if defaultTenant <= 0 {
		defaultTenant = 1
	}
	return &Retriever{
		db:            db,
		defaultTenant: defaultTenant,
		timeout:       defaultTimeout,
		logger:        logger,
	}
}

// ResolveTenant maps malformed tenant ids to the configured default tenant
// rather than ever querying across tenants. Hard invariant; the fallback
// value itself is flagged for product review.
func (r *Retriever) ResolveTenant(tenantID int64) int64 {
	if tenantID <= 0 {
		return r.defaultTenant
	}
	return tenantID
}

var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "can": true,
	"you": true, "your": true, "our": true, "are": true, "was": true,
	"have": true, "has": true, "this": true, "that": true, "near": true,
	"need": true, "want": true, "would": true, "could": true, "someone": true,
	"anyone": true, "please": true, "help": true, "looking": true,
	"find": true, "hire": true, "who": true, "what": true, "when": true,
	"where": true, "how": true, "there": true, "here": true, "about": true,
}

// ExtractKeywords pulls up to three non-stopword tokens (length > 2) from a
// message for the LIKE filter.
func ExtractKeywords(message string) []string {
	fields := strings.FieldsFunc(strings.ToLower(message), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
	keywords := make([]string, 0, maxKeywords)
	seen := make(map[string]bool)
	for _, tok := range fields {
		if len(tok) <= 2 || stopwords[tok] || seen[tok] {
			continue
		}
		seen[tok] = true
		keywords = append(keywords, tok)
		if len(keywords) == maxKeywords {
			break
		}
	}
	return keywords
}

// FindCandidates returns up to five active tenant listings relevant to the
// intent and keywords. With coordinates the ranking is haversine distance
// ascending then recency; without, recency only and the result is marked
// degraded. Own listings are excluded.
func (r *Retriever) FindCandidates(ctx context.Context, tenantID, userID int64, it models.Intent, keywords []string, coords *Coords) (Result, error) {
	tenantID = r.ResolveTenant(tenantID)
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	qb := &QueryBuilder{}
	qb.Where(Predicate{Column: "l.tenant_id", Op: "=", Value: tenantID})
	qb.Where(Predicate{Column: "l.active", Op: "=", Value: 1})
	qb.Where(Predicate{Column: "l.member_id", Op: "!=", Value: userID})
	switch it {
	case models.IntentSeekingHelp:
		qb.Where(Predicate{Column: "l.type", Op: "=", Value: models.ListingTypeOffer})
	case models.IntentOfferingHelp:
		qb.Where(Predicate{Column: "l.type", Op: "=", Value: models.ListingTypeRequest})
	}
	if len(keywords) > maxKeywords {
		keywords = keywords[:maxKeywords]
	}
	var likes []Predicate
	for _, kw := range keywords {
		pattern := "%" + escapeLike(kw) + "%"
		likes = append(likes,
			Predicate{Column: "l.title", Op: "LIKE", Value: pattern},
			Predicate{Column: "l.description", Op: "LIKE", Value: pattern},
		)
	}
	qb.WhereAny(likes)

	clause, args, err := qb.Clause()
	if err != nil {
		return Result{}, fmt.Errorf("build candidate query: %w", err)
	}
	query := fmt.Sprintf(
		`SELECT l.id, l.title, l.description, l.type, l.location, l.lat, l.lng, l.created_at, m.name
		 FROM listings l JOIN members m ON m.id = l.member_id
		 WHERE %s ORDER BY l.created_at DESC LIMIT %d`,
		clause, fetchLimit,
	)
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return Result{}, fmt.Errorf("query candidates: %w", err)
	}
	defer rows.Close()

	type ranked struct {
		record models.CandidateRecord
		dist   float64
		hasPos bool
	}
	var found []ranked
	for rows.Next() {
		var rec models.CandidateRecord
		var lat, lng sql.NullFloat64
		if err := rows.Scan(&rec.ID, &rec.Title, &rec.Description, &rec.Type, &rec.Location, &lat, &lng, &rec.CreatedAt, &rec.OwnerName); err != nil {
			return Result{}, fmt.Errorf("scan candidate: %w", err)
		}
		entry := ranked{record: rec}
		if coords != nil && lat.Valid && lng.Valid {
			d := haversineKm(coords.Lat, coords.Lng, lat.Float64, lng.Float64)
			d = math.Round(d*10) / 10
			entry.dist = d
			entry.hasPos = true
			entry.record.DistanceKm = &entry.dist
		}
		found = append(found, entry)
	}
	if err := rows.Err(); err != nil {
		return Result{}, fmt.Errorf("iterate candidates: %w", err)
	}

	if coords != nil {
		sort.SliceStable(found, func(i, j int) bool {
			a, b := found[i], found[j]
			if a.hasPos != b.hasPos {
				return a.hasPos
			}
			if a.hasPos && a.dist != b.dist {
				return a.dist < b.dist
			}
			return a.record.CreatedAt.After(b.record.CreatedAt)
		})
	} else {
		sort.SliceStable(found, func(i, j int) bool {
			return found[i].record.CreatedAt.After(found[j].record.CreatedAt)
		})
	}

	res := Result{Degraded: coords == nil}
	for i := 0; i < len(found) && i < maxCandidates; i++ {
		res.Candidates = append(res.Candidates, found[i].record)
	}
	return res, nil
}

// RecentListings returns the newest active listings of one type. The
// generation grounding block enumerates offers and requests separately, so
// this does not go through the intent-driven candidate ranking.
func (r *Retriever) RecentListings(ctx context.Context, tenantID int64, listingType string, limit int) ([]models.CandidateRecord, error) {
	tenantID = r.ResolveTenant(tenantID)
	if limit <= 0 || limit > maxCandidates {
		limit = maxCandidates
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx,
		`SELECT l.id, l.title, l.description, l.type, l.location, l.created_at, m.name
		 FROM listings l JOIN members m ON m.id = l.member_id
		 WHERE l.tenant_id = ? AND l.active = 1 AND l.type = ?
		 ORDER BY l.created_at DESC LIMIT ?`,
		tenantID, listingType, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent listings: %w", err)
	}
	defer rows.Close()

	var records []models.CandidateRecord
	for rows.Next() {
		var rec models.CandidateRecord
		if err := rows.Scan(&rec.ID, &rec.Title, &rec.Description, &rec.Type, &rec.Location, &rec.CreatedAt, &rec.OwnerName); err != nil {
			return nil, fmt.Errorf("scan recent listing: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate recent listings: %w", err)
	}
	return records, nil
}

// UpcomingEvents returns future tenant events ordered by start time.
func (r *Retriever) UpcomingEvents(ctx context.Context, tenantID int64, limit int) ([]models.EventRecord, error) {
	tenantID = r.ResolveTenant(tenantID)
	if limit <= 0 || limit > maxCandidates {
		limit = maxCandidates
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, title, starts_at FROM events
		 WHERE tenant_id = ? AND starts_at > ?
		 ORDER BY starts_at ASC LIMIT ?`,
		tenantID, time.Now().UTC(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query upcoming events: %w", err)
	}
	defer rows.Close()

	var events []models.EventRecord
	for rows.Next() {
		var ev models.EventRecord
		if err := rows.Scan(&ev.ID, &ev.Title, &ev.StartsAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// SnapshotStats summarizes tenant activity for the platform context block.
func (r *Retriever) SnapshotStats(ctx context.Context, tenantID int64) (models.Snapshot, error) {
	tenantID = r.ResolveTenant(tenantID)
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	snap := models.Snapshot{TenantID: tenantID}
	counts := []struct {
		query string
		args  []interface{}
		dest  *int
	}{
		{`SELECT COUNT(*) FROM members WHERE tenant_id = ? AND active = 1`, []interface{}{tenantID}, &snap.MemberCount},
		{`SELECT COUNT(*) FROM listings WHERE tenant_id = ? AND active = 1 AND type = ?`, []interface{}{tenantID, models.ListingTypeOffer}, &snap.ActiveOffers},
		{`SELECT COUNT(*) FROM listings WHERE tenant_id = ? AND active = 1 AND type = ?`, []interface{}{tenantID, models.ListingTypeRequest}, &snap.OpenRequests},
		{`SELECT COUNT(*) FROM events WHERE tenant_id = ? AND starts_at > ?`, []interface{}{tenantID, time.Now().UTC()}, &snap.OpenEvents},
		{`SELECT COUNT(*) FROM groups WHERE tenant_id = ? AND active = 1`, []interface{}{tenantID}, &snap.ActiveGroups},
	}
	for _, c := range counts {
		if err := r.db.QueryRowContext(ctx, c.query, c.args...).Scan(c.dest); err != nil {
			return models.Snapshot{TenantID: tenantID}, fmt.Errorf("snapshot count: %w", err)
		}
	}
	return snap, nil
}

// Profile loads the read-only member projection feeding the assembler.
func (r *Retriever) Profile(ctx context.Context, tenantID, userID int64) (*models.UserProfile, error) {
	tenantID = r.ResolveTenant(tenantID)
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	p := models.UserProfile{UserID: userID, TenantID: tenantID}
	var lat, lng sql.NullFloat64
	err := r.db.QueryRowContext(ctx,
		`SELECT name, skills, location, lat, lng FROM members WHERE id = ? AND tenant_id = ?`,
		userID, tenantID,
	).Scan(&p.Name, &p.Skills, &p.Location, &lat, &lng)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("load profile: %w", err)
	}
	if lat.Valid && lng.Valid {
		p.Lat, p.Lng = &lat.Float64, &lng.Float64
	}
	return &p, nil
}

const earthRadiusKm = 6371

// haversineKm is the great-circle distance between two points.
func haversineKm(lat1, lng1, lat2, lng2 float64) float64 {
	rad := math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLng := (lng2 - lng1) * rad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusKm * math.Asin(math.Sqrt(a))
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, "%", "")
	return strings.ReplaceAll(s, "_", "")
}
