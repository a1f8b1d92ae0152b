package domain

import (
	"strings"
	"time"
)

// Metrics holds the numeric measures of one export row or one fact.
type Metrics struct {
	Spend           float64 `json:"spend"`
	Impressions     int64   `json:"impressions"`
	Reach           int64   `json:"reach"`
	Clicks          int64   `json:"clicks"`
	Results         int64   `json:"results"`
	Purchases       int64   `json:"purchases"`
	PurchaseValue   float64 `json:"purchase_value"`
	VideoPlays      int64   `json:"video_plays"`
	VideoP25        int64   `json:"video_p25"`
	VideoP50        int64   `json:"video_p50"`
	VideoP75        int64   `json:"video_p75"`
	VideoP95        int64   `json:"video_p95"`
	VideoP100       int64   `json:"video_p100"`
	PostEngagements int64   `json:"post_engagements"`
	PostReactions   int64   `json:"post_reactions"`
	PostComments    int64   `json:"post_comments"`
	PostShares      int64   `json:"post_shares"`
	Frequency       float64 `json:"frequency"`
	AvgWatchTime    float64 `json:"avg_watch_time"`
}

// Add sums the additive measures of other into m. Frequency and
// AvgWatchTime are left untouched.
func (m *Metrics) Add(other Metrics) {
	m.Spend += other.Spend
	m.Impressions += other.Impressions
	m.Reach += other.Reach
	m.Clicks += other.Clicks
	m.Results += other.Results
	m.Purchases += other.Purchases
	m.PurchaseValue += other.PurchaseValue
	m.VideoPlays += other.VideoPlays
	m.VideoP25 += other.VideoP25
	m.VideoP50 += other.VideoP50
	m.VideoP75 += other.VideoP75
	m.VideoP95 += other.VideoP95
	m.VideoP100 += other.VideoP100
	m.PostEngagements += other.PostEngagements
	m.PostReactions += other.PostReactions
	m.PostComments += other.PostComments
	m.PostShares += other.PostShares
}

// NegativeFields lists additive measures below zero.
func (m Metrics) NegativeFields() []string {
	checks := []struct {
		name     string
		negative bool
	}{
		{"spend", m.Spend < 0},
		{"impressions", m.Impressions < 0},
		{"reach", m.Reach < 0},
		{"clicks", m.Clicks < 0},
		{"results", m.Results < 0},
		{"purchases", m.Purchases < 0},
		{"purchase_value", m.PurchaseValue < 0},
		{"video_plays", m.VideoPlays < 0},
		{"video_p25", m.VideoP25 < 0},
		{"video_p50", m.VideoP50 < 0},
		{"video_p75", m.VideoP75 < 0},
		{"video_p95", m.VideoP95 < 0},
		{"video_p100", m.VideoP100 < 0},
		{"post_engagements", m.PostEngagements < 0},
		{"post_reactions", m.PostReactions < 0},
		{"post_comments", m.PostComments < 0},
		{"post_shares", m.PostShares < 0},
	}
	var out []string
	for _, c := range checks {
		if c.negative {
			out = append(out, c.name)
		}
	}
	return out
}

// NormalizedRow is one day x ad x segment record produced by the normalizer.
type NormalizedRow struct {
	RowNumber    int       `json:"row_number"`
	Date         time.Time `json:"date"`
	AccountName  string    `json:"account_name"`
	CampaignName string    `json:"campaign_name"`
	AdSetName    string    `json:"ad_set_name"`
	AdName       string    `json:"ad_name"`
	AgeBracket   string    `json:"age_bracket"`
	Gender       string    `json:"gender"`
	Currency     string    `json:"currency"`

	Objective      *string  `json:"objective,omitempty"`
	Budget         *float64 `json:"budget,omitempty"`
	BudgetType     *string  `json:"budget_type,omitempty"`
	CampaignStatus *string  `json:"campaign_status,omitempty"`
	AdSetStatus    *string  `json:"ad_set_status,omitempty"`
	AdStatus       *string  `json:"ad_status,omitempty"`
	LandingURL     *string  `json:"landing_url,omitempty"`
	PreviewURL     *string  `json:"preview_url,omitempty"`
	ThumbnailURL   *string  `json:"thumbnail_url,omitempty"`
	AdBody         *string  `json:"ad_body,omitempty"`

	IncludedAudiences string `json:"included_audiences,omitempty"`
	ExcludedAudiences string `json:"excluded_audiences,omitempty"`

	Metrics Metrics `json:"metrics"`

	Valid   bool     `json:"valid"`
	Reasons []string `json:"reasons,omitempty"`
}

// Day returns the row date truncated to midnight UTC.
func (r NormalizedRow) Day() time.Time {
	return DayOf(r.Date)
}

// StructuralProblems lists what prevents the row from being loaded
// regardless of the normalizer's verdict.
func (r NormalizedRow) StructuralProblems() []string {
	var problems []string
	if r.Date.IsZero() {
		problems = append(problems, "missing date")
	}
	required := []struct {
		field string
		value string
	}{
		{"account name", r.AccountName},
		{"campaign name", r.CampaignName},
		{"ad set name", r.AdSetName},
		{"ad name", r.AdName},
		{"age bracket", r.AgeBracket},
		{"gender", r.Gender},
	}
	for _, req := range required {
		if strings.TrimSpace(req.value) == "" {
			problems = append(problems, "missing "+req.field)
		}
	}
	for _, field := range r.Metrics.NegativeFields() {
		problems = append(problems, "negative "+field)
	}
	return problems
}

// DayOf truncates t to midnight UTC.
func DayOf(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
