package ingestion

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rpattn/adwarehouse/internal/domain"
)

// ErrMissingColumn is returned when an export lacks a column every row needs.
var ErrMissingColumn = errors.New("required column missing")

var timeLayouts = []string{
	time.RFC3339,
	time.RFC3339Nano,
	"2006-01-02",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.000",
	"2006/01/02",
	"01/02/2006",
	"02/01/2006",
	"Jan 2, 2006",
}

type column string

const (
	colDate            column = "date"
	colAccount         column = "account_name"
	colCampaign        column = "campaign_name"
	colAdSet           column = "ad_set_name"
	colAd              column = "ad_name"
	colAge             column = "age"
	colGender          column = "gender"
	colCurrency        column = "currency"
	colObjective       column = "objective"
	colBudget          column = "budget"
	colBudgetType      column = "budget_type"
	colCampaignStatus  column = "campaign_status"
	colAdSetStatus     column = "ad_set_status"
	colAdStatus        column = "ad_status"
	colLandingURL      column = "landing_url"
	colPreviewURL      column = "preview_url"
	colThumbnailURL    column = "thumbnail_url"
	colAdBody          column = "ad_body"
	colIncluded        column = "included_audiences"
	colExcluded        column = "excluded_audiences"
	colSpend           column = "spend"
	colImpressions     column = "impressions"
	colReach           column = "reach"
	colClicks          column = "clicks"
	colResults         column = "results"
	colPurchases       column = "purchases"
	colPurchaseValue   column = "purchase_value"
	colVideoPlays      column = "video_plays"
	colVideoP25        column = "video_p25"
	colVideoP50        column = "video_p50"
	colVideoP75        column = "video_p75"
	colVideoP95        column = "video_p95"
	colVideoP100       column = "video_p100"
	colPostEngagements column = "post_engagements"
	colPostReactions   column = "post_reactions"
	colPostComments    column = "post_comments"
	colPostShares      column = "post_shares"
	colFrequency       column = "frequency"
	colAvgWatchTime    column = "avg_watch_time"
)

// headerAliases maps sanitized export headers onto columns. The first
// header of a file that matches wins.
var headerAliases = map[column][]string{
	colDate:            {"date", "day", "reporting_starts", "fulldate", "full_date"},
	colAccount:         {"account_name", "account", "clientname", "client_name"},
	colCampaign:        {"campaign_name", "campaign", "campaignname"},
	colAdSet:           {"ad_set_name", "adset_name", "adsetname", "ad_set"},
	colAd:              {"ad_name", "adname", "ad"},
	colAge:             {"age", "age_bracket", "agebracket"},
	colGender:          {"gender"},
	colCurrency:        {"currency", "account_currency"},
	colObjective:       {"objective", "campaign_objective"},
	colBudget:          {"budget", "campaign_budget"},
	colBudgetType:      {"budget_type", "campaign_budget_type"},
	colCampaignStatus:  {"campaign_status", "campaign_delivery"},
	colAdSetStatus:     {"ad_set_status", "adset_status", "ad_set_delivery"},
	colAdStatus:        {"ad_status", "ad_delivery"},
	colLandingURL:      {"landing_url", "website_url", "link_url", "landing_page"},
	colPreviewURL:      {"preview_url", "preview_link", "permanent_link", "permanentlink"},
	colThumbnailURL:    {"thumbnail_url", "ad_thumbnail_url", "adthumbnailurl"},
	colAdBody:          {"ad_body", "body", "adbody"},
	colIncluded:        {"included_audiences", "included_custom_audiences", "audiences"},
	colExcluded:        {"excluded_audiences", "excluded_custom_audiences"},
	colSpend:           {"spend", "amount_spent", "amount_spent_usd", "amount_spent_eur"},
	colImpressions:     {"impressions"},
	colReach:           {"reach"},
	colClicks:          {"clicks", "link_clicks", "clicks_all"},
	colResults:         {"results", "conversions"},
	colPurchases:       {"purchases"},
	colPurchaseValue:   {"purchase_value", "purchasevalue", "purchases_conversion_value"},
	colVideoPlays:      {"video_plays", "videoplays", "3_second_video_plays"},
	colVideoP25:        {"video_p25", "videoplays_25_pct", "video_plays_at_25p"},
	colVideoP50:        {"video_p50", "videoplays_50_pct", "video_plays_at_50p"},
	colVideoP75:        {"video_p75", "videoplays_75_pct", "video_plays_at_75p"},
	colVideoP95:        {"video_p95", "videoplays_95_pct", "video_plays_at_95p"},
	colVideoP100:       {"video_p100", "videoplays_100_pct", "video_plays_at_100p"},
	colPostEngagements: {"post_engagements", "post_engagement"},
	colPostReactions:   {"post_reactions"},
	colPostComments:    {"post_comments"},
	colPostShares:      {"post_shares"},
	colFrequency:       {"frequency"},
	colAvgWatchTime:    {"avg_watch_time", "video_average_play_time"},
}

var requiredColumns = []column{colDate, colAccount, colCampaign, colAdSet, colAd, colAge, colGender}

// columnIndex resolves each column to its position in the file.
type columnIndex struct {
	positions map[column]int
	unmapped  []string
}

func mapHeaders(headers []string) (columnIndex, error) {
	lookup := make(map[string]column)
	for col, aliases := range headerAliases {
		for _, alias := range aliases {
			lookup[alias] = col
		}
	}

	idx := columnIndex{positions: make(map[column]int)}
	for pos, header := range headers {
		col, ok := lookup[header]
		if !ok {
			idx.unmapped = append(idx.unmapped, header)
			continue
		}
		if _, taken := idx.positions[col]; !taken {
			idx.positions[col] = pos
		}
	}

	var missing []string
	for _, col := range requiredColumns {
		if _, ok := idx.positions[col]; !ok {
			missing = append(missing, string(col))
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return idx, fmt.Errorf("%w: %s", ErrMissingColumn, strings.Join(missing, ", "))
	}
	return idx, nil
}

// rowReader pulls typed values out of one record and collects what failed.
type rowReader struct {
	idx     columnIndex
	record  []string
	reasons []string
}

func (r *rowReader) text(col column) string {
	pos, ok := r.idx.positions[col]
	if !ok || pos >= len(r.record) {
		return ""
	}
	return strings.TrimSpace(r.record[pos])
}

func (r *rowReader) optional(col column) *string {
	value := r.text(col)
	if value == "" {
		return nil
	}
	return &value
}

func (r *rowReader) float(col column) float64 {
	raw := r.text(col)
	if raw == "" {
		return 0
	}
	value, err := parseNumber(raw)
	if err != nil {
		r.reasons = append(r.reasons, fmt.Sprintf("%s: %v", col, err))
		return 0
	}
	return value
}

func (r *rowReader) count(col column) int64 {
	raw := r.text(col)
	if raw == "" {
		return 0
	}
	value, err := parseNumber(raw)
	if err != nil {
		r.reasons = append(r.reasons, fmt.Sprintf("%s: %v", col, err))
		return 0
	}
	if math.Mod(value, 1) != 0 {
		r.reasons = append(r.reasons, fmt.Sprintf("%s: %q is not a whole number", col, raw))
		return 0
	}
	return int64(value)
}

func (r *rowReader) optionalFloat(col column) *float64 {
	if r.text(col) == "" {
		return nil
	}
	value := r.float(col)
	return &value
}

func (r *rowReader) date(col column) time.Time {
	raw := r.text(col)
	if raw == "" {
		return time.Time{}
	}
	ts, err := parseTimestamp(raw)
	if err != nil {
		r.reasons = append(r.reasons, fmt.Sprintf("%s: unable to parse %q", col, raw))
		return time.Time{}
	}
	return domain.DayOf(ts)
}

// normalizeRow converts one record. Parse failures mark the row invalid
// with a reason per field; the warehouse validator adds structural checks.
func normalizeRow(idx columnIndex, record []string, rowNumber int) domain.NormalizedRow {
	r := &rowReader{idx: idx, record: record}
	row := domain.NormalizedRow{
		RowNumber:    rowNumber,
		Date:         r.date(colDate),
		AccountName:  r.text(colAccount),
		CampaignName: r.text(colCampaign),
		AdSetName:    r.text(colAdSet),
		AdName:       r.text(colAd),
		AgeBracket:   r.text(colAge),
		Gender:       strings.ToLower(r.text(colGender)),
		Currency:     strings.ToUpper(r.text(colCurrency)),

		Objective:      r.optional(colObjective),
		Budget:         r.optionalFloat(colBudget),
		BudgetType:     r.optional(colBudgetType),
		CampaignStatus: r.optional(colCampaignStatus),
		AdSetStatus:    r.optional(colAdSetStatus),
		AdStatus:       r.optional(colAdStatus),
		LandingURL:     r.optional(colLandingURL),
		PreviewURL:     r.optional(colPreviewURL),
		ThumbnailURL:   r.optional(colThumbnailURL),
		AdBody:         r.optional(colAdBody),

		IncludedAudiences: r.text(colIncluded),
		ExcludedAudiences: r.text(colExcluded),

		Metrics: domain.Metrics{
			Spend:           r.float(colSpend),
			Impressions:     r.count(colImpressions),
			Reach:           r.count(colReach),
			Clicks:          r.count(colClicks),
			Results:         r.count(colResults),
			Purchases:       r.count(colPurchases),
			PurchaseValue:   r.float(colPurchaseValue),
			VideoPlays:      r.count(colVideoPlays),
			VideoP25:        r.count(colVideoP25),
			VideoP50:        r.count(colVideoP50),
			VideoP75:        r.count(colVideoP75),
			VideoP95:        r.count(colVideoP95),
			VideoP100:       r.count(colVideoP100),
			PostEngagements: r.count(colPostEngagements),
			PostReactions:   r.count(colPostReactions),
			PostComments:    r.count(colPostComments),
			PostShares:      r.count(colPostShares),
			Frequency:       r.float(colFrequency),
			AvgWatchTime:    r.float(colAvgWatchTime),
		},
	}
	row.Reasons = r.reasons
	row.Valid = len(r.reasons) == 0
	return row
}

// parseNumber accepts plain numbers with optional thousands separators,
// currency symbols and a trailing percent sign.
func parseNumber(raw string) (float64, error) {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case ',', ' ', '\u00a0', '$', '€', '£', '%':
			return -1
		}
		return r
	}, raw)
	if cleaned == "" || cleaned == "-" {
		return 0, nil
	}
	value, err := strconv.ParseFloat(cleaned, 64)
	if err != nil || math.IsNaN(value) || math.IsInf(value, 0) {
		return 0, fmt.Errorf("unable to parse %q as a number", raw)
	}
	return value, nil
}

func parseTimestamp(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	for _, layout := range timeLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp format")
}
