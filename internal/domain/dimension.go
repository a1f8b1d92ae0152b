package domain

import (
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ReferenceKind names a non-versioned lookup dimension.
type ReferenceKind string

const (
	RefCurrency       ReferenceKind = "currency"
	RefAgeBracket     ReferenceKind = "age_bracket"
	RefGender         ReferenceKind = "gender"
	RefObjective      ReferenceKind = "objective"
	RefBudgetType     ReferenceKind = "budget_type"
	RefURL            ReferenceKind = "url"
	RefAudience       ReferenceKind = "audience"
	RefCampaignStatus ReferenceKind = "campaign_status"
	RefAdSetStatus    ReferenceKind = "ad_set_status"
	RefAdStatus       ReferenceKind = "ad_status"
)

// ReferenceKinds returns every reference dimension in resolution order.
func ReferenceKinds() []ReferenceKind {
	return []ReferenceKind{
		RefCurrency, RefAgeBracket, RefGender, RefObjective, RefBudgetType,
		RefURL, RefAudience, RefCampaignStatus, RefAdSetStatus, RefAdStatus,
	}
}

// Table returns the dimension table backing the kind.
func (k ReferenceKind) Table() string {
	return "dim_" + string(k)
}

// ReferenceValue cleans a reference value. Empty means absent.
func ReferenceValue(raw string) string {
	return strings.Join(strings.Fields(raw), " ")
}

// EntityKind names a versioned (SCD type 2) dimension.
type EntityKind string

const (
	EntityCampaign EntityKind = "campaign"
	EntityAdSet    EntityKind = "ad_set"
	EntityAd       EntityKind = "ad"
)

// ParseEntityKind accepts the kind names used on the wire.
func ParseEntityKind(raw string) (EntityKind, bool) {
	switch EntityKind(strings.ToLower(strings.TrimSpace(raw))) {
	case EntityCampaign, "campaigns":
		return EntityCampaign, true
	case EntityAdSet, "adset", "ad_sets", "adsets":
		return EntityAdSet, true
	case EntityAd, "ads":
		return EntityAd, true
	}
	return "", false
}

const naturalKeySeparator = "\x1f"

// NormalizeName folds a name for matching: trimmed, inner whitespace
// collapsed, lower case.
func NormalizeName(name string) string {
	return strings.ToLower(strings.Join(strings.Fields(name), " "))
}

// NaturalKey joins a parent chain and an entity name into a stable key.
func NaturalKey(parts ...string) string {
	normalized := make([]string, len(parts))
	for i, part := range parts {
		normalized[i] = NormalizeName(part)
	}
	return strings.Join(normalized, naturalKeySeparator)
}

// Account is the top of the campaign hierarchy.
type Account struct {
	ID         int64  `json:"id"`
	NaturalKey string `json:"natural_key"`
	Name       string `json:"name"`
	CurrencyID *int64 `json:"currency_id,omitempty"`
}

// AccountInput is what a batch knows about an account.
type AccountInput struct {
	NaturalKey string
	Name       string
}

// DateDimension is one calendar day.
type DateDimension struct {
	DateID    int       `json:"date_id"`
	FullDate  time.Time `json:"full_date"`
	Year      int       `json:"year"`
	Month     int       `json:"month"`
	Day       int       `json:"day"`
	DayOfWeek int       `json:"day_of_week"`
}

// DateID encodes a day as YYYYMMDD.
func DateID(t time.Time) int {
	t = DayOf(t)
	return t.Year()*10000 + int(t.Month())*100 + t.Day()
}

// NewDateDimension derives the calendar attributes of t. DayOfWeek is ISO
// numbered, Monday = 1.
func NewDateDimension(t time.Time) DateDimension {
	day := DayOf(t)
	dow := int(day.Weekday())
	if dow == 0 {
		dow = 7
	}
	return DateDimension{
		DateID:    DateID(day),
		FullDate:  day,
		Year:      day.Year(),
		Month:     int(day.Month()),
		Day:       day.Day(),
		DayOfWeek: dow,
	}
}

// DimensionVersion is one row of a versioned dimension.
type DimensionVersion[A any] struct {
	ID         int64      `json:"id"`
	NaturalKey string     `json:"natural_key"`
	Version    int        `json:"version"`
	ValidFrom  time.Time  `json:"valid_from"`
	ValidTo    *time.Time `json:"valid_to,omitempty"`
	IsCurrent  bool       `json:"is_current"`
	BatchID    uuid.UUID  `json:"batch_id"`
	Attributes A          `json:"attributes"`
}

// Open reports whether the version has no end of validity.
func (v DimensionVersion[A]) Open() bool {
	return v.ValidTo == nil
}

// Empty reports a closed version whose interval holds no instant.
func (v DimensionVersion[A]) Empty() bool {
	return v.ValidTo != nil && !v.ValidTo.After(v.ValidFrom)
}

// Covers reports whether t falls inside [ValidFrom, ValidTo).
func (v DimensionVersion[A]) Covers(t time.Time) bool {
	if t.Before(v.ValidFrom) {
		return false
	}
	return v.ValidTo == nil || t.Before(*v.ValidTo)
}

// CampaignAttributes is the snapshot stored on a campaign version.
type CampaignAttributes struct {
	AccountID    int64    `json:"account_id"`
	Name         string   `json:"name"`
	ObjectiveID  *int64   `json:"objective_id,omitempty"`
	Budget       *float64 `json:"budget,omitempty"`
	BudgetTypeID *int64   `json:"budget_type_id,omitempty"`
	StatusID     *int64   `json:"status_id,omitempty"`
}

// AdSetAttributes is the snapshot stored on an ad set version.
type AdSetAttributes struct {
	CampaignID int64  `json:"campaign_id"`
	Name       string `json:"name"`
	StatusID   *int64 `json:"status_id,omitempty"`
}

// AdAttributes is the snapshot stored on an ad version. PreviewURL,
// ThumbnailURL and Body are not tracked for change.
type AdAttributes struct {
	AdSetID      int64   `json:"ad_set_id"`
	Name         string  `json:"name"`
	StatusID     *int64  `json:"status_id,omitempty"`
	LandingURLID *int64  `json:"landing_url_id,omitempty"`
	PreviewURL   *string `json:"preview_url,omitempty"`
	ThumbnailURL *string `json:"thumbnail_url,omitempty"`
	Body         *string `json:"body,omitempty"`
}

// CampaignChanges lists tracked campaign attributes that differ.
func CampaignChanges(current, incoming CampaignAttributes) []string {
	var changed []string
	if !equalPtr(current.ObjectiveID, incoming.ObjectiveID) {
		changed = append(changed, "objective")
	}
	if !equalMoney(current.Budget, incoming.Budget) {
		changed = append(changed, "budget")
	}
	if !equalPtr(current.BudgetTypeID, incoming.BudgetTypeID) {
		changed = append(changed, "budget_type")
	}
	if !equalPtr(current.StatusID, incoming.StatusID) {
		changed = append(changed, "status")
	}
	return changed
}

// CampaignUntrackedChanged reports a display name change.
func CampaignUntrackedChanged(current, incoming CampaignAttributes) bool {
	return current.Name != incoming.Name || current.AccountID != incoming.AccountID
}

// AdSetChanges lists tracked ad set attributes that differ.
func AdSetChanges(current, incoming AdSetAttributes) []string {
	var changed []string
	if current.CampaignID != incoming.CampaignID {
		changed = append(changed, "campaign")
	}
	if !equalPtr(current.StatusID, incoming.StatusID) {
		changed = append(changed, "status")
	}
	return changed
}

// AdSetUntrackedChanged reports a display name change.
func AdSetUntrackedChanged(current, incoming AdSetAttributes) bool {
	return current.Name != incoming.Name
}

// AdChanges lists tracked ad attributes that differ.
func AdChanges(current, incoming AdAttributes) []string {
	var changed []string
	if current.AdSetID != incoming.AdSetID {
		changed = append(changed, "ad_set")
	}
	if !equalPtr(current.StatusID, incoming.StatusID) {
		changed = append(changed, "status")
	}
	if !equalPtr(current.LandingURLID, incoming.LandingURLID) {
		changed = append(changed, "landing_url")
	}
	return changed
}

// AdUntrackedChanged reports changes to the creative links or name.
func AdUntrackedChanged(current, incoming AdAttributes) bool {
	return current.Name != incoming.Name ||
		!equalPtr(current.PreviewURL, incoming.PreviewURL) ||
		!equalPtr(current.ThumbnailURL, incoming.ThumbnailURL) ||
		!equalPtr(current.Body, incoming.Body)
}

// AudienceKind tags a bridge row.
type AudienceKind string

const (
	AudienceIncluded AudienceKind = "included"
	AudienceExcluded AudienceKind = "excluded"
)

// AudienceLink is one ad set to audience bridge row.
type AudienceLink struct {
	AdSetID    int64        `json:"ad_set_id"`
	AudienceID int64        `json:"audience_id"`
	Kind       AudienceKind `json:"kind"`
}

func equalPtr[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func equalMoney(a, b *float64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return math.Round(*a*100) == math.Round(*b*100)
}
