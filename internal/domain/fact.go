package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Grain identifies one fact record.
type Grain struct {
	DateID       int   `json:"date_id"`
	AccountID    int64 `json:"account_id"`
	CampaignID   int64 `json:"campaign_id"`
	AdSetID      int64 `json:"ad_set_id"`
	AdID         int64 `json:"ad_id"`
	AgeBracketID int64 `json:"age_bracket_id"`
	GenderID     int64 `json:"gender_id"`
}

func (g Grain) String() string {
	return fmt.Sprintf("%d/%d/%d/%d/%d/%d/%d",
		g.DateID, g.AccountID, g.CampaignID, g.AdSetID, g.AdID, g.AgeBracketID, g.GenderID)
}

// Less orders grains lexicographically by their components.
func (g Grain) Less(o Grain) bool {
	a := [...]int64{int64(g.DateID), g.AccountID, g.CampaignID, g.AdSetID, g.AdID, g.AgeBracketID, g.GenderID}
	b := [...]int64{int64(o.DateID), o.AccountID, o.CampaignID, o.AdSetID, o.AdID, o.AgeBracketID, o.GenderID}
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// Fact is one aggregated row of the performance fact table.
type Fact struct {
	Grain
	CurrencyID *int64    `json:"currency_id,omitempty"`
	Metrics    Metrics   `json:"metrics"`
	RowCount   int       `json:"row_count"`
	BatchID    uuid.UUID `json:"batch_id"`
	LoadedAt   time.Time `json:"loaded_at"`
}

// FactFilter selects facts by any combination of grain columns.
type FactFilter struct {
	DateFrom     *time.Time
	DateTo       *time.Time
	AccountID    *int64
	CampaignID   *int64
	AdSetID      *int64
	AdID         *int64
	AgeBracketID *int64
	GenderID     *int64
	BatchID      *uuid.UUID
	Limit        int
	Offset       int
}

// Matches applies the filter to a fact in memory.
func (f FactFilter) Matches(fact Fact) bool {
	if f.DateFrom != nil && fact.DateID < DateID(*f.DateFrom) {
		return false
	}
	if f.DateTo != nil && fact.DateID > DateID(*f.DateTo) {
		return false
	}
	checks := []struct {
		want *int64
		got  int64
	}{
		{f.AccountID, fact.AccountID},
		{f.CampaignID, fact.CampaignID},
		{f.AdSetID, fact.AdSetID},
		{f.AdID, fact.AdID},
		{f.AgeBracketID, fact.AgeBracketID},
		{f.GenderID, fact.GenderID},
	}
	for _, c := range checks {
		if c.want != nil && *c.want != c.got {
			return false
		}
	}
	if f.BatchID != nil && *f.BatchID != fact.BatchID {
		return false
	}
	return true
}
