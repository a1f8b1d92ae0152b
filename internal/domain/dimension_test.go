package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func int64Ptr(v int64) *int64     { return &v }
func floatPtr(v float64) *float64 { return &v }
func stringPtr(v string) *string  { return &v }

func TestNaturalKeyNormalizesEveryPart(t *testing.T) {
	a := NaturalKey("  Acme   Corp ", "Summer Sale")
	b := NaturalKey("acme corp", "SUMMER   SALE ")
	assert.Equal(t, a, b)
	assert.NotEqual(t, NaturalKey("acme", "corp summer"), NaturalKey("acme corp", "summer"))
}

func TestDateDimension(t *testing.T) {
	d := NewDateDimension(time.Date(2024, 1, 7, 15, 30, 0, 0, time.UTC))
	assert.Equal(t, 20240107, d.DateID)
	assert.Equal(t, 2024, d.Year)
	assert.Equal(t, 1, d.Month)
	assert.Equal(t, 7, d.Day)
	assert.Equal(t, 7, d.DayOfWeek, "sunday is 7")
	assert.True(t, d.FullDate.Equal(time.Date(2024, 1, 7, 0, 0, 0, 0, time.UTC)))
}

func TestCampaignChangesNullSafe(t *testing.T) {
	base := CampaignAttributes{AccountID: 1, Name: "Summer Sale", Budget: floatPtr(100), StatusID: int64Ptr(3)}

	assert.Empty(t, CampaignChanges(base, base))

	same := base
	same.Budget = floatPtr(100.004)
	assert.Empty(t, CampaignChanges(base, same), "sub-cent noise is not a change")

	raised := base
	raised.Budget = floatPtr(150)
	assert.Equal(t, []string{"budget"}, CampaignChanges(base, raised))

	cleared := base
	cleared.Budget = nil
	cleared.ObjectiveID = int64Ptr(9)
	assert.Equal(t, []string{"objective", "budget"}, CampaignChanges(base, cleared))

	renamed := base
	renamed.Name = "SUMMER SALE"
	assert.Empty(t, CampaignChanges(base, renamed))
	assert.True(t, CampaignUntrackedChanged(base, renamed))
}

func TestAdChangesIgnoreCreativeLinks(t *testing.T) {
	base := AdAttributes{AdSetID: 4, Name: "Video A", LandingURLID: int64Ptr(2), PreviewURL: stringPtr("https://fb.me/a")}
	moved := base
	moved.PreviewURL = stringPtr("https://fb.me/b")
	assert.Empty(t, AdChanges(base, moved))
	assert.True(t, AdUntrackedChanged(base, moved))

	relinked := base
	relinked.LandingURLID = int64Ptr(5)
	assert.Equal(t, []string{"landing_url"}, AdChanges(base, relinked))
}

func TestStructuralProblems(t *testing.T) {
	row := NormalizedRow{
		Date:         time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		AccountName:  "Acme",
		CampaignName: " ",
		AdSetName:    "Set",
		AdName:       "Ad",
		AgeBracket:   "25-34",
		Gender:       "female",
		Metrics:      Metrics{Spend: -1},
	}
	problems := row.StructuralProblems()
	require.Len(t, problems, 2)
	assert.Contains(t, problems, "missing campaign name")
	assert.Contains(t, problems, "negative spend")
}

func TestRedactRow(t *testing.T) {
	row := NormalizedRow{
		RowNumber:         12,
		Date:              time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		AccountName:       "Acme",
		LandingURL:        stringPtr("https://shop.example.com/sale?utm_source=fb&email=a@b.c"),
		AdBody:            stringPtr("Buy now"),
		IncludedAudiences: "A, B",
	}
	payload := RedactRow(row)
	assert.Equal(t, "https://shop.example.com", payload["landing_url"])
	assert.Equal(t, "[redacted]", payload["ad_body"])
	assert.Equal(t, 2, payload["included_audiences"])
	assert.Equal(t, "2024-01-01", payload["date"])
}
