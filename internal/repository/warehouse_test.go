package repository

import (
	"strings"
	"testing"

	"github.com/rpattn/adwarehouse/internal/domain"
	"github.com/stretchr/testify/assert"
)

func TestVersionTablesAreConsistent(t *testing.T) {
	checkTable(t, campaignTable, domain.CampaignAttributes{})
	checkTable(t, adSetTable, domain.AdSetAttributes{})
	checkTable(t, adTable, domain.AdAttributes{})
}

func checkTable[A any](t *testing.T, table versionTable[A], zero A) {
	t.Helper()
	assert.Len(t, table.values(zero), len(table.columns), "%s values", table.name)
	assert.Len(t, table.scanTargets(&zero), len(table.columns), "%s scan targets", table.name)
	assert.Len(t, table.untrackedValues(zero), len(table.untrackedColumns), "%s untracked values", table.name)
	for _, column := range table.untrackedColumns {
		assert.Contains(t, table.columns, column, "%s untracked column", table.name)
	}
	assert.True(t, strings.HasPrefix(table.selectColumns(), "id, natural_key"))
}

func TestDistinctDropsBlanksAndSorts(t *testing.T) {
	assert.Equal(t, []string{"EUR", "USD"}, distinct([]string{"USD", "", "EUR", "USD"}))
	assert.Empty(t, distinct(nil))
}

func TestTruncateError(t *testing.T) {
	long := strings.Repeat("é", maxBatchErrorLength+10)
	assert.Len(t, []rune(truncateError(long)), maxBatchErrorLength)
	assert.Equal(t, "short", truncateError("short"))
}
