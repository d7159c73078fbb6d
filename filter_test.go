package realtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencivic/realtime/event"
)

func TestParseRowFilter(t *testing.T) {
	cases := []struct {
		expr    string
		wantErr bool
	}{
		{"", false},
		{"campaign_id=c42", false},
		{"status=active*", false},
		{"nofilter", true},
		{"=pattern", true},
		{"column=", true},
		{"status=[", true}, // unterminated glob class
	}

	for _, tc := range cases {
		f, err := ParseRowFilter(tc.expr)
		if tc.wantErr {
			assert.Error(t, err, "expr %q", tc.expr)
			continue
		}
		require.NoError(t, err, "expr %q", tc.expr)
		assert.Equal(t, tc.expr, f.String())
	}
}

func TestRowFilterNilMatchesAll(t *testing.T) {
	f, err := ParseRowFilter("")
	require.NoError(t, err)
	require.Nil(t, f)

	assert.True(t, f.Match(event.ChangeEvent{Table: "votes"}))
	assert.Equal(t, "", f.String())
}

func TestRowFilterMatching(t *testing.T) {
	f, err := ParseRowFilter("campaign_id=c42")
	require.NoError(t, err)

	match := event.ChangeEvent{
		Kind:     event.KindUpdate,
		Table:    "votes",
		RecordID: "v1",
		New:      map[string]any{"campaign_id": "c42", "total": 10},
	}
	other := event.ChangeEvent{
		Kind:     event.KindUpdate,
		Table:    "votes",
		RecordID: "v2",
		New:      map[string]any{"campaign_id": "c7"},
	}
	missing := event.ChangeEvent{
		Kind:     event.KindInsert,
		Table:    "votes",
		RecordID: "v3",
		New:      map[string]any{"total": 10},
	}

	assert.True(t, f.Match(match))
	assert.False(t, f.Match(other))
	assert.False(t, f.Match(missing))
	assert.False(t, f.Match(event.ChangeEvent{Table: "votes"}))
}

func TestRowFilterGlobPattern(t *testing.T) {
	f, err := ParseRowFilter("status=active*")
	require.NoError(t, err)

	assert.True(t, f.Match(event.ChangeEvent{New: map[string]any{"status": "active"}}))
	assert.True(t, f.Match(event.ChangeEvent{New: map[string]any{"status": "active_pending"}}))
	assert.False(t, f.Match(event.ChangeEvent{New: map[string]any{"status": "closed"}}))
}

func TestRowFilterNonStringValues(t *testing.T) {
	f, err := ParseRowFilter("campaign_id=42")
	require.NoError(t, err)

	assert.True(t, f.Match(event.ChangeEvent{New: map[string]any{"campaign_id": 42}}))
	assert.False(t, f.Match(event.ChangeEvent{New: map[string]any{"campaign_id": 420}}))
}

func TestRowFilterDeleteUsesPreImage(t *testing.T) {
	f, err := ParseRowFilter("campaign_id=c42")
	require.NoError(t, err)

	del := event.ChangeEvent{
		Kind:     event.KindDelete,
		Table:    "votes",
		RecordID: "v1",
		Old:      map[string]any{"campaign_id": "c42"},
	}
	assert.True(t, f.Match(del))
}
