package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intelpipe/backend/internal/storage/models"
)

func TestExtractJSON(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"bare", `{"a":1}`, `{"a":1}`},
		{"fenced", "```json\n{\"threat_level\":\"HIGH\"}\n```", `{"threat_level":"HIGH"}`},
		{"brace in string", `Here: {"analysis":"uses } and { freely","x":2} trailing`, `{"analysis":"uses } and { freely","x":2}`},
		{"escaped quote", `{"analysis":"he said \"}\" loudly"}`, `{"analysis":"he said \"}\" loudly"}`},
		{"nested", `noise {"a":{"b":[1,{"c":2}]}} more {"d":3}`, `{"a":{"b":[1,{"c":2}]}}`},
		{"skips invalid", `{not json} then {"ok":true}`, `{"ok":true}`},
		{"stray open brace", `Rating {see notes below: {"threat_level":"LOW"}`, `{"threat_level":"LOW"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ExtractJSON(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}

	_, err := ExtractJSON("THREAT LEVEL: HIGH")
	assert.ErrorIs(t, err, ErrNoJSON)

	_, err = ExtractJSON(`{"unterminated": true`)
	assert.ErrorIs(t, err, ErrNoJSON)
}

func TestParseReplyFlexibleScore(t *testing.T) {
	for in, want := range map[string]float64{
		`7`:      7,
		`7.5`:    7.5,
		`"8"`:    8,
		`"6/10"`: 6,
		`"high"`: 8,
		`null`:   0,
		`[1]`:    0,
	} {
		r, err := ParseReply(`{"threat_level":"medium","relevance_score":` + in + `}`)
		require.NoError(t, err, in)
		assert.Equal(t, want, float64(r.RelevanceScore), in)
	}
}

func TestParseReplyRejectsUnknownLevel(t *testing.T) {
	_, err := ParseReply(`{"threat_level":"purple","analysis":"x"}`)
	require.Error(t, err)

	r, err := ParseReply(`Sure! {"threat_level":"Severe","intelligence_value":"HIGH","analysis":"bomb plot"}`)
	require.NoError(t, err)
	assert.Equal(t, models.ThreatCritical, models.ParseThreatLevel(r.ThreatLevel))
	assert.Equal(t, "bomb plot", r.Analysis)
}

func TestKeywordLevel(t *testing.T) {
	assert.Equal(t, models.ThreatCritical, KeywordLevel("this is high, maybe critical"))
	assert.Equal(t, models.ThreatHigh, KeywordLevel("Threat: High"))
	assert.Equal(t, models.ThreatInformational, KeywordLevel("informational only"))
	assert.Equal(t, models.ThreatUnknown, KeywordLevel("no idea"))
}
