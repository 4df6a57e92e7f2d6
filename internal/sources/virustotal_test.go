package sources

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intelpipe/backend/internal/storage/models"
)

func TestVirusTotalLookup(t *testing.T) {
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("x-apikey"))
		_, _ = w.Write([]byte(`{"data":{"attributes":{
			"last_analysis_stats":{"malicious":12,"suspicious":1,"harmless":50,"undetected":7},
			"last_analysis_results":{
				"A":{"category":"malicious","result":"Trojan.Agent"},
				"B":{"category":"malicious","result":"Trojan.Agent"},
				"C":{"category":"harmless","result":"clean"}}}}}`))
	}))
	defer srv.Close()

	vt := NewVirusTotal(sourceConfig(srv.URL), noRetry)
	e, err := vt.Lookup(context.Background(), models.Indicator{Type: models.IndicatorSHA256, Value: "E3B0C44298FC1C149AFBF4C8996FB92427AE41E4649B934CA495991B7852B855"})
	require.NoError(t, err)

	assert.Equal(t, VerdictMalicious, e.Verdict)
	assert.Equal(t, 70, e.Total)
	assert.Equal(t, 95, e.Confidence)
	assert.Equal(t, []string{"Trojan.Agent"}, e.Families)
	assert.Equal(t, "/files/e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", paths[0])

	_, err = vt.Lookup(context.Background(), models.Indicator{Type: models.IndicatorURL, Value: "https://evil.example/x"})
	require.NoError(t, err)
	assert.Equal(t, "/urls/"+base64.RawURLEncoding.EncodeToString([]byte("https://evil.example/x")), paths[1])

	_, err = vt.Lookup(context.Background(), models.Indicator{Type: models.IndicatorCVE, Value: "CVE-2024-1"})
	assert.ErrorIs(t, err, ErrUnsupportedIndicator)
}

func TestVirusTotalEnrichAnnotatesIndicators(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":{"attributes":{"last_analysis_stats":{"malicious":0,"suspicious":0,"harmless":80}}}}`))
	}))
	defer srv.Close()

	item := &models.Item{ID: "i1", Indicators: []models.Indicator{
		{Type: models.IndicatorCVE, Value: "CVE-2024-1"},
		{Type: models.IndicatorUnknown, Value: "10.0.0.1", Comment: "c2"},
	}}
	out := NewVirusTotal(sourceConfig(srv.URL), noRetry).Enrich(context.Background(), item)

	require.Len(t, out, 1)
	assert.Equal(t, VerdictClean, out[0].Verdict)
	assert.Empty(t, item.Indicators[0].Comment)
	assert.Equal(t, "c2; virustotal: clean 0/80 (confidence 40)", item.Indicators[1].Comment)
}

func TestVTConfidence(t *testing.T) {
	assert.Equal(t, 85, vtConfidence(VerdictMalicious, 5))
	assert.Equal(t, 75, vtConfidence(VerdictMalicious, 3))
	assert.Equal(t, 60, vtConfidence(VerdictSuspicious, 1))
	assert.Equal(t, 20, vtConfidence(VerdictUnknown, 0))
}
