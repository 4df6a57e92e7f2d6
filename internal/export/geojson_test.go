package export

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const landings = `{
  "type": "FeatureCollection",
  "features": [
    {"type": "Feature", "geometry": {"type": "Point", "coordinates": [-70.2553, 43.6591]},
     "properties": {"name": "Portland", "country": "United States", "cables": ["a", "b", "c", "d", "e", "f"]}},
    {"type": "Feature", "geometry": {"type": "Point", "coordinates": [-4.5448, 50.8283]},
     "properties": {"name": "Bude", "country": "United Kingdom", "cables": [{"name": "TAT-14"}]}},
    {"type": "Feature", "geometry": {"type": "Point", "coordinates": [-70.25531, 43.65912]},
     "properties": {"name": "Portland (dup)", "country": "United States"}},
    {"type": "Feature", "geometry": {"type": "Point", "coordinates": [103.9915, 1.3644]},
     "properties": {"name": "Changi", "country": "Singapore"}},
    {"type": "Feature", "geometry": {"type": "Point", "coordinates": [139.9534, 35.0433]},
     "properties": {"name": "Chikura"}}
  ]
}`

func writeInput(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "landings.geojson")
	require.NoError(t, os.WriteFile(path, []byte(landings), 0o644))
	return path
}

func TestGenerateOSINTNodesDeduplicates(t *testing.T) {
	fc, err := ReadFeatureCollection(writeInput(t))
	require.NoError(t, err)
	require.Len(t, fc.Features, 5)

	nodes := GenerateOSINTNodes(fc.Features)
	require.Len(t, nodes.Features, 4)

	first := nodes.Features[0].Properties
	assert.Equal(t, "OSINT-0000", first["node_id"])
	assert.Equal(t, "Portland", first["name"], "first feature at a location wins")
	assert.Equal(t, "high", first["intelligence_priority"])

	bude := nodes.Features[1].Properties
	assert.Equal(t, "OSINT-0001", bude["node_id"])
	assert.Equal(t, []string{"TAT-14"}, bude["connected_cables"])
	assert.Equal(t, "medium", bude["intelligence_priority"])

	assert.Equal(t, "OSINT-0003", nodes.Features[3].Properties["node_id"])
	assert.Equal(t, "Unknown", nodes.Features[3].Properties["country"])
}

func TestDedupByCoordinatesRoundsToFourPlaces(t *testing.T) {
	fc, err := ReadFeatureCollection(writeInput(t))
	require.NoError(t, err)

	// 43.65912 and 43.6591 round to the same place.
	kept := DedupByCoordinates(fc.Features)
	assert.Len(t, kept, 4)
	assert.Equal(t, "Portland", kept[0].Properties["name"])
}

func TestDedupDropsNonPointFeatures(t *testing.T) {
	fc, err := ReadFeatureCollection(writeInput(t))
	require.NoError(t, err)
	fc.Features[1].Geometry = nil

	assert.Len(t, DedupByCoordinates(fc.Features), 3)
}

func TestWriteFeatureCollectionRoundTrip(t *testing.T) {
	fc, err := ReadFeatureCollection(writeInput(t))
	require.NoError(t, err)
	nodes := GenerateOSINTNodes(fc.Features)

	out := filepath.Join(t.TempDir(), "nested", "osint_nodes.geojson")
	require.NoError(t, WriteFeatureCollection(out, nodes))

	back, err := ReadFeatureCollection(out)
	require.NoError(t, err)
	require.Len(t, back.Features, 4)
	assert.Equal(t, "OSINT-0002", back.Features[2].Properties["node_id"])
}
