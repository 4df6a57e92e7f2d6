package export

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"go.uber.org/zap"

	"github.com/intelpipe/backend/pkg/logger"
	"github.com/intelpipe/backend/pkg/utils"
)

// CoordPlaces is the rounding applied before two points count as the same place.
const CoordPlaces = 4

// hubCables is the cable count above which a landing point is a high-priority node.
const hubCables = 5

var nodeCapabilities = []string{
	"network_traffic_monitoring",
	"fiber_tap_detection",
	"data_flow_analysis",
	"threat_detection",
}

type coordKey struct {
	lat, lon float64
}

// ReadFeatureCollection loads a GeoJSON FeatureCollection from disk.
func ReadFeatureCollection(path string) (*geojson.FeatureCollection, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return fc, nil
}

// WriteFeatureCollection writes fc as GeoJSON, creating parent directories.
func WriteFeatureCollection(path string, fc *geojson.FeatureCollection) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
	}
	data, err := fc.MarshalJSON()
	if err != nil {
		return fmt.Errorf("failed to marshal feature collection: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// DedupByCoordinates keeps the first Point feature at each location, with
// latitude and longitude rounded to CoordPlaces. Features without a Point
// geometry are dropped.
func DedupByCoordinates(features []*geojson.Feature) []*geojson.Feature {
	seen := make(map[coordKey]bool, len(features))
	out := make([]*geojson.Feature, 0, len(features))
	dropped := 0
	for _, f := range features {
		p, ok := point(f)
		if !ok {
			dropped++
			continue
		}
		key := coordKey{lat: utils.RoundCoord(p.Lat(), CoordPlaces), lon: utils.RoundCoord(p.Lon(), CoordPlaces)}
		if seen[key] {
			dropped++
			continue
		}
		seen[key] = true
		out = append(out, f)
	}
	if dropped > 0 {
		logger.Debug("Dropped duplicate or non-point features", zap.Int("dropped", dropped), zap.Int("kept", len(out)))
	}
	return out
}

// GenerateOSINTNodes turns cable landing points into OSINT nodes, one per
// unique location, numbered OSINT-0000 upward.
func GenerateOSINTNodes(landings []*geojson.Feature) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for _, f := range DedupByCoordinates(landings) {
		p, _ := point(f)
		cables := cableNames(f.Properties)

		priority := "medium"
		if len(cables) > hubCables {
			priority = "high"
		}

		node := geojson.NewFeature(p)
		node.Properties = geojson.Properties{
			"node_id":               fmt.Sprintf("OSINT-%04d", len(fc.Features)),
			"name":                  f.Properties.MustString("name", "Unknown"),
			"latitude":              p.Lat(),
			"longitude":             p.Lon(),
			"country":               f.Properties.MustString("country", "Unknown"),
			"type":                  "submarine_cable_intelligence",
			"capabilities":          nodeCapabilities,
			"connected_cables":      cables,
			"intelligence_priority": priority,
		}
		fc.Append(node)
	}
	return fc
}

func point(f *geojson.Feature) (orb.Point, bool) {
	if f == nil || f.Geometry == nil {
		return orb.Point{}, false
	}
	p, ok := f.Geometry.(orb.Point)
	return p, ok
}

// cableNames accepts the two shapes landing files use: a list of names or
// a list of objects with a name field.
func cableNames(props geojson.Properties) []string {
	raw, ok := props["cables"].([]interface{})
	if !ok {
		return []string{}
	}
	names := make([]string, 0, len(raw))
	for _, c := range raw {
		switch v := c.(type) {
		case string:
			names = append(names, v)
		case map[string]interface{}:
			if name, ok := v["name"].(string); ok {
				names = append(names, name)
			} else if id, ok := v["id"].(string); ok {
				names = append(names, id)
			}
		}
	}
	return names
}
