package track

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Catalog holds every track the server can race on. Loaded once at startup;
// rooms pick a random track at creation.
type Catalog struct {
	tracks []*Track
}

// catalogFile mirrors maps.yaml.
type catalogFile struct {
	Maps []Details `yaml:"maps"`
}

// LoadCatalog reads <dir>/maps.yaml and every .map segment file it
// references. A malformed catalog or map file is fatal to startup: a bad map
// is a deployment error, not a runtime condition to recover from.
func LoadCatalog(dir string) (*Catalog, error) {
	data, err := os.ReadFile(filepath.Join(dir, "maps.yaml"))
	if err != nil {
		return nil, fmt.Errorf("read map catalog: %w", err)
	}

	var cf catalogFile
	if err := yaml.Unmarshal(data, &cf); err != nil {
		return nil, fmt.Errorf("parse map catalog: %w", err)
	}
	if len(cf.Maps) == 0 {
		return nil, fmt.Errorf("map catalog %s lists no maps", dir)
	}

	cat := &Catalog{}
	for _, details := range cf.Maps {
		f, err := os.Open(filepath.Join(dir, details.MapFile))
		if err != nil {
			return nil, fmt.Errorf("map %q: %w", details.MapName, err)
		}
		segments, err := ParseSegments(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("map %q: %w", details.MapName, err)
		}

		trk, err := New(details, segments)
		if err != nil {
			return nil, err
		}
		cat.tracks = append(cat.tracks, trk)
	}

	return cat, nil
}

// DefaultCatalog returns the built-in track, used when no maps directory is
// deployed next to the binary.
func DefaultCatalog() *Catalog {
	segments, err := ParseSegments(strings.NewReader(defaultMapData))
	if err != nil {
		panic(err) // built-in map data is compiled in; cannot be malformed
	}
	trk, err := New(defaultMapDetails, segments)
	if err != nil {
		panic(err)
	}
	return &Catalog{tracks: []*Track{trk}}
}

// Random returns a randomly picked track.
func (c *Catalog) Random() *Track {
	return c.tracks[rand.Intn(len(c.tracks))]
}

// Len returns the number of tracks in the catalog.
func (c *Catalog) Len() int {
	return len(c.tracks)
}

var defaultMapDetails = Details{
	MapName:     "Touch Grass",
	MapFile:     "touch_grass.map",
	PreviewFile: "touch_grass.png",
	Length:      3500,
	Width:       800,
	OOBLeniency: 40,
	WRTime:      47.23,
}

const defaultMapData = `400,600,800,30
1200,1600,2000,20
2400,2600,2800,-30
`
