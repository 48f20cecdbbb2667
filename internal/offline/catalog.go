package offline

import (
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/paulmach/orb/geojson"
	"golang.org/x/image/tiff"
	"golang.org/x/sync/errgroup"

	"sustainbench-ee/internal/common"
	"sustainbench-ee/internal/ee"
)

// ManifestFile is the catalog description inside a catalog directory
const ManifestFile = "catalog.json"

// Catalog holds the images and collections an Evaluator can load. It is
// read-only once built.
type Catalog struct {
	Grid Grid

	mu          sync.RWMutex
	images      map[string]*Image
	collections map[string][]*Image
}

// NewCatalog creates an empty catalog on grid
func NewCatalog(grid Grid) (*Catalog, error) {
	if err := grid.Validate(); err != nil {
		return nil, err
	}
	return &Catalog{
		Grid:        grid,
		images:      make(map[string]*Image),
		collections: make(map[string][]*Image),
	}, nil
}

// AddImage registers an image under its ID
func (c *Catalog) AddImage(img *Image) error {
	if img.ID == "" {
		return fmt.Errorf("image has no id")
	}
	n := c.Grid.Len()
	for _, b := range img.Bands {
		if len(b.Data) != n || len(b.Mask) != n {
			return fmt.Errorf("image %s band %s has %d values, grid has %d", img.ID, b.Name, len(b.Data), n)
		}
	}
	if img.Props == nil {
		img.Props = map[string]any{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, dup := c.images[img.ID]; dup {
		return fmt.Errorf("duplicate image id %s", img.ID)
	}
	c.images[img.ID] = img
	return nil
}

// AddToCollection registers an image and appends it to a collection. The
// collection keeps insertion order.
func (c *Catalog) AddToCollection(collection string, img *Image) error {
	if err := c.AddImage(img); err != nil {
		return err
	}
	c.mu.Lock()
	c.collections[collection] = append(c.collections[collection], img)
	c.mu.Unlock()
	return nil
}

// AddCollection registers a collection that may stay empty
func (c *Catalog) AddCollection(collection string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.collections[collection]; !ok {
		c.collections[collection] = []*Image{}
	}
}

// Image looks up an image by id
func (c *Catalog) Image(id string) (*Image, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	img, ok := c.images[id]
	return img, ok
}

// Collection returns the images of a collection in insertion order. Unknown
// collections are an error, empty ones are not.
func (c *Catalog) Collection(id string) ([]*Image, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	imgs, ok := c.collections[id]
	if !ok {
		return nil, fmt.Errorf("image collection %q not found in catalog", id)
	}
	out := make([]*Image, len(imgs))
	copy(out, imgs)
	return out, nil
}

// ConstantBand builds a fully valid band with one value everywhere
func (c *Catalog) ConstantBand(name string, v float64) *Band {
	n := c.Grid.Len()
	b := &Band{Name: name, Data: make([]float64, n), Mask: make([]bool, n)}
	for i := range b.Data {
		b.Data[i] = v
		b.Mask[i] = true
	}
	return b
}

type manifest struct {
	Grid        Grid            `json:"grid"`
	Collections []string        `json:"collections,omitempty"` // registered even when empty
	Images      []manifestImage `json:"images"`
}

type manifestImage struct {
	ID         string          `json:"id"`
	Collection string          `json:"collection,omitempty"`
	TimeStart  string          `json:"timeStart,omitempty"`
	Properties map[string]any  `json:"properties,omitempty"`
	Footprint  json.RawMessage `json:"footprint,omitempty"` // GeoJSON geometry
	Bands      []manifestBand  `json:"bands"`
}

type manifestBand struct {
	Name   string   `json:"name"`
	File   string   `json:"file,omitempty"`  // 16-bit grayscale TIFF
	Value  *float64 `json:"value,omitempty"` // constant band instead of a file
	Scale  float64  `json:"scale,omitempty"`
	Offset float64  `json:"offset,omitempty"`
	NoData *float64 `json:"noData,omitempty"`
}

// LoadCatalog reads catalog.json from dir and decodes every band file.
func LoadCatalog(dir string) (*Catalog, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog manifest: %w", err)
	}
	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse catalog manifest: %w", err)
	}
	cat, err := NewCatalog(m.Grid)
	if err != nil {
		return nil, fmt.Errorf("invalid catalog grid: %w", err)
	}
	for _, id := range m.Collections {
		cat.AddCollection(id)
	}

	images := make([]*Image, len(m.Images))
	var g errgroup.Group
	g.SetLimit(4)
	for i, mi := range m.Images {
		i, mi := i, mi
		g.Go(func() error {
			img, err := cat.loadImage(dir, mi)
			if err != nil {
				return fmt.Errorf("failed to load image %s: %w", mi.ID, err)
			}
			images[i] = img
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Register in manifest order so collections keep it.
	for i, img := range images {
		coll := m.Images[i].Collection
		if coll == "" {
			err = cat.AddImage(img)
		} else {
			err = cat.AddToCollection(coll, img)
		}
		if err != nil {
			return nil, err
		}
	}
	return cat, nil
}

func (c *Catalog) loadImage(dir string, mi manifestImage) (*Image, error) {
	img := &Image{ID: mi.ID, Props: map[string]any{}}
	for k, v := range mi.Properties {
		img.Props[k] = v
	}
	if mi.TimeStart != "" {
		t, err := parseTime(mi.TimeStart)
		if err != nil {
			return nil, fmt.Errorf("invalid timeStart: %w", err)
		}
		img.Props[ee.SystemTimeStart] = float64(common.EpochMillis(t))
	}
	if len(mi.Footprint) > 0 {
		geom, err := geojson.UnmarshalGeometry(mi.Footprint)
		if err != nil {
			return nil, fmt.Errorf("invalid footprint: %w", err)
		}
		bound := geom.Geometry().Bound()
		img.Footprint = &bound
	}
	for _, mb := range mi.Bands {
		b, err := c.loadBand(dir, mb)
		if err != nil {
			return nil, fmt.Errorf("band %s: %w", mb.Name, err)
		}
		img.Bands = append(img.Bands, b)
	}
	return img, nil
}

func (c *Catalog) loadBand(dir string, mb manifestBand) (*Band, error) {
	if mb.Value != nil {
		return c.ConstantBand(mb.Name, *mb.Value), nil
	}
	if mb.File == "" {
		return nil, fmt.Errorf("band needs a file or a value")
	}
	f, err := os.Open(filepath.Join(dir, mb.File))
	if err != nil {
		return nil, fmt.Errorf("failed to open band file: %w", err)
	}
	defer f.Close()

	raster, err := tiff.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode TIFF %s: %w", mb.File, err)
	}
	bounds := raster.Bounds()
	if bounds.Dx() != c.Grid.Width || bounds.Dy() != c.Grid.Height {
		return nil, fmt.Errorf("TIFF %s is %dx%d, grid is %dx%d",
			mb.File, bounds.Dx(), bounds.Dy(), c.Grid.Width, c.Grid.Height)
	}

	scale := mb.Scale
	if scale == 0 {
		scale = 1
	}
	n := c.Grid.Len()
	b := &Band{Name: mb.Name, Data: make([]float64, n), Mask: make([]bool, n)}
	for row := 0; row < c.Grid.Height; row++ {
		for col := 0; col < c.Grid.Width; col++ {
			raw := gray16(raster, bounds.Min.X+col, bounds.Min.Y+row)
			v := float64(raw)*scale + mb.Offset
			i := row*c.Grid.Width + col
			b.Data[i] = v
			b.Mask[i] = mb.NoData == nil || v != *mb.NoData
		}
	}
	return b, nil
}

func gray16(img image.Image, x, y int) uint16 {
	if g, ok := img.(*image.Gray16); ok {
		return g.Gray16At(x, y).Y
	}
	return color.Gray16Model.Convert(img.At(x, y)).(color.Gray16).Y
}

func parseTime(s string) (time.Time, error) {
	if t, err := common.ParseISO8601(s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}
