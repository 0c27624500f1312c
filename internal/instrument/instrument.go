// Package instrument loads the static description of the telescope array.
package instrument

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"

	"gonum.org/v1/gonum/spatial/r3"
)

// ErrUnknownTelescope is returned when an id is not part of the description.
var ErrUnknownTelescope = errors.New("unknown telescope")

// Telescope is the static geometry of one telescope.
type Telescope struct {
	ID          int64      `json:"-"`
	Type        string     `json:"type,omitempty"`
	Position    [3]float64 `json:"position"` // ground frame, metres
	FocalLength float64    `json:"focal_length"`
	MirrorArea  float64    `json:"mirror_area"`
}

// Pos returns the telescope position as a vector.
func (t Telescope) Pos() r3.Vec {
	return r3.Vec{X: t.Position[0], Y: t.Position[1], Z: t.Position[2]}
}

// Subarray is a read-only set of telescopes keyed by id. It is safe for
// concurrent use once loaded.
type Subarray struct {
	Name       string
	telescopes map[int64]Telescope
}

type subarrayFile struct {
	Name       string               `json:"name"`
	Telescopes map[string]Telescope `json:"telescopes"`
}

// New builds a subarray from already-validated telescopes.
func New(name string, tels []Telescope) (*Subarray, error) {
	s := &Subarray{Name: name, telescopes: make(map[int64]Telescope, len(tels))}
	for _, t := range tels {
		if err := validate(t); err != nil {
			return nil, err
		}
		if _, dup := s.telescopes[t.ID]; dup {
			return nil, fmt.Errorf("duplicate telescope id %d", t.ID)
		}
		s.telescopes[t.ID] = t
	}
	return s, nil
}

// Load reads a JSON instrument description from path.
func Load(path string) (*Subarray, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read instrument description: %w", err)
	}
	s, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse instrument description %s: %w", path, err)
	}
	return s, nil
}

// Parse decodes a JSON instrument description.
func Parse(data []byte) (*Subarray, error) {
	var f subarrayFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	if len(f.Telescopes) == 0 {
		return nil, errors.New("no telescopes defined")
	}
	tels := make([]Telescope, 0, len(f.Telescopes))
	for key, t := range f.Telescopes {
		id, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("telescope id %q: %w", key, err)
		}
		t.ID = id
		tels = append(tels, t)
	}
	return New(f.Name, tels)
}

// Save writes the description as indented JSON.
func (s *Subarray) Save(path string) error {
	f := subarrayFile{Name: s.Name, Telescopes: make(map[string]Telescope, len(s.telescopes))}
	for id, t := range s.telescopes {
		f.Telescopes[strconv.FormatInt(id, 10)] = t
	}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Telescope looks up a telescope by id.
func (s *Subarray) Telescope(id int64) (Telescope, bool) {
	if s == nil {
		return Telescope{}, false
	}
	t, ok := s.telescopes[id]
	return t, ok
}

// MustTelescope is like Telescope but returns ErrUnknownTelescope.
func (s *Subarray) MustTelescope(id int64) (Telescope, error) {
	t, ok := s.Telescope(id)
	if !ok {
		return Telescope{}, fmt.Errorf("%w: %d", ErrUnknownTelescope, id)
	}
	return t, nil
}

// IDs returns all telescope ids in ascending order.
func (s *Subarray) IDs() []int64 {
	ids := make([]int64, 0, len(s.telescopes))
	for id := range s.telescopes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Len returns the number of telescopes.
func (s *Subarray) Len() int {
	return len(s.telescopes)
}

func validate(t Telescope) error {
	if t.ID <= 0 {
		return fmt.Errorf("telescope id must be positive, got %d", t.ID)
	}
	if !(t.FocalLength > 0) {
		return fmt.Errorf("telescope %d: focal length must be positive", t.ID)
	}
	if t.MirrorArea < 0 {
		return fmt.Errorf("telescope %d: mirror area must not be negative", t.ID)
	}
	return nil
}
