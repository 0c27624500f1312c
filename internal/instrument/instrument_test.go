package instrument

import (
	"errors"
	"path/filepath"
	"testing"
)

const sample = `{
  "name": "test-array",
  "telescopes": {
    "1": {"type": "LST", "position": [0, 0, 0], "focal_length": 28, "mirror_area": 386},
    "2": {"type": "MST", "position": [100, -20, 1.5], "focal_length": 16, "mirror_area": 100}
  }
}`

func TestParse(t *testing.T) {
	s, err := Parse([]byte(sample))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if s.Name != "test-array" {
		t.Fatalf("expected name test-array, got %q", s.Name)
	}
	if s.Len() != 2 {
		t.Fatalf("expected 2 telescopes, got %d", s.Len())
	}
	tel, ok := s.Telescope(2)
	if !ok {
		t.Fatalf("expected telescope 2")
	}
	if tel.ID != 2 || tel.FocalLength != 16 || tel.Pos().X != 100 || tel.Pos().Z != 1.5 {
		t.Fatalf("unexpected telescope %+v", tel)
	}
	if ids := s.IDs(); len(ids) != 2 || ids[0] != 1 || ids[1] != 2 {
		t.Fatalf("unexpected ids %v", ids)
	}
}

func TestParseRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"empty":        `{"telescopes": {}}`,
		"bad id":       `{"telescopes": {"x": {"focal_length": 1}}}`,
		"zero id":      `{"telescopes": {"0": {"focal_length": 1}}}`,
		"no focal":     `{"telescopes": {"1": {"position": [0,0,0]}}}`,
		"neg mirror":   `{"telescopes": {"1": {"focal_length": 1, "mirror_area": -1}}}`,
		"not json":     `telescopes`,
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Parse([]byte(in)); err == nil {
				t.Fatalf("expected error for %s", name)
			}
		})
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s, err := New("rt", []Telescope{
		{ID: 3, Position: [3]float64{1, 2, 3}, FocalLength: 10},
		{ID: 7, Position: [3]float64{-5, 0, 0}, FocalLength: 12, MirrorArea: 50},
	})
	if err != nil {
		t.Fatalf("new failed: %v", err)
	}
	path := filepath.Join(t.TempDir(), "array.json")
	if err := s.Save(path); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	tel, err := loaded.MustTelescope(7)
	if err != nil {
		t.Fatalf("expected telescope 7: %v", err)
	}
	if tel.MirrorArea != 50 || tel.Position[0] != -5 {
		t.Fatalf("unexpected telescope after round trip %+v", tel)
	}
}

func TestMustTelescopeUnknown(t *testing.T) {
	s, _ := New("x", []Telescope{{ID: 1, FocalLength: 1}})
	if _, err := s.MustTelescope(9); !errors.Is(err, ErrUnknownTelescope) {
		t.Fatalf("expected ErrUnknownTelescope, got %v", err)
	}
	var nilArray *Subarray
	if _, ok := nilArray.Telescope(1); ok {
		t.Fatalf("expected nil subarray lookup to fail")
	}
}

func TestNewRejectsDuplicates(t *testing.T) {
	if _, err := New("dup", []Telescope{{ID: 1, FocalLength: 1}, {ID: 1, FocalLength: 2}}); err == nil {
		t.Fatalf("expected duplicate id error")
	}
}
