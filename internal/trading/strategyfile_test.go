package trading

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"

	apperrors "optsim/internal/errors"
	"optsim/internal/models"
)

func TestPresetsValidate(t *testing.T) {
	names := PresetNames()
	if len(names) != 6 {
		t.Fatalf("got %d presets: %v", len(names), names)
	}
	for _, name := range names {
		cfg, err := Preset(name)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if err := cfg.Validate(); err != nil {
			t.Errorf("%s does not validate: %v", name, err)
		}
		if cfg.Name != name {
			t.Errorf("%s carries name %q", name, cfg.Name)
		}
	}
	if _, err := Preset("martingale"); !errors.Is(err, apperrors.ErrConfigInvalid) {
		t.Errorf("unknown preset: got %v", err)
	}
}

func TestPresetReturnsCopy(t *testing.T) {
	a, _ := Preset("nifty-norentry")
	a.Legs[0].Direction = Short
	b, _ := Preset("nifty-norentry")
	if b.Legs[0].Direction != Long {
		t.Error("mutating a preset copy leaked into the registry")
	}
}

func TestParseStrategyExtends(t *testing.T) {
	doc := `
extends: nifty-norentry
name: nifty-40
target_points: 40
legs:
  - side: CE
`
	cfg, err := ParseStrategy(strings.NewReader(doc))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Name != "nifty-40" || cfg.TargetPoints != 40 {
		t.Errorf("override lost: name=%q target=%v", cfg.Name, cfg.TargetPoints)
	}
	if cfg.Reference.Kind != RefNthBar || cfg.Reference.N != 2 {
		t.Errorf("inherited reference lost: %+v", cfg.Reference)
	}
	if len(cfg.Legs) != 1 || cfg.Legs[0].Side != models.CE || cfg.Legs[0].Direction != Long {
		t.Errorf("legs = %+v, want a single defaulted CE leg", cfg.Legs)
	}
}

func TestParseStrategyRejects(t *testing.T) {
	tests := map[string]string{
		"unknown field":  "legs: [{side: CE}]\nreference: {kind: NTH_BAR, n: 1}\ntarget_pointz: 3\n",
		"bad enum":       "legs: [{side: CE}]\nreference: {kind: NTH_BAR, n: 1}\nstop_fill: SOMETIME\n",
		"missing legs":   "reference: {kind: NTH_BAR, n: 1}\n",
		"bad clock":      "legs: [{side: CE}]\nreference: {kind: AT_TIME, time: \"9h15\"}\n",
		"positive stop":  "legs: [{side: CE}]\nreference: {kind: NTH_BAR, n: 1}\nday_stop: 39\n",
		"unknown preset": "extends: nope\n",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseStrategy(strings.NewReader(doc)); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestSaveAndLoadStrategyFile(t *testing.T) {
	cfg, _ := Preset("crude-buying")
	path := filepath.Join(t.TempDir(), "crude.yaml")
	if err := SaveStrategyFile(path, cfg); err != nil {
		t.Fatal(err)
	}
	loaded, err := LoadStrategyFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Reference != cfg.Reference || loaded.TargetPolicy != TargetCloseAll || loaded.BufferPoints != 7 {
		t.Errorf("loaded strategy differs: %+v", loaded)
	}
}
