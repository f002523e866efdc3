package trading

import (
	"bytes"
	"fmt"
	"io"
	"os"

	yaml "gopkg.in/yaml.v3"
)

// strategyFile is the on-disk form of a strategy. Extends names a preset
// whose values the file overrides field by field.
type strategyFile struct {
	Extends        string `yaml:"extends,omitempty"`
	StrategyConfig `yaml:",inline"`
}

// LoadStrategyFile reads a YAML strategy definition from path.
func LoadStrategyFile(path string) (StrategyConfig, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- user-provided strategy file
	if err != nil {
		return StrategyConfig{}, fmt.Errorf("reading strategy file: %w", err)
	}
	return ParseStrategy(bytes.NewReader(data))
}

// ParseStrategy decodes a YAML strategy definition, resolves extends and
// validates the result. Environment variables in the document are expanded.
func ParseStrategy(r io.Reader) (StrategyConfig, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return StrategyConfig{}, fmt.Errorf("reading strategy: %w", err)
	}
	data = []byte(os.ExpandEnv(string(data)))

	var head struct {
		Extends string `yaml:"extends"`
	}
	if err := yaml.Unmarshal(data, &head); err != nil {
		return StrategyConfig{}, fmt.Errorf("parsing strategy: %w", err)
	}

	var file strategyFile
	if head.Extends != "" {
		base, err := Preset(head.Extends)
		if err != nil {
			return StrategyConfig{}, err
		}
		file.StrategyConfig = base
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil && err != io.EOF {
		return StrategyConfig{}, fmt.Errorf("parsing strategy: %w", err)
	}

	cfg := file.StrategyConfig.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return StrategyConfig{}, fmt.Errorf("invalid strategy: %w", err)
	}
	return cfg, nil
}

// WriteStrategy encodes cfg as YAML to w.
func WriteStrategy(w io.Writer, cfg StrategyConfig) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(strategyFile{StrategyConfig: cfg}); err != nil {
		return fmt.Errorf("encoding strategy: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("encoding strategy: %w", err)
	}
	return nil
}

// SaveStrategyFile writes cfg as YAML, for example to start a custom
// strategy from a preset.
func SaveStrategyFile(path string, cfg StrategyConfig) error {
	var buf bytes.Buffer
	if err := WriteStrategy(&buf, cfg); err != nil {
		return err
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("writing strategy file: %w", err)
	}
	return nil
}
