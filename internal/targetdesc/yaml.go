package targetdesc

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type rawRegion struct {
	Name         string       `yaml:"name,omitempty"`
	Range        AddressRange `yaml:"range"`
	IsBootMemory bool         `yaml:"is_boot_memory,omitempty"`
	Cores        []string     `yaml:"cores,omitempty"`
}

// UnmarshalYAML reads a region from its tagged mapping (!Ram, !Nvm, !Generic).
func (m *MemoryRegion) UnmarshalYAML(value *yaml.Node) error {
	var kind RegionKind
	switch value.Tag {
	case "!Ram":
		kind = RegionRAM
	case "!Nvm":
		kind = RegionNVM
	case "!Generic":
		kind = RegionGeneric
	default:
		return fmt.Errorf("line %d: memory region needs a !Ram, !Nvm or !Generic tag, got %q", value.Line, value.Tag)
	}

	plain := *value
	plain.Tag = ""
	var raw rawRegion
	if err := plain.Decode(&raw); err != nil {
		return err
	}
	if raw.Range.End <= raw.Range.Start {
		return fmt.Errorf("line %d: empty memory range %#x..%#x", value.Line, raw.Range.Start, raw.Range.End)
	}

	*m = MemoryRegion{
		Kind:         kind,
		Name:         raw.Name,
		Range:        raw.Range,
		IsBootMemory: raw.IsBootMemory,
		Cores:        raw.Cores,
	}
	return nil
}

// MarshalYAML writes the region back with its tag.
func (m MemoryRegion) MarshalYAML() (interface{}, error) {
	var node yaml.Node
	if err := node.Encode(rawRegion{
		Name:         m.Name,
		Range:        m.Range,
		IsBootMemory: m.IsBootMemory,
		Cores:        m.Cores,
	}); err != nil {
		return nil, err
	}
	node.Tag = "!" + string(m.Kind)
	return &node, nil
}

// ParseFamily decodes and validates one family description.
func ParseFamily(data []byte, source Source) (*ChipFamily, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var family ChipFamily
	if err := dec.Decode(&family); err != nil {
		return nil, fmt.Errorf("failed to decode target description: %w", err)
	}
	family.Source = source
	family.link()

	if err := family.Validate(); err != nil {
		return nil, err
	}
	return &family, nil
}

// LoadFamilyFile reads a family description from disk.
func LoadFamilyFile(path string) (*ChipFamily, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	family, err := ParseFamily(data, SourceExternal)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	family.Path = path
	return family, nil
}

// Encode writes the family as YAML.
func (f *ChipFamily) Encode() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(f); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// link points every variant back at its family.
func (f *ChipFamily) link() {
	for i := range f.Variants {
		f.Variants[i].family = f
	}
}
