package device

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadType parses a single device-type schema document (spec.md §6).
func LoadType(data []byte) (*DeviceType, error) {
	var t DeviceType
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("device: parse device type: %w", err)
	}
	if t.Name == "" {
		return nil, fmt.Errorf("device: device type document missing name")
	}
	for i := range t.Registers {
		t.Registers[i].applyDefaults()
	}
	return &t, nil
}

type mappingDocument struct {
	Devices []MappingEntry `yaml:"devices"`
}

// LoadMapping parses a unit-mapping document (spec.md §6: a mapping
// document lists {unitId, type, name} triples).
func LoadMapping(data []byte) ([]MappingEntry, error) {
	var doc mappingDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("device: parse mapping: %w", err)
	}
	return doc.Devices, nil
}

// LoadTypesDir loads every *.yaml/*.yml file in dir as a device type,
// generalizing original_source/ModbusDevice.h's loadAllDeviceTypes to a
// Go-idiomatic directory walk.
func LoadTypesDir(dir string) (map[string]*DeviceType, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("device: read types dir %s: %w", dir, err)
	}

	types := make(map[string]*DeviceType)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("device: read %s: %w", entry.Name(), err)
		}
		t, err := LoadType(data)
		if err != nil {
			return nil, fmt.Errorf("device: %s: %w", entry.Name(), err)
		}
		types[t.Name] = t
	}
	return types, nil
}
