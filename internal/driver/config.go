/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package driver

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// PointType is the value type a point stores.
type PointType string

const (
	TypeFloat  PointType = "float"
	TypeInt    PointType = "int"
	TypeBool   PointType = "bool"
	TypeString PointType = "string"
)

// PointConfig describes one point of a device.
type PointConfig struct {
	Name     string    `yaml:"name"`
	Type     PointType `yaml:"type"`
	Writable bool      `yaml:"writable"`
	Default  any       `yaml:"default"`
	Units    string    `yaml:"units,omitempty"`
}

// DeviceConfig describes a device and its points.
type DeviceConfig struct {
	Path   string        `yaml:"path"`
	Points []PointConfig `yaml:"points"`
}

// File is the device registry document.
type File struct {
	Devices []DeviceConfig `yaml:"devices"`
}

// Load reads and validates a device registry file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read devices file: %w", err)
	}
	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

// Parse decodes and validates a device registry document.
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse devices: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Validate checks paths, names, types and defaults.
func (f *File) Validate() error {
	seen := make(map[string]bool)
	for i := range f.Devices {
		d := &f.Devices[i]
		d.Path = strings.Trim(strings.TrimSpace(d.Path), "/")
		if d.Path == "" {
			return fmt.Errorf("device %d: path is required", i)
		}
		if seen[d.Path] {
			return fmt.Errorf("device %s: duplicate path", d.Path)
		}
		seen[d.Path] = true

		names := make(map[string]bool)
		for j := range d.Points {
			p := &d.Points[j]
			p.Name = strings.TrimSpace(p.Name)
			if p.Name == "" || strings.Contains(p.Name, "/") {
				return fmt.Errorf("device %s point %d: invalid name %q", d.Path, j, p.Name)
			}
			if names[p.Name] {
				return fmt.Errorf("device %s: duplicate point %s", d.Path, p.Name)
			}
			names[p.Name] = true

			if p.Type == "" {
				p.Type = TypeFloat
			}
			switch p.Type {
			case TypeFloat, TypeInt, TypeBool, TypeString:
			default:
				return fmt.Errorf("device %s point %s: unknown type %q", d.Path, p.Name, p.Type)
			}
			if p.Default == nil {
				p.Default = zero(p.Type)
			}
			v, err := coerce(p.Type, p.Default)
			if err != nil {
				return fmt.Errorf("device %s point %s: default: %w", d.Path, p.Name, err)
			}
			p.Default = v
		}
	}
	return nil
}

// PointCount returns the total number of points across all devices.
func (f *File) PointCount() int {
	n := 0
	for _, d := range f.Devices {
		n += len(d.Points)
	}
	return n
}

func zero(t PointType) any {
	switch t {
	case TypeInt:
		return int64(0)
	case TypeBool:
		return false
	case TypeString:
		return ""
	default:
		return 0.0
	}
}
