/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package driver provides the virtual device layer points are read from and written to.
package driver

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/friendsincode/actuator/internal/errcode"
)

type point struct {
	cfg   PointConfig
	value any
}

type device struct {
	path   string
	points map[string]*point
}

// PointInfo is a read-only view of a point.
type PointInfo struct {
	Name     string    `json:"name"`
	Type     PointType `json:"type"`
	Writable bool      `json:"writable"`
	Units    string    `json:"units,omitempty"`
	Value    any       `json:"value"`
}

// DeviceInfo is a read-only view of a device.
type DeviceInfo struct {
	Path   string      `json:"path"`
	Points []PointInfo `json:"points"`
}

// Registry holds in-memory device state.
type Registry struct {
	mu      sync.RWMutex
	devices map[string]*device
	logger  zerolog.Logger
}

// NewRegistry builds a registry initialised to each point's default.
func NewRegistry(f *File, logger zerolog.Logger) *Registry {
	r := &Registry{
		devices: make(map[string]*device),
		logger:  logger.With().Str("component", "driver").Logger(),
	}
	if f == nil {
		return r
	}
	for _, dc := range f.Devices {
		d := &device{path: dc.Path, points: make(map[string]*point, len(dc.Points))}
		for _, pc := range dc.Points {
			d.points[pc.Name] = &point{cfg: pc, value: pc.Default}
		}
		r.devices[dc.Path] = d
	}
	r.logger.Info().Int("devices", len(r.devices)).Int("points", f.PointCount()).Msg("device registry loaded")
	return r
}

func (r *Registry) lookup(devicePath, name string) (*point, error) {
	d, ok := r.devices[devicePath]
	if !ok {
		return nil, errcode.New(errcode.DriverInterfaceError, "No such device: "+devicePath)
	}
	p, ok := d.points[name]
	if !ok {
		return nil, errcode.New(errcode.DriverInterfaceError, "Point not configured on device: "+name)
	}
	return p, nil
}

// Get returns the current value of a point.
func (r *Registry) Get(_ context.Context, devicePath, name string) (any, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, err := r.lookup(devicePath, name)
	if err != nil {
		return nil, err
	}
	return p.value, nil
}

// Set writes a value and returns it as stored.
func (r *Registry) Set(_ context.Context, devicePath, name string, value any) (any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, err := r.lookup(devicePath, name)
	if err != nil {
		return nil, err
	}
	if !p.cfg.Writable {
		return nil, errcode.New(errcode.IOError, "Trying to write to a point configured read only: "+name)
	}
	v, err := coerce(p.cfg.Type, value)
	if err != nil {
		return nil, &errcode.E{C: errcode.ValueError, Op: "set " + devicePath + "/" + name, Msg: err.Error(), Err: err}
	}
	p.value = v
	r.logger.Debug().Str("device", devicePath).Str("point", name).Interface("value", v).Msg("point written")
	return v, nil
}

// RevertPoint restores a writable point to its default.
func (r *Registry) RevertPoint(_ context.Context, devicePath, name string) (any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, err := r.lookup(devicePath, name)
	if err != nil {
		return nil, err
	}
	if !p.cfg.Writable {
		return nil, errcode.New(errcode.IOError, "Trying to revert a point configured read only: "+name)
	}
	p.value = p.cfg.Default
	return p.value, nil
}

// RevertDevice restores every writable point of a device.
func (r *Registry) RevertDevice(_ context.Context, devicePath string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[devicePath]
	if !ok {
		return errcode.New(errcode.DriverInterfaceError, "No such device: "+devicePath)
	}
	for _, p := range d.points {
		if p.cfg.Writable {
			p.value = p.cfg.Default
		}
	}
	return nil
}

// Devices lists all devices and point values, sorted by path and point name.
func (r *Registry) Devices() []DeviceInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]DeviceInfo, 0, len(r.devices))
	for _, d := range r.devices {
		info := DeviceInfo{Path: d.path}
		for _, p := range d.points {
			info.Points = append(info.Points, PointInfo{
				Name:     p.cfg.Name,
				Type:     p.cfg.Type,
				Writable: p.cfg.Writable,
				Units:    p.cfg.Units,
				Value:    p.value,
			})
		}
		sort.Slice(info.Points, func(i, j int) bool { return info.Points[i].Name < info.Points[j].Name })
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}
