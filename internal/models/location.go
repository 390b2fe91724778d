package models

import "strings"

// Location is a named geographic point tracked by the service.
type Location struct {
	Name      string  `json:"name" yaml:"name" validate:"required"`
	Latitude  float64 `json:"latitude" yaml:"lat" validate:"latitude"`
	Longitude float64 `json:"longitude" yaml:"lon" validate:"longitude"`
}

// Key returns the normalized name used for storage keys and registry lookups.
func (l Location) Key() string {
	return NormalizeName(l.Name)
}

// NormalizeName trims whitespace and lowercases a location name.
func NormalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
