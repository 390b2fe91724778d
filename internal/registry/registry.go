package registry

import (
	"errors"
	"fmt"
	"strings"

	"github.com/kjstillabower/weather-insights/internal/models"
	"github.com/kjstillabower/weather-insights/internal/validation"
)

// ErrDuplicateLocation is returned when two locations normalize to the same name.
var ErrDuplicateLocation = errors.New("duplicate location")

// ErrUnknownLocation is returned by Lookup and Select for names not in the registry.
var ErrUnknownLocation = errors.New("unknown location")

// DefaultLocations is used when configuration does not list any locations.
var DefaultLocations = []models.Location{
	{Name: "Moscow", Latitude: 55.7558, Longitude: 37.6173},
	{Name: "Saint Petersburg", Latitude: 59.9404, Longitude: 30.2639},
	{Name: "Novosibirsk", Latitude: 55.0412, Longitude: 82.8463},
	{Name: "Yekaterinburg", Latitude: 56.8389, Longitude: 60.6057},
	{Name: "Vladivostok", Latitude: 43.1196, Longitude: 131.8728},
	{Name: "Sochi", Latitude: 43.6028, Longitude: 39.7314},
	{Name: "Kazan", Latitude: 55.7964, Longitude: 49.1061},
	{Name: "Krasnoyarsk", Latitude: 56.0153, Longitude: 92.8932},
	{Name: "Omsk", Latitude: 54.9885, Longitude: 73.3242},
	{Name: "Samara", Latitude: 53.1956, Longitude: 50.1019},
}

// Registry is an immutable, ordered set of locations. Safe for concurrent reads.
type Registry struct {
	locations []models.Location
	byKey     map[string]int
}

// New validates every location and builds a registry preserving the given order.
func New(locations []models.Location) (*Registry, error) {
	r := &Registry{
		locations: make([]models.Location, 0, len(locations)),
		byKey:     make(map[string]int, len(locations)),
	}
	for _, loc := range locations {
		valid, err := validation.ValidateLocation(loc)
		if err != nil {
			return nil, fmt.Errorf("registry: %q: %w", loc.Name, err)
		}
		key := valid.Key()
		if _, exists := r.byKey[key]; exists {
			return nil, fmt.Errorf("registry: %w: %q", ErrDuplicateLocation, valid.Name)
		}
		r.byKey[key] = len(r.locations)
		r.locations = append(r.locations, valid)
	}
	return r, nil
}

// All returns a copy of the registered locations in registration order.
func (r *Registry) All() []models.Location {
	out := make([]models.Location, len(r.locations))
	copy(out, r.locations)
	return out
}

// Len returns the number of registered locations.
func (r *Registry) Len() int {
	return len(r.locations)
}

// Lookup finds a location by name, case-insensitively.
func (r *Registry) Lookup(name string) (models.Location, error) {
	idx, ok := r.byKey[models.NormalizeName(name)]
	if !ok {
		return models.Location{}, fmt.Errorf("%w: %q", ErrUnknownLocation, name)
	}
	return r.locations[idx], nil
}

// Select resolves names to registered locations in registration order. An empty list selects
// everything. A name matches exactly first; otherwise it matches every location whose name
// starts with it (case-insensitive), so "saint" selects Saint Petersburg but "sk" selects
// nothing. Names that match nothing produce ErrUnknownLocation.
func (r *Registry) Select(names []string) ([]models.Location, error) {
	if len(names) == 0 {
		return r.All(), nil
	}
	picked := make(map[int]struct{})
	var unknown []string
	for _, name := range names {
		key := models.NormalizeName(name)
		if key == "" {
			continue
		}
		if idx, ok := r.byKey[key]; ok {
			picked[idx] = struct{}{}
			continue
		}
		matched := false
		for i, loc := range r.locations {
			if strings.HasPrefix(loc.Key(), key) {
				picked[i] = struct{}{}
				matched = true
			}
		}
		if !matched {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownLocation, strings.Join(unknown, ", "))
	}
	out := make([]models.Location, 0, len(picked))
	for i, loc := range r.locations {
		if _, ok := picked[i]; ok {
			out = append(out, loc)
		}
	}
	return out, nil
}
