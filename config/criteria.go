package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"porsche-tracker/models"
)

// criteriaFile is the YAML layout of CRITERIA_FILE. Prices are whole dollars.
type criteriaFile struct {
	Criteria []criteriaEntry `yaml:"criteria"`
}

type criteriaEntry struct {
	ID             string           `yaml:"id"`
	Name           string           `yaml:"name"`
	Owner          string           `yaml:"owner"`
	Make           string           `yaml:"make"`
	Models         []string         `yaml:"models"`
	MinYear        int              `yaml:"min_year"`
	MaxYear        int              `yaml:"max_year"`
	MinPrice       int64            `yaml:"min_price"`
	MaxPrice       int64            `yaml:"max_price"`
	MaxMileage     int              `yaml:"max_mileage"`
	MaxDistanceMi  float64          `yaml:"max_distance"`
	HomeZip        string           `yaml:"home_zip"`
	HomeLat        *float64         `yaml:"home_lat"`
	HomeLon        *float64         `yaml:"home_lon"`
	Conditions     []string         `yaml:"conditions"`
	ExteriorColors []string         `yaml:"exterior_colors"`
	InteriorColors []string         `yaml:"interior_colors"`
	Transmissions  []string         `yaml:"transmissions"`
	Drivetrains    []string         `yaml:"drivetrains"`
	Channels       []models.Channel `yaml:"channels"`
	Active         *bool            `yaml:"active"`
}

// LoadCriteriaFile reads watch criteria from a YAML file.
func LoadCriteriaFile(path string) ([]models.WatchCriteria, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("criteria: read %q: %w", path, err)
	}
	return ParseCriteria(data)
}

// ParseCriteria decodes and validates a criteria document.
func ParseCriteria(data []byte) ([]models.WatchCriteria, error) {
	var doc criteriaFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("criteria: decode yaml: %w", err)
	}

	seen := make(map[string]struct{}, len(doc.Criteria))
	out := make([]models.WatchCriteria, 0, len(doc.Criteria))
	var errs []error
	for i, e := range doc.Criteria {
		id := strings.TrimSpace(e.ID)
		if id == "" {
			errs = append(errs, fmt.Errorf("criteria[%d]: id is required", i))
			continue
		}
		if _, dup := seen[id]; dup {
			errs = append(errs, fmt.Errorf("criteria %q: duplicate id", id))
			continue
		}
		seen[id] = struct{}{}

		if e.MinPrice > 0 && e.MaxPrice > 0 && e.MinPrice > e.MaxPrice {
			errs = append(errs, fmt.Errorf("criteria %q: min_price above max_price", id))
		}
		if e.MinYear > 0 && e.MaxYear > 0 && e.MinYear > e.MaxYear {
			errs = append(errs, fmt.Errorf("criteria %q: min_year above max_year", id))
		}
		for _, ch := range e.Channels {
			switch ch.Type {
			case models.ChannelEmail, models.ChannelSMS, models.ChannelWebhook, models.ChannelLog:
			default:
				errs = append(errs, fmt.Errorf("criteria %q: unknown channel type %q", id, ch.Type))
			}
		}

		active := true
		if e.Active != nil {
			active = *e.Active
		}
		name := e.Name
		if name == "" {
			name = id
		}
		out = append(out, models.WatchCriteria{
			ID:             id,
			Name:           name,
			Owner:          e.Owner,
			Make:           e.Make,
			Models:         e.Models,
			MinYear:        e.MinYear,
			MaxYear:        e.MaxYear,
			MinPrice:       e.MinPrice * 100,
			MaxPrice:       e.MaxPrice * 100,
			MaxMileage:     e.MaxMileage,
			MaxDistanceMi:  e.MaxDistanceMi,
			HomeZip:        e.HomeZip,
			HomeLat:        e.HomeLat,
			HomeLon:        e.HomeLon,
			Conditions:     e.Conditions,
			ExteriorColors: e.ExteriorColors,
			InteriorColors: e.InteriorColors,
			Transmissions:  e.Transmissions,
			Drivetrains:    e.Drivetrains,
			Channels:       e.Channels,
			Active:         active,
		})
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return out, nil
}
