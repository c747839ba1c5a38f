package redisstream

import (
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/schema"
	"github.com/pkg/errors"
)

const SectionSlug = "redis"

// Settings holds Redis Streams transport configuration for the live relay.
// The yaml tags serve the dashboard file, the glazed tags the redis section.
type Settings struct {
	Enabled  bool   `yaml:"enabled" glazed:"redis-enabled"`
	Addr     string `yaml:"addr" glazed:"redis-addr"`
	Group    string `yaml:"group" glazed:"redis-group"`
	Consumer string `yaml:"consumer" glazed:"redis-consumer"`
}

func DefaultSettings() Settings {
	return Settings{
		Addr:     "localhost:6379",
		Group:    "livechart",
		Consumer: "ui-1",
	}
}

// NewSection builds the redis-* fields with the default settings.
func NewSection() (schema.Section, error) {
	d := DefaultSettings()
	return schema.NewSection(SectionSlug, "Redis Streams relay for live charts",
		schema.WithFields(
			fields.New("redis-enabled", fields.TypeBool, fields.WithDefault(d.Enabled), fields.WithHelp("Relay live messages through Redis Streams")),
			fields.New("redis-addr", fields.TypeString, fields.WithDefault(d.Addr), fields.WithHelp("Redis address host:port")),
			fields.New("redis-group", fields.TypeString, fields.WithDefault(d.Group), fields.WithHelp("Redis consumer group")),
			fields.New("redis-consumer", fields.TypeString, fields.WithDefault(d.Consumer), fields.WithHelp("Redis consumer name")),
		))
}

func (s Settings) Validate() error {
	if !s.Enabled {
		return nil
	}
	if s.Addr == "" {
		return errors.New("redis-addr is required when redis is enabled")
	}
	if s.Group == "" || s.Consumer == "" {
		return errors.New("redis-group and redis-consumer are required when redis is enabled")
	}
	return nil
}
