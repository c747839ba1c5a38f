package dashboard

import (
	"bytes"
	"io"
	"os"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/livechart/pkg/chart"
	"github.com/go-go-golems/livechart/pkg/livesocket"
	"github.com/go-go-golems/livechart/pkg/redisstream"
)

const DefaultInterval = time.Second

type Config struct {
	Title    string               `yaml:"title"`
	Interval time.Duration        `yaml:"interval"`
	Live     LiveConfig           `yaml:"live"`
	Redis    redisstream.Settings `yaml:"redis"`
	Charts   []ChartConfig        `yaml:"charts"`
}

// LiveConfig is the reconnect behaviour shared by every stream.
type LiveConfig struct {
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	MaxDelay       time.Duration `yaml:"max_delay"`
	MaxAttempts    int           `yaml:"max_attempts"`
	Backoff        string        `yaml:"backoff"`
}

// ChartConfig declares one panel. Exactly one of URL (polled) or Stream (live)
// is set.
type ChartConfig struct {
	ID       string        `yaml:"id"`
	Title    string        `yaml:"title"`
	Kind     string        `yaml:"kind"`
	URL      string        `yaml:"url"`
	Stream   string        `yaml:"stream"`
	Interval time.Duration `yaml:"interval"`
}

func (c ChartConfig) Live() bool {
	return c.Stream != ""
}

func LoadConfig(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "open dashboard config")
	}
	defer func() { _ = f.Close() }()
	cfg, err := ParseConfig(f)
	if err != nil {
		return Config{}, errors.Wrapf(err, "load %s", path)
	}
	return cfg, nil
}

// ParseConfig decodes YAML, rejecting unknown fields, then applies defaults
// and validates.
func ParseConfig(r io.Reader) (Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Config{}, errors.Wrap(err, "read dashboard config")
	}
	cfg := Config{Redis: redisstream.DefaultSettings()}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, errors.Wrap(err, "decode dashboard config")
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) ApplyDefaults() {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.Live.ReconnectDelay <= 0 {
		c.Live.ReconnectDelay = livesocket.DefaultReconnectDelay
	}
	if c.Live.Backoff == "" {
		c.Live.Backoff = "fixed"
	}
	for i := range c.Charts {
		ch := &c.Charts[i]
		if ch.Title == "" {
			ch.Title = ch.ID
		}
		if ch.Interval <= 0 {
			ch.Interval = c.Interval
		}
	}
}

// Validate reports every problem at once.
func (c Config) Validate() error {
	var result *multierror.Error
	if len(c.Charts) == 0 {
		result = multierror.Append(result, errors.New("no charts configured"))
	}
	seen := map[string]bool{}
	for i, ch := range c.Charts {
		switch {
		case ch.ID == "":
			result = multierror.Append(result, errors.Errorf("chart %d: id is required", i))
		case seen[ch.ID]:
			result = multierror.Append(result, errors.Errorf("chart %q: duplicate id", ch.ID))
		}
		seen[ch.ID] = true
		if (ch.URL == "") == (ch.Stream == "") {
			result = multierror.Append(result, errors.Errorf("chart %q: exactly one of url or stream is required", ch.ID))
		}
		if _, err := chart.ParseKind(ch.Kind); err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "chart %q", ch.ID))
		}
	}
	if c.Live.Backoff != "fixed" && c.Live.Backoff != "exponential" {
		result = multierror.Append(result, errors.Errorf("live.backoff %q: want fixed or exponential", c.Live.Backoff))
	}
	if c.Live.MaxAttempts < 0 {
		result = multierror.Append(result, errors.New("live.max_attempts must not be negative"))
	}
	if err := c.Redis.Validate(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// Policy builds the reconnect policy for one socket lineage.
func (l LiveConfig) Policy() livesocket.Policy {
	if l.Backoff == "exponential" {
		return livesocket.NewExponential(livesocket.ExponentialConfig{
			Initial:     l.ReconnectDelay,
			Max:         l.MaxDelay,
			Jitter:      0.2,
			MaxAttempts: l.MaxAttempts,
		})
	}
	return livesocket.Fixed{Delay: l.ReconnectDelay, MaxAttempts: l.MaxAttempts}
}
