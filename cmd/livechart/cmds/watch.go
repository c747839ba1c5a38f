package cmds

import (
	"context"
	"time"

	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/livechart/pkg/dashboard"
	"github.com/go-go-golems/livechart/pkg/redisstream"
	"github.com/go-go-golems/livechart/pkg/ui"
)

type WatchCommand struct {
	*cmds.CommandDescription
}

var _ cmds.BareCommand = (*WatchCommand)(nil)

type WatchSettings struct {
	Dashboard     string `glazed:"dashboard"`
	FrameInterval string `glazed:"frame-interval"`
	MetricsAddr   string `glazed:"metrics-addr"`

	Redis redisstream.Settings
}

func NewWatchCommand() (*WatchCommand, error) {
	redisSection, err := redisstream.NewSection()
	if err != nil {
		return nil, errors.Wrap(err, "build redis section")
	}
	desc := cmds.NewCommandDescription(
		"watch",
		cmds.WithShort("Show a dashboard of polled and live charts"),
		cmds.WithLong("Show a dashboard of polled and live charts. Hovering a chart, or focusing it with tab, pauses it until the pointer leaves."),
		cmds.WithFlags(
			fields.New("dashboard", fields.TypeString, fields.WithHelp("Dashboard definition (yaml)"), fields.WithRequired(true)),
			fields.New("frame-interval", fields.TypeString, fields.WithDefault(ui.DefaultFrameInterval.String()), fields.WithHelp("How often the screen is redrawn")),
			metricsField(),
		),
		cmds.WithSections(redisSection),
	)
	return &WatchCommand{CommandDescription: desc}, nil
}

func (c *WatchCommand) Run(ctx context.Context, vals *values.Values) error {
	s := WatchSettings{}
	if err := vals.DecodeSectionInto(values.DefaultSlug, &s); err != nil {
		return errors.Wrap(err, "decode watch settings")
	}
	if err := vals.DecodeSectionInto(redisstream.SectionSlug, &s.Redis); err != nil {
		return errors.Wrap(err, "decode redis settings")
	}
	return runWatch(ctx, s)
}

// loadDashboard reads the board file; enabling redis on the command line
// replaces the file's relay settings.
func loadDashboard(s WatchSettings) (dashboard.Config, error) {
	if s.Dashboard == "" {
		return dashboard.Config{}, errors.New("--dashboard is required")
	}
	cfg, err := dashboard.LoadConfig(s.Dashboard)
	if err != nil {
		return dashboard.Config{}, err
	}
	if s.Redis.Enabled {
		cfg.Redis = s.Redis
	}
	return cfg, nil
}

func runWatch(ctx context.Context, s WatchSettings) error {
	cfg, err := loadDashboard(s)
	if err != nil {
		return err
	}
	frameInterval, err := parseDuration("frame-interval", s.FrameInterval)
	if err != nil {
		return err
	}

	reg, metrics, err := newMetrics()
	if err != nil {
		return err
	}
	d, err := dashboard.New(cfg,
		dashboard.WithRefreshObserver(metrics),
		dashboard.WithSocketObserver(metrics),
	)
	if err != nil {
		return err
	}

	started := time.Now()
	if err := d.Start(ctx); err != nil {
		_ = d.Close()
		return err
	}
	defer func() {
		if err := d.Close(); err != nil {
			log.Warn().Err(err).Msg("dashboard close")
		}
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	serveMetrics(gctx, g, s.MetricsAddr, reg, func() any { return d.Snapshot() })
	g.Go(func() error {
		// the board ends with the UI
		defer cancel()
		title := cfg.Title
		if title == "" {
			title = "livechart"
		}
		return ui.Run(gctx, d,
			ui.WithTitle(title),
			ui.WithFrameInterval(frameInterval),
		)
	})
	err = g.Wait()
	log.Info().Dur("uptime", time.Since(started)).Msg("watch finished")
	return err
}
