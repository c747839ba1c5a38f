// Package cmds holds the livechart subcommands.
package cmds

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	glazedconfig "github.com/go-go-golems/glazed/pkg/config"
	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/go-go-golems/livechart/pkg/chart"
	"github.com/go-go-golems/livechart/pkg/telemetry"
)

// AnnotationTUI marks commands that take over the terminal.
const AnnotationTUI = "livechart/tui"

// ParserConfig reads flag values from LIVECHART_* variables and from the file
// named by --config-file, flags winning over both.
func ParserConfig() cli.CobraParserConfig {
	return cli.CobraParserConfig{
		AppName: "livechart",
		ConfigPlanBuilder: func(parsed *values.Values, _ *cobra.Command, _ []string) (*glazedconfig.Plan, error) {
			cs := &cli.CommandSettings{}
			if err := parsed.DecodeSectionInto(cli.CommandSettingsSlug, cs); err != nil {
				return nil, err
			}
			return glazedconfig.NewPlan(
				glazedconfig.WithLayerOrder(glazedconfig.LayerExplicit),
			).Add(
				glazedconfig.ExplicitFile(cs.ConfigFile).Named("explicit-config"),
			), nil
		},
	}
}

func metricsField() *fields.Definition {
	return fields.New("metrics-addr", fields.TypeString,
		fields.WithDefault(""),
		fields.WithHelp("Serve /metrics, /healthz and /charts on this address"))
}

func kindChoices() []string {
	kinds := chart.Kinds()
	ret := make([]string, 0, len(kinds))
	for _, k := range kinds {
		ret = append(ret, string(k))
	}
	return ret
}

// parseDuration reads a duration flag; the flags are strings like "250ms".
func parseDuration(flag, s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, errors.Wrapf(err, "--%s", flag)
	}
	if d < 0 {
		return 0, errors.Errorf("--%s must not be negative", flag)
	}
	return d, nil
}

// newMetrics builds a registry with the process collectors and livechart's
// own metrics.
func newMetrics() (*prometheus.Registry, *telemetry.Metrics, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m, err := telemetry.NewMetrics(reg)
	if err != nil {
		return nil, nil, err
	}
	return reg, m, nil
}

// serveMetrics runs the telemetry server in g when addr is set.
func serveMetrics(ctx context.Context, g *errgroup.Group, addr string, reg prometheus.Gatherer, status telemetry.StatusFunc) {
	if addr == "" {
		return
	}
	srv := telemetry.NewServer(addr, reg, status)
	g.Go(func() error {
		return srv.Run(ctx)
	})
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && isatty.IsTerminal(f.Fd())
}

func terminalWidth(w io.Writer, fallback int) int {
	if f, ok := w.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
		if width, _, err := term.GetSize(int(f.Fd())); err == nil && width > 0 {
			return width
		}
	}
	return fallback
}
