package cmds

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/livechart/pkg/chart"
	"github.com/go-go-golems/livechart/pkg/refresh"
	"github.com/go-go-golems/livechart/pkg/source"
)

type PollCommand struct {
	*cmds.CommandDescription
}

var _ cmds.WriterCommand = (*PollCommand)(nil)

type PollSettings struct {
	URL         string `glazed:"url"`
	Interval    string `glazed:"interval"`
	Kind        string `glazed:"kind"`
	Count       int    `glazed:"count"`
	Width       int    `glazed:"width"`
	DropStale   bool   `glazed:"drop-stale"`
	MetricsAddr string `glazed:"metrics-addr"`
}

func NewPollCommand() (*PollCommand, error) {
	desc := cmds.NewCommandDescription(
		"poll",
		cmds.WithShort("Fetch a JSON endpoint every interval and redraw it"),
		cmds.WithArguments(
			fields.New("url", fields.TypeString, fields.WithHelp("Endpoint returning a chart frame"), fields.WithRequired(true)),
		),
		cmds.WithFlags(
			fields.New("interval", fields.TypeString, fields.WithDefault("1s"), fields.WithHelp("Refresh interval")),
			fields.New("kind", fields.TypeChoice, fields.WithChoices(kindChoices()...), fields.WithDefault(string(chart.Bar)), fields.WithHelp("Chart kind")),
			fields.New("count", fields.TypeInteger, fields.WithDefault(0), fields.WithHelp("Stop after this many renders (0 runs until interrupted)")),
			fields.New("width", fields.TypeInteger, fields.WithDefault(0), fields.WithHelp("Chart width (0 uses the terminal width)")),
			fields.New("drop-stale", fields.TypeBool, fields.WithDefault(false), fields.WithHelp("Discard results that resolve after a newer tick rendered")),
			metricsField(),
		),
	)
	return &PollCommand{CommandDescription: desc}, nil
}

func (c *PollCommand) RunIntoWriter(ctx context.Context, vals *values.Values, w io.Writer) error {
	s := PollSettings{}
	if err := vals.DecodeSectionInto(values.DefaultSlug, &s); err != nil {
		return errors.Wrap(err, "decode poll settings")
	}
	return runPoll(ctx, s, w)
}

// framePrinter draws each frame, clearing the screen on a terminal and
// separating frames with a timestamp otherwise.
type framePrinter struct {
	out   io.Writer
	kind  chart.Kind
	width int
	clear bool
	limit int64
	done  chan struct{}
	seen  atomic.Int64
}

func (p *framePrinter) Render(target string, data any) error {
	if p.limit > 0 && p.seen.Load() >= p.limit {
		return nil
	}
	frame, err := chart.FromData(data)
	if err != nil {
		return err
	}
	if p.clear {
		_, _ = io.WriteString(p.out, "\x1b[H\x1b[2J")
	} else {
		_, _ = fmt.Fprintf(p.out, "--- %s %s\n", target, time.Now().Format(time.RFC3339))
	}
	_, _ = fmt.Fprintln(p.out, chart.Render(p.kind, frame, p.width))
	if n := p.seen.Add(1); p.limit > 0 && n == p.limit {
		close(p.done)
	}
	return nil
}

func runPoll(ctx context.Context, s PollSettings, out io.Writer) error {
	kind, err := chart.ParseKind(s.Kind)
	if err != nil {
		return err
	}
	interval, err := parseDuration("interval", s.Interval)
	if err != nil {
		return err
	}
	fetcher, err := source.NewHTTPFetcher(s.URL)
	if err != nil {
		return err
	}
	width := s.Width
	if width <= 0 {
		width = terminalWidth(out, 80)
	}
	if s.Count < 0 {
		return errors.New("--count must not be negative")
	}

	reg, metrics, err := newMetrics()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	printer := &framePrinter{
		out:   out,
		kind:  kind,
		width: width,
		clear: isTerminal(out),
		limit: int64(s.Count),
		done:  make(chan struct{}),
	}
	scheduler := refresh.NewScheduler(refresh.WithObserver(metrics), refresh.WithBaseContext(ctx))
	startOpts := []refresh.StartOption{refresh.WithImmediate()}
	if s.DropStale {
		startOpts = append(startOpts, refresh.WithDropStale())
	}
	h, err := scheduler.Start(s.URL, interval, fetcher, printer, startOpts...)
	if err != nil {
		return err
	}
	defer h.Stop()

	g, gctx := errgroup.WithContext(ctx)
	serveMetrics(gctx, g, s.MetricsAddr, reg, func() any {
		return map[string]any{"target": s.URL, "state": h.State().String(), "renders": printer.seen.Load()}
	})
	g.Go(func() error {
		defer cancel()
		select {
		case <-gctx.Done():
		case <-printer.done:
			log.Debug().Int("count", s.Count).Msg("render count reached")
		}
		return nil
	})
	return g.Wait()
}
