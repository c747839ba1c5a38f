package cmds

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/livechart/pkg/chart"
	"github.com/go-go-golems/livechart/pkg/livesocket"
)

type TailCommand struct {
	*cmds.CommandDescription
}

var _ cmds.WriterCommand = (*TailCommand)(nil)

type TailSettings struct {
	URI            string `glazed:"uri"`
	ReconnectDelay string `glazed:"reconnect-delay"`
	MaxDelay       string `glazed:"max-delay"`
	MaxAttempts    int    `glazed:"max-attempts"`
	Backoff        string `glazed:"backoff"`
	Kind           string `glazed:"kind"`
	Width          int    `glazed:"width"`
	MetricsAddr    string `glazed:"metrics-addr"`
}

func NewTailCommand() (*TailCommand, error) {
	desc := cmds.NewCommandDescription(
		"tail",
		cmds.WithShort("Print messages from a websocket stream, reconnecting when it closes"),
		cmds.WithArguments(
			fields.New("uri", fields.TypeString, fields.WithHelp("ws:// or wss:// stream"), fields.WithRequired(true)),
		),
		cmds.WithFlags(
			fields.New("reconnect-delay", fields.TypeString, fields.WithDefault(livesocket.DefaultReconnectDelay.String()), fields.WithHelp("Delay before reconnecting after a close")),
			fields.New("max-delay", fields.TypeString, fields.WithDefault("1m"), fields.WithHelp("Upper bound for exponential backoff")),
			fields.New("max-attempts", fields.TypeInteger, fields.WithDefault(0), fields.WithHelp("Give up after this many consecutive failed attempts (0 never gives up)")),
			fields.New("backoff", fields.TypeChoice, fields.WithChoices("fixed", "exponential"), fields.WithDefault("fixed"), fields.WithHelp("Reconnect policy")),
			fields.New("kind", fields.TypeString, fields.WithDefault(""), fields.WithHelp("Render each message as this chart kind instead of printing it raw")),
			fields.New("width", fields.TypeInteger, fields.WithDefault(0), fields.WithHelp("Chart width (0 uses the terminal width)")),
			metricsField(),
		),
	)
	return &TailCommand{CommandDescription: desc}, nil
}

func (c *TailCommand) RunIntoWriter(ctx context.Context, vals *values.Values, w io.Writer) error {
	s := TailSettings{}
	if err := vals.DecodeSectionInto(values.DefaultSlug, &s); err != nil {
		return errors.Wrap(err, "decode tail settings")
	}
	return runTail(ctx, s, w)
}

func tailPolicy(s TailSettings) (livesocket.Policy, error) {
	delay, err := parseDuration("reconnect-delay", s.ReconnectDelay)
	if err != nil {
		return nil, err
	}
	if s.MaxAttempts < 0 {
		return nil, errors.New("--max-attempts must not be negative")
	}
	switch s.Backoff {
	case "fixed":
		return livesocket.Fixed{Delay: delay, MaxAttempts: s.MaxAttempts}, nil
	case "exponential":
		maxDelay, err := parseDuration("max-delay", s.MaxDelay)
		if err != nil {
			return nil, err
		}
		return livesocket.NewExponential(livesocket.ExponentialConfig{
			Initial:     delay,
			Max:         maxDelay,
			Jitter:      0.2,
			MaxAttempts: s.MaxAttempts,
		}), nil
	default:
		return nil, errors.Errorf("unknown backoff %q", s.Backoff)
	}
}

// messagePrinter writes each message on its own line, prefixed by the
// session generation so reconnects are visible.
func messagePrinter(out io.Writer, kind chart.Kind, width int) livesocket.Handler {
	var mu sync.Mutex
	return func(m livesocket.Message) {
		mu.Lock()
		defer mu.Unlock()
		if kind == "" {
			_, _ = fmt.Fprintf(out, "[%d] %s\n", m.Generation, m.Data)
			return
		}
		frame, err := chart.Decode(m.Data)
		if err != nil {
			log.Debug().Err(err).Uint64("generation", m.Generation).Msg("skipping undecodable message")
			return
		}
		_, _ = fmt.Fprintf(out, "[%d] %s\n%s\n", m.Generation, m.ReceivedAt.Format(time.TimeOnly), chart.Render(kind, frame, width))
	}
}

func runTail(parent context.Context, s TailSettings, out io.Writer) error {
	policy, err := tailPolicy(s)
	if err != nil {
		return err
	}
	var kind chart.Kind
	if s.Kind != "" {
		if kind, err = chart.ParseKind(s.Kind); err != nil {
			return err
		}
	}
	width := s.Width
	if width <= 0 {
		width = terminalWidth(out, 80)
	}

	reg, metrics, err := newMetrics()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	sock, err := livesocket.Connect(ctx, s.URI,
		livesocket.WithPolicy(policy),
		livesocket.WithObserver(metrics),
		livesocket.WithHandler(messagePrinter(out, kind, width)),
	)
	if err != nil {
		return err
	}
	defer func() { _ = sock.Close() }()

	g, gctx := errgroup.WithContext(ctx)
	serveMetrics(gctx, g, s.MetricsAddr, reg, func() any { return sock.Info() })
	g.Go(func() error {
		defer cancel()
		select {
		case <-gctx.Done():
			return nil
		case <-sock.Done():
			if ctx.Err() == nil {
				return errors.Errorf("gave up on %s", s.URI)
			}
			return nil
		}
	})
	return g.Wait()
}
