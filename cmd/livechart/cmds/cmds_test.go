package cmds

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	glazedcmds "github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/sources"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/livechart/pkg/chart"
	"github.com/go-go-golems/livechart/pkg/livesocket"
	"github.com/go-go-golems/livechart/pkg/redisstream"
)

// parse fills the command's sections from m over its defaults, the way the
// cobra parser layers flags over defaults.
func parse(t *testing.T, c glazedcmds.Command, m map[string]map[string]interface{}) *values.Values {
	t.Helper()
	vals := values.New()
	require.NoError(t, sources.Execute(c.Description().Schema, vals,
		sources.FromMap(m),
		sources.FromDefaults(),
	))
	return vals
}

func TestPollSettingsDefaults(t *testing.T) {
	c, err := NewPollCommand()
	require.NoError(t, err)
	vals := parse(t, c, map[string]map[string]interface{}{
		values.DefaultSlug: {"url": "http://localhost/x", "count": 2},
	})
	var s PollSettings
	require.NoError(t, vals.DecodeSectionInto(values.DefaultSlug, &s))
	require.Equal(t, PollSettings{URL: "http://localhost/x", Interval: "1s", Kind: "bar", Count: 2}, s)
}

func TestTailSettingsDefaults(t *testing.T) {
	c, err := NewTailCommand()
	require.NoError(t, err)
	vals := parse(t, c, map[string]map[string]interface{}{
		values.DefaultSlug: {"uri": "ws://localhost/live"},
	})
	var s TailSettings
	require.NoError(t, vals.DecodeSectionInto(values.DefaultSlug, &s))
	require.Equal(t, "fixed", s.Backoff)

	p, err := tailPolicy(s)
	require.NoError(t, err)
	require.Equal(t, livesocket.Fixed{Delay: livesocket.DefaultReconnectDelay}, p)
}

func TestWatchDecodesRedisSection(t *testing.T) {
	board := filepath.Join(t.TempDir(), "board.yaml")
	require.NoError(t, os.WriteFile(board, []byte(`
charts:
  - id: io
    kind: bar
    url: http://localhost/io
`), 0o600))

	c, err := NewWatchCommand()
	require.NoError(t, err)
	vals := parse(t, c, map[string]map[string]interface{}{
		values.DefaultSlug:      {"dashboard": board},
		redisstream.SectionSlug: {"redis-enabled": true, "redis-addr": "redis:6379"},
	})
	s := WatchSettings{}
	require.NoError(t, vals.DecodeSectionInto(values.DefaultSlug, &s))
	require.NoError(t, vals.DecodeSectionInto(redisstream.SectionSlug, &s.Redis))
	require.Equal(t, "250ms", s.FrameInterval)

	cfg, err := loadDashboard(s)
	require.NoError(t, err)
	require.Equal(t, redisstream.Settings{Enabled: true, Addr: "redis:6379", Group: "livechart", Consumer: "ui-1"}, cfg.Redis)

	// without the flag the file's relay settings stay
	s.Redis.Enabled = false
	cfg, err = loadDashboard(s)
	require.NoError(t, err)
	require.False(t, cfg.Redis.Enabled)

	_, err = loadDashboard(WatchSettings{})
	require.Error(t, err)
}

func TestTailPolicy(t *testing.T) {
	p, err := tailPolicy(TailSettings{ReconnectDelay: "2s", MaxAttempts: 3, Backoff: "fixed"})
	require.NoError(t, err)
	require.Equal(t, livesocket.Fixed{Delay: 2 * time.Second, MaxAttempts: 3}, p)

	p, err = tailPolicy(TailSettings{ReconnectDelay: "1s", MaxDelay: "1m", Backoff: "exponential"})
	require.NoError(t, err)
	_, ok := p.(*livesocket.Exponential)
	require.True(t, ok)

	_, err = tailPolicy(TailSettings{ReconnectDelay: "1s", Backoff: "linear"})
	require.Error(t, err)

	_, err = tailPolicy(TailSettings{ReconnectDelay: "1s", Backoff: "fixed", MaxAttempts: -1})
	require.Error(t, err)

	_, err = tailPolicy(TailSettings{ReconnectDelay: "soon", Backoff: "fixed"})
	require.ErrorContains(t, err, "--reconnect-delay")
}

func TestMessagePrinter(t *testing.T) {
	var buf bytes.Buffer
	raw := messagePrinter(&buf, "", 40)
	raw(livesocket.Message{Generation: 2, Data: []byte(`hello`)})
	require.Equal(t, "[2] hello\n", buf.String())

	buf.Reset()
	charted := messagePrinter(&buf, chart.Bar, 40)
	charted(livesocket.Message{Generation: 1, Data: []byte(`not json`)})
	require.Empty(t, buf.String())
	charted(livesocket.Message{Generation: 1, Data: []byte(`[{"key":"a","val":1}]`), ReceivedAt: time.Now()})
	require.Contains(t, buf.String(), "a │")
}

func TestRunPollStopsAfterCount(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprintf(w, `[{"key":"reads","val":%d}]`, hits.Add(1))
	}))
	defer srv.Close()

	var buf bytes.Buffer
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s := PollSettings{URL: srv.URL, Kind: "bar", Interval: "10ms", Count: 3, Width: 40}
	require.NoError(t, runPoll(ctx, s, &buf))

	require.Equal(t, 3, strings.Count(buf.String(), "--- "+srv.URL))
	require.Contains(t, buf.String(), "reads")
}

func TestRunPollRejectsBadSettings(t *testing.T) {
	require.Error(t, runPoll(context.Background(), PollSettings{URL: "http://localhost/", Kind: "donut", Interval: "1s"}, &bytes.Buffer{}))
	require.Error(t, runPoll(context.Background(), PollSettings{URL: "http://localhost/", Kind: "bar", Interval: "often"}, &bytes.Buffer{}))
}
