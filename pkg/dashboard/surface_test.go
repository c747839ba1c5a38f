package dashboard

import (
	"encoding/json"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/livechart/pkg/chart"
)

func TestSurfaceRenderAndError(t *testing.T) {
	s := NewSurface("cpu", "CPU", chart.Bar)
	require.Equal(t, "(waiting for data)", s.View(40))

	require.NoError(t, s.Render("cpu", json.RawMessage(`[{"key":"a","val":1}]`)))
	st := s.State()
	require.True(t, st.HasFrame)
	require.Equal(t, uint64(1), st.Updates)
	require.Contains(t, s.View(40), "a │")

	err := s.Render("cpu", json.RawMessage(`{"oops":1}`))
	require.True(t, errors.Is(err, chart.ErrMalformed))
	st = s.State()
	require.Error(t, st.Err)
	require.Equal(t, uint64(1), st.Updates, "a malformed payload leaves the last frame")
}

func TestSurfaceHoldParksNewestFrame(t *testing.T) {
	s := NewSurface("live", "Live", chart.Bar)
	require.NoError(t, s.Update([]byte(`[{"key":"a","val":1}]`)))

	s.Hold()
	require.NoError(t, s.Update([]byte(`[{"key":"b","val":2}]`)))
	require.NoError(t, s.Update([]byte(`[{"key":"c","val":3}]`)))
	st := s.State()
	require.True(t, st.Held)
	require.Equal(t, uint64(1), st.Updates)
	require.Equal(t, []string{"a"}, st.Frame.Labels)

	s.Release()
	st = s.State()
	require.False(t, st.Held)
	require.Equal(t, uint64(2), st.Updates)
	require.Equal(t, []string{"c"}, st.Frame.Labels)

	s.Release()
	require.Equal(t, uint64(2), s.State().Updates)
}
