package bot

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func strPtr(s string) *string { return &s }

func TestEventOf(t *testing.T) {
	tests := []struct {
		name    string
		command *string
		want    Event
	}{
		{"plain text", nil, EventMessage},
		{"start", strPtr("/start"), EventStart},
		{"other command", strPtr("/search"), EventCommand},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, EventOf(&Context{CommandName: tt.command}))
		})
	}
}

func TestDispatchRoutesByShape(t *testing.T) {
	r := NewRouter(discardLogger())
	var got []string
	r.On(EventStart, func(ctx context.Context, c *Context) error { got = append(got, "start"); return nil })
	r.On(EventCommand, func(ctx context.Context, c *Context) error { got = append(got, "command"); return nil })
	r.On(EventMessage, func(ctx context.Context, c *Context) error { got = append(got, "message"); return nil })
	r.OnCommand("/pause", func(ctx context.Context, c *Context) error { got = append(got, "pause"); return nil })

	ctx := context.Background()
	require.NoError(t, r.Dispatch(ctx, &Context{CommandName: strPtr("/start")}))
	require.NoError(t, r.Dispatch(ctx, &Context{CommandName: strPtr("/search")}))
	require.NoError(t, r.Dispatch(ctx, &Context{CommandName: strPtr("/pause")}))
	require.NoError(t, r.Dispatch(ctx, &Context{Text: "hello"}))

	assert.Equal(t, []string{"start", "command", "command", "pause", "message"}, got)
}

func TestDispatchRunsAllHandlersDespiteFailures(t *testing.T) {
	r := NewRouter(discardLogger())
	errFirst := errors.New("first failed")
	ran := 0
	r.On(EventMessage, func(ctx context.Context, c *Context) error { ran++; return errFirst })
	r.On(EventMessage, func(ctx context.Context, c *Context) error { ran++; panic("boom") })
	r.On(EventMessage, func(ctx context.Context, c *Context) error { ran++; return nil })

	err := r.Dispatch(context.Background(), &Context{Text: "x"})
	assert.Equal(t, 3, ran)
	require.Error(t, err)
	assert.ErrorIs(t, err, errFirst)
	assert.Contains(t, err.Error(), "boom")
}

func TestRegistrationPanics(t *testing.T) {
	r := NewRouter(discardLogger())
	noop := func(ctx context.Context, c *Context) error { return nil }

	assert.Panics(t, func() { r.OnCommand("search", noop) })
	assert.Panics(t, func() { r.On(Event(42), noop) })
	assert.Panics(t, func() { r.On(EventStart, nil) })
}
