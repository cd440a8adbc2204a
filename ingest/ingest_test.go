package ingest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"flatfinder/bot"
	"flatfinder/pkg/flatfinder"
	"flatfinder/telegram"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type memStore struct {
	mu      sync.Mutex
	marked  map[int64]bool
	failAll error
}

func newMemStore() *memStore {
	return &memStore{marked: make(map[int64]bool)}
}

func (s *memStore) UpdateProcessed(ctx context.Context, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAll != nil {
		return false, s.failAll
	}
	return s.marked[id], nil
}

func (s *memStore) MarkUpdate(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAll != nil {
		return s.failAll
	}
	s.marked[id] = true
	return nil
}

func (s *memStore) MaxUpdateID(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAll != nil {
		return 0, s.failAll
	}
	maxID := flatfinder.NoUpdateID
	for id := range s.marked {
		if id > maxID {
			maxID = id
		}
	}
	return maxID, nil
}

type recordingDispatcher struct {
	mu   sync.Mutex
	seen []*bot.Context
	err  error
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, c *bot.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen = append(d.seen, c)
	return d.err
}

type countingMetrics struct {
	outcomes map[string]int
	errors   map[string]int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{outcomes: map[string]int{}, errors: map[string]int{}}
}

func (m *countingMetrics) RecordUpdate(outcome string)     { m.outcomes[outcome]++ }
func (m *countingMetrics) RecordHandlerError(event string) { m.errors[event]++ }

func privateText(id int64, text string, entities ...telegram.MessageEntity) *telegram.Update {
	return &telegram.Update{
		UpdateID: id,
		Message: &telegram.Message{
			From:     &telegram.User{ID: 7, FirstName: "Ada"},
			Chat:     &telegram.Chat{ID: 7, Type: telegram.ChatTypePrivate},
			Text:     text,
			Entities: entities,
		},
	}
}

func command(offset, length int) telegram.MessageEntity {
	return telegram.MessageEntity{Type: telegram.EntityBotCommand, Offset: offset, Length: length}
}

func TestHandleDispatchesOnce(t *testing.T) {
	store := newMemStore()
	d := &recordingDispatcher{}
	m := newCountingMetrics()
	in := New(store, d, discardLogger(), WithMetrics(m))
	ctx := context.Background()

	u := privateText(10, "/pause", command(0, 6))
	require.NoError(t, in.Handle(ctx, u))
	require.NoError(t, in.Handle(ctx, u))

	require.Len(t, d.seen, 1)
	assert.Equal(t, "/pause", *d.seen[0].CommandName)
	assert.True(t, store.marked[10])
	assert.Equal(t, 1, m.outcomes[OutcomeDispatched])
	assert.Equal(t, 1, m.outcomes[OutcomeDuplicate])
}

func TestHandleMarksUnsupportedShapes(t *testing.T) {
	group := privateText(2, "hi")
	group.Message.Chat.Type = "group"
	noText := privateText(3, "")
	noSender := privateText(4, "hi")
	noSender.Message.From = nil
	noChat := privateText(5, "hi")
	noChat.Message.Chat = nil

	tests := []struct {
		name   string
		update *telegram.Update
	}{
		{"no message", &telegram.Update{UpdateID: 1}},
		{"group chat", group},
		{"no text", noText},
		{"no sender", noSender},
		{"no chat", noChat},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemStore()
			d := &recordingDispatcher{}
			in := New(store, d, discardLogger())

			require.NoError(t, in.Handle(context.Background(), tt.update))
			assert.Empty(t, d.seen)
			assert.True(t, store.marked[tt.update.UpdateID])
		})
	}
}

func TestHandleMarksDespiteHandlerError(t *testing.T) {
	store := newMemStore()
	d := &recordingDispatcher{err: errors.New("reply failed")}
	m := newCountingMetrics()
	in := New(store, d, discardLogger(), WithMetrics(m))

	require.NoError(t, in.Handle(context.Background(), privateText(3, "hello")))
	assert.True(t, store.marked[3])
	assert.Equal(t, 1, m.errors[bot.EventMessage.String()])
}

func TestHandleStoreFailureLeavesUpdateUnmarked(t *testing.T) {
	store := newMemStore()
	store.failAll = errors.New("bucket unavailable")
	d := &recordingDispatcher{}
	in := New(store, d, discardLogger())

	err := in.Handle(context.Background(), privateText(4, "hello"))
	require.Error(t, err)
	assert.Empty(t, d.seen)
	assert.False(t, store.marked[4])
}

func TestBuildContext(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		ents    []telegram.MessageEntity
		wantCmd *string
		wantArg *string
	}{
		{
			name:    "command with argument",
			text:    "/search https://x.test/a b",
			ents:    []telegram.MessageEntity{command(0, 7)},
			wantCmd: strPtr("/search"),
			wantArg: strPtr("https://x.test/a b"),
		},
		{
			name:    "command without argument",
			text:    "/pause",
			ents:    []telegram.MessageEntity{command(0, 6)},
			wantCmd: strPtr("/pause"),
		},
		{
			name:    "trailing separator only",
			text:    "/pause ",
			ents:    []telegram.MessageEntity{command(0, 6)},
			wantCmd: strPtr("/pause"),
		},
		{
			name: "plain text",
			text: "hello there",
		},
		{
			name:    "first command wins",
			text:    "/auth pw /pause",
			ents:    []telegram.MessageEntity{command(0, 5), command(9, 6)},
			wantCmd: strPtr("/auth"),
			wantArg: strPtr("pw /pause"),
		},
		{
			name:    "non-command entities are skipped",
			text:    "hey /auth pw",
			ents:    []telegram.MessageEntity{{Type: "bold", Offset: 0, Length: 3}, command(4, 5)},
			wantCmd: strPtr("/auth"),
			wantArg: strPtr("pw"),
		},
		{
			name:    "offsets count utf16 units",
			text:    "😀 /auth pw",
			ents:    []telegram.MessageEntity{command(3, 5)},
			wantCmd: strPtr("/auth"),
			wantArg: strPtr("pw"),
		},
		{
			name: "out of range entity is ignored",
			text: "/a",
			ents: []telegram.MessageEntity{command(0, 9)},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := privateText(1, tt.text, tt.ents...)
			c := BuildContext(u.Message)

			assert.Equal(t, tt.wantCmd, c.CommandName)
			assert.Equal(t, tt.wantArg, c.CommandArgument)
			assert.Equal(t, int64(7), c.ChatID)
			assert.Equal(t, "Ada", c.FirstName)
			assert.Equal(t, tt.text, c.Text)
		})
	}
}

func strPtr(s string) *string { return &s }
