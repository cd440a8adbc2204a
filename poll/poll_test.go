package poll

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"flatfinder/pkg/flatfinder"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeScraper struct {
	ids map[string][]string // query -> listing ids
	err error
}

func (f *fakeScraper) Listings(ctx context.Context, chatID int64, searchURL string) ([]*flatfinder.Listing, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []*flatfinder.Listing
	for _, id := range f.ids[searchURL] {
		out = append(out, &flatfinder.Listing{
			ChatID: chatID,
			ID:     id,
			Source: flatfinder.SourceImmoscout,
			Title:  "Flat " + id,
			URL:    "https://www.immobilienscout24.de/expose/" + id,
			Raw:    json.RawMessage(`{}`),
		})
	}
	return out, nil
}

type memStore struct {
	mu       sync.Mutex
	subs     map[int64]*flatfinder.Subscriber
	listings map[int64]map[string]bool
	records  int
}

func newMemStore(subs ...*flatfinder.Subscriber) *memStore {
	s := &memStore{
		subs:     make(map[int64]*flatfinder.Subscriber),
		listings: make(map[int64]map[string]bool),
	}
	for _, sub := range subs {
		s.subs[sub.ChatID] = sub
	}
	return s
}

func (s *memStore) Known(ctx context.Context, chatID int64, ids []string) (map[string]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	known := make(map[string]bool)
	for _, id := range ids {
		if s.listings[chatID][id] {
			known[id] = true
		}
	}
	return known, nil
}

func (s *memStore) Record(ctx context.Context, listings ...*flatfinder.Listing) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range listings {
		if s.listings[l.ChatID] == nil {
			s.listings[l.ChatID] = make(map[string]bool)
		}
		s.listings[l.ChatID][l.ID] = true
		s.records++
	}
	return nil
}

func (s *memStore) FindActive(ctx context.Context) ([]*flatfinder.Subscriber, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*flatfinder.Subscriber
	for _, id := range []int64{1, 2, 3} {
		if sub, ok := s.subs[id]; ok && sub.Active {
			out = append(out, sub)
		}
	}
	return out, nil
}

func (s *memStore) Subscriber(ctx context.Context, chatID int64) (*flatfinder.Subscriber, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[chatID]
	if !ok {
		return nil, flatfinder.ErrSubscriberNotFound
	}
	cp := *sub
	return &cp, nil
}

type fakeNotifier struct {
	mu     sync.Mutex
	sent   []string // "chat:id"
	alerts []string
	failOn string // listing id whose send fails
}

func (n *fakeNotifier) SendListing(ctx context.Context, sub *flatfinder.Subscriber, l *flatfinder.Listing) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if l.ID == n.failOn {
		return errors.New("chat api unavailable")
	}
	n.sent = append(n.sent, l.ID)
	return nil
}

func (n *fakeNotifier) SendAlert(ctx context.Context, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, text)
	return nil
}

func activeSub(chatID int64, query string) *flatfinder.Subscriber {
	return &flatfinder.Subscriber{ChatID: chatID, FirstName: "user", Active: true, Query: &query}
}

func TestCrawlReturnsUnseenInOrder(t *testing.T) {
	store := newMemStore()
	store.listings[1] = map[string]bool{"b": true}
	m := New(&fakeScraper{ids: map[string][]string{"q": {"a", "b", "c"}}}, store, &fakeNotifier{}, discardLogger())

	got, err := m.Crawl(context.Background(), 1, "q")
	if err != nil {
		t.Fatalf("Crawl() error: %v", err)
	}
	if len(got) != 2 || got[0].ID != "a" || got[1].ID != "c" {
		t.Fatalf("Crawl() = %v, want [a c]", ids(got))
	}
	if store.records != 0 {
		t.Errorf("Crawl() recorded %d listings, want none", store.records)
	}
}

func TestSendFailureLeavesListingUnrecorded(t *testing.T) {
	ctx := context.Background()
	store := newMemStore(activeSub(1, "q"))
	notifier := &fakeNotifier{failOn: "b"}
	m := New(&fakeScraper{ids: map[string][]string{"q": {"a", "b", "c"}}}, store, notifier, discardLogger())

	if err := m.CheckSubscriber(ctx, 1); err == nil {
		t.Fatal("CheckSubscriber() should report the send failure")
	}
	if !store.listings[1]["a"] {
		t.Error("delivered listing a should be recorded")
	}
	if store.listings[1]["b"] || store.listings[1]["c"] {
		t.Error("undelivered listings must not be recorded")
	}
	if len(notifier.alerts) != 1 {
		t.Errorf("got %d operator alerts, want 1", len(notifier.alerts))
	}

	unseen, err := m.Crawl(ctx, 1, "q")
	if err != nil {
		t.Fatalf("Crawl() error: %v", err)
	}
	if len(unseen) != 2 || unseen[0].ID != "b" {
		t.Errorf("next crawl = %v, want [b c]", ids(unseen))
	}

	notifier.failOn = ""
	if err := m.CheckSubscriber(ctx, 1); err != nil {
		t.Fatalf("retry CheckSubscriber() error: %v", err)
	}
	if !store.listings[1]["b"] || !store.listings[1]["c"] {
		t.Error("retried listings should be recorded after delivery")
	}
}

func TestSameListingNewForEachSubscriber(t *testing.T) {
	ctx := context.Background()
	store := newMemStore(activeSub(1, "q"), activeSub(2, "q"))
	notifier := &fakeNotifier{}
	m := New(&fakeScraper{ids: map[string][]string{"q": {"x"}}}, store, notifier, discardLogger())

	if err := m.CheckAll(ctx); err != nil {
		t.Fatalf("CheckAll() error: %v", err)
	}
	if len(notifier.sent) != 2 {
		t.Errorf("sent %d notifications, want one per subscriber", len(notifier.sent))
	}
	if !store.listings[1]["x"] || !store.listings[2]["x"] {
		t.Error("listing should be recorded for both subscribers")
	}
}

func TestCheckAllContinuesAfterFailure(t *testing.T) {
	store := newMemStore(activeSub(1, "broken"), activeSub(2, "q"))
	notifier := &fakeNotifier{failOn: "bad"}
	scraper := &fakeScraper{ids: map[string][]string{"broken": {"bad"}, "q": {"good"}}}
	m := New(scraper, store, notifier, discardLogger())

	if err := m.CheckAll(context.Background()); err != nil {
		t.Fatalf("CheckAll() error: %v", err)
	}
	if !store.listings[2]["good"] {
		t.Error("second subscriber should still be processed")
	}
	if len(notifier.alerts) != 1 {
		t.Errorf("got %d alerts, want 1", len(notifier.alerts))
	}
}

func TestCheckSubscriberSkipsPausedAndQueryless(t *testing.T) {
	paused := activeSub(1, "q")
	paused.Active = false
	noQuery := &flatfinder.Subscriber{ChatID: 2, FirstName: "user", Active: true}

	store := newMemStore(paused, noQuery)
	notifier := &fakeNotifier{}
	m := New(&fakeScraper{err: errors.New("must not crawl")}, store, notifier, discardLogger())

	for _, id := range []int64{1, 2} {
		if err := m.CheckSubscriber(context.Background(), id); err != nil {
			t.Errorf("CheckSubscriber(%d) error: %v", id, err)
		}
	}
	if len(notifier.alerts) != 0 {
		t.Errorf("got %d alerts, want none", len(notifier.alerts))
	}
}

func TestDryRunDoesNotRecord(t *testing.T) {
	store := newMemStore(activeSub(1, "q"))
	notifier := &fakeNotifier{}
	m := New(&fakeScraper{ids: map[string][]string{"q": {"a"}}}, store, notifier, discardLogger(), WithDryRun(true))

	if err := m.CheckSubscriber(context.Background(), 1); err != nil {
		t.Fatalf("CheckSubscriber() error: %v", err)
	}
	if len(notifier.sent) != 1 {
		t.Errorf("sent %d, want 1", len(notifier.sent))
	}
	if store.records != 0 {
		t.Errorf("dry run recorded %d listings", store.records)
	}
}

func TestCrawlFailureIsReported(t *testing.T) {
	store := newMemStore(activeSub(1, "q"))
	notifier := &fakeNotifier{}
	m := New(&fakeScraper{err: errors.New("HTTP 503")}, store, notifier, discardLogger())

	if err := m.CheckSubscriber(context.Background(), 1); err == nil {
		t.Fatal("CheckSubscriber() should fail when the crawl fails")
	}
	if len(notifier.alerts) != 1 {
		t.Errorf("got %d alerts, want 1", len(notifier.alerts))
	}
	if store.records != 0 {
		t.Errorf("recorded %d listings after failed crawl", store.records)
	}
}

func TestKeyedMutexSerializesSameKey(t *testing.T) {
	var k keyedMutex
	var mu sync.Mutex
	inside, maxInside := 0, 0

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock(7)
			mu.Lock()
			inside++
			if inside > maxInside {
				maxInside = inside
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			inside--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()

	if maxInside != 1 {
		t.Errorf("max concurrent holders = %d, want 1", maxInside)
	}
	if len(k.locks) != 0 {
		t.Errorf("lock table should be empty after use, has %d entries", len(k.locks))
	}
}

func ids(listings []*flatfinder.Listing) []string {
	out := make([]string, len(listings))
	for i, l := range listings {
		out[i] = l.ID
	}
	return out
}
