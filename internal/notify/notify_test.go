package notify

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/creatorbot/market-engine/internal/model"
	"github.com/creatorbot/market-engine/internal/store"
)

type recordingSink struct {
	mu   sync.Mutex
	got  []Notification
	fail bool
	wait chan struct{}
}

func (s *recordingSink) Notify(_ context.Context, _ string, n Notification) error {
	if s.wait != nil {
		<-s.wait
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, n)
	if s.fail {
		return errors.New("sink down")
	}
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.got)
}

func TestDispatcher_DeliversInOrder(t *testing.T) {
	sink := &recordingSink{}
	d := NewDispatcher(sink, 16, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { d.Run(ctx); close(done) }()

	for i := 0; i < 5; i++ {
		require.True(t, d.Enqueue("g1", Notification{Kind: KindAlert, Title: string(rune('a' + i))}))
	}
	require.Eventually(t, func() bool { return sink.count() == 5 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done

	sink.mu.Lock()
	defer sink.mu.Unlock()
	for i, n := range sink.got {
		assert.Equal(t, string(rune('a'+i)), n.Title)
	}
}

func TestDispatcher_DropsWhenFull(t *testing.T) {
	sink := &recordingSink{}
	d := NewDispatcher(sink, 2, nil)

	assert.True(t, d.Enqueue("g1", Notification{Kind: KindPrice}))
	assert.True(t, d.Enqueue("g1", Notification{Kind: KindPrice}))
	assert.False(t, d.Enqueue("g1", Notification{Kind: KindPrice}))
	assert.Equal(t, 2, d.Len())
}

func TestDispatcher_SlowSinkDoesNotBlockEnqueue(t *testing.T) {
	sink := &recordingSink{wait: make(chan struct{})}
	d := NewDispatcher(sink, 1, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	start := time.Now()
	for i := 0; i < 50; i++ {
		d.Enqueue("g1", Notification{Kind: KindPrice})
	}
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	close(sink.wait)
}

func TestDispatcher_DrainsOnShutdown(t *testing.T) {
	sink := &recordingSink{fail: true}
	d := NewDispatcher(sink, 8, nil)
	for i := 0; i < 3; i++ {
		d.Enqueue("g1", Notification{Kind: KindDividend})
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, d.Run(ctx))
	assert.Equal(t, 3, sink.count())
}

func TestMultiSink_JoinsFailures(t *testing.T) {
	ok := &recordingSink{}
	bad := &recordingSink{fail: true}
	err := MultiSink{ok, bad}.Notify(context.Background(), "g1", Notification{Kind: KindEvent})
	assert.Error(t, err)
	assert.Equal(t, 1, ok.count())
	assert.Equal(t, 1, bad.count())
}

type fakeSender struct {
	channel string
	embed   *discordgo.MessageEmbed
	calls   int
}

func (f *fakeSender) ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.calls++
	f.channel = channelID
	f.embed = embed
	return &discordgo.Message{}, nil
}

func TestDiscordSink(t *testing.T) {
	ms := store.NewMemoryStore()
	cfg := model.DefaultMarketConfig("g1")
	cfg.NotificationChannelID = "chan-1"
	require.NoError(t, ms.UpsertMarketConfig(context.Background(), cfg))

	sender := &fakeSender{}
	sink := NewDiscordSink(sender, ms)
	ctx := context.Background()

	require.NoError(t, sink.Notify(ctx, "g1", Notification{
		Kind: KindOrderFilled, Title: "Order filled", Symbol: "ABC", Price: "75", UserID: "42",
		At: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}))
	assert.Equal(t, "chan-1", sender.channel)
	assert.Equal(t, "Order filled", sender.embed.Title)
	assert.Equal(t, kindColors[KindOrderFilled], sender.embed.Color)
	assert.Len(t, sender.embed.Fields, 3)

	// Price ticks and unconfigured guilds are not posted.
	require.NoError(t, sink.Notify(ctx, "g1", Notification{Kind: KindPrice}))
	require.NoError(t, sink.Notify(ctx, "g2", Notification{Kind: KindAlert}))
	assert.Equal(t, 1, sender.calls)
}

func TestWSHub_BroadcastsToGuildSubscribers(t *testing.T) {
	hub := NewWSHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	mine, _, err := websocket.DefaultDialer.Dial(wsURL+"?guild_id=g1", nil)
	require.NoError(t, err)
	defer mine.Close()
	other, _, err := websocket.DefaultDialer.Dial(wsURL+"?guild_id=g2", nil)
	require.NoError(t, err)
	defer other.Close()

	require.Eventually(t, func() bool { return hub.Clients() == 2 }, time.Second, 5*time.Millisecond)
	require.NoError(t, hub.Notify(ctx, "g1", Notification{Kind: KindPrice, Symbol: "ABC", Price: "101"}))

	mine.SetReadDeadline(time.Now().Add(time.Second))
	_, msg, err := mine.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(msg), `"symbol":"ABC"`)

	other.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, _, err = other.ReadMessage()
	assert.Error(t, err)
}
