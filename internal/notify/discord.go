package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/creatorbot/market-engine/internal/store"
)

// ChannelSender posts embeds to a Discord channel. *discordgo.Session
// satisfies it.
type ChannelSender interface {
	ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Embed colours per notification kind.
var kindColors = map[Kind]int{
	KindPrice:        0x95a5a6,
	KindOrderFilled:  0x2ecc71,
	KindOrderFailed:  0xe74c3c,
	KindOrderExpired: 0x7f8c8d,
	KindAlert:        0xf1c40f,
	KindEvent:        0x9b59b6,
	KindDividend:     0x3498db,
}

// DiscordSink posts notifications to the guild's configured notification
// channel. Guilds without a channel are skipped. Price ticks are not posted.
type DiscordSink struct {
	sender  ChannelSender
	configs store.ConfigStore
}

// NewDiscordSink creates a sink posting through sender.
func NewDiscordSink(sender ChannelSender, configs store.ConfigStore) *DiscordSink {
	return &DiscordSink{sender: sender, configs: configs}
}

// NewDiscordSession opens a bot session for token.
func NewDiscordSession(token string) (*discordgo.Session, error) {
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	return s, nil
}

// Name implements Named.
func (s *DiscordSink) Name() string { return "discord" }

// Notify implements Sink.
func (s *DiscordSink) Notify(ctx context.Context, guildID string, n Notification) error {
	if n.Kind == KindPrice {
		return nil
	}
	cfg, err := store.MarketConfig(ctx, s.configs, guildID)
	if err != nil {
		return err
	}
	if cfg.NotificationChannelID == "" {
		return nil
	}

	_, err = s.sender.ChannelMessageSendEmbed(cfg.NotificationChannelID, embedFor(n), discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("discord channel %s: %w", cfg.NotificationChannelID, err)
	}
	return nil
}

func embedFor(n Notification) *discordgo.MessageEmbed {
	e := &discordgo.MessageEmbed{
		Title:       n.Title,
		Description: n.Message,
		Color:       kindColors[n.Kind],
	}
	if !n.At.IsZero() {
		e.Timestamp = n.At.Format(time.RFC3339)
	}
	if n.Symbol != "" {
		e.Fields = append(e.Fields, &discordgo.MessageEmbedField{Name: "Symbol", Value: n.Symbol, Inline: true})
	}
	if n.Price != "" {
		e.Fields = append(e.Fields, &discordgo.MessageEmbedField{Name: "Price", Value: n.Price, Inline: true})
	}
	if n.UserID != "" {
		e.Fields = append(e.Fields, &discordgo.MessageEmbedField{Name: "User", Value: "<@" + n.UserID + ">", Inline: true})
	}
	return e
}
