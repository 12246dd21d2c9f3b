package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
)

// session is the slice of discordgo.Session the notifier uses.
type session interface {
	ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Discord posts events as embeds to one channel through the REST API.
type Discord struct {
	sess      session
	channelID string
	backoff   time.Duration
}

// NewDiscord returns a Discord notifier authenticated with a bot token.
func NewDiscord(botToken, channelID string) (*Discord, error) {
	if channelID == "" {
		return nil, errors.New("notify: discord channel id is required")
	}
	s, err := discordgo.New("Bot " + botToken)
	if err != nil {
		return nil, fmt.Errorf("notify: discord session: %w", err)
	}
	return &Discord{sess: s, channelID: channelID, backoff: 2 * time.Second}, nil
}

func (d *Discord) Notify(ctx context.Context, e Event) error {
	embed := &discordgo.MessageEmbed{
		Title:       e.Title(),
		Description: e.Body,
		Color:       embedColor(e.Color()),
	}
	for _, f := range e.Fields {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name:   f.Name,
			Value:  f.Value,
			Inline: f.Short,
		})
	}
	err := retry(ctx, d.backoff, func() error {
		_, err := d.sess.ChannelMessageSendEmbed(d.channelID, embed)
		return err
	}, func(err error, _ int) (time.Duration, bool) {
		var rest *discordgo.RESTError
		if errors.As(err, &rest) && rest.Response != nil && rest.Response.StatusCode == http.StatusTooManyRequests {
			return 0, true
		}
		return 0, false
	})
	if err != nil {
		return fmt.Errorf("notify: discord: %w", err)
	}
	return nil
}

// embedColor converts "#rrggbb" to the integer Discord expects.
func embedColor(hex string) int {
	n, err := strconv.ParseInt(strings.TrimPrefix(hex, "#"), 16, 32)
	if err != nil {
		return 0
	}
	return int(n)
}
