package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"texchange/internal/notify"
)

const (
	colorInfo    = 0x5865F2
	colorSuccess = 0x57F287
	colorError   = 0xED4245

	adminPermissions = discordgo.PermissionAdministrator |
		discordgo.PermissionManageServer |
		discordgo.PermissionManageWebhooks

	commandTimeout = 15 * time.Second
)

// Discord connects the dispatcher to a discordgo session. Each guild is one
// market and commands are honored only in the configured channel.
type Discord struct {
	session *discordgo.Session
	disp    *Dispatcher
	ensure  func(ctx context.Context, marketID string) error
	channel string
	log     *slog.Logger

	mu       sync.Mutex
	channels map[string]string
}

func NewDiscord(token string, disp *Dispatcher, ensure func(ctx context.Context, marketID string) error, channel string, logger *slog.Logger) (*Discord, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	s.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsMessageContent
	d := &Discord{
		session:  s,
		disp:     disp,
		ensure:   ensure,
		channel:  channel,
		log:      logger,
		channels: make(map[string]string),
	}
	s.AddHandler(d.onReady)
	s.AddHandler(d.onGuildCreate)
	s.AddHandler(d.onMessageCreate)
	return d, nil
}

func (d *Discord) Open() error {
	if err := d.session.Open(); err != nil {
		return fmt.Errorf("open discord gateway: %w", err)
	}
	return nil
}

func (d *Discord) Close() error {
	return d.session.Close()
}

func (d *Discord) onReady(_ *discordgo.Session, r *discordgo.Ready) {
	d.log.Info("discord ready", "user", r.User.Username, "guilds", len(r.Guilds))
}

func (d *Discord) onGuildCreate(_ *discordgo.Session, g *discordgo.GuildCreate) {
	if g.Unavailable {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	if err := d.ensure(ctx, g.ID); err != nil {
		d.log.Error("market setup failed", "market", g.ID, "err", err)
		return
	}
	if id, ok := findChannel(g.Channels, d.channel); ok {
		d.mu.Lock()
		d.channels[g.ID] = id
		d.mu.Unlock()
	}
	d.log.Info("market ready", "market", g.ID, "guild", g.Name)
}

func (d *Discord) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot || m.GuildID == "" {
		return
	}
	if _, _, ok := d.disp.Parse(m.Content); !ok {
		return
	}
	if !d.inCommandChannel(m.ChannelID) {
		return
	}

	admin := false
	perms, err := s.UserChannelPermissions(m.Author.ID, m.ChannelID)
	if err != nil {
		d.log.Warn("permission lookup failed", "market", m.GuildID, "user", m.Author.ID, "err", err)
	} else {
		admin = isAdmin(perms)
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	reply, ok := d.disp.Dispatch(ctx, Message{
		MarketID:  m.GuildID,
		ChannelID: m.ChannelID,
		UserID:    m.Author.ID,
		Admin:     admin,
		Content:   m.Content,
	})
	if !ok {
		return
	}
	if err := d.send(m.ChannelID, m.Author.ID, reply); err != nil {
		d.log.Error("reply failed", "market", m.GuildID, "user", m.Author.ID, "err", err)
		return
	}
	if reply.Private {
		if err := s.ChannelMessageDelete(m.ChannelID, m.ID); err != nil {
			d.log.Debug("delete command message failed", "market", m.GuildID, "err", err)
		}
	}
}

func (d *Discord) inCommandChannel(channelID string) bool {
	ch, err := d.session.State.Channel(channelID)
	if err != nil {
		ch, err = d.session.Channel(channelID)
		if err != nil {
			d.log.Warn("channel lookup failed", "channel", channelID, "err", err)
			return false
		}
	}
	return strings.EqualFold(ch.Name, d.channel)
}

func (d *Discord) send(channelID, userID string, reply Reply) error {
	if reply.Private {
		dm, err := d.session.UserChannelCreate(userID)
		if err != nil {
			return fmt.Errorf("open dm: %w", err)
		}
		channelID = dm.ID
	}
	_, err := d.session.ChannelMessageSendComplex(channelID, messageSend(reply))
	return err
}

// Notify posts msg to the market's command channel.
func (d *Discord) Notify(_ context.Context, msg notify.Message) error {
	channelID, err := d.notifyChannel(msg.MarketID)
	if err != nil {
		return err
	}
	color := colorInfo
	if msg.Kind == notify.KindTrade {
		color = colorError
	}
	send := messageSend(Reply{Title: msg.Title, Text: msg.Text, Fields: msg.Fields, Mentions: msg.Mentions})
	if len(send.Embeds) > 0 {
		send.Embeds[0].Color = color
	}
	_, err = d.session.ChannelMessageSendComplex(channelID, send)
	return err
}

func (d *Discord) notifyChannel(guildID string) (string, error) {
	d.mu.Lock()
	id, ok := d.channels[guildID]
	d.mu.Unlock()
	if ok {
		return id, nil
	}
	var channels []*discordgo.Channel
	if g, err := d.session.State.Guild(guildID); err == nil {
		channels = g.Channels
	}
	id, ok = findChannel(channels, d.channel)
	if !ok {
		fetched, err := d.session.GuildChannels(guildID)
		if err != nil {
			return "", fmt.Errorf("list channels of %s: %w", guildID, err)
		}
		if id, ok = findChannel(fetched, d.channel); !ok {
			return "", errors.New("no #" + d.channel + " channel in guild " + guildID)
		}
	}
	d.mu.Lock()
	d.channels[guildID] = id
	d.mu.Unlock()
	return id, nil
}

func findChannel(channels []*discordgo.Channel, name string) (string, bool) {
	for _, ch := range channels {
		if ch != nil && ch.Type == discordgo.ChannelTypeGuildText && strings.EqualFold(ch.Name, name) {
			return ch.ID, true
		}
	}
	return "", false
}

func isAdmin(perms int64) bool {
	return perms&adminPermissions != 0
}

// messageSend renders a reply. Plain text replies are sent as content;
// anything with a title or fields becomes an embed.
func messageSend(reply Reply) *discordgo.MessageSend {
	send := &discordgo.MessageSend{
		AllowedMentions: &discordgo.MessageAllowedMentions{Users: reply.Mentions},
	}
	if len(reply.Mentions) > 0 {
		tags := make([]string, len(reply.Mentions))
		for i, id := range reply.Mentions {
			tags[i] = "<@" + id + ">"
		}
		send.Content = strings.Join(tags, " ")
	}
	if reply.Title == "" && len(reply.Fields) == 0 {
		if send.Content != "" && !containsAll(reply.Text, reply.Mentions) {
			send.Content += "\n" + reply.Text
		} else {
			send.Content = reply.Text
		}
		return send
	}
	embed := &discordgo.MessageEmbed{
		Title:       reply.Title,
		Description: reply.Text,
		Color:       embedColor(reply),
	}
	for _, f := range reply.Fields {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{Name: f.Name, Value: f.Value})
	}
	send.Embeds = []*discordgo.MessageEmbed{embed}
	return send
}

func containsAll(text string, ids []string) bool {
	for _, id := range ids {
		if !strings.Contains(text, "<@"+id+">") {
			return false
		}
	}
	return true
}

func embedColor(reply Reply) int {
	switch {
	case strings.HasPrefix(reply.Title, "✅"):
		return colorSuccess
	case strings.HasPrefix(reply.Text, "❌"):
		return colorError
	default:
		return colorInfo
	}
}
