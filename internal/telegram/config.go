package telegram

import (
	"strconv"
	"strings"
)

type Config struct {
	Enabled     bool   `mapstructure:"enabled"`
	Token       string `mapstructure:"token"`
	ChannelID   string `mapstructure:"channel_id"`
	PollTimeout int    `mapstructure:"poll_timeout"`
}

// NormalizeChannelID accepts the channel reference in any of the forms
// operators paste in and reduces it to either a numeric chat ID or an
// @username:
//
//	https://t.me/channel_name -> @channel_name
//	t.me/channel_name         -> @channel_name
//	channel_name              -> @channel_name
//	-1001234567890            -> -1001234567890
func NormalizeChannelID(channelID string) string {
	channelID = strings.TrimSpace(channelID)
	if channelID == "" {
		return ""
	}

	if strings.HasPrefix(channelID, "-") {
		if _, err := strconv.ParseInt(channelID, 10, 64); err == nil {
			return channelID
		}
	}

	if i := strings.Index(channelID, "://"); i >= 0 {
		channelID = channelID[i+3:]
	}
	channelID = strings.TrimPrefix(channelID, "t.me/")
	channelID = strings.TrimPrefix(channelID, "@")

	return "@" + channelID
}

// matchesChannel reports whether a chat is the configured channel.
func matchesChannel(normalized string, chat Chat) bool {
	if strings.HasPrefix(normalized, "@") {
		return strings.EqualFold(normalized[1:], chat.Username)
	}
	id, err := strconv.ParseInt(normalized, 10, 64)
	return err == nil && id == chat.ID
}
