package telegram

import "gopkg.in/telebot.v3"

// MaxMessageLength is the safe size of a single outbound message. Telegram's hard limit is 4096.
const MaxMessageLength = 4000

// Client sends direct messages to Telegram users: daily prompts, reminders and summaries.
type Client interface {
	SendMessage(recipientChatID int64, text string, options *telebot.SendOptions) error
}
