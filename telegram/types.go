package telegram

// Chat types.
const (
	ChatTypePrivate = "private"
)

// EntityBotCommand marks a /command token inside message text.
const EntityBotCommand = "bot_command"

// Update is one inbound envelope from getUpdates or a webhook push.
type Update struct {
	Message  *Message `json:"message,omitempty"`
	UpdateID int64    `json:"update_id"`
}

// Message is a chat message. Only the fields the bot reads are decoded.
type Message struct {
	From      *User           `json:"from,omitempty"`
	Chat      *Chat           `json:"chat,omitempty"`
	Text      string          `json:"text,omitempty"`
	Entities  []MessageEntity `json:"entities,omitempty"`
	MessageID int64           `json:"message_id"`
	Date      int64           `json:"date"`
}

// User is the sender of a message.
type User struct {
	FirstName string `json:"first_name"`
	Username  string `json:"username,omitempty"`
	ID        int64  `json:"id"`
	IsBot     bool   `json:"is_bot"`
}

// Chat is the conversation a message belongs to.
type Chat struct {
	Type string `json:"type"`
	ID   int64  `json:"id"`
}

// MessageEntity annotates a span of message text.
// Offset and Length count UTF-16 code units.
type MessageEntity struct {
	Type   string `json:"type"`
	Offset int    `json:"offset"`
	Length int    `json:"length"`
}

// BotCommand is one entry of the command menu. Command has no leading slash.
type BotCommand struct {
	Command     string `json:"command"`
	Description string `json:"description"`
}

// SendOptions selects how a message is rendered.
type SendOptions struct {
	ParseMode             string `json:"parse_mode,omitempty"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview,omitempty"`
}

// ParseModeHTML renders message text as Telegram HTML.
const ParseModeHTML = "HTML"
