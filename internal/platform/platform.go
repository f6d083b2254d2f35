// Package platform wraps the messaging SDK behind a narrow send surface so
// the fan-out worker and operator flows can run against a recorder in tests.
// Long polling stays on the concrete adapter; only outbound calls are
// abstracted.
package platform

import "context"

// Button is one inline keyboard button. Exactly one of URL and Data is set.
type Button struct {
	Text string
	URL  string
	Data string
}

// Entity marks a formatted span of an outbound body. Offsets count UTF-16
// code units, the unit the platform expresses entity positions in.
type Entity struct {
	Type          string `json:"type"`
	Offset        int    `json:"offset"`
	Length        int    `json:"length"`
	URL           string `json:"url,omitempty"`
	Language      string `json:"language,omitempty"`
	CustomEmojiID string `json:"custom_emoji_id,omitempty"`
}

// SendOptions carries the optional send parameters shared by all content
// kinds. Entities apply to the text or caption of the call.
type SendOptions struct {
	ReplyTo   int64
	Buttons   [][]Button
	Entities  []Entity
	ParseMode string
	Silent    bool
}

// Command is a bot menu entry.
type Command struct {
	Name        string
	Description string
}

// Client is the outbound API surface.
type Client interface {
	// SendText delivers a text message and returns the new message id.
	SendText(ctx context.Context, chatID int64, text string, opts *SendOptions) (int64, error)
	// SendPhoto delivers a photo by platform file id.
	SendPhoto(ctx context.Context, chatID int64, fileID, caption string, opts *SendOptions) (int64, error)
	// SendVoice delivers a voice note. fileID and data are alternatives;
	// the returned file id can be reused for later sends of the same data.
	SendVoice(ctx context.Context, chatID int64, fileID string, data []byte, caption string, opts *SendOptions) (int64, string, error)
	// CopyMessage re-sends an existing message without the forward header.
	CopyMessage(ctx context.Context, toChat, fromChat, mid int64, caption string, opts *SendOptions) (int64, error)
	// EditText rewrites a sent message in place.
	EditText(ctx context.Context, chatID, mid int64, text string, opts *SendOptions) error
	// EditMarkup replaces only the inline keyboard of a sent message.
	EditMarkup(ctx context.Context, chatID, mid int64, buttons [][]Button) error
	// DeleteMessages removes messages, best effort per id.
	DeleteMessages(ctx context.Context, chatID int64, mids []int64) error
	// PinMessage pins without notification.
	PinMessage(ctx context.Context, chatID, mid int64) error
	// UnpinMessage unpins a single message.
	UnpinMessage(ctx context.Context, chatID, mid int64) error
	// AnswerCallback acknowledges an inline button press.
	AnswerCallback(ctx context.Context, queryID, text string, alert bool) error
	// SetCommands publishes the bot menu.
	SetCommands(ctx context.Context, commands []Command) error
	// DownloadFile fetches file content by platform file id.
	DownloadFile(ctx context.Context, fileID string) ([]byte, error)
	// Username is the bot's handle without the leading @.
	Username() string
}
