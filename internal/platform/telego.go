package platform

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
	"golang.org/x/time/rate"
)

// Telego adapts a telego bot to the Client surface. Outbound calls go
// through a shared limiter so bulk fan-out stays under the API flood
// threshold.
type Telego struct {
	bot     *telego.Bot
	limiter *rate.Limiter
}

// NewTelego connects the bot. proxy, when set, routes all API traffic.
func NewTelego(token, proxy string) (*Telego, error) {
	var opts []telego.BotOption
	if proxy != "" {
		proxyURL, err := url.Parse(proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy URL %q: %w", proxy, err)
		}
		opts = append(opts, telego.WithHTTPClient(&http.Client{
			Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		}))
	}
	bot, err := telego.NewBot(token, opts...)
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}
	return &Telego{
		bot: bot,
		// 25 msg/s with a small burst, just under the global API cap.
		limiter: rate.NewLimiter(rate.Limit(25), 5),
	}, nil
}

// Bot exposes the underlying bot for long polling.
func (t *Telego) Bot() *telego.Bot { return t.bot }

func (t *Telego) Username() string { return t.bot.Username() }

func (t *Telego) wait(ctx context.Context) error {
	return t.limiter.Wait(ctx)
}

func markup(buttons [][]Button) *telego.InlineKeyboardMarkup {
	if len(buttons) == 0 {
		return nil
	}
	rows := make([][]telego.InlineKeyboardButton, 0, len(buttons))
	for _, row := range buttons {
		out := make([]telego.InlineKeyboardButton, 0, len(row))
		for _, b := range row {
			btn := telego.InlineKeyboardButton{Text: b.Text}
			if b.URL != "" {
				btn.URL = b.URL
			} else {
				btn.CallbackData = b.Data
			}
			out = append(out, btn)
		}
		rows = append(rows, out)
	}
	return &telego.InlineKeyboardMarkup{InlineKeyboard: rows}
}

func entities(list []Entity) []telego.MessageEntity {
	if len(list) == 0 {
		return nil
	}
	out := make([]telego.MessageEntity, 0, len(list))
	for _, e := range list {
		out = append(out, telego.MessageEntity{
			Type:          e.Type,
			Offset:        e.Offset,
			Length:        e.Length,
			URL:           e.URL,
			Language:      e.Language,
			CustomEmojiID: e.CustomEmojiID,
		})
	}
	return out
}

// EntitiesFrom converts inbound SDK entities to the Client form.
func EntitiesFrom(list []telego.MessageEntity) []Entity {
	if len(list) == 0 {
		return nil
	}
	out := make([]Entity, 0, len(list))
	for _, e := range list {
		out = append(out, Entity{
			Type:          e.Type,
			Offset:        e.Offset,
			Length:        e.Length,
			URL:           e.URL,
			Language:      e.Language,
			CustomEmojiID: e.CustomEmojiID,
		})
	}
	return out
}

func applyOpts(params *telego.SendMessageParams, opts *SendOptions) {
	if opts == nil {
		return
	}
	if opts.ReplyTo != 0 {
		params.ReplyParameters = &telego.ReplyParameters{MessageID: int(opts.ReplyTo)}
	}
	if m := markup(opts.Buttons); m != nil {
		params.ReplyMarkup = m
	}
	params.Entities = entities(opts.Entities)
	params.ParseMode = opts.ParseMode
	params.DisableNotification = opts.Silent
}

func (t *Telego) SendText(ctx context.Context, chatID int64, text string, opts *SendOptions) (int64, error) {
	if err := t.wait(ctx); err != nil {
		return 0, err
	}
	params := tu.Message(tu.ID(chatID), text)
	applyOpts(params, opts)
	msg, err := t.bot.SendMessage(ctx, params)
	if err != nil {
		return 0, ClassifyError(err)
	}
	return int64(msg.MessageID), nil
}

func (t *Telego) SendPhoto(ctx context.Context, chatID int64, fileID, caption string, opts *SendOptions) (int64, error) {
	if err := t.wait(ctx); err != nil {
		return 0, err
	}
	params := &telego.SendPhotoParams{
		ChatID:  tu.ID(chatID),
		Photo:   telego.InputFile{FileID: fileID},
		Caption: caption,
	}
	if opts != nil {
		if opts.ReplyTo != 0 {
			params.ReplyParameters = &telego.ReplyParameters{MessageID: int(opts.ReplyTo)}
		}
		if m := markup(opts.Buttons); m != nil {
			params.ReplyMarkup = m
		}
		params.CaptionEntities = entities(opts.Entities)
		params.ParseMode = opts.ParseMode
		params.DisableNotification = opts.Silent
	}
	msg, err := t.bot.SendPhoto(ctx, params)
	if err != nil {
		return 0, ClassifyError(err)
	}
	return int64(msg.MessageID), nil
}

func (t *Telego) SendVoice(ctx context.Context, chatID int64, fileID string, data []byte, caption string, opts *SendOptions) (int64, string, error) {
	if err := t.wait(ctx); err != nil {
		return 0, "", err
	}
	var voice telego.InputFile
	if fileID != "" {
		voice = telego.InputFile{FileID: fileID}
	} else {
		voice = tu.File(tu.NameReader(bytes.NewReader(data), "voice.ogg"))
	}
	params := &telego.SendVoiceParams{
		ChatID:  tu.ID(chatID),
		Voice:   voice,
		Caption: caption,
	}
	if opts != nil {
		if opts.ReplyTo != 0 {
			params.ReplyParameters = &telego.ReplyParameters{MessageID: int(opts.ReplyTo)}
		}
		params.CaptionEntities = entities(opts.Entities)
		params.DisableNotification = opts.Silent
	}
	msg, err := t.bot.SendVoice(ctx, params)
	if err != nil {
		return 0, "", ClassifyError(err)
	}
	sentID := ""
	if msg.Voice != nil {
		sentID = msg.Voice.FileID
	}
	return int64(msg.MessageID), sentID, nil
}

func (t *Telego) CopyMessage(ctx context.Context, toChat, fromChat, mid int64, caption string, opts *SendOptions) (int64, error) {
	if err := t.wait(ctx); err != nil {
		return 0, err
	}
	params := &telego.CopyMessageParams{
		ChatID:     tu.ID(toChat),
		FromChatID: tu.ID(fromChat),
		MessageID:  int(mid),
		Caption:    caption,
	}
	if opts != nil {
		if opts.ReplyTo != 0 {
			params.ReplyParameters = &telego.ReplyParameters{MessageID: int(opts.ReplyTo)}
		}
		if m := markup(opts.Buttons); m != nil {
			params.ReplyMarkup = m
		}
		params.CaptionEntities = entities(opts.Entities)
		params.DisableNotification = opts.Silent
	}
	res, err := t.bot.CopyMessage(ctx, params)
	if err != nil {
		return 0, ClassifyError(err)
	}
	return int64(res.MessageID), nil
}

func (t *Telego) EditText(ctx context.Context, chatID, mid int64, text string, opts *SendOptions) error {
	if err := t.wait(ctx); err != nil {
		return err
	}
	params := &telego.EditMessageTextParams{
		ChatID:    tu.ID(chatID),
		MessageID: int(mid),
		Text:      text,
	}
	if opts != nil {
		if m := markup(opts.Buttons); m != nil {
			params.ReplyMarkup = m
		}
		params.Entities = entities(opts.Entities)
		params.ParseMode = opts.ParseMode
	}
	_, err := t.bot.EditMessageText(ctx, params)
	return ClassifyError(err)
}

func (t *Telego) EditMarkup(ctx context.Context, chatID, mid int64, buttons [][]Button) error {
	if err := t.wait(ctx); err != nil {
		return err
	}
	_, err := t.bot.EditMessageReplyMarkup(ctx, &telego.EditMessageReplyMarkupParams{
		ChatID:      tu.ID(chatID),
		MessageID:   int(mid),
		ReplyMarkup: markup(buttons),
	})
	return ClassifyError(err)
}

func (t *Telego) DeleteMessages(ctx context.Context, chatID int64, mids []int64) error {
	if len(mids) == 0 {
		return nil
	}
	if err := t.wait(ctx); err != nil {
		return err
	}
	ids := make([]int, 0, len(mids))
	for _, m := range mids {
		ids = append(ids, int(m))
	}
	return ClassifyError(t.bot.DeleteMessages(ctx, &telego.DeleteMessagesParams{
		ChatID:     tu.ID(chatID),
		MessageIDs: ids,
	}))
}

func (t *Telego) PinMessage(ctx context.Context, chatID, mid int64) error {
	if err := t.wait(ctx); err != nil {
		return err
	}
	return ClassifyError(t.bot.PinChatMessage(ctx, &telego.PinChatMessageParams{
		ChatID:              tu.ID(chatID),
		MessageID:           int(mid),
		DisableNotification: true,
	}))
}

func (t *Telego) UnpinMessage(ctx context.Context, chatID, mid int64) error {
	if err := t.wait(ctx); err != nil {
		return err
	}
	return ClassifyError(t.bot.UnpinChatMessage(ctx, &telego.UnpinChatMessageParams{
		ChatID:    tu.ID(chatID),
		MessageID: int(mid),
	}))
}

func (t *Telego) AnswerCallback(ctx context.Context, queryID, text string, alert bool) error {
	return ClassifyError(t.bot.AnswerCallbackQuery(ctx, &telego.AnswerCallbackQueryParams{
		CallbackQueryID: queryID,
		Text:            text,
		ShowAlert:       alert,
	}))
}

func (t *Telego) SetCommands(ctx context.Context, commands []Command) error {
	out := make([]telego.BotCommand, 0, len(commands))
	for _, c := range commands {
		out = append(out, telego.BotCommand{Command: c.Name, Description: c.Description})
	}
	return ClassifyError(t.bot.SetMyCommands(ctx, &telego.SetMyCommandsParams{Commands: out}))
}

func (t *Telego) DownloadFile(ctx context.Context, fileID string) ([]byte, error) {
	if err := t.wait(ctx); err != nil {
		return nil, err
	}
	f, err := t.bot.GetFile(ctx, &telego.GetFileParams{FileID: fileID})
	if err != nil {
		return nil, ClassifyError(err)
	}
	data, err := tu.DownloadFile(t.bot.FileDownloadURL(f.FilePath))
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", fileID, err)
	}
	return data, nil
}

var _ Client = (*Telego)(nil)
