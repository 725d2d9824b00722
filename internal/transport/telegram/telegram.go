// Package telegram adapts the transport interface to the Telegram Bot API
// and feeds inbound updates into the ingest pipeline.
package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"github.com/havenlabs/haven/internal/ingest"
	"github.com/havenlabs/haven/internal/transport"
)

type Adapter struct {
	api *tgbotapi.BotAPI
	log zerolog.Logger
}

func New(token string, log zerolog.Logger) (*Adapter, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}
	return &Adapter{api: api, log: log}, nil
}

var _ transport.Transport = (*Adapter)(nil)

func parseChatID(chatID string) (int64, error) {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid chat id %q: %w", chatID, err)
	}
	return id, nil
}

func (a *Adapter) SendText(ctx context.Context, chatID, text string, opts *transport.SendOptions) (string, error) {
	id, err := parseChatID(chatID)
	if err != nil {
		return "", err
	}
	msg := tgbotapi.NewMessage(id, text)
	if opts != nil {
		if opts.ReplyTo != "" {
			replyTo, err := strconv.Atoi(opts.ReplyTo)
			if err != nil {
				return "", fmt.Errorf("invalid reply-to id %q: %w", opts.ReplyTo, err)
			}
			msg.ReplyToMessageID = replyTo
		}
		if len(opts.InlineButtons) > 0 {
			row := make([]tgbotapi.InlineKeyboardButton, 0, len(opts.InlineButtons))
			for _, b := range opts.InlineButtons {
				row = append(row, tgbotapi.NewInlineKeyboardButtonData(b.Label, b.Data))
			}
			msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(row)
		}
		if len(opts.Keyboard) > 0 {
			rows := make([][]tgbotapi.KeyboardButton, 0, len(opts.Keyboard))
			for _, r := range opts.Keyboard {
				row := make([]tgbotapi.KeyboardButton, 0, len(r))
				for _, label := range r {
					row = append(row, tgbotapi.NewKeyboardButton(label))
				}
				rows = append(rows, row)
			}
			kb := tgbotapi.NewOneTimeReplyKeyboard(rows...)
			msg.ReplyMarkup = kb
		}
	}
	sent, err := a.api.Send(msg)
	if err != nil {
		return "", fmt.Errorf("send message: %w", err)
	}
	return strconv.Itoa(sent.MessageID), nil
}

// SetReaction uses a raw API call; the client library predates the
// setMessageReaction method.
func (a *Adapter) SetReaction(ctx context.Context, chatID, messageID, emoji string) error {
	params := tgbotapi.Params{
		"chat_id":    chatID,
		"message_id": messageID,
	}
	if emoji != "" {
		reaction, err := json.Marshal([]map[string]string{{"type": "emoji", "emoji": emoji}})
		if err != nil {
			return err
		}
		params["reaction"] = string(reaction)
	}
	if _, err := a.api.MakeRequest("setMessageReaction", params); err != nil {
		return fmt.Errorf("set reaction: %w", err)
	}
	return nil
}

func (a *Adapter) SendTyping(ctx context.Context, chatID string) error {
	id, err := parseChatID(chatID)
	if err != nil {
		return err
	}
	if _, err := a.api.Request(tgbotapi.NewChatAction(id, tgbotapi.ChatTyping)); err != nil {
		return fmt.Errorf("send typing: %w", err)
	}
	return nil
}

func (a *Adapter) Identity(ctx context.Context) (transport.Identity, error) {
	me, err := a.api.GetMe()
	if err != nil {
		return transport.Identity{}, fmt.Errorf("get me: %w", err)
	}
	return transport.Identity{
		ID:       strconv.FormatInt(me.ID, 10),
		Username: me.UserName,
	}, nil
}

// Long-poll timeout. Kept short so shutdown is not stuck behind an idle
// poll; the errgroup in main waits for Listen to return.
const longPollSeconds = 10

// rawUpdate is the slice of a Telegram update Listen cares about. The client
// library's Update struct predates message_reaction, so getUpdates is decoded
// by hand, same as the raw setMessageReaction call above.
type rawUpdate struct {
	UpdateID        int               `json:"update_id"`
	Message         *tgbotapi.Message `json:"message"`
	EditedMessage   *tgbotapi.Message `json:"edited_message"`
	MessageReaction *messageReaction  `json:"message_reaction"`
}

type messageReaction struct {
	Chat        tgbotapi.Chat  `json:"chat"`
	MessageID   int            `json:"message_id"`
	User        *tgbotapi.User `json:"user"`
	Date        int64          `json:"date"`
	NewReaction []reactionType `json:"new_reaction"`
}

type reactionType struct {
	Type  string `json:"type"`
	Emoji string `json:"emoji"`
}

// Listen long-polls for updates and hands each one to the ingestor until ctx
// is cancelled. Edits and reactions are requested alongside messages; without
// them a user who only edits or reacts would look inactive.
func (a *Adapter) Listen(ctx context.Context, ing *ingest.Ingestor) error {
	a.log.Info().Msg("telegram listener starting")
	offset := 0
	for {
		if ctx.Err() != nil {
			return nil
		}
		updates, err := a.getUpdates(offset)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			a.log.Error().Err(err).Msg("getUpdates failed")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(3 * time.Second):
			}
			continue
		}
		for _, raw := range updates {
			if raw.UpdateID >= offset {
				offset = raw.UpdateID + 1
			}
			upd, ok := normalize(raw)
			if !ok {
				continue
			}
			if err := ing.HandleUpdate(ctx, upd); err != nil {
				a.log.Error().Err(err).Str("chat", upd.ChatID).Msg("inbound update failed")
			}
		}
	}
}

func (a *Adapter) getUpdates(offset int) ([]rawUpdate, error) {
	allowed, err := json.Marshal([]string{"message", "edited_message", "message_reaction"})
	if err != nil {
		return nil, err
	}
	params := tgbotapi.Params{
		"timeout":         strconv.Itoa(longPollSeconds),
		"allowed_updates": string(allowed),
	}
	if offset != 0 {
		params["offset"] = strconv.Itoa(offset)
	}
	resp, err := a.api.MakeRequest("getUpdates", params)
	if err != nil {
		return nil, fmt.Errorf("get updates: %w", err)
	}
	var updates []rawUpdate
	if err := json.Unmarshal(resp.Result, &updates); err != nil {
		return nil, fmt.Errorf("decode updates: %w", err)
	}
	return updates, nil
}

// normalize maps a raw Telegram update to an ingest update. Media haven
// cannot read is kept as an empty-text message tagged with its MIME type.
func normalize(update rawUpdate) (ingest.Update, bool) {
	switch {
	case update.Message != nil:
		return messageUpdate(update.Message, false), true
	case update.EditedMessage != nil:
		return messageUpdate(update.EditedMessage, true), true
	case update.MessageReaction != nil:
		return reactionUpdate(update.MessageReaction)
	}
	return ingest.Update{}, false
}

func messageUpdate(msg *tgbotapi.Message, edited bool) ingest.Update {
	at := int64(msg.Date)
	if edited && msg.EditDate != 0 {
		at = int64(msg.EditDate)
	}
	upd := ingest.Update{
		ChatID:    strconv.FormatInt(msg.Chat.ID, 10),
		MessageID: strconv.Itoa(msg.MessageID),
		Text:      msg.Text,
		Edited:    edited,
		At:        time.Unix(at, 0).UTC(),
	}
	switch {
	case msg.Voice != nil:
		upd.MimeType = msg.Voice.MimeType
	case msg.Audio != nil:
		upd.MimeType = msg.Audio.MimeType
	case msg.Document != nil:
		upd.MimeType = msg.Document.MimeType
	case len(msg.Photo) > 0:
		upd.MimeType = "image/jpeg"
	case msg.Video != nil:
		upd.MimeType = msg.Video.MimeType
	}
	if upd.Text == "" && msg.Caption != "" {
		upd.Text = msg.Caption
	}
	return upd
}

// reactionUpdate maps a reaction change to a reaction event targeting the
// original message. A cleared reaction (empty new_reaction) still counts as
// user activity. Anonymous and bot reactions carry no user and are dropped.
func reactionUpdate(r *messageReaction) (ingest.Update, bool) {
	if r.User == nil || r.User.IsBot {
		return ingest.Update{}, false
	}
	upd := ingest.Update{
		ChatID:    strconv.FormatInt(r.Chat.ID, 10),
		MessageID: strconv.Itoa(r.MessageID),
		ReactsTo:  strconv.Itoa(r.MessageID),
		At:        time.Unix(r.Date, 0).UTC(),
	}
	for _, reaction := range r.NewReaction {
		if reaction.Emoji != "" {
			upd.Text = reaction.Emoji
			break
		}
	}
	return upd, true
}
