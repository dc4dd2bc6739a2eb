package destination

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"strings"

	tele "gopkg.in/telebot.v4"

	"reposter/internal/config"
	"reposter/internal/render"
)

// Telegram sends to a chat (optionally a forum topic) through the Bot API.
// Media items go out as a photo with the text as caption.
//
// Credentials: token, chat_id (numeric id or @channel), thread_id (optional).
type Telegram struct {
	base
	bot      *tele.Bot
	token    string
	chat     chatRecipient
	threadID int
}

var telegramCodeRe = regexp.MustCompile(`\((\d{3})\)$`)

type chatRecipient string

func (c chatRecipient) Recipient() string { return string(c) }

func newTelegram(id string, c config.DestinationConfig, o Options) (Adapter, error) {
	cr := newCreds("telegram", c.Credentials)
	token := cr.required("token")
	chat := cr.required("chat_id")
	thread := cr.optional("thread_id", "")
	if err := cr.err(); err != nil {
		return nil, err
	}
	threadID := 0
	if thread != "" {
		n, err := strconv.Atoi(thread)
		if err != nil {
			return nil, &MissingCredentialsError{Kind: "telegram", Fields: []string{"thread_id"}}
		}
		threadID = n
	}

	b := newBase(id, "telegram", c.RatePerSec, o)
	// Offline skips the getMe round trip; sending does not need it.
	bot, err := tele.NewBot(tele.Settings{
		Token:   token,
		URL:     strings.TrimRight(c.BaseURL, "/"),
		Client:  b.http,
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	return &Telegram{base: b, bot: bot, token: token, chat: chatRecipient(chat), threadID: threadID}, nil
}

func (t *Telegram) Capabilities() Capability { return CapText | CapMedia }

func (t *Telegram) Publish(ctx context.Context, p render.Payload) error {
	if err := t.wait(ctx); err != nil {
		return err
	}
	opts := &tele.SendOptions{ThreadID: t.threadID}
	if p.Media != nil {
		photo := &tele.Photo{File: tele.FromURL(p.Media.URL), Caption: p.Text}
		_, err := t.bot.Send(t.chat, photo, opts)
		return t.wrap(err)
	}
	opts.DisableWebPagePreview = p.Item.Link == ""
	_, err := t.bot.Send(t.chat, p.Text, opts)
	return t.wrap(err)
}

// SendText delivers a plain message; the log alert sink uses it.
func (t *Telegram) SendText(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := t.bot.Send(t.chat, text, &tele.SendOptions{ThreadID: t.threadID, DisableWebPagePreview: true})
	return t.wrap(err)
}

// wrap maps telebot failures onto *Error so retry can classify them.
func (t *Telegram) wrap(err error) error {
	if err == nil {
		return nil
	}
	var te *tele.Error
	if errors.As(err, &te) {
		return t.fail(te.Code, te.Description, nil)
	}
	// unrecognised API errors only carry the code in the message
	if m := telegramCodeRe.FindStringSubmatch(err.Error()); m != nil {
		code, _ := strconv.Atoi(m[1])
		return t.fail(code, strings.ReplaceAll(err.Error(), t.token, "<token>"), nil)
	}
	// the bot token is part of every request path
	return t.fail(0, "telegram send", errors.New(strings.ReplaceAll(err.Error(), t.token, "<token>")))
}
