package infrastructure

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"tgsession/internal/entities"
	"tgsession/internal/interfaces"
)

var botTokenPattern = regexp.MustCompile(`^\d{5,16}:[A-Za-z0-9_-]{30,64}$`)

// ValidBotToken checks the shape of a Bot API token without calling Telegram.
func ValidBotToken(token string) bool {
	return botTokenPattern.MatchString(token)
}

// BotAPIDialer opens Bot API clients for bot-token credentials.
type BotAPIDialer struct {
	endpoint   string
	httpClient *http.Client
}

func NewBotAPIDialer(endpoint string, timeout time.Duration) *BotAPIDialer {
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	return &BotAPIDialer{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// newBot runs getMe; tgbotapi has no context support, so the call is raced
// against ctx and bounded by the HTTP client's timeout.
func (d *BotAPIDialer) newBot(ctx context.Context, token string) (*tgbotapi.BotAPI, error) {
	type result struct {
		bot *tgbotapi.BotAPI
		err error
	}
	done := make(chan result, 1)
	go func() {
		bot, err := tgbotapi.NewBotAPIWithClient(token, d.endpoint, d.httpClient)
		done <- result{bot: bot, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-done:
		if r.err != nil {
			return nil, mapBotAPIError(r.err)
		}
		return r.bot, nil
	}
}

// ValidateToken checks a token against Telegram and returns the bot's username.
func (d *BotAPIDialer) ValidateToken(ctx context.Context, token string) (string, error) {
	if !ValidBotToken(token) {
		return "", fmt.Errorf("malformed bot token: %w", entities.ErrValidation)
	}
	bot, err := d.newBot(ctx, token)
	if err != nil {
		return "", err
	}
	return bot.Self.UserName, nil
}

func (d *BotAPIDialer) Dial(ctx context.Context, cred entities.BotCredential) (interfaces.ClientHandle, error) {
	bot, err := d.newBot(ctx, cred.BotToken)
	if err != nil {
		return nil, err
	}
	return &botHandle{bot: bot}, nil
}

type botHandle struct {
	bot *tgbotapi.BotAPI
}

func (h *botHandle) Invoke(ctx context.Context, method string, params map[string]string) (json.RawMessage, error) {
	type result struct {
		resp *tgbotapi.APIResponse
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := h.bot.MakeRequest(method, tgbotapi.Params(params))
		done <- result{resp: resp, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-done:
		if r.err != nil {
			return nil, mapBotAPIError(r.err)
		}
		return r.resp.Result, nil
	}
}

func (h *botHandle) Close() error {
	h.bot.StopReceivingUpdates()
	return nil
}

func mapBotAPIError(err error) error {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusUnauthorized || apiErr.Code == http.StatusNotFound:
			return fmt.Errorf("bot api: %s: %w", apiErr.Message, entities.ErrCredentialRejected)
		case apiErr.Code == http.StatusTooManyRequests || apiErr.RetryAfter > 0:
			return fmt.Errorf("bot api: retry after %ds: %w", apiErr.RetryAfter, entities.ErrUpstreamThrottled)
		case apiErr.Code >= 500:
			return fmt.Errorf("bot api: %s: %w", apiErr.Message, entities.ErrUpstreamUnavailable)
		}
		return fmt.Errorf("bot api: %s: %w", apiErr.Message, entities.ErrRequestRejected)
	}
	return fmt.Errorf("bot api: %v: %w", err, entities.ErrUpstreamUnavailable)
}

// TelegramDialer picks the client implementation from the credential kind.
type TelegramDialer struct {
	Bot     interfaces.Dialer
	MTProto interfaces.Dialer
}

func (d *TelegramDialer) Dial(ctx context.Context, cred entities.BotCredential) (interfaces.ClientHandle, error) {
	switch cred.Kind {
	case entities.KindBot:
		return d.Bot.Dial(ctx, cred)
	case entities.KindMTProto:
		if d.MTProto == nil {
			return nil, fmt.Errorf("mtproto gateway not configured: %w", entities.ErrUpstreamUnavailable)
		}
		return d.MTProto.Dial(ctx, cred)
	}
	return nil, fmt.Errorf("unknown credential kind %q: %w", cred.Kind, entities.ErrCredentialRejected)
}
