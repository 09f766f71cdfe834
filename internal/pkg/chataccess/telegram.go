package chataccess

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/AccessGate/internal/pkg/access"
)

const (
	defaultTelegramAPIBaseURL = "https://api.telegram.org"
	inviteLinkTTL             = 24 * time.Hour
)

var (
	ErrNotConfigured = errors.New("TELEGRAM_BOT_TOKEN is not configured")
	ErrInvalidUserID = errors.New("telegram user id must be numeric")
)

// APIError is a Bot API answer with ok=false.
type APIError struct {
	Method      string
	Code        int
	Description string
	RetryAfter  int
}

func (e *APIError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("telegram %s failed: %d %s (retry after %ds)", e.Method, e.Code, e.Description, e.RetryAfter)
	}
	return fmt.Sprintf("telegram %s failed: %d %s", e.Method, e.Code, e.Description)
}

// idempotentAnswers are descriptions that mean the desired state already
// holds.
var idempotentAnswers = []string{
	"not a member",
	"user not found",
	"participant_id_invalid",
	"user_not_participant",
	"already",
}

func isIdempotentAnswer(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	desc := strings.ToLower(apiErr.Description)
	for _, answer := range idempotentAnswers {
		if strings.Contains(desc, answer) {
			return true
		}
	}
	return false
}

// TelegramClient grants and revokes chat membership through the Bot API.
type TelegramClient struct {
	Token      string
	APIBaseURL string
	HTTPClient *http.Client

	now func() time.Time
}

func NewTelegramClient(token, baseURL string) *TelegramClient {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = defaultTelegramAPIBaseURL
	}
	return &TelegramClient{
		Token:      strings.TrimSpace(token),
		APIBaseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		HTTPClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		now: time.Now,
	}
}

// contextClient binds every Bot API request to the caller's context.
type contextClient struct {
	ctx  context.Context
	base *http.Client
}

func (c contextClient) Do(req *http.Request) (*http.Response, error) {
	return c.base.Do(req.WithContext(c.ctx))
}

// bot builds a request-scoped BotAPI. tgbotapi.NewBotAPIWithClient would
// call getMe first; membership calls do not need the bot's own profile.
func (c *TelegramClient) bot(ctx context.Context) (*tgbotapi.BotAPI, error) {
	if c.Token == "" {
		return nil, ErrNotConfigured
	}
	b := &tgbotapi.BotAPI{
		Token:  c.Token,
		Client: contextClient{ctx: ctx, base: c.HTTPClient},
		Buffer: 1,
	}
	b.SetAPIEndpoint(c.APIBaseURL + "/bot%s/%s")
	return b, nil
}

// request runs one Bot API method. Transport errors carry the request URL,
// which embeds the token, so only the underlying cause is kept.
func (c *TelegramClient) request(ctx context.Context, method string, cfg tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	b, err := c.bot(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := b.Request(cfg)
	if err == nil {
		return resp, nil
	}

	var tgErr *tgbotapi.Error
	if errors.As(err, &tgErr) {
		return nil, &APIError{
			Method:      method,
			Code:        tgErr.Code,
			Description: tgErr.Message,
			RetryAfter:  tgErr.RetryAfter,
		}
	}
	return nil, fmt.Errorf("telegram %s: %s", method, transportCause(err))
}

func transportCause(err error) string {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		if urlErr.Err != nil {
			return "request failed: " + urlErr.Err.Error()
		}
		return "request failed: transport error"
	}
	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		return "invalid response: " + syntaxErr.Error()
	}
	return "request failed: transport error"
}

// Grant lifts a previous ban and issues a single-use invite link.
func (c *TelegramClient) Grant(ctx context.Context, chatID, userID string) (*access.GrantResult, error) {
	member, err := memberConfig(chatID, userID)
	if err != nil {
		return nil, err
	}

	_, err = c.request(ctx, "unbanChatMember", tgbotapi.UnbanChatMemberConfig{
		ChatMemberConfig: member,
		OnlyIfBanned:     true,
	})
	if err != nil && !isIdempotentAnswer(err) {
		return nil, err
	}

	resp, err := c.request(ctx, "createChatInviteLink", tgbotapi.CreateChatInviteLinkConfig{
		ChatConfig:  chatConfig(chatID),
		Name:        "access " + userID,
		ExpireDate:  int(c.now().Add(inviteLinkTTL).Unix()),
		MemberLimit: 1,
	})
	if err != nil {
		return nil, err
	}

	var link tgbotapi.ChatInviteLink
	if err := json.Unmarshal(resp.Result, &link); err != nil {
		return nil, fmt.Errorf("telegram createChatInviteLink: invalid result: %w", err)
	}
	return &access.GrantResult{InviteLink: link.InviteLink}, nil
}

// Revoke removes the user from the chat. Ban followed by unban is a kick
// that still lets a future grant invite the user back.
func (c *TelegramClient) Revoke(ctx context.Context, chatID, userID string) error {
	member, err := memberConfig(chatID, userID)
	if err != nil {
		return err
	}

	_, err = c.request(ctx, "banChatMember", tgbotapi.BanChatMemberConfig{ChatMemberConfig: member})
	if err != nil {
		if isIdempotentAnswer(err) {
			log.Debugf("[Telegram] User %s not in chat %s: %v", userID, chatID, err)
			return nil
		}
		return err
	}

	_, err = c.request(ctx, "unbanChatMember", tgbotapi.UnbanChatMemberConfig{
		ChatMemberConfig: member,
		OnlyIfBanned:     true,
	})
	if err != nil && !isIdempotentAnswer(err) {
		return err
	}
	return nil
}

// chatConfig addresses numeric chats by id and public ones by @username.
func chatConfig(chatID string) tgbotapi.ChatConfig {
	chatID = strings.TrimSpace(chatID)
	if n, err := strconv.ParseInt(chatID, 10, 64); err == nil {
		return tgbotapi.ChatConfig{ChatID: n}
	}
	return tgbotapi.ChatConfig{SuperGroupUsername: chatID}
}

func memberConfig(chatID, userID string) (tgbotapi.ChatMemberConfig, error) {
	uid, err := strconv.ParseInt(strings.TrimSpace(userID), 10, 64)
	if err != nil {
		return tgbotapi.ChatMemberConfig{}, fmt.Errorf("%w: %q", ErrInvalidUserID, userID)
	}
	chat := chatConfig(chatID)
	return tgbotapi.ChatMemberConfig{
		ChatID:             chat.ChatID,
		SuperGroupUsername: chat.SuperGroupUsername,
		UserID:             uid,
	}, nil
}
