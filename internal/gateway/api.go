package gateway

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/whisper/chatsync/internal/chat"
	"github.com/whisper/chatsync/internal/protocol"
)

// DefaultPerPage matches the server's default page size.
const DefaultPerPage = 50

// AuthResult is returned by Login and Register.
type AuthResult struct {
	User         chat.UserProfile `json:"user"`
	AccessToken  string           `json:"access_token"`
	RefreshToken string           `json:"refresh_token"`
}

// RegisterFields are the account fields submitted on registration.
type RegisterFields struct {
	Username    string `json:"username"`
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name,omitempty"`
}

type pageResponse struct {
	Messages    []protocol.MessagePayload `json:"messages"`
	Total       int                       `json:"total"`
	Pages       int                       `json:"pages"`
	CurrentPage int                       `json:"current_page"`
}

type messageResponse struct {
	Message protocol.MessagePayload `json:"message"`
}

// API is the typed REST surface of the chat backend.
type API struct {
	gw *Gateway
}

// NewAPI creates an API over gw.
func NewAPI(gw *Gateway) *API {
	return &API{gw: gw}
}

// Login authenticates with username and password. The request is sent
// without credentials; the caller stores the returned tokens.
func (a *API) Login(ctx context.Context, username, password string) (AuthResult, error) {
	req := &Request{
		Method:    http.MethodPost,
		Path:      "/auth/login",
		Body:      map[string]string{"username": username, "password": password},
		Anonymous: true,
	}
	return a.auth(ctx, req)
}

// Register creates an account and authenticates as it.
func (a *API) Register(ctx context.Context, f RegisterFields) (AuthResult, error) {
	req := &Request{
		Method:    http.MethodPost,
		Path:      "/auth/register",
		Body:      f,
		Anonymous: true,
	}
	return a.auth(ctx, req)
}

func (a *API) auth(ctx context.Context, req *Request) (AuthResult, error) {
	resp, err := a.gw.Do(ctx, req)
	if err != nil {
		return AuthResult{}, err
	}
	var out AuthResult
	if err := resp.Decode(&out); err != nil {
		return AuthResult{}, err
	}
	if out.AccessToken == "" {
		return AuthResult{}, fmt.Errorf("gateway: %s: response missing access token", req.Path)
	}
	return out, nil
}

// Refresh renews the access token through the gateway's shared renewal.
func (a *API) Refresh(ctx context.Context) (string, error) {
	return a.gw.Renew(ctx)
}

// Logout tells the server to end the session.
func (a *API) Logout(ctx context.Context) error {
	_, err := a.gw.Do(ctx, &Request{Method: http.MethodPost, Path: "/auth/logout"})
	return err
}

// Me returns the authenticated user's profile.
func (a *API) Me(ctx context.Context) (chat.UserProfile, error) {
	resp, err := a.gw.Do(ctx, &Request{Method: http.MethodGet, Path: "/users/me"})
	if err != nil {
		return chat.UserProfile{}, err
	}
	var out struct {
		User chat.UserProfile `json:"user"`
	}
	if err := resp.Decode(&out); err != nil {
		return chat.UserProfile{}, err
	}
	return out.User, nil
}

// ChannelMessages fetches one page of a channel's history.
func (a *API) ChannelMessages(ctx context.Context, channelID int64, page, perPage int) (chat.TimelinePage, error) {
	return a.Messages(ctx, chat.Channel(channelID), page, perPage)
}

// DirectMessages fetches one page of a direct thread's history.
func (a *API) DirectMessages(ctx context.Context, chatID int64, page, perPage int) (chat.TimelinePage, error) {
	return a.Messages(ctx, chat.Direct(chatID), page, perPage)
}

// Messages fetches one page of history for key.
func (a *API) Messages(ctx context.Context, key chat.ConversationKey, page, perPage int) (chat.TimelinePage, error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = DefaultPerPage
	}
	req := &Request{
		Method: http.MethodGet,
		Path:   messagesPath(key),
		Query: url.Values{
			"page":     {strconv.Itoa(page)},
			"per_page": {strconv.Itoa(perPage)},
		},
	}
	resp, err := a.gw.Do(ctx, req)
	if err != nil {
		return chat.TimelinePage{}, err
	}
	var pr pageResponse
	if err := resp.Decode(&pr); err != nil {
		return chat.TimelinePage{}, err
	}

	out := chat.TimelinePage{
		Items:      make([]chat.Message, 0, len(pr.Messages)),
		PageNumber: pr.CurrentPage,
		TotalPages: pr.Pages,
		Total:      pr.Total,
	}
	if out.PageNumber == 0 {
		out.PageNumber = page
	}
	for _, p := range pr.Messages {
		m := p.ToMessage()
		m.Conversation = key
		out.Items = append(out.Items, m)
	}
	return out, nil
}

// Fetcher adapts Messages to a chat.PageFetcher with a fixed page size.
func (a *API) Fetcher(perPage int) chat.PageFetcher {
	return func(ctx context.Context, key chat.ConversationKey, page int) (chat.TimelinePage, error) {
		return a.Messages(ctx, key, page, perPage)
	}
}

// SendChannelMessage posts content to a channel.
func (a *API) SendChannelMessage(ctx context.Context, channelID int64, content string) (chat.Message, error) {
	return a.Send(ctx, chat.Channel(channelID), content)
}

// SendDirectMessage posts content to a direct thread.
func (a *API) SendDirectMessage(ctx context.Context, chatID int64, content string) (chat.Message, error) {
	return a.Send(ctx, chat.Direct(chatID), content)
}

// Send validates and posts content to key. The created message is returned;
// the caller may also receive it as a push event.
func (a *API) Send(ctx context.Context, key chat.ConversationKey, content string) (chat.Message, error) {
	if err := chat.ValidateMessage(content); err != nil {
		return chat.Message{}, fmt.Errorf("gateway: send: %w", err)
	}
	resp, err := a.gw.Do(ctx, &Request{
		Method: http.MethodPost,
		Path:   messagesPath(key),
		Body:   map[string]string{"content": content},
	})
	if err != nil {
		return chat.Message{}, err
	}
	var mr messageResponse
	if err := resp.Decode(&mr); err != nil {
		return chat.Message{}, err
	}
	m := mr.Message.ToMessage()
	m.Conversation = key
	return m, nil
}

// AddReaction reacts to a message with emoji.
func (a *API) AddReaction(ctx context.Context, messageID int64, emoji string) error {
	if err := chat.ValidateReaction(emoji); err != nil {
		return fmt.Errorf("gateway: add reaction: %w", err)
	}
	_, err := a.gw.Do(ctx, &Request{
		Method: http.MethodPost,
		Path:   "/messages/" + strconv.FormatInt(messageID, 10) + "/reactions",
		Body:   map[string]string{"reaction": emoji},
	})
	return err
}

func messagesPath(key chat.ConversationKey) string {
	return "/messages/" + string(key.Kind) + "/" + strconv.FormatInt(key.ID, 10)
}
