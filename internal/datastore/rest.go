package datastore

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/cloudwego/hertz/pkg/app/client"
	"github.com/cloudwego/hertz/pkg/protocol"
	"github.com/cloudwego/hertz/pkg/protocol/consts"

	"github.com/telex-im/telex/internal/chat"
)

// envelope is the store API's uniform response wrapper.
type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// RestStore implements Store against the chat server's REST API.
type RestStore struct {
	baseURL    string
	httpClient *client.Client
	token      string
}

// Option configures a RestStore.
type Option func(*RestStore)

// WithToken sets the bearer token sent with every request.
func WithToken(token string) Option {
	return func(s *RestStore) {
		s.token = token
	}
}

// WithClient sets a custom hertz client.
func WithClient(c *client.Client) Option {
	return func(s *RestStore) {
		s.httpClient = c
	}
}

// NewRestStore creates a REST-backed Store.
func NewRestStore(baseURL string, opts ...Option) (*RestStore, error) {
	s := &RestStore{baseURL: baseURL}
	for _, opt := range opts {
		opt(s)
	}
	if s.httpClient == nil {
		c, err := client.NewClient(
			client.WithDialTimeout(10*time.Second),
			client.WithClientReadTimeout(30*time.Second),
			client.WithWriteTimeout(30*time.Second),
		)
		if err != nil {
			return nil, fmt.Errorf("create http client: %w", err)
		}
		s.httpClient = c
	}
	return s, nil
}

func (s *RestStore) FetchMessages(ctx context.Context, conversationID string, after int64, limit int) ([]chat.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	params := map[string]string{"limit": strconv.Itoa(limit)}
	if after > 0 {
		params["after"] = strconv.FormatInt(after, 10)
	}

	var msgs []chat.Message
	path := "/v1/conversations/" + url.PathEscape(conversationID) + "/messages"
	if err := s.get(ctx, path, params, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

func (s *RestStore) InsertMessage(ctx context.Context, req InsertMessageRequest) (InsertedMessage, error) {
	var result InsertedMessage
	if err := s.post(ctx, "/v1/messages", req, &result); err != nil {
		return InsertedMessage{}, err
	}
	return result, nil
}

func (s *RestStore) FetchConversationSummaries(ctx context.Context, userID string) ([]chat.ConversationSummary, error) {
	var summaries []chat.ConversationSummary
	path := "/v1/users/" + url.PathEscape(userID) + "/conversations"
	if err := s.get(ctx, path, nil, &summaries); err != nil {
		return nil, err
	}
	return summaries, nil
}

func (s *RestStore) MarkRead(ctx context.Context, conversationID, messageID string) error {
	path := "/v1/conversations/" + url.PathEscape(conversationID) + "/read"
	body := map[string]string{"message_id": messageID}
	return s.post(ctx, path, body, nil)
}

// request makes an HTTP request and decodes the enveloped response.
func (s *RestStore) request(ctx context.Context, method, path string, body any, result any) error {
	req := &protocol.Request{}
	resp := &protocol.Response{}

	req.SetMethod(method)
	req.SetRequestURI(s.baseURL + path)
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		req.SetBody(jsonBody)
	}

	if err := s.httpClient.Do(ctx, req, resp); err != nil {
		return fmt.Errorf("send request: %w", err)
	}

	return decodeEnvelope(resp.Body(), result)
}

// get makes a GET request with query parameters.
func (s *RestStore) get(ctx context.Context, path string, params map[string]string, result any) error {
	if len(params) > 0 {
		query := url.Values{}
		for k, v := range params {
			query.Set(k, v)
		}
		path += "?" + query.Encode()
	}
	return s.request(ctx, consts.MethodGet, path, nil, result)
}

// post makes a POST request.
func (s *RestStore) post(ctx context.Context, path string, body any, result any) error {
	return s.request(ctx, consts.MethodPost, path, body, result)
}

// decodeEnvelope unwraps {code, msg, data}, surfacing API failures as
// *Error values.
func decodeEnvelope(body []byte, result any) error {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if env.Code != CodeSuccess {
		return &Error{Code: env.Code, Msg: env.Msg}
	}
	if result != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, result); err != nil {
			return fmt.Errorf("decode response data: %w", err)
		}
	}
	return nil
}
