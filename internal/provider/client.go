// Package provider talks to the Gemini Business widget API.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/felipepmaragno/gemini-gateway/internal/config"
	"github.com/felipepmaragno/gemini-gateway/internal/domain"
	"github.com/felipepmaragno/gemini-gateway/internal/httputil"
)

const (
	DefaultAuthURL = "https://business.gemini.google"
	userAgent      = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/140.0.0.0 Safari/537.36"
	maxErrorBody   = 64 << 10
)

// Call carries what one provider call needs from the dispatch that issues it.
type Call struct {
	Account  domain.Account
	Token    string
	Settings *config.Snapshot
}

type Client struct {
	baseURL  string
	authURL  string
	clients  *httputil.ClientSet
	settings func() *config.Snapshot
	now      func() time.Time
}

type Option func(*Client)

func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithAuthURL(u string) Option {
	return func(c *Client) { c.authURL = strings.TrimRight(u, "/") }
}

func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// New builds a client. settings supplies proxies for calls made outside a
// dispatch, such as token minting.
func New(clients *httputil.ClientSet, settings func() *config.Snapshot, opts ...Option) *Client {
	c := &Client{
		baseURL:  config.DefaultProviderBaseURL,
		authURL:  DefaultAuthURL,
		clients:  clients,
		settings: settings,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) CreateSession(ctx context.Context, call Call) (string, error) {
	env := createSessionEnvelope{
		ConfigID:         call.Account.Credentials.ConfigID,
		AdditionalParams: defaultParams,
	}

	body, err := c.post(ctx, call, httputil.ClassAuth, "/widgetCreateSession", env)
	if err != nil {
		return "", err
	}

	name := gjson.GetBytes(body, "session.name").String()
	if name == "" {
		return "", fmt.Errorf("create session: response without session name")
	}
	return name, nil
}

func (c *Client) ListSessions(ctx context.Context, call Call) ([]string, error) {
	env := listSessionsEnvelope{
		ConfigID:         call.Account.Credentials.ConfigID,
		AdditionalParams: defaultParams,
	}

	body, err := c.post(ctx, call, httputil.ClassAuth, "/widgetListSessions", env)
	if err != nil {
		return nil, err
	}

	var names []string
	for _, r := range gjson.GetBytes(body, "listSessionsResponse.sessions.#.name").Array() {
		names = append(names, r.String())
	}
	return names, nil
}

// StreamAssist opens a streaming assist call. On a 200 the caller owns the
// returned body and must close it; any other status is read and returned as
// an *Error.
func (c *Client) StreamAssist(ctx context.Context, call Call, req AssistRequest) (io.ReadCloser, error) {
	env := newStreamAssistEnvelope(call.Account.Credentials.ConfigID, req, domain.ModeNormal)

	resp, err := c.do(ctx, call, httputil.ClassChat, http.MethodPost, c.baseURL+"/widgetStreamAssist", env)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, readError(resp)
	}
	return resp.Body, nil
}

// SubmitResearch starts an AGENT mode request and returns the long-running
// operation name.
func (c *Client) SubmitResearch(ctx context.Context, call Call, req AssistRequest) (string, error) {
	env := newStreamAssistEnvelope(call.Account.Credentials.ConfigID, req, domain.ModeAgent)

	body, err := c.post(ctx, call, httputil.ClassChat, "/widgetStreamAssist", env)
	if err != nil {
		return "", err
	}

	name := operationName(body)
	if name == "" {
		return "", fmt.Errorf("submit research: response without operation name")
	}
	return name, nil
}

// Operation is the state of a long-running provider job.
type Operation struct {
	Name     string
	Done     bool
	Response json.RawMessage
	Err      *Error
}

func (c *Client) GetOperation(ctx context.Context, call Call, name string) (Operation, error) {
	resp, err := c.do(ctx, call, httputil.ClassChat, http.MethodGet, c.operationURL(name), nil)
	if err != nil {
		return Operation{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Operation{}, readError(resp)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Operation{}, fmt.Errorf("read operation: %w", err)
	}
	return parseOperation(body), nil
}

func (c *Client) post(ctx context.Context, call Call, class httputil.TrafficClass, path string, payload any) ([]byte, error) {
	resp, err := c.do(ctx, call, class, http.MethodPost, c.baseURL+path, payload)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, readError(resp)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return body, nil
}

func (c *Client) do(ctx context.Context, call Call, class httputil.TrafficClass, method, url string, payload any) (*http.Response, error) {
	var reader io.Reader = http.NoBody
	if payload != nil {
		body, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+call.Token)
	httpReq.Header.Set("Origin", c.authURL)
	httpReq.Header.Set("Referer", c.authURL+"/")
	httpReq.Header.Set("User-Agent", userAgent)

	client, err := c.httpClient(class, call.Account, call.Settings)
	if err != nil {
		return nil, err
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrTransientNetworkFailure, err)
	}
	return resp, nil
}

// httpClient picks the proxy for the traffic class. An account-level proxy
// wins over the snapshot-wide one.
func (c *Client) httpClient(class httputil.TrafficClass, acc domain.Account, snap *config.Snapshot) (*http.Client, error) {
	if snap == nil {
		snap = c.settings()
	}
	proxy := snap.ProxyChat
	if acc.Proxies.Chat != "" {
		proxy = acc.Proxies.Chat
	}
	if class == httputil.ClassAuth {
		proxy = snap.ProxyAuth
		if acc.Proxies.Auth != "" {
			proxy = acc.Proxies.Auth
		}
	}
	return c.clients.Get(class, proxy, snap.ReadTimeout())
}

func (c *Client) operationURL(name string) string {
	root := c.baseURL
	if i := strings.Index(root, "/locations/"); i >= 0 {
		root = root[:i]
	}
	return root + "/" + strings.TrimLeft(name, "/")
}

func readError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return ParseError(resp.StatusCode, body)
}

// operationName finds the job name in a submit response, which may be a
// bare operation or the first element of a streamed array.
func operationName(body []byte) string {
	for _, path := range []string{
		"name",
		"operation.name",
		"0.name",
		"0.operation.name",
		"0.streamAssistResponse.operation.name",
		"streamAssistResponse.operation.name",
	} {
		if name := gjson.GetBytes(body, path).String(); name != "" {
			return name
		}
	}
	return ""
}

func parseOperation(body []byte) Operation {
	root := gjson.ParseBytes(body)
	op := Operation{
		Name: root.Get("name").String(),
		Done: root.Get("done").Bool(),
	}
	if r := root.Get("response"); r.Exists() {
		op.Response = json.RawMessage(r.Raw)
	}
	if root.Get("error").Exists() {
		op.Err = ParseError(http.StatusOK, body)
		if op.Err.Code != 0 {
			op.Err.HTTPStatus = op.Err.Code
		}
	}
	return op
}

// OperationText pulls the answer text out of a finished research operation.
// Reports without reply parts are returned as raw JSON.
func OperationText(op Operation) string {
	if len(op.Response) == 0 {
		return ""
	}
	var b strings.Builder
	replies := gjson.GetBytes(op.Response, "answer.replies")
	replies.ForEach(func(_, reply gjson.Result) bool {
		content := reply.Get("groundedContent.content")
		if content.Get("thought").Bool() {
			return true
		}
		b.WriteString(content.Get("text").String())
		return true
	})
	if b.Len() > 0 {
		return b.String()
	}
	if text := gjson.GetBytes(op.Response, "report.text").String(); text != "" {
		return text
	}
	return string(op.Response)
}
