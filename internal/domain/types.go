package domain

import (
	"strings"
	"time"
)

type AccountStatus string

const (
	StatusActive      AccountStatus = "active"
	StatusCoolingDown AccountStatus = "cooling_down"
	StatusRefreshing  AccountStatus = "refreshing"
	StatusDisabled    AccountStatus = "disabled"
)

// Credentials is the cookie and token material produced by the login
// automation. It is never logged.
type Credentials struct {
	SecureCSes  string    `json:"secure_c_ses"`
	HostCOses   string    `json:"host_c_oses"`
	CSesIdx     string    `json:"csesidx"`
	ConfigID    string    `json:"config_id"`
	Token       string    `json:"token,omitempty"`
	TokenExpiry time.Time `json:"token_expiry,omitempty"`
}

type Mailbox struct {
	Provider string `json:"mail_provider,omitempty"`
	Address  string `json:"mail_address,omitempty"`
}

type Proxies struct {
	Auth string `json:"proxy_auth,omitempty"`
	Chat string `json:"proxy_chat,omitempty"`
}

type Account struct {
	ID            string        `json:"id"`
	Mailbox       Mailbox       `json:"mailbox"`
	Credentials   Credentials   `json:"credentials"`
	Proxies       Proxies       `json:"proxies"`
	Status        AccountStatus `json:"status"`
	CooldownUntil time.Time     `json:"cooldown_until,omitempty"`
	FailureCount  int           `json:"failure_count"`
	CreatedAt     time.Time     `json:"created_at"`
	ExpiresAt     time.Time     `json:"expires_at,omitempty"`
	SyncedAt      time.Time     `json:"synced_at,omitempty"`
}

// TokenValid reports whether the bearer token outlives now by at least skew.
func (a Account) TokenValid(now time.Time, skew time.Duration) bool {
	return a.Credentials.Token != "" && a.Credentials.TokenExpiry.Sub(now) > skew
}

// AccountView is the status projection exposed by the admin API.
type AccountView struct {
	ID            string        `json:"id"`
	Mail          string        `json:"mail,omitempty"`
	Status        AccountStatus `json:"status"`
	CooldownUntil *time.Time    `json:"cooldown_until,omitempty"`
	FailureCount  int           `json:"failure_count"`
	ExpiresAt     *time.Time    `json:"expires_at,omitempty"`
}

func (a Account) View() AccountView {
	v := AccountView{
		ID:           a.ID,
		Mail:         a.Mailbox.Address,
		Status:       a.Status,
		FailureCount: a.FailureCount,
	}
	if a.Status == StatusCoolingDown {
		until := a.CooldownUntil
		v.CooldownUntil = &until
	}
	if !a.ExpiresAt.IsZero() {
		exp := a.ExpiresAt
		v.ExpiresAt = &exp
	}
	return v
}

type Session struct {
	AccountID       string    `json:"account_id"`
	ConversationKey string    `json:"conversation_key"`
	Name            string    `json:"name"`
	CreatedAt       time.Time `json:"created_at"`
}

func (s Session) Expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(s.CreatedAt) >= ttl
}

// ToolFlags is an additive set of provider tools.
type ToolFlags uint8

const (
	ToolWebGrounding ToolFlags = 1 << iota
	ToolImageGeneration
	ToolVideoGeneration
)

const ToolsNone ToolFlags = 0

func (f ToolFlags) Has(t ToolFlags) bool { return f&t == t && t != 0 }

func (f ToolFlags) String() string {
	if f == ToolsNone {
		return "none"
	}
	var names []string
	if f.Has(ToolWebGrounding) {
		names = append(names, "web-grounding")
	}
	if f.Has(ToolImageGeneration) {
		names = append(names, "image-generation")
	}
	if f.Has(ToolVideoGeneration) {
		names = append(names, "video-generation")
	}
	return strings.Join(names, "|")
}

// ParseTool maps a tool name as printed by String back to its flag.
func ParseTool(name string) (ToolFlags, bool) {
	switch name {
	case "web-grounding":
		return ToolWebGrounding, true
	case "image-generation":
		return ToolImageGeneration, true
	case "video-generation":
		return ToolVideoGeneration, true
	}
	return ToolsNone, false
}

type Mode string

const (
	ModeNormal Mode = "NORMAL"
	ModeAgent  Mode = "AGENT"
)

// VirtualModel is what a client-facing model name resolves to. An empty
// ModelID means the provider chooses.
type VirtualModel struct {
	Name    string
	ModelID string
	Tools   ToolFlags
	Mode    Mode
}

type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeRetryable Outcome = "retryable"
	OutcomeFatal     Outcome = "fatal"
)

type DispatchAttempt struct {
	Index     int
	AccountID string
	Outcome   Outcome
	Kind      ErrorKind
	Elapsed   time.Duration
}

type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature *float64  `json:"temperature,omitempty"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
	TopP        *float64  `json:"top_p,omitempty"`
	Stop        []string  `json:"stop,omitempty"`
	User        string    `json:"user,omitempty"`
}

type Message struct {
	Role             string `json:"role"`
	Content          string `json:"content"`
	ReasoningContent string `json:"reasoning_content,omitempty"`
}

type ChatResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
	Gateway *Gateway `json:"x_gateway,omitempty"`
}

type Choice struct {
	Index        int      `json:"index"`
	Message      *Message `json:"message,omitempty"`
	Delta        *Delta   `json:"delta,omitempty"`
	FinishReason string   `json:"finish_reason,omitempty"`
}

type Delta struct {
	Role             string `json:"role,omitempty"`
	Content          string `json:"content,omitempty"`
	ReasoningContent string `json:"reasoning_content,omitempty"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type Gateway struct {
	AccountID string `json:"account_id,omitempty"`
	Attempts  int    `json:"attempts"`
	LatencyMs int64  `json:"latency_ms"`
	RequestID string `json:"request_id"`
	TraceID   string `json:"trace_id,omitempty"`
}

type StreamChunk struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
}

type Model struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	OwnedBy string `json:"owned_by"`
}

type ModelsResponse struct {
	Object string  `json:"object"`
	Data   []Model `json:"data"`
}
