// Package dispatcher drives one client request across accounts until it
// succeeds or fails for good.
//
// A request moves through explicit states:
//
//	start -> account_selected -> session_ready -> in_flight -> success
//
// with retryable_error looping back onto the same account, switch_account
// returning to start with the previous account excluded for one pass, and
// fatal ending the request. Rate limits cool the account down and switch;
// transport failures count against the account and retry in place; an
// incomplete stream is re-issued without penalising anyone.
package dispatcher

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/felipepmaragno/gemini-gateway/internal/config"
	"github.com/felipepmaragno/gemini-gateway/internal/domain"
	"github.com/felipepmaragno/gemini-gateway/internal/metrics"
	"github.com/felipepmaragno/gemini-gateway/internal/provider"
	"github.com/felipepmaragno/gemini-gateway/internal/research"
	"github.com/felipepmaragno/gemini-gateway/internal/resolver"
	"github.com/felipepmaragno/gemini-gateway/internal/session"
	"github.com/felipepmaragno/gemini-gateway/internal/stream"
	"github.com/felipepmaragno/gemini-gateway/internal/telemetry"
)

type Pool interface {
	Select(ctx context.Context, exclude map[string]bool) (domain.Account, error)
	Get(id string) (domain.Account, error)
	RefreshIfDue(ctx context.Context, id string) error
	ReportSuccess(ctx context.Context, id string)
	ReportRateLimited(ctx context.Context, id string)
	ReportFailure(ctx context.Context, id string) bool
	UpdateToken(id, token string, expiry time.Time)
}

type Tokens interface {
	Token(ctx context.Context, acc domain.Account) (string, error)
}

type Sessions interface {
	GetOrCreate(ctx context.Context, accountID, conversationKey string, create session.CreateFunc) (domain.Session, bool, error)
	Invalidate(ctx context.Context, accountID, conversationKey string)
}

type Provider interface {
	CreateSession(ctx context.Context, call provider.Call) (string, error)
	StreamAssist(ctx context.Context, call provider.Call, req provider.AssistRequest) (io.ReadCloser, error)
	SubmitResearch(ctx context.Context, call provider.Call, req provider.AssistRequest) (string, error)
	ListSessions(ctx context.Context, call provider.Call) ([]string, error)
}

type Researcher interface {
	Wait(ctx context.Context, calls research.CallFunc, name string, budget research.Budget) (string, error)
}

// Sink receives de-duplicated output in order. It blocks until the client
// has taken the event; an error aborts the request without retry.
type Sink func(stream.Event) error

type Request struct {
	ID              string
	Model           string
	Messages        []domain.Message
	ConversationKey string
	// Settings pins the snapshot for this request. Nil means current.
	Settings *config.Snapshot
}

type Result struct {
	Model         domain.VirtualModel
	AccountID     string
	Session       string
	Attempts      []domain.DispatchAttempt
	ConfigVersion int64
}

type Dispatcher struct {
	pool     Pool
	tokens   Tokens
	sessions Sessions
	provider Provider
	research Researcher
	settings func() *config.Snapshot
}

func New(pool Pool, tokens Tokens, sessions Sessions, p Provider, r Researcher, settings func() *config.Snapshot) *Dispatcher {
	return &Dispatcher{
		pool:     pool,
		tokens:   tokens,
		sessions: sessions,
		provider: p,
		research: r,
		settings: settings,
	}
}

// AccountSessions lists the chat sessions the provider holds for an
// account. A rejected token is dropped so the next call mints a fresh one;
// the account itself is not penalised.
func (d *Dispatcher) AccountSessions(ctx context.Context, accountID string) ([]string, error) {
	acc, err := d.pool.Get(accountID)
	if err != nil {
		return nil, err
	}
	token, err := d.tokens.Token(ctx, acc)
	if err != nil {
		return nil, err
	}

	names, err := d.provider.ListSessions(ctx, provider.Call{Account: acc, Token: token, Settings: d.settings()})
	if err != nil {
		if provider.ClassOf(err) == provider.ClassAccount {
			d.pool.UpdateToken(accountID, "", time.Time{})
		}
		return nil, err
	}
	return names, nil
}

// Dispatch resolves the model and runs the request to a terminal state.
// Unknown models fail before any account is touched.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request, sink Sink) (Result, error) {
	snap := req.Settings
	if snap == nil {
		snap = d.settings()
	}

	vm, err := resolver.Resolve(req.Model, snap.Models...)
	if err != nil {
		return Result{ConfigVersion: snap.Version}, &domain.DispatchError{Kind: domain.KindUnknownModel, Cause: err}
	}

	ctx, span := telemetry.StartSpan(ctx, "dispatch")
	defer span.End()
	telemetry.AddDispatchAttributes(span, vm, req.ID, snap.Version)

	r := &run{
		d:      d,
		req:    req,
		snap:   snap,
		policy: snap.Retry,
		vm:     vm,
		sink:   sink,
		span:   span,
		log:    slog.With("request_id", req.ID, "model", vm.Name),
	}

	err = r.execute(ctx)
	metrics.RecordDispatch(len(r.attempts))
	if err != nil {
		telemetry.AddErrorAttribute(span, err)
	} else {
		telemetry.AddAccountAttribute(span, r.acc.ID)
	}

	return Result{
		Model:         vm,
		AccountID:     r.acc.ID,
		Session:       r.sess.Name,
		Attempts:      r.attempts,
		ConfigVersion: snap.Version,
	}, err
}

// run holds the counters of one logical request.
type run struct {
	d      *Dispatcher
	req    Request
	snap   *config.Snapshot
	policy config.RetryPolicy
	vm     domain.VirtualModel
	sink   Sink
	span   trace.Span
	log    *slog.Logger
	dedup  stream.Deduper

	exclude     map[string]bool
	acc         domain.Account
	token       string
	sess        domain.Session
	sessCreated bool
	body        io.ReadCloser
	operation   string

	sessionTries   int
	requestRetries int
	switches       int
	streamRetries  int
	attempts       []domain.DispatchAttempt
	attemptStart   time.Time
	retryFrom      State
	lastKind       domain.ErrorKind
	lastErr        error
	fatal          error
}

func (r *run) execute(ctx context.Context) error {
	transitions := map[State]func(context.Context) State{
		StateStart:           r.start,
		StateAccountSelected: r.accountSelected,
		StateSessionReady:    r.sessionReady,
		StateInFlight:        r.inFlight,
		StateRetryableError:  r.retryableError,
		StateSwitchAccount:   r.switchAccount,
	}

	defer func() {
		if r.body != nil {
			r.body.Close()
		}
	}()

	state := StateStart
	for !state.Terminal() {
		if err := ctx.Err(); err != nil {
			r.abort(err)
			state = StateFatal
			break
		}
		next := transitions[state](ctx)
		r.log.Debug("dispatch transition", "from", state.String(), "to", next.String(), "account_id", r.acc.ID)
		state = next
	}

	if state == StateFatal {
		var de *domain.DispatchError
		if errors.As(r.fatal, &de) {
			de.Attempts = r.attempts
		}
		return r.fatal
	}
	return nil
}

func (r *run) start(ctx context.Context) State {
	acc, err := r.d.pool.Select(ctx, r.exclude)
	r.exclude = nil
	if err != nil {
		return r.fail(domain.KindNoAccountAvailable, domain.ReasonNoCapacity, err)
	}

	if err := r.d.pool.RefreshIfDue(ctx, acc.ID); err != nil {
		r.log.Warn("account refresh failed", "account_id", acc.ID, "error", err)
	}
	if fresh, err := r.d.pool.Get(acc.ID); err == nil {
		acc = fresh
	}

	r.acc = acc
	r.token = ""
	r.sess = domain.Session{}
	r.sessionTries = 0
	r.requestRetries = 0

	if acc.Status != domain.StatusActive {
		r.log.Info("account left the pool after refresh", "account_id", acc.ID, "status", acc.Status)
		return StateSwitchAccount
	}
	return StateAccountSelected
}

func (r *run) accountSelected(ctx context.Context) State {
	r.attemptStart = time.Now()

	token, err := r.d.tokens.Token(ctx, r.acc)
	if err != nil {
		return r.sessionFailure(ctx, err)
	}
	r.token = token

	call := r.call()
	sess, created, err := r.d.sessions.GetOrCreate(ctx, r.acc.ID, r.req.ConversationKey, func(ctx context.Context) (string, error) {
		return r.d.provider.CreateSession(ctx, call)
	})
	if err != nil {
		return r.sessionFailure(ctx, err)
	}

	r.sess = sess
	r.sessCreated = created
	return StateSessionReady
}

func (r *run) sessionReady(ctx context.Context) State {
	r.attemptStart = time.Now()

	req := provider.AssistRequest{
		Session:      r.sess.Name,
		Text:         buildPrompt(r.req.Messages, r.sessCreated),
		ModelID:      r.vm.ModelID,
		Tools:        r.vm.Tools,
		LanguageCode: r.snap.LanguageCode,
		TimeZone:     r.snap.TimeZone,
	}

	if r.vm.Mode == domain.ModeAgent {
		name, err := r.d.provider.SubmitResearch(ctx, r.call(), req)
		if err != nil {
			return r.providerFailure(ctx, err)
		}
		r.operation = name
		return StateInFlight
	}

	body, err := r.d.provider.StreamAssist(ctx, r.call(), req)
	if err != nil {
		return r.providerFailure(ctx, err)
	}
	r.body = body
	return StateInFlight
}

func (r *run) inFlight(ctx context.Context) State {
	if r.vm.Mode == domain.ModeAgent {
		return r.awaitResearch(ctx)
	}
	return r.consumeStream(ctx)
}

func (r *run) consumeStream(ctx context.Context) State {
	body := r.body
	r.body = nil
	defer body.Close()

	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	n := stream.NewNormalizer(body)
	events, errs := n.Stream(attemptCtx)
	filter := r.dedup.Attempt()

	var sinkErr error
	for ev := range events {
		if sinkErr != nil {
			continue
		}
		out, ok := filter.Filter(ev)
		if !ok {
			continue
		}
		if err := r.sink(out); err != nil {
			sinkErr = err
			cancel()
			body.Close()
		}
	}
	err := <-errs

	if sinkErr != nil {
		return r.abort(sinkErr)
	}
	if err == nil {
		return r.succeed(ctx)
	}
	if errors.Is(err, domain.ErrIncompleteStream) && ctx.Err() == nil {
		return r.incomplete(err)
	}
	return r.providerFailure(ctx, err)
}

func (r *run) awaitResearch(ctx context.Context) State {
	text, err := r.d.research.Wait(ctx, r.pollCall, r.operation, research.BudgetFrom(r.policy))
	if err != nil {
		if cancelled(ctx, err) {
			return r.abort(err)
		}
		if errors.Is(err, domain.ErrPollTimeout) {
			r.record(domain.OutcomeFatal, domain.KindPollTimeout)
			return r.fail(domain.KindPollTimeout, domain.ReasonTimedOut, err)
		}
		return r.providerFailure(ctx, err)
	}

	if out, ok := r.dedup.Attempt().Filter(stream.Event{Channel: stream.Answer, Text: text}); ok {
		if err := r.sink(out); err != nil {
			return r.abort(err)
		}
	}
	return r.succeed(ctx)
}

func (r *run) retryableError(ctx context.Context) State {
	r.log.Info("retrying on same account",
		"account_id", r.acc.ID,
		"retry_from", r.retryFrom.String(),
		"request_retries", r.requestRetries,
		"session_tries", r.sessionTries,
		"stream_retries", r.streamRetries,
	)
	return r.retryFrom
}

func (r *run) switchAccount(ctx context.Context) State {
	r.switches++
	metrics.RecordAccountSwitch()
	if r.switches > r.policy.MaxAccountSwitchTries {
		r.log.Warn("account switch budget exhausted", "switches", r.switches, "last_kind", r.lastKind)
		return r.fail(r.lastKind, domain.ReasonNoCapacity, r.lastErr)
	}
	r.exclude = map[string]bool{r.acc.ID: true}
	r.log.Info("switching account", "from_account", r.acc.ID, "switches", r.switches)
	return StateStart
}

func (r *run) succeed(ctx context.Context) State {
	r.record(domain.OutcomeSuccess, domain.KindNone)
	r.d.pool.ReportSuccess(ctx, r.acc.ID)
	return StateSuccess
}

// sessionFailure classifies a failure to obtain a token or session.
func (r *run) sessionFailure(ctx context.Context, err error) State {
	if cancelled(ctx, err) {
		return r.abort(err)
	}
	r.lastErr = err

	switch provider.ClassOf(err) {
	case provider.ClassRateLimited:
		r.record(domain.OutcomeRetryable, domain.KindRateLimited)
		r.d.pool.ReportRateLimited(ctx, r.acc.ID)
		return StateSwitchAccount
	case provider.ClassAccount:
		return r.accountRejected(ctx)
	}

	r.record(domain.OutcomeRetryable, domain.KindSessionCreationFailed)
	r.sessionTries++
	if r.sessionTries >= r.policy.MaxNewSessionTries {
		return StateSwitchAccount
	}
	r.retryFrom = StateAccountSelected
	return StateRetryableError
}

// providerFailure classifies a failed assist call.
func (r *run) providerFailure(ctx context.Context, err error) State {
	if cancelled(ctx, err) {
		return r.abort(err)
	}
	r.lastErr = err

	switch provider.ClassOf(err) {
	case provider.ClassRateLimited:
		r.record(domain.OutcomeRetryable, domain.KindRateLimited)
		r.d.pool.ReportRateLimited(ctx, r.acc.ID)
		return StateSwitchAccount

	case provider.ClassTransient:
		r.record(domain.OutcomeRetryable, domain.KindTransientNetworkFailure)
		evicted := r.d.pool.ReportFailure(ctx, r.acc.ID)
		r.requestRetries++
		if evicted || r.requestRetries > r.policy.MaxRequestRetries {
			return StateSwitchAccount
		}
		r.retryFrom = StateSessionReady
		return StateRetryableError

	case provider.ClassSessionGone:
		r.record(domain.OutcomeRetryable, domain.KindSessionCreationFailed)
		r.d.sessions.Invalidate(ctx, r.acc.ID, r.req.ConversationKey)
		r.sessionTries++
		if r.sessionTries >= r.policy.MaxNewSessionTries {
			return StateSwitchAccount
		}
		r.retryFrom = StateAccountSelected
		return StateRetryableError

	case provider.ClassAccount:
		return r.accountRejected(ctx)
	}

	r.record(domain.OutcomeFatal, domain.KindFatal)
	return r.fail(domain.KindFatal, domain.ReasonProviderRejected, err)
}

// accountRejected handles credentials the provider no longer accepts. The
// cached token is dropped so the next use mints a fresh one.
func (r *run) accountRejected(ctx context.Context) State {
	r.record(domain.OutcomeRetryable, domain.KindAccountUnauthorized)
	r.d.pool.ReportFailure(ctx, r.acc.ID)
	r.d.pool.UpdateToken(r.acc.ID, "", time.Time{})
	return StateSwitchAccount
}

func (r *run) incomplete(err error) State {
	r.lastErr = err
	r.record(domain.OutcomeRetryable, domain.KindIncompleteStream)
	r.streamRetries++
	if r.streamRetries > r.policy.StreamAutoRetryTimes {
		metrics.RecordStreamRetry("exhausted")
		return r.fail(domain.KindIncompleteStream, domain.ReasonTimedOut, err)
	}
	metrics.RecordStreamRetry("retried")
	r.retryFrom = StateSessionReady
	return StateRetryableError
}

func (r *run) fail(kind domain.ErrorKind, reason domain.FatalReason, cause error) State {
	if kind == domain.KindNone {
		kind = domain.KindFatal
	}
	r.fatal = &domain.DispatchError{Kind: kind, Reason: reason, Cause: cause}
	r.log.Warn("dispatch failed", "kind", kind, "reason", reason, "attempts", len(r.attempts), "error", cause)
	return StateFatal
}

// abort ends the request on client cancellation. Nobody is penalised.
func (r *run) abort(err error) State {
	r.fatal = err
	r.log.Info("dispatch aborted", "account_id", r.acc.ID, "error", err)
	return StateFatal
}

func (r *run) record(outcome domain.Outcome, kind domain.ErrorKind) {
	a := domain.DispatchAttempt{
		Index:     len(r.attempts) + 1,
		AccountID: r.acc.ID,
		Outcome:   outcome,
		Kind:      kind,
		Elapsed:   time.Since(r.attemptStart),
	}
	r.attempts = append(r.attempts, a)
	if kind != domain.KindNone {
		r.lastKind = kind
	}

	metrics.RecordAttempt(outcome, kind)
	telemetry.AddAttemptAttributes(r.span, a)
	if outcome != domain.OutcomeSuccess {
		r.log.Warn("attempt failed", "account_id", a.AccountID, "attempt", a.Index, "kind", kind, "error", r.lastErr)
	}
}

// pollCall hands the poller a token that is valid now. Research jobs run
// for many token lifetimes; a token refused mid-wait is dropped and minted
// again without counting against the account.
func (r *run) pollCall(ctx context.Context, rejected bool) (provider.Call, error) {
	if rejected {
		r.d.pool.UpdateToken(r.acc.ID, "", time.Time{})
	}
	acc, err := r.d.pool.Get(r.acc.ID)
	if err != nil {
		return provider.Call{}, err
	}
	token, err := r.d.tokens.Token(ctx, acc)
	if err != nil {
		return provider.Call{}, err
	}
	return provider.Call{Account: acc, Token: token, Settings: r.snap}, nil
}

func (r *run) call() provider.Call {
	return provider.Call{Account: r.acc, Token: r.token, Settings: r.snap}
}

func cancelled(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, context.Canceled)
}

// buildPrompt flattens the transcript for a fresh session. A reused session
// already holds the history, so only the newest user turn is sent.
func buildPrompt(messages []domain.Message, fresh bool) string {
	if !fresh {
		for i := len(messages) - 1; i >= 0; i-- {
			if messages[i].Role == "user" {
				return messages[i].Content
			}
		}
	}
	if len(messages) == 1 {
		return messages[0].Content
	}

	var b strings.Builder
	for _, m := range messages {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(roleLabel(m.Role))
		b.WriteString(": ")
		b.WriteString(m.Content)
	}
	return b.String()
}

func roleLabel(role string) string {
	switch role {
	case "system":
		return "System"
	case "assistant":
		return "Assistant"
	default:
		return "User"
	}
}
