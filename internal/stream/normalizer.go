// Package stream turns the provider's incrementally delivered JSON array
// into answer and reasoning events.
package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/tidwall/gjson"

	"github.com/felipepmaragno/gemini-gateway/internal/domain"
	"github.com/felipepmaragno/gemini-gateway/internal/provider"
)

type Channel int

const (
	Answer Channel = iota
	Reasoning
	numChannels
)

func (c Channel) String() string {
	if c == Reasoning {
		return "reasoning"
	}
	return "answer"
}

type Event struct {
	Channel Channel
	Text    string
}

const StateSucceeded = "SUCCEEDED"

// Result describes how a stream ended.
type Result struct {
	State   string
	Session string
	Chunks  int
}

// Normalizer decodes one provider response body.
type Normalizer struct {
	body   io.Reader
	result Result
}

func NewNormalizer(body io.Reader) *Normalizer {
	return &Normalizer{body: body}
}

func (n *Normalizer) Result() Result { return n.result }

// Stream emits events on an unbuffered channel, so the body is read no faster
// than the caller consumes. The error channel receives at most one value;
// closing without one means the stream completed.
func (n *Normalizer) Stream(ctx context.Context) (<-chan Event, <-chan error) {
	events := make(chan Event)
	errs := make(chan error, 1)

	go func() {
		defer close(events)
		defer close(errs)

		err := n.Run(ctx, func(ev Event) error {
			select {
			case events <- ev:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		if err != nil {
			errs <- err
		}
	}()

	return events, errs
}

// Run decodes the body element by element and calls emit for every text
// part in arrival order. It returns nil once the provider reports SUCCEEDED
// or the array closes cleanly, ErrIncompleteStream when the transport ends
// before either, and a *provider.Error for an in-band error element.
func (n *Normalizer) Run(ctx context.Context, emit func(Event) error) error {
	br := bufio.NewReader(n.body)
	first, err := peekNonSpace(br)
	if err != nil {
		return n.cut(ctx, err)
	}

	dec := json.NewDecoder(br)
	if first != '[' {
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return n.cut(ctx, err)
		}
		return n.element(raw, emit)
	}

	if _, err := dec.Token(); err != nil {
		return n.cut(ctx, err)
	}
	for dec.More() {
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return n.cut(ctx, err)
		}
		if err := n.element(raw, emit); err != nil {
			return err
		}
	}
	if _, err := dec.Token(); err != nil {
		return n.cut(ctx, err)
	}
	return nil
}

func (n *Normalizer) element(raw json.RawMessage, emit func(Event) error) error {
	n.result.Chunks++
	el := gjson.ParseBytes(raw)

	if errObj := el.Get("error"); errObj.Exists() {
		return provider.ParseError(int(errObj.Get("code").Int()), raw)
	}

	resp := el.Get("streamAssistResponse")
	if s := resp.Get("sessionInfo.session").String(); s != "" {
		n.result.Session = s
	}
	if s := resp.Get("answer.state").String(); s != "" {
		n.result.State = s
	}

	var emitErr error
	resp.Get("answer.replies").ForEach(func(_, reply gjson.Result) bool {
		content := reply.Get("groundedContent.content")
		ev, ok := partEvent(content)
		if !ok {
			return true
		}
		emitErr = emit(ev)
		return emitErr == nil
	})
	return emitErr
}

func partEvent(content gjson.Result) (Event, bool) {
	if text := content.Get("text").String(); text != "" {
		ch := Answer
		if content.Get("thought").Bool() {
			ch = Reasoning
		}
		return Event{Channel: ch, Text: text}, true
	}
	if data := content.Get("inlineData.data").String(); data != "" {
		mime := content.Get("inlineData.mimeType").String()
		if mime == "" {
			mime = "application/octet-stream"
		}
		return Event{Channel: Answer, Text: fmt.Sprintf("\n\n![generated](data:%s;base64,%s)\n\n", mime, data)}, true
	}
	return Event{}, false
}

// cut maps a read failure to the right terminal error. Once the provider
// reported SUCCEEDED a later transport failure loses nothing.
func (n *Normalizer) cut(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if n.result.State == StateSucceeded {
		return nil
	}
	if errors.Is(err, io.EOF) && n.result.Chunks == 0 {
		return fmt.Errorf("%w: empty response body", domain.ErrIncompleteStream)
	}
	return fmt.Errorf("%w: %w", domain.ErrIncompleteStream, err)
}

func peekNonSpace(br *bufio.Reader) (byte, error) {
	for {
		b, err := br.ReadByte()
		if err != nil {
			return 0, err
		}
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		}
		if err := br.UnreadByte(); err != nil {
			return 0, err
		}
		return b, nil
	}
}
