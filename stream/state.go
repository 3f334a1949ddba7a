package stream

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/aschepis/backscratcher/relay/llm"
)

const doneSentinel = "[DONE]"

// DecodeError records one data line that could not be decoded. It never
// aborts the stream.
type DecodeError struct {
	Line string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("malformed stream line %q: %v", e.Line, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Delta is the incremental update carried by one decoded record.
type Delta struct {
	Content      string
	FinishReason string
	Usage        *llm.Usage
}

// chunk is a stream record; OpenRouter may send an error object in place of choices.
type chunk struct {
	openai.ChatCompletionStreamResponse
	Error *llm.ErrorBody `json:"error,omitempty"`
}

// toolCallBuilder accumulates the fragments of one streamed tool call.
type toolCallBuilder struct {
	id   string
	name string
	args strings.Builder
}

// State accumulates one streamed response. Feed it raw chunks in arrival
// order and call Finish at end of data. A State is owned by a single goroutine.
type State struct {
	content      strings.Builder
	usage        llm.Usage
	finishReason string
	id           string
	model        string
	fragment     []byte
	done         bool
	records      int
	decodeErrors []*DecodeError
	toolCalls    map[int]*toolCallBuilder

	onDelta  func(Delta)
	onDecode func(*DecodeError)
}

// NewState creates an empty accumulator.
func NewState() *State {
	return &State{toolCalls: map[int]*toolCallBuilder{}}
}

// Done reports whether the [DONE] sentinel was seen.
func (s *State) Done() bool {
	return s.done
}

// Feed consumes one raw chunk. Complete lines are processed; the trailing
// partial line is kept until the next chunk. After [DONE] chunks are ignored.
// A mid-stream error record is returned as *llm.Error.
func (s *State) Feed(data []byte) error {
	if s.done {
		return nil
	}
	s.fragment = append(s.fragment, data...)
	for {
		i := bytes.IndexByte(s.fragment, '\n')
		if i < 0 {
			break
		}
		line := s.fragment[:i]
		s.fragment = s.fragment[i+1:]
		if err := s.processLine(line); err != nil {
			return err
		}
		if s.done {
			s.fragment = nil
			return nil
		}
	}
	s.fragment = append([]byte(nil), s.fragment...)
	return nil
}

// Finish processes a trailing line left without a newline at end of data.
func (s *State) Finish() error {
	if s.done || len(s.fragment) == 0 {
		return nil
	}
	line := s.fragment
	s.fragment = nil
	return s.processLine(line)
}

func (s *State) processLine(line []byte) error {
	line = bytes.TrimSuffix(line, []byte("\r"))
	if len(line) == 0 || line[0] == ':' {
		return nil
	}
	payload, ok := bytes.CutPrefix(line, []byte("data:"))
	if !ok {
		// event:, id:, retry: and unknown fields carry nothing we use
		return nil
	}
	payload = bytes.TrimPrefix(payload, []byte(" "))
	if string(payload) == doneSentinel {
		s.done = true
		return nil
	}

	var c chunk
	if err := json.Unmarshal(payload, &c); err != nil {
		de := &DecodeError{Line: string(line), Err: err}
		s.decodeErrors = append(s.decodeErrors, de)
		if s.onDecode != nil {
			s.onDecode(de)
		}
		return nil
	}
	if c.Error != nil {
		return llm.NewStreamError(c.Error)
	}
	s.apply(&c)
	return nil
}

func (s *State) apply(c *chunk) {
	s.records++
	if c.ID != "" {
		s.id = c.ID
	}
	if c.Model != "" {
		s.model = c.Model
	}

	var d Delta
	if len(c.Choices) > 0 {
		choice := c.Choices[0]
		if choice.Delta.Content != "" {
			s.content.WriteString(choice.Delta.Content)
			d.Content = choice.Delta.Content
		}
		if choice.FinishReason != "" && choice.FinishReason != openai.FinishReasonNull {
			s.finishReason = string(choice.FinishReason)
			d.FinishReason = s.finishReason
		}
		for _, tc := range choice.Delta.ToolCalls {
			s.applyToolCall(tc)
		}
	}
	if c.Usage != nil {
		s.usage = llm.Usage{
			PromptTokens:     c.Usage.PromptTokens,
			CompletionTokens: c.Usage.CompletionTokens,
			TotalTokens:      c.Usage.TotalTokens,
		}
		u := s.usage
		d.Usage = &u
	}
	if s.onDelta != nil && (d.Content != "" || d.FinishReason != "" || d.Usage != nil) {
		s.onDelta(d)
	}
}

func (s *State) applyToolCall(tc openai.ToolCall) {
	idx := len(s.toolCalls)
	if tc.Index != nil {
		idx = *tc.Index
	}
	b, ok := s.toolCalls[idx]
	if !ok {
		b = &toolCallBuilder{}
		s.toolCalls[idx] = b
	}
	if tc.ID != "" {
		b.id = tc.ID
	}
	if tc.Function.Name != "" {
		b.name = tc.Function.Name
	}
	b.args.WriteString(tc.Function.Arguments)
}

// Result snapshots the accumulated values.
func (s *State) Result() *Result {
	r := &Result{
		ID:               s.id,
		Model:            s.model,
		Content:          s.content.String(),
		TotalTokens:      s.usage.TotalTokens,
		PromptTokens:     s.usage.PromptTokens,
		CompletionTokens: s.usage.CompletionTokens,
		FinishReason:     s.finishReason,
		Done:             s.done,
		Chunks:           s.records,
		DecodeErrors:     s.decodeErrors,
	}
	if len(s.toolCalls) > 0 {
		idxs := make([]int, 0, len(s.toolCalls))
		for i := range s.toolCalls {
			idxs = append(idxs, i)
		}
		sort.Ints(idxs)
		for _, i := range idxs {
			b := s.toolCalls[i]
			r.ToolCalls = append(r.ToolCalls, llm.ToolCall{
				ID:        b.id,
				Name:      b.name,
				Arguments: json.RawMessage(b.args.String()),
			})
		}
	}
	return r
}
