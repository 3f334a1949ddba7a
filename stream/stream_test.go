package stream

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/aschepis/backscratcher/relay/llm"
)

// chunkReader returns one queued chunk per Read call.
type chunkReader struct {
	chunks []string
	closed bool
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if len(r.chunks) == 0 {
		return 0, io.EOF
	}
	n := copy(p, r.chunks[0])
	if n < len(r.chunks[0]) {
		r.chunks[0] = r.chunks[0][n:]
	} else {
		r.chunks = r.chunks[1:]
	}
	return n, nil
}

func (r *chunkReader) Close() error {
	r.closed = true
	return nil
}

func openChunks(chunks ...string) (OpenFunc, *chunkReader) {
	r := &chunkReader{chunks: chunks}
	return func(ctx context.Context) (io.ReadCloser, error) {
		return r, nil
	}, r
}

func TestConsumeSplitAcrossChunks(t *testing.T) {
	open, body := openChunks(
		`data: {"choices":[{"delta":{"content":"Hel`,
		"lo\"}}]}\n\ndata: [DONE]\n",
	)
	res, err := Consume(context.Background(), open, time.Second)
	if err != nil {
		t.Fatalf("Consume failed: %v", err)
	}
	if res.Content != "Hello" {
		t.Errorf("Expected content %q, got %q", "Hello", res.Content)
	}
	if !res.Done {
		t.Error("Expected done after sentinel")
	}
	if !body.closed {
		t.Error("Expected body to be closed")
	}
}

func TestConsumeSplitInsidePrefix(t *testing.T) {
	open, _ := openChunks(
		"da",
		"ta: {\"choices\":[{\"delta\":{\"content\":\"A\"}}]}\r\nd",
		"ata",
		": {\"choices\":[{\"delta\":{\"content\":\"B\"},\"finish_reason\":\"stop\"}]}\n",
	)
	res, err := Consume(context.Background(), open, time.Second)
	if err != nil {
		t.Fatalf("Consume failed: %v", err)
	}
	if res.Content != "AB" {
		t.Errorf("Expected content AB, got %q", res.Content)
	}
	if res.FinishReason != "stop" {
		t.Errorf("Expected finish reason stop, got %q", res.FinishReason)
	}
}

func TestConsumeSkipsMalformedLine(t *testing.T) {
	open, _ := openChunks(
		"data: {\"choices\":[{\"delta\":{\"content\":\"one \"}}]}\n",
		"data: {not json\n",
		": keep-alive comment\n\n",
		"event: message\n",
		"data: {\"choices\":[{\"delta\":{\"content\":\"two\"}}]}\n",
	)
	res, err := Consume(context.Background(), open, time.Second)
	if err != nil {
		t.Fatalf("Consume failed: %v", err)
	}
	if res.Content != "one two" {
		t.Errorf("Expected content around malformed line, got %q", res.Content)
	}
	if len(res.DecodeErrors) != 1 {
		t.Fatalf("Expected 1 decode error, got %d", len(res.DecodeErrors))
	}
	if res.DecodeErrors[0].Line != "data: {not json" {
		t.Errorf("Unexpected decode error line %q", res.DecodeErrors[0].Line)
	}
}

func TestConsumeTimeout(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	open := func(ctx context.Context) (io.ReadCloser, error) {
		return pr, nil
	}

	start := time.Now()
	res, err := Consume(context.Background(), open, 30*time.Millisecond)
	if !errors.Is(err, ErrStreamTimeout) {
		t.Fatalf("Expected ErrStreamTimeout, got %v", err)
	}
	if res != nil {
		t.Error("Expected no result on timeout")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Consume blocked past deadline: %v", elapsed)
	}
}

func TestConsumeTimeoutKeepsPartialOnSideChannel(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	go func() {
		_, _ = pw.Write([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"partial\"}}]}\n"))
	}()

	var seen strings.Builder
	_, err := Consume(context.Background(), func(ctx context.Context) (io.ReadCloser, error) {
		return pr, nil
	}, 50*time.Millisecond, WithDeltaHandler(func(d Delta) {
		seen.WriteString(d.Content)
	}))
	if !errors.Is(err, ErrStreamTimeout) {
		t.Fatalf("Expected ErrStreamTimeout, got %v", err)
	}
	if seen.String() != "partial" {
		t.Errorf("Expected delta handler to observe partial content, got %q", seen.String())
	}
}

func TestConsumeParentCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	pr, pw := io.Pipe()
	defer pw.Close()
	_, err := Consume(ctx, func(ctx context.Context) (io.ReadCloser, error) {
		return pr, nil
	}, time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if errors.Is(err, ErrStreamTimeout) {
		t.Error("Parent cancellation must not report a timeout")
	}
}

func TestConsumeNoTerminatorIsSuccess(t *testing.T) {
	open, _ := openChunks(`data: {"choices":[{"delta":{"content":"tail"}}]}`)
	res, err := Consume(context.Background(), open, time.Second)
	if err != nil {
		t.Fatalf("Consume failed: %v", err)
	}
	if res.Content != "tail" {
		t.Errorf("Expected trailing fragment to be processed, got %q", res.Content)
	}
	if res.Done || res.FinishReason != "" {
		t.Errorf("Expected no done flag or finish reason, got %+v", res)
	}
}

func TestConsumeIgnoresDataAfterDone(t *testing.T) {
	open, _ := openChunks(
		"data: {\"choices\":[{\"delta\":{\"content\":\"x\"}}]}\ndata: [DONE]\ndata: {\"choices\":[{\"delta\":{\"content\":\"y\"}}]}\n",
		"data: {\"choices\":[{\"delta\":{\"content\":\"z\"}}]}\n",
	)
	res, err := Consume(context.Background(), open, time.Second)
	if err != nil {
		t.Fatalf("Consume failed: %v", err)
	}
	if res.Content != "x" {
		t.Errorf("Expected content after [DONE] to be ignored, got %q", res.Content)
	}
}

func TestConsumeUsageAndFinishReason(t *testing.T) {
	open, _ := openChunks(
		"data: {\"choices\":[{\"delta\":{\"content\":\"hi\"},\"finish_reason\":null}]}\n",
		"data: {\"choices\":[{\"delta\":{},\"finish_reason\":\"length\"}]}\n",
		"data: {\"choices\":[{\"delta\":{},\"finish_reason\":\"stop\"}]}\n",
		"data: {\"choices\":[],\"usage\":{\"prompt_tokens\":5,\"completion_tokens\":2,\"total_tokens\":7}}\n",
		"data: [DONE]\n",
	)
	res, err := Consume(context.Background(), open, time.Second)
	if err != nil {
		t.Fatalf("Consume failed: %v", err)
	}
	if res.FinishReason != "stop" {
		t.Errorf("Expected last finish reason to win, got %q", res.FinishReason)
	}
	if res.TotalTokens != 7 || res.PromptTokens != 5 || res.CompletionTokens != 2 {
		t.Errorf("Unexpected usage %+v", res)
	}
}

func TestConsumeErrorRecord(t *testing.T) {
	open, _ := openChunks(
		"data: {\"choices\":[{\"delta\":{\"content\":\"x\"}}]}\n",
		"data: {\"error\":{\"message\":\"Provider returned error\",\"code\":502}}\n",
	)
	_, err := Consume(context.Background(), open, time.Second)
	var apiErr *llm.Error
	if !errors.As(err, &apiErr) {
		t.Fatalf("Expected *llm.Error, got %T: %v", err, err)
	}
	if apiErr.StatusCode != 502 {
		t.Errorf("Expected status 502, got %d", apiErr.StatusCode)
	}
}

func TestConsumeOpenError(t *testing.T) {
	want := &llm.Error{StatusCode: 401, Message: "unauthorized"}
	_, err := Consume(context.Background(), func(ctx context.Context) (io.ReadCloser, error) {
		return nil, want
	}, time.Second)
	if !errors.Is(err, want) {
		t.Errorf("Expected open error to propagate, got %v", err)
	}
}

func TestStateToolCalls(t *testing.T) {
	s := NewState()
	lines := strings.Join([]string{
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"calculate","arguments":"{\"expr"}}]}}]}`,
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"type":"function","function":{"arguments":"ession\":\"1+1\"}"}}]}}]}`,
		`data: {"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
		"",
	}, "\n")
	if err := s.Feed([]byte(lines)); err != nil {
		t.Fatalf("Feed failed: %v", err)
	}
	res := s.Result()
	if len(res.ToolCalls) != 1 {
		t.Fatalf("Expected 1 tool call, got %d", len(res.ToolCalls))
	}
	tc := res.ToolCalls[0]
	if tc.ID != "call_1" || tc.Name != "calculate" || string(tc.Arguments) != `{"expression":"1+1"}` {
		t.Errorf("Unexpected tool call %+v", tc)
	}
}
