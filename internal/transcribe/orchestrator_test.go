package transcribe

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
)

type fakeProvider struct {
	name    string
	skip    bool
	result  Result
	err     error
	panics  bool
	nextFn  func(n int) string
	calls   int
	lastReq Request
}

func (f *fakeProvider) Name() string             { return f.name }
func (f *fakeProvider) CanHandle(_ Request) bool { return !f.skip }

func (f *fakeProvider) GetTranscript(_ context.Context, req Request) (Result, error) {
	f.calls++
	f.lastReq = req
	if f.panics {
		panic("boom")
	}
	if f.nextFn != nil {
		return Redirect(f.name, f.nextFn(f.calls), "redirect"), nil
	}
	return f.result, f.err
}

func ok(name, text string) *fakeProvider {
	return &fakeProvider{name: name, result: Success(name, text, nil)}
}

func failing(name, msg string) *fakeProvider {
	return &fakeProvider{name: name, result: Failure(name, errors.New(msg), nil)}
}

func fixedChain(ps ...Provider) Selector {
	return SelectorFunc(func(SourceKind, bool) []Provider { return ps })
}

func TestOrchestrator_FirstSuccessShortCircuits(t *testing.T) {
	a := failing("a", "nope")
	b := ok("b", "hello world")
	c := ok("c", "never")

	out := NewOrchestrator(fixedChain(a, b, c), zerolog.Nop()).Run(context.Background(), Request{URL: "https://example.com/x"})

	if !out.Result.OK || out.Result.Provider != "b" {
		t.Fatalf("result = %+v, want success from b", out.Result)
	}
	if c.calls != 0 {
		t.Errorf("c.calls = %d, want 0", c.calls)
	}
	if len(out.Attempts) != 2 {
		t.Errorf("attempts = %d, want 2", len(out.Attempts))
	}
}

func TestOrchestrator_FailureModes(t *testing.T) {
	tests := []struct {
		name     string
		provider *fakeProvider
		wantErr  string
	}{
		{"returned_error", &fakeProvider{name: "p", err: errors.New("connection reset")}, "connection reset"},
		{"panic", &fakeProvider{name: "p", panics: true}, "provider panic: boom"},
		{"empty_success", &fakeProvider{name: "p", result: Success("p", "   ", nil)}, "provider returned an empty transcript"},
		{"failure_without_message", &fakeProvider{name: "p", result: Result{}}, "provider failed without a message"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next := ok("next", "recovered")
			out := NewOrchestrator(fixedChain(tt.provider, next), zerolog.Nop()).Run(context.Background(), Request{URL: "https://example.com/x"})

			if !out.Result.OK || out.Result.Provider != "next" {
				t.Fatalf("walk should continue past %s: %+v", tt.name, out.Result)
			}
			if got := out.Attempts[0].Error; got != tt.wantErr {
				t.Errorf("attempt error = %q, want %q", got, tt.wantErr)
			}
		})
	}
}

func TestOrchestrator_SkipsInapplicable(t *testing.T) {
	skipped := &fakeProvider{name: "skipped", skip: true}
	good := ok("good", "text here")

	out := NewOrchestrator(fixedChain(skipped, good), zerolog.Nop()).Run(context.Background(), Request{URL: "https://example.com/x"})

	if skipped.calls != 0 {
		t.Errorf("inapplicable provider was invoked")
	}
	if len(out.Attempts) != 2 || out.Attempts[0].Applicable {
		t.Errorf("attempts = %+v, want first marked not applicable", out.Attempts)
	}
}

func TestOrchestrator_Exhaustion(t *testing.T) {
	out := NewOrchestrator(fixedChain(failing("a", "x"), failing("b", "y")), zerolog.Nop()).
		Run(context.Background(), Request{URL: "https://example.com/x"})

	if out.Result.OK {
		t.Fatal("expected failure")
	}
	if out.Result.Err != "no transcript available from any provider" {
		t.Errorf("err = %q", out.Result.Err)
	}
	if len(out.Attempts) != 2 {
		t.Errorf("attempts = %d, want 2", len(out.Attempts))
	}
	if _, ok := out.Result.Meta["attempts"]; !ok {
		t.Error("failure meta should carry the attempt history")
	}
}

func TestOrchestrator_Redirect(t *testing.T) {
	resolver := &fakeProvider{name: "resolver", nextFn: func(int) string { return "https://cdn.example.com/episode.mp3" }}
	unreached := ok("video_tail", "should not run")
	asr := ok("asr", "resolved transcript")

	sel := SelectorFunc(func(kind SourceKind, _ bool) []Provider {
		if kind == KindVideo {
			return []Provider{resolver, unreached}
		}
		return []Provider{asr}
	})

	out := NewOrchestrator(sel, zerolog.Nop()).Run(context.Background(), Request{URL: "https://www.youtube.com/watch?v=abc"})

	if !out.Result.OK || out.Result.Provider != "asr" {
		t.Fatalf("result = %+v, want success from asr", out.Result)
	}
	if unreached.calls != 0 {
		t.Error("redirect should abandon the rest of the old chain")
	}
	if asr.lastReq.URL != "https://cdn.example.com/episode.mp3" {
		t.Errorf("asr saw url %q", asr.lastReq.URL)
	}
	if out.URL != "https://cdn.example.com/episode.mp3" {
		t.Errorf("outcome url = %q", out.URL)
	}
}

func TestOrchestrator_RedirectBudget(t *testing.T) {
	loop := &fakeProvider{name: "loop", nextFn: func(n int) string { return fmt.Sprintf("https://example.com/%d", n) }}

	o := NewOrchestrator(fixedChain(loop), zerolog.Nop())
	o.SetMaxRedirects(2)
	out := o.Run(context.Background(), Request{URL: "https://example.com/start"})

	if out.Result.OK {
		t.Fatal("expected failure")
	}
	// two followed hops plus the final ignored hint
	if loop.calls != 3 {
		t.Errorf("calls = %d, want 3", loop.calls)
	}
}

func TestOrchestrator_SelfRedirectIsFailure(t *testing.T) {
	self := &fakeProvider{name: "self", nextFn: func(int) string { return "https://example.com/x" }}
	good := ok("good", "done")

	out := NewOrchestrator(fixedChain(self, good), zerolog.Nop()).Run(context.Background(), Request{URL: "https://example.com/x"})
	if !out.Result.OK || self.calls != 1 {
		t.Errorf("self redirect should fall through once: calls=%d result=%+v", self.calls, out.Result)
	}
}

func TestOrchestrator_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := ok("p", "text")

	out := NewOrchestrator(fixedChain(p), zerolog.Nop()).Run(ctx, Request{URL: "https://example.com/x"})
	if out.Result.OK || p.calls != 0 {
		t.Errorf("canceled walk should not invoke providers: calls=%d", p.calls)
	}
}
