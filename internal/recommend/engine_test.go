package recommend

import (
	"context"
	"errors"
	"strings"
	"testing"

	"ordercall/internal/ai"
	"ordercall/internal/convo"
)

type fakeProvider struct {
	reply string
	err   error
	got   []ai.Message
}

func (f *fakeProvider) Chat(ctx context.Context, msgs []ai.Message) (string, error) {
	_ = ctx
	f.got = msgs
	return f.reply, f.err
}

const fiveOptionsJSON = `[
  {"rank": 1, "name": "Mario's Pizza", "phone": "555-0101", "description": "Neapolitan pies", "url": "https://marios.example", "image_url": null, "estimated_price": 12.5, "notes": "caters up to 50"},
  {"rank": 2, "name": "Luigi's", "phone": "555-0102", "description": "Roman style", "url": "https://luigis.example", "estimated_price": "$15", "notes": ""},
  {"rank": 0, "name": "Peach Catering", "phone": "555-0103", "description": "event catering", "url": "", "estimated_price": "twenty", "notes": ""},
  {"rank": 4, "name": "Toad & Co", "phone": "555-0104", "description": "", "url": "", "notes": ""},
  {"rank": 5, "name": "Bowser BBQ", "phone": "555-0105", "description": "smoked meats", "url": "", "estimated_price": 30, "notes": "48h notice"}
]`

func TestSearch_ParsesStructuredOptions(t *testing.T) {
	p := &fakeProvider{reply: fiveOptionsJSON}
	eng := NewEngine(p)

	options, err := eng.Search(context.Background(), "pizza for 20 in Berlin")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(options) != 5 {
		t.Fatalf("expected 5 options, got %d", len(options))
	}
	if options[0].Name != "Mario's Pizza" || options[0].Price != 12.5 {
		t.Fatalf("unexpected first option: %+v", options[0])
	}
	// dollar-prefixed string price is coerced
	if options[1].Price != 15 {
		t.Fatalf("expected coerced price 15, got %v", options[1].Price)
	}
	// unparseable price degrades to zero, missing rank is normalized
	if options[2].Price != 0 || options[2].Rank != 3 {
		t.Fatalf("unexpected third option: %+v", options[2])
	}
	for _, o := range options {
		if o.Status != convo.StatusUnknown {
			t.Fatalf("fresh option must start unknown: %+v", o)
		}
		if o.Selected {
			t.Fatalf("fresh option must not be selected: %+v", o)
		}
	}

	if len(p.got) != 2 || p.got[0].Role != "system" {
		t.Fatalf("unexpected prompt shape: %+v", p.got)
	}
	if !strings.Contains(p.got[1].Content, "pizza for 20 in Berlin") {
		t.Fatalf("query missing from prompt: %q", p.got[1].Content)
	}
}

func TestSearch_StripsCodeFence(t *testing.T) {
	p := &fakeProvider{reply: "```json\n" + fiveOptionsJSON + "\n```"}
	eng := NewEngine(p)

	options, err := eng.Search(context.Background(), "pizza")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(options) != 5 || options[0].Name != "Mario's Pizza" {
		t.Fatalf("fenced JSON not parsed: %+v", options)
	}
}

func TestSearch_CapsAtFiveOptions(t *testing.T) {
	reply := `[
	  {"rank": 1, "name": "A"}, {"rank": 2, "name": "B"}, {"rank": 3, "name": "C"},
	  {"rank": 4, "name": "D"}, {"rank": 5, "name": "E"}, {"rank": 6, "name": "F"}
	]`
	eng := NewEngine(&fakeProvider{reply: reply})

	options, err := eng.Search(context.Background(), "anything")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(options) != OptionCount {
		t.Fatalf("expected %d options, got %d", OptionCount, len(options))
	}
}

func TestSearch_RawLineFallback(t *testing.T) {
	reply := "Here are some ideas:\n\n1. Mario's Pizza\n2. Luigi's\n"
	eng := NewEngine(&fakeProvider{reply: reply})

	options, err := eng.Search(context.Background(), "pizza")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(options) != 3 {
		t.Fatalf("expected 3 raw lines, got %d: %+v", len(options), options)
	}
	if options[0].Name != "Here are some ideas:" || options[0].Notes != "LLM raw" {
		t.Fatalf("unexpected fallback option: %+v", options[0])
	}
	if options[2].Rank != 3 {
		t.Fatalf("fallback ranks not sequential: %+v", options[2])
	}
}

func TestSearch_EmptyQuery(t *testing.T) {
	eng := NewEngine(&fakeProvider{})
	if _, err := eng.Search(context.Background(), "   "); err == nil {
		t.Fatalf("expected error on empty query")
	}
}

func TestSearch_ProviderError(t *testing.T) {
	eng := NewEngine(&fakeProvider{err: errors.New("connection refused")})
	if _, err := eng.Search(context.Background(), "pizza"); err == nil {
		t.Fatalf("expected provider error to propagate")
	}
}

func TestSummarize_UsesProviderOutput(t *testing.T) {
	p := &fakeProvider{reply: "  20 margherita pizzas, Berlin Mitte, budget $250, Friday noon.  "}
	sum := NewSummarizer(p)

	got, err := sum.Summarize(context.Background(), "User: pizza please")
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if got != "20 margherita pizzas, Berlin Mitte, budget $250, Friday noon." {
		t.Fatalf("unexpected requirement: %q", got)
	}
	if !strings.Contains(p.got[1].Content, "User: pizza please") {
		t.Fatalf("conversation missing from prompt")
	}
}

func TestSummarize_FallsBackOnProviderError(t *testing.T) {
	sum := NewSummarizer(&fakeProvider{err: errors.New("model offline")})

	long := strings.Repeat("x", 300)
	got, err := sum.Summarize(context.Background(), long)
	if err != nil {
		t.Fatalf("fallback must not surface provider error, got %v", err)
	}
	want := "Sourcing requirement based on conversation: " + strings.Repeat("x", 200) + "..."
	if got != want {
		t.Fatalf("unexpected fallback:\ngot:  %q\nwant: %q", got, want)
	}
}

func TestSummarize_FallsBackOnEmptyReply(t *testing.T) {
	sum := NewSummarizer(&fakeProvider{reply: "   "})

	got, err := sum.Summarize(context.Background(), "short convo")
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if got != "Sourcing requirement based on conversation: short convo..." {
		t.Fatalf("unexpected fallback: %q", got)
	}
}
