package campaign

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"ordercall/internal/convo"
	"ordercall/internal/synthflow"
)

var testDBSeq int

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	testDBSeq++
	dsn := fmt.Sprintf("file:campaign_test_%d?mode=memory&cache=shared", testDBSeq)
	db, err := gorm.Open(gormsqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&convo.Message{}, &convo.CampaignState{}, &Job{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

type fakeCallAPI struct {
	mu       sync.Mutex
	placed   []synthflow.PlaceCallRequest
	getCount map[string]int

	placeFn func(req synthflow.PlaceCallRequest) (*synthflow.PlaceCallResponse, error)
	getFn   func(callID string) (*synthflow.CallStatusResponse, error)
}

func (f *fakeCallAPI) PlaceCall(ctx context.Context, req synthflow.PlaceCallRequest) (*synthflow.PlaceCallResponse, error) {
	_ = ctx
	f.mu.Lock()
	f.placed = append(f.placed, req)
	f.mu.Unlock()
	if f.placeFn != nil {
		return f.placeFn(req)
	}
	return placeResp("call-" + req.Name), nil
}

func (f *fakeCallAPI) GetCall(ctx context.Context, callID string) (*synthflow.CallStatusResponse, error) {
	_ = ctx
	f.mu.Lock()
	if f.getCount == nil {
		f.getCount = make(map[string]int)
	}
	f.getCount[callID]++
	f.mu.Unlock()
	if f.getFn != nil {
		return f.getFn(callID)
	}
	return &synthflow.CallStatusResponse{}, nil
}

func (f *fakeCallAPI) placedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.placed)
}

func (f *fakeCallAPI) queries(callID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.getCount[callID]
}

func placeResp(callID string) *synthflow.PlaceCallResponse {
	resp := &synthflow.PlaceCallResponse{Status: "ok"}
	resp.Response.CallID = callID
	return resp
}

func statusResp(callID, recordingURL, transcript string) *synthflow.CallStatusResponse {
	resp := &synthflow.CallStatusResponse{}
	resp.Response.Calls = []synthflow.CallRecord{{
		CallID:       callID,
		RecordingURL: recordingURL,
		Transcript:   transcript,
	}}
	return resp
}

type fakeSummarizer struct {
	out string
	err error
}

func (f *fakeSummarizer) Summarize(ctx context.Context, conversationText string) (string, error) {
	_ = ctx
	_ = conversationText
	return f.out, f.err
}

func newTestOrchestrator(t *testing.T, api synthflow.API, sum Summarizer) (*Orchestrator, *convo.Store) {
	t.Helper()
	store := convo.NewStore(openTestDB(t))
	if sum == nil {
		sum = &fakeSummarizer{out: "need pizza for 20 in Berlin"}
	}
	orch := NewOrchestrator(store, api, sum, Config{
		ModelID:           "model-1",
		PollInterval:      time.Millisecond,
		MaxPollIterations: 3,
	})
	return orch, store
}

func seedOptionsMessage(t *testing.T, store *convo.Store, taskID string, options convo.OptionList) {
	t.Helper()
	if err := store.InsertMessage(context.Background(), &convo.Message{
		TaskID:  taskID,
		Sender:  convo.SenderAI,
		Options: options,
	}); err != nil {
		t.Fatalf("seed options message: %v", err)
	}
}

func TestFetchSelectedOptions_EmptyTask(t *testing.T) {
	orch, _ := newTestOrchestrator(t, &fakeCallAPI{}, nil)

	options, text, err := orch.FetchSelectedOptions(context.Background(), "missing")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(options) != 0 || text != "" {
		t.Fatalf("expected empty results, got options=%v text=%q", options, text)
	}
}

func TestFetchSelectedOptions_FiltersSelected(t *testing.T) {
	orch, store := newTestOrchestrator(t, &fakeCallAPI{}, nil)
	seedOptionsMessage(t, store, "T1", convo.OptionList{
		{Name: "A", Phone: "555-1", Selected: true},
		{Name: "B", Phone: "555-2", Selected: false},
	})

	options, _, err := orch.FetchSelectedOptions(context.Background(), "T1")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(options) != 1 {
		t.Fatalf("expected 1 option, got %d", len(options))
	}
	got := options[0]
	if got.Name != "A" || got.Phone != "555-1" || got.Status != convo.StatusUnknown {
		t.Fatalf("unexpected option: %+v", got)
	}
}

func TestFetchSelectedOptions_ConversationText(t *testing.T) {
	orch, store := newTestOrchestrator(t, &fakeCallAPI{}, nil)
	ctx := context.Background()

	if err := store.InsertMessage(ctx, &convo.Message{TaskID: "t1", Sender: convo.SenderUser, Body: "I want pizza"}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := store.InsertMessage(ctx, &convo.Message{TaskID: "t1", Sender: convo.SenderAI, Body: "Which city?"}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	seedOptionsMessage(t, store, "t1", convo.OptionList{
		{Name: "A", Phone: "555-1", Selected: true},
		{Name: "B", Phone: ""},
	})

	_, text, err := orch.FetchSelectedOptions(ctx, "t1")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	want := "User: I want pizza\nAI: Which city?\nAI: Restaurant options:\n1. A - 555-1\n2. B - No phone"
	if text != want {
		t.Fatalf("transcript mismatch:\ngot:  %q\nwant: %q", text, want)
	}
}

func TestFetchSelectedOptions_TextFallback(t *testing.T) {
	orch, store := newTestOrchestrator(t, &fakeCallAPI{}, nil)
	ctx := context.Background()

	body := "pick one:\n1. Mario's\n2) Luigi's\nno marker here"
	if err := store.InsertMessage(ctx, &convo.Message{TaskID: "t1", Sender: convo.SenderAI, Body: body}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	options, _, err := orch.FetchSelectedOptions(ctx, "t1")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(options) != 2 {
		t.Fatalf("expected 2 enumerated lines, got %d: %v", len(options), options)
	}
	if options[0].Name != "1. Mario's" || options[1].Name != "2) Luigi's" {
		t.Fatalf("unexpected lines: %+v", options)
	}
}

func TestExecuteCalls_NoSelectedOptions(t *testing.T) {
	api := &fakeCallAPI{}
	orch, store := newTestOrchestrator(t, api, nil)
	seedOptionsMessage(t, store, "t1", convo.OptionList{
		{Name: "A", Phone: "555-1", Selected: false},
	})

	results, err := orch.ExecuteCalls(context.Background(), "t1")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("expected no results, got %v", results)
	}
	if api.placedCount() != 0 {
		t.Fatalf("expected no calls placed")
	}
	// no writes: the projection was never seeded
	if _, err := store.GetState(context.Background(), "t1"); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatalf("expected no campaign state, got err=%v", err)
	}
}

func TestExecuteCalls_PlacesAndPersists(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once

	api := &fakeCallAPI{}
	api.getFn = func(callID string) (*synthflow.CallStatusResponse, error) {
		once.Do(func() { close(entered) })
		<-release
		return &synthflow.CallStatusResponse{}, nil
	}
	sum := &fakeSummarizer{out: "sourcing: 20 pizzas, Berlin, $10 pp"}
	orch, store := newTestOrchestrator(t, api, sum)
	orch.cfg.MaxPollIterations = 1

	seedOptionsMessage(t, store, "t1", convo.OptionList{
		{Name: "A", Phone: "555-1", Selected: true},
		{Name: "B", Phone: "555-2", Selected: true},
		{Name: "C", Phone: "555-3", Selected: false},
	})

	results, err := orch.ExecuteCalls(context.Background(), "t1")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	for i, want := range []struct{ name, phone string }{{"A", "555-1"}, {"B", "555-2"}} {
		if results[i].Name != want.name || results[i].Phone != want.phone {
			t.Fatalf("result %d mismatch: %+v", i, results[i])
		}
		if results[i].Status != CallSuccess {
			t.Fatalf("result %d not success: %+v", i, results[i])
		}
	}

	// every call carries the one shared sourcing requirement
	if api.placedCount() != 2 {
		t.Fatalf("expected 2 placements, got %d", api.placedCount())
	}
	for _, req := range api.placed {
		if req.ModelID != "model-1" {
			t.Fatalf("wrong model id: %q", req.ModelID)
		}
		if len(req.CustomVariables) != 1 ||
			req.CustomVariables[0].Key != "sourcing_request" ||
			req.CustomVariables[0].Value != sum.out {
			t.Fatalf("missing sourcing_request variable: %+v", req.CustomVariables)
		}
	}

	// while the poll session is blocked, placements are persisted as loading
	<-entered
	st, err := store.GetState(context.Background(), "t1")
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	byName := map[string]convo.VendorOption{}
	for _, o := range st.Options {
		byName[o.Name] = o
	}
	if byName["A"].Status != convo.StatusLoading || byName["A"].CallID != "call-A" {
		t.Fatalf("A not loading with call id: %+v", byName["A"])
	}
	if byName["B"].Status != convo.StatusLoading || byName["B"].CallID != "call-B" {
		t.Fatalf("B not loading with call id: %+v", byName["B"])
	}
	if byName["C"].Status != "" || byName["C"].CallID != "" {
		t.Fatalf("unselected C was touched: %+v", byName["C"])
	}

	// release the poll; with no results it exhausts its budget and times out
	close(release)
	<-orch.Polls().Wait("t1")

	st, err = store.GetState(context.Background(), "t1")
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	for _, o := range st.Options {
		if o.Name == "C" {
			continue
		}
		if o.Status != convo.StatusTimedOut {
			t.Fatalf("%s not timed out after budget: %+v", o.Name, o)
		}
	}
}

func TestExecuteCalls_PartialPlacementFailure(t *testing.T) {
	api := &fakeCallAPI{}
	api.placeFn = func(req synthflow.PlaceCallRequest) (*synthflow.PlaceCallResponse, error) {
		if req.Name == "A" {
			return nil, errors.New("provider rejected call")
		}
		return placeResp("call-" + req.Name), nil
	}
	orch, store := newTestOrchestrator(t, api, nil)
	orch.cfg.MaxPollIterations = 1

	seedOptionsMessage(t, store, "t1", convo.OptionList{
		{Name: "A", Phone: "555-1", Selected: true},
		{Name: "B", Phone: "555-2", Selected: true},
	})

	results, err := orch.ExecuteCalls(context.Background(), "t1")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].Status != CallFailed || results[0].Error == "" || results[0].Call != nil {
		t.Fatalf("unexpected failed result: %+v", results[0])
	}
	// failure of A did not stop placement of B
	if results[1].Status != CallSuccess {
		t.Fatalf("B placement should have proceeded: %+v", results[1])
	}
	if api.placedCount() != 2 {
		t.Fatalf("expected both placement attempts, got %d", api.placedCount())
	}

	<-orch.Polls().Wait("t1")

	st, err := store.GetState(context.Background(), "t1")
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	byName := map[string]convo.VendorOption{}
	for _, o := range st.Options {
		byName[o.Name] = o
	}
	if byName["A"].CallID != "" {
		t.Fatalf("failed placement must not carry a call id: %+v", byName["A"])
	}
	if byName["B"].CallID != "call-B" {
		t.Fatalf("B missing call id: %+v", byName["B"])
	}
}

func TestExecuteCalls_AllPlacementsFail_NoPoll(t *testing.T) {
	api := &fakeCallAPI{}
	api.placeFn = func(req synthflow.PlaceCallRequest) (*synthflow.PlaceCallResponse, error) {
		return nil, errors.New("boom")
	}
	orch, store := newTestOrchestrator(t, api, nil)

	seedOptionsMessage(t, store, "t1", convo.OptionList{
		{Name: "A", Phone: "555-1", Selected: true},
	})

	results, err := orch.ExecuteCalls(context.Background(), "t1")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(results) != 1 || results[0].Status != CallFailed {
		t.Fatalf("unexpected results: %+v", results)
	}

	<-orch.Polls().Wait("t1")
	if api.queries("call-A") != 0 {
		t.Fatalf("poll session started despite no successful call ids")
	}
}

func TestExecuteCalls_SummarizerErrorIsFatal(t *testing.T) {
	api := &fakeCallAPI{}
	orch, store := newTestOrchestrator(t, api, &fakeSummarizer{err: errors.New("llm down")})

	seedOptionsMessage(t, store, "t1", convo.OptionList{
		{Name: "A", Phone: "555-1", Selected: true},
	})

	if _, err := orch.ExecuteCalls(context.Background(), "t1"); err == nil {
		t.Fatalf("expected summarizer error to propagate")
	}
	if api.placedCount() != 0 {
		t.Fatalf("no calls may be placed after a fatal summarize error")
	}
}

func TestExecuteCalls_MarksLoadingBeforePlacement(t *testing.T) {
	var statusAtPlacement convo.OptionStatus

	api := &fakeCallAPI{}
	orch, store := newTestOrchestrator(t, api, nil)
	orch.cfg.MaxPollIterations = 1
	api.placeFn = func(req synthflow.PlaceCallRequest) (*synthflow.PlaceCallResponse, error) {
		st, err := store.GetState(context.Background(), "t1")
		if err != nil {
			return nil, err
		}
		statusAtPlacement = st.Options[0].Status
		return placeResp("call-A"), nil
	}

	seedOptionsMessage(t, store, "t1", convo.OptionList{
		{Name: "A", Phone: "555-1", Selected: true},
	})

	if _, err := orch.ExecuteCalls(context.Background(), "t1"); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if statusAtPlacement != convo.StatusLoading {
		t.Fatalf("expected loading before first placement, got %q", statusAtPlacement)
	}
	<-orch.Polls().Wait("t1")
}
