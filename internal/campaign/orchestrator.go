// Package campaign turns a task's selected vendor options into outbound
// phone calls and tracks each call to completion or timeout.
package campaign

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"gorm.io/gorm"

	"ordercall/internal/convo"
	"ordercall/internal/synthflow"
)

// Summarizer condenses a conversation transcript into one sourcing
// requirement shared by every call in a campaign.
type Summarizer interface {
	Summarize(ctx context.Context, conversationText string) (string, error)
}

// Call placement outcomes (distinct from vendor option statuses).
const (
	CallSuccess = "success"
	CallFailed  = "failed"
)

// CallResult is the per-vendor outcome of one placement attempt.
type CallResult struct {
	Name   string                       `json:"name"`
	Phone  string                       `json:"phone"`
	Call   *synthflow.PlaceCallResponse `json:"call_result,omitempty"`
	Status string                       `json:"status"`
	Error  string                       `json:"error,omitempty"`
}

type Config struct {
	// ModelID is the call provider's voice agent to place calls with.
	ModelID string
	// PollInterval is the cadence of the result-polling loop.
	PollInterval time.Duration
	// MaxPollIterations bounds the poll session (interval * iterations
	// is the campaign's wall-clock budget).
	MaxPollIterations int
}

type Orchestrator struct {
	store      *convo.Store
	calls      synthflow.API
	summarizer Summarizer
	polls      *Registry
	cfg        Config
}

func NewOrchestrator(store *convo.Store, calls synthflow.API, summarizer Summarizer, cfg Config) *Orchestrator {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.MaxPollIterations <= 0 {
		cfg.MaxPollIterations = 20
	}
	return &Orchestrator{
		store:      store,
		calls:      calls,
		summarizer: summarizer,
		polls:      NewRegistry(),
		cfg:        cfg,
	}
}

// Polls exposes the poll-job registry (used by tests and shutdown paths).
func (o *Orchestrator) Polls() *Registry { return o.polls }

// FetchSelectedOptions returns the task's selected vendor options and the
// flattened conversation transcript. A task with no messages yields empty
// results, not an error. Read-only.
func (o *Orchestrator) FetchSelectedOptions(ctx context.Context, taskID string) ([]convo.VendorOption, string, error) {
	msgs, err := o.store.ListMessagesDesc(ctx, taskID)
	if err != nil {
		return nil, "", err
	}
	if len(msgs) == 0 {
		log.Printf("[PHONE EXECUTOR] no messages found for task_id: %s", taskID)
		return nil, "", nil
	}

	conversationText := buildConversationText(msgs)

	current, err := o.currentOptions(ctx, taskID, &msgs[0])
	if err != nil {
		return nil, "", err
	}

	if len(current) > 0 {
		var selected []convo.VendorOption
		for _, opt := range current {
			if !opt.Selected || opt.Name == "" {
				continue
			}
			if opt.Status == "" {
				opt.Status = convo.StatusUnknown
			}
			selected = append(selected, opt)
		}
		return selected, conversationText, nil
	}

	// Plain-text latest message: extract lines that look like enumerated
	// choices. Strings carry no selected flag, so no filtering happens.
	return enumeratedLineOptions(msgs[0].Body), conversationText, nil
}

// currentOptions prefers the campaign-state projection; a task without one
// falls back to the latest message's option list.
func (o *Orchestrator) currentOptions(ctx context.Context, taskID string, latest *convo.Message) (convo.OptionList, error) {
	st, err := o.store.GetState(ctx, taskID)
	if err == nil {
		return st.Options, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	return latest.Options, nil
}

func buildConversationText(msgsDesc []convo.Message) string {
	var parts []string
	for i := len(msgsDesc) - 1; i >= 0; i-- {
		m := msgsDesc[i]
		switch {
		case len(m.Options) > 0:
			var b strings.Builder
			b.WriteString("AI: Restaurant options:\n")
			for j, opt := range m.Options {
				phone := opt.Phone
				if phone == "" {
					phone = "No phone"
				}
				name := opt.Name
				if name == "" {
					name = "Unknown"
				}
				fmt.Fprintf(&b, "%d. %s - %s\n", j+1, name, phone)
			}
			parts = append(parts, strings.TrimRight(b.String(), "\n"))
		case m.Body != "":
			prefix := "AI"
			if m.Sender == convo.SenderUser {
				prefix = "User"
			}
			parts = append(parts, prefix+": "+m.Body)
		}
	}
	return strings.Join(parts, "\n")
}

func enumeratedLineOptions(body string) []convo.VendorOption {
	var options []convo.VendorOption
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if len(line) < 2 {
			continue
		}
		first, second := rune(line[0]), line[1]
		isMarker := (first >= '0' && first <= '9') ||
			(first >= 'a' && first <= 'z') || (first >= 'A' && first <= 'Z')
		if isMarker && (second == '.' || second == ')' || second == ' ') {
			options = append(options, convo.VendorOption{
				Name:   line,
				Status: convo.StatusUnknown,
			})
		}
	}
	return options
}

// ExecuteCalls places one outbound call per selected option, persists the
// placements, and hands successful call ids to a background poll session.
// Per-call placement failures are captured in the result list, never
// propagated; fetch and summarize errors are fatal for the invocation.
func (o *Orchestrator) ExecuteCalls(ctx context.Context, taskID string) ([]CallResult, error) {
	selected, conversationText, err := o.FetchSelectedOptions(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if len(selected) == 0 {
		log.Printf("[PHONE EXECUTOR] no selected options found for task_id: %s", taskID)
		return []CallResult{}, nil
	}

	log.Printf("[PHONE EXECUTOR] executing phone calls for %d selected options", len(selected))

	// Clients polling status right after triggering must observe "loading",
	// so the mark happens before any call is placed.
	if err := o.markOptionsLoading(ctx, taskID, selected); err != nil {
		return nil, err
	}

	requirement, err := o.summarizer.Summarize(ctx, conversationText)
	if err != nil {
		return nil, err
	}

	results := make([]CallResult, 0, len(selected))
	for i, opt := range selected {
		log.Printf("[PHONE EXECUTOR] making call %d/%d to %s", i+1, len(selected), opt.Name)

		resp, callErr := o.calls.PlaceCall(ctx, synthflow.PlaceCallRequest{
			ModelID: o.cfg.ModelID,
			Phone:   opt.Phone,
			Name:    opt.Name,
			CustomVariables: []synthflow.CustomVariable{
				{Key: "sourcing_request", Value: requirement},
			},
		})
		if callErr != nil {
			log.Printf("[PHONE EXECUTOR] call %d failed for %s: %v", i+1, opt.Name, callErr)
			results = append(results, CallResult{
				Name:   opt.Name,
				Phone:  opt.Phone,
				Status: CallFailed,
				Error:  callErr.Error(),
			})
			continue
		}
		results = append(results, CallResult{
			Name:   opt.Name,
			Phone:  opt.Phone,
			Call:   resp,
			Status: CallSuccess,
		})
	}

	log.Printf("[PHONE EXECUTOR] completed %d call placements", len(results))

	if err := o.applyPlacements(ctx, taskID, results); err != nil {
		// Results already belong to the caller; stored state may lag.
		log.Printf("[PHONE EXECUTOR] error persisting call placements: %v", err)
	}

	var callIDs []string
	for _, r := range results {
		if r.Status == CallSuccess && r.Call != nil && r.Call.Response.CallID != "" {
			callIDs = append(callIDs, r.Call.Response.CallID)
		}
	}
	if len(callIDs) > 0 {
		log.Printf("[PHONE EXECUTOR] starting background polling for call_ids: %v", callIDs)
		o.polls.Start(taskID, func(pollCtx context.Context) {
			o.pollCallResults(pollCtx, taskID, callIDs)
		})
	}

	return results, nil
}

// markOptionsLoading sets every selected option's status to loading in the
// campaign-state projection. A task without an addressable option list is
// skipped with a warning.
func (o *Orchestrator) markOptionsLoading(ctx context.Context, taskID string, selected []convo.VendorOption) error {
	names := make(map[string]bool, len(selected))
	for _, opt := range selected {
		names[opt.Name] = true
	}
	return o.mutateOptions(ctx, taskID, func(stored convo.OptionList) (convo.OptionList, bool) {
		changed := false
		for i := range stored {
			if names[stored[i].Name] && stored[i].Status != convo.StatusLoading {
				stored[i].Status = convo.StatusLoading
				changed = true
			}
		}
		return stored, changed
	})
}

// applyPlacements records the call id assigned to each successfully placed
// option, keyed by vendor name.
func (o *Orchestrator) applyPlacements(ctx context.Context, taskID string, results []CallResult) error {
	callIDByName := make(map[string]string, len(results))
	for _, r := range results {
		if r.Status == CallSuccess && r.Call != nil && r.Call.Response.CallID != "" {
			callIDByName[r.Name] = r.Call.Response.CallID
		}
	}
	if len(callIDByName) == 0 {
		return nil
	}
	return o.mutateOptions(ctx, taskID, func(stored convo.OptionList) (convo.OptionList, bool) {
		changed := false
		for i := range stored {
			callID, ok := callIDByName[stored[i].Name]
			if !ok {
				continue
			}
			if stored[i].CallID != callID || stored[i].Status != convo.StatusLoading {
				stored[i].CallID = callID
				stored[i].Status = convo.StatusLoading
				changed = true
			}
		}
		return stored, changed
	})
}

// applyCompletion writes the recording and transcript to the option whose
// call_id matches, moving it to the terminal completed status.
func (o *Orchestrator) applyCompletion(ctx context.Context, taskID, callID string, rec synthflow.CallRecord) error {
	return o.mutateOptions(ctx, taskID, func(stored convo.OptionList) (convo.OptionList, bool) {
		changed := false
		for i := range stored {
			if stored[i].CallID != callID {
				continue
			}
			if stored[i].RecordingURL != rec.RecordingURL ||
				stored[i].Transcript != rec.Transcript ||
				stored[i].Status != convo.StatusCompleted {
				stored[i].RecordingURL = rec.RecordingURL
				stored[i].Transcript = rec.Transcript
				stored[i].Status = convo.StatusCompleted
				changed = true
			}
		}
		return stored, changed
	})
}

// markCallsTimedOut moves calls that never produced results within the poll
// budget to the terminal timed_out status.
func (o *Orchestrator) markCallsTimedOut(ctx context.Context, taskID string, callIDs []string) error {
	pending := make(map[string]bool, len(callIDs))
	for _, id := range callIDs {
		pending[id] = true
	}
	return o.mutateOptions(ctx, taskID, func(stored convo.OptionList) (convo.OptionList, bool) {
		changed := false
		for i := range stored {
			if pending[stored[i].CallID] && !stored[i].Status.Terminal() {
				stored[i].Status = convo.StatusTimedOut
				changed = true
			}
		}
		return stored, changed
	})
}

// mutateOptions runs fn against the projection under compare-and-set,
// seeding the projection from the latest option-list message on first use.
func (o *Orchestrator) mutateOptions(ctx context.Context, taskID string, fn func(convo.OptionList) (convo.OptionList, bool)) error {
	if err := o.ensureState(ctx, taskID); err != nil {
		if errors.Is(err, errNoOptionList) {
			log.Printf("[PHONE EXECUTOR] no option list to update for task_id: %s", taskID)
			return nil
		}
		return err
	}
	return o.store.MutateState(ctx, taskID, fn)
}

var errNoOptionList = errors.New("campaign: task has no vendor option list")

func (o *Orchestrator) ensureState(ctx context.Context, taskID string) error {
	_, err := o.store.GetState(ctx, taskID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	latest, err := o.store.LatestMessage(ctx, taskID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return errNoOptionList
		}
		return err
	}
	if len(latest.Options) == 0 {
		return errNoOptionList
	}
	return o.store.PutState(ctx, taskID, latest.ID, latest.Options)
}
