// Package agent runs the ordering conversation: it replays the client's
// message history, asks the LLM for the next step, and invokes the vendor
// search when the model decides the requirements are complete.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"

	"ordercall/internal/ai"
	"ordercall/internal/convo"
	"ordercall/internal/recommend"
)

// ErrLastMessageNotUser rejects requests whose final message is not from
// the user; the agent only replies to the user.
var ErrLastMessageNotUser = errors.New("agent: last message must be from user")

const systemTemplate = `You are an expert food-order assistant. Your job is to help the user place group food orders. Start by asking any follow-up questions needed to fully specify the order (dietary restrictions, budget, location, delivery time, etc.).

When you need more information, answer with a JSON object:
{"action": "reply", "message": "<your follow-up question>"}

When you have enough info, answer with a JSON object:
{"action": "search", "query": "<short query containing cuisine, size, and location>"}

Answer with the JSON object only.`

// OrderMessage is one turn of the client-held conversation; exactly one of
// the fields is set.
type OrderMessage struct {
	User string `json:"user,omitempty"`
	AI   string `json:"ai,omitempty"`
}

type OrderRequest struct {
	Messages  []OrderMessage `json:"messages" binding:"required"`
	SessionID string         `json:"session_id"`
}

type OrderResponse struct {
	SessionID string              `json:"session_id"`
	Response  string              `json:"response"`
	Options   []convo.VendorOption `json:"options,omitempty"`
}

type Service struct {
	sessions SessionStore
	provider ai.Provider
	engine   *recommend.Engine
	store    *convo.Store
}

func NewService(sessions SessionStore, provider ai.Provider, engine *recommend.Engine, store *convo.Store) *Service {
	return &Service{
		sessions: sessions,
		provider: provider,
		engine:   engine,
		store:    store,
	}
}

type agentAction struct {
	Action  string `json:"action"`
	Message string `json:"message,omitempty"`
	Query   string `json:"query,omitempty"`
}

// ProcessOrder runs one conversation turn. The session id doubles as the
// task id under which vendor recommendations are persisted.
func (s *Service) ProcessOrder(ctx context.Context, req OrderRequest) (*OrderResponse, error) {
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	if len(req.Messages) == 0 {
		return nil, ErrLastMessageNotUser
	}
	last := req.Messages[len(req.Messages)-1]
	if strings.TrimSpace(last.User) == "" {
		return nil, ErrLastMessageNotUser
	}

	// The client resends its full history each turn; rebuild the session
	// memory from scratch rather than trusting it to match.
	if err := s.sessions.Clear(ctx, sessionID); err != nil {
		return nil, err
	}
	history := make([]ai.Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.User != "" {
			history = append(history, ai.Message{Role: "user", Content: m.User})
		}
		if m.AI != "" {
			history = append(history, ai.Message{Role: "assistant", Content: m.AI})
		}
	}
	if err := s.sessions.Append(ctx, sessionID, history...); err != nil {
		return nil, err
	}

	// The prompt is built from the stored session, not the raw request.
	stored, err := s.sessions.History(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	providerMsgs := append([]ai.Message{{Role: "system", Content: systemTemplate}}, stored...)
	raw, err := s.provider.Chat(ctx, providerMsgs)
	if err != nil {
		return nil, err
	}

	action := parseAction(raw)
	if action.Action != "search" || strings.TrimSpace(action.Query) == "" {
		reply := action.Message
		if reply == "" {
			reply = strings.TrimSpace(raw)
		}
		if err := s.sessions.Append(ctx, sessionID, ai.Message{Role: "assistant", Content: reply}); err != nil {
			return nil, err
		}
		return &OrderResponse{SessionID: sessionID, Response: reply}, nil
	}

	options, err := s.engine.Search(ctx, action.Query)
	if err != nil {
		return nil, err
	}

	if err := s.persistOptions(ctx, sessionID, options); err != nil {
		// recommendation already belongs to the caller
		log.Printf("[AGENT] error persisting options for session %s: %v", sessionID, err)
	}

	reply := renderOptions(options)
	if err := s.sessions.Append(ctx, sessionID, ai.Message{Role: "assistant", Content: reply}); err != nil {
		return nil, err
	}
	return &OrderResponse{SessionID: sessionID, Response: reply, Options: options}, nil
}

// persistOptions appends the vendor list to the task's message history and
// seeds the campaign-state projection the orchestrator mutates later.
func (s *Service) persistOptions(ctx context.Context, taskID string, options []convo.VendorOption) error {
	msg := &convo.Message{
		TaskID:  taskID,
		Sender:  convo.SenderAI,
		Options: convo.OptionList(options),
	}
	if err := s.store.InsertMessage(ctx, msg); err != nil {
		return err
	}
	return s.store.PutState(ctx, taskID, msg.ID, msg.Options)
}

func parseAction(raw string) agentAction {
	trimmed := strings.TrimSpace(raw)
	if i := strings.Index(trimmed, "{"); i >= 0 {
		if j := strings.LastIndex(trimmed, "}"); j > i {
			var action agentAction
			if err := json.Unmarshal([]byte(trimmed[i:j+1]), &action); err == nil {
				return action
			}
		}
	}
	return agentAction{Action: "reply", Message: trimmed}
}

func renderOptions(options []convo.VendorOption) string {
	var b strings.Builder
	b.WriteString("Here are the best options I found:\n")
	for i, opt := range options {
		phone := opt.Phone
		if phone == "" {
			phone = "No phone"
		}
		fmt.Fprintf(&b, "%d. %s - %s\n", i+1, opt.Name, phone)
	}
	return strings.TrimRight(b.String(), "\n")
}
