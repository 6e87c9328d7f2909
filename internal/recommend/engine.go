// Package recommend turns free-text ordering requirements into structured
// vendor recommendations via an LLM, and condenses conversations into
// sourcing requirements for outbound calls.
package recommend

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"

	"ordercall/internal/ai"
	"ordercall/internal/convo"
)

// OptionCount is the fixed size of a recommendation result.
const OptionCount = 5

const searchSystemPrompt = `You are an expert concierge with extensive knowledge of businesses and services worldwide.

Your task is to recommend exactly 5 real businesses/services that best match the user's requirements. This could include restaurants, catering services, event planners, retail stores, or any other business that can fulfill ordering or procurement needs.

Return ONLY a valid JSON array with exactly 5 entries, each having these fields:
- rank: integer from 1 to 5
- name: string (real business name)
- description: string (brief description of the business and why it fits)
- url: string (business website or relevant URL)
- image_url: string or null (REAL URL to a business image, or null if unavailable)
- estimated_price: number (price estimate in dollars)
- phone: string (business phone number)
- notes: string (notes about ordering, capacity, availability, etc.)

Do not use placeholder or example URLs. Focus on businesses that can actually handle the specified requirements.`

type Engine struct {
	provider ai.Provider
}

func NewEngine(provider ai.Provider) *Engine {
	return &Engine{provider: provider}
}

// Search returns the best vendor options for a natural-language query.
// The result always has OptionCount entries with normalized ranks.
func (e *Engine) Search(ctx context.Context, query string) ([]convo.VendorOption, error) {
	if strings.TrimSpace(query) == "" {
		return nil, errors.New("recommend: empty query")
	}

	log.Printf("[RECOMMEND] searching options for query: %s", query)

	raw, err := e.provider.Chat(ctx, []ai.Message{
		{Role: "system", Content: searchSystemPrompt},
		{Role: "user", Content: "Find 5 real businesses/services that best match this request: " + query},
	})
	if err != nil {
		return nil, err
	}

	options, err := parseOptions(raw)
	if err != nil {
		log.Printf("[RECOMMEND] falling back to raw lines, parse error: %v", err)
		return rawLineOptions(raw), nil
	}
	return options, nil
}

// rawOption tolerates the LLM returning estimated_price as a string.
type rawOption struct {
	Rank        int             `json:"rank"`
	Name        string          `json:"name"`
	Phone       string          `json:"phone"`
	Description string          `json:"description"`
	URL         string          `json:"url"`
	ImageURL    string          `json:"image_url"`
	Price       json.RawMessage `json:"estimated_price"`
	Notes       string          `json:"notes"`
}

func parseOptions(raw string) ([]convo.VendorOption, error) {
	raw = stripCodeFence(raw)

	var decoded []rawOption
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return nil, err
	}
	if len(decoded) == 0 {
		return nil, errors.New("recommend: empty option list")
	}
	if len(decoded) > OptionCount {
		decoded = decoded[:OptionCount]
	}

	options := make([]convo.VendorOption, 0, len(decoded))
	for i, r := range decoded {
		if strings.TrimSpace(r.Name) == "" {
			continue
		}
		opt := convo.VendorOption{
			Rank:        r.Rank,
			Name:        r.Name,
			Phone:       r.Phone,
			Description: r.Description,
			URL:         r.URL,
			ImageURL:    r.ImageURL,
			Notes:       r.Notes,
			Status:      convo.StatusUnknown,
		}
		if opt.Rank <= 0 {
			opt.Rank = i + 1
		}
		if len(r.Price) > 0 {
			opt.Price = coercePrice(r.Price)
		}
		options = append(options, opt)
	}
	if len(options) == 0 {
		return nil, errors.New("recommend: no usable options")
	}
	return options, nil
}

func coercePrice(raw json.RawMessage) float64 {
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		s = strings.TrimSpace(strings.TrimPrefix(s, "$"))
		if err := json.Unmarshal([]byte(s), &f); err == nil {
			return f
		}
	}
	return 0
}

// rawLineOptions wraps unparseable LLM output so the caller still gets data.
func rawLineOptions(raw string) []convo.VendorOption {
	var options []convo.VendorOption
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		options = append(options, convo.VendorOption{
			Rank:   len(options) + 1,
			Name:   line,
			Notes:  "LLM raw",
			Status: convo.StatusUnknown,
		})
		if len(options) == OptionCount {
			break
		}
	}
	return options
}

func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
