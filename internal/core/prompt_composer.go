package core

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"gwi.com/persona-assistant/internal/store"
	"gwi.com/persona-assistant/internal/utils"
)

const (
	UserContextPlaceholder     = "{user_context}"
	DocumentContextPlaceholder = "{document_context}"

	// documentSeparator joins document contents in corpus order.
	documentSeparator = "\n"

	// messageOverheadTokens is the fixed per-message cost of role markers
	// and framing on top of the content tokens.
	messageOverheadTokens = 4
)

// ComposeInput is everything the composer needs for one turn.
type ComposeInput struct {
	Template  string
	Profile   string
	Documents []string
	History   []store.Turn // committed turns, oldest first
	Query     string
}

// Composition is the rendered system text plus the history window that fits
// alongside it.
type Composition struct {
	System        string
	History       []store.Turn
	SystemTokens  int
	HistoryTokens int
	QueryTokens   int
	EvictedTurns  int // whole user/assistant exchanges dropped from the front
}

// PromptComposer renders bot templates and windows history to a token budget.
// It holds no mutable state and is safe for concurrent use.
type PromptComposer struct {
	counter utils.TokenCounter
	budget  int
	margin  float64
}

// NewPromptComposer builds a composer for a backend accepting budget input
// tokens. margin is the fraction of budget held back because token counts
// are estimates.
func NewPromptComposer(counter utils.TokenCounter, budget int, margin float64) (*PromptComposer, error) {
	if counter == nil {
		return nil, errors.New("core: token counter must not be nil")
	}
	if budget <= 0 {
		return nil, fmt.Errorf("core: token budget must be positive, got %d", budget)
	}
	if margin < 0 || margin >= 1 {
		return nil, fmt.Errorf("core: safety margin must be in [0, 1), got %v", margin)
	}
	return &PromptComposer{counter: counter, budget: budget, margin: margin}, nil
}

// EffectiveBudget is the budget after the safety margin is held back.
func (c *PromptComposer) EffectiveBudget() int {
	return c.budget - int(math.Ceil(float64(c.budget)*c.margin))
}

// RenderSystemPrompt substitutes the two recognized placeholders in a single
// pass. Substituted values are never re-scanned and unknown placeholders are
// left as they are.
func RenderSystemPrompt(template, profile string, documents []string) string {
	replacer := strings.NewReplacer(
		UserContextPlaceholder, profile,
		DocumentContextPlaceholder, strings.Join(documents, documentSeparator),
	)
	return replacer.Replace(template)
}

// Compose renders the system text and keeps the newest history exchanges
// that fit in what is left of the budget. It fails with ErrContextTooLarge
// when the system text (or the query on top of it) does not fit; profile and
// document content is never cut to make room.
func (c *PromptComposer) Compose(in ComposeInput) (Composition, error) {
	system := RenderSystemPrompt(in.Template, in.Profile, in.Documents)
	effective := c.EffectiveBudget()

	out := Composition{
		System:       system,
		SystemTokens: c.messageTokens(system),
		QueryTokens:  c.messageTokens(in.Query),
	}
	if out.SystemTokens > effective {
		return Composition{}, newError(ErrContextTooLarge, "compose",
			fmt.Errorf("system prompt needs ~%d tokens, budget is %d", out.SystemTokens, effective))
	}
	remaining := effective - out.SystemTokens - out.QueryTokens
	if remaining < 0 {
		return Composition{}, newError(ErrContextTooLarge, "compose",
			fmt.Errorf("system prompt and query need ~%d tokens, budget is %d", out.SystemTokens+out.QueryTokens, effective))
	}

	groups := exchangeGroups(in.History)
	keepFrom := len(groups)
	used := 0
	for i := len(groups) - 1; i >= 0; i-- {
		cost := 0
		for _, turn := range in.History[groups[i].start:groups[i].end] {
			cost += c.messageTokens(turn.Text)
		}
		if used+cost > remaining {
			break
		}
		used += cost
		keepFrom = i
	}

	if keepFrom < len(groups) {
		out.History = in.History[groups[keepFrom].start:]
	}
	out.HistoryTokens = used
	out.EvictedTurns = keepFrom
	return out, nil
}

func (c *PromptComposer) messageTokens(text string) int {
	return c.counter.Count(text) + messageOverheadTokens
}

// exchange is the half-open range [start, end) of one user message and the
// replies that follow it. Exchanges are evicted whole.
type exchange struct {
	start int
	end   int
}

func exchangeGroups(history []store.Turn) []exchange {
	var groups []exchange
	current := -1
	for i, turn := range history {
		if turn.Role == store.RoleUser {
			if current >= 0 {
				groups = append(groups, exchange{start: current, end: i})
			}
			current = i
		} else if current < 0 {
			// Leading assistant turns without a user message form their own group.
			current = i
		}
	}
	if current >= 0 {
		groups = append(groups, exchange{start: current, end: len(history)})
	}
	return groups
}
