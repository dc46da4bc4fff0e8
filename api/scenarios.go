/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the ledger with realistic
	activity for demos. Each scenario drives the reward engine and the
	transfer coordinator exactly as API clients would.

AVAILABLE SCENARIOS:

	community:    authors sign in, publish, comment and receive likes
	marketplace:  rewards spent on purchases, a rejected overdraft
	tipping:      readers tip authors with transfers

HOW SCENARIOS WORK:
 1. Accounts are prefixed with the scenario id (community-alice)
 2. Activity rewards go through Engine.Reward (once per day)
 3. Spending goes through Engine.Consume
 4. Tips go through Coordinator.Transfer

NOTE:

	The ledger is append-only, so loading never resets anything. Loading a
	scenario twice on the same day re-runs its grants and transfers; the
	daily rewards report already_granted.
	Routes are only mounted outside production.

SEE ALSO:
  - handlers.go: account and report handlers to inspect the result
  - server.go: Options.EnableScenarios
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/warp/incentive-ledger/ledger"
	"github.com/warp/incentive-ledger/rewards"
	"github.com/warp/incentive-ledger/transfer"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "community",
		Name:        "Community Activity",
		Description: "Three authors earning sign-in, post, comment and like rewards",
	},
	{
		ID:          "marketplace",
		Name:        "Marketplace",
		Description: "Rewards spent on purchases, including a rejected overdraft",
	},
	{
		ID:          "tipping",
		Name:        "Tipping",
		Description: "Readers tip authors with transfers",
	},
}

// ListScenarios returns available scenarios.
// GET /api/scenarios
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// LoadScenario runs a demo scenario.
// POST /api/scenarios/load
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !decode(w, r, &req) {
		return
	}

	var load func(ctx context.Context, s *scenario) error
	switch req.ScenarioID {
	case "community":
		load = h.loadCommunityScenario
	case "marketplace":
		load = h.loadMarketplaceScenario
	case "tipping":
		load = h.loadTippingScenario
	default:
		writeError(w, http.StatusBadRequest, "Unknown scenario", "unknown_scenario", req.ScenarioID)
		return
	}

	s := &scenario{id: req.ScenarioID}
	if err := load(r.Context(), s); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ScenarioResultDTO{ScenarioID: s.id, Steps: s.steps})
}

// scenario collects the steps of one load.
type scenario struct {
	id    string
	steps []string
}

func (s *scenario) account(name string) ledger.AccountID {
	return ledger.AccountID(s.id + "-" + name)
}

func (s *scenario) logf(format string, args ...any) {
	s.steps = append(s.steps, fmt.Sprintf(format, args...))
}

// =============================================================================
// SCENARIO: community
// =============================================================================

func (h *Handler) loadCommunityScenario(ctx context.Context, s *scenario) error {
	alice, bob, carol := s.account("alice"), s.account("bob"), s.account("carol")

	steps := []struct {
		account  ledger.AccountID
		activity rewards.Activity
		related  string
	}{
		{alice, rewards.ActivitySignIn, ""},
		{bob, rewards.ActivitySignIn, ""},
		{carol, rewards.ActivitySignIn, ""},
		{alice, rewards.ActivityPublishPost, "post-1"},
		{alice, rewards.ActivityPublishPost, "post-2"},
		{bob, rewards.ActivityComment, "comment-1"},
		{carol, rewards.ActivityComment, "comment-2"},
		{alice, rewards.ActivityLikeReceived, "post-1"},
		{bob, rewards.ActivityLikeReceived, "comment-1"},
		// second sign-in on the same day is a no-op
		{alice, rewards.ActivitySignIn, ""},
	}

	for _, st := range steps {
		var related *string
		if st.related != "" {
			related = ledger.Related(st.related)
		}
		rule, already, err := h.Rewards.RewardActivity(ctx, st.account, st.activity, related)
		if err != nil {
			return err
		}
		if already {
			s.logf("%s %s %s: already granted today", st.account, st.activity, st.related)
			continue
		}
		s.logf("%s %s %s: +%d", st.account, st.activity, st.related, rule.Amount)
	}
	return nil
}

// =============================================================================
// SCENARIO: marketplace
// =============================================================================

func (h *Handler) loadMarketplaceScenario(ctx context.Context, s *scenario) error {
	buyer := s.account("buyer")

	if _, err := h.Rewards.Grant(ctx, rewards.GrantRequest{
		AccountID:   buyer,
		Amount:      120,
		Reason:      ledger.ReasonPublishPost,
		Description: "backfilled post rewards",
	}); err != nil {
		return err
	}
	s.logf("%s granted 120", buyer)

	purchases := []struct {
		item   string
		amount int64
	}{
		{"profile-badge", 50},
		{"featured-post", 60},
		{"custom-theme", 40},
	}
	for _, p := range purchases {
		_, err := h.Rewards.Consume(ctx, rewards.ConsumeRequest{
			AccountID:   buyer,
			Amount:      p.amount,
			RelatedID:   ledger.Related(p.item),
			Description: "purchase " + p.item,
		})
		var insufficient *ledger.InsufficientBalanceError
		switch {
		case errors.As(err, &insufficient):
			s.logf("%s buys %s for %d: rejected, only %d available", buyer, p.item, p.amount, insufficient.Available)
		case err != nil:
			return err
		default:
			s.logf("%s buys %s for %d", buyer, p.item, p.amount)
		}
	}
	return nil
}

// =============================================================================
// SCENARIO: tipping
// =============================================================================

func (h *Handler) loadTippingScenario(ctx context.Context, s *scenario) error {
	author, reader := s.account("author"), s.account("reader")

	for _, acct := range []ledger.AccountID{author, reader} {
		if _, _, err := h.Rewards.RewardActivity(ctx, acct, rewards.ActivitySignIn, nil); err != nil {
			return err
		}
	}
	if _, err := h.Rewards.Grant(ctx, rewards.GrantRequest{
		AccountID: reader, Amount: 40, Reason: ledger.ReasonComment, Description: "backfilled comment rewards",
	}); err != nil {
		return err
	}
	s.logf("%s and %s signed in, %s granted 40", author, reader, reader)

	for _, amount := range []int64{15, 25, 500} {
		result, err := h.Transfers.Transfer(ctx, transfer.Request{
			From:        reader,
			To:          author,
			Amount:      amount,
			Description: "tip",
		})
		if errors.Is(err, ledger.ErrInsufficientBalance) {
			s.logf("%s tips %s %d: rejected", reader, author, amount)
			continue
		}
		if err != nil {
			return err
		}
		s.logf("%s tips %s %d (transfer %s)", reader, author, amount, result.TransferID)
	}
	return nil
}
