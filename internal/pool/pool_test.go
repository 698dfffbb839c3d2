package pool

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sx2000cn/antigravity-pool/internal/config"
	"github.com/sx2000cn/antigravity-pool/internal/pool/scheduler"
	"github.com/sx2000cn/antigravity-pool/internal/proxyerr"
	"github.com/sx2000cn/antigravity-pool/internal/quota"
)

type fakeBroker struct {
	tokens    map[string]string
	errs      map[string]error
	exchanges int
}

func (f *fakeBroker) TokenFor(ctx context.Context, refresh string) (string, error) {
	f.exchanges++
	if err, ok := f.errs[refresh]; ok {
		return "", err
	}
	if tok, ok := f.tokens[refresh]; ok {
		return tok, nil
	}
	return "tok-" + refresh, nil
}

func (f *fakeBroker) Invalidate(refresh string) {}

type fakeClient struct {
	quotas map[string]map[string]quota.ModelQuota
	errs   map[string]error
	calls  int
}

func (f *fakeClient) LoadCodeAssist(ctx context.Context, token string) (*quota.SubscriptionInfo, error) {
	return &quota.SubscriptionInfo{Tier: quota.TierPro, ProjectID: "probe-project"}, nil
}

func (f *fakeClient) FetchAvailableModels(ctx context.Context, token, projectID string) (map[string]quota.ModelQuota, error) {
	f.calls++
	if err, ok := f.errs[token]; ok {
		return nil, err
	}
	return f.quotas[token], nil
}

type fakeTrigger struct {
	groups []config.QuotaGroup
}

func (f *fakeTrigger) TriggerReset(ctx context.Context, token, projectID string, groups []config.QuotaGroup) *quota.TriggerResult {
	f.groups = groups
	result := &quota.TriggerResult{}
	for _, g := range groups {
		result.SuccessCount++
		result.GroupsTriggered = append(result.GroupsTriggered, quota.GroupResult{
			Group: g.Key, Model: g.TriggerModel, Status: "ok",
		})
	}
	return result
}

func newTestPool(t *testing.T, mode string, accounts ...*Account) (*Pool, *fakeBroker, *fakeClient, *fakeTrigger) {
	t.Helper()

	policy, err := scheduler.New(mode)
	require.NoError(t, err)

	broker := &fakeBroker{tokens: map[string]string{}, errs: map[string]error{}}
	client := &fakeClient{quotas: map[string]map[string]quota.ModelQuota{}, errs: map[string]error{}}
	trigger := &fakeTrigger{}

	p := New(Options{Broker: broker, Client: client, Trigger: trigger, Policy: policy})
	p.Reload(&StoredState{Accounts: accounts, ActiveIndex: -1})
	return p, broker, client, trigger
}

func oauthAccount(email string) *Account {
	return &Account{Email: email, Source: SourceOAuth, RefreshToken: "rt-" + email, AddedAt: time.Now()}
}

func TestNextPlanDrainHighestFollowsCapacity(t *testing.T) {
	p, _, _, _ := newTestPool(t, config.ModeDrainHighest,
		oauthAccount("a@example.com"),
		oauthAccount("b@example.com"),
	)
	p.capacities["a@example.com"] = &AccountCapacity{Email: "a@example.com", ClaudePool: PoolCapacity{Percentage: 80}}
	p.capacities["b@example.com"] = &AccountCapacity{Email: "b@example.com", ClaudePool: PoolCapacity{Percentage: 100}}

	it := p.NextPlan(Request{ModelID: "claude-sonnet-4-5", MaxAttempts: 4})

	plan, err := it.Next(context.Background())
	require.NoError(t, err)
	require.NotNil(t, plan)
	assert.Equal(t, "b@example.com", plan.Email)
	assert.Equal(t, 1, plan.Attempt)

	// B hits its quota limit; the next plan moves to A.
	p.RecordOutcome(plan, proxyerr.New(proxyerr.KindQuotaExhausted, "resource exhausted"))

	plan, err = it.Next(context.Background())
	require.NoError(t, err)
	require.NotNil(t, plan)
	assert.Equal(t, "a@example.com", plan.Email)
	assert.Equal(t, 2, plan.Attempt)
}

func TestNextPlanNeverReusesAccountModelPair(t *testing.T) {
	p, _, _, _ := newTestPool(t, config.ModeRoundRobin,
		oauthAccount("a@example.com"),
		oauthAccount("b@example.com"),
	)

	it := p.NextPlan(Request{ModelID: "gemini-3-flash", MaxAttempts: 10})

	seen := map[string]bool{}
	for {
		plan, err := it.Next(context.Background())
		require.NoError(t, err)
		if plan == nil {
			break
		}
		key := plan.Email + "|" + plan.ModelID
		assert.False(t, seen[key], "pair %s handed out twice", key)
		seen[key] = true
	}
	assert.Len(t, seen, 2)
}

func TestNextPlanStopsAtMaxAttempts(t *testing.T) {
	p, _, _, _ := newTestPool(t, config.ModeSticky,
		oauthAccount("a@example.com"),
		oauthAccount("b@example.com"),
		oauthAccount("c@example.com"),
	)

	it := p.NextPlan(Request{ModelID: "claude-sonnet-4-5", MaxAttempts: 2})

	plan1, err := it.Next(context.Background())
	require.NoError(t, err)
	require.NotNil(t, plan1)
	plan2, err := it.Next(context.Background())
	require.NoError(t, err)
	require.NotNil(t, plan2)

	plan3, err := it.Next(context.Background())
	require.NoError(t, err)
	assert.Nil(t, plan3)
}

func TestNextPlanSkipsIneligibleAccounts(t *testing.T) {
	manual := &Account{Email: "manual@example.com", Source: SourceRefreshToken, AddedAt: time.Now()}
	p, _, _, _ := newTestPool(t, config.ModeSticky,
		manual,
		oauthAccount("b@example.com"),
	)

	it := p.NextPlan(Request{ModelID: "claude-sonnet-4-5", MaxAttempts: 4})
	plan, err := it.Next(context.Background())
	require.NoError(t, err)
	require.NotNil(t, plan)
	assert.Equal(t, "b@example.com", plan.Email)
}

func TestNextPlanDisablesAccountOnDeadRefreshToken(t *testing.T) {
	p, broker, _, _ := newTestPool(t, config.ModeSticky,
		oauthAccount("dead@example.com"),
		oauthAccount("live@example.com"),
	)
	broker.errs["rt-dead@example.com"] = proxyerr.New(proxyerr.KindAuthInvalidGrant, "invalid_grant")

	it := p.NextPlan(Request{ModelID: "claude-sonnet-4-5", MaxAttempts: 4})
	plan, err := it.Next(context.Background())
	require.NoError(t, err)
	require.NotNil(t, plan)
	assert.Equal(t, "live@example.com", plan.Email)

	p.mu.Lock()
	disabled := p.invalid["dead@example.com"]
	p.mu.Unlock()
	assert.True(t, disabled)
}

func TestNextPlanExhaustedWhenAllLimited(t *testing.T) {
	p, _, _, _ := newTestPool(t, config.ModeSticky, oauthAccount("a@example.com"))
	p.ledger.MarkRateLimited("a@example.com", "claude-sonnet-4-5", nil)

	it := p.NextPlan(Request{ModelID: "claude-sonnet-4-5", MaxAttempts: 4})
	plan, err := it.Next(context.Background())
	require.NoError(t, err)
	assert.Nil(t, plan)
}

func TestRecordOutcomeSuccessUpdatesStickyAnchor(t *testing.T) {
	p, _, _, _ := newTestPool(t, config.ModeSticky,
		oauthAccount("a@example.com"),
		oauthAccount("b@example.com"),
	)

	p.RecordOutcome(&RequestPlan{Email: "b@example.com", ModelID: "claude-sonnet-4-5"}, nil)

	p.mu.Lock()
	active := p.activeIndex
	lastUsed := p.accounts[1].LastUsed
	p.mu.Unlock()
	assert.Equal(t, 1, active)
	require.NotNil(t, lastUsed)
}

func TestRecordOutcomeQuotaUsesDefaultCooldownWithoutReset(t *testing.T) {
	p, _, _, _ := newTestPool(t, config.ModeSticky, oauthAccount("a@example.com"))

	p.RecordOutcome(
		&RequestPlan{Email: "a@example.com", ModelID: "gemini-3-pro-high"},
		proxyerr.New(proxyerr.KindQuotaExhausted, "resource exhausted"),
	)

	assert.True(t, p.ledger.IsRateLimited("a@example.com", "gemini-3-pro-high"))
	rt := p.ledger.ResetTime("a@example.com", "gemini-3-pro-high")
	require.NotNil(t, rt)
	assert.WithinDuration(t, time.Now().Add(time.Duration(config.DefaultCooldownMs)*time.Millisecond), *rt, 2*time.Second)
}

func TestRecordOutcome5xxLeavesLedgerAlone(t *testing.T) {
	p, _, _, _ := newTestPool(t, config.ModeSticky, oauthAccount("a@example.com"))

	err := proxyerr.New(proxyerr.KindUpstream5xx, "bad gateway").WithStatus(502)
	p.RecordOutcome(&RequestPlan{Email: "a@example.com", ModelID: "claude-sonnet-4-5"}, err)

	assert.False(t, p.ledger.IsRateLimited("a@example.com", "claude-sonnet-4-5"))
}

func TestTriggerQuotaResetSweepsLedger(t *testing.T) {
	p, _, _, trigger := newTestPool(t, config.ModeSticky,
		oauthAccount("a@example.com"),
		oauthAccount("b@example.com"),
	)

	p.ledger.MarkRateLimited("a@example.com", "claude-sonnet-4-5", nil)
	p.ledger.MarkRateLimited("a@example.com", "gemini-3-flash", nil)
	p.ledger.MarkRateLimited("b@example.com", "claude-opus-4-6-thinking", nil)

	summary, err := p.TriggerQuotaReset(context.Background(), "claude")
	require.NoError(t, err)

	assert.Equal(t, 2, summary.AccountsAffected)
	assert.Equal(t, 2, summary.LimitsCleared)
	require.NotNil(t, summary.Groups)
	assert.Equal(t, 1, summary.Groups.SuccessCount)
	require.Len(t, trigger.groups, 1)
	assert.Equal(t, config.PoolClaude, trigger.groups[0].Key)

	// The gemini limit is untouched, the claude ones are gone.
	assert.True(t, p.ledger.IsRateLimited("a@example.com", "gemini-3-flash"))
	assert.False(t, p.ledger.IsRateLimited("a@example.com", "claude-sonnet-4-5"))
	assert.False(t, p.ledger.IsRateLimited("b@example.com", "claude-opus-4-6-thinking"))
}

func TestTriggerQuotaResetAllIsIdempotent(t *testing.T) {
	p, _, _, _ := newTestPool(t, config.ModeSticky, oauthAccount("a@example.com"))

	p.ledger.MarkRateLimited("a@example.com", "claude-sonnet-4-5", nil)
	p.ledger.MarkRateLimited("a@example.com", "gemini-3-flash", nil)

	first, err := p.TriggerQuotaReset(context.Background(), GroupAll)
	require.NoError(t, err)
	assert.Equal(t, 2, first.LimitsCleared)

	second, err := p.TriggerQuotaReset(context.Background(), GroupAll)
	require.NoError(t, err)
	assert.Equal(t, 0, second.LimitsCleared)
	assert.Equal(t, 0, second.AccountsAffected)
}

func TestTriggerQuotaResetRejectsUnknownGroup(t *testing.T) {
	p, _, _, _ := newTestPool(t, config.ModeSticky, oauthAccount("a@example.com"))

	_, err := p.TriggerQuotaReset(context.Background(), "turbo")
	assert.Error(t, err)
}

func TestRefreshCapacityMarksForbiddenOn403(t *testing.T) {
	p, _, client, _ := newTestPool(t, config.ModeSticky, oauthAccount("a@example.com"))
	client.errs["tok-rt-a@example.com"] = proxyerr.New(proxyerr.KindForbidden, "caller does not have permission")

	capView, err := p.RefreshCapacity(context.Background(), "a@example.com")
	require.NoError(t, err)
	assert.True(t, capView.IsForbidden)

	// A forbidden account no longer yields plans.
	it := p.NextPlan(Request{ModelID: "claude-sonnet-4-5", MaxAttempts: 4})
	plan, err := it.Next(context.Background())
	require.NoError(t, err)
	assert.Nil(t, plan)
}

func TestRefreshCapacityComputesPools(t *testing.T) {
	p, _, client, _ := newTestPool(t, config.ModeSticky, oauthAccount("a@example.com"))

	half := 0.5
	full := 1.0
	client.quotas["tok-rt-a@example.com"] = map[string]quota.ModelQuota{
		"claude-sonnet-4-5":        {RemainingFraction: &half},
		"claude-opus-4-6-thinking": {RemainingFraction: &full},
		"gemini-3-pro-high":        {RemainingFraction: &full},
		"gemini-3-pro-low":         {RemainingFraction: &half},
		"gemini-3-flash":           {RemainingFraction: &full},
	}

	capView, err := p.RefreshCapacity(context.Background(), "a@example.com")
	require.NoError(t, err)

	// Claude pool mirrors its first configured member.
	assert.InDelta(t, 100.0, capView.ClaudePool.Percentage, 0.001)
	assert.InDelta(t, 75.0, capView.GeminiProPool.Percentage, 0.001)
	assert.InDelta(t, 100.0, capView.GeminiFlashPool.Percentage, 0.001)
	assert.Equal(t, quota.TierPro, capView.Tier)

	views := p.Capacities()
	require.Len(t, views, 1)
	assert.Equal(t, "a@example.com", views[0].Email)
}

func TestReloadKeepsLedgerForSurvivingAccounts(t *testing.T) {
	p, _, _, _ := newTestPool(t, config.ModeSticky,
		oauthAccount("a@example.com"),
		oauthAccount("b@example.com"),
	)
	p.ledger.MarkRateLimited("a@example.com", "claude-sonnet-4-5", nil)
	p.invalid["b@example.com"] = true

	p.Reload(&StoredState{Accounts: []*Account{oauthAccount("a@example.com")}, ActiveIndex: 0})

	assert.True(t, p.ledger.IsRateLimited("a@example.com", "claude-sonnet-4-5"))
	p.mu.Lock()
	_, stillInvalid := p.invalid["b@example.com"]
	p.mu.Unlock()
	assert.False(t, stillInvalid)
}

func TestProjectForAccountPrefersCompositeProject(t *testing.T) {
	acc := &Account{
		Email:        "composite@example.com",
		Source:       SourceOAuth,
		RefreshToken: "1//refresh|my-project-123",
		AddedAt:      time.Now(),
	}
	p, _, _, _ := newTestPool(t, config.ModeSticky, acc)

	project := p.ProjectForAccount(context.Background(), "composite@example.com", "tok")
	assert.Equal(t, "my-project-123", project)
}

func TestProjectForAccountMemoizesProbe(t *testing.T) {
	p, _, _, _ := newTestPool(t, config.ModeSticky, oauthAccount("a@example.com"))

	first := p.ProjectForAccount(context.Background(), "a@example.com", "tok")
	second := p.ProjectForAccount(context.Background(), "a@example.com", "tok")
	assert.Equal(t, "probe-project", first)
	assert.Equal(t, first, second)
}
