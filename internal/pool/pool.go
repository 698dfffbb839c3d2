package pool

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sx2000cn/antigravity-pool/internal/auth"
	"github.com/sx2000cn/antigravity-pool/internal/config"
	"github.com/sx2000cn/antigravity-pool/internal/logging"
	"github.com/sx2000cn/antigravity-pool/internal/pool/scheduler"
	"github.com/sx2000cn/antigravity-pool/internal/proxyerr"
	"github.com/sx2000cn/antigravity-pool/internal/quota"
)

// TokenSource resolves access tokens for composite refresh tokens.
type TokenSource interface {
	TokenFor(ctx context.Context, compositeRefresh string) (string, error)
	Invalidate(compositeRefresh string)
}

// CapacityClient is the slice of the quota API the pool needs.
type CapacityClient interface {
	LoadCodeAssist(ctx context.Context, token string) (*quota.SubscriptionInfo, error)
	FetchAvailableModels(ctx context.Context, token, projectID string) (map[string]quota.ModelQuota, error)
}

// ResetTrigger sends the per-group reset probes.
type ResetTrigger interface {
	TriggerReset(ctx context.Context, token, projectID string, groups []config.QuotaGroup) *quota.TriggerResult
}

// Request describes what a caller needs a plan for.
type Request struct {
	ModelID     string
	MaxAttempts int
}

// RequestPlan is one concrete attempt: an account with a live token and
// project, for a model. Attempt starts at 1.
type RequestPlan struct {
	Email     string
	Token     string
	ProjectID string
	ModelID   string
	Attempt   int
}

// ResetSummary is the result of a quota-reset sweep.
type ResetSummary struct {
	AccountsAffected int                  `json:"accountsAffected"`
	LimitsCleared    int                  `json:"limitsCleared"`
	Groups           *quota.TriggerResult `json:"groups,omitempty"`
}

// Pool holds the accounts and coordinates the broker, ledger, and
// scheduler. All account mutation funnels through its mutex; critical
// sections never hold it across I/O.
type Pool struct {
	mu          sync.Mutex
	accounts    []*Account
	activeIndex int
	invalid     map[string]bool // invalid_grant: credential is dead
	forbidden   map[string]bool // 403 from capacity fetch
	projects    map[string]string
	capacities  map[string]*AccountCapacity

	ledger    *Ledger
	broker    TokenSource
	client    CapacityClient
	trigger   ResetTrigger
	snapshots *quota.Store
	policy    scheduler.Policy
	now       func() time.Time
	log       zerolog.Logger
}

// Options wires the pool's collaborators.
type Options struct {
	Broker    TokenSource
	Client    CapacityClient
	Trigger   ResetTrigger
	Snapshots *quota.Store
	Policy    scheduler.Policy
}

// New creates an empty pool.
func New(opts Options) *Pool {
	return &Pool{
		activeIndex: -1,
		invalid:     make(map[string]bool),
		forbidden:   make(map[string]bool),
		projects:    make(map[string]string),
		capacities:  make(map[string]*AccountCapacity),
		ledger:      NewLedger(),
		broker:      opts.Broker,
		client:      opts.Client,
		trigger:     opts.Trigger,
		snapshots:   opts.Snapshots,
		policy:      opts.Policy,
		now:         time.Now,
		log:         logging.For("Pool"),
	}
}

// Reload replaces the account table from a fresh storage state. Ledger
// entries and capacity snapshots survive for accounts that remain.
func (p *Pool) Reload(state *StoredState) {
	p.mu.Lock()
	defer p.mu.Unlock()

	seen := make(map[string]bool, len(state.Accounts))
	deduped := make([]*Account, 0, len(state.Accounts))
	for _, acc := range state.Accounts {
		if acc == nil || acc.Email == "" || seen[acc.Email] {
			continue
		}
		seen[acc.Email] = true
		deduped = append(deduped, acc)
	}
	p.accounts = deduped
	p.activeIndex = state.ActiveIndex
	if p.activeIndex >= len(p.accounts) {
		p.activeIndex = -1
	}

	for email := range p.invalid {
		if !seen[email] {
			delete(p.invalid, email)
		}
	}
	for email := range p.forbidden {
		if !seen[email] {
			delete(p.forbidden, email)
		}
	}
}

// Accounts returns a copy of the account list in insertion order.
func (p *Pool) Accounts() []Account {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Account, len(p.accounts))
	for i, acc := range p.accounts {
		out[i] = *acc
	}
	return out
}

// Ledger exposes the rate-limit ledger.
func (p *Pool) Ledger() *Ledger {
	return p.ledger
}

func (p *Pool) findLocked(email string) *Account {
	for _, acc := range p.accounts {
		if acc.Email == email {
			return acc
		}
	}
	return nil
}

func (p *Pool) eligibleLocked(acc *Account) bool {
	return acc.Eligible() && !p.invalid[acc.Email] && !p.forbidden[acc.Email]
}

// TokenForAccount resolves an access token for the account. On a dead
// refresh token the account is marked unusable and the error surfaced.
func (p *Pool) TokenForAccount(ctx context.Context, email string) (string, error) {
	p.mu.Lock()
	acc := p.findLocked(email)
	p.mu.Unlock()
	if acc == nil {
		return "", proxyerr.New(proxyerr.KindInternal, "unknown account %s", email)
	}

	token, err := p.broker.TokenFor(ctx, acc.RefreshToken)
	if err != nil {
		if proxyerr.IsKind(err, proxyerr.KindAuthInvalidGrant) {
			p.mu.Lock()
			p.invalid[email] = true
			p.mu.Unlock()
			p.log.Warn().Str("account", email).Msg("refresh token revoked, account disabled")
		}
		return "", err
	}
	return token, nil
}

// InvalidateToken drops the cached access token for the account so the
// next call performs a fresh exchange.
func (p *Pool) InvalidateToken(email string) {
	p.mu.Lock()
	acc := p.findLocked(email)
	p.mu.Unlock()
	if acc != nil {
		p.broker.Invalidate(acc.RefreshToken)
	}
}

// ProjectForAccount resolves the companion project for the account: the
// composite refresh token's embedded project wins, then a memoized tier
// probe, then the shared default.
func (p *Pool) ProjectForAccount(ctx context.Context, email, token string) string {
	p.mu.Lock()
	acc := p.findLocked(email)
	if acc == nil {
		p.mu.Unlock()
		return config.DefaultProjectID
	}
	if cached, ok := p.projects[email]; ok {
		p.mu.Unlock()
		return cached
	}
	refresh := acc.RefreshToken
	p.mu.Unlock()

	if parts := auth.ParseRefreshParts(refresh); parts.ProjectID != "" {
		p.mu.Lock()
		p.projects[email] = parts.ProjectID
		p.mu.Unlock()
		return parts.ProjectID
	}

	info, err := p.client.LoadCodeAssist(ctx, token)
	if err != nil || info.ProjectID == "" {
		return config.DefaultProjectID
	}

	p.mu.Lock()
	p.projects[email] = info.ProjectID
	p.mu.Unlock()
	return info.ProjectID
}

// viewFor builds the scheduler's state snapshot for a model, excluding
// already-tried (account, model) pairs.
func (p *Pool) viewFor(modelID string, tried map[string]bool) *scheduler.View {
	p.mu.Lock()
	defer p.mu.Unlock()

	modelPool := config.PoolForModel(modelID)
	group, _ := config.GroupByKey(modelPool)

	view := &scheduler.View{ActiveIndex: p.activeIndex}
	for _, acc := range p.accounts {
		c := scheduler.Candidate{
			Email:    acc.Email,
			Eligible: p.eligibleLocked(acc),
		}
		if tried[acc.Email+"|"+modelID] || p.ledger.IsRateLimited(acc.Email, modelID) {
			c.RateLimited = true
		}
		if cap, ok := p.capacities[acc.Email]; ok {
			pc := cap.PoolCapacityFor(modelPool)
			c.PoolPercent = pc.Percentage
			c.NextReset = pc.ResetTime
		}
		if rt := p.ledger.EarliestReset(acc.Email, group.Models); rt != nil {
			if c.NextReset == nil || rt.Before(*c.NextReset) {
				c.NextReset = rt
			}
		}
		view.Accounts = append(view.Accounts, c)
	}
	return view
}

// PlanIterator lazily produces request plans. Each Next call re-ranks the
// pool with fresh ledger state, so outcomes recorded between calls shape
// the next plan.
type PlanIterator struct {
	pool    *Pool
	req     Request
	tried   map[string]bool
	attempt int
}

// NextPlan returns a plan iterator for the request.
func (p *Pool) NextPlan(req Request) *PlanIterator {
	if req.MaxAttempts <= 0 {
		req.MaxAttempts = config.DefaultMaxAttempts
	}
	return &PlanIterator{
		pool:  p,
		req:   req,
		tried: make(map[string]bool),
	}
}

// Next yields the next plan, or (nil, nil) when attempts are exhausted or
// no usable account remains.
func (it *PlanIterator) Next(ctx context.Context) (*RequestPlan, error) {
	if it.attempt >= it.req.MaxAttempts {
		return nil, nil
	}

	for {
		if ctx.Err() != nil {
			return nil, proxyerr.Wrap(proxyerr.KindCanceled, ctx.Err())
		}

		view := it.pool.viewFor(it.req.ModelID, it.tried)
		order := it.pool.policy.Order(view)
		if len(order) == 0 {
			return nil, nil
		}

		email := view.Accounts[order[0]].Email
		token, err := it.pool.TokenForAccount(ctx, email)
		if err != nil {
			if proxyerr.IsKind(err, proxyerr.KindCanceled) {
				return nil, err
			}
			// Token failure burns this pair; rank again without it.
			it.tried[email+"|"+it.req.ModelID] = true
			continue
		}

		project := it.pool.ProjectForAccount(ctx, email, token)

		it.attempt++
		it.tried[email+"|"+it.req.ModelID] = true
		return &RequestPlan{
			Email:     email,
			Token:     token,
			ProjectID: project,
			ModelID:   it.req.ModelID,
			Attempt:   it.attempt,
		}, nil
	}
}

// RecordOutcome feeds a plan's result back into the pool: quota errors
// mark the ledger, auth failures disable the account, success bumps
// lastUsed and the sticky anchor. 5xx outcomes leave the ledger alone.
func (p *Pool) RecordOutcome(plan *RequestPlan, outcome error) {
	if plan == nil {
		return
	}

	if outcome == nil {
		// The sticky anchor and lastUsed are kept in memory only. The
		// accounts file is owned by the onboarding flow and the CLI, and a
		// per-request Save would race the fsnotify reload; after a restart
		// the sticky policy re-anchors from the file's activeIndex.
		p.mu.Lock()
		if acc := p.findLocked(plan.Email); acc != nil {
			now := p.now()
			acc.LastUsed = &now
			for i, a := range p.accounts {
				if a.Email == plan.Email {
					p.activeIndex = i
					break
				}
			}
		}
		p.mu.Unlock()
		return
	}

	switch proxyerr.KindOf(outcome) {
	case proxyerr.KindQuotaExhausted:
		var resetAt *time.Time
		if pe := proxyerr.AsError(outcome); pe != nil {
			resetAt = pe.ResetAt
		}
		if resetAt == nil {
			t := p.now().Add(time.Duration(config.DefaultCooldownMs) * time.Millisecond)
			resetAt = &t
		}
		p.ledger.MarkRateLimited(plan.Email, plan.ModelID, resetAt)
		p.log.Info().Str("account", plan.Email).Str("model", plan.ModelID).
			Time("resetAt", *resetAt).Msg("model rate limited")
	case proxyerr.KindAuthInvalidGrant:
		p.mu.Lock()
		p.invalid[plan.Email] = true
		p.mu.Unlock()
	case proxyerr.KindForbidden:
		p.MarkForbidden(plan.Email)
	}
}

// MarkForbidden flags the account as forbidden upstream.
func (p *Pool) MarkForbidden(email string) {
	p.mu.Lock()
	p.forbidden[email] = true
	if cap, ok := p.capacities[email]; ok {
		cap.IsForbidden = true
	}
	p.mu.Unlock()
	p.log.Warn().Str("account", email).Msg("account forbidden upstream")
}

// firstOAuthAccount returns the first eligible OAuth account, which the
// reset trigger uses for its probes.
func (p *Pool) firstOAuthAccount() *Account {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, acc := range p.accounts {
		if p.eligibleLocked(acc) {
			return acc
		}
	}
	return nil
}

// TriggerQuotaReset sends reset probes for the group ("all" for every
// group) and sweeps the matching ledger entries across all accounts.
func (p *Pool) TriggerQuotaReset(ctx context.Context, group string) (*ResetSummary, error) {
	groups := config.QuotaGroups
	if group != GroupAll {
		g, ok := config.GroupByKey(config.ModelPool(group))
		if !ok {
			return nil, proxyerr.New(proxyerr.KindInternal, "unknown quota group %q", group)
		}
		groups = []config.QuotaGroup{g}
	}

	summary := &ResetSummary{}

	acc := p.firstOAuthAccount()
	if acc != nil {
		token, err := p.TokenForAccount(ctx, acc.Email)
		if err == nil {
			project := p.ProjectForAccount(ctx, acc.Email, token)
			summary.Groups = p.trigger.TriggerReset(ctx, token, project, groups)
		} else {
			p.log.Warn().Err(err).Str("account", acc.Email).Msg("reset trigger skipped, no token")
		}
	}

	for _, account := range p.Accounts() {
		cleared := p.ledger.ClearGroup(account.Email, group)
		if cleared > 0 {
			summary.AccountsAffected++
			summary.LimitsCleared += cleared
		}
	}
	return summary, nil
}

// RefreshCapacity fetches fresh quota state for the account, records
// snapshots, and returns the updated capacity view.
func (p *Pool) RefreshCapacity(ctx context.Context, email string) (*AccountCapacity, error) {
	token, err := p.TokenForAccount(ctx, email)
	if err != nil {
		return nil, err
	}
	project := p.ProjectForAccount(ctx, email, token)

	quotas, err := p.client.FetchAvailableModels(ctx, token, project)
	if err != nil {
		if proxyerr.IsKind(err, proxyerr.KindForbidden) {
			p.MarkForbidden(email)
			cap := p.capacitySkeleton(email, project)
			cap.IsForbidden = true
			p.storeCapacity(cap)
			return cap, nil
		}
		return nil, err
	}

	info, err := p.client.LoadCodeAssist(ctx, token)
	tier := quota.TierUnknown
	if err == nil {
		tier = info.Tier
		if project == config.DefaultProjectID && info.ProjectID != "" {
			project = info.ProjectID
		}
	}

	now := p.now().UTC()
	cap := &AccountCapacity{
		Email:       email,
		Tier:        tier,
		ProjectID:   project,
		LastUpdated: now,
	}
	cap.ClaudePool = p.buildPoolCapacity(email, config.ModelFamilyClaude, quotas, config.PoolClaude, now)
	cap.GeminiProPool = p.buildPoolCapacity(email, config.ModelFamilyGemini, quotas, config.PoolGeminiPro, now)
	cap.GeminiFlashPool = p.buildPoolCapacity(email, config.ModelFamilyGemini, quotas, config.PoolGeminiFlash, now)

	if p.snapshots != nil {
		p.snapshots.Record(email, config.ModelFamilyClaude, cap.ClaudePool.Percentage, now)
		p.snapshots.Record(email, config.ModelFamilyGemini, geminiFamilyPercentage(quotas), now)
	}

	p.storeCapacity(cap)
	return cap, nil
}

func (p *Pool) buildPoolCapacity(email string, family config.ModelFamily, quotas map[string]quota.ModelQuota, poolKey config.ModelPool, now time.Time) PoolCapacity {
	pc := PoolCapacity{
		Percentage: quota.PoolPercentage(quotas, poolKey),
		ResetTime:  quota.PoolResetTime(quotas, poolKey),
	}
	if p.snapshots != nil {
		br := p.snapshots.BurnRateFor(email, family, pc.Percentage, pc.ResetTime, now)
		pc.BurnRate = &br
	}
	return pc
}

// geminiFamilyPercentage averages the remaining percentage across every
// gemini model the upstream reported.
func geminiFamilyPercentage(quotas map[string]quota.ModelQuota) float64 {
	var sum float64
	var n int
	for model, q := range quotas {
		if config.GetModelFamily(model) == config.ModelFamilyGemini {
			sum += q.Percentage()
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

func (p *Pool) capacitySkeleton(email, project string) *AccountCapacity {
	return &AccountCapacity{
		Email:       email,
		Tier:        quota.TierUnknown,
		ProjectID:   project,
		LastUpdated: p.now().UTC(),
	}
}

func (p *Pool) storeCapacity(cap *AccountCapacity) {
	p.mu.Lock()
	p.capacities[cap.Email] = cap
	p.mu.Unlock()
}

// Capacities returns the cached capacity views in insertion order.
func (p *Pool) Capacities() []AccountCapacity {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]AccountCapacity, 0, len(p.accounts))
	for _, acc := range p.accounts {
		if cap, ok := p.capacities[acc.Email]; ok {
			out = append(out, *cap)
		}
	}
	return out
}

// RefreshAllCapacities refreshes every account with bounded concurrency.
func (p *Pool) RefreshAllCapacities(ctx context.Context) {
	const maxConcurrent = 5
	sem := make(chan struct{}, maxConcurrent)
	var wg sync.WaitGroup

	for _, acc := range p.Accounts() {
		if !acc.Eligible() {
			continue
		}
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		wg.Add(1)
		email := acc.Email
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			if _, err := p.RefreshCapacity(ctx, email); err != nil {
				p.log.Warn().Err(err).Str("account", email).Msg("capacity refresh failed")
			}
		}()
	}
	wg.Wait()
}
