package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/136906/velvenode/internal/metrics"
	"github.com/136906/velvenode/internal/model"
	"github.com/136906/velvenode/internal/repository"
	"github.com/136906/velvenode/pkg/ledger"
	"github.com/136906/velvenode/pkg/timeutil"
)

var (
	ErrUnauthorized     = errors.New("api key is not valid")
	ErrCoolingDown      = errors.New("user is cooling down")
	ErrPoolExhausted    = errors.New("no awards available right now")
	ErrAllocationFailed = errors.New("award allocation failed")
)

const (
	defaultMintTimeout    = 30 * time.Second
	defaultPersistTimeout = 10 * time.Second
	persistAttempts       = 3
	statusHistoryLimit    = 10
)

// CooldownError carries the moment the caller becomes eligible again.
// It matches ErrCoolingDown under errors.Is.
type CooldownError struct {
	Until time.Time
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("cooling down until %s", e.Until.UTC().Format(time.RFC3339))
}

func (e *CooldownError) Is(target error) bool {
	return target == ErrCoolingDown
}

// LedgerClient is the remote surface the allocator depends on.
type LedgerClient interface {
	VerifyKey(ctx context.Context, apiKey string) ledger.VerifyResult
	MintCode(ctx context.Context, tierValue string) (string, error)
	AutoRedeem(ctx context.Context, apiKey, code string) error
}

type Identity struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}

// ClaimStatus is what the status endpoint reports back to a verified
// user: whether they can claim now and what they claimed recently.
type ClaimStatus struct {
	Identity    Identity             `json:"identity"`
	Eligibility Eligibility          `json:"eligibility"`
	TotalStock  int64                `json:"total_stock"`
	History     []*model.ClaimRecord `json:"history"`
}

type ClaimResult struct {
	Code           string    `json:"code"`
	TierValue      string    `json:"tier_value"`
	AutoRedeemed   bool      `json:"auto_redeemed"`
	Remaining      int       `json:"remaining"`
	CooldownEndsAt time.Time `json:"cooldown_ends_at"`
}

type ClaimService struct {
	claimRepo repository.ClaimRepository
	poolRepo  repository.PoolRepository
	awardRepo repository.AwardRepository
	auditRepo repository.AuditRepository
	policies  *PolicyService
	ledger    LedgerClient
	logger    *zap.Logger

	mintTimeout time.Duration
	userLocks   sync.Map

	rngMu sync.Mutex
	rng   *rand.Rand

	// overridable in tests
	nowFn  func() time.Time
	drawFn func(policy *model.Policy, localUnclaimed map[string]int64) (string, bool)
}

func NewClaimService(
	claimRepo repository.ClaimRepository,
	poolRepo repository.PoolRepository,
	awardRepo repository.AwardRepository,
	auditRepo repository.AuditRepository,
	policies *PolicyService,
	ledgerClient LedgerClient,
	logger *zap.Logger,
) *ClaimService {
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &ClaimService{
		claimRepo:   claimRepo,
		poolRepo:    poolRepo,
		awardRepo:   awardRepo,
		auditRepo:   auditRepo,
		policies:    policies,
		ledger:      ledgerClient,
		logger:      logger,
		mintTimeout: defaultMintTimeout,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		nowFn:       timeutil.NowUTC,
	}
	s.drawFn = s.lockedDraw
	return s
}

func (s *ClaimService) lockedDraw(policy *model.Policy, localUnclaimed map[string]int64) (string, bool) {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return DrawTier(policy, localUnclaimed, s.rng)
}

// Verify resolves an API key to its stable identity. Keys the ledger
// rejects map to ErrUnauthorized; a ledger we cannot reach maps to
// ErrAllocationFailed so the caller can distinguish "bad key" from
// "try again later".
func (s *ClaimService) Verify(ctx context.Context, apiKey string) (*Identity, error) {
	result := s.ledger.VerifyKey(ctx, apiKey)
	switch result.Status {
	case ledger.StatusValid:
		return &Identity{UserID: result.UserID, Username: result.Username}, nil
	case ledger.StatusInvalid:
		return nil, ErrUnauthorized
	default:
		return nil, fmt.Errorf("%w: ledger verification unavailable", ErrAllocationFailed)
	}
}

func (s *ClaimService) Status(ctx context.Context, apiKey string) (*ClaimStatus, error) {
	identity, err := s.Verify(ctx, apiKey)
	if err != nil {
		return nil, err
	}

	policy, err := s.policies.Snapshot(ctx)
	if err != nil {
		return nil, err
	}

	now := s.nowFn()
	recent, err := s.claimRepo.RecentByUser(ctx, identity.UserID, now.Add(-HistoryLookback(policy)))
	if err != nil {
		return nil, err
	}

	localUnclaimed, err := s.poolRepo.CountUnclaimedByTier(ctx)
	if err != nil {
		return nil, err
	}

	history, err := s.claimRepo.HistoryByUser(ctx, identity.UserID, statusHistoryLimit)
	if err != nil {
		return nil, err
	}

	eligibility := EvaluateEligibility(now, policy, recent)
	totalStock := TotalEffectiveStock(policy, localUnclaimed)
	if eligibility.CanClaim && totalStock == 0 {
		eligibility.CanClaim = false
		eligibility.Reason = ReasonPoolExhausted
	}

	return &ClaimStatus{
		Identity:    *identity,
		Eligibility: eligibility,
		TotalStock:  totalStock,
		History:     history,
	}, nil
}

// Claim runs the full allocation: verify the key, check the cooldown
// window, draw a tier, then hand out a local code or mint a fresh one.
// Claims of the same user are serialized in-process; cross-instance
// races fall through to the row-level guards in the repositories.
func (s *ClaimService) Claim(ctx context.Context, apiKey string) (*ClaimResult, error) {
	started := time.Now()
	result, err := s.claim(ctx, apiKey)
	metrics.ObserveClaimDuration(time.Since(started))

	switch {
	case err == nil:
	case errors.Is(err, ErrUnauthorized):
		metrics.IncClaim("unauthorized")
	case errors.Is(err, ErrCoolingDown):
		metrics.IncClaim("cooling_down")
	case errors.Is(err, ErrPoolExhausted):
		metrics.IncClaim("pool_exhausted")
	default:
		metrics.IncClaim("error")
	}
	return result, err
}

func (s *ClaimService) claim(ctx context.Context, apiKey string) (*ClaimResult, error) {
	identity, err := s.Verify(ctx, apiKey)
	if err != nil {
		return nil, err
	}

	lock := s.userLock(identity.UserID)
	lock.Lock()
	defer lock.Unlock()

	policy, err := s.policies.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAllocationFailed, err)
	}

	now := s.nowFn()
	recent, err := s.claimRepo.RecentByUser(ctx, identity.UserID, now.Add(-HistoryLookback(policy)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAllocationFailed, err)
	}

	eligibility := EvaluateEligibility(now, policy, recent)
	if !eligibility.CanClaim {
		if eligibility.CooldownEndsAt != nil {
			return nil, &CooldownError{Until: *eligibility.CooldownEndsAt}
		}
		return nil, ErrCoolingDown
	}

	localUnclaimed, err := s.poolRepo.CountUnclaimedByTier(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAllocationFailed, err)
	}

	tier, ok := s.drawFn(policy, localUnclaimed)
	if !ok {
		return nil, ErrPoolExhausted
	}
	metrics.IncTierDraw(tier)

	record := &model.ClaimRecord{
		ID:                uuid.New(),
		UserID:            identity.UserID,
		Username:          identity.Username,
		TierValue:         tier,
		ClaimedAt:         now,
		CooldownExpiresAt: now.Add(policy.Cooldown()),
	}

	remaining := eligibility.Remaining - 1

	if policy.AllocationMode == model.AllocationModeLocalFirst && localUnclaimed[tier] > 0 {
		entry, reserveErr := s.awardRepo.ReserveLocalEntry(ctx, tier, record)
		if reserveErr == nil {
			s.finishClaim(ctx, identity, record, "local")
			metrics.IncClaim("awarded_local")
			return &ClaimResult{
				Code:           entry.Code,
				TierValue:      tier,
				Remaining:      remaining,
				CooldownEndsAt: record.CooldownExpiresAt,
			}, nil
		}
		if !errors.Is(reserveErr, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: %v", ErrAllocationFailed, reserveErr)
		}
		// local entries of this tier raced away; fall back to minting
	}

	return s.claimMinted(ctx, apiKey, identity, tier, remaining, record)
}

// claimMinted reserves one unit of virtual stock before spending money
// on the remote call. A definitively failed mint puts the unit back, so
// its net effect is no state change at all; an ambiguous outcome keeps
// the unit reserved because the code may exist remotely. A successful mint
// is never abandoned: persistence runs detached from the caller's
// context and the code is returned even when every persist attempt
// fails.
func (s *ClaimService) claimMinted(
	ctx context.Context,
	apiKey string,
	identity *Identity,
	tier string,
	remaining int,
	record *model.ClaimRecord,
) (*ClaimResult, error) {
	reserved, err := s.awardRepo.ReserveVirtualStock(ctx, tier)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAllocationFailed, err)
	}
	if !reserved {
		return nil, ErrPoolExhausted
	}

	mintCtx, cancel := context.WithTimeout(ctx, s.mintTimeout)
	mintStarted := time.Now()
	code, err := s.ledger.MintCode(mintCtx, tier)
	cancel()
	metrics.ObserveMintDuration(time.Since(mintStarted))
	if err != nil {
		metrics.IncMintError()
		if errors.Is(err, ledger.ErrMintAmbiguous) {
			// The code may exist remotely. Keep the unit reserved so the
			// books stay conservative until an operator reconciles it.
			s.logger.Error("mint outcome unknown, leaving stock reserved",
				zap.String("tier_value", tier),
				zap.String("user_id", identity.UserID),
				zap.Error(err))
			return nil, fmt.Errorf("%w: %v", ErrAllocationFailed, err)
		}
		s.releaseReservedStock(ctx, tier)
		s.logger.Warn("mint failed",
			zap.String("tier_value", tier),
			zap.String("user_id", identity.UserID),
			zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrAllocationFailed, err)
	}

	autoRedeemed := false
	if redeemErr := s.ledger.AutoRedeem(ctx, apiKey, code); redeemErr == nil {
		autoRedeemed = true
	} else {
		s.logger.Warn("auto redeem failed, returning raw code",
			zap.String("user_id", identity.UserID),
			zap.Error(redeemErr))
	}

	record.Code = code
	record.AutoRedeemed = autoRedeemed
	claimedAt := record.ClaimedAt
	entry := &model.PoolEntry{
		ID:        uuid.New(),
		Code:      code,
		TierValue: tier,
		Claimed:   true,
		ClaimedBy: &identity.UserID,
		ClaimedAt: &claimedAt,
		Source:    model.PoolEntrySourceMinted,
		CreatedAt: claimedAt,
	}

	s.persistMinted(ctx, entry, record)
	s.finishClaim(ctx, identity, record, "minted")
	metrics.IncClaim("awarded_minted")

	return &ClaimResult{
		Code:           code,
		TierValue:      tier,
		AutoRedeemed:   autoRedeemed,
		Remaining:      remaining,
		CooldownEndsAt: record.CooldownExpiresAt,
	}, nil
}

func (s *ClaimService) persistMinted(ctx context.Context, entry *model.PoolEntry, record *model.ClaimRecord) {
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultPersistTimeout)
	defer cancel()

	var err error
	for attempt := 1; attempt <= persistAttempts; attempt++ {
		if err = s.awardRepo.PersistMintedAward(persistCtx, entry, record); err == nil {
			return
		}
		if attempt < persistAttempts {
			time.Sleep(time.Duration(attempt) * 200 * time.Millisecond)
		}
	}

	// The minted code exists remotely whether we recorded it or not.
	// Log everything an operator needs to reconcile by hand.
	s.logger.Error("minted award could not be persisted",
		zap.String("user_id", record.UserID),
		zap.String("tier_value", record.TierValue),
		zap.String("code", record.Code),
		zap.Error(err))
}

func (s *ClaimService) releaseReservedStock(ctx context.Context, tier string) {
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := s.awardRepo.ReleaseVirtualStock(releaseCtx, tier); err != nil {
		s.logger.Error("virtual stock release failed",
			zap.String("tier_value", tier),
			zap.Error(err))
	}
}

func (s *ClaimService) finishClaim(ctx context.Context, identity *Identity, record *model.ClaimRecord, source string) {
	s.logger.Info("award claimed",
		zap.String("user_id", identity.UserID),
		zap.String("tier_value", record.TierValue),
		zap.String("source", source),
		zap.Bool("auto_redeemed", record.AutoRedeemed))

	if s.auditRepo == nil {
		return
	}
	_ = s.auditRepo.Create(ctx, &model.AuditLog{
		UserID:       &identity.UserID,
		Action:       "claim.award",
		ResourceType: strPtr("claim_record"),
		ResourceID:   strPtr(record.ID.String()),
		NewValue: map[string]interface{}{
			"tier_value":    record.TierValue,
			"source":        source,
			"auto_redeemed": record.AutoRedeemed,
		},
		CreatedAt: record.ClaimedAt,
	})
}

func (s *ClaimService) userLock(userID string) *sync.Mutex {
	actual, _ := s.userLocks.LoadOrStore(userID, &sync.Mutex{})
	return actual.(*sync.Mutex)
}
