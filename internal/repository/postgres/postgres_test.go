//go:build integration

package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	testcontainers "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/136906/velvenode/internal/model"
	"github.com/136906/velvenode/internal/repository"
)

type repoEnv struct {
	pool       *pgxpool.Pool
	poolRepo   repository.PoolRepository
	claimRepo  repository.ClaimRepository
	awardRepo  repository.AwardRepository
	policyRepo repository.PolicyRepository
	auditRepo  repository.AuditRepository
}

var env *repoEnv

func TestMain(m *testing.M) {
	built, err := buildRepoEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "integration setup failed: %v\n", err)
		os.Exit(1)
	}
	env = built

	code := m.Run()

	if env != nil && env.pool != nil {
		env.pool.Close()
	}
	os.Exit(code)
}

func buildRepoEnv() (*repoEnv, error) {
	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "postgres",
				"POSTGRES_PASSWORD": "postgres",
				"POSTGRES_DB":       "velvenode_test",
			},
			WaitingFor: wait.ForListeningPort("5432/tcp").WithStartupTimeout(90 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		return nil, err
	}

	host, err := container.Host(ctx)
	if err != nil {
		return nil, err
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		return nil, err
	}

	dsn := fmt.Sprintf("postgres://postgres:postgres@%s:%s/velvenode_test?sslmode=disable", host, port.Port())
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(30 * time.Second)
	for {
		if pingErr := pool.Ping(ctx); pingErr == nil {
			break
		}
		if time.Now().After(deadline) {
			return nil, errors.New("postgres did not become ready")
		}
		time.Sleep(500 * time.Millisecond)
	}

	if err := applyAllMigrations(ctx, pool); err != nil {
		return nil, err
	}

	return &repoEnv{
		pool:       pool,
		poolRepo:   NewPoolRepository(pool),
		claimRepo:  NewClaimRepository(pool),
		awardRepo:  NewAwardRepository(pool),
		policyRepo: NewPolicyRepository(pool),
		auditRepo:  NewAuditRepository(pool),
	}, nil
}

func applyAllMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	migrationsDir, err := findMigrationsDir()
	if err != nil {
		return err
	}

	entries, err := os.ReadDir(migrationsDir)
	if err != nil {
		return err
	}

	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".up.sql") {
			continue
		}
		files = append(files, entry.Name())
	}
	sort.Strings(files)

	for _, file := range files {
		// #nosec G304 -- migration file list comes from controlled test directory.
		raw, err := os.ReadFile(filepath.Join(migrationsDir, file))
		if err != nil {
			return err
		}
		if strings.TrimSpace(string(raw)) == "" {
			continue
		}
		if _, err := pool.Exec(ctx, string(raw)); err != nil {
			return err
		}
	}

	return nil
}

func findMigrationsDir() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for {
		candidate := filepath.Join(dir, "migrations")
		if stat, err := os.Stat(candidate); err == nil && stat.IsDir() {
			return candidate, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", errors.New("could not locate migrations directory")
		}
		dir = parent
	}
}

func getEnv(t *testing.T) *repoEnv {
	t.Helper()
	if env == nil {
		t.Fatal("integration environment not initialized")
	}
	return env
}

func uniqueCode(prefix string) string {
	return fmt.Sprintf("%s-%s", prefix, uuid.NewString())
}

func uniqueTier() string {
	// Unique integer tier so tests sharing the database never collide.
	return fmt.Sprintf("%d", time.Now().UnixNano()%1_000_000_000)
}

func seedEntries(t *testing.T, tier string, codes ...string) []*model.PoolEntry {
	t.Helper()

	entries := make([]*model.PoolEntry, 0, len(codes))
	for _, code := range codes {
		entries = append(entries, &model.PoolEntry{
			ID:        uuid.New(),
			Code:      code,
			TierValue: tier,
			Source:    model.PoolEntrySourceManual,
			CreatedAt: time.Now().UTC(),
		})
	}
	inserted, err := getEnv(t).poolRepo.BatchCreate(context.Background(), entries)
	if err != nil {
		t.Fatalf("seed entries: %v", err)
	}
	if inserted != int64(len(codes)) {
		t.Fatalf("seeded %d entries, want %d", inserted, len(codes))
	}
	return entries
}

func newRecord(userID, tier string, claimedAt time.Time) *model.ClaimRecord {
	return &model.ClaimRecord{
		ID:                uuid.New(),
		UserID:            userID,
		Username:          "sk-masked****user",
		TierValue:         tier,
		ClaimedAt:         claimedAt,
		CooldownExpiresAt: claimedAt.Add(8 * time.Hour),
	}
}

func TestPoolRepository_BatchCreateSkipsDuplicates(t *testing.T) {
	e := getEnv(t)
	tier := uniqueTier()
	code := uniqueCode("DUP")

	seedEntries(t, tier, code)

	inserted, err := e.poolRepo.BatchCreate(context.Background(), []*model.PoolEntry{
		{ID: uuid.New(), Code: code, TierValue: tier, Source: model.PoolEntrySourceManual, CreatedAt: time.Now().UTC()},
		{ID: uuid.New(), Code: uniqueCode("DUP"), TierValue: tier, Source: model.PoolEntrySourceManual, CreatedAt: time.Now().UTC()},
	})
	if err != nil {
		t.Fatalf("batch create: %v", err)
	}
	if inserted != 1 {
		t.Fatalf("inserted = %d, want 1 (duplicate skipped)", inserted)
	}
}

func TestPoolRepository_ListFiltersAndDelete(t *testing.T) {
	e := getEnv(t)
	ctx := context.Background()
	tier := uniqueTier()
	seedEntries(t, tier, uniqueCode("LIST"), uniqueCode("LIST"), uniqueCode("LIST"))

	// Claim one entry so the claimed filter has something to separate.
	record := newRecord("user-"+uuid.NewString(), tier, time.Now().UTC())
	if _, err := e.awardRepo.ReserveLocalEntry(ctx, tier, record); err != nil {
		t.Fatalf("reserve entry: %v", err)
	}

	claimed := false
	entries, total, err := e.poolRepo.List(ctx, repository.PoolListFilter{
		TierValue:  &tier,
		Claimed:    &claimed,
		Pagination: repository.Pagination{Limit: 10},
	})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 2 || len(entries) != 2 {
		t.Fatalf("unclaimed list total = %d len = %d, want 2", total, len(entries))
	}
	for _, entry := range entries {
		if entry.Claimed {
			t.Fatalf("claimed entry %s leaked into unclaimed listing", entry.Code)
		}
	}

	deleted, err := e.poolRepo.DeleteUnclaimed(ctx, repository.PoolListFilter{TierValue: &tier})
	if err != nil {
		t.Fatalf("delete unclaimed: %v", err)
	}
	if deleted != 2 {
		t.Fatalf("deleted = %d, want 2", deleted)
	}

	// The claimed entry stays for audit history.
	_, total, err = e.poolRepo.List(ctx, repository.PoolListFilter{
		TierValue:  &tier,
		Pagination: repository.Pagination{Limit: 10},
	})
	if err != nil {
		t.Fatalf("list after delete: %v", err)
	}
	if total != 1 {
		t.Fatalf("total after delete = %d, want 1", total)
	}
}

func TestPoolRepository_CountUnclaimedByTier(t *testing.T) {
	e := getEnv(t)
	tier := uniqueTier()
	seedEntries(t, tier, uniqueCode("CNT"), uniqueCode("CNT"))

	counts, err := e.poolRepo.CountUnclaimedByTier(context.Background())
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if counts[tier] != 2 {
		t.Fatalf("count[%s] = %d, want 2", tier, counts[tier])
	}
}

func TestPoolRepository_Stats(t *testing.T) {
	e := getEnv(t)
	ctx := context.Background()
	tier := uniqueTier()
	seedEntries(t, tier, uniqueCode("ST"), uniqueCode("ST"))

	record := newRecord("user-"+uuid.NewString(), tier, time.Now().UTC())
	if _, err := e.awardRepo.ReserveLocalEntry(ctx, tier, record); err != nil {
		t.Fatalf("reserve entry: %v", err)
	}

	stats, err := e.poolRepo.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	for _, row := range stats {
		if row.TierValue != tier {
			continue
		}
		if row.Total != 2 || row.Available != 1 || row.Claimed != 1 {
			t.Fatalf("stats for %s = %+v", tier, row)
		}
		return
	}
	t.Fatalf("tier %s missing from stats", tier)
}

func TestAwardRepository_ReserveLocalEntrySingleWinner(t *testing.T) {
	e := getEnv(t)
	tier := uniqueTier()
	seedEntries(t, tier, uniqueCode("RACE"))

	const workers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	misses := 0

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()

			record := newRecord(fmt.Sprintf("user-%d-%s", n, uuid.NewString()), tier, time.Now().UTC())
			_, err := e.awardRepo.ReserveLocalEntry(context.Background(), tier, record)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners++
			case errors.Is(err, repository.ErrNotFound):
				misses++
			default:
				t.Errorf("unexpected reserve error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if winners != 1 || misses != workers-1 {
		t.Fatalf("winners = %d misses = %d, want exactly one winner", winners, misses)
	}
}

func TestAwardRepository_ReserveLocalEntryWritesClaimRecord(t *testing.T) {
	e := getEnv(t)
	ctx := context.Background()
	tier := uniqueTier()
	code := uniqueCode("REC")
	seedEntries(t, tier, code)

	userID := "user-" + uuid.NewString()
	claimedAt := time.Now().UTC().Truncate(time.Microsecond)
	record := newRecord(userID, tier, claimedAt)

	entry, err := e.awardRepo.ReserveLocalEntry(ctx, tier, record)
	if err != nil {
		t.Fatalf("reserve entry: %v", err)
	}
	if entry.Code != code || !entry.Claimed {
		t.Fatalf("unexpected entry: %+v", entry)
	}
	if record.Code != code {
		t.Fatalf("record code = %q, want the awarded code", record.Code)
	}

	recent, err := e.claimRepo.RecentByUser(ctx, userID, claimedAt.Add(-time.Minute))
	if err != nil {
		t.Fatalf("recent by user: %v", err)
	}
	if len(recent) != 1 || recent[0].Code != code {
		t.Fatalf("recent records = %+v, want one record with the awarded code", recent)
	}
}

func TestAwardRepository_VirtualStockLifecycle(t *testing.T) {
	e := getEnv(t)
	ctx := context.Background()
	tier := uniqueTier()

	if err := e.awardRepo.SetVirtualStock(ctx, tier, 2); err != nil {
		t.Fatalf("set stock: %v", err)
	}

	for i := 0; i < 2; i++ {
		ok, err := e.awardRepo.ReserveVirtualStock(ctx, tier)
		if err != nil || !ok {
			t.Fatalf("reserve %d: ok=%v err=%v", i, ok, err)
		}
	}

	ok, err := e.awardRepo.ReserveVirtualStock(ctx, tier)
	if err != nil {
		t.Fatalf("reserve on empty: %v", err)
	}
	if ok {
		t.Fatal("reserve must fail once stock is exhausted")
	}

	if err := e.awardRepo.ReleaseVirtualStock(ctx, tier); err != nil {
		t.Fatalf("release: %v", err)
	}
	ok, err = e.awardRepo.ReserveVirtualStock(ctx, tier)
	if err != nil || !ok {
		t.Fatalf("reserve after release: ok=%v err=%v", ok, err)
	}

	stock, err := e.awardRepo.VirtualStockByTier(ctx)
	if err != nil {
		t.Fatalf("stock by tier: %v", err)
	}
	if stock[tier] != 0 {
		t.Fatalf("stock[%s] = %d, want 0", tier, stock[tier])
	}
}

func TestAwardRepository_PersistMintedAward(t *testing.T) {
	e := getEnv(t)
	ctx := context.Background()
	tier := uniqueTier()
	code := uniqueCode("MINT")
	userID := "user-" + uuid.NewString()
	claimedAt := time.Now().UTC().Truncate(time.Microsecond)

	record := newRecord(userID, tier, claimedAt)
	record.Code = code
	record.AutoRedeemed = true

	entry := &model.PoolEntry{
		Code:      code,
		TierValue: tier,
		Claimed:   true,
		ClaimedBy: &userID,
		ClaimedAt: &claimedAt,
		Source:    model.PoolEntrySourceMinted,
	}
	if err := e.awardRepo.PersistMintedAward(ctx, entry, record); err != nil {
		t.Fatalf("persist minted: %v", err)
	}

	recent, err := e.claimRepo.RecentByUser(ctx, userID, claimedAt.Add(-time.Minute))
	if err != nil {
		t.Fatalf("recent by user: %v", err)
	}
	if len(recent) != 1 || recent[0].Code != code || !recent[0].AutoRedeemed {
		t.Fatalf("recent records = %+v", recent)
	}

	source := model.PoolEntrySourceMinted
	entries, _, err := e.poolRepo.List(ctx, repository.PoolListFilter{
		TierValue:  &tier,
		Source:     &source,
		Pagination: repository.Pagination{Limit: 10},
	})
	if err != nil {
		t.Fatalf("list minted: %v", err)
	}
	if len(entries) != 1 || !entries[0].Claimed {
		t.Fatalf("minted entries = %+v", entries)
	}
}

func TestClaimRepository_RecentAndHistory(t *testing.T) {
	e := getEnv(t)
	ctx := context.Background()
	tier := uniqueTier()
	userID := "user-" + uuid.NewString()
	now := time.Now().UTC().Truncate(time.Microsecond)

	codes := []string{uniqueCode("H1"), uniqueCode("H2"), uniqueCode("H3")}
	ages := []time.Duration{30 * time.Hour, 2 * time.Hour, time.Hour}
	for i, code := range codes {
		entry := &model.PoolEntry{
			Code:      code,
			TierValue: tier,
			Claimed:   true,
			Source:    model.PoolEntrySourceMinted,
		}
		record := newRecord(userID, tier, now.Add(-ages[i]))
		record.Code = code
		if err := e.awardRepo.PersistMintedAward(ctx, entry, record); err != nil {
			t.Fatalf("seed record %d: %v", i, err)
		}
	}

	recent, err := e.claimRepo.RecentByUser(ctx, userID, now.Add(-16*time.Hour))
	if err != nil {
		t.Fatalf("recent by user: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("recent = %d records, want 2 inside the window", len(recent))
	}
	if !recent[0].ClaimedAt.After(recent[1].ClaimedAt) {
		t.Fatal("recent records must be newest first")
	}

	history, err := e.claimRepo.HistoryByUser(ctx, userID, 2)
	if err != nil {
		t.Fatalf("history by user: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history = %d records, want limit of 2", len(history))
	}
}

func TestPolicyRepository_LoadSaveRoundtrip(t *testing.T) {
	e := getEnv(t)
	ctx := context.Background()

	if _, err := e.pool.Exec(ctx, `DELETE FROM award_policies`); err != nil {
		t.Fatalf("reset policy table: %v", err)
	}

	if _, err := e.policyRepo.Load(ctx); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("load on empty table: got %v, want not found", err)
	}

	policy := &model.Policy{
		Version:         1,
		CooldownMinutes: 240,
		ClaimsPerWindow: 2,
		TierWeights:     map[string]int64{"1": 90, "5": 9, "100": 1},
		TierStock:       map[string]int64{},
		AllocationMode:  model.AllocationModeMintOnly,
		ProbabilityMode: model.ProbabilityModeWeightTimesStock,
	}
	if err := e.policyRepo.Save(ctx, policy); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := e.policyRepo.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Version != 1 || loaded.CooldownMinutes != 240 || loaded.ClaimsPerWindow != 2 {
		t.Fatalf("loaded = %+v", loaded)
	}
	if loaded.TierWeights["5"] != 9 {
		t.Fatalf("tier weights = %+v", loaded.TierWeights)
	}
	if loaded.AllocationMode != model.AllocationModeMintOnly ||
		loaded.ProbabilityMode != model.ProbabilityModeWeightTimesStock {
		t.Fatalf("modes = %s/%s", loaded.AllocationMode, loaded.ProbabilityMode)
	}

	// Saving again overwrites the single row instead of adding one.
	policy.Version = 2
	policy.CooldownMinutes = 60
	if err := e.policyRepo.Save(ctx, policy); err != nil {
		t.Fatalf("second save: %v", err)
	}
	loaded, err = e.policyRepo.Load(ctx)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if loaded.Version != 2 || loaded.CooldownMinutes != 60 {
		t.Fatalf("reloaded = %+v", loaded)
	}
}

func TestAuditRepository_CreateAndList(t *testing.T) {
	e := getEnv(t)
	ctx := context.Background()

	operator := "admin-" + uuid.NewString()
	action := "policy.update"
	resourceType := "award_policy"
	entry := &model.AuditLog{
		UserID:       &operator,
		Action:       action,
		ResourceType: &resourceType,
		OldValue:     map[string]interface{}{"cooldown_minutes": 480},
		NewValue:     map[string]interface{}{"cooldown_minutes": 240},
		CreatedAt:    time.Now().UTC(),
	}
	if err := e.auditRepo.Create(ctx, entry); err != nil {
		t.Fatalf("create audit log: %v", err)
	}

	logs, total, err := e.auditRepo.List(ctx, repository.AuditListFilter{
		UserID:     &operator,
		Action:     &action,
		Pagination: repository.Pagination{Limit: 10},
	})
	if err != nil {
		t.Fatalf("list audit logs: %v", err)
	}
	if total != 1 || len(logs) != 1 {
		t.Fatalf("total = %d len = %d, want 1", total, len(logs))
	}
	got := logs[0]
	if got.UserID == nil || *got.UserID != operator {
		t.Fatalf("user id = %v", got.UserID)
	}
	if got.NewValue["cooldown_minutes"] != float64(240) {
		t.Fatalf("new value = %+v", got.NewValue)
	}

	other := "someone-else"
	_, total, err = e.auditRepo.List(ctx, repository.AuditListFilter{
		UserID:     &other,
		Action:     &action,
		Pagination: repository.Pagination{Limit: 10},
	})
	if err != nil {
		t.Fatalf("filtered list: %v", err)
	}
	if total != 0 {
		t.Fatalf("filtered total = %d, want 0", total)
	}
}
