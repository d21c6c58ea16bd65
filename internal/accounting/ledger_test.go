package accounting

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridcredit/accounting/internal/config"
)

var (
	cpu     = ProductCategory{Provider: "hippo", Name: "cpu", ProductType: "COMPUTE", Unit: "core-hours"}
	gpu     = ProductCategory{Provider: "hippo", Name: "gpu", ProductType: "COMPUTE", Unit: "gpu-hours"}
	storage = ProductCategory{Provider: "k8s", Name: "storage", ProductType: "STORAGE", Unit: "GiB", Hidden: true}

	admin = Actor{Username: "admin", Role: "ADMIN"}
)

type fakeCatalog struct{}

func (fakeCatalog) Category(_ context.Context, id CategoryID) (ProductCategory, error) {
	for _, c := range []ProductCategory{cpu, gpu, storage} {
		if c.ID() == id {
			return c, nil
		}
	}
	return ProductCategory{}, fmt.Errorf("%w: category %s", ErrNotFound, id)
}

func (fakeCatalog) Categories(_ context.Context, provider string) ([]ProductCategory, error) {
	var out []ProductCategory
	for _, c := range []ProductCategory{cpu, gpu, storage} {
		if c.Provider == provider {
			out = append(out, c)
		}
	}
	return out, nil
}

type fakeTree map[string][]string

func (f fakeTree) Descendants(_ context.Context, projectID string) ([]string, error) {
	return f[projectID], nil
}

func project(id string) Owner { return Owner{ID: id, Type: OwnerProject} }
func user(id string) Owner    { return Owner{ID: id, Type: OwnerUser} }

func seeded(owner Owner, cat ProductCategory, allocated, used int64) Wallet {
	w := Wallet{Owner: owner, Category: cat, Allocated: allocated, Used: used, Balance: allocated - used}
	w.refreshLock()
	return w
}

func newTestLedger(t *testing.T, seed ...Wallet) (*Ledger, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	store.Seed(seed...)
	l, err := Open(context.Background(), config.LedgerConfig{Shards: 4, QueueSize: 16},
		store, fakeCatalog{}, fakeTree{"p1": {"p1-a", "p1-b"}}, nil)
	require.NoError(t, err)
	t.Cleanup(l.Close)
	return l, store
}

func getWallet(t *testing.T, l *Ledger, owner Owner, cat ProductCategory) Wallet {
	t.Helper()
	ws, err := l.RetrieveBalance(context.Background(), admin, RetrieveBalanceRequest{
		ID: owner.ID, Type: string(owner.Type), ShowHidden: true,
	})
	require.NoError(t, err)
	for _, w := range ws {
		if w.Category.ID() == cat.ID() {
			return w
		}
	}
	t.Fatalf("wallet %s %s not found", owner, cat.ID())
	return Wallet{}
}

func reserveReq(jobID string, owner Owner, cat ProductCategory, amount int64) ReserveCreditsRequest {
	return ReserveCreditsRequest{
		JobID:        jobID,
		Amount:       amount,
		Account:      owner,
		Product:      ProductRef{ID: cat.Name + "-standard", Category: cat.Name, Provider: cat.Provider},
		ProductUnits: 1,
	}
}

func TestReserveCredits_LifecycleScenario(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t, seeded(project("p1"), cpu, 1000, 0))

	err := l.ReserveCredits(ctx, admin, reserveReq("too-big", project("p1"), cpu, 1500))
	require.ErrorIs(t, err, ErrLimitExceeded)
	w := getWallet(t, l, project("p1"), cpu)
	assert.Equal(t, int64(0), w.Used)
	assert.Equal(t, int64(1000), w.Balance)

	immediate := reserveReq("now", project("p1"), cpu, 500)
	immediate.ChargeImmediately = true
	require.NoError(t, l.ReserveCredits(ctx, admin, immediate))
	assert.Equal(t, int64(500), getWallet(t, l, project("p1"), cpu).Used)

	require.NoError(t, l.ReserveCredits(ctx, admin, reserveReq("J1", project("p1"), cpu, 400)))
	w = getWallet(t, l, project("p1"), cpu)
	assert.Equal(t, int64(500), w.Used)
	assert.Equal(t, int64(400), w.Reserved)

	require.NoError(t, l.ChargeReservation(ctx, admin, ChargeReservationRequest{Name: "J1", Amount: 400, ProductUnits: 1}))
	w = getWallet(t, l, project("p1"), cpu)
	assert.Equal(t, int64(900), w.Used)
	assert.Equal(t, int64(0), w.Reserved)
	assert.Equal(t, int64(100), w.Balance)
	assert.False(t, w.Locked)
}

func TestReserveCredits_DiscardAfterLimitCheckIsDryRun(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t, seeded(project("p1"), cpu, 1000, 100))
	before := getWallet(t, l, project("p1"), cpu)

	req := reserveReq("dry", project("p1"), cpu, 300)
	req.DiscardAfterLimitCheck = true
	require.NoError(t, l.ReserveCredits(ctx, admin, req))

	req.Amount = 5000
	require.ErrorIs(t, l.ReserveCredits(ctx, admin, req), ErrLimitExceeded)

	assert.Equal(t, before, getWallet(t, l, project("p1"), cpu))

	// The dry run leaves no reservation behind.
	err := l.ChargeReservation(ctx, admin, ChargeReservationRequest{Name: "dry", Amount: 1})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReserveCredits_InvalidArguments(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t, seeded(project("p1"), cpu, 1000, 0))

	t.Run("discard with charge immediately", func(t *testing.T) {
		req := reserveReq("x", project("p1"), cpu, 10)
		req.DiscardAfterLimitCheck = true
		req.ChargeImmediately = true
		assert.ErrorIs(t, l.ReserveCredits(ctx, admin, req), ErrInvalidArgument)
	})

	t.Run("negative amount", func(t *testing.T) {
		assert.ErrorIs(t, l.ReserveCredits(ctx, admin, reserveReq("x", project("p1"), cpu, -1)), ErrInvalidArgument)
	})

	t.Run("missing job id", func(t *testing.T) {
		assert.ErrorIs(t, l.ReserveCredits(ctx, admin, reserveReq("", project("p1"), cpu, 1)), ErrInvalidArgument)
	})

	t.Run("unknown transaction type", func(t *testing.T) {
		req := reserveReq("x", project("p1"), cpu, 1)
		req.TransactionType = "REFUND"
		assert.ErrorIs(t, l.ReserveCredits(ctx, admin, req), ErrInvalidArgument)
	})

	t.Run("unknown wallet", func(t *testing.T) {
		assert.ErrorIs(t, l.ReserveCredits(ctx, admin, reserveReq("x", project("nope"), cpu, 1)), ErrNotFound)
	})
}

func TestReserveCredits_SkipIfExistsIsIdempotent(t *testing.T) {
	ctx := context.Background()

	t.Run("pending", func(t *testing.T) {
		l, _ := newTestLedger(t, seeded(project("p1"), cpu, 1000, 0))
		req := reserveReq("job-1", project("p1"), cpu, 300)
		req.SkipIfExists = true

		require.NoError(t, l.ReserveCredits(ctx, admin, req))
		once := getWallet(t, l, project("p1"), cpu)
		require.NoError(t, l.ReserveCredits(ctx, admin, req))
		assert.Equal(t, once, getWallet(t, l, project("p1"), cpu))
	})

	t.Run("charge immediately", func(t *testing.T) {
		l, store := newTestLedger(t, seeded(project("p1"), cpu, 1000, 0))
		req := reserveReq("job-2", project("p1"), cpu, 300)
		req.SkipIfExists = true
		req.ChargeImmediately = true

		require.NoError(t, l.ReserveCredits(ctx, admin, req))
		once := getWallet(t, l, project("p1"), cpu)
		require.NoError(t, l.ReserveCredits(ctx, admin, req))
		assert.Equal(t, once, getWallet(t, l, project("p1"), cpu))
		assert.Len(t, store.Transactions(), 1)
	})
}

func TestReserveCredits_DuplicateJobIDConflicts(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t, seeded(project("p1"), cpu, 1000, 0), seeded(project("p2"), cpu, 1000, 0))

	require.NoError(t, l.ReserveCredits(ctx, admin, reserveReq("job", project("p1"), cpu, 10)))
	assert.ErrorIs(t, l.ReserveCredits(ctx, admin, reserveReq("job", project("p2"), cpu, 10)), ErrConflict)
	assert.Equal(t, int64(0), getWallet(t, l, project("p2"), cpu).Reserved)
}

func TestReserveCredits_ChargeImmediatelyIsLimitChecked(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t, seeded(project("p1"), cpu, 100, 0))

	req := reserveReq("big", project("p1"), cpu, 150)
	req.ChargeImmediately = true
	require.ErrorIs(t, l.ReserveCredits(ctx, admin, req), ErrLimitExceeded)

	req.SkipLimitCheck = true
	require.NoError(t, l.ReserveCredits(ctx, admin, req))
	w := getWallet(t, l, project("p1"), cpu)
	assert.Equal(t, int64(150), w.Used)
	assert.Equal(t, int64(-50), w.Balance)
	assert.True(t, w.Locked)
}

func TestReserveCredits_ConcurrentCallersNeverOvershoot(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t, seeded(project("p1"), cpu, 1000, 200))

	const callers = 50
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int64
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			amount := int64(10 + i%7*10)
			err := l.ReserveCredits(ctx, admin, reserveReq(fmt.Sprintf("job-%d", i), project("p1"), cpu, amount))
			if err == nil {
				mu.Lock()
				accepted += amount
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, ErrLimitExceeded)
		}(i)
	}
	wg.Wait()

	w := getWallet(t, l, project("p1"), cpu)
	assert.LessOrEqual(t, accepted, int64(800))
	assert.Equal(t, accepted, w.Reserved)
	assert.LessOrEqual(t, w.Used+w.Reserved, w.Allocated)
}

func TestChargeReservation_UnknownNameChangesNothing(t *testing.T) {
	ctx := context.Background()
	l, store := newTestLedger(t, seeded(project("p1"), cpu, 1000, 10))
	before := getWallet(t, l, project("p1"), cpu)

	err := l.ChargeReservation(ctx, admin, ChargeReservationRequest{Name: "missing", Amount: 10})
	require.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, before, getWallet(t, l, project("p1"), cpu))
	assert.Empty(t, store.Transactions())
}

func TestChargeReservation_SecondChargeIsNotFound(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t, seeded(project("p1"), cpu, 1000, 0))

	require.NoError(t, l.ReserveCredits(ctx, admin, reserveReq("J", project("p1"), cpu, 100)))
	require.NoError(t, l.ChargeReservation(ctx, admin, ChargeReservationRequest{Name: "J", Amount: 80}))
	assert.ErrorIs(t, l.ChargeReservation(ctx, admin, ChargeReservationRequest{Name: "J", Amount: 80}), ErrNotFound)
	assert.Equal(t, int64(80), getWallet(t, l, project("p1"), cpu).Used)
}

func TestChargeReservation_StoreFailureKeepsReservationPending(t *testing.T) {
	ctx := context.Background()
	l, store := newTestLedger(t, seeded(project("p1"), cpu, 1000, 0))
	require.NoError(t, l.ReserveCredits(ctx, admin, reserveReq("J", project("p1"), cpu, 100)))

	store.FailNext(errors.New("disk full"))
	require.Error(t, l.ChargeReservation(ctx, admin, ChargeReservationRequest{Name: "J", Amount: 100}))
	assert.Equal(t, int64(0), getWallet(t, l, project("p1"), cpu).Used)

	require.NoError(t, l.ChargeReservation(ctx, admin, ChargeReservationRequest{Name: "J", Amount: 100}))
	assert.Equal(t, int64(100), getWallet(t, l, project("p1"), cpu).Used)
}

func TestAddToBalance(t *testing.T) {
	ctx := context.Background()
	l, store := newTestLedger(t)
	key := WalletKey{Owner: user("alice"), Category: cpu.ID()}

	require.NoError(t, l.AddToBalance(ctx, admin, AddToBalanceRequest{Wallet: key, Credits: 250}))
	require.NoError(t, l.AddToBalance(ctx, admin, AddToBalanceRequest{Wallet: key, Credits: 50}))

	w := getWallet(t, l, user("alice"), cpu)
	assert.Equal(t, int64(300), w.Balance)
	assert.Equal(t, int64(300), w.Allocated)
	assert.Equal(t, cpu, w.Category)
	assert.False(t, w.Locked)
	assert.Len(t, store.Transactions(), 2)

	assert.ErrorIs(t, l.AddToBalance(ctx, admin, AddToBalanceRequest{Wallet: key, Credits: -1}), ErrInvalidArgument)

	unknown := WalletKey{Owner: user("alice"), Category: CategoryID{Provider: "hippo", Name: "tpu"}}
	assert.ErrorIs(t, l.AddToBalance(ctx, admin, AddToBalanceRequest{Wallet: unknown, Credits: 1}), ErrNotFound)
}

func TestAddToBalanceBulk_IsBestEffort(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)

	errs := l.AddToBalanceBulk(ctx, admin, []AddToBalanceRequest{
		{Wallet: WalletKey{Owner: user("a"), Category: cpu.ID()}, Credits: 10},
		{Wallet: WalletKey{Owner: user("b"), Category: cpu.ID()}, Credits: -10},
		{Wallet: WalletKey{Owner: user("c"), Category: cpu.ID()}, Credits: 30},
	})
	require.Len(t, errs, 3)
	assert.NoError(t, errs[0])
	assert.ErrorIs(t, errs[1], ErrInvalidArgument)
	assert.NoError(t, errs[2])

	assert.Equal(t, int64(10), getWallet(t, l, user("a"), cpu).Balance)
	assert.Equal(t, int64(30), getWallet(t, l, user("c"), cpu).Balance)
}

func TestReserveCreditsBulk_IsBestEffort(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t, seeded(project("p1"), cpu, 100, 0))

	errs := l.ReserveCreditsBulk(ctx, admin, []ReserveCreditsRequest{
		reserveReq("a", project("p1"), cpu, 60),
		reserveReq("b", project("p1"), cpu, 60),
		reserveReq("c", project("p1"), cpu, 40),
	})
	assert.NoError(t, errs[0])
	assert.ErrorIs(t, errs[1], ErrLimitExceeded)
	assert.NoError(t, errs[2])
	assert.Equal(t, int64(100), getWallet(t, l, project("p1"), cpu).Reserved)
}

func TestSetBalance_CompareAndSwap(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t, seeded(project("p1"), cpu, 1000, 400))
	key := WalletKey{Owner: project("p1"), Category: cpu.ID()}

	err := l.SetBalance(ctx, admin, SetBalanceRequest{Wallet: key, LastKnownBalance: 999, NewBalance: 0})
	require.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, int64(600), getWallet(t, l, project("p1"), cpu).Balance)

	require.NoError(t, l.SetBalance(ctx, admin, SetBalanceRequest{Wallet: key, LastKnownBalance: 600, NewBalance: 800}))
	w := getWallet(t, l, project("p1"), cpu)
	assert.Equal(t, int64(800), w.Balance)
	assert.Equal(t, int64(1200), w.Allocated)

	err = l.SetBalance(ctx, admin, SetBalanceRequest{Wallet: key, LastKnownBalance: 800, NewBalance: -1000})
	require.ErrorIs(t, err, ErrInvalidArgument)
	assert.Equal(t, int64(800), getWallet(t, l, project("p1"), cpu).Balance)

	require.NoError(t, l.SetBalance(ctx, admin, SetBalanceRequest{Wallet: key, LastKnownBalance: 800, NewBalance: 0}))
	w = getWallet(t, l, project("p1"), cpu)
	assert.Equal(t, w.Used, w.Allocated)
	assert.True(t, w.Locked)

	missing := WalletKey{Owner: project("nope"), Category: cpu.ID()}
	assert.ErrorIs(t, l.SetBalance(ctx, admin, SetBalanceRequest{Wallet: missing}), ErrNotFound)
}

func TestSetBalance_CannotUndercutPendingHolds(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t, seeded(project("p1"), cpu, 1000, 800))
	key := WalletKey{Owner: project("p1"), Category: cpu.ID()}

	require.NoError(t, l.ReserveCredits(ctx, admin, reserveReq("job-1", project("p1"), cpu, 200)))

	err := l.SetBalance(ctx, admin, SetBalanceRequest{Wallet: key, LastKnownBalance: 200, NewBalance: 0})
	require.ErrorIs(t, err, ErrLimitExceeded)
	w := getWallet(t, l, project("p1"), cpu)
	assert.Equal(t, int64(200), w.Balance)
	assert.Equal(t, int64(1000), w.Allocated)

	require.NoError(t, l.SetBalance(ctx, admin, SetBalanceRequest{Wallet: key, LastKnownBalance: 200, NewBalance: 200}))
	require.NoError(t, l.ChargeReservation(ctx, admin, ChargeReservationRequest{Name: "job-1", Amount: 200}))

	w = getWallet(t, l, project("p1"), cpu)
	assert.GreaterOrEqual(t, w.Balance, int64(0))
	assert.Equal(t, w.Allocated-w.Used, w.Balance)
	assert.Zero(t, w.Reserved)
}

func TestTransferToPersonal(t *testing.T) {
	ctx := context.Background()
	src := WalletKey{Owner: project("p1"), Category: cpu.ID()}
	dst := WalletKey{Owner: user("bob"), Category: cpu.ID()}

	t.Run("moves credits", func(t *testing.T) {
		l, _ := newTestLedger(t, seeded(project("p1"), cpu, 1000, 100))
		require.NoError(t, l.TransferToPersonal(ctx, admin, TransferToPersonalRequest{
			InitiatedBy: "pi", Amount: 300, Source: src, Destination: dst,
		}))

		s := getWallet(t, l, project("p1"), cpu)
		d := getWallet(t, l, user("bob"), cpu)
		assert.Equal(t, int64(600), s.Balance)
		assert.Equal(t, int64(700), s.Allocated)
		assert.Equal(t, int64(300), d.Balance)
		assert.Equal(t, int64(300), d.Allocated)
		assert.Equal(t, s.LastSignificantUpdateAt, d.LastSignificantUpdateAt)
	})

	t.Run("store failure changes neither side", func(t *testing.T) {
		l, store := newTestLedger(t, seeded(project("p1"), cpu, 1000, 0), seeded(user("bob"), cpu, 50, 0))
		store.FailNext(errors.New("connection reset"))

		require.Error(t, l.TransferToPersonal(ctx, admin, TransferToPersonalRequest{Amount: 300, Source: src, Destination: dst}))
		assert.Equal(t, int64(1000), getWallet(t, l, project("p1"), cpu).Balance)
		assert.Equal(t, int64(50), getWallet(t, l, user("bob"), cpu).Balance)
	})

	t.Run("exceeding available allocation", func(t *testing.T) {
		l, _ := newTestLedger(t, seeded(project("p1"), cpu, 1000, 900))
		err := l.TransferToPersonal(ctx, admin, TransferToPersonalRequest{Amount: 200, Source: src, Destination: dst})
		assert.ErrorIs(t, err, ErrLimitExceeded)
	})

	t.Run("destination must be personal", func(t *testing.T) {
		l, _ := newTestLedger(t, seeded(project("p1"), cpu, 1000, 0))
		bad := WalletKey{Owner: project("p2"), Category: cpu.ID()}
		err := l.TransferToPersonal(ctx, admin, TransferToPersonalRequest{Amount: 1, Source: src, Destination: bad})
		assert.ErrorIs(t, err, ErrInvalidArgument)
	})

	t.Run("categories must match", func(t *testing.T) {
		l, _ := newTestLedger(t, seeded(project("p1"), cpu, 1000, 0))
		bad := WalletKey{Owner: user("bob"), Category: gpu.ID()}
		err := l.TransferToPersonal(ctx, admin, TransferToPersonalRequest{Amount: 1, Source: src, Destination: bad})
		assert.ErrorIs(t, err, ErrInvalidArgument)
	})
}

func TestTransferToPersonal_ConcurrentOppositeDirectionsDoNotDeadlock(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var seed []Wallet
	for i := 0; i < 8; i++ {
		seed = append(seed, seeded(project(fmt.Sprintf("p%d", i)), cpu, 1_000_000, 0))
	}
	l, _ := newTestLedger(t, seed...)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				err := l.TransferToPersonal(ctx, admin, TransferToPersonalRequest{
					Amount:      1,
					Source:      WalletKey{Owner: project(fmt.Sprintf("p%d", i)), Category: cpu.ID()},
					Destination: WalletKey{Owner: user(fmt.Sprintf("u%d", (i+j)%8)), Category: cpu.ID()},
				})
				assert.NoError(t, err)
			}
		}(i)
	}
	wg.Wait()
	require.NoError(t, ctx.Err())
}

func TestRetrieveBalance(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t,
		seeded(project("p1"), cpu, 10, 0),
		seeded(project("p1"), storage, 10, 0),
		seeded(project("p1-a"), gpu, 20, 0),
		seeded(project("p1-b"), cpu, 30, 0),
		seeded(user("carol"), cpu, 5, 0),
	)

	t.Run("id without type", func(t *testing.T) {
		_, err := l.RetrieveBalance(ctx, admin, RetrieveBalanceRequest{ID: "p1"})
		assert.ErrorIs(t, err, ErrInvalidArgument)
	})

	t.Run("type without id", func(t *testing.T) {
		_, err := l.RetrieveBalance(ctx, admin, RetrieveBalanceRequest{Type: "PROJECT"})
		assert.ErrorIs(t, err, ErrInvalidArgument)
	})

	t.Run("defaults to the actor", func(t *testing.T) {
		ws, err := l.RetrieveBalance(ctx, Actor{Username: "carol", Role: "USER"}, RetrieveBalanceRequest{})
		require.NoError(t, err)
		require.Len(t, ws, 1)
		assert.Equal(t, user("carol"), ws[0].Owner)
	})

	t.Run("hidden categories are filtered", func(t *testing.T) {
		ws, err := l.RetrieveBalance(ctx, admin, RetrieveBalanceRequest{ID: "p1", Type: "PROJECT"})
		require.NoError(t, err)
		require.Len(t, ws, 1)
		assert.Equal(t, cpu, ws[0].Category)
	})

	t.Run("children are aggregated", func(t *testing.T) {
		ws, err := l.RetrieveBalance(ctx, admin, RetrieveBalanceRequest{
			ID: "p1", Type: "PROJECT", IncludeChildren: true, ShowHidden: true,
		})
		require.NoError(t, err)
		assert.Len(t, ws, 4)
	})
}

func TestRetrieveWalletsFromProjects(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t, seeded(project("a"), cpu, 1, 0), seeded(project("b"), gpu, 1, 0), seeded(project("c"), cpu, 1, 0))

	ws, err := l.RetrieveWalletsFromProjects(ctx, admin, []string{"a", "b", "a"})
	require.NoError(t, err)
	assert.Len(t, ws, 2)

	_, err = l.RetrieveWalletsFromProjects(ctx, admin, []string{""})
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestFindRelevantProviders(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t, seeded(project("p1"), cpu, 10, 0), seeded(project("p1"), gpu, 10, 0))

	providers, err := l.FindRelevantProviders(ctx, admin, "p1", true)
	require.NoError(t, err)
	assert.Equal(t, []string{"hippo"}, providers)

	require.NoError(t, l.AddToBalance(ctx, admin, AddToBalanceRequest{
		Wallet: WalletKey{Owner: project("p1"), Category: storage.ID()}, Credits: 5,
	}))
	providers, err = l.FindRelevantProviders(ctx, admin, "p1", true)
	require.NoError(t, err)
	assert.Equal(t, []string{"hippo", "k8s"}, providers)

	l.Relevance().Invalidate(project("p1"))
	ok, err := l.IsRelevant(ctx, admin, "p1", true, "k8s")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.IsRelevant(ctx, admin, "p1", false, "hippo")
	require.NoError(t, err)
	assert.False(t, ok, "personal workspace p1 holds nothing")
}

func TestForEachUpdatedWallet_Cursor(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)

	for _, o := range []Owner{project("a"), project("b"), user("u")} {
		require.NoError(t, l.AddToBalance(ctx, admin, AddToBalanceRequest{
			Wallet: WalletKey{Owner: o, Category: cpu.ID()}, Credits: 10,
		}))
	}
	require.NoError(t, l.AddToBalance(ctx, admin, AddToBalanceRequest{
		Wallet: WalletKey{Owner: project("a"), Category: storage.ID()}, Credits: 10,
	}))

	var cursor int64
	var seen []Owner
	require.NoError(t, l.ForEachUpdatedWallet(ctx, admin, "hippo", cursor, func(w Wallet) {
		seen = append(seen, w.Owner)
		if w.LastSignificantUpdateAt > cursor {
			cursor = w.LastSignificantUpdateAt
		}
	}))
	assert.Len(t, seen, 3)

	count := 0
	require.NoError(t, l.ForEachUpdatedWallet(ctx, admin, "hippo", cursor, func(Wallet) { count++ }))
	assert.Zero(t, count)

	require.NoError(t, l.AddToBalance(ctx, admin, AddToBalanceRequest{
		Wallet: WalletKey{Owner: project("b"), Category: cpu.ID()}, Credits: 1,
	}))
	var again []Wallet
	require.NoError(t, l.ForEachUpdatedWallet(ctx, admin, "hippo", cursor, func(w Wallet) { again = append(again, w) }))
	require.Len(t, again, 1)
	assert.Equal(t, project("b"), again[0].Owner)
	assert.Greater(t, again[0].LastSignificantUpdateAt, cursor)

	assert.ErrorIs(t, l.ForEachUpdatedWallet(ctx, admin, "", 0, func(Wallet) {}), ErrInvalidArgument)
}

func TestMutations_TimestampsStrictlyIncrease(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)
	key := WalletKey{Owner: project("p"), Category: cpu.ID()}

	var last int64
	for i := 0; i < 20; i++ {
		require.NoError(t, l.AddToBalance(ctx, admin, AddToBalanceRequest{Wallet: key, Credits: 1}))
		w := getWallet(t, l, project("p"), cpu)
		assert.Greater(t, w.LastSignificantUpdateAt, last)
		last = w.LastSignificantUpdateAt
	}
}

func TestSweepExpired_ReleasesHold(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t, seeded(project("p1"), cpu, 100, 0))

	req := reserveReq("short", project("p1"), cpu, 80)
	req.ExpiresAt = time.Now().Add(time.Minute)
	require.NoError(t, l.ReserveCredits(ctx, admin, req))
	require.ErrorIs(t, l.ReserveCredits(ctx, admin, reserveReq("other", project("p1"), cpu, 50)), ErrLimitExceeded)

	n, err := l.SweepExpired(ctx, time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = l.SweepExpired(ctx, time.Now().Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, int64(0), getWallet(t, l, project("p1"), cpu).Reserved)
	assert.ErrorIs(t, l.ChargeReservation(ctx, admin, ChargeReservationRequest{Name: "short", Amount: 1}), ErrNotFound)
	require.NoError(t, l.ReserveCredits(ctx, admin, reserveReq("other", project("p1"), cpu, 50)))
}

func TestOpen_RestoresCommittedState(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	store.Seed(seeded(project("p1"), cpu, 1000, 0))
	cfg := config.LedgerConfig{Shards: 2, QueueSize: 4}

	l, err := Open(ctx, cfg, store, fakeCatalog{}, fakeTree{}, nil)
	require.NoError(t, err)
	require.NoError(t, l.ReserveCredits(ctx, admin, reserveReq("J", project("p1"), cpu, 100)))
	before := getWallet(t, l, project("p1"), cpu)
	l.Close()

	assert.ErrorIs(t, l.ReserveCredits(ctx, admin, reserveReq("K", project("p1"), cpu, 1)), ErrClosed)

	reopened, err := Open(ctx, config.LedgerConfig{Shards: 3, QueueSize: 4}, store, fakeCatalog{}, fakeTree{}, nil)
	require.NoError(t, err)
	defer reopened.Close()

	assert.Equal(t, before, getWallet(t, reopened, project("p1"), cpu))
	require.NoError(t, reopened.ChargeReservation(ctx, admin, ChargeReservationRequest{Name: "J", Amount: 100}))

	after := getWallet(t, reopened, project("p1"), cpu)
	assert.Greater(t, after.LastSignificantUpdateAt, before.LastSignificantUpdateAt)
}

func TestFillUpPersonalProviderProject_Idempotent(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)

	n, err := l.FillUpPersonalProviderProject(ctx, "pp-hippo", "hippo", 500)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = l.FillUpPersonalProviderProject(ctx, "pp-hippo", "hippo", 500)
	require.NoError(t, err)
	assert.Zero(t, n)

	w := getWallet(t, l, project("pp-hippo"), gpu)
	assert.Equal(t, int64(500), w.Balance)
	assert.Equal(t, int64(500), w.Allocated)
}

func TestUsedNeverExceedsAllocated(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))
	owners := []Owner{project("p1"), project("p2"), user("u1")}
	var seed []Wallet
	for _, o := range owners {
		seed = append(seed, seeded(o, cpu, 500, 0))
	}
	l, _ := newTestLedger(t, seed...)

	var pending []string
	for i := 0; i < 400; i++ {
		o := owners[rng.Intn(len(owners))]
		key := WalletKey{Owner: o, Category: cpu.ID()}
		switch rng.Intn(5) {
		case 0:
			req := reserveReq(fmt.Sprintf("j%d", i), o, cpu, int64(rng.Intn(200)))
			req.ChargeImmediately = rng.Intn(2) == 0
			if l.ReserveCredits(ctx, admin, req) == nil && !req.ChargeImmediately {
				pending = append(pending, req.JobID)
			}
		case 1:
			if len(pending) > 0 {
				name := pending[0]
				pending = pending[1:]
				_ = l.ChargeReservation(ctx, admin, ChargeReservationRequest{Name: name, Amount: int64(rng.Intn(250))})
			}
		case 2:
			_ = l.AddToBalance(ctx, admin, AddToBalanceRequest{Wallet: key, Credits: int64(rng.Intn(50))})
		case 3:
			w := getWallet(t, l, o, cpu)
			_ = l.SetBalance(ctx, admin, SetBalanceRequest{Wallet: key, LastKnownBalance: w.Balance, NewBalance: int64(rng.Intn(600) - 100)})
		case 4:
			if o.IsProject() {
				_ = l.TransferToPersonal(ctx, admin, TransferToPersonalRequest{
					Amount: int64(rng.Intn(100)), Source: key,
					Destination: WalletKey{Owner: user("u1"), Category: cpu.ID()},
				})
			}
		}
	}

	ws, err := l.RetrieveWalletsFromProjects(ctx, admin, []string{"p1", "p2"})
	require.NoError(t, err)
	ws = append(ws, getWallet(t, l, user("u1"), cpu))
	sort.Slice(ws, func(i, j int) bool { return walletLess(&ws[i], &ws[j]) })
	for _, w := range ws {
		assert.LessOrEqual(t, w.Used, w.Allocated, "wallet %s", w.Owner)
		assert.LessOrEqual(t, w.Used+w.Reserved, w.Allocated, "wallet %s", w.Owner)
	}
}

func TestRelevanceIndex(t *testing.T) {
	ri := NewRelevanceIndex()

	_, ok := ri.Lookup(project("p"))
	assert.False(t, ok)

	ri.Add(project("p"), "hippo")
	_, ok = ri.Lookup(project("p"))
	assert.False(t, ok, "add must not create a partial entry")

	ri.Set(project("p"), []string{"k8s"})
	ri.Add(project("p"), "hippo")
	providers, ok := ri.Lookup(project("p"))
	require.True(t, ok)
	assert.Equal(t, []string{"hippo", "k8s"}, providers)
	assert.Equal(t, 1, ri.Len())

	ri.Invalidate(project("p"))
	assert.Zero(t, ri.Len())
}

func TestClock_StrictlyIncreasing(t *testing.T) {
	var c clock
	future := time.Now().Add(time.Hour).UnixMilli()
	c.observe(future)
	assert.Equal(t, future+1, c.next())
	assert.Equal(t, future+2, c.next())
	c.observe(future - 10)
	assert.Equal(t, future+3, c.next())
}
