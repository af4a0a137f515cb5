package gin

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	gongin "github.com/gin-gonic/gin"

	"github.com/mihaimyh/goreconcile/pkg/reconcile"
	"github.com/mihaimyh/goreconcile/storage/memory"
)

func newTestEngine(t *testing.T) *reconcile.Engine {
	t.Helper()

	store := memory.New()
	engine, err := reconcile.NewEngine(reconcile.Config{
		Storage:  store,
		Resolver: reconcile.NewPlanResolver(nil),
	})
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	t.Cleanup(engine.Close)

	if err := store.SaveAccount(context.Background(), &reconcile.Account{
		ID:                 "acc_paid",
		Email:              "paid@example.com",
		Tier:               reconcile.TierPro,
		SubscriptionStatus: reconcile.StatusActive,
		AccessGranted:      true,
	}); err != nil {
		t.Fatalf("Failed to save account: %v", err)
	}
	if err := store.SaveAccount(context.Background(), &reconcile.Account{
		ID:    "acc_free",
		Email: "free@example.com",
		Tier:  reconcile.TierFree,
	}); err != nil {
		t.Fatalf("Failed to save account: %v", err)
	}
	return engine
}

func newTestRouter(t *testing.T, cfg Config) *gongin.Engine {
	t.Helper()
	gongin.SetMode(gongin.TestMode)
	r := gongin.New()
	r.GET("/premium", Middleware(cfg), func(c *gongin.Context) {
		tier, _ := c.Get(TierContextKey)
		c.JSON(http.StatusOK, gongin.H{"tier": tier})
	})
	return r
}

func TestMiddleware_AllowsActiveSubscription(t *testing.T) {
	r := newTestRouter(t, Config{
		Engine:       newTestEngine(t),
		GetAccountID: FromHeader("X-Account-ID"),
	})

	req := httptest.NewRequest(http.MethodGet, "/premium", nil)
	req.Header.Set("X-Account-ID", "acc_paid")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestMiddleware_DeniesWithoutAccess(t *testing.T) {
	r := newTestRouter(t, Config{
		Engine:       newTestEngine(t),
		GetAccountID: FromHeader("X-Account-ID"),
	})

	req := httptest.NewRequest(http.MethodGet, "/premium", nil)
	req.Header.Set("X-Account-ID", "acc_free")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Errorf("Expected 403, got %d", rec.Code)
	}
}

func TestMiddleware_UnauthorizedWithoutAccountID(t *testing.T) {
	r := newTestRouter(t, Config{
		Engine:       newTestEngine(t),
		GetAccountID: FromHeader("X-Account-ID"),
	})

	req := httptest.NewRequest(http.MethodGet, "/premium", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", rec.Code)
	}
}

func TestMiddleware_RequiredTiers(t *testing.T) {
	r := newTestRouter(t, Config{
		Engine:        newTestEngine(t),
		GetAccountID:  FromHeader("X-Account-ID"),
		RequiredTiers: []reconcile.Tier{reconcile.TierVault},
	})

	// acc_paid is pro, vault is required.
	req := httptest.NewRequest(http.MethodGet, "/premium", nil)
	req.Header.Set("X-Account-ID", "acc_paid")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Errorf("Expected 403, got %d", rec.Code)
	}
}

func TestMiddleware_PanicsOnMissingConfig(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("Expected panic for missing Engine")
		}
	}()
	Middleware(Config{GetAccountID: FromHeader("X-Account-ID")})
}
