package repository

import (
	"context"
	"testing"
	"time"

	"github.com/example/tableside/pkg/models"
	"go.uber.org/zap/zaptest"
)

func TestSeedCatalogRefreshesCache(t *testing.T) {
	c := newTestCatalog(t)
	r, mr := newTestRedis(t)
	cache := NewCachedMenu(c, r, time.Minute, zaptest.NewLogger(t))
	ctx := context.Background()

	items, staff := DemoCatalog()
	if err := SeedCatalog(ctx, c, cache, items, staff); err != nil {
		t.Fatalf("seed: %v", err)
	}
	ramen, err := cache.GetMenuItem(ctx, "menu-ramen")
	if err != nil || ramen.Price != 13.5 {
		t.Fatalf("unexpected ramen %+v (%v)", ramen, err)
	}
	if !mr.Exists(menuKey("menu-ramen")) {
		t.Fatal("expected ramen to be cached")
	}

	// a second seed run with a new price must not leave the old one cached
	ramen.Price = 14
	if err := SeedCatalog(ctx, c, cache, []models.MenuItem{*ramen}, nil); err != nil {
		t.Fatalf("reseed: %v", err)
	}
	if mr.Exists(menuKey("menu-ramen")) {
		t.Fatal("expected cached ramen to be dropped")
	}
	if got, _ := cache.GetMenuItem(ctx, "menu-ramen"); got.Price != 14 {
		t.Fatalf("expected new price, got %+v", got)
	}

	oysters, _ := c.GetMenuItem(ctx, "menu-oysters")
	if oysters.Available {
		t.Fatal("expected oysters to be seeded off the menu")
	}
	chefs, _ := c.ListUsersByRole(ctx, models.StaffRoleChef)
	if len(chefs) != 4 {
		t.Fatalf("expected demo chefs next to fixture chefs, got %d", len(chefs))
	}
}

func TestSeedCatalogWithoutCache(t *testing.T) {
	c := newTestCatalog(t)
	items, staff := DemoCatalog()
	if err := SeedCatalog(context.Background(), c, nil, items, staff); err != nil {
		t.Fatalf("seed: %v", err)
	}
	menu, err := c.ListMenu(context.Background())
	if err != nil || len(menu) != 2+len(items) {
		t.Fatalf("expected %d items, got %d (%v)", 2+len(items), len(menu), err)
	}
}
