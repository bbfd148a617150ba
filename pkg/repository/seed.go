package repository

import (
	"context"
	"fmt"

	"github.com/example/tableside/pkg/models"
)

// DemoCatalog is a small menu and staff list for local setups.
func DemoCatalog() ([]models.MenuItem, []models.StaffMember) {
	items := []models.MenuItem{
		{ID: "menu-ramen", Name: "Tonkotsu Ramen", Price: 13.5, Available: true},
		{ID: "menu-gyoza", Name: "Pork Gyoza", Price: 7, Available: true},
		{ID: "menu-salad", Name: "Seaweed Salad", Price: 5.5, Available: true},
		{ID: "menu-mochi", Name: "Matcha Mochi", Price: 4.5, Available: true},
		{ID: "menu-oysters", Name: "Grilled Oysters", Price: 16, Available: false},
	}
	staff := []models.StaffMember{
		{ID: "chef-1", Name: "Ana Duarte", Email: "ana@tableside.local", Role: models.StaffRoleChef},
		{ID: "chef-2", Name: "Bo Lindqvist", Email: "bo@tableside.local", Role: models.StaffRoleChef},
		{ID: "supplier-1", Name: "Cy Okafor", Email: "cy@tableside.local", Role: string(models.RoleSupplier)},
	}
	return items, staff
}

// SeedCatalog upserts items and staff, then drops their cached menu entries
// so the new prices apply to the next order. cache may be nil.
func SeedCatalog(ctx context.Context, c *Catalog, cache *CachedMenu, items []models.MenuItem, staff []models.StaffMember) error {
	if err := c.Seed(ctx, items, staff); err != nil {
		return err
	}
	if cache == nil || len(items) == 0 {
		return nil
	}
	ids := make([]string, len(items))
	for i, item := range items {
		ids[i] = item.ID
	}
	if err := cache.Invalidate(ctx, ids...); err != nil {
		return fmt.Errorf("invalidate menu cache: %w", err)
	}
	return nil
}
