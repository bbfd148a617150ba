package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/example/tableside/pkg/config"
	"github.com/example/tableside/pkg/models"
	"github.com/example/tableside/pkg/orders"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Catalog serves the menu and the staff directory from SQL. Orders only read
// it; Seed exists for fixtures and local setups.
type Catalog struct {
	db *gorm.DB
}

var (
	_ orders.MenuCatalog    = (*Catalog)(nil)
	_ orders.StaffDirectory = (*Catalog)(nil)
)

func NewMySQLCatalog(cfg *config.MySQLConfig) (*Catalog, error) {
	db, err := gorm.Open(mysql.Open(cfg.DSN()), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MySQL: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)

	return NewCatalog(db), nil
}

func NewCatalog(db *gorm.DB) *Catalog {
	return &Catalog{db: db}
}

func (c *Catalog) Migrate() error {
	if err := c.db.AutoMigrate(&models.MenuItem{}, &models.StaffMember{}); err != nil {
		return fmt.Errorf("failed to migrate: %w", err)
	}
	return nil
}

func (c *Catalog) GetMenuItem(ctx context.Context, id string) (*models.MenuItem, error) {
	var item models.MenuItem
	err := c.db.WithContext(ctx).First(&item, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, orders.ErrMenuItemNotFound
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (c *Catalog) ListMenu(ctx context.Context) ([]models.MenuItem, error) {
	var items []models.MenuItem
	if err := c.db.WithContext(ctx).Order("name").Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (c *Catalog) ListUsersByRole(ctx context.Context, role string) ([]models.StaffMember, error) {
	staff := []models.StaffMember{}
	q := c.db.WithContext(ctx).Order("name")
	if role != "" {
		q = q.Where("role = ?", role)
	}
	if err := q.Find(&staff).Error; err != nil {
		return nil, err
	}
	return staff, nil
}

// Seed upserts menu items and staff members by primary key.
func (c *Catalog) Seed(ctx context.Context, items []models.MenuItem, staff []models.StaffMember) error {
	return c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(items) > 0 {
			if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&items).Error; err != nil {
				return fmt.Errorf("seed menu: %w", err)
			}
		}
		if len(staff) > 0 {
			if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&staff).Error; err != nil {
				return fmt.Errorf("seed staff: %w", err)
			}
		}
		return nil
	})
}

func (c *Catalog) Close() error {
	sqlDB, err := c.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
