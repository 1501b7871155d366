package repositories

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/theblitlabs/taskfleet/internal/core/models"
)

var (
	ErrProductNotFound   = errors.New("product not found")
	ErrInsufficientStock = errors.New("insufficient stock")
)

// ProductRepository exposes the catalog pool only through reserve and release.
type ProductRepository struct {
	db *gorm.DB
}

func NewProductRepository(db *gorm.DB) *ProductRepository {
	return &ProductRepository{db: db}
}

func (r *ProductRepository) Create(ctx context.Context, product *models.Product) error {
	return r.db.WithContext(ctx).Create(product).Error
}

func (r *ProductRepository) Get(ctx context.Context, id uint) (*models.Product, error) {
	var product models.Product
	result := r.db.WithContext(ctx).First(&product, id)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, ErrProductNotFound
	}
	if result.Error != nil {
		return nil, result.Error
	}
	return &product, nil
}

// Reserve decrements stock only if enough remains and records who took it.
// Callers run it inside the promotion transaction so both writes share its fate.
func (r *ProductRepository) Reserve(ctx context.Context, use *models.ProductUse) error {
	if use.Quantity <= 0 {
		return fmt.Errorf("reserve product %d: quantity must be positive", use.ProductID)
	}

	result := r.db.WithContext(ctx).Model(&models.Product{}).
		Where("id = ? AND stock >= ?", use.ProductID, use.Quantity).
		Update("stock", gorm.Expr("stock - ?", use.Quantity))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		if _, err := r.Get(ctx, use.ProductID); err != nil {
			return err
		}
		return ErrInsufficientStock
	}

	return r.db.WithContext(ctx).Create(use).Error
}

// Release returns the stock held by an attempt that never reached its device.
func (r *ProductRepository) Release(ctx context.Context, taskDetailID uint) (int64, error) {
	var uses []models.ProductUse
	if err := r.db.WithContext(ctx).Where("task_detail_id = ?", taskDetailID).Find(&uses).Error; err != nil {
		return 0, err
	}

	var released int64
	for _, use := range uses {
		if err := r.db.WithContext(ctx).Model(&models.Product{}).
			Where("id = ?", use.ProductID).
			Update("stock", gorm.Expr("stock + ?", use.Quantity)).Error; err != nil {
			return released, err
		}
		if err := r.db.WithContext(ctx).Delete(&models.ProductUse{}, use.ID).Error; err != nil {
			return released, err
		}
		released += use.Quantity
	}
	return released, nil
}

func (r *ProductRepository) UsesByTask(ctx context.Context, taskID uint) ([]models.ProductUse, error) {
	var uses []models.ProductUse
	err := r.db.WithContext(ctx).Where("task_id = ?", taskID).Order("id ASC").Find(&uses).Error
	return uses, err
}
