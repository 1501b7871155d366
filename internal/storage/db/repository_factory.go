package db

import (
	"gorm.io/gorm"

	"github.com/theblitlabs/taskfleet/internal/database/repositories"
)

type RepositoryFactory struct {
	db *gorm.DB
}

func NewRepositoryFactory(db *gorm.DB) *RepositoryFactory {
	return &RepositoryFactory{
		db: db,
	}
}

func NewRepositoryFactoryFromManager(manager *DBManager) *RepositoryFactory {
	return &RepositoryFactory{
		db: manager.GetDB(),
	}
}

func (f *RepositoryFactory) DeviceRepository() *repositories.DeviceRepository {
	return repositories.NewDeviceRepository(f.db)
}

func (f *RepositoryFactory) TaskRepository() *repositories.TaskRepository {
	return repositories.NewTaskRepository(f.db)
}

func (f *RepositoryFactory) ProductRepository() *repositories.ProductRepository {
	return repositories.NewProductRepository(f.db)
}

var repositoryFactory *RepositoryFactory

func InitRepositoryFactory(db *gorm.DB) {
	repositoryFactory = NewRepositoryFactory(db)
}

func GetRepositoryFactory() *RepositoryFactory {
	if repositoryFactory == nil {
		dbManager := GetDBManager()
		repositoryFactory = NewRepositoryFactoryFromManager(dbManager)
	}
	return repositoryFactory
}
