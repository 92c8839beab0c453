package repository

import (
	"sync"

	"gorm.io/gorm"
)

// Factory manages repository instances and ensures they are singletons
type Factory struct {
	db    *gorm.DB
	repos *Repositories
	once  sync.Once
}

// NewFactory creates a new repository factory
func NewFactory(db *gorm.DB) *Factory {
	return &Factory{
		db: db,
	}
}

// GetRepositories returns a singleton instance of all repositories
func (f *Factory) GetRepositories() *Repositories {
	f.once.Do(func() {
		f.repos = NewRepositories(f.db)
	})
	return f.repos
}

// GetMirrorRepository returns the subscriber mirror repository instance
func (f *Factory) GetMirrorRepository() MirrorRepository {
	return f.GetRepositories().Mirror
}

// GetEndpointRepository returns the webhook endpoint repository instance
func (f *Factory) GetEndpointRepository() EndpointRepository {
	return f.GetRepositories().Endpoint
}

// GetEventRepository returns the webhook event repository instance
func (f *Factory) GetEventRepository() EventRepository {
	return f.GetRepositories().Event
}

// GetAttemptRepository returns the delivery attempt repository instance
func (f *Factory) GetAttemptRepository() AttemptRepository {
	return f.GetRepositories().Attempt
}

// GetNoticeRepository returns the lifecycle notice repository instance
func (f *Factory) GetNoticeRepository() NoticeRepository {
	return f.GetRepositories().Notice
}

// GetProcessorEventRepository returns the processor event repository instance
func (f *Factory) GetProcessorEventRepository() ProcessorEventRepository {
	return f.GetRepositories().ProcessorEvent
}

// Global factory instance
var globalFactory *Factory
var factoryOnce sync.Once

// InitializeFactory initializes the global repository factory
func InitializeFactory(db *gorm.DB) {
	factoryOnce.Do(func() {
		globalFactory = NewFactory(db)
	})
}

// GetGlobalFactory returns the global repository factory instance
func GetGlobalFactory() *Factory {
	if globalFactory == nil {
		panic("Repository factory not initialized. Call InitializeFactory first.")
	}
	return globalFactory
}

// GetGlobalRepositories returns the global repositories instance
func GetGlobalRepositories() *Repositories {
	return GetGlobalFactory().GetRepositories()
}
