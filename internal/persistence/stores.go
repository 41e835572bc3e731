package persistence

import (
	taskrepo "github.com/hivecore/hivecore/internal/delegation/repository"
	"github.com/hivecore/hivecore/internal/memory"
)

// providerStores caches the lazily-built store instances so every caller
// shares the same schema-initialized handle.
type providerStores struct {
	taskRepo    taskrepo.TaskRepository
	memoryStore memory.Store
}

// TaskRepo returns the task repository for the configured driver.
func (p *Provider) TaskRepo() (taskrepo.TaskRepository, error) {
	if p.stores.taskRepo != nil {
		return p.stores.taskRepo, nil
	}
	if p.pool == nil {
		p.stores.taskRepo = taskrepo.NewMemoryRepository()
		return p.stores.taskRepo, nil
	}
	repo, err := taskrepo.NewSQLRepository(p.pool)
	if err != nil {
		return nil, err
	}
	p.stores.taskRepo = repo
	return repo, nil
}

// MemoryStore returns the audit/feedback record store for the configured
// driver.
func (p *Provider) MemoryStore() (memory.Store, error) {
	if p.stores.memoryStore != nil {
		return p.stores.memoryStore, nil
	}
	if p.pool == nil {
		p.stores.memoryStore = memory.NewInMemoryStore()
		return p.stores.memoryStore, nil
	}
	store, err := memory.NewSQLStore(p.pool)
	if err != nil {
		return nil, err
	}
	p.stores.memoryStore = store
	return store, nil
}
