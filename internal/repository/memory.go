package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"fieldsync/internal/models"
)

// MemoryQueueStore keeps the queue snapshot in memory. Used in tests and as
// a last-resort fallback when nothing durable is available.
type MemoryQueueStore struct {
	mu   sync.RWMutex
	data []byte
}

func NewMemoryQueueStore() *MemoryQueueStore {
	return &MemoryQueueStore{}
}

func (s *MemoryQueueStore) Load(ctx context.Context) (*models.Queue, error) {
	s.mu.RLock()
	data := s.data
	s.mu.RUnlock()

	if data == nil {
		return models.NewQueue(), nil
	}

	var queue models.Queue
	if err := json.Unmarshal(data, &queue); err != nil {
		return nil, fmt.Errorf("failed to decode queue snapshot: %w", err)
	}
	return &queue, nil
}

func (s *MemoryQueueStore) Save(ctx context.Context, queue *models.Queue) error {
	data, err := json.Marshal(queue)
	if err != nil {
		return fmt.Errorf("failed to encode queue snapshot: %w", err)
	}

	s.mu.Lock()
	s.data = data
	s.mu.Unlock()
	return nil
}
