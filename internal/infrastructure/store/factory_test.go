package store

import (
	"testing"

	"rillcast/internal/infrastructure/store/memory"
	"rillcast/pkg/config"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestNew_FallsBackToMemory(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Redis.Enabled = true
	cfg.Redis.Address = "127.0.0.1:1"

	s := New(cfg, zap.NewNop().Sugar(), nil)
	_, ok := s.(*memory.MemoryStore)
	assert.True(t, ok)
}
