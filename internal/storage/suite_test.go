package storage_test

import (
	"testing"

	"github.com/matteso1/asyncstore/internal/storage"
	"github.com/matteso1/asyncstore/internal/storage/storagetest"
)

func TestLSM_Conformance(t *testing.T) {
	storagetest.RunSuite(t, func(dir string) (storage.Engine, error) {
		config := storage.DefaultLSMConfig()
		config.MemTableSize = 4 * 1024
		return storage.Open(dir, config)
	})
}
