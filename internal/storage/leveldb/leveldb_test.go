package leveldb

import (
	"testing"

	"github.com/matteso1/asyncstore/internal/storage"
	"github.com/matteso1/asyncstore/internal/storage/storagetest"
)

func TestConformance(t *testing.T) {
	storagetest.RunSuite(t, func(dir string) (storage.Engine, error) {
		return Open(dir, nil)
	})
}
