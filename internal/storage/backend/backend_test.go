package backend

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKind(t *testing.T) {
	tests := []struct {
		in      string
		want    Kind
		wantErr bool
	}{
		{"", LSM, false},
		{"lsm", LSM, false},
		{"LevelDB", LevelDB, false},
		{" badger ", Badger, false},
		{"bolt", Bolt, false},
		{"rocksdb", "", true},
	}
	for _, tt := range tests {
		got, err := ParseKind(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
}

func TestOpenEveryKind(t *testing.T) {
	for _, kind := range Kinds {
		t.Run(string(kind), func(t *testing.T) {
			cfg := DefaultConfig(t.TempDir())
			cfg.Kind = kind
			e, err := Open(cfg)
			require.NoError(t, err)

			require.NoError(t, e.Put([]byte("k"), []byte("v")))
			v, err := e.Get([]byte("k"))
			require.NoError(t, err)
			assert.Equal(t, "v", string(v))
			require.NoError(t, e.Close())
		})
	}
}

func TestOpenUnknownKind(t *testing.T) {
	cfg := DefaultConfig(t.TempDir())
	cfg.Kind = "rocksdb"
	e, err := Open(cfg)
	assert.Error(t, err)
	assert.Nil(t, e)
}
