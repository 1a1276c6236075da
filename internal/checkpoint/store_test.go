package checkpoint

import (
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"txaccel/internal/fees"
)

func TestSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "fees.json")
	s := New(path)

	quotes, err := s.Load()
	require.NoError(t, err)
	assert.Empty(t, quotes)

	captured := time.Unix(1700000000, 0).UTC()
	in := []fees.Quote{
		{ChainID: 6342, MaxFeePerGas: big.NewInt(1200), MaxPriorityFeePerGas: big.NewInt(100), GasLimit: 100000, Strategy: "dynamic", CapturedAt: captured},
		{ChainID: 56, GasPrice: big.NewInt(3000000000), GasLimit: 21000, Strategy: "legacy", CapturedAt: captured},
	}
	require.NoError(t, s.Save(in, captured))

	out, err := s.Load()
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, uint64(56), out[0].ChainID)
	assert.Nil(t, out[0].MaxFeePerGas)
	assert.Equal(t, "3000000000", out[0].GasPrice.String())
	assert.Equal(t, "1200", out[1].MaxFeePerGas.String())
	assert.True(t, out[1].CapturedAt.Equal(captured))

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestLoadRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fees.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"quotes":[{"chain_id":1,"gas_price":"x"}]}`), 0o644))
	_, err := New(path).Load()
	require.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte(`not json`), 0o644))
	_, err = New(path).Load()
	require.Error(t, err)
}
