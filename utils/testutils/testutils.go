package testutils

import (
	"encoding/hex"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

// Ether returns n whole units of an 18-decimal token.
func Ether(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1e18))
}

// USD returns n whole units of a 6-decimal token.
func USD(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000))
}

// Price returns n with the 8 decimals used by price feeds.
func Price(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1e8))
}

// CreateDeployerKey generates a key and returns it hex encoded along with
// its address.
func CreateDeployerKey(t *testing.T) (string, common.Address) {
	t.Helper()
	privateKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	return "0x" + hex.EncodeToString(crypto.FromECDSA(privateKey)), crypto.PubkeyToAddress(privateKey.PublicKey)
}
