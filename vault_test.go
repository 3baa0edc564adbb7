package vaultcore

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/chacha20poly1305"
)

// Helper function to create a test sealing key
func createTestSealingKey(seed byte) []byte {
	key := make([]byte, chacha20poly1305.KeySize)
	for i := range key {
		key[i] = seed
	}
	return key
}

// TestVaultInvalidParams verifies initialization parameter validation
func TestVaultInvalidParams(t *testing.T) {
	_, err := NewVault(0, 16)
	require.ErrorIs(t, err, ErrInvalidInput)

	_, err = NewVault(8, 0)
	require.ErrorIs(t, err, ErrInvalidInput)

	// A one-link chain would publish the seed itself.
	_, err = NewVault(8, 1)
	require.ErrorIs(t, err, ErrInvalidInput)
}

// TestVaultPrepareSpendOnce verifies the at-most-once contract: a second
// preparation of the same index fails, distinct indices both succeed
func TestVaultPrepareSpendOnce(t *testing.T) {
	vault, err := NewVault(8, 16)
	require.NoError(t, err)

	auth, err := vault.PrepareSpend(3)
	require.NoError(t, err)
	require.NotNil(t, auth)
	assert.Equal(t, 3, auth.Index)
	assert.Equal(t, vault.Root(), auth.Root)

	_, err = vault.PrepareSpend(3)
	require.ErrorIs(t, err, ErrKeyAlreadyUsed)

	// A different index is unaffected.
	other, err := vault.PrepareSpend(5)
	require.NoError(t, err)
	assert.NotEqual(t, auth.PublicKey, other.PublicKey)
}

// TestVaultPrepareSpendProof verifies that every prepared spend carries a
// proof tying the revealed key to the committed root
func TestVaultPrepareSpendProof(t *testing.T) {
	const poolSize = 10
	vault, err := NewVault(poolSize, 32)
	require.NoError(t, err)

	for i := 0; i < poolSize; i++ {
		auth, err := vault.PrepareSpend(i)
		require.NoError(t, err)

		// The committed leaf is the hash of the public key; the vault
		// derivation makes that one more chain step.
		leaf := chainPublicKey(auth.PublicKey, 2)
		assert.True(t, VerifyMerkleProof(leaf[:], auth.Proof, auth.Root),
			"spend %d proof should verify against the vault root", i)
	}
}

// TestVaultPrepareSpendConcurrent verifies that concurrent callers racing
// on one index observe exactly one success
func TestVaultPrepareSpendConcurrent(t *testing.T) {
	vault, err := NewVault(4, 16)
	require.NoError(t, err)

	const callers = 32
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		reuses    int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := vault.PrepareSpend(1)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			default:
				assert.ErrorIs(t, err, ErrKeyAlreadyUsed)
				reuses++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes, "exactly one caller may win the index")
	assert.Equal(t, callers-1, reuses)

	t.Logf("Race verified: %d callers, %d success, %d reuse failures",
		callers, successes, reuses)
}

// TestVaultStats verifies pool accounting and the proof size estimate
func TestVaultStats(t *testing.T) {
	vault, err := NewVault(100, 16)
	require.NoError(t, err)

	stats := vault.Stats()
	assert.Equal(t, 100, stats.Total)
	assert.Equal(t, 0, stats.Used)
	assert.Equal(t, 100, stats.Remaining)
	// ceil(log2(100)) = 7 siblings of 32 bytes each.
	assert.Equal(t, 7*HashSize, stats.EstimatedProofBytes)

	for i := 0; i < 42; i++ {
		_, err := vault.PrepareSpend(i)
		require.NoError(t, err)
	}

	stats = vault.Stats()
	assert.Equal(t, 42, stats.Used)
	assert.Equal(t, 58, stats.Remaining)
}

// TestVaultExportRefusesPlaintext verifies that private material cannot
// leave the vault unsealed
func TestVaultExportRefusesPlaintext(t *testing.T) {
	vault, err := NewVault(4, 16)
	require.NoError(t, err)

	_, err = vault.Export(nil)
	require.ErrorIs(t, err, ErrInvalidInput)

	_, err = vault.Export([]byte("short"))
	require.ErrorIs(t, err, ErrInvalidInput)
}

// TestVaultExportImportRoundTrip verifies that a reimported vault
// reproduces the identical root and used-index set
func TestVaultExportImportRoundTrip(t *testing.T) {
	vault, err := NewVault(16, 24)
	require.NoError(t, err)

	for _, idx := range []int{2, 7, 11} {
		_, err := vault.PrepareSpend(idx)
		require.NoError(t, err)
	}

	key := createTestSealingKey(0xAA)
	rec, err := vault.Export(key)
	require.NoError(t, err)
	assert.Equal(t, 16, rec.PoolSize)
	assert.Equal(t, []int{2, 7, 11}, rec.UsedIndices)

	restored, err := ImportVault(rec, key)
	require.NoError(t, err)
	assert.Equal(t, vault.Root(), restored.Root())
	assert.Equal(t, vault.Stats(), restored.Stats())

	// The restored vault still honors the consumed indices.
	_, err = restored.PrepareSpend(7)
	require.ErrorIs(t, err, ErrKeyAlreadyUsed)
	_, err = restored.PrepareSpend(8)
	require.NoError(t, err)

	t.Logf("Round trip verified: root %x, used %v", restored.Root(),
		rec.UsedIndices)
}

// TestVaultImportRejectsTampering verifies that a corrupted export record
// cannot be restored
func TestVaultImportRejectsTampering(t *testing.T) {
	vault, err := NewVault(8, 16)
	require.NoError(t, err)

	key := createTestSealingKey(0x11)
	rec, err := vault.Export(key)
	require.NoError(t, err)

	// Wrong sealing key: the AEAD refuses to open.
	_, err = ImportVault(rec, createTestSealingKey(0x22))
	require.Error(t, err)

	// Flipped ciphertext bit: the AEAD refuses to open.
	rec.EncryptedSeeds[len(rec.EncryptedSeeds)-1] ^= 0x01
	_, err = ImportVault(rec, key)
	require.Error(t, err)
}

// TestVaultExportPublic verifies that a public export carries no secret
// material and cannot restore a vault
func TestVaultExportPublic(t *testing.T) {
	vault, err := NewVault(8, 16)
	require.NoError(t, err)
	_, err = vault.PrepareSpend(4)
	require.NoError(t, err)

	rec := vault.ExportPublic()
	assert.Empty(t, rec.EncryptedSeeds)
	assert.Equal(t, []int{4}, rec.UsedIndices)

	_, err = ImportVault(rec, createTestSealingKey(0x33))
	require.ErrorIs(t, err, ErrInvalidInput)
}

// TestVaultAuthorizeSpend verifies the fused prepare-and-sign step
func TestVaultAuthorizeSpend(t *testing.T) {
	vault, err := NewVault(8, 16)
	require.NoError(t, err)

	msg := []byte("sweep batch 0")
	auth, sig, err := vault.AuthorizeSpend(2, msg)
	require.NoError(t, err)
	require.Len(t, sig, ChainSignatureSize)

	assert.True(t, VerifyChainSignature(msg, sig, auth.PublicKey))
	assert.False(t, VerifyChainSignature([]byte("other message"), sig,
		auth.PublicKey))

	// The one signature consumed the key.
	_, _, err = vault.AuthorizeSpend(2, msg)
	require.ErrorIs(t, err, ErrKeyAlreadyUsed)
}
