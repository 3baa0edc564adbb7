package vaultcore

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/sync/errgroup"
)

// KeyRecord is a single one-time signing slot in a vault. The seed is
// exclusively owned by the vault and cannot be read outside this package;
// once Used flips true the seed must never authorize another signature,
// but the record itself is retained as an audit trail.
type KeyRecord struct {
	Index         int
	PublicKey     [HashSize]byte
	PublicKeyHash [HashSize]byte
	Used          bool

	seed [HashSize]byte
}

// SpendAuthorization is everything a caller needs to assemble a
// script-path spend for a one-time key: the revealed public key and the
// inclusion proof tying its hash to the committed vault root.
type SpendAuthorization struct {
	Index     int
	PublicKey [HashSize]byte
	Proof     *MerkleProof
	Root      [HashSize]byte
}

// VaultStats summarizes pool consumption.
type VaultStats struct {
	Total     int
	Used      int
	Remaining int

	// EstimatedProofBytes approximates the size of one inclusion proof:
	// ceil(log2(Total)) sibling hashes.
	EstimatedProofBytes int
}

// VaultExport is the interchange record consumed by backup/restore
// tooling. Seed material is always sealed; this package refuses to emit
// it in plaintext.
type VaultExport struct {
	PoolSize       int    `json:"pool_size"`
	ChainLength    int    `json:"chain_length"`
	Root           string `json:"root"`
	UsedIndices    []int  `json:"used_indices"`
	EncryptedSeeds []byte `json:"encrypted_seeds"`
}

// Vault is a fixed-size pool of one-time signature keys whose public-key
// hashes are committed in a single Merkle root. Each public key is
// derived from an independent random seed by iterating a one-way function
// chainLength-1 times, so revealing a public key discloses nothing about
// its seed or any other record.
type Vault struct {
	// mu serializes the check-then-mark step of PrepareSpend. Concurrent
	// callers racing on one index must never both observe "unused".
	mu sync.Mutex

	records     []*KeyRecord
	tree        *CommitmentTree
	chainLength int
}

// NewVault generates poolSize independent key records and commits their
// public-key hashes. Derivation of distinct records is a pure function of
// each seed, so records are derived in parallel.
func NewVault(poolSize, chainLength int) (*Vault, error) {
	if poolSize < 1 {
		return nil, fmt.Errorf("pool size %d: %w", poolSize, ErrInvalidInput)
	}
	// A chain of length one would publish the seed itself as the public
	// key, so the minimum usable chain is two links.
	if chainLength < 2 {
		return nil, fmt.Errorf("chain length %d: %w",
			chainLength, ErrInvalidInput)
	}

	records := make([]*KeyRecord, poolSize)

	var g errgroup.Group
	for i := 0; i < poolSize; i++ {
		i := i
		g.Go(func() error {
			var seed [HashSize]byte
			if _, err := rand.Read(seed[:]); err != nil {
				return fmt.Errorf("seed generation: %w", err)
			}
			records[i] = deriveRecord(i, seed, chainLength)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	tree, err := commitRecords(records)
	if err != nil {
		return nil, err
	}

	log.Debugf("Initialized vault: %d keys, chain length %d, root %x",
		poolSize, chainLength, tree.Root())

	return &Vault{
		records:     records,
		tree:        tree,
		chainLength: chainLength,
	}, nil
}

// deriveRecord computes one key record from its seed: the public key is
// the one-way chain applied chainLength-1 times, and the committed value
// is the hash of the public key.
func deriveRecord(index int, seed [HashSize]byte, chainLength int) *KeyRecord {
	pub := chainPublicKey(seed, chainLength)

	return &KeyRecord{
		Index:         index,
		PublicKey:     pub,
		PublicKeyHash: blake3.Sum256(pub[:]),
		seed:          seed,
	}
}

// commitRecords builds the commitment tree over the records' public-key
// hashes, in index order.
func commitRecords(records []*KeyRecord) (*CommitmentTree, error) {
	leaves := make([][]byte, len(records))
	for i, rec := range records {
		leaves[i] = rec.PublicKeyHash[:]
	}
	return BuildCommitmentTree(leaves)
}

// Root returns the committed vault root.
func (v *Vault) Root() [HashSize]byte {
	return v.tree.Root()
}

// PrepareSpend marks the record at index as used and returns the material
// needed to authorize a spend with it. The check of the used flag and the
// marking are a single serialized step: a second call for the same index
// fails with ErrKeyAlreadyUsed no matter how the calls interleave.
func (v *Vault) PrepareSpend(index int) (*SpendAuthorization, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if index < 0 || index >= len(v.records) {
		return nil, fmt.Errorf("key index %d out of range [0, %d): %w",
			index, len(v.records), ErrInvalidInput)
	}

	rec := v.records[index]
	if rec.Used {
		return nil, fmt.Errorf("key index %d: %w", index, ErrKeyAlreadyUsed)
	}
	rec.Used = true

	proof, err := v.tree.Proof(index)
	if err != nil {
		return nil, err
	}

	log.Debugf("Prepared spend for key %d", index)

	return &SpendAuthorization{
		Index:     index,
		PublicKey: rec.PublicKey,
		Proof:     proof,
		Root:      v.tree.Root(),
	}, nil
}

// AuthorizeSpend is PrepareSpend fused with the signature contract: in
// the same serialized step that marks the record used, it produces the
// record's single signature over message. This is the only way secret
// material ever authorizes anything, so the at-most-once marking and the
// at-most-one signature are the same event.
func (v *Vault) AuthorizeSpend(index int, message []byte) (*SpendAuthorization, []byte, error) {
	auth, err := v.PrepareSpend(index)
	if err != nil {
		return nil, nil, err
	}

	sig := chainSign(v.records[index].seed, v.chainLength, message)
	return auth, sig, nil
}

// Stats reports pool consumption and the approximate proof size.
func (v *Vault) Stats() VaultStats {
	v.mu.Lock()
	defer v.mu.Unlock()

	used := 0
	for _, rec := range v.records {
		if rec.Used {
			used++
		}
	}

	total := len(v.records)
	return VaultStats{
		Total:               total,
		Used:                used,
		Remaining:           total - used,
		EstimatedProofBytes: treeHeight(total) * HashSize,
	}
}

// Export serializes the vault for backup. The seeds are sealed with
// XChaCha20-Poly1305 under the supplied 32-byte key, with the vault root
// bound as associated data; a missing or short key fails rather than
// falling back to a plaintext export.
func (v *Vault) Export(encryptionKey []byte) (*VaultExport, error) {
	if len(encryptionKey) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("refusing plaintext export: need a %d-byte "+
			"sealing key, got %d bytes: %w",
			chacha20poly1305.KeySize, len(encryptionKey), ErrInvalidInput)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	plaintext := make([]byte, 0, len(v.records)*HashSize)
	var usedIndices []int
	for _, rec := range v.records {
		plaintext = append(plaintext, rec.seed[:]...)
		if rec.Used {
			usedIndices = append(usedIndices, rec.Index)
		}
	}

	aead, err := chacha20poly1305.NewX(encryptionKey)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("nonce generation: %w", err)
	}

	root := v.tree.Root()
	sealed := aead.Seal(nonce, nonce, plaintext, root[:])

	return &VaultExport{
		PoolSize:       len(v.records),
		ChainLength:    v.chainLength,
		Root:           hex.EncodeToString(root[:]),
		UsedIndices:    usedIndices,
		EncryptedSeeds: sealed,
	}, nil
}

// ExportPublic serializes the vault without any secret material: the
// committed root and the used-index set only. Audit and monitoring
// tooling can consume it freely, but it cannot restore a vault.
func (v *Vault) ExportPublic() *VaultExport {
	v.mu.Lock()
	defer v.mu.Unlock()

	var usedIndices []int
	for _, rec := range v.records {
		if rec.Used {
			usedIndices = append(usedIndices, rec.Index)
		}
	}

	root := v.tree.Root()
	return &VaultExport{
		PoolSize:    len(v.records),
		ChainLength: v.chainLength,
		Root:        hex.EncodeToString(root[:]),
		UsedIndices: usedIndices,
	}
}

// ImportVault reverses Export: it unseals the seeds, re-derives every
// record, rebuilds the commitment tree and restores the used set. A
// rebuilt root that disagrees with the stored one means the record was
// corrupted or tampered with and fails with ErrMalformedProof.
func ImportVault(rec *VaultExport, encryptionKey []byte) (*Vault, error) {
	if rec == nil || rec.PoolSize < 1 || rec.ChainLength < 2 {
		return nil, fmt.Errorf("export record: %w", ErrInvalidInput)
	}
	if len(encryptionKey) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("need a %d-byte sealing key: %w",
			chacha20poly1305.KeySize, ErrInvalidInput)
	}

	aead, err := chacha20poly1305.NewX(encryptionKey)
	if err != nil {
		return nil, err
	}
	if len(rec.EncryptedSeeds) < chacha20poly1305.NonceSizeX {
		return nil, fmt.Errorf("sealed seeds too short: %w", ErrInvalidInput)
	}

	wantRoot, err := hex.DecodeString(rec.Root)
	if err != nil || len(wantRoot) != HashSize {
		return nil, fmt.Errorf("stored root: %w", ErrInvalidInput)
	}

	nonce := rec.EncryptedSeeds[:chacha20poly1305.NonceSizeX]
	box := rec.EncryptedSeeds[chacha20poly1305.NonceSizeX:]
	plaintext, err := aead.Open(nil, nonce, box, wantRoot)
	if err != nil {
		return nil, fmt.Errorf("unseal seeds: %w", err)
	}
	if len(plaintext) != rec.PoolSize*HashSize {
		return nil, fmt.Errorf("sealed seeds hold %d bytes, want %d: %w",
			len(plaintext), rec.PoolSize*HashSize, ErrInvalidInput)
	}

	records := make([]*KeyRecord, rec.PoolSize)

	var g errgroup.Group
	for i := 0; i < rec.PoolSize; i++ {
		i := i
		g.Go(func() error {
			var seed [HashSize]byte
			copy(seed[:], plaintext[i*HashSize:(i+1)*HashSize])
			records[i] = deriveRecord(i, seed, rec.ChainLength)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	tree, err := commitRecords(records)
	if err != nil {
		return nil, err
	}

	root := tree.Root()
	if !bytes.Equal(root[:], wantRoot) {
		return nil, fmt.Errorf("rebuilt root %x does not match stored "+
			"root %x: %w", root, wantRoot, ErrMalformedProof)
	}

	for _, idx := range rec.UsedIndices {
		if idx < 0 || idx >= rec.PoolSize {
			return nil, fmt.Errorf("used index %d out of range: %w",
				idx, ErrInvalidInput)
		}
		records[idx].Used = true
	}

	log.Debugf("Imported vault: %d keys, %d used, root %x",
		rec.PoolSize, len(rec.UsedIndices), root)

	return &Vault{
		records:     records,
		tree:        tree,
		chainLength: rec.ChainLength,
	}, nil
}
