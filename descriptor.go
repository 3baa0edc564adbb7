package vaultcore

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// numsPointBytes is the "Nothing Up My Sleeve" point from BIP-341. No
// private key for it is discoverable, so a descriptor anchored to it can
// never be spent through the key path: every legitimate spend must reveal
// one of the committed script leaves.
var numsPointBytes = []byte{
	0x50, 0x92, 0x9b, 0x74, 0xc1, 0xa0, 0x49, 0x54,
	0xb7, 0x8b, 0x4b, 0x60, 0x35, 0xe9, 0x7a, 0x5e,
	0x07, 0x8a, 0x5a, 0x0f, 0x28, 0xec, 0x96, 0xd5,
	0x47, 0xbf, 0xee, 0x9a, 0xce, 0x80, 0x3a, 0xc0,
}

// UnspendableInternalKey returns the fixed internal key used by every
// descriptor this package builds.
func UnspendableInternalKey() *btcec.PublicKey {
	// The constant is a valid x-only point; parsing cannot fail.
	key, err := schnorr.ParsePubKey(numsPointBytes)
	if err != nil {
		panic(fmt.Sprintf("invalid NUMS point constant: %v", err))
	}
	return key
}

// vaultLeafVersion marks the reserved vault-commitment leaf kind. Using a
// distinct leaf version keeps its hash domain separated from the standard
// tapscript leaves even if the scripts were ever to collide.
const vaultLeafVersion txscript.TapscriptLeafVersion = 0xc4

// LeafKind tags the script leaf variants.
type LeafKind uint8

const (
	// LeafDualKey is the immediate cooperative spend: a single
	// signature under the aggregate of two keys.
	LeafDualKey LeafKind = iota

	// LeafTimelockRecovery is the delayed unilateral recovery spend.
	LeafTimelockRecovery

	// LeafVaultCommitment embeds a one-time-key vault root. No deployed
	// script language can verify the chain proof yet, so the leaf
	// reserves the commitment slot with a deliberately unspendable
	// script until the needed verification primitive exists.
	LeafVaultCommitment
)

// String returns the kind name used in the descriptor textual form.
func (k LeafKind) String() string {
	switch k {
	case LeafDualKey:
		return "dual"
	case LeafTimelockRecovery:
		return "recover"
	case LeafVaultCommitment:
		return "vault"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// ScriptLeaf is one committed spend condition. Exactly the fields for its
// kind are populated; consumers dispatch by matching on Kind.
type ScriptLeaf struct {
	Kind LeafKind

	// Dual-key spend: the two participant keys and their aggregate.
	KeyA, KeyB   *btcec.PublicKey
	AggregateKey *btcec.PublicKey

	// Timelock recovery spend.
	RecoveryKey *btcec.PublicKey
	DelayBlocks uint16

	// Vault commitment.
	VaultRoot [HashSize]byte

	// Script is the rendered leaf script; Hash is its tagged leaf hash.
	Script []byte
	Hash   [HashSize]byte
}

// PathRequest names the spend condition a caller wants to use.
type PathRequest struct {
	Kind LeafKind

	// DelayElapsed must be asserted by the caller for a timelock
	// recovery path to match; this package has no view of chain height.
	DelayElapsed bool
}

// Descriptor is a finalized script-tree output descriptor: the fixed
// internal key, the committed leaves, and the derived output key.
type Descriptor struct {
	InternalKey *btcec.PublicKey
	Leaves      []*ScriptLeaf

	outputKey *btcec.PublicKey
	treeRoot  [HashSize]byte
	treeForm  string
}

// DescriptorBuilder accumulates script leaves and derives the tweaked
// output key. The zero builder is not usable; construct with
// NewDescriptorBuilder.
type DescriptorBuilder struct {
	leaves []*ScriptLeaf
}

// NewDescriptorBuilder returns an empty builder anchored to the fixed
// unspendable internal key.
func NewDescriptorBuilder() *DescriptorBuilder {
	return &DescriptorBuilder{}
}

// AddDualKeyLeaf adds the immediate cooperative spend condition. Both
// keys are required; the pair is aggregated with sorted MuSig2
// coefficients, so (a, b) and (b, a) produce the same leaf.
func (b *DescriptorBuilder) AddDualKeyLeaf(keyA, keyB *btcec.PublicKey) error {
	if keyA == nil || keyB == nil {
		return fmt.Errorf("dual-key leaf needs both keys: %w", ErrInvalidInput)
	}

	aggKey, err := MuSig2AggregateKeys(keyA, keyB)
	if err != nil {
		return err
	}

	script, err := txscript.NewScriptBuilder().
		AddData(schnorr.SerializePubKey(aggKey)).
		AddOp(txscript.OP_CHECKSIG).
		Script()
	if err != nil {
		return err
	}

	b.leaves = append(b.leaves, &ScriptLeaf{
		Kind:         LeafDualKey,
		KeyA:         keyA,
		KeyB:         keyB,
		AggregateKey: aggKey,
		Script:       script,
		Hash:         tapLeafHash(txscript.BaseLeafVersion, script),
	})
	return nil
}

// AddTimelockLeaf adds the delayed recovery spend condition: a signature
// under key, valid only delayBlocks after the output confirms.
func (b *DescriptorBuilder) AddTimelockLeaf(key *btcec.PublicKey, delayBlocks uint16) error {
	if key == nil {
		return fmt.Errorf("recovery leaf needs a key: %w", ErrInvalidInput)
	}
	if delayBlocks == 0 {
		return fmt.Errorf("recovery delay must be positive: %w", ErrInvalidInput)
	}

	script, err := txscript.NewScriptBuilder().
		AddData(schnorr.SerializePubKey(key)).
		AddOp(txscript.OP_CHECKSIGVERIFY).
		AddInt64(int64(delayBlocks)).
		AddOp(txscript.OP_CHECKSEQUENCEVERIFY).
		Script()
	if err != nil {
		return err
	}

	b.leaves = append(b.leaves, &ScriptLeaf{
		Kind:        LeafTimelockRecovery,
		RecoveryKey: key,
		DelayBlocks: delayBlocks,
		Script:      script,
		Hash:        tapLeafHash(txscript.BaseLeafVersion, script),
	})
	return nil
}

// AddVaultLeaf embeds a previously computed commitment-tree root as a
// script condition. The emitted script is provably unspendable; the leaf
// reserves the slot so the root is committed under the output key today
// and can become spendable if a verification primitive ships later.
func (b *DescriptorBuilder) AddVaultLeaf(root [HashSize]byte) error {
	script, err := txscript.NewScriptBuilder().
		AddOp(txscript.OP_RETURN).
		AddData(root[:]).
		Script()
	if err != nil {
		return err
	}

	b.leaves = append(b.leaves, &ScriptLeaf{
		Kind:      LeafVaultCommitment,
		VaultRoot: root,
		Script:    script,
		Hash:      tapLeafHash(vaultLeafVersion, script),
	})
	return nil
}

// Build folds the accumulated leaves into a script tree, tweaks the
// internal key with the tree root and returns the finalized descriptor.
// Branch children are ordered numerically smaller hash first, so the
// output key does not depend on leaf insertion order.
func (b *DescriptorBuilder) Build() (*Descriptor, error) {
	if len(b.leaves) == 0 {
		return nil, fmt.Errorf("descriptor needs at least one leaf: %w",
			ErrInvalidInput)
	}

	// Sort leaves by hash so the fold below is canonical regardless of
	// the order AddLeaf calls were made in.
	leaves := make([]*ScriptLeaf, len(b.leaves))
	copy(leaves, b.leaves)
	sort.Slice(leaves, func(i, j int) bool {
		return bytes.Compare(leaves[i].Hash[:], leaves[j].Hash[:]) < 0
	})

	hashes := make([][HashSize]byte, len(leaves))
	forms := make([]string, len(leaves))
	for i, leaf := range leaves {
		hashes[i] = leaf.Hash
		forms[i] = renderLeaf(leaf)
	}

	// Fold pairwise into branch hashes, promoting a lone odd node.
	for len(hashes) > 1 {
		nextHashes := make([][HashSize]byte, 0, (len(hashes)+1)/2)
		nextForms := make([]string, 0, (len(hashes)+1)/2)
		for i := 0; i < len(hashes); i += 2 {
			if i+1 < len(hashes) {
				left, right := hashes[i], hashes[i+1]
				lForm, rForm := forms[i], forms[i+1]
				if bytes.Compare(left[:], right[:]) > 0 {
					left, right = right, left
					lForm, rForm = rForm, lForm
				}
				nextHashes = append(nextHashes, tapBranchHash(left, right))
				nextForms = append(nextForms,
					fmt.Sprintf("{%s,%s}", lForm, rForm))
			} else {
				nextHashes = append(nextHashes, hashes[i])
				nextForms = append(nextForms, forms[i])
			}
		}
		hashes = nextHashes
		forms = nextForms
	}
	treeRoot := hashes[0]

	// Q = P + taggedHash("TapTweak", P || root) * G. This is genuine
	// curve scalar multiplication and point addition; the tweak decides
	// whether the committed tree can be proven against the output key.
	internalKey := UnspendableInternalKey()
	outputKey := txscript.ComputeTaprootOutputKey(internalKey, treeRoot[:])

	log.Debugf("Built descriptor: %d leaves, tree root %x, output key %x",
		len(leaves), treeRoot, schnorr.SerializePubKey(outputKey))

	return &Descriptor{
		InternalKey: internalKey,
		Leaves:      leaves,
		outputKey:   outputKey,
		treeRoot:    treeRoot,
		treeForm:    forms[0],
	}, nil
}

// OutputKey returns the tweaked output key.
func (d *Descriptor) OutputKey() *btcec.PublicKey {
	return d.outputKey
}

// TreeRoot returns the script tree root the output key commits to.
func (d *Descriptor) TreeRoot() [HashSize]byte {
	return d.treeRoot
}

// PkScript returns the output script paying to the tweaked key
// (OP_1 <32-byte output key>).
func (d *Descriptor) PkScript() ([]byte, error) {
	return txscript.NewScriptBuilder().
		AddOp(txscript.OP_1).
		AddData(schnorr.SerializePubKey(d.outputKey)).
		Script()
}

// String renders the unchecksummed textual form,
// tree(<internalKey>,<scriptTree>), with leaves and branches bracketed in
// canonical order. Checksum computation belongs to the ledger-node
// collaborator; see WithChecksum.
func (d *Descriptor) String() string {
	return fmt.Sprintf("tree(%x,%s)",
		schnorr.SerializePubKey(d.InternalKey), d.treeForm)
}

// WithChecksum appends an externally computed checksum to the textual
// form. The checksum is treated as opaque.
func (d *Descriptor) WithChecksum(checksum string) string {
	return fmt.Sprintf("%s#%s", d.String(), checksum)
}

// SelectPath returns the committed leaf matching the request. A timelock
// recovery leaf only matches when the caller asserts the delay condition;
// a request for a kind the tree does not hold fails with
// ErrNoMatchingPath.
func (d *Descriptor) SelectPath(req PathRequest) (*ScriptLeaf, error) {
	for _, leaf := range d.Leaves {
		if leaf.Kind != req.Kind {
			continue
		}
		if leaf.Kind == LeafTimelockRecovery && !req.DelayElapsed {
			return nil, fmt.Errorf("recovery path requires the %d-block "+
				"delay to have elapsed: %w", leaf.DelayBlocks,
				ErrNoMatchingPath)
		}
		return leaf, nil
	}

	return nil, fmt.Errorf("tree has no %s leaf: %w", req.Kind,
		ErrNoMatchingPath)
}

// renderLeaf renders one leaf for the descriptor textual form.
func renderLeaf(leaf *ScriptLeaf) string {
	switch leaf.Kind {
	case LeafDualKey:
		return fmt.Sprintf("dual(%x,%x)",
			schnorr.SerializePubKey(leaf.KeyA),
			schnorr.SerializePubKey(leaf.KeyB))
	case LeafTimelockRecovery:
		return fmt.Sprintf("recover(%x,%d)",
			schnorr.SerializePubKey(leaf.RecoveryKey), leaf.DelayBlocks)
	case LeafVaultCommitment:
		return fmt.Sprintf("vault(%s)", hex.EncodeToString(leaf.VaultRoot[:]))
	default:
		return leaf.Kind.String()
	}
}

// tapLeafHash computes the tagged leaf hash,
// TaggedHash("TapLeaf", version || compactSize(script) || script).
func tapLeafHash(version txscript.TapscriptLeafVersion, script []byte) [HashSize]byte {
	var buf bytes.Buffer
	buf.WriteByte(byte(version))
	_ = wire.WriteVarBytes(&buf, 0, script)

	return taggedHash("TapLeaf", buf.Bytes())
}

// tapBranchHash computes TaggedHash("TapBranch", left || right). Callers
// pass children already in canonical order.
func tapBranchHash(left, right [HashSize]byte) [HashSize]byte {
	return taggedHash("TapBranch", left[:], right[:])
}

// MuSig2AggregateKeys aggregates public keys with deterministic BIP-327
// style coefficients to prevent rogue key attacks. Keys are sorted first,
// so aggregation is order-independent.
func MuSig2AggregateKeys(pubKeys ...*btcec.PublicKey) (*btcec.PublicKey, error) {
	if len(pubKeys) == 0 {
		return nil, fmt.Errorf("at least one public key is required: %w",
			ErrInvalidInput)
	}

	sortedKeys := make([]*btcec.PublicKey, len(pubKeys))
	copy(sortedKeys, pubKeys)
	sort.Slice(sortedKeys, func(i, j int) bool {
		return bytes.Compare(
			schnorr.SerializePubKey(sortedKeys[i]),
			schnorr.SerializePubKey(sortedKeys[j]),
		) < 0
	})

	// L = H(P1 || P2 || ... || Pn) for coefficient generation.
	var keyListBuf bytes.Buffer
	for _, pk := range sortedKeys {
		keyListBuf.Write(schnorr.SerializePubKey(pk))
	}
	keyListHash := sha256.Sum256(keyListBuf.Bytes())

	var aggPoint btcec.JacobianPoint
	aggPoint.X.SetInt(0)
	aggPoint.Y.SetInt(0)
	aggPoint.Z.SetInt(0)

	// Q = sum(ai * Pi) with ai = H(L || Pi).
	for _, pk := range sortedKeys {
		var coefBuf bytes.Buffer
		coefBuf.Write(keyListHash[:])
		coefBuf.Write(schnorr.SerializePubKey(pk))
		coefHash := sha256.Sum256(coefBuf.Bytes())

		var coefScalar btcec.ModNScalar
		coefScalar.SetByteSlice(coefHash[:])

		var pkPoint btcec.JacobianPoint
		pk.AsJacobian(&pkPoint)

		var scaledPoint btcec.JacobianPoint
		btcec.ScalarMultNonConst(&coefScalar, &pkPoint, &scaledPoint)

		btcec.AddNonConst(&aggPoint, &scaledPoint, &aggPoint)
	}

	aggPoint.ToAffine()

	return btcec.NewPublicKey(&aggPoint.X, &aggPoint.Y), nil
}
