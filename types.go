package vaultcore

import (
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// UTXO represents an unspent transaction output offered to the sweep
// planner or the target selector.
type UTXO struct {
	TxHash       chainhash.Hash `json:"txid"`
	OutputIndex  uint32         `json:"vout"`
	Value        btcutil.Amount `json:"value"`
	ScriptPubKey []byte         `json:"script_pub_key,omitempty"`
}

// OutPoint returns the wire outpoint referencing this output, for handoff
// to the transaction-construction layer.
func (u *UTXO) OutPoint() wire.OutPoint {
	return *wire.NewOutPoint(&u.TxHash, u.OutputIndex)
}

const (
	// HashSize is the size of every digest in this package: Merkle
	// nodes, public-key hashes and one-way chain links.
	HashSize = 32

	// DustLimit is the default dust threshold for P2TR outputs
	// (546 satoshis).
	DustLimit = btcutil.Amount(546)

	// MinFeeRate is the default fee-rate floor (1 sat/vbyte).
	MinFeeRate = 1
)
