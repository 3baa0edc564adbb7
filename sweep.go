package vaultcore

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcutil"
)

// SpendClass selects the per-input size figure used for fee estimation.
// The figures themselves are configuration (SpendSizes), not constants:
// key-path witnesses are smallest, script-path witnesses with a classical
// signature larger, and script-path witnesses carrying a vault chain
// proof by far the largest.
type SpendClass uint8

const (
	SpendKeyPath SpendClass = iota
	SpendScriptPathSig
	SpendScriptPathVaultProof
)

// SpendSizes maps each spend class to its estimated input size in vbytes.
type SpendSizes map[SpendClass]int64

// DefaultSpendSizes returns a workable starting table: 58 vbytes for a
// key-path input, 108 for a script-path input with one signature plus
// control block, and 1200 for a script-path input revealing a one-time
// public key, a chain signature and an inclusion proof.
func DefaultSpendSizes() SpendSizes {
	return SpendSizes{
		SpendKeyPath:              58,
		SpendScriptPathSig:        108,
		SpendScriptPathVaultProof: 1200,
	}
}

// BatchConfig bounds sweep batches.
type BatchConfig struct {
	// MaxBatchBytes caps the estimated size of one batch.
	MaxBatchBytes int64

	// MaxInputsPerBatch caps the input count of one batch.
	MaxInputsPerBatch int

	// BytesPerInput is the estimated size contribution of one input.
	BytesPerInput int64

	// DustThreshold excludes outputs whose value is at or below it.
	DustThreshold btcutil.Amount
}

// SweepBatch is one planned consolidation: its inputs, the size estimate
// they imply, and their summed value. The transaction-construction layer
// consumes these as-is.
type SweepBatch struct {
	Inputs         []*UTXO        `json:"inputs"`
	EstimatedBytes int64          `json:"estimated_bytes"`
	TotalValue     btcutil.Amount `json:"total_value"`
}

// TargetSelection is the result of OptimizeForTarget: the chosen inputs,
// their summed value, the fee estimate the selection was closed against,
// and the change left over for the construction layer to place.
type TargetSelection struct {
	Inputs       []*UTXO        `json:"inputs"`
	TotalValue   btcutil.Amount `json:"total_value"`
	EstimatedFee btcutil.Amount `json:"estimated_fee"`
	Change       btcutil.Amount `json:"change"`
}

// PlanBatches partitions the spendable UTXOs into size- and count-bounded
// consolidation batches. Dust (value at or below the threshold) is
// dropped up front; the remainder is accumulated greedily in the order
// given, closing the running batch whenever admitting the next input
// would breach either cap.
func PlanBatches(utxos []*UTXO, cfg BatchConfig) ([]*SweepBatch, error) {
	if cfg.MaxInputsPerBatch < 1 || cfg.MaxBatchBytes < 1 ||
		cfg.BytesPerInput < 1 {

		return nil, fmt.Errorf("batch caps must be positive: %w",
			ErrInvalidInput)
	}
	if cfg.BytesPerInput > cfg.MaxBatchBytes {
		return nil, fmt.Errorf("one input of %d bytes exceeds the %d-byte "+
			"batch cap: %w", cfg.BytesPerInput, cfg.MaxBatchBytes,
			ErrInvalidInput)
	}

	var (
		batches []*SweepBatch
		current []*UTXO
	)
	closeBatch := func() {
		if len(current) == 0 {
			return
		}
		batch := &SweepBatch{
			Inputs:         current,
			EstimatedBytes: int64(len(current)) * cfg.BytesPerInput,
		}
		for _, u := range current {
			batch.TotalValue += u.Value
		}
		batches = append(batches, batch)
		current = nil
	}

	for _, u := range utxos {
		if u.Value <= cfg.DustThreshold {
			log.Tracef("Skipping dust input %s:%d (%d sat)",
				u.TxHash, u.OutputIndex, u.Value)
			continue
		}

		next := len(current) + 1
		if next > cfg.MaxInputsPerBatch ||
			int64(next)*cfg.BytesPerInput > cfg.MaxBatchBytes {

			closeBatch()
		}
		current = append(current, u)
	}
	closeBatch()

	log.Debugf("Planned %d sweep batches from %d inputs",
		len(batches), len(utxos))

	return batches, nil
}

// OptimizeForTarget selects the fewest largest inputs covering target
// plus fees. UTXOs are sorted by value descending (outpoint as the
// deterministic tiebreak) and accumulated largest-first; after every
// addition the fee is re-estimated for the new input count, and selection
// stops as soon as the accumulated value covers target plus that fee.
// Exhausting every input without covering it fails with
// ErrInsufficientFunds.
func OptimizeForTarget(utxos []*UTXO, target btcutil.Amount, feeRate int64,
	class SpendClass, sizes SpendSizes) (*TargetSelection, error) {

	if target < 1 {
		return nil, fmt.Errorf("target %d: %w", target, ErrInvalidInput)
	}
	if feeRate < MinFeeRate {
		feeRate = MinFeeRate
	}

	sorted := make([]*UTXO, len(utxos))
	copy(sorted, utxos)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Value != sorted[j].Value {
			return sorted[i].Value > sorted[j].Value
		}
		if cmp := bytes.Compare(sorted[i].TxHash[:],
			sorted[j].TxHash[:]); cmp != 0 {

			return cmp < 0
		}
		return sorted[i].OutputIndex < sorted[j].OutputIndex
	})

	var (
		selected    []*UTXO
		accumulated btcutil.Amount
	)
	for _, u := range sorted {
		selected = append(selected, u)
		accumulated += u.Value

		fee := EstimateFee(len(selected), class, feeRate, sizes)
		if accumulated >= target+fee {
			return &TargetSelection{
				Inputs:       selected,
				TotalValue:   accumulated,
				EstimatedFee: fee,
				Change:       accumulated - target - fee,
			}, nil
		}
	}

	return nil, fmt.Errorf("%d inputs worth %d sat cannot cover target "+
		"%d plus fees: %w", len(sorted), accumulated, target,
		ErrInsufficientFunds)
}

// EstimateFee returns the weight-based fee estimate for spending
// inputCount inputs of the given class: count * perInputSize * feeRate.
// An unknown class falls back to the most conservative (largest) figure
// in the table.
func EstimateFee(inputCount int, class SpendClass, feeRate int64,
	sizes SpendSizes) btcutil.Amount {

	size, ok := sizes[class]
	if !ok {
		for _, s := range sizes {
			if s > size {
				size = s
			}
		}
	}

	return btcutil.Amount(int64(inputCount) * size * feeRate)
}
