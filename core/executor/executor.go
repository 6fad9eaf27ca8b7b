// Package executor implements the deterministic transaction dispatcher:
// a fixed module/function registry applied in order against a state root,
// per the node's "no Turing-complete contracts" design.
package executor

import (
	"bytes"
	"errors"
	"math/big"

	"github.com/mapprotocol/ori/core/state"
	"github.com/mapprotocol/ori/core/types"
	"github.com/mapprotocol/ori/crypto"
	"github.com/mapprotocol/ori/log"
	"github.com/mapprotocol/ori/rlp"
)

// Errors mirror the node's Internal error kinds.
var (
	ErrInvalidSignData  = errors.New("executor: invalid signature")
	ErrBalanceNotEnough = errors.New("executor: balance not enough")
	ErrInvalidTxNonce   = errors.New("executor: invalid tx nonce")
)

// ChainID is a placeholder network identifier used to scope signing
// hashes; a single node deployment uses one fixed value.
const ChainID = 1

// Handler dispatches one transaction's call against state, after the
// sender has already been debited the fee.
type Handler func(st *state.StateDB, tx *types.Transaction) error

// registry maps "module.function" selectors to their handlers. Unknown
// selectors are a no-op-with-warning, not an error.
var registry = map[string]Handler{}

func init() {
	registry["balance.transfer"] = handleBalanceTransfer
	registry["staking.validate"] = handleStakingValidate
	registry["staking.deposit"] = handleStakingDeposit
}

type transferArgs struct {
	Receiver types.Address
	Value    *big.Int
}

func handleBalanceTransfer(st *state.StateDB, tx *types.Transaction) error {
	var args transferArgs
	if err := rlp.DecodeBytes(tx.Data, &args); err != nil {
		return err
	}
	return state.NewBalance(st).Transfer(tx.Sender, args.Receiver, args.Value)
}

type validateArgs struct {
	Pubkey     [types.PubkeySize]byte
	Amount     *big.Int
	ActivateAt uint64
}

func handleStakingValidate(st *state.StateDB, tx *types.Transaction) error {
	var args validateArgs
	if err := rlp.DecodeBytes(tx.Data, &args); err != nil {
		return err
	}
	bal := state.NewBalance(st)
	return state.NewStaking(st, bal).Validate(tx.Sender, args.Pubkey, args.Amount, args.ActivateAt)
}

type depositArgs struct {
	Amount     *big.Int
	ActivateAt uint64
}

func handleStakingDeposit(st *state.StateDB, tx *types.Transaction) error {
	var args depositArgs
	if err := rlp.DecodeBytes(tx.Data, &args); err != nil {
		return err
	}
	bal := state.NewBalance(st)
	return state.NewStaking(st, bal).Deposit(tx.Sender, args.Amount, args.ActivateAt)
}

// VerifySignature authenticates tx against its attached public key. It is
// a package variable so tests can stub out cryptographic verification
// independent of key-format concerns.
var VerifySignature = defaultVerifySignature

// Execute applies every transaction in txs, in order, against st,
// crediting gas fees to miner. It returns the new state root after
// state.Commit(), or an error if any step fails, in which case the
// caller must discard the StateDB entirely; no partial apply is ever
// persisted.
func Execute(st *state.StateDB, txs []*types.Transaction, miner types.Address) (types.Hash, error) {
	bal := state.NewBalance(st)
	for _, tx := range txs {
		if err := applyTx(st, bal, tx, miner); err != nil {
			return types.Hash{}, err
		}
	}
	return st.Commit()
}

// ExecuteFiltered applies txs in order, skipping any transaction that
// fails instead of aborting the whole batch; a skipped transaction's
// partial writes are unwound via a pre-apply snapshot. It returns the new
// root and the subset of txs actually applied. Proposers build candidate
// blocks through this path; import then re-runs the strict Execute over
// exactly the returned subset and arrives at the same root.
func ExecuteFiltered(st *state.StateDB, txs []*types.Transaction, miner types.Address) (types.Hash, []*types.Transaction, error) {
	bal := state.NewBalance(st)
	included := make([]*types.Transaction, 0, len(txs))
	for _, tx := range txs {
		snap := st.Snapshot()
		if err := applyTx(st, bal, tx, miner); err != nil {
			st.RevertTo(snap)
			log.Debug("executor: skipping transaction", "hash", tx.Hash(ChainID).Hex(), "err", err)
			continue
		}
		included = append(included, tx)
	}
	root, err := st.Commit()
	if err != nil {
		return types.Hash{}, nil, err
	}
	return root, included, nil
}

// applyTx runs one transaction's full apply sequence: authenticate, check
// nonce and funds, debit the fee, bump the nonce, dispatch the call, and
// credit the fee to miner.
func applyTx(st *state.StateDB, bal *state.Balance, tx *types.Transaction, miner types.Address) error {
	if err := VerifySignature(tx); err != nil {
		return ErrInvalidSignData
	}

	account, err := bal.Get(tx.Sender)
	if err != nil {
		return err
	}
	if tx.Nonce != account.Nonce+1 {
		return ErrInvalidTxNonce
	}

	fee := tx.Fee()
	total := new(big.Int).Add(fee, valueOf(tx))
	if account.Balance.Cmp(total) < 0 {
		return ErrBalanceNotEnough
	}

	if err := bal.SubBalance(tx.Sender, fee); err != nil {
		return err
	}
	if err := bal.IncNonce(tx.Sender); err != nil {
		return err
	}

	call := string(tx.Call)
	if handler, ok := registry[call]; ok {
		if err := handler(st, tx); err != nil {
			return err
		}
	} else {
		log.Warn("executor: unknown call selector, ignoring", "call", call)
	}

	return bal.AddBalance(miner, fee)
}

// valueOf extracts the transfer value from a balance.transfer call's data
// for the purposes of the upfront sender-balance check; transactions
// calling anything else carry no value component.
func valueOf(tx *types.Transaction) *big.Int {
	if !bytes.Equal(tx.Call, []byte("balance.transfer")) {
		return new(big.Int)
	}
	var args transferArgs
	if err := rlp.DecodeBytes(tx.Data, &args); err != nil {
		return new(big.Int)
	}
	return args.Value
}

func defaultVerifySignature(tx *types.Transaction) error {
	if len(tx.Sign.Pubkey) == 0 || tx.Sign.R == nil || tx.Sign.S == nil {
		return ErrInvalidSignData
	}
	hash := tx.SigningHash(ChainID)
	sig := make([]byte, 64)
	rBytes, sBytes := tx.Sign.R.Bytes(), tx.Sign.S.Bytes()
	copy(sig[32-len(rBytes):32], rBytes)
	copy(sig[64-len(sBytes):64], sBytes)
	if !crypto.VerifySignature(tx.Sign.Pubkey, hash.Bytes(), sig) {
		return ErrInvalidSignData
	}
	return nil
}
