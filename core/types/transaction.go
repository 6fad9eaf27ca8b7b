package types

import (
	"math/big"
	"sync/atomic"

	"github.com/mapprotocol/ori/crypto"
	"github.com/mapprotocol/ori/rlp"
)

// Signature is a secp256k1 signature together with the signer's
// uncompressed-free public key, since the executor verifies against an
// attached key rather than recovering it from the signature.
type Signature struct {
	R      *big.Int
	S      *big.Int
	Pubkey []byte // compressed secp256k1 public key
}

// Transaction is a signed call into the fixed module/function registry.
// Call is a "module.function" byte string (e.g. "balance.transfer");
// Data is the call's encoded arguments.
type Transaction struct {
	Sender   Address
	Nonce    uint64
	GasPrice *big.Int
	Gas      uint64
	Call     []byte
	Data     []byte
	Sign     Signature

	hash atomic.Pointer[Hash]
}

// signingPayload is the subset of fields covered by Hash/the signature:
// chain id, nonce, gas price, gas, call and data. Sender and the
// signature itself are excluded.
type signingPayload struct {
	ChainID  uint64
	Nonce    uint64
	GasPrice *big.Int
	Gas      uint64
	Call     []byte
	Data     []byte
}

// SigningHash returns the Blake2b-256 hash of the transaction's signed
// payload for the given chain id. This is what Sign.R/S authenticate.
func (tx *Transaction) SigningHash(chainID uint64) Hash {
	enc, err := rlp.EncodeToBytes(signingPayload{
		ChainID:  chainID,
		Nonce:    tx.Nonce,
		GasPrice: tx.GasPrice,
		Gas:      tx.Gas,
		Call:     tx.Call,
		Data:     tx.Data,
	})
	if err != nil {
		panic(err)
	}
	return BytesToHash(crypto.Blake2b256(enc))
}

// Hash returns the transaction's identity hash, the pool/index key: it
// equals SigningHash(chainID), so the sender address and the signature
// are not covered. It is cached after the first computation; later calls
// return the cached value whatever chainID they pass.
func (tx *Transaction) Hash(chainID uint64) Hash {
	if cached := tx.hash.Load(); cached != nil {
		return *cached
	}
	h := tx.SigningHash(chainID)
	tx.hash.Store(&h)
	return h
}

// Fee is the flat transaction cost charged to the sender and credited to
// the block proposer: gas_price * gas.
func (tx *Transaction) Fee() *big.Int {
	return new(big.Int).Mul(tx.GasPrice, new(big.Int).SetUint64(tx.Gas))
}
