package types

import (
	"math/big"

	"github.com/mapprotocol/ori/crypto"
	"github.com/mapprotocol/ori/rlp"
)

// ProofKindEd25519 identifies a proposer proof carrying an ed25519-derived
// Ristretto VRF public key. It is currently the only supported kind.
const ProofKindEd25519 = 0

// BlockSignature pairs a signed message hash with its signature bytes.
// Proofs[0] designates the key that must have produced Signatures[0],
// the proposer's signature over the header hash.
type BlockSignature struct {
	MsgHash Hash
	Sig     []byte
}

// Proof identifies a key used to produce one of the block's signatures.
type Proof struct {
	Pubkey []byte
	Kind   uint8
}

// Block is a proposed extension of the chain: a header plus the
// transactions and signatures that justify it.
type Block struct {
	Header       *Header
	Signatures   []BlockSignature
	Transactions []*Transaction
	Proofs       []Proof
}

// Hash returns the block's identity, the hash of its header.
func (b *Block) Hash() Hash { return b.Header.Hash() }

// rlpTx gives the RLP encoding of a Transaction a stable, flat shape
// independent of the pointer indirection used in-memory.
type rlpTx struct {
	Sender   Address
	Nonce    uint64
	GasPrice *big.Int
	Gas      uint64
	Call     []byte
	Data     []byte
	R        *big.Int
	S        *big.Int
	Pubkey   []byte
}

func toRLPTx(tx *Transaction) rlpTx {
	return rlpTx{
		Sender:   tx.Sender,
		Nonce:    tx.Nonce,
		GasPrice: tx.GasPrice,
		Gas:      tx.Gas,
		Call:     tx.Call,
		Data:     tx.Data,
		R:        tx.Sign.R,
		S:        tx.Sign.S,
		Pubkey:   tx.Sign.Pubkey,
	}
}

// ComputeTxRoot returns Blake2b-256(serialize(transactions)), the value
// Header.TxRoot must equal.
func ComputeTxRoot(txs []*Transaction) (Hash, error) {
	list := make([]rlpTx, len(txs))
	for i, tx := range txs {
		list[i] = toRLPTx(tx)
	}
	enc, err := rlp.EncodeToBytes(list)
	if err != nil {
		return Hash{}, err
	}
	return BytesToHash(crypto.Blake2b256(enc)), nil
}

// ComputeSignRoot returns Blake2b-256(serialize(signatures)), the value
// Header.SignRoot must equal.
func ComputeSignRoot(sigs []BlockSignature) (Hash, error) {
	enc, err := rlp.EncodeToBytes(sigs)
	if err != nil {
		return Hash{}, err
	}
	return BytesToHash(crypto.Blake2b256(enc)), nil
}
