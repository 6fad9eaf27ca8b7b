package consensus

import (
	"context"
	"errors"
	"time"

	"github.com/gtank/ristretto255"

	"github.com/mapprotocol/ori/core/chain"
	"github.com/mapprotocol/ori/core/types"
	"github.com/mapprotocol/ori/crypto"
	"github.com/mapprotocol/ori/log"
)

// ErrNotInCommittee is returned when the local key does not sit in the
// frozen genesis committee; the proposer loop aborts the slot silently
// rather than treating this as fatal, since a non-validating node may run
// the proposer loop disabled.
var ErrNotInCommittee = errors.New("consensus: local key is not a committee member")

// errSlotSkipped is an internal sentinel for "abort this slot, nothing
// went wrong", used to distinguish a routine skip from a real error in
// logs without surfacing a confusing "error" line every few slots.
var errSlotSkipped = errors.New("consensus: slot not claimed")

// TxSource supplies pending transactions for block building. txpool.Pool
// satisfies this.
type TxSource interface {
	Pending() []*types.Transaction
}

// Broadcaster announces a freshly imported block to the network.
type Broadcaster interface {
	BroadcastBlock(b *types.Block)
}

// Proposer runs the per-slot proposal procedure: on each slot boundary it
// checks whether the local key has won the slot's VRF lottery and, if so,
// builds, signs, imports, and broadcasts a block.
type Proposer struct {
	clock     *SlotClock
	committee Committee
	verifier  *Verifier

	chain *chain.Chain
	pool  TxSource
	bcast Broadcaster

	scalar  *ristretto255.Scalar
	pubkey  [32]byte
	address types.Address
}

// NewProposer builds a Proposer for the local validator identified by
// scalar/pubkey/address, proposing against chain using committee as the
// (frozen) genesis validator set and verifier's genesis hash as the rng
// seed anchor.
func NewProposer(clock *SlotClock, committee Committee, verifier *Verifier, c *chain.Chain, pool TxSource, bcast Broadcaster, scalar *ristretto255.Scalar, pubkey [32]byte, address types.Address) *Proposer {
	return &Proposer{
		clock:     clock,
		committee: committee,
		verifier:  verifier,
		chain:     c,
		pool:      pool,
		bcast:     bcast,
		scalar:    scalar,
		pubkey:    pubkey,
		address:   address,
	}
}

// Run ticks at each slot boundary until ctx is canceled, attempting to
// propose at every tick.
func (p *Proposer) Run(ctx context.Context) {
	for {
		now := time.Now().UnixMilli()
		delay := p.clock.NextSlotDelay(now)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		slot := p.clock.CurrentSlot(time.Now().UnixMilli())
		b, err := p.ProposeSlot(slot)
		switch {
		case err == nil:
			log.Info("consensus: proposed block", "slot", slot, "height", b.Header.Height, "hash", b.Hash().Hex())
			if p.bcast != nil {
				p.bcast.BroadcastBlock(b)
			}
		case errors.Is(err, errSlotSkipped), errors.Is(err, ErrNotInCommittee):
			// routine: not our slot, or we lost the VRF lottery.
		default:
			log.Warn("consensus: slot proposal failed", "slot", slot, "err", err)
		}
	}
}

// ProposeSlot runs the slot procedure for slot s: VRF-evaluate, check
// committee membership and threshold, build and sign a candidate block
// from head, and submit it to chain. It returns the imported block on
// success.
func (p *Proposer) ProposeSlot(s uint64) (*types.Block, error) {
	if p.committee.IndexOf(p.pubkey) < 0 {
		return nil, ErrNotInCommittee
	}

	epoch := Epoch(s)
	seed := RngSeed(epoch, p.verifier.GenesisHash)
	proposerIdx := ProposerIndex(seed, s, p.committee.Len())
	if proposerIdx < 0 || p.committee.Validators()[proposerIdx].Pubkey != p.pubkey {
		return nil, errSlotSkipped
	}

	input := SlotInput(seed, s)
	value, proof, err := crypto.VRFProve(p.scalar, p.pubkey, input[:])
	if err != nil {
		return nil, err
	}

	threshold := SlotThreshold(p.committee.Len(), EmptySlotsPerThousand)
	if !ClaimsSlot(value, threshold) {
		return nil, errSlotSkipped
	}

	parent := p.chain.CurrentBlock()

	stateRoot, txs, err := p.chain.PreviewStateRoot(parent.Header.StateRoot, p.pool.Pending(), p.address)
	if err != nil {
		return nil, err
	}
	txRoot, err := types.ComputeTxRoot(txs)
	if err != nil {
		return nil, err
	}

	header := &types.Header{
		Height:     parent.Header.Height + 1,
		ParentHash: parent.Hash(),
		Slot:       s,
		VRFOutput:  value,
		VRFProof:   proof,
		TxRoot:     txRoot,
		StateRoot:  stateRoot,
		Time:       uint64(time.Now().Unix()),
	}

	signingHash := header.SigningHash()
	sig := crypto.SchnorrSign(p.scalar, p.pubkey, signingHash.Bytes())
	sigs := []types.BlockSignature{{MsgHash: signingHash, Sig: sig[:]}}
	signRoot, err := types.ComputeSignRoot(sigs)
	if err != nil {
		return nil, err
	}
	header.SignRoot = signRoot

	block := &types.Block{
		Header:       header,
		Signatures:   sigs,
		Transactions: txs,
		Proofs:       []types.Proof{{Pubkey: append([]byte{}, p.pubkey[:]...), Kind: types.ProofKindEd25519}},
	}

	if err := p.chain.ImportBlock(block); err != nil {
		return nil, err
	}
	return block, nil
}
