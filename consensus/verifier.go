package consensus

import (
	"errors"

	"github.com/mapprotocol/ori/core/types"
	"github.com/mapprotocol/ori/crypto"
)

// Errors returned by Verifier.VerifyProposer.
var (
	ErrNoProof           = errors.New("consensus: block carries no proposer proof")
	ErrUnsupportedProof  = errors.New("consensus: unsupported proof kind")
	ErrNotProposer       = errors.New("consensus: signer is not the slot's elected proposer")
	ErrVRFMismatch       = errors.New("consensus: vrf output/proof does not verify")
	ErrSlotNotClaimable  = errors.New("consensus: vrf output exceeds the slot threshold")
	ErrNoSignature       = errors.New("consensus: block carries no proposer signature")
	ErrSignatureMismatch = errors.New("consensus: signature does not cover the header hash")
	ErrHeaderSignInvalid = errors.New("consensus: header signature does not verify")
)

// Verifier implements core/chain.ProposerVerifier: it authenticates that a
// block's proposer proof names the slot's elected committee member, that
// the VRF output/proof are valid and clear the slot threshold, and that the
// header was signed by that same key. Tying the signature to the elected
// proposer is load-bearing: without it any validator could sign a block for
// a slot it never won.
type Verifier struct {
	// GenesisHash seeds rng_seed(e) for e > 0. Epoch boundaries do not yet
	// rotate the committee (see Committee), so every epoch's seed is pinned
	// to this hash until rotation lands.
	GenesisHash types.Hash
}

// NewVerifier builds a Verifier pinned to genesisHash.
func NewVerifier(genesisHash types.Hash) *Verifier {
	return &Verifier{GenesisHash: genesisHash}
}

// VerifyProposer checks header/proofs/sigs against committee.
func (v *Verifier) VerifyProposer(header *types.Header, proofs []types.Proof, sigs []types.BlockSignature, committee []types.Validator) error {
	if len(proofs) == 0 {
		return ErrNoProof
	}
	if len(sigs) == 0 {
		return ErrNoSignature
	}
	proof := proofs[0]
	if proof.Kind != types.ProofKindEd25519 {
		return ErrUnsupportedProof
	}

	epoch := Epoch(header.Slot)
	seed := RngSeed(epoch, v.GenesisHash)
	proposerIdx := ProposerIndex(seed, header.Slot, len(committee))
	if proposerIdx < 0 || proposerIdx >= len(committee) {
		return ErrNotProposer
	}

	var pk [types.PubkeySize]byte
	copy(pk[:], proof.Pubkey)
	if committee[proposerIdx].Pubkey != pk {
		return ErrNotProposer
	}

	input := SlotInput(seed, header.Slot)
	if err := crypto.VRFVerify(pk, input[:], header.VRFOutput, header.VRFProof); err != nil {
		return ErrVRFMismatch
	}

	threshold := SlotThreshold(len(committee), EmptySlotsPerThousand)
	if !ClaimsSlot(header.VRFOutput, threshold) {
		return ErrSlotNotClaimable
	}

	sig := sigs[0]
	if sig.MsgHash != header.SigningHash() {
		return ErrSignatureMismatch
	}
	var schnorrSig [64]byte
	copy(schnorrSig[:], sig.Sig)
	if err := crypto.SchnorrVerify(pk, sig.MsgHash.Bytes(), schnorrSig); err != nil {
		return ErrHeaderSignInvalid
	}
	return nil
}
