package consensus

import (
	"math/big"
	"testing"

	"github.com/mapprotocol/ori/core/types"
	"github.com/mapprotocol/ori/crypto"
)

func TestVerifyProposerAcceptsValidBlock(t *testing.T) {
	var genesisSeed [32]byte
	genesisSeed[0] = 0x42
	scalar, pk := crypto.ValidatorKeyFromSeed(genesisSeed)

	v := types.Validator{Pubkey: pk, EffectiveBalance: big.NewInt(1)}
	committee := []types.Validator{v}

	var genesisHash types.Hash
	genesisHash[0] = 0x01
	verifier := NewVerifier(genesisHash)

	threshold := SlotThreshold(1, EmptySlotsPerThousand)

	var slot uint64
	var value [32]byte
	var proof [64]byte
	for slot = 0; slot < 256; slot++ {
		epoch := Epoch(slot)
		seed := RngSeed(epoch, genesisHash)
		if ProposerIndex(seed, slot, 1) != 0 {
			continue
		}
		input := SlotInput(seed, slot)
		val, pr, err := crypto.VRFProve(scalar, pk, input[:])
		if err != nil {
			t.Fatalf("VRFProve: %v", err)
		}
		if ClaimsSlot(val, threshold) {
			value, proof = val, pr
			break
		}
	}
	if slot == 256 {
		t.Fatalf("no claimable slot found in range; check threshold math")
	}

	header := &types.Header{
		Height:     1,
		ParentHash: types.Hash{},
		Slot:       slot,
		VRFOutput:  value,
		VRFProof:   proof,
		TxRoot:     types.Hash{},
		StateRoot:  types.Hash{},
		Time:       1,
	}
	signingHash := header.SigningHash()
	sig := crypto.SchnorrSign(scalar, pk, signingHash.Bytes())
	sigs := []types.BlockSignature{{MsgHash: signingHash, Sig: sig[:]}}
	signRoot, err := types.ComputeSignRoot(sigs)
	if err != nil {
		t.Fatalf("ComputeSignRoot: %v", err)
	}
	header.SignRoot = signRoot

	proofs := []types.Proof{{Pubkey: append([]byte{}, pk[:]...), Kind: types.ProofKindEd25519}}

	if err := verifier.VerifyProposer(header, proofs, sigs, committee); err != nil {
		t.Fatalf("VerifyProposer: unexpected error: %v", err)
	}
}

func TestVerifyProposerRejectsWrongSigner(t *testing.T) {
	var seedA, seedB [32]byte
	seedA[0], seedB[0] = 0x01, 0x02
	scalarA, pkA := crypto.ValidatorKeyFromSeed(seedA)
	_, pkB := crypto.ValidatorKeyFromSeed(seedB)

	committee := []types.Validator{{Pubkey: pkA}}
	var genesisHash types.Hash
	verifier := NewVerifier(genesisHash)

	epoch := Epoch(0)
	seed := RngSeed(epoch, genesisHash)
	input := SlotInput(seed, 0)
	value, proof, err := crypto.VRFProve(scalarA, pkA, input[:])
	if err != nil {
		t.Fatalf("VRFProve: %v", err)
	}

	header := &types.Header{Slot: 0, VRFOutput: value, VRFProof: proof}
	signingHash := header.SigningHash()
	sig := crypto.SchnorrSign(scalarA, pkA, signingHash.Bytes())
	sigs := []types.BlockSignature{{MsgHash: signingHash, Sig: sig[:]}}
	header.SignRoot, _ = types.ComputeSignRoot(sigs)

	// Proof claims to be validator B, but the VRF/signature were produced
	// by A's key: must be rejected regardless of whether A's VRF output
	// would otherwise have claimed the slot.
	proofs := []types.Proof{{Pubkey: append([]byte{}, pkB[:]...), Kind: types.ProofKindEd25519}}
	if err := verifier.VerifyProposer(header, proofs, sigs, committee); err == nil {
		t.Fatalf("expected rejection of mismatched proposer/signer")
	}
}

func TestVerifyProposerRejectsTamperedSignature(t *testing.T) {
	var seed32 [32]byte
	seed32[0] = 0x09
	scalar, pk := crypto.ValidatorKeyFromSeed(seed32)
	committee := []types.Validator{{Pubkey: pk}}
	var genesisHash types.Hash
	verifier := NewVerifier(genesisHash)

	epoch := Epoch(0)
	seed := RngSeed(epoch, genesisHash)
	input := SlotInput(seed, 0)
	value, proof, err := crypto.VRFProve(scalar, pk, input[:])
	if err != nil {
		t.Fatalf("VRFProve: %v", err)
	}

	header := &types.Header{Slot: 0, VRFOutput: value, VRFProof: proof}
	signingHash := header.SigningHash()
	sig := crypto.SchnorrSign(scalar, pk, signingHash.Bytes())
	sig[0] ^= 0xff // corrupt
	sigs := []types.BlockSignature{{MsgHash: signingHash, Sig: sig[:]}}
	header.SignRoot, _ = types.ComputeSignRoot(sigs)

	proofs := []types.Proof{{Pubkey: append([]byte{}, pk[:]...), Kind: types.ProofKindEd25519}}
	if err := verifier.VerifyProposer(header, proofs, sigs, committee); err == nil {
		t.Fatalf("expected rejection of tampered signature")
	}
}
