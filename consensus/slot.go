package consensus

import (
	"encoding/binary"

	"github.com/mapprotocol/ori/core/types"
	"github.com/mapprotocol/ori/crypto"
)

// SlotInput returns input = Blake2b-256(rng_seed(e) || BE64(s)), the VRF
// message a proposer evaluates for slot s under epoch seed seed.
func SlotInput(seed types.Hash, slot uint64) [32]byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], slot)
	var out [32]byte
	copy(out[:], crypto.Blake2b256(seed.Bytes(), buf[:]))
	return out
}
