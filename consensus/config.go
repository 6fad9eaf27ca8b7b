// Package consensus implements proposer selection: the slot clock, the
// frozen genesis committee, per-slot VRF evaluation against a threshold
// scaled by committee size, and block finalization (signing) and verification.
package consensus

// EpochLength is the number of slots sharing one committee and RNG seed.
const EpochLength uint64 = 64

// SlotDuration is the wall-clock width of one slot, in seconds.
const SlotDuration uint64 = 6

// EmptySlotsPerThousand is the target fraction of slots (per 1000) that
// go unclaimed across the committee; it parameterizes the VRF threshold
// so that, in expectation, 1-EmptySlotsPerThousand/1000 of slots produce
// a block.
const EmptySlotsPerThousand uint64 = 200

// Config bundles the genesis time a SlotClock anchors against; kept
// separate from the constants above because it varies per deployment
// (dev/single-node chains may pick a genesis_time close to "now").
type Config struct {
	GenesisTime uint64
}

// DefaultConfig anchors the slot clock at the node's hard-coded genesis
// timestamp (see core/chain.GenesisTime).
func DefaultConfig(genesisTime uint64) Config {
	return Config{GenesisTime: genesisTime}
}
