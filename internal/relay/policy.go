package relay

import (
	"encoding/hex"
	"math/bits"

	"github.com/keanuklestil/quoin/internal/wire"
)

// Policy is the configurable inbound filtering policy of spec §4.6 step 2-3:
// a blacklist of ids/pubkeys, an optional pubkey whitelist, and a minimum
// proof-of-work difficulty.
type Policy struct {
	BlacklistIDs     map[string]struct{}
	BlacklistPubkeys map[string]struct{}
	WhitelistPubkeys map[string]struct{} // nil/empty means "no whitelist restriction"
	MinPoW           int
}

// NewPolicy returns a Policy with no restrictions.
func NewPolicy() *Policy {
	return &Policy{
		BlacklistIDs:     make(map[string]struct{}),
		BlacklistPubkeys: make(map[string]struct{}),
		WhitelistPubkeys: make(map[string]struct{}),
	}
}

// Allow evaluates a partially-decoded event against the policy, returning
// the reason it was dropped, or "" if it passes.
func (p *Policy) Allow(pe wire.PartialEvent) string {
	if p == nil {
		return ""
	}
	if _, blocked := p.BlacklistIDs[pe.ID]; blocked {
		return "blacklisted id"
	}
	if _, blocked := p.BlacklistPubkeys[pe.PubKey]; blocked {
		return "blacklisted pubkey"
	}
	if len(p.WhitelistPubkeys) > 0 {
		if _, ok := p.WhitelistPubkeys[pe.PubKey]; !ok {
			return "non-whitelisted pubkey"
		}
	}
	if p.MinPoW > 0 && leadingZeroBits(pe.ID) < p.MinPoW {
		return "pow too low"
	}
	return ""
}

// leadingZeroBits counts the leading zero bits of a hex-encoded 32-byte id,
// the NIP-13 proof-of-work measure.
func leadingZeroBits(idHex string) int {
	raw, err := hex.DecodeString(idHex)
	if err != nil {
		return 0
	}
	count := 0
	for _, b := range raw {
		if b == 0 {
			count += 8
			continue
		}
		count += bits.LeadingZeros8(b)
		break
	}
	return count
}
