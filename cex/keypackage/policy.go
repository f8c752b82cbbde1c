package keypackage

// Policy is a bitfield of subkey handling rules.
type Policy uint64

const (
	// PolicyPostOverwrite consumes a subkey on read: the on-disk blob is
	// zeroed and the state moves to Used.
	PolicyPostOverwrite Policy = 1 << iota
	// PolicyVolatile rejects reads after the authority's option flag,
	// interpreted as an expiry timestamp in unix seconds.
	PolicyVolatile
	// PolicyPackageAuth requires the caller to present the package tag.
	PolicyPackageAuth
	// PolicyDomainAuth requires the caller to present the domain id.
	PolicyDomainAuth
)

// Has reports whether all bits of p2 are set.
func (p Policy) Has(p2 Policy) bool { return p&p2 == p2 }

// SubkeyState is a bitfield over a subkey's lifecycle. Transitions are
// monotone: once Used or Expired is set it is never cleared.
type SubkeyState uint8

const (
	StateLocked SubkeyState = 1 << iota
	StateActive
	StateExpired
	StateUsed
)

// Readable reports whether a subkey in this state may be handed out.
func (s SubkeyState) Readable() bool {
	return s&StateActive != 0 && s&(StateUsed|StateExpired|StateLocked) == 0
}
