// Package rights implements the Rights bitset a session carries (spec
// section 3's data model) and the two permission sets a broker config
// derives it from: the rights a session starts with, and the rights a
// correct AuthorizePassword upgrades it to.
package rights

// Rights is the one-byte bitset sent on the wire as UpdateRights (spec
// section 4.1).
type Rights uint8

const (
	CreateTcp Rights = 1 << iota
	SelectTcpPort
	CreateHttp
	SelectHttpHost
)

func (r Rights) Has(bit Rights) bool { return r&bit != 0 }

func (r Rights) With(bit Rights) Rights    { return r | bit }
func (r Rights) Without(bit Rights) Rights { return r &^ bit }

// String renders the bitset the way os.FileMode renders its own flags: one
// letter per bit, in declaration order, "-" where the bit is unset.
func (r Rights) String() string {
	out := [4]byte{'-', '-', '-', '-'}
	if r.Has(CreateTcp) {
		out[0] = 'c'
	}
	if r.Has(SelectTcpPort) {
		out[1] = 'p'
	}
	if r.Has(CreateHttp) {
		out[2] = 'C'
	}
	if r.Has(SelectHttpHost) {
		out[3] = 'H'
	}
	return string(out[:])
}

// Entry mirrors one protocol's permission knobs under a config section
// (spec.md's `permissions.<state>.tcp.{can_create,can_select_port}`).
type Entry struct {
	CanCreate     bool
	CanSelectPort bool
}

// Set is the full permission table for one session state (just_connected
// or universal_password_permit), spanning both protocols fluxus binds.
// spec.md's recognized config options only name the tcp.* keys explicitly;
// Http mirrors the same shape as a natural extension. The Http bits come
// only from the Http entry: CreateTcp being granted does not grant
// CreateHttp.
type Set struct {
	Tcp  Entry
	Http Entry
}

// Rights converts a permission Set into the bitset a session actually
// carries.
func (s Set) Rights() Rights {
	var r Rights
	if s.Tcp.CanCreate {
		r |= CreateTcp
	}
	if s.Tcp.CanSelectPort {
		r |= SelectTcpPort
	}
	if s.Http.CanCreate {
		r |= CreateHttp
	}
	if s.Http.CanSelectPort {
		r |= SelectHttpHost
	}
	return r
}
