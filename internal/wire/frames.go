package wire

import "fmt"

// OpHandshake is the only opcode a client may send.
const OpHandshake byte = 0x00

// Record tags inside server frames.
const (
	TagWallet       byte = 0x00
	TagUserInfo     byte = 0x01
	TagProject      byte = 0x02
	TagCategoryInfo byte = 0x03
)

// Wallet record flag bits.
const (
	FlagLocked         int32 = 1 << 0
	FlagOwnerIsProject int32 = 1 << 1
)

type Handshake struct {
	ReplayFrom int64
	Flags      int64
	Token      string
}

func (e *Encoder) Handshake(h Handshake) {
	e.Byte(OpHandshake)
	e.Int64(h.ReplayFrom)
	e.Int64(h.Flags)
	e.String(h.Token)
}

// DecodeHandshake parses the first client frame. Flag validation is left to
// the caller.
func DecodeHandshake(frame []byte) (Handshake, error) {
	d := NewDecoder(frame)
	op, err := d.Byte()
	if err != nil {
		return Handshake{}, err
	}
	if op != OpHandshake {
		return Handshake{}, fmt.Errorf("%w: 0x%02x", ErrBadOpcode, op)
	}
	var h Handshake
	if h.ReplayFrom, err = d.Int64(); err != nil {
		return Handshake{}, err
	}
	if h.Flags, err = d.Int64(); err != nil {
		return Handshake{}, err
	}
	if h.Token, err = d.String(); err != nil {
		return Handshake{}, err
	}
	return h, nil
}

// Record is one decoded entry of a server frame.
type Record interface {
	tag() byte
}

type WalletRecord struct {
	WorkspaceRef     int32
	CategoryRef      int32
	TotalActiveQuota int64
	Locked           bool
	OwnerIsProject   bool
	LastUpdate       int64
}

type UserInfo struct {
	Ref      int32
	Username string
}

type ProjectInfo struct {
	Ref        int32
	ModifiedAt int64
	JSON       string
}

type CategoryInfo struct {
	Ref  int32
	JSON string
}

func (WalletRecord) tag() byte { return TagWallet }
func (UserInfo) tag() byte     { return TagUserInfo }
func (ProjectInfo) tag() byte  { return TagProject }
func (CategoryInfo) tag() byte { return TagCategoryInfo }

func (e *Encoder) Wallet(r WalletRecord) {
	var flags int32
	if r.Locked {
		flags |= FlagLocked
	}
	if r.OwnerIsProject {
		flags |= FlagOwnerIsProject
	}
	e.Byte(TagWallet)
	e.Int32(r.WorkspaceRef)
	e.Int32(r.CategoryRef)
	e.Int64(r.TotalActiveQuota)
	e.Int32(flags)
	e.Int64(r.LastUpdate)
}

func (e *Encoder) UserInfo(r UserInfo) {
	e.Byte(TagUserInfo)
	e.Int32(r.Ref)
	e.String(r.Username)
}

func (e *Encoder) ProjectInfo(r ProjectInfo) {
	e.Byte(TagProject)
	e.Int32(r.Ref)
	e.Int64(r.ModifiedAt)
	e.String(r.JSON)
}

func (e *Encoder) CategoryInfo(r CategoryInfo) {
	e.Byte(TagCategoryInfo)
	e.Int32(r.Ref)
	e.String(r.JSON)
}

// DecodeFrame parses every record of a server frame. It is the receiving
// side of the protocol and is used by provider clients.
func DecodeFrame(frame []byte) ([]Record, error) {
	d := NewDecoder(frame)
	var out []Record
	for d.Remaining() > 0 {
		tag, err := d.Byte()
		if err != nil {
			return nil, err
		}
		switch tag {
		case TagWallet:
			var r WalletRecord
			var flags int32
			if r.WorkspaceRef, err = d.Int32(); err != nil {
				return nil, err
			}
			if r.CategoryRef, err = d.Int32(); err != nil {
				return nil, err
			}
			if r.TotalActiveQuota, err = d.Int64(); err != nil {
				return nil, err
			}
			if flags, err = d.Int32(); err != nil {
				return nil, err
			}
			if r.LastUpdate, err = d.Int64(); err != nil {
				return nil, err
			}
			r.Locked = flags&FlagLocked != 0
			r.OwnerIsProject = flags&FlagOwnerIsProject != 0
			out = append(out, r)
		case TagUserInfo:
			var r UserInfo
			if r.Ref, err = d.Int32(); err != nil {
				return nil, err
			}
			if r.Username, err = d.String(); err != nil {
				return nil, err
			}
			out = append(out, r)
		case TagProject:
			var r ProjectInfo
			if r.Ref, err = d.Int32(); err != nil {
				return nil, err
			}
			if r.ModifiedAt, err = d.Int64(); err != nil {
				return nil, err
			}
			if r.JSON, err = d.String(); err != nil {
				return nil, err
			}
			out = append(out, r)
		case TagCategoryInfo:
			var r CategoryInfo
			if r.Ref, err = d.Int32(); err != nil {
				return nil, err
			}
			if r.JSON, err = d.String(); err != nil {
				return nil, err
			}
			out = append(out, r)
		default:
			return nil, fmt.Errorf("%w: record tag 0x%02x", ErrBadOpcode, tag)
		}
	}
	return out, nil
}
