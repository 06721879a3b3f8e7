package vmsim

// RWFlag encodes the kind of a memory access or the permission of a
// mapping. Read-write carries both bits.
type RWFlag uint8

const (
	RWRead RWFlag = 1 << iota
	RWWrite
)

func Set(b, flag RWFlag) RWFlag    { return b | flag }
func Clear(b, flag RWFlag) RWFlag  { return b &^ flag }
func Toggle(b, flag RWFlag) RWFlag { return b ^ flag }
func Has(b, flag RWFlag) bool      { return b&flag != 0 }

func (b RWFlag) String() string {
	switch {
	case Has(b, RWWrite) && Has(b, RWRead):
		return "rw"
	case Has(b, RWWrite):
		return "w"
	case Has(b, RWRead):
		return "r"
	}
	return "-"
}
