package pdbx

import (
	"encoding/xml"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// OffsetEndOfMethod marks the position past the last instruction of a method
// body. It is its own translation in both coordinate spaces.
const OffsetEndOfMethod uint32 = 0xFFFFFFFF

// Metadata token table markers (high byte of a 32-bit token).
const (
	TokenTypeDef   uint32 = 0x02000000
	TokenFieldDef  uint32 = 0x04000000
	TokenMethodDef uint32 = 0x06000000
)

// TokenRow extracts the row index of a metadata token.
func TokenRow(token uint32) uint32 {
	return token & 0x00FFFFFF
}

// TokenTable extracts the table marker of a metadata token.
func TokenTable(token uint32) uint32 {
	return token & 0xFF000000
}

// HexUint32 is a 32-bit value written as hexadecimal text, with or without
// a 0x prefix. Both wire encodings carry tokens and offsets this way.
type HexUint32 uint32

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *HexUint32) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if s == "" {
		return fmt.Errorf("empty hexadecimal value")
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return fmt.Errorf("invalid hexadecimal value %q: %w", string(text), err)
	}
	*h = HexUint32(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (h HexUint32) MarshalText() ([]byte, error) {
	return []byte(fmt.Sprintf("0x%08x", uint32(h))), nil
}

// Token pairs the metadata token assigned by the host compiler with the token
// assigned by the device linker for the same class, field, or method.
type Token struct {
	Host   HexUint32 `xml:"CLR" json:"clr"`
	Device HexUint32 `xml:"Mote" json:"mote"`
}

// OffsetPair relates one sampled CIL instruction offset to its device
// instruction offset.
type OffsetPair struct {
	CIL    HexUint32 `xml:"CLR" json:"clr"`
	Device HexUint32 `xml:"Mote" json:"mote"`
}

// ILMap is a method's instruction-offset map, strictly increasing in both
// coordinates. A method without byte code has an empty map.
type ILMap []OffsetPair

// DeviceOffset translates a CIL instruction offset into the device space.
// Before the first sampled pair the two spaces coincide; past a sampled pair
// the distance to that pair carries over unchanged.
func (m ILMap) DeviceOffset(cil uint32) uint32 {
	if cil == OffsetEndOfMethod {
		return OffsetEndOfMethod
	}
	i := sort.Search(len(m), func(i int) bool { return uint32(m[i].CIL) > cil })
	if i == 0 {
		return cil
	}
	p := m[i-1]
	return uint32(p.Device) + (cil - uint32(p.CIL))
}

// CILOffset translates a device instruction offset back into the CIL space.
func (m ILMap) CILOffset(device uint32) uint32 {
	if device == OffsetEndOfMethod {
		return OffsetEndOfMethod
	}
	i := sort.Search(len(m), func(i int) bool { return uint32(m[i].Device) > device })
	if i == 0 {
		return device
	}
	p := m[i-1]
	return uint32(p.CIL) + (device - uint32(p.Device))
}

// validate checks the strict ordering invariant.
func (m ILMap) validate() error {
	for i := 1; i < len(m); i++ {
		if m[i].CIL <= m[i-1].CIL {
			return fmt.Errorf("offset map entry %d: CIL offset 0x%x not increasing", i, uint32(m[i].CIL))
		}
		if m[i].Device <= m[i-1].Device {
			return fmt.Errorf("offset map entry %d: device offset 0x%x not increasing", i, uint32(m[i].Device))
		}
	}
	return nil
}

// Method is one method body's cross-reference entry.
type Method struct {
	Token       Token `xml:"Token" json:"token"`
	HasByteCode bool  `xml:"HasByteCode" json:"hasByteCode"`
	ILMap       ILMap `xml:"ILMap>IL" json:"ilMap,omitempty"`
}

// Field is one field's cross-reference entry. Fields carry tokens only; they
// are parsed for future variable inspection but have no offset maps.
type Field struct {
	Token Token `xml:"Token" json:"token"`
}

// Class groups the cross-reference entries of one type definition.
type Class struct {
	Token   Token    `xml:"Token" json:"token"`
	Fields  []Field  `xml:"Fields>Field" json:"fields,omitempty"`
	Methods []Method `xml:"Methods>Method" json:"methods,omitempty"`
}

// Assembly is the cross-reference record of one compiled assembly.
type Assembly struct {
	Token    Token   `xml:"Token" json:"token"`
	FileName string  `xml:"FileName" json:"fileName"`
	Version  string  `xml:"Version" json:"version"`
	Classes  []Class `xml:"Classes>Class" json:"classes,omitempty"`
}

// BaseName returns the assembly file name with its extension stripped.
func (a *Assembly) BaseName() string {
	name := a.FileName
	if i := strings.LastIndex(name, "."); i > 0 {
		name = name[:i]
	}
	return name
}

// TrimExecutableExt drops a trailing .exe or .dll from an assembly name.
// Unlike BaseName it leaves dotted names without those extensions intact.
func TrimExecutableExt(name string) string {
	lower := strings.ToLower(name)
	for _, ext := range []string{".exe", ".dll"} {
		if strings.HasSuffix(lower, ext) {
			return name[:len(name)-len(ext)]
		}
	}
	return name
}

// AssemblyNameCandidates returns the lookup names tried for a device-supplied
// assembly name, in order: the name as given, with an .exe suffix, with a
// .dll suffix, and with its extension stripped. Devices report names with and
// without extensions inconsistently.
func AssemblyNameCandidates(name string) []string {
	candidates := []string{name, name + ".exe", name + ".dll"}
	if i := strings.LastIndex(name, "."); i > 0 {
		candidates = append(candidates, name[:i])
	}
	return candidates
}

// MethodCount returns the number of method entries across all classes.
func (a *Assembly) MethodCount() int {
	n := 0
	for i := range a.Classes {
		n += len(a.Classes[i].Methods)
	}
	return n
}

// File is a parsed cross-reference document.
type File struct {
	XMLName  xml.Name `xml:"PdbxFile" json:"-"`
	Assembly Assembly `xml:"Assembly" json:"assembly"`
}

// validate checks the document invariants after decoding.
func (f *File) validate() error {
	if f.Assembly.FileName == "" {
		return fmt.Errorf("assembly has no file name")
	}
	for ci := range f.Assembly.Classes {
		c := &f.Assembly.Classes[ci]
		for mi := range c.Methods {
			m := &c.Methods[mi]
			if err := m.ILMap.validate(); err != nil {
				return fmt.Errorf("method 0x%08x: %w", uint32(m.Token.Host), err)
			}
		}
	}
	return nil
}
