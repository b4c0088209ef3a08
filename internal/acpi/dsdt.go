package acpi

import "fmt"

// S5Package holds the two sleep-type values the _S5_ package in the DSDT
// encodes, plus the PM1 programming needed to use them, discovered by
// ShutdownInfo.
type S5Package struct {
	SlpTypA uint16
	SlpTypB uint16
}

// shutdown-related constants from the original kernel's dsdt.cpp.
const (
	slpEnBit = 1 << 13
	sciEnBit = 1
)

// ShutdownInfo walks dsdt byte-for-byte looking for the _S5_ package,
// following the original kernel's exact parse (original_source's
// Kernel/core/dsdt.cpp DSDT constructor): a `_S5_` marker preceded by a
// name-prefix byte (0x08, or 0x08 then '\\' for a rooted name) and
// followed by a package-start byte (0x12), then a package-length byte
// whose top two bits give extra length-byte count to skip, then two
// one-byte SLP_TYP values (each optionally prefixed by the AML
// byte-constant marker 0x0A).
func ShutdownInfo(dsdt []byte) (S5Package, error) {
	idx := -1
	for i := 0; i+4 <= len(dsdt); i++ {
		if string(dsdt[i:i+4]) == "_S5_" {
			idx = i
			break
		}
	}
	if idx < 0 {
		return S5Package{}, fmt.Errorf("acpi: _S5_ not present in DSDT")
	}

	prefixOK := idx >= 1 && dsdt[idx-1] == 0x08
	if !prefixOK && idx >= 2 {
		prefixOK = dsdt[idx-2] == 0x08 && dsdt[idx-1] == '\\'
	}
	if !prefixOK {
		return S5Package{}, fmt.Errorf("acpi: _S5_ marker missing expected name prefix")
	}
	if idx+4 >= len(dsdt) || dsdt[idx+4] != 0x12 {
		return S5Package{}, fmt.Errorf("acpi: _S5_ not followed by a package opcode")
	}

	p := idx + 5
	if p >= len(dsdt) {
		return S5Package{}, fmt.Errorf("acpi: truncated _S5_ package")
	}
	p += int((dsdt[p]&0xC0)>>6) + 2

	readValue := func() (uint16, error) {
		if p >= len(dsdt) {
			return 0, fmt.Errorf("acpi: truncated _S5_ package")
		}
		if dsdt[p] == 0x0A {
			p++
		}
		if p >= len(dsdt) {
			return 0, fmt.Errorf("acpi: truncated _S5_ package")
		}
		v := uint16(dsdt[p]) << 10
		p++
		return v, nil
	}

	a, err := readValue()
	if err != nil {
		return S5Package{}, err
	}
	b, err := readValue()
	if err != nil {
		return S5Package{}, err
	}

	return S5Package{SlpTypA: a, SlpTypB: b}, nil
}
