// Package filter implements the usbredir device filter: an ordered rule
// list matched against a device's class/vendor/product/version, used to
// decide whether a device may be redirected.
package filter

import (
	"fmt"
	"strconv"
	"strings"
)

// Rule is one filter entry. A value of -1 matches anything.
type Rule struct {
	DeviceClass      int // 0-255, -1 to match any class
	VendorID         int // 0-65535, -1 to match any id
	ProductID        int // 0-65535, -1 to match any id
	DeviceVersionBCD int // 0-65535, -1 to match any version
	Allow            bool
}

// Check flags.
const (
	DefaultAllow = 0x01
	// DontSkipNonBootHID forces checking of HID interfaces with
	// subclass 0 and protocol 0 on multi-interface devices.
	DontSkipNonBootHID = 0x02
)

// Result of a Check.
type Result int

const (
	Allowed Result = iota
	// Denied means a matching rule blocked the device, or the rules
	// failed Verify.
	Denied
	// NoMatch means a pass matched no rule and default-allow was off.
	NoMatch
)

// StringToRules parses a filter string into rules. Each rule consists of
// five tokens, class,vendor,product,version,allow, joined by any of the
// characters in tokenSep. Rules are joined by any of the characters in
// ruleSep. Tokens are decimal or 0x-prefixed hex, or -1 for a wildcard.
// Runs of rule separators, including leading and trailing ones, are
// ignored.
func StringToRules(s, tokenSep, ruleSep string) ([]Rule, error) {
	if tokenSep == "" || ruleSep == "" {
		return nil, fmt.Errorf("filter: empty separator")
	}

	isRuleSep := func(r rune) bool { return strings.ContainsRune(ruleSep, r) }
	isTokenSep := func(r rune) bool { return strings.ContainsRune(tokenSep, r) }

	var rules []Rule
	for _, rs := range strings.FieldsFunc(s, isRuleSep) {
		tokens := strings.FieldsFunc(rs, isTokenSep)
		if len(tokens) != 5 {
			return nil, fmt.Errorf("filter: rule %q has %d tokens, want 5", rs, len(tokens))
		}
		var vals [5]int
		for i, tok := range tokens {
			v, err := strconv.ParseInt(tok, 0, 32)
			if err != nil {
				return nil, fmt.Errorf("filter: bad token %q in rule %q", tok, rs)
			}
			vals[i] = int(v)
		}
		rule := Rule{
			DeviceClass:      vals[0],
			VendorID:         vals[1],
			ProductID:        vals[2],
			DeviceVersionBCD: vals[3],
			Allow:            vals[4] != 0,
		}
		if err := Verify([]Rule{rule}); err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// RulesToString formats rules so that StringToRules can parse them back.
// The first character of each separator string is used.
func RulesToString(rules []Rule, tokenSep, ruleSep string) (string, error) {
	if err := Verify(rules); err != nil {
		return "", err
	}
	if tokenSep == "" || ruleSep == "" {
		return "", fmt.Errorf("filter: empty separator")
	}

	var b strings.Builder
	for i, r := range rules {
		if i > 0 {
			b.WriteByte(ruleSep[0])
		}
		writeField(&b, r.DeviceClass, 2, tokenSep[0])
		writeField(&b, r.VendorID, 4, tokenSep[0])
		writeField(&b, r.ProductID, 4, tokenSep[0])
		writeField(&b, r.DeviceVersionBCD, 4, tokenSep[0])
		if r.Allow {
			b.WriteByte('1')
		} else {
			b.WriteByte('0')
		}
	}
	return b.String(), nil
}

func writeField(b *strings.Builder, v, width int, sep byte) {
	if v != -1 {
		fmt.Fprintf(b, "0x%0*x", width, v)
	} else {
		b.WriteString("-1")
	}
	b.WriteByte(sep)
}

// Verify sanity checks rule values against their allowed ranges.
func Verify(rules []Rule) error {
	for i, r := range rules {
		if r.DeviceClass < -1 || r.DeviceClass > 255 {
			return fmt.Errorf("filter: rule %d: class %d out of range", i, r.DeviceClass)
		}
		if r.VendorID < -1 || r.VendorID > 65535 {
			return fmt.Errorf("filter: rule %d: vendor %d out of range", i, r.VendorID)
		}
		if r.ProductID < -1 || r.ProductID > 65535 {
			return fmt.Errorf("filter: rule %d: product %d out of range", i, r.ProductID)
		}
		if r.DeviceVersionBCD < -1 || r.DeviceVersionBCD > 65535 {
			return fmt.Errorf("filter: rule %d: version %d out of range", i, r.DeviceVersionBCD)
		}
	}
	return nil
}

func check1(rules []Rule, class uint8, vendor, product, version uint16, defaultAllow bool) Result {
	for _, r := range rules {
		if (r.DeviceClass == -1 || r.DeviceClass == int(class)) &&
			(r.VendorID == -1 || r.VendorID == int(vendor)) &&
			(r.ProductID == -1 || r.ProductID == int(product)) &&
			(r.DeviceVersionBCD == -1 || r.DeviceVersionBCD == int(version)) {
			if r.Allow {
				return Allowed
			}
			return Denied
		}
	}
	if defaultAllow {
		return Allowed
	}
	return NoMatch
}

// DeviceInfo describes the device being checked.
type DeviceInfo struct {
	Class, Subclass, Protocol uint8
	InterfaceClass            []uint8
	InterfaceSubclass         []uint8
	InterfaceProtocol         []uint8
	VendorID                  uint16
	ProductID                 uint16
	VersionBCD                uint16
}

// Check runs the rules against a device. The device class is checked first
// (0x00 "per interface" and 0xef "miscellaneous" are skipped), then each
// interface class. Non-boot HID interfaces (class 3, subclass 0, protocol 0)
// are skipped on multi-interface devices unless DontSkipNonBootHID is set;
// if that skips every interface the check reruns with skipping disabled so
// the device cannot pass vacuously. The first matching rule wins.
func Check(rules []Rule, dev DeviceInfo, flags int) Result {
	if err := Verify(rules); err != nil {
		return Denied
	}

	defaultAllow := flags&DefaultAllow != 0

	if dev.Class != 0x00 && dev.Class != 0xef {
		rc := check1(rules, dev.Class, dev.VendorID, dev.ProductID, dev.VersionBCD, defaultAllow)
		if rc != Allowed {
			return rc
		}
	}

	numSkipped := 0
	for i := range dev.InterfaceClass {
		if flags&DontSkipNonBootHID == 0 &&
			len(dev.InterfaceClass) > 1 && dev.InterfaceClass[i] == 0x03 &&
			dev.InterfaceSubclass[i] == 0x00 && dev.InterfaceProtocol[i] == 0x00 {
			numSkipped++
			continue
		}
		rc := check1(rules, dev.InterfaceClass[i], dev.VendorID, dev.ProductID, dev.VersionBCD, defaultAllow)
		if rc != Allowed {
			return rc
		}
	}

	if len(dev.InterfaceClass) > 0 && numSkipped == len(dev.InterfaceClass) {
		return Check(rules, dev, flags|DontSkipNonBootHID)
	}

	return Allowed
}

// Sprint formats rules in a human readable form.
func Sprint(rules []Rule) string {
	var b strings.Builder
	for _, r := range rules {
		class := "ANY"
		if r.DeviceClass != -1 {
			class = fmt.Sprintf(" %02x", r.DeviceClass)
		}
		vendor := " ANY"
		if r.VendorID != -1 {
			vendor = fmt.Sprintf("%04x", r.VendorID)
		}
		product := " ANY"
		if r.ProductID != -1 {
			product = fmt.Sprintf("%04x", r.ProductID)
		}
		version := "  ANY"
		if r.DeviceVersionBCD != -1 {
			v := r.DeviceVersionBCD
			version = fmt.Sprintf("%2d.%02d",
				((v&0xf000)>>12)*10+((v&0x0f00)>>8),
				((v&0x00f0)>>4)*10+(v&0x000f))
		}
		verdict := "Block"
		if r.Allow {
			verdict = "Allow"
		}
		fmt.Fprintf(&b, "Class %s ID %s:%s Version %s %s\n", class, vendor, product, version, verdict)
	}
	return b.String()
}
