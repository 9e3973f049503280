package filter

import (
	"testing"
)

func TestStringToRules(t *testing.T) {
	rules, err := StringToRules("0x03,-1,-1,-1,0|-1,0x1234,0x5678,-1,1", ",", "|")
	if err != nil {
		t.Fatal(err)
	}
	if len(rules) != 2 {
		t.Fatalf("got %d rules, want 2", len(rules))
	}
	want0 := Rule{DeviceClass: 3, VendorID: -1, ProductID: -1, DeviceVersionBCD: -1, Allow: false}
	if rules[0] != want0 {
		t.Errorf("rule 0 = %+v, want %+v", rules[0], want0)
	}
	want1 := Rule{DeviceClass: -1, VendorID: 0x1234, ProductID: 0x5678, DeviceVersionBCD: -1, Allow: true}
	if rules[1] != want1 {
		t.Errorf("rule 1 = %+v, want %+v", rules[1], want1)
	}
}

func TestStringToRulesDecimal(t *testing.T) {
	rules, err := StringToRules("8,4660,-1,-1,1", ",", "|")
	if err != nil {
		t.Fatal(err)
	}
	if rules[0].DeviceClass != 8 || rules[0].VendorID != 0x1234 {
		t.Errorf("decimal parse: %+v", rules[0])
	}
}

func TestStringToRulesSeparatorRuns(t *testing.T) {
	// Leading, trailing and doubled rule separators are ignored.
	rules, err := StringToRules("||0x03,-1,-1,-1,0||-1,-1,-1,-1,1|", ",", "|")
	if err != nil {
		t.Fatal(err)
	}
	if len(rules) != 2 {
		t.Fatalf("got %d rules, want 2", len(rules))
	}
}

func TestStringToRulesErrors(t *testing.T) {
	for _, s := range []string{
		"0x03,-1,-1,-1",          // 4 tokens
		"0x03,-1,-1,-1,0,9",      // 6 tokens
		"zz,-1,-1,-1,0",          // not a number
		"256,-1,-1,-1,0",         // class out of range
		"-1,65536,-1,-1,0",       // vendor out of range
		"-1,-1,-2,-1,0",          // below wildcard
		"-1,-1,-1,0x10000,1",     // version out of range
	} {
		if _, err := StringToRules(s, ",", "|"); err == nil {
			t.Errorf("%q parsed without error", s)
		}
	}

	if _, err := StringToRules("x", "", "|"); err == nil {
		t.Errorf("empty token separator accepted")
	}
	if _, err := StringToRules("x", ",", ""); err == nil {
		t.Errorf("empty rule separator accepted")
	}
}

// A parsed string formats back to its canonical form.
func TestRulesToStringCanonical(t *testing.T) {
	in := "||0x03,-1,-1,-1,0||-1,0x1234,0x5678,-1,1|"
	canonical := "0x03,-1,-1,-1,0|-1,0x1234,0x5678,-1,1"

	rules, err := StringToRules(in, ",", "|")
	if err != nil {
		t.Fatal(err)
	}
	out, err := RulesToString(rules, ",", "|")
	if err != nil {
		t.Fatal(err)
	}
	if out != canonical {
		t.Errorf("canonical form = %q, want %q", out, canonical)
	}

	// And the canonical form is a fixpoint.
	rules2, err := StringToRules(out, ",", "|")
	if err != nil {
		t.Fatal(err)
	}
	out2, err := RulesToString(rules2, ",", "|")
	if err != nil {
		t.Fatal(err)
	}
	if out2 != out {
		t.Errorf("canonical form is not a fixpoint: %q vs %q", out2, out)
	}
}

func TestRulesToStringRejectsBadRules(t *testing.T) {
	if _, err := RulesToString([]Rule{{DeviceClass: 999, VendorID: -1, ProductID: -1, DeviceVersionBCD: -1}}, ",", "|"); err == nil {
		t.Errorf("out of range rule formatted without error")
	}
}

func TestCheckDeviceClass(t *testing.T) {
	rules, err := StringToRules("0x03,-1,-1,-1,0", ",", "|")
	if err != nil {
		t.Fatal(err)
	}

	hid := DeviceInfo{Class: 0x03, VendorID: 0x1234, ProductID: 0x5678}
	if rc := Check(rules, hid, DefaultAllow); rc != Denied {
		t.Errorf("hid device: %v, want Denied", rc)
	}

	storage := DeviceInfo{Class: 0x08, VendorID: 0x1234, ProductID: 0x5678}
	if rc := Check(rules, storage, DefaultAllow); rc != Allowed {
		t.Errorf("storage with default allow: %v, want Allowed", rc)
	}
	if rc := Check(rules, storage, 0); rc != NoMatch {
		t.Errorf("storage with default deny: %v, want NoMatch", rc)
	}
}

func TestCheckPerInterfaceClass(t *testing.T) {
	rules, err := StringToRules("0x08,-1,-1,-1,0", ",", "|")
	if err != nil {
		t.Fatal(err)
	}

	// Composite device: the device class says per-interface.
	dev := DeviceInfo{
		Class:             0x00,
		InterfaceClass:    []uint8{0x08, 0x03},
		InterfaceSubclass: []uint8{0x06, 0x01},
		InterfaceProtocol: []uint8{0x50, 0x01},
	}
	if rc := Check(rules, dev, DefaultAllow); rc != Denied {
		t.Errorf("composite with storage interface: %v, want Denied", rc)
	}
}

func TestCheckSkipsNonBootHID(t *testing.T) {
	rules, err := StringToRules("0x03,-1,-1,-1,0", ",", "|")
	if err != nil {
		t.Fatal(err)
	}

	// usbaudio-style device with a volume-buttons HID interface.
	dev := DeviceInfo{
		Class:             0x00,
		InterfaceClass:    []uint8{0x01, 0x03},
		InterfaceSubclass: []uint8{0x01, 0x00},
		InterfaceProtocol: []uint8{0x00, 0x00},
	}
	if rc := Check(rules, dev, DefaultAllow); rc != Allowed {
		t.Errorf("audio with non-boot hid: %v, want Allowed (hid skipped)", rc)
	}

	// With skipping disabled the HID interface is matched.
	if rc := Check(rules, dev, DefaultAllow|DontSkipNonBootHID); rc != Denied {
		t.Errorf("audio with skip disabled: %v, want Denied", rc)
	}
}

// A device whose every interface would be skipped is rechecked with
// skipping off, so it cannot pass vacuously.
func TestCheckNoVacuousPass(t *testing.T) {
	rules, err := StringToRules("0x03,-1,-1,-1,0", ",", "|")
	if err != nil {
		t.Fatal(err)
	}

	dev := DeviceInfo{
		Class:             0x00,
		InterfaceClass:    []uint8{0x03, 0x03},
		InterfaceSubclass: []uint8{0x00, 0x00},
		InterfaceProtocol: []uint8{0x00, 0x00},
	}
	if rc := Check(rules, dev, DefaultAllow); rc != Denied {
		t.Errorf("all-skippable hid device: %v, want Denied", rc)
	}
}

func TestCheckFirstMatchWins(t *testing.T) {
	rules, err := StringToRules("-1,0x1234,-1,-1,1|-1,0x1234,-1,-1,0", ",", "|")
	if err != nil {
		t.Fatal(err)
	}
	dev := DeviceInfo{Class: 0x08, VendorID: 0x1234, ProductID: 1}
	if rc := Check(rules, dev, 0); rc != Allowed {
		t.Errorf("first match did not win: %v", rc)
	}
}

func TestCheckVersionMatch(t *testing.T) {
	rules, err := StringToRules("-1,-1,-1,0x0200,0", ",", "|")
	if err != nil {
		t.Fatal(err)
	}
	dev := DeviceInfo{Class: 0x08, VersionBCD: 0x0200}
	if rc := Check(rules, dev, DefaultAllow); rc != Denied {
		t.Errorf("version match: %v, want Denied", rc)
	}
	dev.VersionBCD = 0x0110
	if rc := Check(rules, dev, DefaultAllow); rc != Allowed {
		t.Errorf("version mismatch: %v, want Allowed", rc)
	}
}
