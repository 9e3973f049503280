package filter

import (
	"sort"

	"github.com/google/gousb"
)

// CheckDeviceDesc runs the rules against a live device description as
// obtained from device enumeration. The first alt setting of each interface
// of the first configuration supplies the per-interface class info, matching
// what the device announces before any alt setting changes.
func CheckDeviceDesc(rules []Rule, desc *gousb.DeviceDesc, flags int) Result {
	dev := DeviceInfo{
		Class:      uint8(desc.Class),
		Subclass:   uint8(desc.SubClass),
		Protocol:   uint8(desc.Protocol),
		VendorID:   uint16(desc.Vendor),
		ProductID:  uint16(desc.Product),
		VersionBCD: uint16(desc.Device),
	}

	var nums []int
	for n := range desc.Configs {
		nums = append(nums, n)
	}
	sort.Ints(nums)
	if len(nums) > 0 {
		for _, intf := range desc.Configs[nums[0]].Interfaces {
			if len(intf.AltSettings) == 0 {
				continue
			}
			alt := intf.AltSettings[0]
			dev.InterfaceClass = append(dev.InterfaceClass, uint8(alt.Class))
			dev.InterfaceSubclass = append(dev.InterfaceSubclass, uint8(alt.SubClass))
			dev.InterfaceProtocol = append(dev.InterfaceProtocol, uint8(alt.Protocol))
		}
	}

	return Check(rules, dev, flags)
}
