// ABOUTME: Device ranking: skip virtual loopback devices, prefer the system
// ABOUTME: default, fall back to the first physical then the first overall
package device

import "strings"

// virtualNames marks software loopback and routing devices that must never be
// auto-selected: capturing from them echoes our own output back in.
var virtualNames = []string{
	"blackhole",
	"loopback",
	"monitor",
	"virtual",
	"vb-audio",
	"vb-cable",
	"voicemeeter",
	"aggregate",
	"multi-output",
	"echo-cancel",
	"cable input",
	"cable output",
}

// IsVirtualDevice reports whether a device name looks like a software
// loopback rather than real hardware.
func IsVirtualDevice(name string) bool {
	lower := strings.ToLower(name)
	for _, v := range virtualNames {
		if strings.Contains(lower, v) {
			return true
		}
	}
	return false
}

// SelectDevice picks the best device from an enumeration: the default
// physical device, else the first physical device, else the default even if
// virtual, else the first entry. Returns ErrNoDevice on an empty list.
func SelectDevice(infos []Info) (Info, error) {
	if len(infos) == 0 {
		return Info{}, ErrNoDevice
	}

	var firstPhysical, defaultAny *Info
	for i := range infos {
		info := &infos[i]
		virtual := IsVirtualDevice(info.Name)
		if info.IsDefault {
			if !virtual {
				return *info, nil
			}
			if defaultAny == nil {
				defaultAny = info
			}
		}
		if !virtual && firstPhysical == nil {
			firstPhysical = info
		}
	}
	if firstPhysical != nil {
		return *firstPhysical, nil
	}
	if defaultAny != nil {
		return *defaultAny, nil
	}
	return infos[0], nil
}
