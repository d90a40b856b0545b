package ratelimit

import "strings"

// NetworkClass is the coarse connection type reported by the embedder.
type NetworkClass string

// Known network classes, named after the effective connection types browsers report.
const (
	NetworkUnknown  NetworkClass = ""
	NetworkSlow2G   NetworkClass = "slow-2g"
	Network2G       NetworkClass = "2g"
	Network3G       NetworkClass = "3g"
	Network4G       NetworkClass = "4g"
	NetworkWifi     NetworkClass = "wifi"
	NetworkEthernet NetworkClass = "ethernet"
)

const (
	kib = 1024
	mib = 1024 * kib

	backgroundFloor = 32 * kib
)

// ParseNetworkClass normalises a user supplied class name.
func ParseNetworkClass(s string) NetworkClass {
	switch c := NetworkClass(strings.ToLower(strings.TrimSpace(s))); c {
	case NetworkSlow2G, Network2G, Network3G, Network4G, NetworkWifi, NetworkEthernet:
		return c
	default:
		return NetworkUnknown
	}
}

// IsSlow reports whether the class calls for smaller parts and tight throttling.
func (c NetworkClass) IsSlow() bool {
	return c == NetworkSlow2G || c == Network2G || c == Network3G
}

// TargetFor returns the throughput target for a connection; 0 means unlimited.
// downlinkMbps is the reported downlink estimate, 0 when unknown.
func TargetFor(class NetworkClass, downlinkMbps float64, background bool) int64 {
	var target int64
	switch class {
	case NetworkSlow2G:
		target = 32 * kib
	case Network2G:
		target = 64 * kib
	case Network3G:
		target = 512 * kib
	case Network4G:
		target = 4 * mib
		if downlinkMbps > 0 {
			target = fromDownlink(downlinkMbps)
		}
	default:
		if downlinkMbps > 0 {
			target = fromDownlink(downlinkMbps)
		}
	}

	if !background {
		return target
	}
	if target == 0 {
		target = 4 * mib
	}
	target /= 4
	if target < backgroundFloor {
		target = backgroundFloor
	}
	return target
}

// fromDownlink leaves 10% headroom for other traffic.
func fromDownlink(mbps float64) int64 {
	return int64(mbps * 1e6 / 8 * 0.9)
}
