package main

import (
	"fmt"
	"net"
)

// advertisedHost returns the address put in SIP Contact headers and SDP:
// the configured public address, or the first non-loopback IPv4 address
// of the host.
func advertisedHost(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "", err
	}
	return firstIPv4(addrs)
}

func firstIPv4(addrs []net.Addr) (string, error) {
	for _, addr := range addrs {
		ipnet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		if ip4 := ipnet.IP.To4(); ip4 != nil {
			if ip4.IsLoopback() || ip4.IsUnspecified() {
				continue
			}
			return ip4.String(), nil
		}
	}
	return "", fmt.Errorf("no non-loopback IPv4 address found")
}
