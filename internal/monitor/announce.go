package monitor

import (
	"fmt"
	"net"
	"strings"

	"github.com/hashicorp/mdns"
	qrcode "github.com/skip2/go-qrcode"
)

// ServiceType is the mDNS service cook advertises.
const ServiceType = "_cook._tcp"

// Advertise publishes the monitor on the local network. The caller shuts
// the returned server down.
func Advertise(name string, port int, url string) (*mdns.Server, error) {
	if port <= 0 {
		return nil, fmt.Errorf("invalid port for mDNS advertisement: %d", port)
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = "cook"
	}
	txt := []string{
		fmt.Sprintf("project=%s", name),
		fmt.Sprintf("url=%s", url),
	}
	service, err := mdns.NewMDNSService(name, ServiceType, "local", "", port, nil, txt)
	if err != nil {
		return nil, err
	}
	return mdns.NewServer(&mdns.Config{Zone: service})
}

// QRCode renders url as a terminal QR code.
func QRCode(url string) (string, error) {
	code, err := qrcode.New(url, qrcode.Medium)
	if err != nil {
		return "", err
	}
	return code.ToString(false), nil
}

// lanIP returns the first non-loopback IPv4 address, or "" when none is up.
func lanIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ""
	}
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() {
			continue
		}
		if ip4 := ipnet.IP.To4(); ip4 != nil {
			return ip4.String()
		}
	}
	return ""
}
