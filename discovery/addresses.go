package discovery

import (
	"net"

	"go.uber.org/zap"
)

type interfacesFunc func() ([]net.Interface, error)
type interfaceAddrsFunc func(net.Interface) ([]net.Addr, error)

// LocalAddresses returns every address bound to an up, non-loopback
// interface. Enumeration failures yield an empty set so that self detection
// degrades instead of failing.
func LocalAddresses(logger *zap.Logger) map[string]struct{} {
	return localAddresses(logger, net.Interfaces, func(iface net.Interface) ([]net.Addr, error) {
		return iface.Addrs()
	})
}

func localAddresses(logger *zap.Logger, listInterfaces interfacesFunc, listAddrs interfaceAddrsFunc) map[string]struct{} {
	out := make(map[string]struct{})

	ifaces, err := listInterfaces()
	if err != nil {
		if logger != nil {
			logger.Warn("enumerate network interfaces", zap.Error(err))
		}
		return out
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := listAddrs(iface)
		if err != nil {
			if logger != nil {
				logger.Debug("enumerate interface addresses", zap.String("interface", iface.Name), zap.Error(err))
			}
			continue
		}
		for _, addr := range addrs {
			ip := addrIP(addr)
			if ip == nil || ip.IsLoopback() {
				continue
			}
			out[ip.String()] = struct{}{}
		}
	}
	return out
}

func addrIP(addr net.Addr) net.IP {
	switch v := addr.(type) {
	case *net.IPNet:
		return v.IP
	case *net.IPAddr:
		return v.IP
	default:
		return nil
	}
}
