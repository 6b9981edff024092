package discovery

// IsSelf reports whether a resolved advertisement is this device.
//
// The advertised identity is checked first. Because registration and address
// enumeration can finish in either order relative to discovery, a matching
// listen port on one of our own addresses is also treated as self.
func IsSelf(candidateHost string, candidatePort int, candidateServiceID, myServiceID string, myListenPort int, myAddresses map[string]struct{}) bool {
	if myServiceID != "" && candidateServiceID == myServiceID {
		return true
	}
	if myListenPort > 0 && candidatePort == myListenPort {
		if _, ok := myAddresses[candidateHost]; ok {
			return true
		}
	}
	return false
}
