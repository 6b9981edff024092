package discovery

import "fmt"

// AdvertiseError reports a failed service registration or unregistration.
// Advertising is considered absent afterwards; browsing is unaffected.
type AdvertiseError struct {
	Op  string
	Err error
}

func (e *AdvertiseError) Error() string {
	return fmt.Sprintf("advertise %s: %v", e.Op, e.Err)
}

func (e *AdvertiseError) Unwrap() error {
	return e.Err
}

// DiscoveryError reports a failed browse, resolve or stop operation. Only
// the one operation is abandoned.
type DiscoveryError struct {
	Op        string
	ServiceID string
	Err       error
}

func (e *DiscoveryError) Error() string {
	if e.ServiceID == "" {
		return fmt.Sprintf("discovery %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("discovery %s %q: %v", e.Op, e.ServiceID, e.Err)
}

func (e *DiscoveryError) Unwrap() error {
	return e.Err
}
