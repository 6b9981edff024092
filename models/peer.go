package models

import (
	"net"
	"strconv"
)

// PeerDevice is another device's sync endpoint as seen by discovery.
//
// PeerID is the advertised service instance name and the only key that is
// stable across found, resolved and lost notifications for one session.
type PeerDevice struct {
	DisplayName string `json:"display_name"`
	Host        string `json:"host"`
	Port        int    `json:"port"`
	PeerID      string `json:"peer_id"`
}

// Address returns the dialable host:port for the peer.
func (p PeerDevice) Address() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}
