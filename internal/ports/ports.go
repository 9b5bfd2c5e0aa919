// Package ports validates local ports for tunnel binding. Reservation is
// not done here: the registry performs the atomic reserve so there is no
// check-then-act window between validation and insert.
package ports

import (
	"fmt"
	"net"
)

const (
	Min = 1
	Max = 65535
)

// IsValid reports whether p is inside the bindable TCP port range.
func IsValid(p int) bool {
	return p >= Min && p <= Max
}

// IsFree probes whether p can currently be bound on the loopback interface.
// The result is advisory; the registry's reservation remains the authority
// for ports owned by live tunnels.
func IsFree(p int) bool {
	if !IsValid(p) {
		return false
	}
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", p))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}
