// Package portutil picks the server's listening port.
package portutil

import "net"

// FindFreePort binds port 0 on loopback and reports the port the kernel
// handed out. The probe listener is closed before returning, so the port
// can in principle be taken again before the caller binds it; the server
// treats that as a startup failure rather than retrying.
func FindFreePort() (int, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port, nil
}
