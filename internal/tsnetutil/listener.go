// Package tsnetutil puts the gateway's accept socket on a tailnet. With
// Tailscale disabled it degrades to a plain TCP listener, so the rest of
// the server never needs to know which transport it got.
package tsnetutil

import (
	"crypto/tls"
	"fmt"
	"net"

	"tailscale.com/tsnet"

	"github.com/sebastianm/agentmux/internal/config"
)

// Listener is the gateway's accept socket. The embedded tsnet node is
// non-nil only when the listener runs on a tailnet.
type Listener struct {
	net.Listener
	ts *tsnet.Server
}

// Close shuts the socket and, when present, the tailnet node behind it.
func (l *Listener) Close() error {
	err := l.Listener.Close()
	if l.ts != nil {
		if tsErr := l.ts.Close(); tsErr != nil && err == nil {
			err = tsErr
		}
	}
	return err
}

// ListenAddr opens addr for the gateway. When tsCfg.Enabled is false this
// is an ordinary TCP bind; otherwise an embedded tsnet node joins the
// tailnet first, and with HTTPS on, the socket is wrapped in TLS using
// the certificates Tailscale provisions for the node.
func ListenAddr(addr string, tsCfg config.TailscaleConfig) (*Listener, error) {
	if !tsCfg.Enabled {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("tcp listen on %s: %w", addr, err)
		}
		return &Listener{Listener: ln}, nil
	}

	ts := &tsnet.Server{
		Hostname:   tsCfg.Hostname,
		Ephemeral:  tsCfg.Ephemeral,
		AuthKey:    tsCfg.AuthKey,
		ControlURL: tsCfg.ControlURL,
		Dir:        tsCfg.Dir,
	}
	if err := ts.Start(); err != nil {
		return nil, fmt.Errorf("start tailnet node: %w", err)
	}

	ln, err := ts.Listen("tcp", addr)
	if err != nil {
		ts.Close()
		return nil, fmt.Errorf("tailnet listen on %s: %w", addr, err)
	}

	sock := net.Listener(ln)
	if tsCfg.HTTPS {
		lc, err := ts.LocalClient()
		if err != nil {
			ln.Close()
			ts.Close()
			return nil, fmt.Errorf("tailscale local client: %w", err)
		}
		sock = tls.NewListener(ln, &tls.Config{GetCertificate: lc.GetCertificate})
	}

	return &Listener{Listener: sock, ts: ts}, nil
}
