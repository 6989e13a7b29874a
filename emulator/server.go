package emulator

import (
	"context"
	"errors"
	"net"

	log "github.com/sirupsen/logrus"
)

// ListenAndServe accepts hosts on addr and serves every connection with a
// fresh board, until ctx is done
func ListenAndServe(ctx context.Context, addr string, cfg Config) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return Serve(ctx, ln, cfg)
}

// Serve accepts connections on ln until ctx is done
func Serve(ctx context.Context, ln net.Listener, cfg Config) error {
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()
	log.Infof("Emulator listening on %v", ln.Addr())

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		log.Infof("Host connected from %v", conn.RemoteAddr())
		go func() {
			defer conn.Close()
			if err := New(cfg).Serve(ctx, conn); err != nil {
				log.Errorf("Emulator: %v", err)
			}
			log.Infof("Host %v disconnected", conn.RemoteAddr())
		}()
	}
}

// DialAndServe connects to a host waiting in tcp-server mode and serves it
func DialAndServe(ctx context.Context, addr string, cfg Config) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	defer conn.Close()
	log.Infof("Connected to host %v", addr)
	return New(cfg).Serve(ctx, conn)
}
