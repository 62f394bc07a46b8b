package socks5

import (
	"errors"
	"io"
	"net"
	"syscall"
)

// halfCloser is implemented by connections that support half-close (TCP).
// It signals that one direction is done while keeping the other open.
type halfCloser interface {
	CloseWrite() error
}

// relay copies bytes in both directions until either side reaches EOF.
// A NotConnected error at the point of a read counts as clean termination;
// some platforms report it after the far side half-closes.
func relay(client io.ReadWriter, server net.Conn) error {
	errCh := make(chan error, 2)

	go func() {
		_, err := io.Copy(server, client)
		if hc, ok := server.(halfCloser); ok {
			hc.CloseWrite()
		}
		errCh <- err
	}()

	go func() {
		_, err := io.Copy(client, server)
		if hc, ok := client.(halfCloser); ok {
			hc.CloseWrite()
		}
		errCh <- err
	}()

	err1 := <-errCh
	err2 := <-errCh

	if err := errors.Join(relayErr(err1), relayErr(err2)); err != nil {
		return err
	}
	return nil
}

func relayErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, syscall.ENOTCONN),
		errors.Is(err, io.EOF),
		errors.Is(err, net.ErrClosed):
		return nil
	}
	return err
}
