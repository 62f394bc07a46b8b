package socks5

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"
)

func TestTunnelConnector_Establish(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		conn.Write([]byte("hello"))
		conn.Close()
	}()

	dst, err := AddrFromNetAddr(ln.Addr())
	if err != nil {
		t.Fatalf("AddrFromNetAddr: %v", err)
	}

	connector := TunnelConnector[struct{}]{DialTimeout: 2 * time.Second}
	conn, err := connector.Establish(context.Background(), dst, struct{}{})
	if err != nil {
		t.Fatalf("Establish() error = %v", err)
	}
	defer conn.Close()

	buf := make([]byte, 5)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Read(buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(buf, []byte("hello")) {
		t.Errorf("received %q, want %q", buf, "hello")
	}
}

func TestTunnelConnector_EstablishRefused(t *testing.T) {
	// Bind then close to get a port with nothing listening.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	dst, _ := AddrFromNetAddr(ln.Addr())
	ln.Close()

	connector := TunnelConnector[struct{}]{DialTimeout: 2 * time.Second}
	_, err = connector.Establish(context.Background(), dst, struct{}{})
	if err == nil {
		t.Fatal("Establish() succeeded against a closed port")
	}
	if got := ReplyForError(err); got != ReplyConnectionRefused {
		t.Errorf("ReplyForError(dial error) = %v, want connection refused", got)
	}
}

func TestTunnelBinder_ListenAccept(t *testing.T) {
	binder := TunnelBinder[struct{}]{}

	dst := SocksAddr{Type: AddrTypeIPv4, IP: net.IPv4(127, 0, 0, 1).To4(), Port: 0}
	local, ln, err := binder.Listen(context.Background(), dst, struct{}{})
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}

	tcpAddr, ok := local.(*net.TCPAddr)
	if !ok || tcpAddr.Port == 0 {
		t.Fatalf("Listen() local = %v, want ephemeral TCP address", local)
	}

	go func() {
		conn, err := net.Dial("tcp", local.String())
		if err != nil {
			return
		}
		conn.Write([]byte("x"))
		conn.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	peer, peerAddr, err := binder.Accept(ctx, ln, struct{}{})
	if err != nil {
		t.Fatalf("Accept() error = %v", err)
	}
	defer peer.Close()

	if peerAddr == nil {
		t.Fatal("Accept() returned nil peer address")
	}
}

func TestTunnelAssociator_Bind(t *testing.T) {
	associator := TunnelAssociator[struct{}]{}

	local, pc, err := associator.Bind(context.Background(), struct{}{})
	if err != nil {
		t.Fatalf("Bind() error = %v", err)
	}
	defer pc.Close()

	udpAddr, ok := local.(*net.UDPAddr)
	if !ok || udpAddr.Port == 0 {
		t.Fatalf("Bind() local = %v, want ephemeral UDP address", local)
	}
	if udpAddr.IP.To4() == nil {
		t.Errorf("Bind() advertised %v, want an IPv4 address", udpAddr.IP)
	}

	// Datagrams flow through SendTo/RecvFrom.
	peer, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("peer udp: %v", err)
	}
	defer peer.Close()

	if _, err := associator.SendTo(context.Background(), pc, []byte("out"), peer.LocalAddr(), struct{}{}); err != nil {
		t.Fatalf("SendTo() error = %v", err)
	}

	buf := make([]byte, 16)
	peer.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, from, err := peer.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("peer read: %v", err)
	}
	if string(buf[:n]) != "out" {
		t.Errorf("peer received %q, want %q", buf[:n], "out")
	}

	peer.WriteToUDP([]byte("back"), from)

	pc.(*net.UDPConn).SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _, err = associator.RecvFrom(context.Background(), pc, buf, struct{}{})
	if err != nil {
		t.Fatalf("RecvFrom() error = %v", err)
	}
	if string(buf[:n]) != "back" {
		t.Errorf("RecvFrom() = %q, want %q", buf[:n], "back")
	}
}
