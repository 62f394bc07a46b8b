package socks5

import (
	"bytes"
	"fmt"
)

// Datagram is a SOCKS5 UDP datagram per RFC 1928 section 7:
//
//	+-----+------+------+----------+----------+----------+
//	| RSV | RSV  | FRAG |   ATYP   | DST.ADDR | DST.PORT | DATA
//	|  0  |  0   |      |          |          |          |
//	+-----+------+------+----------+----------+----------+
//
// The reserved word must be zero. Fragmented datagrams (FRAG != 0) are
// parsed but the relay drops them; reassembly is not supported.
type Datagram struct {
	Frag byte
	Dst  SocksAddr
	Data []byte
}

// ParseDatagram decodes the SOCKS5 UDP header and returns the datagram.
// Data aliases the tail of p.
func ParseDatagram(p []byte) (Datagram, error) {
	if len(p) < 4 {
		return Datagram{}, fmt.Errorf("%w: datagram header truncated", ErrBadFraming)
	}
	if p[0] != 0 || p[1] != 0 {
		return Datagram{}, fmt.Errorf("%w: datagram reserved bytes not zero", ErrBadFraming)
	}

	r := bytes.NewReader(p[3:])
	dst, err := ReadSocksAddr(r)
	if err != nil {
		return Datagram{}, err
	}

	return Datagram{
		Frag: p[2],
		Dst:  dst,
		Data: p[len(p)-r.Len():],
	}, nil
}

// MarshalBinary encodes the datagram with its SOCKS5 header.
func (d Datagram) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 0, 22+len(d.Data))
	buf = append(buf, 0x00, 0x00, d.Frag)
	buf, err := d.Dst.AppendBinary(buf)
	if err != nil {
		return nil, err
	}
	return append(buf, d.Data...), nil
}
