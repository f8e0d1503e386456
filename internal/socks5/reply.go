package socks5

import (
	"io"

	txsocks5 "github.com/txthinking/socks5"
)

// WriteSuccess writes the success reply with a zero bound address.
func WriteSuccess(w io.Writer) error {
	_, err := newZeroAddrReply(txsocks5.RepSuccess).WriteTo(w)
	return err
}

// WriteGeneralFailure writes REP=0x01 (general SOCKS server failure).
func WriteGeneralFailure(w io.Writer) {
	_, _ = newZeroAddrReply(txsocks5.RepServerFailure).WriteTo(w)
}

// WriteConnectionRefused writes REP=0x05 (connection refused).
func WriteConnectionRefused(w io.Writer) {
	_, _ = newZeroAddrReply(txsocks5.RepConnectionRefused).WriteTo(w)
}

// WriteCommandNotSupported writes REP=0x07 (command not supported).
func WriteCommandNotSupported(w io.Writer) {
	_, _ = newZeroAddrReply(txsocks5.RepCommandNotSupported).WriteTo(w)
}

func newZeroAddrReply(rep byte) *txsocks5.Reply {
	return txsocks5.NewReply(rep, txsocks5.ATYPIPv4, []byte{0x00, 0x00, 0x00, 0x00}, []byte{0x00, 0x00})
}

func writeNoAcceptableMethods(w io.Writer) {
	// RFC 1928: 0xFF indicates no acceptable methods.
	_, _ = txsocks5.NewNegotiationReply(0xff).WriteTo(w)
}
