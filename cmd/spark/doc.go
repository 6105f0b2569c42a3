// Command spark shares files with one peer and downloads the peer's files.
//
// One side listens and shares:
//
//	spark -listen :4550 -share ./a.bin -share ./b.iso
//
// The other connects and downloads everything into a directory:
//
//	spark -connect host:4550 -download ./downloads -get all
//
// -get also accepts a comma-separated list of file names or ids. With
// -get the command exits once every requested download has ended;
// otherwise it runs until interrupted. -secure encrypts the connection
// with a Noise XX handshake (both sides need it), -db keeps the share
// list and partial downloads across runs. -proxy dials the peer through a
// SOCKS5 or HTTP CONNECT proxy.
package main
