// Package stream carries XMPP server-to-server streams over TCP. It provides
// the net.Conn backed implementation of xmpp.Conn (read deadlines, in-place
// TLS upgrade with stream restart, close that unblocks readers), the outbound
// dialer, and SRV based host resolution.
package stream
