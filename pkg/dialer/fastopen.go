package dialer

import (
	"context"
	"net"

	"github.com/database64128/tfo-go/v2"
)

// fastOpenDialContext wraps d so TCP connections attempt TCP Fast
// Open, with no payload carried in the SYN. Other networks dial
// plainly.
func fastOpenDialContext(d *net.Dialer) DialContextFunc {
	td := &tfo.Dialer{Dialer: *d}
	return func(ctx context.Context, network, address string) (net.Conn, error) {
		switch network {
		case "tcp", "tcp4", "tcp6":
			return td.DialContext(ctx, network, address, nil)
		}
		return d.DialContext(ctx, network, address)
	}
}
