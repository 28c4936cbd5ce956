package httpmw

import (
	"context"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// UnknownClientIP is used when the peer address cannot be parsed. All such
// requests share one admission identity.
const UnknownClientIP = "0.0.0.0"

type clientIPKey struct{}

// ClientIPOptions configures client IP extraction.
type ClientIPOptions struct {
	// TrustedHops is the number of trusted reverse proxies between the client
	// and the gateway. 0 ignores X-Forwarded-For, 1 takes the rightmost
	// entry (single load balancer), 2 the second from the right, and so on.
	TrustedHops int
}

// ClientIP extracts the client address with no trusted proxies.
func ClientIP(next http.Handler) http.Handler {
	return ClientIPWithOptions(ClientIPOptions{})(next)
}

// ClientIPWithOptions returns middleware that stores the client address in
// the request context. Forwarding headers that are not trusted are removed so
// neither later middleware nor the upstream can rely on them.
func ClientIPWithOptions(opts ClientIPOptions) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientAddr(r, opts.TrustedHops)
			next.ServeHTTP(w, r.WithContext(WithClientIP(r.Context(), ip)))
		})
	}
}

func stripForwarded(r *http.Request) {
	r.Header.Del("X-Forwarded-For")
	r.Header.Del("X-Forwarded-Proto")
}

// clientAddr only honours X-Forwarded-For when the socket peer is a private
// address, public peers cannot be one of our proxies.
func clientAddr(r *http.Request, trustedHops int) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	peer, err := netip.ParseAddr(host)
	if err != nil {
		stripForwarded(r)
		return UnknownClientIP
	}
	peer = peer.Unmap()

	if trustedHops <= 0 || !peer.IsPrivate() {
		stripForwarded(r)
		return peer.String()
	}

	xff := r.Header.Values("X-Forwarded-For")
	if len(xff) == 0 {
		return peer.String()
	}
	parts := strings.Split(strings.Join(xff, ","), ",")
	idx := len(parts) - trustedHops
	if idx < 0 {
		// fewer entries than proxies, misconfiguration or spoofing
		stripForwarded(r)
		return peer.String()
	}
	if addr, err := netip.ParseAddr(strings.TrimSpace(parts[idx])); err == nil {
		return addr.Unmap().String()
	}
	return peer.String()
}

func ClientIPFromContext(ctx context.Context) string {
	ip, _ := ctx.Value(clientIPKey{}).(string)
	return ip
}

func WithClientIP(ctx context.Context, ip string) context.Context {
	if ip == "" {
		return ctx
	}
	return context.WithValue(ctx, clientIPKey{}, ip)
}
