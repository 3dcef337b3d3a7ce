package wsproxy

import "context"

// ProxyInfo describes one resolved upstream HTTP proxy to CONNECT through.
type ProxyInfo struct {
	URL string // e.g. "http://proxy.internal:3128"
}

// ProxyResolver yields a ProxyInfo for a given target host, or a zero value
// for "no proxy, dial directly". It is either a single fixed proxy, a
// callback, or an ordered list of either — the first entry that yields a
// non-empty setting wins (§3's proxyConfig field).
type ProxyResolver interface {
	ResolveProxy(ctx context.Context, targetHost string) (ProxyInfo, error)
}

// FixedProxy always resolves to the same proxy.
type FixedProxy struct{ Info ProxyInfo }

func (f FixedProxy) ResolveProxy(context.Context, string) (ProxyInfo, error) { return f.Info, nil }

// CallbackProxy defers resolution to a caller-supplied function — the Go
// analogue of the admin layer's proxyConfig callback variant.
type CallbackProxy struct {
	Fn func(ctx context.Context, targetHost string) (ProxyInfo, error)
}

func (c CallbackProxy) ResolveProxy(ctx context.Context, targetHost string) (ProxyInfo, error) {
	return c.Fn(ctx, targetHost)
}

// ProxyList evaluates each resolver in order and returns the first
// non-empty result, falling through to "no proxy" if all are empty.
type ProxyList []ProxyResolver

func (l ProxyList) ResolveProxy(ctx context.Context, targetHost string) (ProxyInfo, error) {
	for _, r := range l {
		info, err := r.ResolveProxy(ctx, targetHost)
		if err != nil {
			return ProxyInfo{}, err
		}
		if info.URL != "" {
			return info, nil
		}
	}
	return ProxyInfo{}, nil
}
