package wsproxy

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/relayforge/wsintercept/internal/config"
)

// BuildRuleSet constructs a RuleSet from a loaded configuration, sharing one
// set of Passthrough connection options (trust store, proxy resolver, DNS
// cache settings) across every passthrough rule the way a single proxy
// instance's connection options are shared across its bound rules (§3).
// onPipeEvent and onDial, when non-nil, are wired onto every passthrough
// rule's handler for pipe-close and upstream-dial instrumentation.
func BuildRuleSet(cfg *config.Config, onPipeEvent func(PipeEvent), onDial func(time.Duration, error)) (*RuleSet, error) {
	connect := connectOptionsFromConfig(cfg)

	set := NewRuleSet()
	for _, rc := range cfg.Rules {
		handler, err := buildConfiguredHandler(rc, connect, cfg.WebSocketProxy.MaxMessageBytes, onPipeEvent, onDial)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", rc.ID, err)
		}

		var complete CompletionPredicate
		if rc.Times > 0 {
			complete = ExactlyN(rc.Times)
		}

		set.Add(NewRule(rc.ID, MatcherFunc(globMatcher(rc.Match)), handler, complete, rc.Record))
	}
	return set, nil
}

func connectOptionsFromConfig(cfg *config.Config) ConnectOptions {
	wp := cfg.WebSocketProxy

	var additional []TrustAdditionalCA
	for _, ca := range wp.TrustAdditionalCAs {
		additional = append(additional, TrustAdditionalCA{Cert: ca.Cert, CertPath: ca.CertPath})
	}
	clientCerts := make(map[string]ClientCertificate, len(wp.ClientCertificateHostMap))
	for host, cc := range wp.ClientCertificateHostMap {
		clientCerts[host] = ClientCertificate{PFXPath: cc.PFXPath, Passphrase: cc.Passphrase}
	}

	opts := ConnectOptions{
		Trust: NewTrustStore(additional, clientCerts),
	}

	for _, host := range wp.IgnoreHostHTTPSErrors {
		if host == "*" {
			opts.IgnoreAllHostsHTTPSErrors = true
			continue
		}
		if opts.IgnoreHostsHTTPSErrors == nil {
			opts.IgnoreHostsHTTPSErrors = map[string]bool{}
		}
		opts.IgnoreHostsHTTPSErrors[host] = true
	}

	if len(wp.ProxyConfig) > 0 {
		list := make(ProxyList, 0, len(wp.ProxyConfig))
		for _, raw := range wp.ProxyConfig {
			list = append(list, FixedProxy{Info: ProxyInfo{URL: raw}})
		}
		opts.Proxy = list
	}

	if wp.LookupOptions != nil {
		opts.Lookup = &LookupOptions{
			MaxTTL:   time.Duration(wp.LookupOptions.MaxTTLSeconds) * time.Second,
			ErrorTTL: time.Duration(wp.LookupOptions.ErrorTTLSeconds) * time.Second,
			Servers:  wp.LookupOptions.Servers,
		}
	}

	return opts
}

func buildConfiguredHandler(rc config.RuleConfig, connect ConnectOptions, maxMessageBytes int, onPipeEvent func(PipeEvent), onDial func(time.Duration, error)) (Handler, error) {
	switch rc.Handler {
	case config.HandlerPassthrough:
		h := &PassthroughHandler{Connect: connect, MaxMessageBytes: maxMessageBytes, OnPipeEvent: onPipeEvent, OnDial: onDial}
		if fw := forwardingFromOptions(rc.HandlerOptions); fw != nil {
			h.Forwarding = fw
		}
		return h, nil

	case config.HandlerEcho:
		return &EchoHandler{MaxMessageBytes: maxMessageBytes}, nil

	case config.HandlerListen:
		return &ListenHandler{MaxMessageBytes: maxMessageBytes}, nil

	case config.HandlerReject:
		status := 400
		if v, ok := rc.HandlerOptions["status_code"].(int); ok {
			status = v
		}
		body, _ := rc.HandlerOptions["body"].(string)
		var headers []RawHeader
		if raw, ok := rc.HandlerOptions["headers"].(map[string]any); ok {
			for k, v := range raw {
				if s, ok := v.(string); ok {
					headers = append(headers, RawHeader{Name: k, Value: s})
				}
			}
		}
		return &RejectHandler{StatusCode: status, Headers: headers, Body: []byte(body)}, nil

	case config.HandlerCloseConnection, config.HandlerResetConnection, config.HandlerTimeout:
		fh := &TransportFaultHandler{Fault: TransportFault(rc.Handler)}
		if ms, ok := rc.HandlerOptions["after_ms"].(int); ok {
			fh.After = time.Duration(ms) * time.Millisecond
		}
		if ms, ok := rc.HandlerOptions["timeout_ms"].(int); ok {
			fh.Timeout = time.Duration(ms) * time.Millisecond
		}
		return fh, nil

	default:
		return nil, fmt.Errorf("unknown handler %q", rc.Handler)
	}
}

func forwardingFromOptions(opts map[string]any) *ForwardingOptions {
	targetHost, ok := opts["target_host"].(string)
	if !ok || targetHost == "" {
		return nil
	}
	fw := &ForwardingOptions{TargetHost: targetHost}
	switch v := opts["update_host_header"].(type) {
	case bool:
		val := UpdateHostHeaderLeaveUnset
		if v {
			val = UpdateHostHeaderRewrite
		}
		fw.UpdateHostHeader = &val
	case string:
		fw.UpdateHostHeader = &v
	}
	return fw
}

// globMatcher builds a Matcher function from a rule's host/path glob
// patterns. An empty pattern matches anything.
func globMatcher(m config.MatchConfig) func(req *AcceptRequest, url *UpstreamRequest) bool {
	return func(_ *AcceptRequest, url *UpstreamRequest) bool {
		if url == nil || url.URL == nil {
			return m.HostPattern == "" && m.PathPattern == ""
		}
		if m.HostPattern != "" {
			if ok, _ := filepath.Match(m.HostPattern, url.URL.Hostname()); !ok {
				return false
			}
		}
		if m.PathPattern != "" {
			if ok, _ := filepath.Match(m.PathPattern, url.URL.Path); !ok {
				return false
			}
		}
		return true
	}
}
