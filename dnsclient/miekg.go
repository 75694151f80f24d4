package dnsclient

import (
	"fmt"
	"net"
	"sort"
	"time"

	"github.com/miekg/dns"
	"github.com/pkg/errors"
)

// MiekgClient is the production Client, backed by
// github.com/miekg/dns. It reads nameservers from the system
// resolv.conf (or ResolvConf if set) the same way the standard dig(1)
// would, and issues fresh queries for every lookup (SRV plus A/AAAA per
// target, or A plus AAAA) with no caching of its own —
// callers that want to re-walk a result use CloneSRV instead of
// re-querying.
type MiekgClient struct {
	// ResolvConf overrides the path to resolv.conf. Empty uses
	// "/etc/resolv.conf".
	ResolvConf string
	// Timeout bounds a single exchange. Zero uses 5 seconds.
	Timeout time.Duration

	dnsClient *dns.Client
}

// NewMiekgClient returns a ready-to-use MiekgClient.
func NewMiekgClient() *MiekgClient {
	return &MiekgClient{
		dnsClient: &dns.Client{},
	}
}

func (c *MiekgClient) resolvConf() string {
	if c.ResolvConf != "" {
		return c.ResolvConf
	}
	return "/etc/resolv.conf"
}

func (c *MiekgClient) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return 5 * time.Second
}

func (c *MiekgClient) servers() ([]string, error) {
	conf, err := dns.ClientConfigFromFile(c.resolvConf())
	if err != nil {
		return nil, errors.Wrap(err, "dnsclient: read resolv.conf")
	}
	addrs := make([]string, 0, len(conf.Servers))
	for _, s := range conf.Servers {
		addrs = append(addrs, net.JoinHostPort(s, conf.Port))
	}
	if len(addrs) == 0 {
		return nil, errors.New("dnsclient: no nameservers configured")
	}
	return addrs, nil
}

func (c *MiekgClient) exchange(m *dns.Msg) (*dns.Msg, error) {
	servers, err := c.servers()
	if err != nil {
		return nil, err
	}
	client := c.dnsClient
	client.Timeout = c.timeout()

	var lastErr error
	for _, server := range servers {
		resp, _, err := client.Exchange(m, server)
		if err != nil {
			lastErr = err
			continue
		}
		if resp.Rcode != dns.RcodeSuccess {
			lastErr = fmt.Errorf("dnsclient: %s answered rcode %s", server, dns.RcodeToString[resp.Rcode])
			continue
		}
		return resp, nil
	}
	return nil, errors.Wrap(lastErr, "dnsclient: all nameservers failed")
}

// LookupSRV implements Client.
func (c *MiekgClient) LookupSRV(name, service, proto string, defaultPort uint16, priority, weight uint16, mode Mode) (*SRVResult, error) {
	fqdn := dns.Fqdn(fmt.Sprintf("_%s._%s.%s", service, proto, name))
	m := new(dns.Msg)
	m.SetQuestion(fqdn, dns.TypeSRV)
	m.RecursionDesired = true

	resp, err := c.exchange(m)
	if err != nil || len(resp.Answer) == 0 {
		ips, ferr := c.LookupAOrAAAA(name)
		if ferr != nil {
			if err != nil {
				return nil, err
			}
			return nil, ferr
		}
		return &SRVResult{
			Service: service,
			Proto:   proto,
			Name:    name,
			Mode:    mode,
			Targets: []SRVTarget{{
				Target:   name,
				Port:     defaultPort,
				Priority: priority,
				Weight:   weight,
				IPs:      ips,
			}},
		}, nil
	}

	result := &SRVResult{Service: service, Proto: proto, Name: name, Mode: mode}
	for _, rr := range resp.Answer {
		srv, ok := rr.(*dns.SRV)
		if !ok {
			continue
		}
		ips, err := c.LookupAOrAAAA(srv.Target)
		if err != nil {
			continue
		}
		result.Targets = append(result.Targets, SRVTarget{
			Target:   srv.Target,
			Port:     srv.Port,
			Priority: srv.Priority,
			Weight:   srv.Weight,
			IPs:      ips,
		})
	}
	if len(result.Targets) == 0 {
		return nil, errors.New("dnsclient: SRV record present but every target failed to resolve")
	}
	// Lowest priority first; within a priority, heaviest weight first.
	sort.SliceStable(result.Targets, func(i, j int) bool {
		a, b := result.Targets[i], result.Targets[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		return a.Weight > b.Weight
	})
	return result, nil
}

// LookupAOrAAAA implements Client.
func (c *MiekgClient) LookupAOrAAAA(name string) ([]net.IP, error) {
	if ip := net.ParseIP(name); ip != nil {
		return []net.IP{ip}, nil
	}
	fqdn := dns.Fqdn(name)

	var ips []net.IP
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		m := new(dns.Msg)
		m.SetQuestion(fqdn, qtype)
		m.RecursionDesired = true
		resp, err := c.exchange(m)
		if err != nil {
			continue
		}
		for _, rr := range resp.Answer {
			switch a := rr.(type) {
			case *dns.A:
				ips = append(ips, a.A)
			case *dns.AAAA:
				ips = append(ips, a.AAAA)
			}
		}
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("dnsclient: no address records for %s", name)
	}
	return ips, nil
}

// CloneSRV implements Client.
func (c *MiekgClient) CloneSRV(r *SRVResult) *SRVResult { return CloneSRV(r) }

// ExtractNextIP implements Client.
func (c *MiekgClient) ExtractNextIP(r *SRVResult, out *TargetAddr) bool {
	return ExtractNextIP(r, out)
}
