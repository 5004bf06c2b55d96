package services

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/miekg/dns"
	"github.com/overmindtech/discovery-server/discovery"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var DefaultServers = []string{
	"1.1.1.1:53",
	"8.8.8.8:53",
	"8.8.4.4:53",
}

const DefaultDNSQueryTimeout = 3 * time.Second

var (
	ErrNoName   = errors.New("no name to look up")
	ErrNotFound = errors.New("no DNS records found")
)

// DNSRecord is a single answer
type DNSRecord struct {
	Name   string `json:"name"`
	Type   string `json:"type"`
	TTL    uint32 `json:"ttl"`
	Target string `json:"target"`
}

// DNSLookup resolves the "name" param of a request. IP addresses are looked
// up in reverse. Servers are tried in order, moving on to the next one when a
// query fails
type DNSLookup struct {
	// List of DNS servers in order of preference, in the format "ip:port"
	Servers []string
	// Timeout for a single query against a single server
	QueryTimeout time.Duration
	// Total time allowed for retries
	MaxElapsedTime time.Duration

	client dns.Client
}

// NewDNSLookup creates a DNSLookup from these connector parameters:
//
//   - servers: comma separated "ip:port" list, defaults to public resolvers
//   - query-timeout-ms: per query timeout
func NewDNSLookup(ctx context.Context, connector discovery.ConnectorDescriptor) (discovery.DiscoveryService, error) {
	servers := listParameter(connector, "servers")
	for _, s := range servers {
		if _, _, err := net.SplitHostPort(s); err != nil {
			return nil, incompatible(connector, "server %q must be in the format ip:port", s)
		}
	}

	timeoutMS, err := int64Parameter(connector, "query-timeout-ms", DefaultDNSQueryTimeout.Milliseconds())
	if err != nil {
		return nil, err
	}

	return &DNSLookup{
		Servers:        servers,
		QueryTimeout:   time.Duration(timeoutMS) * time.Millisecond,
		MaxElapsedTime: 30 * time.Second,
	}, nil
}

func (d *DNSLookup) GetServers() []string {
	if len(d.Servers) == 0 {
		return DefaultServers
	}
	return d.Servers
}

func (d *DNSLookup) Discover(ctx context.Context, req *discovery.DiscoveryRequest) (map[string]any, error) {
	name := req.StringParam("name", "")
	if name == "" {
		return nil, ErrNoName
	}

	var records []DNSRecord
	var err error

	if net.ParseIP(name) != nil {
		records, err = d.retryQuery(ctx, func(ctx context.Context, server string) ([]DNSRecord, error) {
			return d.reverseQuery(ctx, name, server)
		})
	} else {
		records, err = d.retryQuery(ctx, func(ctx context.Context, server string) ([]DNSRecord, error) {
			return d.query(ctx, name, server)
		})
	}
	if err != nil {
		return nil, err
	}

	out := make([]map[string]any, 0, len(records))
	for _, r := range records {
		out = append(out, map[string]any{
			"name":   r.Name,
			"type":   r.Type,
			"ttl":    r.TTL,
			"target": r.Target,
		})
	}

	return map[string]any{
		"name":    name,
		"records": out,
	}, nil
}

// retryQuery retries with backoff, rotating through the servers. Only
// timeouts are retried
func (d *DNSLookup) retryQuery(ctx context.Context, queryFn func(context.Context, string) ([]DNSRecord, error)) ([]DNSRecord, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond

	servers := d.GetServers()
	var i int
	var server string

	operation := func() ([]DNSRecord, error) {
		if i >= len(servers) {
			i = 0
		}
		server = servers[i]

		timeout := d.QueryTimeout
		if timeout <= 0 {
			timeout = DefaultDNSQueryTimeout
		}
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		records, err := queryFn(ctx, server)
		if err != nil {
			i++

			var netErr net.Error
			if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
				return nil, err
			}
			return nil, backoff.Permanent(err)
		}

		return records, nil
	}

	maxElapsed := d.MaxElapsedTime
	if maxElapsed <= 0 {
		maxElapsed = 30 * time.Second
	}

	records, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(maxElapsed),
	)

	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String("ovm.dns.server", server),
	)

	return records, err
}

func (d *DNSLookup) exchange(ctx context.Context, name string, qtype uint16, server string) (*dns.Msg, error) {
	msg := dns.Msg{
		Question: []dns.Question{
			{
				Name:   name,
				Qclass: dns.ClassINET,
				Qtype:  qtype,
			},
		},
		MsgHdr: dns.MsgHdr{
			Opcode:           dns.OpcodeQuery,
			RecursionDesired: true,
		},
	}
	msg.Id = dns.Id()

	r, _, err := d.client.ExchangeContext(ctx, &msg, server)
	if err != nil {
		return nil, err
	}

	if r.Rcode != dns.RcodeSuccess && r.Rcode != dns.RcodeNameError {
		return nil, fmt.Errorf("server %v returned %v", server, dns.RcodeToString[r.Rcode])
	}

	return r, nil
}

func (d *DNSLookup) query(ctx context.Context, name, server string) ([]DNSRecord, error) {
	fqdn := dns.Fqdn(name)

	r, err := d.exchange(ctx, fqdn, dns.TypeA, server)
	if err != nil {
		return nil, err
	}

	// Also query for AAAA
	r2, err := d.exchange(ctx, fqdn, dns.TypeAAAA, server)
	if err != nil {
		return nil, err
	}

	answers := make([]dns.RR, 0, len(r.Answer)+len(r2.Answer))
	answers = append(answers, r.Answer...)
	answers = append(answers, r2.Answer...)

	records := toRecords(answers)
	if len(records) == 0 {
		return nil, fmt.Errorf("%w for %v", ErrNotFound, name)
	}

	return records, nil
}

func (d *DNSLookup) reverseQuery(ctx context.Context, ip, server string) ([]DNSRecord, error) {
	arpa, err := dns.ReverseAddr(ip)
	if err != nil {
		return nil, err
	}

	r, err := d.exchange(ctx, arpa, dns.TypePTR, server)
	if err != nil {
		return nil, err
	}

	records := toRecords(r.Answer)
	if len(records) == 0 {
		return nil, fmt.Errorf("%w for %v", ErrNotFound, ip)
	}

	return records, nil
}

// trimDNSSuffix trims the trailing dot from a name to make it more user
// friendly
func trimDNSSuffix(name string) string {
	return strings.TrimSuffix(name, ".")
}

func toRecords(answers []dns.RR) []DNSRecord {
	records := make([]DNSRecord, 0, len(answers))

	for _, rr := range answers {
		hdr := rr.Header()
		record := DNSRecord{
			Name: trimDNSSuffix(hdr.Name),
			Type: dns.TypeToString[hdr.Rrtype],
			TTL:  hdr.Ttl,
		}

		switch r := rr.(type) {
		case *dns.A:
			record.Target = r.A.String()
		case *dns.AAAA:
			record.Target = r.AAAA.String()
		case *dns.CNAME:
			record.Target = trimDNSSuffix(r.Target)
		case *dns.PTR:
			record.Target = trimDNSSuffix(r.Ptr)
		default:
			continue
		}

		records = append(records, record)
	}

	return records
}
