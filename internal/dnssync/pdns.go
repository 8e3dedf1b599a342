package dnssync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/netip"
	"net/url"
	"strings"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/miekg/dns"
	"github.com/prismdns/prism/internal/registry"
)

// hdrAPIKey is the authentication header of the PowerDNS HTTP API.
const hdrAPIKey = "X-API-Key"

// defaultRecordTTL is the TTL of records published by Prism, in seconds.
// Dynamic addresses must not be cached for long.
const defaultRecordTTL = 300

// PDNSConfig is the configuration for the PowerDNS backend.
type PDNSConfig struct {
	// Logger is used for logging backend calls.  It must not be nil.
	Logger *slog.Logger

	// HTTPClient is used to reach the PowerDNS API.  It must not be nil and
	// should have a timeout set.
	HTTPClient *http.Client

	// APIURL is the base URL of the PowerDNS API, e.g.
	// "http://127.0.0.1:8081".  It must not be empty.
	APIURL string

	// APIKey is the value of the X-API-Key header.
	APIKey string

	// ServerID is the PowerDNS server identifier.  Unless a proxy is
	// involved, this is always "localhost".
	ServerID string
}

// PDNS is the PowerDNS implementation of the [Backend] interface, talking to
// the authoritative server's HTTP API.  Responses with 5xx statuses and
// network failures are reported as retryable; 4xx statuses, as permanent.
type PDNS struct {
	// logger is used for logging backend calls.
	logger *slog.Logger

	// client is used to reach the PowerDNS API.
	client *http.Client

	// apiURL is the base URL of the PowerDNS API.
	apiURL string

	// apiKey is the value of the X-API-Key header.
	apiKey string

	// serverID is the PowerDNS server identifier.
	serverID string
}

// NewPDNS returns a new PowerDNS backend.  conf must not be nil.
func NewPDNS(conf *PDNSConfig) (b *PDNS) {
	serverID := conf.ServerID
	if serverID == "" {
		serverID = "localhost"
	}

	return &PDNS{
		logger:   conf.Logger,
		client:   conf.HTTPClient,
		apiURL:   strings.TrimSuffix(conf.APIURL, "/"),
		apiKey:   conf.APIKey,
		serverID: serverID,
	}
}

// rrSet is the PowerDNS API representation of a record set change.
type rrSet struct {
	Name       string     `json:"name"`
	Type       string     `json:"type"`
	ChangeType string     `json:"changetype"`
	Records    []rrRecord `json:"records,omitempty"`
	TTL        uint32     `json:"ttl,omitempty"`
}

// rrRecord is a single record within an rrSet.
type rrRecord struct {
	Content  string `json:"content"`
	Disabled bool   `json:"disabled"`
}

// rrSetsPatch is the body of a zone PATCH request.
type rrSetsPatch struct {
	RRSets []rrSet `json:"rrsets"`
}

// type check
var _ Backend = (*PDNS)(nil)

// UpsertAddr implements the [Backend] interface for *PDNS.
func (b *PDNS) UpsertAddr(
	ctx context.Context,
	zone string,
	host registry.Hostname,
	ip netip.Addr,
) (recordID string, err error) {
	fqdn := recordFQDN(zone, host)
	patch := &rrSetsPatch{
		RRSets: []rrSet{{
			Name:       fqdn,
			Type:       recordType(ip),
			ChangeType: "REPLACE",
			Records: []rrRecord{{
				Content:  ip.String(),
				Disabled: false,
			}},
			TTL: defaultRecordTTL,
		}},
	}

	err = b.patchZone(ctx, zone, patch)
	if err != nil {
		return "", fmt.Errorf("upserting %q: %w", fqdn, err)
	}

	return fqdn, nil
}

// DeleteAddr implements the [Backend] interface for *PDNS.
func (b *PDNS) DeleteAddr(
	ctx context.Context,
	zone string,
	host registry.Hostname,
) (err error) {
	fqdn := recordFQDN(zone, host)

	// The record family is unknown by the time of deletion, so delete both.
	patch := &rrSetsPatch{
		RRSets: []rrSet{{
			Name:       fqdn,
			Type:       dns.TypeToString[dns.TypeA],
			ChangeType: "DELETE",
		}, {
			Name:       fqdn,
			Type:       dns.TypeToString[dns.TypeAAAA],
			ChangeType: "DELETE",
		}},
	}

	err = b.patchZone(ctx, zone, patch)
	if err != nil {
		return fmt.Errorf("deleting %q: %w", fqdn, err)
	}

	return nil
}

// ZoneExists implements the [Backend] interface for *PDNS.
func (b *PDNS) ZoneExists(ctx context.Context, zone string) (ok bool, err error) {
	resp, err := b.do(ctx, http.MethodGet, b.zoneURL(zone), nil)
	if err != nil {
		// Don't wrap the error since it's informative enough as is.
		return false, err
	}
	defer func() { err = errors.WithDeferred(err, resp.Body.Close()) }()

	switch {
	case resp.StatusCode == http.StatusOK:
		return true, nil
	case resp.StatusCode == http.StatusNotFound:
		return false, nil
	default:
		return false, statusError(resp.StatusCode)
	}
}

// patchZone sends an rrsets PATCH to the zone resource.
func (b *PDNS) patchZone(ctx context.Context, zone string, patch *rrSetsPatch) (err error) {
	body, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("encoding patch: %w", err)
	}

	resp, err := b.do(ctx, http.MethodPatch, b.zoneURL(zone), body)
	if err != nil {
		// Don't wrap the error since it's informative enough as is.
		return err
	}
	defer func() { err = errors.WithDeferred(err, resp.Body.Close()) }()

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return statusError(resp.StatusCode)
	}

	return nil
}

// zoneURL returns the URL of the zone resource.
func (b *PDNS) zoneURL(zone string) (u string) {
	return fmt.Sprintf(
		"%s/api/v1/servers/%s/zones/%s",
		b.apiURL,
		url.PathEscape(b.serverID),
		url.PathEscape(dns.Fqdn(zone)),
	)
}

// do performs a single API request.  Network-level failures are retryable.
func (b *PDNS) do(
	ctx context.Context,
	method string,
	u string,
	body []byte,
) (resp *http.Response, err error) {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return nil, fmt.Errorf("%w: building request: %w", ErrBackendPermanent, err)
	}

	req.Header.Set(hdrAPIKey, b.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err = b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBackendRetryable, err)
	}

	b.logger.DebugContext(ctx, "api call", "method", method, "url", u, "status", resp.StatusCode)

	return resp, nil
}

// statusError converts an unexpected HTTP status into a typed backend error.
func statusError(code int) (err error) {
	if code >= http.StatusInternalServerError {
		return fmt.Errorf("%w: status %d", ErrBackendRetryable, code)
	}

	return fmt.Errorf("%w: status %d", ErrBackendPermanent, code)
}
