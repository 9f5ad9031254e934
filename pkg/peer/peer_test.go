package peer_test

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nix-community/go-nix/pkg/narinfo/signature"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mifka01/cache-server/pkg/nar"
	"github.com/mifka01/cache-server/pkg/peer"
)

const testStoreHash = "00000000000000000000000000000a"

func narInfoBody(t *testing.T, sk signature.SecretKey) string {
	t.Helper()

	fingerprint := fmt.Sprintf("1;/nix/store/%s-foo;sha256:%s;128;", testStoreHash, testStoreHash)

	sig, err := sk.Sign(nil, fingerprint)
	require.NoError(t, err)

	return "StorePath: /nix/store/" + testStoreHash + "-foo\n" +
		"URL: nar/" + testStoreHash + ".nar.xz\n" +
		"Compression: xz\n" +
		"NarHash: sha256:" + testStoreHash + "\n" +
		"NarSize: 128\n" +
		"References: \n" +
		"Sig: " + sig.String() + "\n"
}

func TestPeerPingAndGetNarInfo(t *testing.T) {
	t.Parallel()

	sk, pk, err := signature.GenerateKeypair("peer.example.com", nil)
	require.NoError(t, err)

	body := narInfoBody(t, sk)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/nix-cache-info":
			w.WriteHeader(http.StatusOK)
		case "/" + testStoreHash + ".narinfo":
			w.Write([]byte(body)) //nolint:errcheck
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	p, err := peer.New(peer.Descriptor{ID: "c1", Name: "peer1", URL: srv.URL, PublicKey: pk.String()})
	require.NoError(t, err)

	require.NoError(t, p.Ping(context.Background()))
	assert.Greater(t, p.Latency().Nanoseconds(), int64(-1))

	ni, err := p.GetNarInfo(context.Background(), testStoreHash)
	require.NoError(t, err)
	assert.Equal(t, "/nix/store/"+testStoreHash+"-foo", ni.StorePath)
	assert.True(t, p.HasCached(testStoreHash))
}

func TestPeerGetNarInfoNotFound(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	p, err := peer.New(peer.Descriptor{ID: "c1", Name: "peer1", URL: srv.URL})
	require.NoError(t, err)

	_, err = p.GetNarInfo(context.Background(), testStoreHash)
	assert.ErrorIs(t, err, peer.ErrNotFound)
}

func TestPeerGetNarInfoBadSignatureFails(t *testing.T) {
	t.Parallel()

	sk, _, err := signature.GenerateKeypair("peer.example.com", nil)
	require.NoError(t, err)

	_, otherPK, err := signature.GenerateKeypair("other.example.com", nil)
	require.NoError(t, err)

	body := narInfoBody(t, sk)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body)) //nolint:errcheck
	}))
	defer srv.Close()

	p, err := peer.New(peer.Descriptor{ID: "c1", Name: "peer1", URL: srv.URL, PublicKey: otherPK.String()})
	require.NoError(t, err)

	_, err = p.GetNarInfo(context.Background(), testStoreHash)
	assert.ErrorIs(t, err, peer.ErrSignatureValidationFailed)
}

func TestPeerGetNar(t *testing.T) {
	t.Parallel()

	const content = "fake nar bytes"

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(content)) //nolint:errcheck
	}))
	defer srv.Close()

	p, err := peer.New(peer.Descriptor{ID: "c1", Name: "peer1", URL: srv.URL})
	require.NoError(t, err)

	body, _, err := p.GetNar(context.Background(), nar.URL{Hash: testStoreHash, Codec: nar.CodecXZ})
	require.NoError(t, err)
	defer body.Close()

	got, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, content, string(got))
}

func TestResignAppendsSignature(t *testing.T) {
	t.Parallel()

	sk, _, err := signature.GenerateKeypair("peer.example.com", nil)
	require.NoError(t, err)

	localSK, _, err := signature.GenerateKeypair("local.example.com", nil)
	require.NoError(t, err)

	body := narInfoBody(t, sk)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body)) //nolint:errcheck
	}))
	defer srv.Close()

	p, err := peer.New(peer.Descriptor{ID: "c1", Name: "peer1", URL: srv.URL})
	require.NoError(t, err)

	ni, err := p.GetNarInfo(context.Background(), testStoreHash)
	require.NoError(t, err)
	require.Len(t, ni.Signatures, 1)

	require.NoError(t, peer.Resign(context.Background(), ni, localSK))
	assert.Len(t, ni.Signatures, 2)
}

func TestPeerScoreOrdering(t *testing.T) {
	t.Parallel()

	fast, err := peer.New(peer.Descriptor{ID: "fast", URL: "http://fast.example.com", LoadScore: 0.1})
	require.NoError(t, err)

	slow, err := peer.New(peer.Descriptor{ID: "slow", URL: "http://slow.example.com", LoadScore: 0.9})
	require.NoError(t, err)

	assert.Less(t, fast.Score(), slow.Score())
}
