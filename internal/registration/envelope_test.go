package registration

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signedEnvelope(t *testing.T) *Envelope {
	t.Helper()
	s := testSigner(t)
	req := testRequest(s.Address(), 7)
	sig, err := Sign(context.Background(), req, testDomain, s)
	require.NoError(t, err)
	env, err := NewEnvelope(testDomain, req, sig)
	require.NoError(t, err)
	return env
}

func TestEnvelopeRoundTrip(t *testing.T) {
	env := signedEnvelope(t)

	data, err := env.Marshal()
	require.NoError(t, err)
	again, err := env.Marshal()
	require.NoError(t, err)
	assert.Equal(t, string(data), string(again))

	parsed, err := ParseEnvelope(data)
	require.NoError(t, err)
	assert.Equal(t, env.ID, parsed.ID)
	assert.Equal(t, env.Signature, parsed.Signature)
	assert.Equal(t, env.Digest, parsed.Digest)
	assert.Equal(t, env.Request.Nonce.String(), parsed.Request.Nonce.String())
	assert.Equal(t, env.Request.Expiry, parsed.Request.Expiry)
	assert.Equal(t, 0, env.Domain.ChainID.Cmp(parsed.Domain.ChainID))
	assert.Equal(t, env.Domain.VerifyingContract, parsed.Domain.VerifyingContract)

	fp, err := env.Fingerprint()
	require.NoError(t, err)
	parsedFP, err := parsed.Fingerprint()
	require.NoError(t, err)
	assert.Equal(t, fp, parsedFP)

	assert.NoError(t, Verify(&parsed.Request, parsed.Domain, parsed.Signature, testNow, parsed.Request.Nonce))
}

func TestEnvelopeJSONShape(t *testing.T) {
	env := signedEnvelope(t)
	data, err := env.Marshal()
	require.NoError(t, err)

	var shape map[string]any
	require.NoError(t, json.Unmarshal(data, &shape))

	req := shape["request"].(map[string]any)
	assert.Equal(t, "7", req["nonce"])
	assert.IsType(t, "", req["expiry"])
	assert.Equal(t, "80002", shape["domain"].(map[string]any)["chainId"])
	assert.True(t, strings.HasPrefix(shape["signature"].(string), "0x"))
	assert.Len(t, shape["signature"].(string), 2+2*SignatureLength)
}

func TestParseEnvelopeRejectsGarbage(t *testing.T) {
	_, err := ParseEnvelope([]byte(`{"id":"not-a-uuid"}`))
	assert.Error(t, err)

	_, err = ParseEnvelope([]byte(`{}`))
	assert.Error(t, err)

	_, err = ParseEnvelope([]byte(`{"request":{"agent":"0x0000000000000000000000000000000000000001","nonce":"-1","expiry":"1"}}`))
	assert.Error(t, err)

	_, err = ParseEnvelope([]byte(`{"request":{"agent":"0x0000000000000000000000000000000000000001","nonce":"1","expiry":"1"},"signature":"0x1234"}`))
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestSignatureText(t *testing.T) {
	env := signedEnvelope(t)
	parsed, err := ParseSignature(env.Signature.Hex())
	require.NoError(t, err)
	assert.Equal(t, env.Signature, parsed)

	_, err = ParseSignature("zz")
	assert.ErrorIs(t, err, ErrInvalidSignature)
}
