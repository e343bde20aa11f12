package webhook

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSignVerify(t *testing.T) {
	payload := []byte(`{"event":"completed","delivery_id":"dlv_1"}`)
	signature := Sign("topsecret", payload)

	assert.True(t, Verify("topsecret", payload, signature))
	assert.False(t, Verify("wrongsecret", payload, signature))
	assert.False(t, Verify("topsecret", payload, "not-hex!"))
}

func TestVerify_SingleByteAlterationInvalidates(t *testing.T) {
	payload := []byte(`{"event":"completed","delivery_id":"dlv_1","data":{"job_id":"job_9"}}`)
	signature := Sign("topsecret", payload)

	for i := range payload {
		tampered := append([]byte(nil), payload...)
		tampered[i] ^= 0x01
		assert.False(t, Verify("topsecret", tampered, signature), "altered byte %d not detected", i)
	}
}
