package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"
)

func sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestVerifySignature(t *testing.T) {
	tests := []struct {
		name      string
		payload   []byte
		signature string
		secret    string
		want      bool
	}{
		{
			name:      "valid signature",
			payload:   []byte(`{"test": "data"}`),
			signature: "sha256=",
			secret:    "mysecret",
			want:      true,
		},
		{
			name:      "invalid signature",
			payload:   []byte(`{"test": "data"}`),
			signature: "sha256=invalid",
			secret:    "mysecret",
			want:      false,
		},
		{
			name:      "missing sha256 prefix",
			payload:   []byte(`{"test": "data"}`),
			signature: "invalid",
			secret:    "mysecret",
			want:      false,
		},
		{
			name:      "tampered payload",
			payload:   []byte(`{"test": "tampered"}`),
			signature: "sha256=",
			secret:    "mysecret",
			want:      false,
		},
		{
			name:      "uppercase hex",
			payload:   []byte(`{"test": "data"}`),
			signature: "sha256=",
			secret:    "mysecret",
			want:      false,
		},
		{
			name:      "empty secret rejects signature",
			payload:   []byte(`{"test": "data"}`),
			signature: "sha256=anything",
			secret:    "",
			want:      false,
		},
	}

	valid := sign([]byte(`{"test": "data"}`), "mysecret")
	tests[0].signature = valid
	tests[3].signature = valid
	tests[4].signature = strings.ToUpper(valid)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := VerifySignature(tt.payload, tt.signature, tt.secret); got != tt.want {
				t.Errorf("VerifySignature() = %v, want %v", got, tt.want)
			}
		})
	}
}
