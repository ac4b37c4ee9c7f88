package token

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func testCredential() Credential {
	return Credential{
		CampaignID:      uuid.New(),
		CampaignAddress: "0x00000000000000000000000000000000DeaDBeef",
		TokenID:         HashFromBytes(bytes.Repeat([]byte{0x42}, HashSize)),
		Signature:       bytes.Repeat([]byte{0x07}, 65),
	}
}

func TestCredentialRoundTrip(t *testing.T) {
	codec, err := NewCodec([]byte("test-secret"))
	if err != nil {
		t.Fatalf("new codec: %v", err)
	}
	now := time.Unix(1700000000, 0)
	codec.SetNowFunc(func() time.Time { return now })

	cred := testCredential()
	raw, err := codec.Encode(cred, now.Add(time.Hour))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := codec.Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.CampaignID != cred.CampaignID {
		t.Fatalf("campaign id mismatch: %s vs %s", decoded.CampaignID, cred.CampaignID)
	}
	if decoded.CampaignAddress != cred.CampaignAddress {
		t.Fatalf("address mismatch: %s", decoded.CampaignAddress)
	}
	if decoded.TokenID != cred.TokenID {
		t.Fatalf("token id mismatch")
	}
	if !bytes.Equal(decoded.Signature, cred.Signature) {
		t.Fatalf("signature mismatch")
	}
}

func TestCredentialExpiry(t *testing.T) {
	codec, err := NewCodec([]byte("test-secret"))
	if err != nil {
		t.Fatalf("new codec: %v", err)
	}
	now := time.Unix(1700000000, 0)
	codec.SetNowFunc(func() time.Time { return now })

	raw, err := codec.Encode(testCredential(), now.Add(time.Minute))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	codec.SetNowFunc(func() time.Time { return now.Add(2 * time.Minute) })
	if _, err := codec.Decode(raw); !errors.Is(err, ErrCredentialExpired) {
		t.Fatalf("expected ErrCredentialExpired, got %v", err)
	}
}

func TestCredentialRejectsForeignSecret(t *testing.T) {
	codec, _ := NewCodec([]byte("secret-a"))
	other, _ := NewCodec([]byte("secret-b"))
	raw, err := codec.Encode(testCredential(), time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := other.Decode(raw); !errors.Is(err, ErrCredentialInvalid) {
		t.Fatalf("expected ErrCredentialInvalid, got %v", err)
	}
}
