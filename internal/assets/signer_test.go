package assets

import (
	"context"
	"testing"
	"time"
)

func TestStaticSignerJoinsKey(t *testing.T) {
	s := StaticSigner{Base: "http://localhost:9000/assets"}
	url, err := s.SignedURL(context.Background(), "org-1/gen-1.png", time.Minute)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if url != "http://localhost:9000/assets/org-1/gen-1.png" {
		t.Fatalf("unexpected url %q", url)
	}
}

func TestNewS3SignerRequiresBucket(t *testing.T) {
	if _, err := NewS3Signer(context.Background(), S3Options{}); err == nil {
		t.Fatal("expected error without bucket")
	}
}
