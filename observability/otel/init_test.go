package otel

import (
	"context"
	"testing"
)

func TestParseHeaders(t *testing.T) {
	headers := ParseHeaders(" api-key = abc ,broken,=x, tenant=escrow")
	if len(headers) != 2 || headers["api-key"] != "abc" || headers["tenant"] != "escrow" {
		t.Fatalf("unexpected headers %v", headers)
	}
	if len(ParseHeaders("")) != 0 {
		t.Fatalf("expected empty map")
	}
}

func TestInitDisabledIsNoop(t *testing.T) {
	if _, err := Init(context.Background(), Config{}); err == nil {
		t.Fatalf("expected service name error")
	}
	shutdown, err := Init(context.Background(), Config{ServiceName: "escrowd"})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}
