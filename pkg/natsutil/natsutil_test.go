package natsutil

import (
	"testing"

	"github.com/nats-io/nats.go"
)

func TestHeaderCarrierRoundTrip(t *testing.T) {
	msg := &nats.Msg{}
	carrier := (*natsHeaderCarrier)(msg)

	carrier.Set("traceparent", "00-abc-def-01")
	if got := carrier.Get("traceparent"); got != "00-abc-def-01" {
		t.Errorf("Get = %q", got)
	}
	if keys := carrier.Keys(); len(keys) != 1 || keys[0] != "Traceparent" {
		t.Errorf("Keys = %v", keys)
	}
}

func TestHeaderCarrierNilHeader(t *testing.T) {
	carrier := (*natsHeaderCarrier)(&nats.Msg{})
	if got := carrier.Get("missing"); got != "" {
		t.Errorf("Get on empty header = %q", got)
	}
	if keys := carrier.Keys(); keys != nil {
		t.Errorf("Keys on empty header = %v", keys)
	}
}

func TestHeaderCarrierOverwrite(t *testing.T) {
	carrier := (*natsHeaderCarrier)(&nats.Msg{})
	carrier.Set("k", "first")
	carrier.Set("k", "second")
	if got := carrier.Get("k"); got != "second" {
		t.Errorf("Get after overwrite = %q", got)
	}
}
