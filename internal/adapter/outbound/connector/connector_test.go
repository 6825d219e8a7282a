package connector

import (
	"context"
	"strings"
	"testing"
)

func TestForNameMock(t *testing.T) {
	for _, name := range []string{"", "mock"} {
		c := ForName(name)
		if c.Name() != "mock" {
			t.Fatalf("ForName(%q).Name() = %q", name, c.Name())
		}
		res, err := c.Execute(context.Background(), "ExpediteShipment", map[string]any{"priority": "high"})
		if err != nil {
			t.Fatal(err)
		}
		if !res.OK || res.Message != "mock-executed ExpediteShipment" {
			t.Errorf("unexpected result: %+v", res)
		}
	}
}

func TestForNameUnknownFailsClosed(t *testing.T) {
	c := ForName("sap")
	if c.Name() != "sap" {
		t.Errorf("Name() = %q", c.Name())
	}
	res, err := c.Execute(context.Background(), "TriggerPurchase", nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.OK {
		t.Error("unknown connector must fail closed")
	}
	if !strings.Contains(res.Message, "sap") {
		t.Errorf("message should name the connector: %q", res.Message)
	}
}
