package ingress

import (
	"encoding/json"
	"errors"
	"testing"

	"bitbucket.org/atelierworks/bridge_backend/utils"
)

func orderPayload(t *testing.T, raw string) *StorefrontOrderPayload {
	t.Helper()
	var p StorefrontOrderPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	return &p
}

func TestNormalizeOrder(t *testing.T) {
	p := orderPayload(t, `{
		"id": 1234,
		"status": "processing",
		"total": "48000",
		"date_created": "2026-08-30T10:15:00",
		"billing": {"first_name": "花子", "last_name": "山田"},
		"line_items": [{"name": "ケヤキ_01_400_600", "quantity": 1}]
	}`)

	ev, err := NormalizeOrder(p, "delivery-77")
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if ev.EventId != "delivery-77" {
		t.Fatalf("event id: %s", ev.EventId)
	}
	if ev.OrderId != "1234" {
		t.Fatalf("order id: %s", ev.OrderId)
	}
	if ev.Metadata.CustomerName != "山田 花子" {
		t.Fatalf("customer name: %q", ev.Metadata.CustomerName)
	}
	if ev.Metadata.BoardName != "ケヤキ" || ev.Metadata.BoardNumber != "01" || ev.Metadata.BoardSize != "400_600" {
		t.Fatalf("board info: %+v", ev.Metadata)
	}
	if ev.Metadata.Total.String() != "48000" {
		t.Fatalf("total: %s", ev.Metadata.Total)
	}
}

func TestNormalizeOrderEventIdFallback(t *testing.T) {
	p := orderPayload(t, `{
		"id": 55, "status": "completed", "total": "100",
		"line_items": [{"name": "ケヤキ No.01", "quantity": 1}]
	}`)

	ev, err := NormalizeOrder(p, "")
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if ev.EventId != "storefront:55:completed" {
		t.Fatalf("fallback event id: %s", ev.EventId)
	}
}

func TestNormalizeOrderIgnoresNonProcessableStatus(t *testing.T) {
	for _, status := range []string{"pending", "cancelled", "refunded", "failed"} {
		p := orderPayload(t, `{
			"id": 1, "status": "`+status+`", "total": "1",
			"line_items": [{"name": "x", "quantity": 1}]
		}`)
		_, err := NormalizeOrder(p, "d")
		if !errors.Is(err, ErrIgnorableEvent) {
			t.Fatalf("status %s: expected ignorable, got %v", status, err)
		}
	}
}

func TestNormalizeOrderRejectsMissingFields(t *testing.T) {
	p := orderPayload(t, `{"status": "processing", "line_items": []}`)
	_, err := NormalizeOrder(p, "d")
	if !errors.Is(err, utils.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestNormalizeOrderRejectsBadTotal(t *testing.T) {
	p := orderPayload(t, `{
		"id": 2, "status": "processing", "total": "not-a-number",
		"line_items": [{"name": "x", "quantity": 1}]
	}`)
	_, err := NormalizeOrder(p, "d")
	if !errors.Is(err, utils.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestExtractBoardInfo(t *testing.T) {
	cases := []struct {
		in     string
		name   string
		number string
		size   string
	}{
		{"【一点物】タモ 一枚板 結婚証明書 300x300mm", "タモ", "01", "300_300"},
		{"ケヤキ_01_400_600", "ケヤキ", "01", "400_600"},
		{"ケヤキ_7", "ケヤキ", "07", ""},
		{"ケヤキ No.01", "ケヤキ", "01", ""},
		{"クルミ No3", "クルミ", "03", ""},
		{"unrecognized product", "", "01", ""},
	}
	for _, tc := range cases {
		got := extractBoardInfo(tc.in)
		if got.Name != tc.name || got.Number != tc.number || got.Size != tc.size {
			t.Fatalf("%q: got %+v, want {%s %s %s}", tc.in, got, tc.name, tc.number, tc.size)
		}
	}
}

func TestNormalizeChatEvent(t *testing.T) {
	ok := &ChatEventPayload{EventId: "e1", ThreadRef: "t1", Text: "hello"}
	if err := NormalizeChatEvent(ok); err != nil {
		t.Fatalf("valid event rejected: %v", err)
	}

	byOrder := &ChatEventPayload{EventId: "e2", OrderId: "1001", Text: "hello"}
	if err := NormalizeChatEvent(byOrder); err != nil {
		t.Fatalf("order-keyed event rejected: %v", err)
	}

	if err := NormalizeChatEvent(&ChatEventPayload{EventId: "e3", Text: "hello"}); !errors.Is(err, utils.ErrValidation) {
		t.Fatalf("event without routing key accepted: %v", err)
	}
	if err := NormalizeChatEvent(&ChatEventPayload{EventId: "e4", ThreadRef: "t", Text: "   "}); !errors.Is(err, utils.ErrValidation) {
		t.Fatalf("blank text accepted: %v", err)
	}
	if err := NormalizeChatEvent(&ChatEventPayload{ThreadRef: "t", Text: "hi"}); !errors.Is(err, utils.ErrValidation) {
		t.Fatalf("missing event id accepted: %v", err)
	}
}
