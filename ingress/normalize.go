package ingress

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"bitbucket.org/atelierworks/bridge_backend/models"
	"bitbucket.org/atelierworks/bridge_backend/utils"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

var validate = validator.New()

// ErrIgnorableEvent marks events the bridge acknowledges but does not act on,
// so the sender stops redelivering them.
var ErrIgnorableEvent = errors.New("ignorable event")

// StorefrontOrderPayload is the raw order webhook body. Only the fields the
// bridge needs; the storefront sends far more.
type StorefrontOrderPayload struct {
	ID          int64  `json:"id" validate:"required"`
	Status      string `json:"status"`
	Total       string `json:"total"`
	DateCreated string `json:"date_created"`
	Billing     struct {
		FirstName string `json:"first_name"`
		LastName  string `json:"last_name"`
	} `json:"billing"`
	LineItems []struct {
		Name     string `json:"name"`
		Quantity int    `json:"quantity"`
	} `json:"line_items" validate:"required,min=1"`
}

// OrderPlaced is the normalized form handed to the job dispatcher.
type OrderPlaced struct {
	EventId  string
	OrderId  string
	Metadata models.OrderMetadata
}

// processableStatuses are the storefront order states that trigger design
// work. Everything else (pending payment, cancelled, refunded) is ignored.
var processableStatuses = map[string]bool{
	"processing": true,
	"completed":  true,
}

// NormalizeOrder validates the raw payload and maps it to OrderPlaced.
// deliveryId comes from the webhook delivery header and keys idempotency; when
// the storefront omits it the order id and status stand in, which still
// deduplicates redeliveries of the same transition.
func NormalizeOrder(payload *StorefrontOrderPayload, deliveryId string) (*OrderPlaced, error) {
	if err := validate.Struct(payload); err != nil {
		return nil, utils.ValidationError("order payload: %v", err)
	}
	if !processableStatuses[payload.Status] {
		return nil, fmt.Errorf("%w: order status %q", ErrIgnorableEvent, payload.Status)
	}

	total := decimal.Zero
	if payload.Total != "" {
		parsed, err := decimal.NewFromString(payload.Total)
		if err != nil {
			return nil, utils.ValidationError("order total %q: %v", payload.Total, err)
		}
		total = parsed
	}

	placedAt := time.Now().UTC()
	if payload.DateCreated != "" {
		// The storefront emits naive local timestamps without a zone.
		if t, err := time.Parse("2006-01-02T15:04:05", payload.DateCreated); err == nil {
			placedAt = t
		}
	}

	productName := payload.LineItems[0].Name
	board := extractBoardInfo(productName)

	eventId := deliveryId
	if eventId == "" {
		eventId = fmt.Sprintf("storefront:%d:%s", payload.ID, payload.Status)
	}

	customerName := strings.TrimSpace(payload.Billing.LastName + " " + payload.Billing.FirstName)

	return &OrderPlaced{
		EventId: eventId,
		OrderId: fmt.Sprintf("%d", payload.ID),
		Metadata: models.OrderMetadata{
			CustomerName: customerName,
			ProductName:  productName,
			BoardName:    board.Name,
			BoardNumber:  board.Number,
			BoardSize:    board.Size,
			Total:        total,
			PlacedAt:     placedAt,
		},
	}, nil
}

type boardInfo struct {
	Name   string
	Number string
	Size   string
}

var (
	boardOneOffRe = regexp.MustCompile(`【一点物】\s*(.+?)\s+一枚板.*?(\d+)x(\d+)`)
	boardCodedRe  = regexp.MustCompile(`^([^_]+)_(\d+)(?:_(\d+)_(\d+))?`)
	boardNumberRe = regexp.MustCompile(`^(.+?)\s*No\.?(\d+)`)
)

// extractBoardInfo pulls the wood type, board number, and size out of the
// product name. Three naming conventions are in use on the storefront:
//
//	【一点物】タモ 一枚板 結婚証明書 300x300mm
//	ケヤキ_01_400_600
//	ケヤキ No.01
func extractBoardInfo(productName string) boardInfo {
	info := boardInfo{Number: "01"}

	if m := boardOneOffRe.FindStringSubmatch(productName); m != nil {
		info.Name = strings.TrimSpace(m[1])
		info.Size = m[2] + "_" + m[3]
		return info
	}
	if m := boardCodedRe.FindStringSubmatch(productName); m != nil {
		info.Name = m[1]
		info.Number = zeroPad2(m[2])
		if m[3] != "" && m[4] != "" {
			info.Size = m[3] + "_" + m[4]
		}
		return info
	}
	if m := boardNumberRe.FindStringSubmatch(productName); m != nil {
		info.Name = strings.TrimSpace(m[1])
		info.Number = zeroPad2(m[2])
		return info
	}
	return info
}

func zeroPad2(s string) string {
	if len(s) < 2 {
		return "0" + s
	}
	return s
}

// ChatEventPayload is the raw chat platform event body, shared by both
// platform webhooks.
type ChatEventPayload struct {
	EventId    string `json:"event_id" validate:"required"`
	ThreadRef  string `json:"thread_ref"`
	OrderId    string `json:"order_id"`
	SenderName string `json:"sender_name"`
	FromBot    bool   `json:"from_bot"`
	Text       string `json:"text"`
}

// NormalizeChatEvent validates and maps a chat event for the relay router.
// Bot-authored events are the bridge's own messages echoed back and must be
// dropped by the caller before routing.
func NormalizeChatEvent(payload *ChatEventPayload) error {
	if err := validate.Struct(payload); err != nil {
		return utils.ValidationError("chat event payload: %v", err)
	}
	if payload.ThreadRef == "" && payload.OrderId == "" {
		return utils.ValidationError("chat event needs thread_ref or order_id")
	}
	if strings.TrimSpace(payload.Text) == "" {
		return utils.ValidationError("chat event has empty text")
	}
	return nil
}
