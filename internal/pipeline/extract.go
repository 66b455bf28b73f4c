package pipeline

import (
	"encoding/json"
	"strconv"
	"strings"

	"cyberherd/internal/queue"

	gonostr "github.com/nbd-wtf/go-nostr"
)

// ZapRequest is the distilled kind-9734 zap request found inside a payment.
type ZapRequest struct {
	PubKey    string // the zapper
	EventID   string // first e-tag: the zapped note; empty when the request has none
	ReceiptID string // id of the kind-9735 receipt, when the payment carried one
}

// ExtractZapRequest digs a zap request out of a payment. Wallets deliver it
// two ways: the payment description holds the full kind-9735 receipt whose
// description tag embeds the request, or extra.nostr holds the request
// directly. Anything that does not parse cleanly is treated as a plain
// payment.
func ExtractZapRequest(p *queue.Payment) *ZapRequest {
	if req := fromReceiptDescription(p.Description); req != nil {
		return req
	}
	return fromExtraNostr(p.Extra)
}

func fromReceiptDescription(description string) *ZapRequest {
	trimmed := strings.TrimSpace(description)
	if !strings.HasPrefix(trimmed, "{") {
		return nil
	}

	var receipt gonostr.Event
	if err := json.Unmarshal([]byte(trimmed), &receipt); err != nil {
		return nil
	}
	return ExtractFromReceipt(&receipt)
}

// ExtractFromReceipt reads the zap request embedded in a kind-9735 receipt
// event's description tag. Recovery uses this on receipts fetched straight
// from relays. Returns nil when the receipt carries no parsable request.
func ExtractFromReceipt(receipt *gonostr.Event) *ZapRequest {
	if receipt.Kind != gonostr.KindZap {
		return nil
	}

	for _, tag := range receipt.Tags {
		if len(tag) >= 2 && tag[0] == "description" {
			req := parseZapRequest([]byte(tag[1]))
			if req != nil {
				req.ReceiptID = receipt.ID
			}
			return req
		}
	}
	return nil
}

// ReceiptAmountSats recovers the zap amount from a receipt event. The
// embedded request's amount tag (millisats) is authoritative; the bolt11
// invoice amount is the fallback. Returns 0 when neither yields an amount.
func ReceiptAmountSats(receipt *gonostr.Event) int64 {
	for _, tag := range receipt.Tags {
		if len(tag) < 2 || tag[0] != "description" {
			continue
		}
		var request gonostr.Event
		if err := json.Unmarshal([]byte(tag[1]), &request); err != nil {
			continue
		}
		if msats := amountTagMsats(request.Tags); msats > 0 {
			return msats / 1000
		}
	}

	for _, tag := range receipt.Tags {
		if len(tag) >= 2 && tag[0] == "bolt11" {
			return bolt11AmountMsats(tag[1]) / 1000
		}
	}
	return 0
}

func amountTagMsats(tags gonostr.Tags) int64 {
	for _, tag := range tags {
		if len(tag) < 2 || tag[0] != "amount" {
			continue
		}
		msats, err := strconv.ParseInt(tag[1], 10, 64)
		if err != nil || msats < 0 {
			return 0
		}
		return msats
	}
	return 0
}

// bolt11AmountMsats decodes the human-readable amount of a bolt11 invoice.
// Returns 0 for amountless or unparsable invoices.
func bolt11AmountMsats(invoice string) int64 {
	s := strings.ToLower(strings.TrimSpace(invoice))

	// The last 1 separates the human-readable part from the data part;
	// bech32 data never contains a 1.
	sep := strings.LastIndex(s, "1")
	if sep < 0 {
		return 0
	}
	hrp := s[:sep]

	var amount string
	switch {
	case strings.HasPrefix(hrp, "lnbcrt"):
		amount = hrp[len("lnbcrt"):]
	case strings.HasPrefix(hrp, "lntbs"):
		amount = hrp[len("lntbs"):]
	case strings.HasPrefix(hrp, "lntb"):
		amount = hrp[len("lntb"):]
	case strings.HasPrefix(hrp, "lnbc"):
		amount = hrp[len("lnbc"):]
	default:
		return 0
	}
	if amount == "" {
		return 0
	}

	multiplier := amount[len(amount)-1]
	if multiplier == 'm' || multiplier == 'u' || multiplier == 'n' || multiplier == 'p' {
		amount = amount[:len(amount)-1]
	}
	value, err := strconv.ParseInt(amount, 10, 64)
	if err != nil || value <= 0 {
		return 0
	}

	// multiplier relative to 1 BTC = 1e11 msats
	switch multiplier {
	case 'm':
		return value * 100_000_000
	case 'u':
		return value * 100_000
	case 'n':
		return value * 100
	case 'p':
		return value / 10
	default:
		return value * 100_000_000_000
	}
}

func fromExtraNostr(extra *queue.PaymentExtra) *ZapRequest {
	if extra == nil || len(extra.Nostr) == 0 {
		return nil
	}

	raw := []byte(extra.Nostr)
	// Some wallets double-encode the request as a JSON string.
	var unquoted string
	if err := json.Unmarshal(raw, &unquoted); err == nil {
		raw = []byte(unquoted)
	}
	return parseZapRequest(raw)
}

func parseZapRequest(data []byte) *ZapRequest {
	var request gonostr.Event
	if err := json.Unmarshal(data, &request); err != nil {
		return nil
	}
	if request.Kind != gonostr.KindZapRequest || request.PubKey == "" {
		return nil
	}

	req := &ZapRequest{PubKey: request.PubKey}
	for _, tag := range request.Tags {
		if len(tag) >= 2 && tag[0] == "e" {
			req.EventID = tag[1]
			break
		}
	}
	return req
}
