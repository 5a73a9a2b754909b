package receipt

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dukaanpos/backend/internal/domain"
)

func TestFormatMoney(t *testing.T) {
	assert.Equal(t, "Rs. 0.00", FormatMoney(0))
	assert.Equal(t, "Rs. 59.97", FormatMoney(5997))
	assert.Equal(t, "Rs. 300.00", FormatMoney(30000))
	assert.Equal(t, "Rs. 0.05", FormatMoney(5))
	assert.Equal(t, "Rs. -12.50", FormatMoney(-1250))
}

func TestRenderSaleReceipt(t *testing.T) {
	renderer := New("Zeeshan Mobile Accessories", "03296971255")
	invoice := domain.Invoice{
		ID:           "ZMA-000007",
		Seq:          7,
		CustomerName: "Ali",
		Lines: []domain.LineItem{
			{Description: "Charger", Qty: 1, UnitPriceCents: 30000},
			{Description: "Cable", Qty: 3, UnitPriceCents: 1999},
		},
		BillTotalCents:  35997,
		OldBalanceCents: 5000,
		AmountPaidCents: 30000,
		NewBalanceCents: 10997,
		CreatedAt:       time.Date(2026, 8, 28, 14, 5, 0, 0, time.UTC),
	}

	doc := renderer.Render(invoice, "0300-1234567")

	assert.Equal(t, "ZMA-000007", doc.InvoiceID)
	assert.Equal(t, "receipt-ZMA-000007.bin", doc.FileName)
	assert.Contains(t, doc.PreviewText, "Zeeshan Mobile Accessories")
	assert.Contains(t, doc.PreviewText, "Bill No : ZMA-000007")
	assert.Contains(t, doc.PreviewText, "28-Aug-2026 14:05")
	assert.Contains(t, doc.PreviewText, "Phone   : 0300-1234567")
	assert.Contains(t, doc.PreviewText, "Cable x3 @ Rs. 19.99")
	assert.Contains(t, doc.PreviewText, "Current Bill     : Rs. 359.97")
	assert.Contains(t, doc.PreviewText, "Previous Balance : Rs. 50.00")
	assert.Contains(t, doc.PreviewText, "Remaining Balance: Rs. 109.97")
	assert.Contains(t, doc.PreviewText, "Shukriya! Phir aaiye ga")

	raw, err := base64.StdEncoding.DecodeString(doc.EscposBase64)
	require.NoError(t, err)
	// ESC @ init at the head, GS V cut at the tail.
	assert.Equal(t, []byte{0x1b, 0x40}, raw[:2])
	assert.Equal(t, []byte{0x1d, 0x56, 0x41, 0x10}, raw[len(raw)-4:])
}

func TestRenderPaymentReceiptSkipsItemBlock(t *testing.T) {
	renderer := New("Zeeshan Mobile Accessories", "03296971255")
	invoice := domain.Invoice{
		ID:              "PAY-000008",
		Seq:             8,
		CustomerName:    "Ali",
		OldBalanceCents: 10000,
		AmountPaidCents: 10000,
		NewBalanceCents: 0,
		PaymentOnly:     true,
		CreatedAt:       time.Date(2026, 8, 28, 14, 10, 0, 0, time.UTC),
	}

	doc := renderer.Render(invoice, "")

	assert.NotContains(t, doc.PreviewText, "Current Bill")
	assert.NotContains(t, doc.PreviewText, "Phone   :")
	assert.Contains(t, doc.PreviewText, "Amount Received  : Rs. 100.00")
	assert.Contains(t, doc.PreviewText, "Remaining Balance: Rs. 0.00")
}
