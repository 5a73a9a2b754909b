// Package receipt renders a finalized invoice as a plain-text preview and an
// ESC/POS byte stream for a thermal printer. It consumes only the invoice
// snapshot plus the customer phone; it never reaches back into the stores.
package receipt

import (
	"encoding/base64"
	"fmt"
	"strings"

	"dukaanpos/backend/internal/domain"
)

type Renderer struct {
	shopName  string
	shopPhone string
}

func New(shopName string, shopPhone string) *Renderer {
	return &Renderer{shopName: shopName, shopPhone: shopPhone}
}

func (r *Renderer) Render(invoice domain.Invoice, customerPhone string) domain.ReceiptDocument {
	lines := []string{
		r.shopName,
		"Contact: " + r.shopPhone,
		"========================",
		"Bill No : " + invoice.ID,
		"Date    : " + invoice.CreatedAt.Format("02-Jan-2006 15:04"),
		"Customer: " + invoice.CustomerName,
	}
	if customerPhone != "" {
		lines = append(lines, "Phone   : "+customerPhone)
	}
	lines = append(lines, "------------------------")

	if !invoice.PaymentOnly {
		for _, line := range invoice.Lines {
			lines = append(lines, fmt.Sprintf("%s x%d @ %s", line.Description, line.Qty, FormatMoney(line.UnitPriceCents)))
			lines = append(lines, fmt.Sprintf("  %s", FormatMoney(line.TotalCents())))
		}
		lines = append(lines,
			"------------------------",
			"Current Bill     : "+FormatMoney(invoice.BillTotalCents),
		)
	}
	lines = append(lines,
		"Previous Balance : "+FormatMoney(invoice.OldBalanceCents),
		"Amount Received  : "+FormatMoney(invoice.AmountPaidCents),
		"Remaining Balance: "+FormatMoney(invoice.NewBalanceCents),
		"========================",
		"Shukriya! Phir aaiye ga",
		"",
	)

	escpos := []byte{0x1b, 0x40}
	for _, line := range lines {
		escpos = append(escpos, []byte(line)...)
		escpos = append(escpos, '\n')
	}
	escpos = append(escpos, []byte{0x1d, 0x56, 0x41, 0x10}...)

	return domain.ReceiptDocument{
		InvoiceID:    invoice.ID,
		PreviewText:  strings.Join(lines, "\n"),
		EscposBase64: base64.StdEncoding.EncodeToString(escpos),
		FileName:     fmt.Sprintf("receipt-%s.bin", invoice.ID),
	}
}

// FormatMoney renders cents as "Rs. 1234.56".
func FormatMoney(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("Rs. %s%d.%02d", sign, cents/100, cents%100)
}
