package service

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"
	"time"

	"tempmail/client/internal/domain"
)

var receiptTemplate = template.Must(template.New("receipt").Parse(`<!DOCTYPE html>
<html>
<head>
  <meta charset="utf-8">
  <title>Invoice {{.Number}}</title>
  <style>
    body { font-family: Arial, sans-serif; color: #1f2937; margin: 40px; }
    .header { border-bottom: 2px solid #4F46E5; padding-bottom: 16px; margin-bottom: 24px; }
    .label { color: #6b7280; font-size: 13px; }
    .value { font-size: 16px; margin-bottom: 12px; }
    .total { font-size: 20px; font-weight: bold; color: #4F46E5; }
  </style>
</head>
<body>
  <div class="header">
    <h1>TempMail Invoice</h1>
    <div class="label">Invoice number</div><div class="value">{{.Number}}</div>
    <div class="label">Issue date</div><div class="value">{{.IssuedAt}}</div>
  </div>
  <div class="label">Email address</div><div class="value">{{.Address}}</div>
  <div class="label">Order ID</div><div class="value">{{.OrderID}}</div>
  <div class="label">Extension</div><div class="value">{{.Weeks}} week(s)</div>
  <div class="label">Active until</div><div class="value">{{.ExpiresAt}}</div>
  <div class="label">Amount paid</div><div class="total">{{.Amount}} {{.Currency}}</div>
  <p>Thank you for using TempMail! Your temporary email will remain active until {{.ExpiresAt}}.</p>
</body>
</html>
`))

// receiptView 收据模板数据
type receiptView struct {
	Number    string
	IssuedAt  string
	Address   string
	OrderID   string
	Weeks     int
	ExpiresAt string
	Amount    int64
	Currency  string
}

// ReceiptNumber 收据编号：INV- 加订单号前 8 位（大写）
func ReceiptNumber(orderID string) string {
	return "INV-" + strings.ToUpper(orderPrefix(orderID))
}

// ReceiptFileName 收据文件名
func ReceiptFileName(orderID string) string {
	return fmt.Sprintf("TempMail_Invoice_%s.html", orderPrefix(orderID))
}

func orderPrefix(orderID string) string {
	if len(orderID) > 8 {
		return orderID[:8]
	}
	return orderID
}

// BuildReceipt 根据已确认的订单生成 HTML 收据
func BuildReceipt(order domain.ExtensionOrder, expiresAt, issuedAt time.Time) (domain.Receipt, error) {
	view := receiptView{
		Number:    ReceiptNumber(order.OrderID),
		IssuedAt:  issuedAt.UTC().Format("2006-01-02"),
		Address:   order.Address,
		OrderID:   order.OrderID,
		Weeks:     order.Weeks,
		ExpiresAt: expiresAt.UTC().Format("2006-01-02 15:04 MST"),
		Amount:    order.Amount,
		Currency:  order.Currency,
	}

	var buf bytes.Buffer
	if err := receiptTemplate.Execute(&buf, view); err != nil {
		return domain.Receipt{}, fmt.Errorf("render receipt: %w", err)
	}

	return domain.Receipt{
		Number:      view.Number,
		FileName:    ReceiptFileName(order.OrderID),
		ContentType: "text/html; charset=utf-8",
		Body:        buf.Bytes(),
	}, nil
}
