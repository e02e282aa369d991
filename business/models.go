package business

import (
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/jmcleod/bizadmin/internal/util"
)

// Meta is embedded in every entity. Its fields are owned by the store:
// values supplied by clients are overwritten on create and update.
type Meta struct {
	ID        int64     `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (m *Meta) meta() *Meta { return m }

// RecordID returns the store-assigned id.
func (m Meta) RecordID() int64 { return m.ID }

// InvoiceStatus is the lifecycle state of an invoice.
type InvoiceStatus string

const (
	InvoiceDraft  InvoiceStatus = "draft"
	InvoiceIssued InvoiceStatus = "issued"
	InvoicePaid   InvoiceStatus = "paid"
	InvoiceVoid   InvoiceStatus = "void"
)

// Invoice is a bill, optionally linked to the supplier that raised it.
type Invoice struct {
	Meta
	Number      string        `json:"number"`
	SupplierID  int64         `json:"supplier_id,omitempty"`
	Customer    string        `json:"customer"`
	IssueDate   string        `json:"issue_date"`
	DueDate     string        `json:"due_date,omitempty"`
	AmountCents int64         `json:"amount_cents"`
	Currency    string        `json:"currency"`
	Status      InvoiceStatus `json:"status"`
	Notes       string        `json:"notes,omitempty"`
}

func (*Invoice) recordType() string { return "INVOICE" }

func (inv *Invoice) normalize() {
	inv.Number = util.NormalizeText(inv.Number)
	inv.Customer = strings.TrimSpace(inv.Customer)
	inv.Currency = strings.ToUpper(strings.TrimSpace(inv.Currency))
	if inv.Currency == "" {
		inv.Currency = DefaultCurrency
	}
	if inv.Status == "" {
		inv.Status = InvoiceDraft
	}
}

func (inv *Invoice) Validate() error {
	inv.normalize()
	if inv.Number == "" {
		return invalid("number", "is required")
	}
	if inv.Customer == "" {
		return invalid("customer", "is required")
	}
	issued, err := parseDate("issue_date", inv.IssueDate, true)
	if err != nil {
		return err
	}
	due, err := parseDate("due_date", inv.DueDate, false)
	if err != nil {
		return err
	}
	if !due.IsZero() && due.Before(issued) {
		return invalid("due_date", "must not be before issue_date")
	}
	if inv.AmountCents < 0 {
		return invalid("amount_cents", "must not be negative")
	}
	if err := validateCurrency(inv.Currency); err != nil {
		return err
	}
	switch inv.Status {
	case InvoiceDraft, InvoiceIssued, InvoicePaid, InvoiceVoid:
	default:
		return invalid("status", fmt.Sprintf("unknown status %q", inv.Status))
	}
	if inv.SupplierID < 0 {
		return invalid("supplier_id", "must not be negative")
	}
	return nil
}

// PurchaseOrderStatus is the lifecycle state of a purchase order.
type PurchaseOrderStatus string

const (
	PurchaseOrderOpen      PurchaseOrderStatus = "open"
	PurchaseOrderReceived  PurchaseOrderStatus = "received"
	PurchaseOrderCancelled PurchaseOrderStatus = "cancelled"
)

// PurchaseOrder is an order placed with a supplier.
type PurchaseOrder struct {
	Meta
	Number      string              `json:"number"`
	SupplierID  int64               `json:"supplier_id"`
	ItemGroupID int64               `json:"item_group_id,omitempty"`
	OrderDate   string              `json:"order_date"`
	TotalCents  int64               `json:"total_cents"`
	Currency    string              `json:"currency"`
	Status      PurchaseOrderStatus `json:"status"`
	Description string              `json:"description,omitempty"`
}

func (*PurchaseOrder) recordType() string { return "PURCHASE_ORDER" }

func (po *PurchaseOrder) Validate() error {
	po.Number = util.NormalizeText(po.Number)
	po.Currency = strings.ToUpper(strings.TrimSpace(po.Currency))
	if po.Currency == "" {
		po.Currency = DefaultCurrency
	}
	if po.Status == "" {
		po.Status = PurchaseOrderOpen
	}

	if po.Number == "" {
		return invalid("number", "is required")
	}
	if po.SupplierID <= 0 {
		return invalid("supplier_id", "is required")
	}
	if po.ItemGroupID < 0 {
		return invalid("item_group_id", "must not be negative")
	}
	if _, err := parseDate("order_date", po.OrderDate, true); err != nil {
		return err
	}
	if po.TotalCents < 0 {
		return invalid("total_cents", "must not be negative")
	}
	if err := validateCurrency(po.Currency); err != nil {
		return err
	}
	switch po.Status {
	case PurchaseOrderOpen, PurchaseOrderReceived, PurchaseOrderCancelled:
	default:
		return invalid("status", fmt.Sprintf("unknown status %q", po.Status))
	}
	return nil
}

// Supplier is a vendor that invoices are received from and purchase orders
// are placed with.
type Supplier struct {
	Meta
	Name    string `json:"name"`
	Email   string `json:"email,omitempty"`
	Phone   string `json:"phone,omitempty"`
	Address string `json:"address,omitempty"`
}

func (*Supplier) recordType() string { return "SUPPLIER" }

func (s *Supplier) Validate() error {
	s.Name = strings.TrimSpace(s.Name)
	s.Email = strings.TrimSpace(s.Email)
	if s.Name == "" {
		return invalid("name", "is required")
	}
	if s.Email != "" {
		if _, err := mail.ParseAddress(s.Email); err != nil {
			return invalid("email", "is not a valid address")
		}
	}
	return nil
}

// ItemGroup categorises purchased items.
type ItemGroup struct {
	Meta
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

func (*ItemGroup) recordType() string { return "ITEM_GROUP" }

func (g *ItemGroup) Validate() error {
	g.Name = strings.TrimSpace(g.Name)
	if g.Name == "" {
		return invalid("name", "is required")
	}
	return nil
}

// Student is an enrolment record.
type Student struct {
	Meta
	FirstName  string `json:"first_name"`
	LastName   string `json:"last_name"`
	Email      string `json:"email,omitempty"`
	Program    string `json:"program,omitempty"`
	EnrolledOn string `json:"enrolled_on,omitempty"`
	Active     bool   `json:"active"`
}

func (*Student) recordType() string { return "STUDENT" }

func (s *Student) Validate() error {
	s.FirstName = strings.TrimSpace(s.FirstName)
	s.LastName = strings.TrimSpace(s.LastName)
	s.Email = strings.TrimSpace(s.Email)
	if s.FirstName == "" {
		return invalid("first_name", "is required")
	}
	if s.LastName == "" {
		return invalid("last_name", "is required")
	}
	if s.Email != "" {
		if _, err := mail.ParseAddress(s.Email); err != nil {
			return invalid("email", "is not a valid address")
		}
	}
	_, err := parseDate("enrolled_on", s.EnrolledOn, false)
	return err
}

// DefaultCurrency is applied when a monetary record omits its currency.
const DefaultCurrency = "USD"

func validateCurrency(c string) error {
	if len(c) != 3 {
		return invalid("currency", "must be a three-letter ISO 4217 code")
	}
	for _, r := range c {
		if r < 'A' || r > 'Z' {
			return invalid("currency", "must be a three-letter ISO 4217 code")
		}
	}
	return nil
}

func parseDate(field, v string, required bool) (time.Time, error) {
	if v == "" {
		if required {
			return time.Time{}, invalid(field, "is required")
		}
		return time.Time{}, nil
	}
	t, err := time.Parse(time.DateOnly, v)
	if err != nil {
		return time.Time{}, invalid(field, "must be a date in YYYY-MM-DD form")
	}
	return t, nil
}
