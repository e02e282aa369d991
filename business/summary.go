package business

import (
	"context"
	"time"
)

// Totals is a record count with its summed amount in cents.
type Totals struct {
	Count int   `json:"count"`
	Cents int64 `json:"cents"`
}

func (t *Totals) add(cents int64) {
	t.Count++
	t.Cents += cents
}

// Summary is the aggregate shown on the reports endpoint. Amounts are
// summed per currency.
type Summary struct {
	GeneratedAt    time.Time                                 `json:"generated_at"`
	Suppliers      int                                       `json:"suppliers"`
	ItemGroups     int                                       `json:"item_groups"`
	Students       int                                       `json:"students"`
	ActiveStudents int                                       `json:"active_students"`
	Invoices       map[string]map[InvoiceStatus]Totals       `json:"invoices"`
	PurchaseOrders map[string]map[PurchaseOrderStatus]Totals `json:"purchase_orders"`
	Outstanding    map[string]Totals                         `json:"outstanding"`
}

// Summary computes the report over every stored record. Outstanding counts
// issued invoices that have not been paid.
func (b *Book) Summary(ctx context.Context) (*Summary, error) {
	s := &Summary{
		GeneratedAt:    time.Now().UTC(),
		Invoices:       map[string]map[InvoiceStatus]Totals{},
		PurchaseOrders: map[string]map[PurchaseOrderStatus]Totals{},
		Outstanding:    map[string]Totals{},
	}

	invoices, err := b.Invoices.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, inv := range invoices {
		byStatus := s.Invoices[inv.Currency]
		if byStatus == nil {
			byStatus = map[InvoiceStatus]Totals{}
			s.Invoices[inv.Currency] = byStatus
		}
		t := byStatus[inv.Status]
		t.add(inv.AmountCents)
		byStatus[inv.Status] = t

		if inv.Status == InvoiceIssued {
			o := s.Outstanding[inv.Currency]
			o.add(inv.AmountCents)
			s.Outstanding[inv.Currency] = o
		}
	}

	orders, err := b.PurchaseOrders.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, po := range orders {
		byStatus := s.PurchaseOrders[po.Currency]
		if byStatus == nil {
			byStatus = map[PurchaseOrderStatus]Totals{}
			s.PurchaseOrders[po.Currency] = byStatus
		}
		t := byStatus[po.Status]
		t.add(po.TotalCents)
		byStatus[po.Status] = t
	}

	suppliers, err := b.Suppliers.List(ctx)
	if err != nil {
		return nil, err
	}
	s.Suppliers = len(suppliers)

	groups, err := b.ItemGroups.List(ctx)
	if err != nil {
		return nil, err
	}
	s.ItemGroups = len(groups)

	students, err := b.Students.List(ctx)
	if err != nil {
		return nil, err
	}
	s.Students = len(students)
	for _, st := range students {
		if st.Active {
			s.ActiveStudents++
		}
	}
	return s, nil
}
