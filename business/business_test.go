package business

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/bizadmin/storage"
	"github.com/jmcleod/bizadmin/storage/memory"
)

func newBook(t *testing.T) *Book {
	t.Helper()
	return NewBook(memory.NewRepository())
}

func TestCollectionCRUD(t *testing.T) {
	ctx := context.Background()
	b := newBook(t)

	created, err := b.Suppliers.Create(ctx, &Supplier{Name: "  Acme Paper ", Email: "sales@acme.test"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), created.ID)
	assert.Equal(t, "Acme Paper", created.Name)
	assert.False(t, created.CreatedAt.IsZero())

	got, err := b.Suppliers.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.Name, got.Name)

	second, err := b.Suppliers.Create(ctx, &Supplier{Name: "Globex"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), second.ID)

	updated, err := b.Suppliers.Update(ctx, created.ID, &Supplier{Name: "Acme Paper Ltd", Meta: Meta{ID: 99}})
	require.NoError(t, err)
	assert.Equal(t, created.ID, updated.ID, "client-supplied ids are ignored")
	assert.True(t, created.CreatedAt.Equal(updated.CreatedAt))

	list, err := b.Suppliers.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "Acme Paper Ltd", list[0].Name)
	assert.Equal(t, "Globex", list[1].Name)

	require.NoError(t, b.Suppliers.Delete(ctx, second.ID))
	_, err = b.Suppliers.Get(ctx, second.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, b.Suppliers.Delete(ctx, second.ID), ErrNotFound)
	_, err = b.Suppliers.Update(ctx, second.ID, &Supplier{Name: "ghost"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListOrdersNumerically(t *testing.T) {
	ctx := context.Background()
	b := newBook(t)
	for range 11 {
		_, err := b.ItemGroups.Create(ctx, &ItemGroup{Name: "group"})
		require.NoError(t, err)
	}
	list, err := b.ItemGroups.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 11)
	for i, g := range list {
		assert.Equal(t, int64(i+1), g.ID)
	}
}

func TestIDsArePerKind(t *testing.T) {
	ctx := context.Background()
	b := newBook(t)
	s, err := b.Students.Create(ctx, &Student{FirstName: "Ada", LastName: "Lovelace", Active: true})
	require.NoError(t, err)
	g, err := b.ItemGroups.Create(ctx, &ItemGroup{Name: "Stationery"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), s.ID)
	assert.Equal(t, int64(1), g.ID)
}

func TestValidation(t *testing.T) {
	tests := map[string]struct {
		v     interface{ Validate() error }
		field string
	}{
		"invoice without number":   {&Invoice{Customer: "c", IssueDate: "2026-01-01"}, "number"},
		"invoice bad date":         {&Invoice{Number: "1", Customer: "c", IssueDate: "01/02/2026"}, "issue_date"},
		"invoice due before issue": {&Invoice{Number: "1", Customer: "c", IssueDate: "2026-02-01", DueDate: "2026-01-01"}, "due_date"},
		"invoice negative amount":  {&Invoice{Number: "1", Customer: "c", IssueDate: "2026-01-01", AmountCents: -1}, "amount_cents"},
		"invoice bad currency":     {&Invoice{Number: "1", Customer: "c", IssueDate: "2026-01-01", Currency: "dollars"}, "currency"},
		"invoice bad status":       {&Invoice{Number: "1", Customer: "c", IssueDate: "2026-01-01", Status: "lost"}, "status"},
		"po without supplier":      {&PurchaseOrder{Number: "PO-1", OrderDate: "2026-01-01"}, "supplier_id"},
		"po bad status":            {&PurchaseOrder{Number: "PO-1", SupplierID: 1, OrderDate: "2026-01-01", Status: "shipped"}, "status"},
		"supplier without name":    {&Supplier{}, "name"},
		"supplier bad email":       {&Supplier{Name: "x", Email: "nope"}, "email"},
		"item group without name":  {&ItemGroup{Name: " "}, "name"},
		"student without last":     {&Student{FirstName: "Ada"}, "last_name"},
		"student bad enrolment":    {&Student{FirstName: "Ada", LastName: "L", EnrolledOn: "soon"}, "enrolled_on"},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			err := tc.v.Validate()
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tc.field, verr.Field)
		})
	}
}

func TestInvoiceDefaults(t *testing.T) {
	inv := &Invoice{Number: " INV-7 ", Customer: "Initech", IssueDate: "2026-03-01", Currency: "eur"}
	require.NoError(t, inv.Validate())
	assert.Equal(t, "INV-7", inv.Number)
	assert.Equal(t, "EUR", inv.Currency)
	assert.Equal(t, InvoiceDraft, inv.Status)
}

func TestReferencesMustExist(t *testing.T) {
	ctx := context.Background()
	b := newBook(t)

	_, err := b.PurchaseOrders.Create(ctx, &PurchaseOrder{Number: "PO-1", SupplierID: 5, OrderDate: "2026-01-01"})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "supplier_id", verr.Field)

	sup, err := b.Suppliers.Create(ctx, &Supplier{Name: "Acme"})
	require.NoError(t, err)

	_, err = b.PurchaseOrders.Create(ctx, &PurchaseOrder{Number: "PO-1", SupplierID: sup.ID, ItemGroupID: 3, OrderDate: "2026-01-01"})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "item_group_id", verr.Field)

	po, err := b.PurchaseOrders.Create(ctx, &PurchaseOrder{Number: "PO-1", SupplierID: sup.ID, OrderDate: "2026-01-01"})
	require.NoError(t, err)
	assert.Equal(t, PurchaseOrderOpen, po.Status)

	_, err = b.Invoices.Create(ctx, &Invoice{Number: "1", Customer: "c", IssueDate: "2026-01-01", SupplierID: 42})
	require.ErrorAs(t, err, &verr)

	_, err = b.Invoices.Create(ctx, &Invoice{Number: "1", Customer: "c", IssueDate: "2026-01-01"})
	require.NoError(t, err)
}

// racingRepo bumps the stored version between Update's read and write.
type racingRepo struct {
	storage.Repository
	once sync.Once
}

func (r *racingRepo) PutCAS(ctx context.Context, ns, rt, id string, expected uint64, rec *storage.Record) error {
	if expected != 0 {
		r.once.Do(func() {
			cur, err := r.Repository.Get(ctx, ns, rt, id)
			if err == nil {
				cur.Version++
				_ = r.Repository.Put(ctx, ns, rt, id, cur)
			}
		})
	}
	return r.Repository.PutCAS(ctx, ns, rt, id, expected, rec)
}

func TestUpdateConflict(t *testing.T) {
	ctx := context.Background()
	b := NewBook(&racingRepo{Repository: memory.NewRepository()})

	g, err := b.ItemGroups.Create(ctx, &ItemGroup{Name: "Books"})
	require.NoError(t, err)

	_, err = b.ItemGroups.Update(ctx, g.ID, &ItemGroup{Name: "Textbooks"})
	assert.ErrorIs(t, err, ErrConflict)

	_, err = b.ItemGroups.Update(ctx, g.ID, &ItemGroup{Name: "Textbooks"})
	assert.NoError(t, err)
}

func TestCreateNilBody(t *testing.T) {
	b := newBook(t)
	_, err := b.Students.Create(context.Background(), nil)
	var verr *ValidationError
	assert.True(t, errors.As(err, &verr))
}

func TestSummary(t *testing.T) {
	ctx := context.Background()
	b := newBook(t)

	sup, err := b.Suppliers.Create(ctx, &Supplier{Name: "Acme"})
	require.NoError(t, err)
	_, err = b.ItemGroups.Create(ctx, &ItemGroup{Name: "Paper"})
	require.NoError(t, err)

	for _, inv := range []*Invoice{
		{Number: "1", Customer: "a", IssueDate: "2026-01-01", AmountCents: 1000, Status: InvoiceIssued},
		{Number: "2", Customer: "b", IssueDate: "2026-01-02", AmountCents: 2500, Status: InvoiceIssued},
		{Number: "3", Customer: "c", IssueDate: "2026-01-03", AmountCents: 700, Status: InvoicePaid},
		{Number: "4", Customer: "d", IssueDate: "2026-01-04", AmountCents: 900, Status: InvoiceIssued, Currency: "EUR"},
	} {
		_, err := b.Invoices.Create(ctx, inv)
		require.NoError(t, err)
	}
	_, err = b.PurchaseOrders.Create(ctx, &PurchaseOrder{Number: "PO-1", SupplierID: sup.ID, OrderDate: "2026-01-05", TotalCents: 4200})
	require.NoError(t, err)
	_, err = b.Students.Create(ctx, &Student{FirstName: "Ada", LastName: "L", Active: true})
	require.NoError(t, err)
	_, err = b.Students.Create(ctx, &Student{FirstName: "Alan", LastName: "T"})
	require.NoError(t, err)

	s, err := b.Summary(ctx)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), s.GeneratedAt, time.Minute)
	assert.Equal(t, 1, s.Suppliers)
	assert.Equal(t, 1, s.ItemGroups)
	assert.Equal(t, 2, s.Students)
	assert.Equal(t, 1, s.ActiveStudents)
	assert.Equal(t, Totals{Count: 2, Cents: 3500}, s.Invoices["USD"][InvoiceIssued])
	assert.Equal(t, Totals{Count: 1, Cents: 700}, s.Invoices["USD"][InvoicePaid])
	assert.Equal(t, Totals{Count: 2, Cents: 3500}, s.Outstanding["USD"])
	assert.Equal(t, Totals{Count: 1, Cents: 900}, s.Outstanding["EUR"])
	assert.Equal(t, Totals{Count: 1, Cents: 4200}, s.PurchaseOrders["USD"][PurchaseOrderOpen])
}
