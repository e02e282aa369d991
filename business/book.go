package business

import (
	"context"
	"fmt"

	"github.com/jmcleod/bizadmin/storage"
)

// Book groups the collections and the references between them.
type Book struct {
	Invoices       *Collection[Invoice, *Invoice]
	PurchaseOrders *Collection[PurchaseOrder, *PurchaseOrder]
	Suppliers      *Collection[Supplier, *Supplier]
	ItemGroups     *Collection[ItemGroup, *ItemGroup]
	Students       *Collection[Student, *Student]
}

// NewBook returns a Book over repo. Invoices and purchase orders must refer
// to suppliers and item groups that exist when they are written.
func NewBook(repo storage.Repository) *Book {
	b := &Book{
		Invoices:       NewCollection[Invoice](repo),
		PurchaseOrders: NewCollection[PurchaseOrder](repo),
		Suppliers:      NewCollection[Supplier](repo),
		ItemGroups:     NewCollection[ItemGroup](repo),
		Students:       NewCollection[Student](repo),
	}
	b.Invoices.check = func(ctx context.Context, inv *Invoice) error {
		if inv.SupplierID == 0 {
			return nil
		}
		return mustExist(ctx, b.Suppliers, "supplier_id", inv.SupplierID)
	}
	b.PurchaseOrders.check = func(ctx context.Context, po *PurchaseOrder) error {
		if err := mustExist(ctx, b.Suppliers, "supplier_id", po.SupplierID); err != nil {
			return err
		}
		if po.ItemGroupID == 0 {
			return nil
		}
		return mustExist(ctx, b.ItemGroups, "item_group_id", po.ItemGroupID)
	}
	return b
}

func mustExist[T any, P entity[T]](ctx context.Context, c *Collection[T, P], field string, id int64) error {
	ok, err := c.Exists(ctx, id)
	if err != nil {
		return fmt.Errorf("checking %s: %w", field, err)
	}
	if !ok {
		return invalid(field, fmt.Sprintf("refers to unknown record %d", id))
	}
	return nil
}
