package export

import (
	"errors"
	"strings"
)

// Resource names accepted by the exporter.
const (
	ResourceContacts         = "contacts"
	ResourceItems            = "items"
	ResourceInvoices         = "invoices"
	ResourceCustomerPayments = "customer_payments"
	ResourceInvoicePayments  = "invoice_payments"
	ResourceLineItems        = "invoice_line_items"
)

// DefaultResources is exported when no resource list is given.
var DefaultResources = []string{ResourceContacts, ResourceItems, ResourceInvoices}

// ErrUnsupportedResource is returned for names outside the resource table.
var ErrUnsupportedResource = errors.New("unsupported resource")

// listResource maps a plain list resource to its endpoint.
type listResource struct {
	Path    string
	ListKey string
}

var listResources = map[string]listResource{
	ResourceContacts:         {Path: "/invoice/v3/contacts", ListKey: "contacts"},
	ResourceItems:            {Path: "/invoice/v3/items", ListKey: "items"},
	ResourceInvoices:         {Path: "/invoice/v3/invoices", ListKey: "invoices"},
	ResourceCustomerPayments: {Path: "/invoice/v3/customerpayments", ListKey: "customerpayments"},
}

// ParseResources splits a comma separated list. Blank entries are dropped
// and "payments" is an alias for invoice_payments.
func ParseResources(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		name := strings.TrimSpace(part)
		if name == "" {
			continue
		}
		if name == "payments" {
			name = ResourceInvoicePayments
		}
		out = append(out, name)
	}
	return out
}

// Supported reports whether name can be exported.
func Supported(name string) bool {
	if _, ok := listResources[name]; ok {
		return true
	}
	return name == ResourceInvoicePayments || name == ResourceLineItems
}
