package load

import (
	"time"

	"github.com/uptrace/bun"
)

// InvoiceRaw is one line of an invoices.jsonl file.
type InvoiceRaw struct {
	bun.BaseModel `bun:"table:invoice_raw,alias:ir"`

	SourceFile       string     `bun:"source_file,pk"`
	LineNo           int        `bun:"line_no,pk"`
	InvoiceID        string     `bun:"invoice_id,nullzero"`
	RawJSON          string     `bun:"raw_json,type:jsonb,notnull"`
	CreatedTime      *time.Time `bun:"created_time,nullzero"`
	UpdatedTime      *time.Time `bun:"updated_time,nullzero"`
	LastModifiedTime *time.Time `bun:"last_modified_time,nullzero"`
	IngestedAt       time.Time  `bun:"ingested_at,notnull"`
}

// Invoice is the normalized invoice row.
type Invoice struct {
	bun.BaseModel `bun:"table:invoices,alias:inv"`

	InvoiceID        string     `bun:"invoice_id,pk"`
	InvoiceNumber    string     `bun:"invoice_number,nullzero"`
	Date             *time.Time `bun:"date,type:date,nullzero"`
	DueDate          *time.Time `bun:"due_date,type:date,nullzero"`
	Status           string     `bun:"status,nullzero"`
	CurrentSubStatus string     `bun:"current_sub_status,nullzero"`
	Total            *string    `bun:"total,type:numeric"`
	Balance          *string    `bun:"balance,type:numeric"`
	CurrencyCode     string     `bun:"currency_code,nullzero"`
	CustomerID       string     `bun:"customer_id,nullzero"`
	CustomerName     string     `bun:"customer_name,nullzero"`
	InvoiceURL       string     `bun:"invoice_url,nullzero"`
	SalespersonID    string     `bun:"salesperson_id,nullzero"`
	SalespersonName  string     `bun:"salesperson_name,nullzero"`
	CreatedTime      *time.Time `bun:"created_time,nullzero"`
	UpdatedTime      *time.Time `bun:"updated_time,nullzero"`
	LastModifiedTime *time.Time `bun:"last_modified_time,nullzero"`
	RawJSON          string     `bun:"raw_json,type:jsonb,notnull"`
}

// InvoiceAddress is a billing or shipping address of an invoice.
type InvoiceAddress struct {
	bun.BaseModel `bun:"table:invoice_addresses,alias:ia"`

	InvoiceID string `bun:"invoice_id,pk"`
	Kind      string `bun:"kind,pk"`
	Attention string `bun:"attention,nullzero"`
	Address   string `bun:"address,nullzero"`
	Street2   string `bun:"street2,nullzero"`
	City      string `bun:"city,nullzero"`
	State     string `bun:"state,nullzero"`
	Zipcode   string `bun:"zipcode,nullzero"`
	Country   string `bun:"country,nullzero"`
	Phone     string `bun:"phone,nullzero"`
	RawJSON   string `bun:"raw_json,type:jsonb,notnull"`
}

// Customer is the customer seen on the newest invoice.
type Customer struct {
	bun.BaseModel `bun:"table:customers,alias:cu"`

	CustomerID   string     `bun:"customer_id,pk"`
	CustomerName string     `bun:"customer_name,nullzero"`
	CompanyName  string     `bun:"company_name,nullzero"`
	Email        string     `bun:"email,nullzero"`
	Phone        string     `bun:"phone,nullzero"`
	Country      string     `bun:"country,nullzero"`
	RawJSON      string     `bun:"raw_json,type:jsonb,notnull"`
	UpdatedAt    *time.Time `bun:"updated_at,nullzero"`
}

// bestTime returns the first non-nil candidate.
func bestTime(candidates ...*time.Time) time.Time {
	for _, t := range candidates {
		if t != nil && !t.IsZero() {
			return *t
		}
	}
	return time.Time{}
}

func (r *InvoiceRaw) best() time.Time {
	return bestTime(r.LastModifiedTime, r.UpdatedTime, r.CreatedTime, &r.IngestedAt)
}

func (i *Invoice) version() time.Time {
	return bestTime(i.LastModifiedTime, i.UpdatedTime, i.CreatedTime)
}

func (c *Customer) version() time.Time {
	return bestTime(c.UpdatedAt)
}
