// Package pagination walks Zoho page-number pagination lazily.
//
// Zoho list endpoints take page and per_page query parameters and report
// continuation in page_context.has_more_page. The paginator issues one
// request per page, strictly in order, and yields each page as soon as it
// arrives.
//
// Example usage:
//
//	p := pagination.New(zohoClient, pagination.DefaultConfig())
//	for page, err := range p.Pages(ctx, pagination.Query{
//		Path:    "/invoice/v3/contacts",
//		ListKey: "contacts",
//	}) {
//		if err != nil {
//			return err
//		}
//		for _, rec := range page.Records {
//			...
//		}
//	}
//
// A missing page_context or has_more_page ends the sequence. A service that
// keeps reporting more pages produces an unbounded sequence; callers that
// need a bound should stop ranging.
package pagination
