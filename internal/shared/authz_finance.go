package shared

// Finance module permissions.
const (
	PermFeesView    = "fees.view"
	PermFeesEdit    = "fees.edit"
	PermFeesCollect = "fees.collect"

	PermInvoicesView  = "invoices.view"
	PermInvoicesIssue = "invoices.issue"
	PermInvoicesVoid  = "invoices.void"
)

// FinanceScopes lists all permissions related to fees and invoicing.
func FinanceScopes() []string {
	return []string{
		PermFeesView,
		PermFeesEdit,
		PermFeesCollect,
		PermInvoicesView,
		PermInvoicesIssue,
		PermInvoicesVoid,
	}
}
