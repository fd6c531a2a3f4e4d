package normalize

import "regexp"

// Spending categories assigned by the rule table.
const (
	CategoryGroceries     = "Groceries"
	CategoryDining        = "Dining"
	CategoryTransport     = "Transportation"
	CategoryEntertainment = "Entertainment"
	CategoryUtilities     = "Utilities"
	CategoryHousing       = "Housing"
	CategoryHealthcare    = "Healthcare"
	CategoryShopping      = "Shopping"
	CategoryTravel        = "Travel"
	CategoryIncome        = "Income"
	CategoryFees          = "Fees"
	CategoryTransfers     = "Transfers"
	CategoryCardPayments  = "Card Payments"
	CategoryOther         = "Other"
)

// cashMovementCategories are money moving between the user's own accounts.
// They are excluded from spending aggregation so a large transfer doesn't
// dominate the top-category output.
var cashMovementCategories = map[string]bool{
	CategoryTransfers:    true,
	CategoryCardPayments: true,
}

// IsCashMovement reports whether a category represents cash movement rather
// than spending.
func IsCashMovement(category string) bool {
	return cashMovementCategories[category]
}

// Rule maps a merchant/description pattern to a category. Rules are
// evaluated in order; the first match wins.
type Rule struct {
	Pattern  *regexp.Regexp
	Category string
}

func rule(expr, category string) Rule {
	return Rule{Pattern: regexp.MustCompile(`(?i)` + expr), Category: category}
}

// categoryRules is the ordered rule table. Cash movement rules come first so
// "TRANSFER TO SAVINGS REF 1234" never lands in a spending category; the
// broadest keyword rules come last.
var categoryRules = []Rule{
	// Cash movement
	rule(`\b(transfer|tfr|osko|pay anyone|internal txn)\b`, CategoryTransfers),
	rule(`\b(card payment|payment received|bpay payment|direct debit payment) .*(card|visa|mastercard|amex)\b`, CategoryCardPayments),
	rule(`\bpayment to (visa|mastercard|amex|card)\b`, CategoryCardPayments),

	// Income
	rule(`\b(salary|payroll|pay run|wages|dividend|interest paid|tax refund)\b`, CategoryIncome),

	// Named merchants
	rule(`\b(woolworths|coles|aldi|iga|costco|trader joe|whole foods|safeway|tesco|sainsbury)\b`, CategoryGroceries),
	rule(`\b(mcdonald|kfc|starbucks|subway|domino|pizza hut|burger king|uber\s*eats|doordash|deliveroo|menulog|grubhub)\b`, CategoryDining),
	rule(`\b(netflix|spotify|disney|hulu|hbo|youtube premium|amazon prime|audible|apple\.com/bill|playstation|xbox|steam)\b`, CategoryEntertainment),
	rule(`\b(uber|lyft|didi|shell|bp|caltex|ampol|chevron|exxon|opal|myki|translink)\b`, CategoryTransport),
	rule(`\b(telstra|optus|vodafone|verizon|t-mobile|at&t|comcast|origin energy|agl|energy australia)\b`, CategoryUtilities),
	rule(`\b(airbnb|booking\.com|expedia|qantas|jetstar|virgin australia|delta air|united air|marriott|hilton)\b`, CategoryTravel),
	rule(`\b(chemist warehouse|priceline|cvs|walgreens|bupa|medibank)\b`, CategoryHealthcare),
	rule(`\b(amazon|ebay|target|walmart|kmart|big w|ikea|bunnings|jb hi-?fi)\b`, CategoryShopping),

	// Generic keywords
	rule(`\b(grocer|supermarket|market)\b`, CategoryGroceries),
	rule(`\b(restaurant|cafe|coffee|bakery|bistro|sushi|pizza|takeaway)\b`, CategoryDining),
	rule(`\b(fuel|petrol|parking|toll|taxi|rideshare|train|bus fare)\b`, CategoryTransport),
	rule(`\b(cinema|movie|theatre|concert|gaming)\b`, CategoryEntertainment),
	rule(`\b(electricity|gas bill|water bill|internet|broadband|mobile plan|phone bill)\b`, CategoryUtilities),
	rule(`\b(rent|mortgage|strata|body corporate|lease)\b`, CategoryHousing),
	rule(`\b(pharmacy|chemist|doctor|medical|dental|hospital|physio)\b`, CategoryHealthcare),
	rule(`\b(hotel|motel|flight|airline|airport)\b`, CategoryTravel),
	rule(`\b(account fee|monthly fee|atm fee|overdraft|interest charged)\b`, CategoryFees),
}

// Categorize assigns a category to a raw description via the ordered rule
// table. A category supplied by the extraction service wins only when no
// rule matches.
func Categorize(description, suggested string) string {
	for _, r := range categoryRules {
		if r.Pattern.MatchString(description) {
			return r.Category
		}
	}
	if suggested != "" {
		return suggested
	}
	return CategoryOther
}
