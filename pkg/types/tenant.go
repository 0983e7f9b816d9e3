package types

// TenantSettings are the per-tenant knobs the refetcher consults.
type TenantSettings struct {
	// ShouldRefreshCache enables proactive refresh of the tenant's cached pages.
	ShouldRefreshCache bool `json:"shouldRefreshCache"`
	// IgnoredPaths lists globs (or ~regexp patterns) of URLs never refreshed.
	IgnoredPaths []string `json:"ignoredPaths"`
	// Regex404 matched against a rendered page's <title>; a match turns a 200 into a 404.
	Regex404 string `json:"regex404,omitempty"`
}

// MonthlyCount is the number of renders done for a tenant in one calendar month.
type MonthlyCount struct {
	Month string `json:"month"` // yyyy-mm, UTC
	Count int64  `json:"count"`
}

// ExpiringEntry is one member of the expiration index.
type ExpiringEntry struct {
	TenantID  string
	URL       string
	ExpiresAt int64 // unix ms
}
