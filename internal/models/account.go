package models

// Usage is the AI quota consumption of the current user.
type Usage struct {
	Used  int `json:"used"`
	Limit int `json:"limit"`
}

// BillingStatus is the subscription status reported by the billing backend.
type BillingStatus string

const (
	// BillingStatusActive is the only status that counts as a paid user.
	BillingStatusActive   BillingStatus = "active"
	BillingStatusCanceled BillingStatus = "canceled"
	BillingStatusNone     BillingStatus = "none"
)

// ViewportClass is the breakpoint class of the device rendering the panel.
type ViewportClass string

const (
	ViewportSmall   ViewportClass = "sm"
	ViewportMedium  ViewportClass = "md"
	ViewportLarge   ViewportClass = "lg"
	ViewportXLarge  ViewportClass = "xl"
	Viewport2XLarge ViewportClass = "2xl"
)

// IsCompact reports whether the viewport is small enough that the panel overlays the roadmap instead of
// sitting next to it.
func (v ViewportClass) IsCompact() bool {
	return v == ViewportSmall || v == ViewportMedium
}

// ParseViewportClass maps a breakpoint name to a ViewportClass, falling back to ViewportLarge for unknown
// values.
func ParseViewportClass(s string) ViewportClass {
	switch v := ViewportClass(s); v {
	case ViewportSmall, ViewportMedium, ViewportLarge, ViewportXLarge, Viewport2XLarge:
		return v
	default:
		return ViewportLarge
	}
}
