// Package invoice implements the invoice aggregate: the closed set of event
// kinds, the reducers that fold those events into invoice state (lifecycle
// transitions plus derived multi-tax totals), and the service façade the rest
// of the application talks to.
package invoice
