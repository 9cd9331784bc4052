// Package usage accumulates per-session token usage, derived cost, and
// savings from avoided prompt tokens, priced by a per-model rate table.
package usage
