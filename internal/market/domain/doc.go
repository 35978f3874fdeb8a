// Package domain holds the marketplace records and the rules that govern
// them: deterministic address derivation, basis-point fee arithmetic, listing
// and license validation, and the license verification state machine.
package domain
