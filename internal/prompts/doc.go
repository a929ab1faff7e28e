// Package prompts renders the text sent to inference backends.
//
// Prompt text is Go code rather than config files because it is program
// logic: it interpolates live telemetry, is deterministic for a given
// input, and is checked by golden tests.
package prompts
