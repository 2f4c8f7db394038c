// Package front adapts delivery targets to the gateway and AMOP interfaces.
// Webhook types POST JSON to an HTTP endpoint. Func types wrap in-process
// callbacks.
package front
