// Package domain defines core data models, interfaces and the error taxonomy
// shared across the encryption core. It contains plain types (wire/state),
// contracts (interfaces) and errors only.
package domain
