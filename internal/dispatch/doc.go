// Package dispatch routes decoded transmitter messages to their handlers.
//
// Every inbound line carries a string "type" discriminator. The owner of the
// dispatcher builds a static Table literal mapping each supported type to a
// HandlerFunc; Dispatch looks the type up and calls exactly one handler.
//
// Adding a message type means adding a row to the owner's table. Dispatch
// itself never changes.
//
// Error handling:
//   - Unknown type → logged at WARN, ErrUnknownType returned, line dropped
//   - Handler error → logged at ERROR with the message type, returned
//
// Neither case is fatal: the reader loop keeps consuming subsequent lines.
package dispatch
