// Package tokenstore persists the OAuth token record of the signed-in merchant.
//
// A single JSON document holds the record. The refresh token inside it is sealed
// with a key kept in the OS keyring (macOS Keychain, Windows Credential Manager,
// Linux Secret Service) whenever that keyring is reachable; otherwise it is written
// in cleartext and the document says so through its "encrypted" flag.
//
// Loading fails closed: anything that does not match the schema exactly is reported
// as ErrCorrupt and never returned as a partially populated record.
package tokenstore
