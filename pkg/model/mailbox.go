// Package model defines the records that flow through the export pipeline:
// mailboxes read from the input files and chat messages returned by the
// messaging API.
package model

// ResourceTypeMailbox tags processed markers that belong to mailboxes.
const ResourceTypeMailbox = "mailbox"

// Mailbox is one entry of an input mailbox file.
//
// The JSON field names follow the Exchange mailbox export format. Decoding is
// case-insensitive, so "externalDirectoryObjectId" is accepted as well.
type Mailbox struct {
	// ID is the external directory object id; it is the natural key.
	ID          string `json:"ExternalDirectoryObjectId"`
	DisplayName string `json:"DisplayName"`
	Address     string `json:"PrimarySmtpAddress"`
}
