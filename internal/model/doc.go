// Package model holds the access-control domain values shared by the wire codec,
// the synchronizer and the coordinator.
//
// Values here are plain data. Validation against a panel's capabilities happens at
// the protocol boundary (internal/protocol/records), not in this package.
package model
