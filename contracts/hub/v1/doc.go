// Package v1 defines the SlideHub realtime wire contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between the hub and its clients to keep the wire protocol authoritative.
package v1
