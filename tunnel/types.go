// Package tunnel caches built circuits and coalesces concurrent requests for
// compatible usage into a single build, generalizing the ad hoc
// "select path, connect, create, extend, extend" sequence every caller in
// this repo used to repeat for itself (cmd/tor-client/main.go:
// tryBuildInitialCircuit, circuitBuilder.tryBuildCircuit) into one reusable,
// request-coalescing manager.
//
// Grounded on original_source/crates/tor-circmgr/src/mgr.rs:
// AbstractTunnelMgr's open/pending tunnel bookkeeping and its
// prepare_action/take_action split are reproduced as Manager,
// openEntry/pendingEntry, and Manager.prepareAction/takeAction.
package tunnel

import (
	"fmt"

	"github.com/cvsouth/tor-go/descriptor"
)

// Purpose is what a tunnel will be used for; tunnels are only ever shared
// between requests of the same Purpose (mgr.rs: TargetTunnelUsage variants).
type Purpose uint8

const (
	PurposeGeneral Purpose = iota
	PurposeDirectory
	PurposeOnionService
)

// TargetUsage describes what a caller wants a tunnel for (mgr.rs:
// TargetTunnelUsage).
type TargetUsage struct {
	Purpose Purpose
	// Exit pins the tunnel's last hop to a specific relay (introduction and
	// rendezvous circuits always need this; general exit traffic doesn't).
	Exit *descriptor.RelayInfo
	// Isolation is an opaque token: tunnels built for different non-empty
	// isolation tokens are never shared, matching the teacher's SOCKS
	// connections all sharing one circuit absent any isolation concept.
	Isolation string
	// LongLived marks a tunnel that should be kept around based on idle
	// time rather than age since first use (mgr.rs: ExpirationInfo::LongLived).
	LongLived bool
}

// SupportedUsage is the usage envelope a built tunnel currently supports; it
// narrows every time the tunnel is restricted for a new request (mgr.rs:
// OpenEntry::restrict_mut / SupportedTunnelUsage).
type SupportedUsage struct {
	Purpose   Purpose
	Exit      *descriptor.RelayInfo
	Isolation string
	LongLived bool
}

func supportedFromTarget(u TargetUsage) SupportedUsage {
	return SupportedUsage{Purpose: u.Purpose, Exit: u.Exit, Isolation: u.Isolation, LongLived: u.LongLived}
}

// Supports reports whether a tunnel restricted to s could also serve u.
func (s SupportedUsage) Supports(u TargetUsage) bool {
	if s.Purpose != u.Purpose {
		return false
	}
	if s.Isolation != "" && u.Isolation != "" && s.Isolation != u.Isolation {
		return false
	}
	if u.Exit != nil {
		if s.Exit == nil || s.Exit.NodeID != u.Exit.NodeID {
			return false
		}
	}
	return true
}

// Restrict narrows s to also account for having been used for u. Returns an
// error if s did not already support u (mgr.rs: restrict_mut).
func (s *SupportedUsage) Restrict(u TargetUsage) error {
	if !s.Supports(u) {
		return fmt.Errorf("tunnel: usage %+v incompatible with existing restriction %+v", u, *s)
	}
	if s.Isolation == "" {
		s.Isolation = u.Isolation
	}
	if s.Exit == nil {
		s.Exit = u.Exit
	}
	s.LongLived = s.LongLived || u.LongLived
	return nil
}

// Provenance reports whether GetOrLaunch returned an already-open tunnel or
// had to build a new one.
type Provenance uint8

const (
	ProvenanceFound Provenance = iota
	ProvenanceBuilt
)

func (p Provenance) String() string {
	if p == ProvenanceBuilt {
		return "built"
	}
	return "found"
}
