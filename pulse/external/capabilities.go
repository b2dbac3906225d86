package external

import "github.com/teranos/pulsejob/pulse/jobstore"

// ScopeCapabilities tells the lease manager which abnormal endings the owner
// of a job's scope understands.
type ScopeCapabilities interface {
	SupportsTermination(scopeType jobstore.ScopeType) bool
	SupportsBusinessError(scopeType jobstore.ScopeType) bool
}

// DefaultCapabilities lets case scopes terminate and process scopes raise business errors.
type DefaultCapabilities struct{}

func (DefaultCapabilities) SupportsTermination(scopeType jobstore.ScopeType) bool {
	return scopeType == jobstore.ScopeCMMN
}

func (DefaultCapabilities) SupportsBusinessError(scopeType jobstore.ScopeType) bool {
	return scopeType == jobstore.ScopeBPMN
}
