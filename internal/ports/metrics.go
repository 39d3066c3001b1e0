package ports

// BusMetrics records message bus activity. Series are keyed by plugin name
// rather than topic; topics are chosen by plugins and unbounded.
type BusMetrics interface {
	IncPublished(plugin string)
	IncHandlerErrors(plugin string)
	IncRequests(plugin, outcome string)
}

// SandboxMetrics records traffic with isolated plugin contexts.
type SandboxMetrics interface {
	ObserveLifecycleCall(action, status string, durationSeconds float64)
	IncIntegrityFailures()
}

// UpgradeMetrics records shadow upgrade outcomes.
type UpgradeMetrics interface {
	IncUpgrades(plugin, outcome string)
}

// NopMetrics implements every metrics port without recording anything.
type NopMetrics struct{}

func (NopMetrics) IncPublished(string)                          {}
func (NopMetrics) IncHandlerErrors(string)                      {}
func (NopMetrics) IncRequests(string, string)                   {}
func (NopMetrics) ObserveLifecycleCall(string, string, float64) {}
func (NopMetrics) IncIntegrityFailures()                        {}
func (NopMetrics) IncUpgrades(string, string)                   {}

var (
	_ BusMetrics     = NopMetrics{}
	_ SandboxMetrics = NopMetrics{}
	_ UpgradeMetrics = NopMetrics{}
)
