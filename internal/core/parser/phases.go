package parser

import (
	"strings"

	"eca.monitor/internal/core/domain"
)

type phaseRule struct {
	patterns []string
	phase    domain.Phase
}

// phaseRules maps task names to lifecycle phases. Order matters: rules are
// checked top to bottom and the first match wins, so a specific pattern
// ("disable lldp") must sit above the generic one ("lldp") it would
// otherwise be shadowed by.
var phaseRules = []phaseRule{
	{[]string{"disable lldp", "disablelld", "lldp off"}, domain.PhaseDisableLLDP},
	{[]string{"enable lldp", "lldp"}, domain.PhaseEnableLLDP},
	{[]string{"power cycle", "powercycle", "reboot"}, domain.PhasePowerCycle},
	{[]string{"power down", "power off", "shutdown", "shut down"}, domain.PhasePowerDown},
	{[]string{"power up", "power on", "powerup"}, domain.PhasePowerUp},
	{[]string{"rack slot", "rackslot", "rack/slot"}, domain.PhaseRackSlot},
	{[]string{"asset tag", "assettag"}, domain.PhaseAssetTag},
	{[]string{"firmware", "bios update", "idrac update"}, domain.PhaseFirmware},
	{[]string{"import config", "import scp", "scp import", "xml import", "import xml"}, domain.PhaseImportConfig},
	{[]string{"diagnostic", "diag check"}, domain.PhaseDiagnostics},
	{[]string{"tsr", "support bundle", "support assist"}, domain.PhaseSupportBundle},
	{[]string{"cleanup", "clean up", "post logs", "postlogs"}, domain.PhaseCleanup},
}

// DetectPhase maps an Ansible task name to a lifecycle phase. Returns false
// for task names that match no rule; callers leave the current phase sticky
// in that case.
func DetectPhase(taskName string) (domain.Phase, bool) {
	name := strings.ToLower(taskName)
	for _, rule := range phaseRules {
		for _, p := range rule.patterns {
			if strings.Contains(name, p) {
				return rule.phase, true
			}
		}
	}
	return "", false
}
