package detect

import (
	"fmt"

	"github.com/authsentry/authsentry/internal/model"
)

// Summaries and recommended actions are fixed templates parameterised only
// by evidence values. No locale, no randomness: re-detecting the same
// window yields byte-identical text.

func bruteForceSummary(incident model.Incident) string {
	return fmt.Sprintf(
		"Brute-force authentication activity detected (MITRE %s): "+
			"%d failed login attempts against user '%s' from source IP %s "+
			"during %s–%s, exceeding brute-force threshold.",
		incident.Mitre.Technique,
		incident.Evidence.Counts.Failures,
		incident.Subject.Username,
		incident.Subject.SourceIP,
		incident.Evidence.WindowStart,
		incident.Evidence.WindowEnd,
	)
}

func credAbuseSummary(incident model.Incident) string {
	return fmt.Sprintf(
		"Potential Credential Abuse detected (MITRE %s - Password Spraying): "+
			"%d failed login attempts across %d distinct accounts "+
			"from source IP %s during %s–%s. "+
			"This pattern is indicative of compromised credentials or unauthorized access attempts.",
		incident.Mitre.Technique,
		incident.Evidence.Counts.Failures,
		incident.Evidence.Counts.DistinctUsers,
		incident.Subject.SourceIP,
		incident.Evidence.WindowStart,
		incident.Evidence.WindowEnd,
	)
}

// BruteForceActions returns the fixed response checklist for brute-force
// incidents, in priority order.
func BruteForceActions() []string {
	return []string{
		"Validate whether the source IP and login pattern are expected for this user (VPNs, known locations, automation).",
		"Review authentication activity before and after the detection window to identify escalation or successful access.",
		"Assess account controls (lockout behavior, MFA enforcement) and confirm whether the user experienced authentication issues.",
		"If activity is unauthorized, follow response policy: reset credentials, revoke active sessions, and apply network controls as appropriate.",
	}
}

// CredAbuseActions returns the fixed response checklist for
// credential-abuse incidents, in priority order.
func CredAbuseActions() []string {
	return []string{
		"Identify every account targeted from the source IP and check each for successful authentications inside and after the window.",
		"Block or rate-limit the source IP at the network edge if it is not a known egress point (VPN, NAT, proxy).",
		"Force credential resets and session revocation for any account that recorded a success from the source IP.",
		"Review identity-provider lockout and MFA policy so a single IP cannot probe many accounts below the lockout threshold.",
	}
}
