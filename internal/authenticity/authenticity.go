// Package authenticity computes an agent's trust vector from identity age,
// behavioral signals, third-party credentials, and network interaction
// history. Scores are bounded to [0,100] and decay toward zero after a grace
// period of inactivity.
package authenticity

import (
	"math"
	"time"
)

// Level is the discrete trust level derived from a score.
type Level string

const (
	LevelNew         Level = "new"
	LevelEmerging    Level = "emerging"
	LevelEstablished Level = "established"
	LevelTrusted     Level = "trusted"
	LevelExemplary   Level = "exemplary"
)

// Score thresholds for each level. A score below 20 is "new", below 40
// "emerging", below 70 "established", below 90 "trusted", and 90 or above
// "exemplary".
const (
	thresholdEmerging    = 20
	thresholdEstablished = 40
	thresholdTrusted     = 70
	thresholdExemplary   = 90
)

// tenureRampDays is the identity age at which the tenure dimension saturates.
const tenureRampDays = 365

// Inactivity decay: no penalty within the grace window, then a flat
// multiplicative decay per day beyond it.
const (
	graceDays    = 30
	dailyDecay   = 0.001
)

// Dimension weights for the combined vector.
const (
	weightTenure       = 0.20
	weightConsistency  = 0.30
	weightAttestations = 0.25
	weightNetworkTrust = 0.25
)

// CredentialCategory buckets credentials by issuer class.
type CredentialCategory string

const (
	CategoryInstitutional CredentialCategory = "institutional"
	CategoryPeer          CredentialCategory = "peer"
	CategoryTransactional CredentialCategory = "transactional"
)

// Credential is a verifiable attestation held by an agent.
type Credential struct {
	ID       string    `json:"id"`
	Type     string    `json:"type"`
	Issuer   string    `json:"issuer"`
	Subject  string    `json:"subject"`
	IssuedAt time.Time `json:"issued_at"`
}

// ConsistencySignals are caller-supplied behavioral signals, each in [0,1].
type ConsistencySignals struct {
	IntentStability     float64 `json:"intent_stability"`
	ProfileConsistency  float64 `json:"profile_consistency"`
	ResponseReliability float64 `json:"response_reliability"`
	InteractionQuality  float64 `json:"interaction_quality"`
}

// NetworkSignals summarize an agent's interaction history.
type NetworkSignals struct {
	TotalInteractions  int       `json:"total_interactions"`
	IntroSuccessRate   float64   `json:"intro_success_rate"`
	PositiveRate       float64   `json:"positive_rate"`
	MutualTrustedPeers int       `json:"mutual_trusted_peers"`
	LastInteraction    time.Time `json:"last_interaction"`
}

// Vector is the multi-dimensional trust score embedded in an agent card.
type Vector struct {
	Score        int          `json:"score"`
	Level        Level        `json:"level"`
	Tenure       float64      `json:"tenure"`
	Consistency  float64      `json:"consistency"`
	Attestations float64      `json:"attestations"`
	NetworkTrust float64      `json:"network_trust"`
	Credentials  []Credential `json:"credentials,omitempty"`
	ComputedAt   time.Time    `json:"computed_at"`
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

// ComputeTenure returns a linear ramp from 0 to 1 over the first year of an
// identity's life, clamped.
func ComputeTenure(createdAt, now time.Time) float64 {
	days := now.Sub(createdAt).Hours() / 24
	return clamp01(days / tenureRampDays)
}

// ComputeConsistency combines behavioral signals with fixed weights: intent
// stability 30%, profile consistency 25%, response reliability 25%,
// interaction quality 20%.
func ComputeConsistency(s ConsistencySignals) float64 {
	sum := 0.30*clamp01(s.IntentStability) +
		0.25*clamp01(s.ProfileConsistency) +
		0.25*clamp01(s.ResponseReliability) +
		0.20*clamp01(s.InteractionQuality)
	return clamp01(sum)
}

// Categorize maps a credential type tag to its issuer category. Unknown types
// count as transactional, the lowest-weight bucket.
func Categorize(credType string) CredentialCategory {
	switch credType {
	case "education", "employment", "certification", "license", "institutional":
		return CategoryInstitutional
	case "peer", "endorsement", "reference":
		return CategoryPeer
	default:
		return CategoryTransactional
	}
}

// credentialWeight returns a credential's contribution to its bucket.
// Institutional credentials carry the most weight. Weight decays 10% per year
// after the first year since issuance.
func credentialWeight(c Credential, now time.Time) float64 {
	var base float64
	switch Categorize(c.Type) {
	case CategoryInstitutional:
		base = 1.0
	case CategoryPeer:
		base = 0.6
	default:
		base = 0.3
	}
	years := now.Sub(c.IssuedAt).Hours() / (24 * 365)
	if years > 1 {
		base *= math.Pow(0.9, years-1)
	}
	return base
}

// ComputeAttestations buckets credentials into institutional, peer, and
// transactional categories, caps each bucket at 1.0, and combines them with
// weights 40/30/30.
func ComputeAttestations(creds []Credential, now time.Time) float64 {
	buckets := map[CredentialCategory]float64{}
	for _, c := range creds {
		buckets[Categorize(c.Type)] += credentialWeight(c, now)
	}
	inst := math.Min(buckets[CategoryInstitutional], 1)
	peer := math.Min(buckets[CategoryPeer], 1)
	trans := math.Min(buckets[CategoryTransactional], 1)
	return clamp01(0.40*inst + 0.30*peer + 0.30*trans)
}

// ComputeNetworkTrust blends introduction success rate, positive-interaction
// rate, and a capped bonus for mutually-trusting peers with weights 35/35/30.
// An agent with no interaction history scores 0.
func ComputeNetworkTrust(s NetworkSignals) float64 {
	if s.TotalInteractions == 0 {
		return 0
	}
	mutualBonus := clamp01(float64(s.MutualTrustedPeers) / 10)
	sum := 0.35*clamp01(s.IntroSuccessRate) +
		0.35*clamp01(s.PositiveRate) +
		0.30*mutualBonus
	return clamp01(sum)
}

// ComputeVector combines the four trust dimensions with fixed weights (tenure
// 20%, consistency 30%, attestations 25%, network trust 25%), applies the
// inactivity decay, and maps the rounded 0-100 score to a level.
//
// lastActive is the most recent interaction or recomputation; a zero value
// means the identity creation time is used, so brand-new agents are not
// penalized before their first interaction.
func ComputeVector(createdAt time.Time, consistency ConsistencySignals, creds []Credential, network NetworkSignals, lastActive, now time.Time) Vector {
	tenure := ComputeTenure(createdAt, now)
	cons := ComputeConsistency(consistency)
	attest := ComputeAttestations(creds, now)
	trust := ComputeNetworkTrust(network)

	raw := weightTenure*tenure +
		weightConsistency*cons +
		weightAttestations*attest +
		weightNetworkTrust*trust

	if lastActive.IsZero() {
		lastActive = createdAt
	}
	inactiveDays := now.Sub(lastActive).Hours() / 24
	if inactiveDays > graceDays {
		raw *= math.Pow(1-dailyDecay, inactiveDays-graceDays)
	}

	score := int(math.Round(clamp01(raw) * 100))

	return Vector{
		Score:        score,
		Level:        LevelForScore(score),
		Tenure:       tenure,
		Consistency:  cons,
		Attestations: attest,
		NetworkTrust: trust,
		Credentials:  creds,
		ComputedAt:   now,
	}
}

// LevelForScore maps a score to its discrete level. The mapping is monotonic:
// a higher score never yields a lower level.
func LevelForScore(score int) Level {
	switch {
	case score >= thresholdExemplary:
		return LevelExemplary
	case score >= thresholdTrusted:
		return LevelTrusted
	case score >= thresholdEstablished:
		return LevelEstablished
	case score >= thresholdEmerging:
		return LevelEmerging
	default:
		return LevelNew
	}
}

// MeetsMinimum reports whether the vector satisfies a minimum score threshold.
func MeetsMinimum(v Vector, minimum int) bool {
	return v.Score >= minimum
}
