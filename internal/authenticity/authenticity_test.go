package authenticity

import (
	"testing"
	"time"
)

var now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func TestComputeTenure(t *testing.T) {
	cases := []struct {
		name string
		age  time.Duration
		want float64
	}{
		{"brand new", 0, 0},
		{"half year", 365 * 12 * time.Hour, 0.5},
		{"one year", 365 * 24 * time.Hour, 1},
		{"five years", 5 * 365 * 24 * time.Hour, 1},
	}
	for _, c := range cases {
		got := ComputeTenure(now.Add(-c.age), now)
		if diff := got - c.want; diff > 0.001 || diff < -0.001 {
			t.Errorf("%s: ComputeTenure = %v, want %v", c.name, got, c.want)
		}
	}
}

func TestComputeConsistencyWeights(t *testing.T) {
	full := ComputeConsistency(ConsistencySignals{1, 1, 1, 1})
	if full != 1 {
		t.Errorf("all-ones consistency = %v, want 1", full)
	}
	onlyStability := ComputeConsistency(ConsistencySignals{IntentStability: 1})
	if onlyStability != 0.30 {
		t.Errorf("intent stability weight = %v, want 0.30", onlyStability)
	}
	// Out-of-range inputs are clamped, not amplified.
	clamped := ComputeConsistency(ConsistencySignals{5, 5, 5, 5})
	if clamped != 1 {
		t.Errorf("clamped consistency = %v, want 1", clamped)
	}
}

func TestComputeAttestationsBuckets(t *testing.T) {
	fresh := now.Add(-30 * 24 * time.Hour)

	inst := ComputeAttestations([]Credential{{Type: "education", IssuedAt: fresh}}, now)
	if inst != 0.40 {
		t.Errorf("one institutional credential = %v, want 0.40", inst)
	}

	// Bucket cap: piling on institutional credentials cannot exceed the
	// bucket's 1.0 cap.
	var many []Credential
	for i := 0; i < 10; i++ {
		many = append(many, Credential{Type: "certification", IssuedAt: fresh})
	}
	capped := ComputeAttestations(many, now)
	if capped != 0.40 {
		t.Errorf("capped institutional bucket = %v, want 0.40", capped)
	}

	all := ComputeAttestations([]Credential{
		{Type: "education", IssuedAt: fresh},
		{Type: "education", IssuedAt: fresh},
		{Type: "peer", IssuedAt: fresh},
		{Type: "peer", IssuedAt: fresh},
		{Type: "transaction", IssuedAt: fresh},
		{Type: "transaction", IssuedAt: fresh},
		{Type: "transaction", IssuedAt: fresh},
		{Type: "transaction", IssuedAt: fresh},
	}, now)
	if all < 0.99 || all > 1 {
		t.Errorf("saturated buckets = %v, want ~1.0", all)
	}
}

func TestCredentialAgeDecay(t *testing.T) {
	fresh := ComputeAttestations([]Credential{{Type: "peer", IssuedAt: now.Add(-100 * 24 * time.Hour)}}, now)
	old := ComputeAttestations([]Credential{{Type: "peer", IssuedAt: now.Add(-3 * 365 * 24 * time.Hour)}}, now)
	if old >= fresh {
		t.Errorf("aged credential %v not below fresh credential %v", old, fresh)
	}
	// Decay only starts after the first year.
	young := ComputeAttestations([]Credential{{Type: "peer", IssuedAt: now.Add(-300 * 24 * time.Hour)}}, now)
	if young != fresh {
		t.Errorf("sub-year credential %v decayed, want %v", young, fresh)
	}
}

func TestComputeNetworkTrust(t *testing.T) {
	if got := ComputeNetworkTrust(NetworkSignals{}); got != 0 {
		t.Errorf("no history network trust = %v, want 0", got)
	}
	got := ComputeNetworkTrust(NetworkSignals{
		TotalInteractions:  40,
		IntroSuccessRate:   1,
		PositiveRate:       1,
		MutualTrustedPeers: 100,
	})
	if got != 1 {
		t.Errorf("saturated network trust = %v, want 1", got)
	}
	partial := ComputeNetworkTrust(NetworkSignals{TotalInteractions: 5, IntroSuccessRate: 1})
	if partial != 0.35 {
		t.Errorf("success-only network trust = %v, want 0.35", partial)
	}
}

func TestComputeVectorBounds(t *testing.T) {
	extremes := []struct {
		created time.Time
		cons    ConsistencySignals
		creds   []Credential
		net     NetworkSignals
	}{
		{now, ConsistencySignals{}, nil, NetworkSignals{}},
		{now.Add(-10 * 365 * 24 * time.Hour), ConsistencySignals{1, 1, 1, 1},
			[]Credential{{Type: "education", IssuedAt: now}, {Type: "peer", IssuedAt: now}, {Type: "tx", IssuedAt: now}},
			NetworkSignals{TotalInteractions: 100, IntroSuccessRate: 1, PositiveRate: 1, MutualTrustedPeers: 50}},
	}
	for _, e := range extremes {
		v := ComputeVector(e.created, e.cons, e.creds, e.net, now, now)
		if v.Score < 0 || v.Score > 100 {
			t.Errorf("score %d out of [0,100]", v.Score)
		}
		if v.Level != LevelForScore(v.Score) {
			t.Errorf("level %q inconsistent with score %d", v.Level, v.Score)
		}
	}
}

// Raising any single dimension input while holding the rest fixed must never
// decrease the overall score.
func TestComputeVectorMonotonic(t *testing.T) {
	created := now.Add(-200 * 24 * time.Hour)
	cons := ConsistencySignals{0.5, 0.5, 0.5, 0.5}
	net := NetworkSignals{TotalInteractions: 10, IntroSuccessRate: 0.5, PositiveRate: 0.5, MutualTrustedPeers: 2}

	base := ComputeVector(created, cons, nil, net, now, now).Score

	older := ComputeVector(now.Add(-400*24*time.Hour), cons, nil, net, now, now).Score
	if older < base {
		t.Errorf("older identity score %d < base %d", older, base)
	}

	better := cons
	better.ResponseReliability = 1
	if got := ComputeVector(created, better, nil, net, now, now).Score; got < base {
		t.Errorf("higher consistency score %d < base %d", got, base)
	}

	withCred := ComputeVector(created, cons, []Credential{{Type: "education", IssuedAt: now}}, net, now, now).Score
	if withCred < base {
		t.Errorf("added credential score %d < base %d", withCred, base)
	}

	netUp := net
	netUp.PositiveRate = 1
	if got := ComputeVector(created, cons, nil, netUp, now, now).Score; got < base {
		t.Errorf("higher network trust score %d < base %d", got, base)
	}
}

func TestInactivityDecay(t *testing.T) {
	created := now.Add(-2 * 365 * 24 * time.Hour)
	cons := ConsistencySignals{1, 1, 1, 1}
	net := NetworkSignals{TotalInteractions: 20, IntroSuccessRate: 0.8, PositiveRate: 0.9, MutualTrustedPeers: 5}

	active := ComputeVector(created, cons, nil, net, now, now).Score
	withinGrace := ComputeVector(created, cons, nil, net, now.Add(-29*24*time.Hour), now).Score
	if withinGrace != active {
		t.Errorf("score decayed within grace window: %d vs %d", withinGrace, active)
	}
	stale := ComputeVector(created, cons, nil, net, now.Add(-200*24*time.Hour), now).Score
	if stale >= active {
		t.Errorf("stale score %d not below active score %d", stale, active)
	}
}

func TestLevelForScore(t *testing.T) {
	cases := []struct {
		score int
		want  Level
	}{
		{0, LevelNew}, {19, LevelNew},
		{20, LevelEmerging}, {39, LevelEmerging},
		{40, LevelEstablished}, {69, LevelEstablished},
		{70, LevelTrusted}, {89, LevelTrusted},
		{90, LevelExemplary}, {100, LevelExemplary},
	}
	for _, c := range cases {
		if got := LevelForScore(c.score); got != c.want {
			t.Errorf("LevelForScore(%d) = %q, want %q", c.score, got, c.want)
		}
	}
}

func TestMeetsMinimum(t *testing.T) {
	v := Vector{Score: 50}
	if !MeetsMinimum(v, 50) {
		t.Error("MeetsMinimum(50, 50) = false")
	}
	if MeetsMinimum(v, 51) {
		t.Error("MeetsMinimum(50, 51) = true")
	}
}
