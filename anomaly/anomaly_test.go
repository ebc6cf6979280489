package anomaly

import "testing"

func TestRingNeverExceeds100(t *testing.T) {
	d := NewDetector(DefaultConfig())
	for i := 0; i < 250; i++ {
		d.RecordAndAnalyze(Trace{TimestampMs: int64(i) * 1000, Model: "x", TokensIn: 10, TokensOut: 5, CostUSD: 0.01})
	}
	if d.RingLen() > 100 {
		t.Fatalf("ring exceeded 100: %d", d.RingLen())
	}
}

func TestRepetitionAnomaly(t *testing.T) {
	d := NewDetector(DefaultConfig())
	var anomalies []Anomaly
	base := int64(0)
	for i := 0; i < 20; i++ {
		anomalies = d.RecordAndAnalyze(Trace{TimestampMs: base + int64(i)*100, Model: "x", TokensIn: 1050, TokensOut: 50})
	}
	found := false
	for _, a := range anomalies {
		if a.Type == TypeRepetition && a.Severity == SeverityCritical {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected repetition/critical anomaly on 20th call, got %+v", anomalies)
	}
}

func TestTokenExplosion(t *testing.T) {
	d := NewDetector(DefaultConfig())
	anomalies := d.RecordAndAnalyze(Trace{TimestampMs: 1000, Model: "x", CostUSD: 6})
	if len(anomalies) == 0 || anomalies[0].Type != TypeTokenExplosion {
		t.Fatalf("expected token explosion anomaly, got %+v", anomalies)
	}
}

func TestCostAcceleration(t *testing.T) {
	d := NewDetector(DefaultConfig())
	// first half: 5 entries, low cost spread over 10s
	for i := 0; i < 5; i++ {
		d.RecordAndAnalyze(Trace{TimestampMs: int64(i) * 2000, Model: "x", CostUSD: 0.01})
	}
	// second half: 5 entries, high cost, same duration window
	var anomalies []Anomaly
	for i := 5; i < 10; i++ {
		anomalies = d.RecordAndAnalyze(Trace{TimestampMs: int64(i) * 2000, Model: "x", CostUSD: 2})
	}
	found := false
	for _, a := range anomalies {
		if a.Type == TypeCostAcceleration {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected cost acceleration anomaly, got %+v", anomalies)
	}
}
