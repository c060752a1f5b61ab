package proof

import (
	"testing"

	"hustlexp/storage"
)

func TestValidateEdges(t *testing.T) {
	cases := []struct {
		from, to string
		g        Guards
		ok       bool
	}{
		{storage.ProofRequested, storage.ProofSubmitted, Guards{}, true},
		{storage.ProofSubmitted, storage.ProofAnalyzing, Guards{}, true},
		{storage.ProofAnalyzing, storage.ProofVerified, Guards{}, true},
		{storage.ProofAnalyzing, storage.ProofRejected, Guards{}, true},
		{storage.ProofAnalyzing, storage.ProofEscalated, Guards{}, true},
		{storage.ProofVerified, storage.ProofLocked, Guards{}, true},
		{storage.ProofRejected, storage.ProofRequested, Guards{}, true},
		{storage.ProofEscalated, storage.ProofVerified, Guards{AdminID: "a-1"}, true},
		{storage.ProofEscalated, storage.ProofVerified, Guards{}, false},
		{storage.ProofEscalated, storage.ProofRejected, Guards{}, false},
		{storage.ProofLocked, storage.ProofRequested, Guards{AdminID: "a-1"}, false},
		{storage.ProofRequested, storage.ProofVerified, Guards{}, false},
	}
	for _, tc := range cases {
		err := Validate(tc.from, tc.to, tc.g)
		if tc.ok && err != nil {
			t.Fatalf("%s -> %s should pass: %v", tc.from, tc.to, err)
		}
		if !tc.ok && err == nil {
			t.Fatalf("%s -> %s should be rejected", tc.from, tc.to)
		}
	}
}
