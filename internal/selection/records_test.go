package selection

import (
	"encoding/json"
	"testing"
)

func TestFromRecords(t *testing.T) {
	records := []any{
		map[string]any{"name": "CVS Pharmacy", "id": "ph-1"},
		map[string]any{"display_name": "Walgreens", "opaque_id": "ph-2"},
		map[string]any{"name": "No id here"},
		"Rite Aid",
		map[string]any{"code": float64(42)},
	}
	got := FromRecords(records)
	want := []Candidate{
		{Position: 1, DisplayName: "CVS Pharmacy", OpaqueID: "ph-1"},
		{Position: 2, DisplayName: "Walgreens", OpaqueID: "ph-2"},
		{Position: 3, DisplayName: "Rite Aid", OpaqueID: "Rite Aid"},
		{Position: 4, DisplayName: "42", OpaqueID: "42"},
	}
	if len(got) != len(want) {
		t.Fatalf("got %d candidates, want %d: %+v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("candidate %d = %+v, want %+v", i, got[i], want[i])
		}
	}

	if FromRecords(map[string]any{"id": "x"}) != nil {
		t.Error("non-list input should yield nil")
	}
	if FromRecords(nil) != nil {
		t.Error("nil input should yield nil")
	}
}

func TestFromRecords_NumericIDs(t *testing.T) {
	var decoded []any
	if err := json.Unmarshal([]byte(`[{"name": "WALGREENS", "id": 20098765}]`), &decoded); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		records []any
		want    []string
	}{
		{
			name:    "float64 from encoding/json",
			records: decoded,
			want:    []string{"20098765"},
		},
		{
			name: "json.Number",
			records: []any{
				map[string]any{"name": "A", "id": json.Number("9007199254740993")},
			},
			want: []string{"9007199254740993"},
		},
		{
			name: "integer kinds",
			records: []any{
				map[string]any{"name": "A", "id": 7},
				map[string]any{"name": "B", "id": int64(1234567890123)},
				map[string]any{"name": "C", "id": uint32(55)},
			},
			want: []string{"7", "1234567890123", "55"},
		},
		{
			name: "fractional and negative",
			records: []any{
				map[string]any{"name": "A", "id": 12.5},
				map[string]any{"name": "B", "id": float64(-300)},
				map[string]any{"name": "C", "id": 1e21},
			},
			want: []string{"12.5", "-300", "1000000000000000000000"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FromRecords(tt.records)
			if len(got) != len(tt.want) {
				t.Fatalf("got %d candidates, want %d", len(got), len(tt.want))
			}
			for i, id := range tt.want {
				if got[i].OpaqueID != id {
					t.Errorf("candidate %d id = %q, want %q", i, got[i].OpaqueID, id)
				}
			}
		})
	}
}

func TestListing(t *testing.T) {
	got := Listing([]Candidate{{Position: 1, DisplayName: "A"}, {Position: 2, DisplayName: "B"}})
	if got != "1. A\n2. B" {
		t.Errorf("Listing = %q", got)
	}
	if Listing(nil) != "" {
		t.Error("empty listing should be empty")
	}
}
