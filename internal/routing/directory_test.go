package routing

import (
	"testing"
)

func TestLoadDirectory(t *testing.T) {
	dir, err := LoadDirectory()
	if err != nil {
		t.Fatalf("LoadDirectory failed: %v", err)
	}

	if dir.Len() < 21 {
		t.Errorf("Expected at least 21 regions, got %d", dir.Len())
	}

	for _, id := range []string{"us-central1", "asia-southeast1", "europe-west1"} {
		if _, ok := dir.Get(id); !ok {
			t.Errorf("Expected region %s in catalog", id)
		}
	}

	if dir.DefaultRegion() != "us-central1" {
		t.Errorf("Expected default region us-central1, got %s", dir.DefaultRegion())
	}
}

func TestDirectory_CountryRegion(t *testing.T) {
	dir, err := LoadDirectory()
	if err != nil {
		t.Fatalf("LoadDirectory failed: %v", err)
	}

	region, ok := dir.CountryRegion("SG")
	if !ok || region != "asia-southeast1" {
		t.Errorf("Expected SG -> asia-southeast1, got %s (ok=%v)", region, ok)
	}

	// Lookup is case-insensitive.
	region, ok = dir.CountryRegion("de")
	if !ok || region != "europe-west3" {
		t.Errorf("Expected de -> europe-west3, got %s (ok=%v)", region, ok)
	}

	if _, ok := dir.CountryRegion("ZZ"); ok {
		t.Error("Expected unmapped country to miss")
	}
}

func TestDirectory_ByContinent(t *testing.T) {
	dir, err := LoadDirectory()
	if err != nil {
		t.Fatalf("LoadDirectory failed: %v", err)
	}

	asia := dir.ByContinent("Asia")
	if len(asia) != 6 {
		t.Errorf("Expected 6 Asian regions, got %d: %v", len(asia), asia)
	}
}

func TestDirectory_EstimateLatencyReduction(t *testing.T) {
	dir, err := LoadDirectory()
	if err != nil {
		t.Fatalf("LoadDirectory failed: %v", err)
	}

	est, ok := dir.EstimateLatencyReduction("SG")
	if !ok {
		t.Fatal("Expected estimate for SG")
	}
	if est.OptimalRegion != "asia-southeast1" {
		t.Errorf("Expected asia-southeast1, got %s", est.OptimalRegion)
	}
	// Cross-continental default for Asia is 250ms, Singapore baseline 35ms.
	if est.DefaultLatencyMS != 250 || est.OptimalLatencyMS != 35 {
		t.Errorf("Unexpected latencies: default=%d optimal=%d", est.DefaultLatencyMS, est.OptimalLatencyMS)
	}
	if est.ReductionMS != 215 {
		t.Errorf("Expected 215ms reduction, got %d", est.ReductionMS)
	}

	if _, ok := dir.EstimateLatencyReduction("ZZ"); ok {
		t.Error("Expected no estimate for unmapped country")
	}
}

func TestDirectory_SetDefaultRegion(t *testing.T) {
	dir, err := LoadDirectory()
	if err != nil {
		t.Fatalf("LoadDirectory failed: %v", err)
	}

	if err := dir.SetDefaultRegion("europe-west2"); err != nil {
		t.Fatalf("SetDefaultRegion failed: %v", err)
	}
	if dir.DefaultRegion() != "europe-west2" {
		t.Errorf("Expected default europe-west2, got %s", dir.DefaultRegion())
	}

	if err := dir.SetDefaultRegion("mars-east1"); err == nil {
		t.Error("Expected error for unknown region")
	}
}
