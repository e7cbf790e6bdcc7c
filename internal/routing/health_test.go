package routing

import (
	"strconv"
	"sync"
	"testing"
	"time"
)

func testDirectory(t *testing.T) *Directory {
	t.Helper()
	dir, err := LoadDirectory()
	if err != nil {
		t.Fatalf("LoadDirectory failed: %v", err)
	}
	return dir
}

func TestHealthTracker_FailureThreshold(t *testing.T) {
	tracker := NewHealthTracker(testDirectory(t))
	region := "us-central1"

	// Four failures: still healthy.
	for i := 0; i < 4; i++ {
		tracker.MarkFailure(region, "connection refused")
	}
	if !tracker.IsHealthy(region) {
		t.Error("Expected region healthy after 4 failures")
	}

	// Fifth consecutive failure flips unhealthy.
	tracker.MarkFailure(region, "connection refused")
	if tracker.IsHealthy(region) {
		t.Error("Expected region unhealthy after 5 failures")
	}

	// A single success resets everything.
	tracker.MarkSuccess(region, 42)
	if !tracker.IsHealthy(region) {
		t.Error("Expected region healthy after success")
	}
}

func TestHealthTracker_Staleness(t *testing.T) {
	now := time.Now()
	tracker := newHealthTracker(testDirectory(t), func() time.Time { return now })
	region := "asia-southeast1"

	if !tracker.IsHealthy(region) {
		t.Fatal("Expected region healthy at startup")
	}

	// Zero failures, but no success in over 30 minutes: unhealthy.
	now = now.Add(31 * time.Minute)
	if tracker.IsHealthy(region) {
		t.Error("Expected stale region to report unhealthy")
	}

	tracker.MarkSuccess(region, 35)
	if !tracker.IsHealthy(region) {
		t.Error("Expected region healthy after fresh success")
	}
}

func TestHealthTracker_UnknownRegion(t *testing.T) {
	tracker := NewHealthTracker(testDirectory(t))

	if tracker.IsHealthy("mars-north1") {
		t.Error("Expected unknown region to be unhealthy")
	}
	// Mutations on unknown regions are silently ignored.
	tracker.MarkSuccess("mars-north1", 10)
	tracker.MarkFailure("mars-north1", "no such region")
}

func TestHealthTracker_Snapshot(t *testing.T) {
	dir := testDirectory(t)
	tracker := NewHealthTracker(dir)

	for i := 0; i < 5; i++ {
		tracker.MarkFailure("me-west1", "timeout")
	}

	snap := tracker.Snapshot()
	if snap.TotalRegions != dir.Len() {
		t.Errorf("Expected %d total regions, got %d", dir.Len(), snap.TotalRegions)
	}
	if snap.UnhealthyRegions != 1 {
		t.Errorf("Expected 1 unhealthy region, got %d", snap.UnhealthyRegions)
	}
	if snap.HealthyRegions != dir.Len()-1 {
		t.Errorf("Expected %d healthy regions, got %d", dir.Len()-1, snap.HealthyRegions)
	}
	if snap.Regions["me-west1"].Status != StatusUnhealthy {
		t.Errorf("Expected me-west1 unhealthy in detail, got %s", snap.Regions["me-west1"].Status)
	}
}

func TestHealthTracker_ConcurrentAccess(t *testing.T) {
	t.Parallel()

	dir := testDirectory(t)
	tracker := NewHealthTracker(dir)
	regions := dir.All()

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(seed int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				region := regions[(seed+i)%len(regions)].ID
				switch i % 3 {
				case 0:
					tracker.MarkSuccess(region, float64(i))
				case 1:
					tracker.MarkFailure(region, "err "+strconv.Itoa(i))
				default:
					tracker.IsHealthy(region)
				}
			}
		}(g)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			tracker.Snapshot()
		}
	}()

	wg.Wait()
}
