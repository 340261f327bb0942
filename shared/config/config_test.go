package config

import "testing"

func TestParseCSV(t *testing.T) {
	got := parseCSV("broker-1:9092, broker-2:9092, ,")
	if len(got) != 2 {
		t.Fatalf("expected 2 items, got %d", len(got))
	}
	if got[0] != "broker-1:9092" || got[1] != "broker-2:9092" {
		t.Fatalf("unexpected values: %#v", got)
	}
}

func TestParseAnyCSV(t *testing.T) {
	got := parseAnyCSV([]any{"a", " ", 7, "b"})
	if len(got) != 2 {
		t.Fatalf("expected 2 items, got %d", len(got))
	}
	if got[0] != "a" || got[1] != "b" {
		t.Fatalf("unexpected values: %#v", got)
	}
}

func TestAsBool(t *testing.T) {
	cases := map[string]bool{"1": true, "on": true, "FALSE": false, "no": false}
	for raw, want := range cases {
		got, ok := asBool(raw)
		if !ok || got != want {
			t.Fatalf("asBool(%q) = %v, %v", raw, got, ok)
		}
	}
	if _, ok := asBool("maybe"); ok {
		t.Fatalf("expected asBool to reject %q", "maybe")
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ENV", "test")
	cfg, _ := Load("dispatchd", 8081)
	if cfg.ServiceName != "dispatchd" {
		t.Fatalf("unexpected service name: %s", cfg.ServiceName)
	}
	if cfg.SearchRadiusKM != 15 {
		t.Fatalf("unexpected default radius: %v", cfg.SearchRadiusKM)
	}
	if cfg.LocationStaleSec != 120 {
		t.Fatalf("unexpected staleness default: %d", cfg.LocationStaleSec)
	}
	if cfg.BridgeQueueSize != 1000 {
		t.Fatalf("unexpected bridge queue default: %d", cfg.BridgeQueueSize)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("ENV", "test")
	t.Setenv("DISPATCH_SEARCH_RADIUS_KM", "30")
	t.Setenv("DISPATCH_REASSIGN_MAX_ATTEMPTS", "7")
	cfg, _ := Load("dispatchd", 8081)
	if cfg.SearchRadiusKM != 30 {
		t.Fatalf("radius override not applied: %v", cfg.SearchRadiusKM)
	}
	if cfg.ReassignMaxAttempts != 7 {
		t.Fatalf("reassign attempts override not applied: %d", cfg.ReassignMaxAttempts)
	}
}
