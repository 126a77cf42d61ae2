package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadServerConfigDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPAddr != ":8080" || cfg.BookingWindowDays != 30 || cfg.MatchRadiusMeters != 3000 || cfg.PendingKey != "driver:pending" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.Location().String() != "Europe/Paris" {
		t.Fatalf("unexpected location %s", cfg.Location())
	}
}

func TestLoadServerConfigOverrides(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("KAFKA_BROKERS", " k1:9092, ,k2:9092 ")
	t.Setenv("HTTP_READ_TIMEOUT", "2s")
	t.Setenv("MATCH_RADIUS_METERS", "1500.5")
	t.Setenv("MIGRATE", "TRUE")
	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "k2:9092" {
		t.Fatalf("brokers not split: %v", cfg.KafkaBrokers)
	}
	if cfg.ReadTimeout != 2*time.Second || cfg.MatchRadiusMeters != 1500.5 || !cfg.RunMigrations {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
}

func TestLoadServerConfigCollectsErrors(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	t.Setenv("BOOKING_WINDOW_DAYS", "zero")
	t.Setenv("SEARCH_CONCURRENCY", "0")
	_, err := LoadServerConfig()
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"JWT_SECRET", "BOOKING_WINDOW_DAYS", "SEARCH_CONCURRENCY"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q does not mention %s", err, want)
		}
	}
}

func TestLoadConsumerConfig(t *testing.T) {
	t.Setenv("KAFKA_GROUP", "g1")
	cfg, err := LoadConsumerConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.KafkaGroup != "g1" || cfg.PendingKey != "driver:pending" || cfg.KafkaBrokers[0] != "localhost:9092" {
		t.Fatalf("unexpected consumer config %+v", cfg)
	}
}
