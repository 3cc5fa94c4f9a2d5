package report

import "testing"

func TestNewKafkaSinkRequiresBrokers(t *testing.T) {
	_, err := NewKafkaSink(KafkaConfig{})
	if err == nil {
		t.Fatal("expected error for missing brokers")
	}
}

func TestNewKafkaSinkAppliesDefaults(t *testing.T) {
	s, err := NewKafkaSink(KafkaConfig{Brokers: []string{"localhost:9092"}})
	if err != nil {
		t.Fatalf("NewKafkaSink failed: %v", err)
	}
	defer s.Close()

	if s.writer.BatchSize != defaultBatchSize || s.writer.BatchTimeout != defaultBatchTimeout || s.writer.MaxAttempts != defaultMaxAttempts {
		t.Fatalf("expected default batch size/timeout/attempts, got %d/%v/%d",
			s.writer.BatchSize, s.writer.BatchTimeout, s.writer.MaxAttempts)
	}
	if s.Sent() != 0 || s.Errors() != 0 {
		t.Fatalf("expected zeroed counters on a fresh sink, got sent=%d errors=%d", s.Sent(), s.Errors())
	}
}

func TestNewKafkaSinkRejectsUnknownCompression(t *testing.T) {
	_, err := NewKafkaSink(KafkaConfig{Brokers: []string{"localhost:9092"}, Compression: "bogus"})
	if err == nil {
		t.Fatal("expected error for unknown compression")
	}
}

func TestNewKafkaSinkAcceptsEveryKnownCompression(t *testing.T) {
	for _, c := range []string{"", "none", "gzip", "snappy", "lz4"} {
		s, err := NewKafkaSink(KafkaConfig{Brokers: []string{"localhost:9092"}, Compression: c})
		if err != nil {
			t.Fatalf("compression %q: %v", c, err)
		}
		s.Close()
	}
}
