package main

import (
	"io"
	"testing"

	"github.com/scientisst/gosense/sense"
	"github.com/sirupsen/logrus"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func TestAddConsumers(t *testing.T) {
	log := testLogger()
	cfg := sense.DefaultConfig()
	cfg.Output.Scripts = []string{" seqcheck", ""}
	cfg.Monitor.Addr = "8080"

	runner := sense.NewRunner(log, 1)
	latest, err := addConsumers(runner, cfg, sense.Metadata{}, log)
	if err != nil {
		t.Fatal(err)
	}
	if latest == nil {
		t.Error("no LatestFrame with the status API enabled")
	}

	var names []string
	for _, s := range runner.Stats() {
		names = append(names, s.Name)
	}
	want := []string{"stdout", "seqcheck", "latest"}
	if len(names) != len(want) {
		t.Fatalf("consumers = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("consumers = %v, want %v", names, want)
			break
		}
	}
}

func TestAddConsumersErrors(t *testing.T) {
	tests := []struct {
		name  string
		quiet bool
		addr  string
	}{
		{"stdout", false, ""},
		{"latest", true, ":8080"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			log := testLogger()
			cfg := sense.DefaultConfig()
			cfg.Output.Quiet = tt.quiet
			cfg.Monitor.Addr = tt.addr

			// A started runner refuses new consumers
			runner := sense.NewRunner(log, 1)
			if err := runner.Start(); err != nil {
				t.Fatal(err)
			}
			defer runner.Stop()

			if _, err := addConsumers(runner, cfg, sense.Metadata{}, log); err == nil {
				t.Errorf("addConsumers() of %v on a started runner, error = nil", tt.name)
			}
		})
	}
}
