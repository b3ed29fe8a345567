package smtpserver

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestMetricsNilSafe(t *testing.T) {
	var m *Metrics
	m.connOpened()
	m.connClosed()
	m.command("HELO")
	m.reply(250)
	m.auth("PLAIN", true)
	m.messageAccepted()
}

func TestNewMetricsRegisters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "test")

	m.connOpened()
	m.command("EHLO")
	m.reply(250)
	m.auth("PLAIN", false)
	m.messageAccepted()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if len(families) == 0 {
		t.Errorf("expected registered metric families, got none")
	}
}
