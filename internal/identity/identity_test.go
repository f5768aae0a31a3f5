package identity

import (
	"runtime"
	"testing"

	"github.com/google/uuid"
)

func TestGatherGeneratesID(t *testing.T) {
	info := Gather("")
	if info.AgentID == "" {
		t.Fatal("AgentID is empty")
	}
	if _, err := uuid.Parse(info.AgentID); err != nil {
		t.Errorf("generated AgentID %q is not a UUID: %v", info.AgentID, err)
	}
	if info.Platform != runtime.GOOS {
		t.Errorf("Platform = %q, want %q", info.Platform, runtime.GOOS)
	}
	if info.Hostname == "" {
		t.Error("Hostname is empty")
	}
	if info.IPAddress == "" {
		t.Error("IPAddress is empty")
	}
}

func TestGatherKeepsConfiguredID(t *testing.T) {
	info := Gather("build-host-07")
	if info.AgentID != "build-host-07" {
		t.Errorf("AgentID = %q, want configured value", info.AgentID)
	}
}
