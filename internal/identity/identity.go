// Package identity gathers the information an agent reports about itself
// when it registers with a controller.
package identity

import (
	"net"
	"os"
	"runtime"

	"github.com/google/uuid"

	"github.com/remotely-sh/remotely/internal/protocol"
)

// Gather collects host details for a registration message. When id is empty
// a random identifier is generated, so every agent process is addressable
// even before any operator configuration exists.
func Gather(id string) *protocol.SystemInfo {
	if id == "" {
		id = uuid.NewString()
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	return &protocol.SystemInfo{
		AgentID:         id,
		Hostname:        hostname,
		Platform:        runtime.GOOS,
		PlatformVersion: runtime.GOARCH,
		IPAddress:       localIP(),
	}
}

// localIP finds the address the host would use for outbound traffic. The
// dial never sends a packet; UDP connect only selects a route.
func localIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()

	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return "127.0.0.1"
	}
	return addr.IP.String()
}
