package schema

// PeerConnectionStatus is the connection state of one peer link.
type PeerConnectionStatus uint8

const (
	PeerDisconnected PeerConnectionStatus = iota
	PeerConnecting
	PeerConnected
	PeerFailed
)

var peerStatusNames = [...]string{"disconnected", "connecting", "connected", "failed"}

func (s PeerConnectionStatus) String() string {
	if int(s) < len(peerStatusNames) {
		return peerStatusNames[s]
	}
	return "unknown"
}

// MarshalText implements encoding.TextMarshaler.
func (s PeerConnectionStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *PeerConnectionStatus) UnmarshalText(text []byte) error {
	for i, n := range peerStatusNames {
		if n == string(text) {
			*s = PeerConnectionStatus(i)
			return nil
		}
	}
	*s = PeerDisconnected
	return nil
}

// PeerConfig is one statically configured peer endpoint.
type PeerConfig struct {
	ID     string `json:"id"`
	Region string `json:"region"`
	WsURL  string `json:"wsUrl"`
	APIURL string `json:"apiUrl"`
}

// PeerInfo is the gossip wire form of a known peer, annotated with the
// sharing node's local observations.
type PeerInfo struct {
	ID        string               `json:"id"`
	Region    string               `json:"region"`
	WsURL     string               `json:"wsUrl"`
	APIURL    string               `json:"apiUrl"`
	LastSeen  int64                `json:"lastSeen"`
	Status    PeerConnectionStatus `json:"status"`
	LatencyMs float64              `json:"latencyMs,omitempty"`
}

// PeerStatus is the live view of one peer for dashboards and health endpoints.
type PeerStatus struct {
	ID     string               `json:"id"`
	Region string               `json:"region"`
	Status PeerConnectionStatus `json:"status"`

	LatencyMs    float64 `json:"latencyMs,omitempty"`
	AvgLatencyMs float64 `json:"avgLatencyMs,omitempty"`
	MinLatencyMs float64 `json:"minLatencyMs,omitempty"`
	MaxLatencyMs float64 `json:"maxLatencyMs,omitempty"`

	PingCount     uint64  `json:"pingCount"`
	FailedPings   uint64  `json:"failedPings"`
	UptimePercent float64 `json:"uptimePercent"`
	LastPingAt    int64   `json:"lastPingAt,omitempty"`
	LastAttemptAt int64   `json:"lastAttemptAt,omitempty"`

	Sync *SyncStatusCounts `json:"sync,omitempty"`
}
