package machine

// Status is the persisted machine lifecycle state.
type Status int

const (
	StatusUnknown Status = iota
	StatusMissing
	StatusStarting
	StatusUp
	StatusStopping
	StatusStopped
	StatusUnreachable
	StatusRescue
)

var statusNames = [...]string{
	StatusUnknown:     "Unknown",
	StatusMissing:     "Missing",
	StatusStarting:    "Starting",
	StatusUp:          "Up",
	StatusStopping:    "Stopping",
	StatusStopped:     "Stopped",
	StatusUnreachable: "Unreachable",
	StatusRescue:      "Rescue",
}

func (s Status) String() string {
	if s >= 0 && int(s) < len(statusNames) {
		return statusNames[s]
	}
	return "Invalid"
}

// State is the persisted record of a machine.
type State struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Type        string `json:"type,omitempty"`
	Status      Status `json:"state"`
	PublicIPv4  string `json:"publicIpv4,omitempty"`
	PrivateIPv4 string `json:"privateIpv4,omitempty"`
	Username    string `json:"username,omitempty"`
	Password    string `json:"password,omitempty"`
	Region      string `json:"region,omitempty"`
	// VMID is set if and only if a remote VM has been created
	VMID string `json:"vmId,omitempty"`
}

// NewState returns the state of a machine that was never reconciled.
func NewState(name string) *State {
	return &State{Name: name, Status: StatusUnknown}
}

// SSHName is the address used to reach the machine.
func (s *State) SSHName() string {
	return s.PublicIPv4
}
