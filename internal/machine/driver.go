package machine

import "context"

// NodeState is a provider node status normalised across backends.
type NodeState string

const (
	NodeUnknown NodeState = "unknown"
	NodePending NodeState = "pending"
	NodeRunning NodeState = "running"
	NodeStopped NodeState = "stopped"
)

// Node is a provider VM as seen through a Driver.
type Node struct {
	ID         string
	Name       string
	State      NodeState
	PublicIPs  []string
	PrivateIPs []string
}

// Image is one of the account's own disk images.
type Image struct {
	ID   string
	Name string
}

// NodeSpec describes a VM to create.
type NodeSpec struct {
	Name   string
	Region string
	CPU    int // cores
	RAM    int // MiB
	Disk   int // GiB
	Image  Image
	// PublicKeys are provider-specific key references or authorized-key lines
	PublicKeys []string
}

// Driver is an open provider session.
type Driver interface {
	// Provider returns the backend type, e.g. "cloudsigma"
	Provider() string
	// CreateNode returns the node together with the error when the VM was
	// created but a later step, such as booting it, failed.
	CreateNode(ctx context.Context, spec NodeSpec) (*Node, error)
	ListImages(ctx context.Context) ([]Image, error)
	GetNode(ctx context.Context, id string) (*Node, error)
	Close() error
}

// Starter is implemented by drivers that can power on a stopped node.
type Starter interface {
	StartNode(ctx context.Context, id string) error
}

// Opener opens a provider session for a definition's credentials and region.
type Opener func(ctx context.Context, defn Definition) (Driver, error)

// Store persists machine state.
type Store interface {
	// Load returns the stored state or a fresh UNKNOWN state for unknown names
	Load(ctx context.Context, name string) (*State, error)
	Save(ctx context.Context, st *State) error
	List(ctx context.Context) ([]*State, error)
	Close() error
}
