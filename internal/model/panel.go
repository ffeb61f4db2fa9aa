package model

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

const (
	DefaultPort = 4370
	MaxDoors    = 4
)

var ErrInvalidDoorID = errors.New("model: invalid door id")

// PanelConfig is the operator-supplied description of one controller.
type PanelConfig struct {
	ID       string
	Name     string
	Host     string
	Port     int
	Password string
	// Doors is the expected door count; zero means trust the panel's LockCount.
	Doors     int
	DoorNames map[int]string
}

func (c PanelConfig) Address() string {
	port := c.Port
	if port == 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}

func (c PanelConfig) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return fmt.Errorf("panel missing id")
	}
	if strings.ContainsAny(c.ID, "/ ") {
		return fmt.Errorf("panel id %q must not contain '/' or spaces", c.ID)
	}
	if strings.TrimSpace(c.Host) == "" {
		return fmt.Errorf("panel %q missing host", c.ID)
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("panel %q port out of range: %d", c.ID, c.Port)
	}
	if c.Doors < 0 || c.Doors > MaxDoors {
		return fmt.Errorf("panel %q doors out of range: %d", c.ID, c.Doors)
	}
	return nil
}

// Capabilities is what a panel reports about itself during the handshake.
type Capabilities struct {
	DoorCount    int
	ReaderCount  int
	SerialNumber string
	Firmware     string
	Model        string
}

// ValidDoor reports whether index addresses a door on this panel (1-based).
func (c Capabilities) ValidDoor(index int) bool {
	return index >= 1 && index <= c.DoorCount
}

// DoorMask is the bitmask of every door the panel has.
func (c Capabilities) DoorMask() uint8 {
	if c.DoorCount <= 0 {
		return 0
	}
	return uint8(1<<c.DoorCount - 1)
}

// ConnState is the coordinator-visible session state of a panel.
type ConnState string

const (
	StateConnecting ConnState = "connecting"
	StateOnline     ConnState = "online"
	StateOffline    ConnState = "offline"
	StateDegraded   ConnState = "degraded"
	StateRemoved    ConnState = "removed"
)

// DoorID addresses one door across all panels.
type DoorID struct {
	Panel string
	Index int
}

func (d DoorID) String() string {
	return d.Panel + "/" + strconv.Itoa(d.Index)
}

func ParseDoorID(raw string) (DoorID, error) {
	panel, idx, ok := strings.Cut(strings.TrimSpace(raw), "/")
	if !ok || panel == "" {
		return DoorID{}, fmt.Errorf("%w: %q", ErrInvalidDoorID, raw)
	}
	n, err := strconv.Atoi(idx)
	if err != nil || n < 1 || n > MaxDoors {
		return DoorID{}, fmt.Errorf("%w: %q", ErrInvalidDoorID, raw)
	}
	return DoorID{Panel: panel, Index: n}, nil
}

func (d DoorID) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *DoorID) UnmarshalText(b []byte) error {
	v, err := ParseDoorID(string(b))
	if err != nil {
		return err
	}
	*d = v
	return nil
}
