package records

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/danmuck/c3sync/internal/model"
)

const (
	ParamSerialNumber = "~SerialNumber"
	ParamLockCount    = "LockCount"
	ParamReaderCount  = "ReaderCount"
	ParamFirmware     = "FirmVer"
	ParamDeviceName   = "~DeviceName"
)

// CapabilityParams is the parameter read issued right after the handshake.
var CapabilityParams = []string{ParamSerialNumber, ParamLockCount, ParamReaderCount, ParamFirmware}

var ErrParamFormat = errors.New("records: malformed parameter text")

// ParamRequest renders a get-param payload: "k1,k2~".
func ParamRequest(keys []string) []byte {
	return []byte(strings.Join(keys, ",") + "~")
}

// ParseParams reads a "k=v,k=v~" payload. A trailing NUL or missing tilde is tolerated.
func ParseParams(payload []byte) (map[string]string, error) {
	text := strings.TrimRight(string(payload), "\x00")
	text = strings.TrimSuffix(text, "~")
	out := make(map[string]string)
	if strings.TrimSpace(text) == "" {
		return out, nil
	}
	for _, pair := range strings.Split(text, ",") {
		k, v, ok := strings.Cut(pair, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("%w: %q", ErrParamFormat, pair)
		}
		out[k] = strings.TrimSpace(v)
	}
	return out, nil
}

// FormatParams renders values in key order as a set-param payload.
func FormatParams(values map[string]string) []byte {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+values[k])
	}
	return []byte(strings.Join(parts, ",") + "~")
}

// CapabilitiesFromParams derives the capability set. expectedDoors, when nonzero, must
// agree with the panel's LockCount.
func CapabilitiesFromParams(params map[string]string, expectedDoors int) (model.Capabilities, error) {
	caps := model.Capabilities{
		SerialNumber: params[ParamSerialNumber],
		Firmware:     params[ParamFirmware],
		Model:        params[ParamDeviceName],
	}
	doors, err := strconv.Atoi(params[ParamLockCount])
	if err != nil || doors < 1 || doors > model.MaxDoors {
		return model.Capabilities{}, fmt.Errorf("%w: LockCount=%q", ErrParamFormat, params[ParamLockCount])
	}
	if expectedDoors != 0 && expectedDoors != doors {
		return model.Capabilities{}, fmt.Errorf("records: panel reports %d doors, configured %d", doors, expectedDoors)
	}
	caps.DoorCount = doors
	caps.ReaderCount = doors
	if raw, ok := params[ParamReaderCount]; ok && raw != "" {
		readers, err := strconv.Atoi(raw)
		if err != nil || readers < 0 {
			return model.Capabilities{}, fmt.Errorf("%w: ReaderCount=%q", ErrParamFormat, raw)
		}
		caps.ReaderCount = readers
	}
	if caps.SerialNumber == "" {
		caps.SerialNumber = "unknown"
	}
	if caps.Firmware == "" {
		caps.Firmware = "unknown"
	}
	return caps, nil
}

// ParamSetVersion is the only ParamSet layout understood today.
const ParamSetVersion = 1

// ParamKind enumerates the writable device parameters.
type ParamKind string

const (
	ParamDoorDriveTime    ParamKind = "door_drive_time"
	ParamDoorDetectorTime ParamKind = "door_detector_time"
	ParamDoorSensorType   ParamKind = "door_sensor_type"
	ParamDoorVerifyType   ParamKind = "door_verify_type"
	ParamAntiPassback     ParamKind = "anti_passback"
)

type paramSpec struct {
	key     string // fmt pattern; %d is the door index for per-door kinds
	perDoor bool
	min     int
	max     int
	options []int
}

var paramSpecs = map[ParamKind]paramSpec{
	ParamDoorDriveTime:    {key: "Door%dDrivertime", perDoor: true, min: 0, max: 254},
	ParamDoorDetectorTime: {key: "Door%dDetectortime", perDoor: true, min: 0, max: 255},
	ParamDoorSensorType:   {key: "Door%dSensorType", perDoor: true, options: []int{0, 1, 2}},
	ParamDoorVerifyType:   {key: "Door%dVerifyType", perDoor: true, options: []int{0, 1, 2, 3}},
	ParamAntiPassback:     {key: "AntiPassback", options: []int{0, 1, 2, 3, 4}},
}

// Param is one typed parameter write. Door is ignored for panel-wide kinds.
type Param struct {
	Kind  ParamKind `json:"kind"`
	Door  int       `json:"door,omitempty"`
	Value int       `json:"value"`
}

// ParamSet is a versioned batch of parameter writes.
type ParamSet struct {
	Version int     `json:"version"`
	Params  []Param `json:"params"`
}

func (s ParamSet) Validate(caps model.Capabilities) error {
	if s.Version != ParamSetVersion {
		return fmt.Errorf("records: param set version %d unsupported", s.Version)
	}
	if len(s.Params) == 0 {
		return fmt.Errorf("records: param set is empty")
	}
	seen := make(map[string]struct{}, len(s.Params))
	for _, p := range s.Params {
		sp, ok := paramSpecs[p.Kind]
		if !ok {
			return fmt.Errorf("%w: unknown param kind %q", ErrInvalidField, p.Kind)
		}
		key := sp.key
		if sp.perDoor {
			if !caps.ValidDoor(p.Door) {
				return fmt.Errorf("%w: %s door %d", ErrOutOfRange, p.Kind, p.Door)
			}
			key = fmt.Sprintf(sp.key, p.Door)
		}
		if _, dup := seen[key]; dup {
			return fmt.Errorf("%w: %s set twice", ErrInvalidField, key)
		}
		seen[key] = struct{}{}
		if !sp.accepts(p.Value) {
			return fmt.Errorf("%w: %s=%d", ErrOutOfRange, key, p.Value)
		}
	}
	return nil
}

// Encode validates the set and renders the set-param payload.
func (s ParamSet) Encode(caps model.Capabilities) ([]byte, error) {
	if err := s.Validate(caps); err != nil {
		return nil, err
	}
	values := make(map[string]string, len(s.Params))
	for _, p := range s.Params {
		sp := paramSpecs[p.Kind]
		key := sp.key
		if sp.perDoor {
			key = fmt.Sprintf(sp.key, p.Door)
		}
		values[key] = strconv.Itoa(p.Value)
	}
	return FormatParams(values), nil
}

func (sp paramSpec) accepts(v int) bool {
	if len(sp.options) > 0 {
		for _, o := range sp.options {
			if o == v {
				return true
			}
		}
		return false
	}
	return v >= sp.min && v <= sp.max
}
