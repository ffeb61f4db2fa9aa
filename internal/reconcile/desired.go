package reconcile

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/danmuck/c3sync/internal/model"
)

var ErrInvalidDesired = errors.New("reconcile: invalid desired config")

// Desired is the operator's configuration across every panel.
type Desired struct {
	Users     []model.User        `json:"users"`
	Groups    []model.AccessGroup `json:"groups"`
	Schedules []model.Schedule    `json:"schedules"`
}

func (d Desired) Clone() Desired {
	out := Desired{
		Users:     make([]model.User, 0, len(d.Users)),
		Groups:    make([]model.AccessGroup, 0, len(d.Groups)),
		Schedules: make([]model.Schedule, 0, len(d.Schedules)),
	}
	for _, u := range d.Users {
		out.Users = append(out.Users, u.Clone())
	}
	for _, g := range d.Groups {
		out.Groups = append(out.Groups, g.Clone())
	}
	for _, s := range d.Schedules {
		out.Schedules = append(out.Schedules, s.Clone())
	}
	return out
}

// Scope returns the part of d that belongs on panelID: the panel's groups, the
// schedules they reference, and the users holding at least one of them with
// their memberships narrowed to that panel. Every slice is sorted by id.
func (d Desired) Scope(panelID string) Desired {
	out := Desired{Users: []model.User{}, Groups: []model.AccessGroup{}, Schedules: []model.Schedule{}}
	groups := map[uint16]bool{}
	schedules := map[uint16]bool{}
	for _, g := range d.Groups {
		if g.Panel != panelID {
			continue
		}
		out.Groups = append(out.Groups, g.Clone())
		groups[g.ID] = true
		if g.Schedule != model.AlwaysSchedule {
			schedules[g.Schedule] = true
		}
	}
	for _, s := range d.Schedules {
		if schedules[s.ID] {
			out.Schedules = append(out.Schedules, s.Clone())
		}
	}
	for _, u := range d.Users {
		scoped := u.Clone()
		scoped.Groups = scoped.Groups[:0]
		for _, g := range u.Groups {
			if groups[g] {
				scoped.Groups = append(scoped.Groups, g)
			}
		}
		if len(scoped.Groups) > 0 {
			out.Users = append(out.Users, scoped)
		}
	}
	sort.Slice(out.Users, func(i, j int) bool { return out.Users[i].ID < out.Users[j].ID })
	sort.Slice(out.Groups, func(i, j int) bool { return out.Groups[i].ID < out.Groups[j].ID })
	sort.Slice(out.Schedules, func(i, j int) bool { return out.Schedules[i].ID < out.Schedules[j].ID })
	return out
}

// Hash is the config version of a scoped Desired.
func (d Desired) Hash() string {
	b, _ := json.Marshal(d)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Panels lists every panel that owns at least one group.
func (d Desired) Panels() []string {
	seen := map[string]bool{}
	var out []string
	for _, g := range d.Groups {
		if !seen[g.Panel] {
			seen[g.Panel] = true
			out = append(out, g.Panel)
		}
	}
	sort.Strings(out)
	return out
}

// Validate checks cross-record references. Field ranges are checked when records are encoded.
func (d Desired) Validate() error {
	schedules := map[uint16]bool{}
	for _, s := range d.Schedules {
		if s.ID == 0 {
			return fmt.Errorf("%w: schedule id 0 is reserved", ErrInvalidDesired)
		}
		if schedules[s.ID] {
			return fmt.Errorf("%w: duplicate schedule %d", ErrInvalidDesired, s.ID)
		}
		schedules[s.ID] = true
	}
	groups := map[uint16]bool{}
	for _, g := range d.Groups {
		if g.ID == 0 {
			return fmt.Errorf("%w: group id 0 is reserved", ErrInvalidDesired)
		}
		if groups[g.ID] {
			return fmt.Errorf("%w: duplicate group %d", ErrInvalidDesired, g.ID)
		}
		if g.Panel == "" {
			return fmt.Errorf("%w: group %d has no panel", ErrInvalidDesired, g.ID)
		}
		if g.Schedule != model.AlwaysSchedule && !schedules[g.Schedule] {
			return fmt.Errorf("%w: group %d references unknown schedule %d", ErrInvalidDesired, g.ID, g.Schedule)
		}
		groups[g.ID] = true
	}
	users := map[uint32]bool{}
	for _, u := range d.Users {
		if u.ID == 0 {
			return fmt.Errorf("%w: user id 0 is reserved", ErrInvalidDesired)
		}
		if users[u.ID] {
			return fmt.Errorf("%w: duplicate user %d", ErrInvalidDesired, u.ID)
		}
		users[u.ID] = true
		if len(u.Groups) > model.MaxUserGroups {
			return fmt.Errorf("%w: user %d holds %d groups, max %d", ErrInvalidDesired, u.ID, len(u.Groups), model.MaxUserGroups)
		}
		for _, g := range u.Groups {
			if !groups[g] {
				return fmt.Errorf("%w: user %d references unknown group %d", ErrInvalidDesired, u.ID, g)
			}
		}
	}
	for _, panelID := range d.Panels() {
		cards := map[string]uint32{}
		for _, u := range d.Scope(panelID).Users {
			card := model.CanonicalCard(u.Card)
			if card == "" {
				continue
			}
			if other, ok := cards[card]; ok {
				return fmt.Errorf("%w: card %s held by users %d and %d on panel %s", ErrInvalidDesired, card, other, u.ID, panelID)
			}
			cards[card] = u.ID
		}
	}
	return nil
}
